package server

import (
	"encoding/json"

	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/users"
)

type serverPayload struct {
	ID                string `json:"id"`
	ExternalID        string `json:"external_id"`
	Name              string `json:"name"`
	AllowNoteRequests bool   `json:"allow_note_requests"`
	AllowNoteCreation bool   `json:"allow_note_creation"`
	IsPaused          bool   `json:"is_paused"`
}

func newServerPayload(server community.Server) serverPayload {
	return serverPayload{
		ID:                server.ID,
		ExternalID:        server.ExternalID,
		Name:              server.Name,
		AllowNoteRequests: server.AllowNoteRequests,
		AllowNoteCreation: server.AllowNoteCreation,
		IsPaused:          server.IsPaused,
	}
}

type messagePayload struct {
	ID               string `json:"id"`
	ServerID         string `json:"server_id"`
	ExternalID       string `json:"external_id"`
	ChannelID        string `json:"channel_id"`
	AuthorID         string `json:"author_id"`
	TotalRequests    int    `json:"total_requests"`
	UniqueRequestors int    `json:"unique_requestors"`
	HasActiveNote    bool   `json:"has_active_note"`
}

func newMessagePayload(message community.Message) messagePayload {
	return messagePayload{
		ID:               message.ID,
		ServerID:         message.ServerID,
		ExternalID:       message.ExternalID,
		ChannelID:        message.ChannelID,
		AuthorID:         message.AuthorID,
		TotalRequests:    message.TotalRequests,
		UniqueRequestors: message.UniqueRequestors,
		HasActiveNote:    message.HasActiveNote,
	}
}

type aggregationPayload struct {
	MessageID            string `json:"message_id"`
	TotalRequests        int    `json:"total_requests"`
	UniqueRequestors     int    `json:"unique_requestors"`
	ThresholdMet         bool   `json:"threshold_met"`
	ContributorsNotified bool   `json:"contributors_notified"`
}

func newAggregationPayload(aggregation engagement.Aggregation) aggregationPayload {
	return aggregationPayload{
		MessageID:            aggregation.MessageID,
		TotalRequests:        aggregation.TotalRequests,
		UniqueRequestors:     aggregation.UniqueRequestors,
		ThresholdMet:         aggregation.ThresholdMet,
		ContributorsNotified: aggregation.ContributorsNotified,
	}
}

type notePayload struct {
	ID                string   `json:"id"`
	MessageID         string   `json:"message_id"`
	AuthorID          string   `json:"author_id"`
	Content           string   `json:"content"`
	Classification    string   `json:"classification"`
	Sources           []string `json:"sources"`
	Status            string   `json:"status"`
	HelpfulCount      int      `json:"helpful_count"`
	NotHelpfulCount   int      `json:"not_helpful_count"`
	TotalRatings      int      `json:"total_ratings"`
	HelpfulnessRatio  float64  `json:"helpfulness_ratio"`
	VisibilityScore   float64  `json:"visibility_score"`
	IsVisible         bool     `json:"is_visible"`
	UnderReview       bool     `json:"under_review"`
	SubmittedAtSecond int64    `json:"submitted_at_s"`
}

func newNotePayload(note notes.Note) notePayload {
	return notePayload{
		ID:                note.ID,
		MessageID:         note.MessageID,
		AuthorID:          note.AuthorID,
		Content:           note.Content,
		Classification:    string(note.Classification),
		Sources:           append([]string{}, note.Sources...),
		Status:            string(note.Status),
		HelpfulCount:      note.HelpfulCount,
		NotHelpfulCount:   note.NotHelpfulCount,
		TotalRatings:      note.TotalRatings,
		HelpfulnessRatio:  note.HelpfulnessRatio,
		VisibilityScore:   note.VisibilityScore,
		IsVisible:         note.IsVisible,
		UnderReview:       note.Frozen,
		SubmittedAtSecond: note.SubmittedAtSeconds,
	}
}

type moderationPayload struct {
	ID          string  `json:"id"`
	ServerID    string  `json:"server_id"`
	ItemType    string  `json:"item_type"`
	ItemID      string  `json:"item_id"`
	FlagType    string  `json:"flag_type"`
	FlaggedBy   string  `json:"flagged_by"`
	Reason      *string `json:"reason,omitempty"`
	Status      string  `json:"status"`
	ReviewedBy  *string `json:"reviewed_by,omitempty"`
	ActionTaken *string `json:"action_taken,omitempty"`
	CreatedAt   int64   `json:"created_at_s"`
}

func newModerationPayload(entry moderation.Entry) moderationPayload {
	return moderationPayload{
		ID:          entry.ID,
		ServerID:    entry.ServerID,
		ItemType:    string(entry.ItemType),
		ItemID:      entry.ItemID,
		FlagType:    entry.FlagType,
		FlaggedBy:   entry.FlaggedBy,
		Reason:      entry.Reason,
		Status:      string(entry.Status),
		ReviewedBy:  entry.ReviewedBy,
		ActionTaken: entry.ActionTaken,
		CreatedAt:   entry.CreatedAtSeconds,
	}
}

type notificationPayload struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Data         json.RawMessage `json:"data,omitempty"`
	Attempts     int             `json:"attempts"`
	ScheduledFor int64           `json:"scheduled_for_s"`
	SentAt       *int64          `json:"sent_at_s,omitempty"`
	BatchID      *string         `json:"batch_id,omitempty"`
}

func newNotificationPayload(entry notify.Entry) notificationPayload {
	return notificationPayload{
		ID:           entry.ID,
		Type:         string(entry.Type),
		Status:       string(entry.Status),
		Priority:     entry.Priority,
		Data:         json.RawMessage(entry.Data),
		Attempts:     entry.Attempts,
		ScheduledFor: entry.ScheduledForSeconds,
		SentAt:       entry.SentAtSeconds,
		BatchID:      entry.BatchID,
	}
}

type preferencesPayload struct {
	Enabled                 map[string]bool `json:"enabled"`
	Batching                bool            `json:"batching"`
	BatchingIntervalMinutes int             `json:"batching_interval_minutes"`
	Methods                 []string        `json:"methods"`
	MutedUntil              *int64          `json:"muted_until_s,omitempty"`
}

func newPreferencesPayload(prefs users.Preferences) preferencesPayload {
	enabled := make(map[string]bool, len(prefs.Enabled))
	for category, on := range prefs.Enabled {
		enabled[string(category)] = on
	}
	payload := preferencesPayload{
		Enabled:                 enabled,
		Batching:                prefs.Batching,
		BatchingIntervalMinutes: prefs.BatchingIntervalMinutes,
		Methods:                 append([]string{}, prefs.Methods...),
	}
	if prefs.MutedUntil != nil {
		seconds := prefs.MutedUntil.Unix()
		payload.MutedUntil = &seconds
	}
	return payload
}

func (p preferencesPayload) toPreferences() users.Preferences {
	prefs := users.Preferences{
		Enabled:                 make(map[users.Category]bool, len(p.Enabled)),
		Batching:                p.Batching,
		BatchingIntervalMinutes: p.BatchingIntervalMinutes,
		Methods:                 append([]string(nil), p.Methods...),
	}
	for category, on := range p.Enabled {
		prefs.Enabled[users.Category(category)] = on
	}
	return prefs
}

type userPayload struct {
	ID               string             `json:"id"`
	Username         string             `json:"username"`
	TrustLevel       string             `json:"trust_level"`
	HelpfulnessScore float64            `json:"helpfulness_score"`
	Preferences      preferencesPayload `json:"preferences"`
}

func newUserPayload(user users.User) userPayload {
	return userPayload{
		ID:               user.ID,
		Username:         user.Username,
		TrustLevel:       user.TrustLevel.String(),
		HelpfulnessScore: user.HelpfulnessScore,
		Preferences:      newPreferencesPayload(user.Preferences()),
	}
}
