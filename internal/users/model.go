package users

import (
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"gorm.io/datatypes"
)

const (
	maxIdentifierLength            = 190
	defaultBatchingIntervalMinutes = 30
	maxBatchingIntervalMinutes     = 24 * 60
	// MethodStream delivers to live subscribers of the notification stream.
	MethodStream = "stream"
	// MethodLog writes the rendered notification to the service log.
	MethodLog = "log"
)

// Category groups notification types under one user preference toggle.
type Category string

const (
	CategoryNewRequests   Category = "new_requests"
	CategoryNotePublished Category = "note_published"
	CategoryNoteRatings   Category = "note_ratings"
	CategoryStatusChanged Category = "status_changed"
	CategoryMilestones    Category = "milestones"
	CategoryModeration    Category = "moderation"
	CategorySystem        Category = "system"
)

// User is a community member as seen by the engagement engine.
type User struct {
	ID                      string                      `gorm:"column:id;primaryKey;size:190;not null"`
	ExternalID              string                      `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_users_external"`
	Username                string                      `gorm:"column:username;size:190;not null;default:''"`
	TrustLevel              trust.Level                 `gorm:"column:trust_level;size:32;not null;index"`
	HelpfulnessScore        float64                     `gorm:"column:helpfulness_score;not null;default:0"`
	DailyRequestCount       int                         `gorm:"column:daily_request_count;not null;default:0"`
	LastRequestAtSeconds    *int64                      `gorm:"column:last_request_at_s"`
	NotifyNewRequests       bool                        `gorm:"column:notify_new_requests;not null"`
	NotifyNotePublished     bool                        `gorm:"column:notify_note_published;not null"`
	NotifyNoteRatings       bool                        `gorm:"column:notify_note_ratings;not null"`
	NotifyStatusChanged     bool                        `gorm:"column:notify_status_changed;not null"`
	NotifyMilestones        bool                        `gorm:"column:notify_milestones;not null"`
	NotifyModeration        bool                        `gorm:"column:notify_moderation;not null"`
	NotificationBatching    bool                        `gorm:"column:notification_batching;not null"`
	BatchingIntervalMinutes int                         `gorm:"column:batching_interval_minutes;not null"`
	NotificationMethods     datatypes.JSONSlice[string] `gorm:"column:notification_methods"`
	MutedUntilSeconds       *int64                      `gorm:"column:notifications_muted_until_s"`
	CreatedAt               time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Preferences is the notification-facing view of a user.
type Preferences struct {
	UserID                  string
	Enabled                 map[Category]bool
	Batching                bool
	BatchingIntervalMinutes int
	Methods                 []string
	MutedUntil              *time.Time
}

// DefaultPreferences mirrors the defaults applied to new users.
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled: map[Category]bool{
			CategoryNewRequests:   true,
			CategoryNotePublished: true,
			CategoryNoteRatings:   true,
			CategoryStatusChanged: true,
			CategoryMilestones:    true,
			CategoryModeration:    true,
		},
		Batching:                true,
		BatchingIntervalMinutes: defaultBatchingIntervalMinutes,
		Methods:                 []string{MethodStream},
	}
}

// Allows reports whether the category is enabled. System notifications always pass.
func (p Preferences) Allows(category Category) bool {
	if category == CategorySystem {
		return true
	}
	return p.Enabled[category]
}

// MutedAt reports whether notifications are muted at the instant.
func (p Preferences) MutedAt(now time.Time) bool {
	return p.MutedUntil != nil && p.MutedUntil.After(now)
}

// BatchingInterval returns the batching window as a duration.
func (p Preferences) BatchingInterval() time.Duration {
	return time.Duration(p.BatchingIntervalMinutes) * time.Minute
}

// Preferences returns the notification-facing view of the user.
func (u User) Preferences() Preferences {
	prefs := Preferences{
		UserID: u.ID,
		Enabled: map[Category]bool{
			CategoryNewRequests:   u.NotifyNewRequests,
			CategoryNotePublished: u.NotifyNotePublished,
			CategoryNoteRatings:   u.NotifyNoteRatings,
			CategoryStatusChanged: u.NotifyStatusChanged,
			CategoryMilestones:    u.NotifyMilestones,
			CategoryModeration:    u.NotifyModeration,
		},
		Batching:                u.NotificationBatching,
		BatchingIntervalMinutes: u.BatchingIntervalMinutes,
		Methods:                 append([]string(nil), u.NotificationMethods...),
	}
	if u.MutedUntilSeconds != nil {
		mutedUntil := time.Unix(*u.MutedUntilSeconds, 0).UTC()
		prefs.MutedUntil = &mutedUntil
	}
	return prefs
}

func (u *User) applyPreferences(prefs Preferences) {
	u.NotifyNewRequests = prefs.Enabled[CategoryNewRequests]
	u.NotifyNotePublished = prefs.Enabled[CategoryNotePublished]
	u.NotifyNoteRatings = prefs.Enabled[CategoryNoteRatings]
	u.NotifyStatusChanged = prefs.Enabled[CategoryStatusChanged]
	u.NotifyMilestones = prefs.Enabled[CategoryMilestones]
	u.NotifyModeration = prefs.Enabled[CategoryModeration]
	u.NotificationBatching = prefs.Batching
	u.BatchingIntervalMinutes = prefs.BatchingIntervalMinutes
	u.NotificationMethods = datatypes.JSONSlice[string](append([]string(nil), prefs.Methods...))
}

// NormalizeID validates an identifier against storage bounds.
func NormalizeID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperr.Wrap(apperr.ErrInvalidInput, "empty identifier")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", apperr.Wrap(apperr.ErrInvalidInput, "identifier exceeds %d characters", maxIdentifierLength)
	}
	return trimmed, nil
}

func validatePreferences(prefs Preferences) error {
	if prefs.BatchingIntervalMinutes <= 0 || prefs.BatchingIntervalMinutes > maxBatchingIntervalMinutes {
		return apperr.Wrap(apperr.ErrInvalidInput, "batching interval must be between 1 and %d minutes", maxBatchingIntervalMinutes)
	}
	if len(prefs.Methods) == 0 {
		return apperr.Wrap(apperr.ErrInvalidInput, "at least one notification method is required")
	}
	for _, method := range prefs.Methods {
		if strings.TrimSpace(method) == "" {
			return apperr.Wrap(apperr.ErrInvalidInput, "empty notification method")
		}
	}
	return nil
}
