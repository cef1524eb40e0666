package moderation

import (
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
)

// Status is the review state of a flag.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActioned  Status = "actioned"
	StatusDismissed Status = "dismissed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusActioned, StatusDismissed},
	StatusActioned:  nil,
	StatusDismissed: nil,
}

// CanTransitionTo reports whether a flag may move from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range statusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the flag has left review.
func (s Status) Terminal() bool {
	_, known := statusTransitions[s]
	return known && len(statusTransitions[s]) == 0
}

func sourcesFor(target Status) []Status {
	sources := make([]Status, 0, 1)
	for _, source := range []Status{StatusPending, StatusActioned, StatusDismissed} {
		if source.CanTransitionTo(target) {
			sources = append(sources, source)
		}
	}
	return sources
}

// ItemType names what a flag points at.
type ItemType string

const (
	ItemNote    ItemType = "note"
	ItemMessage ItemType = "message"
)

// ParseItemType validates raw input.
func ParseItemType(raw string) (ItemType, error) {
	candidate := ItemType(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case ItemNote, ItemMessage:
		return candidate, nil
	default:
		return "", apperr.Wrap(apperr.ErrInvalidInput, "unknown item type %q", raw)
	}
}

const (
	maxFlagTypeLength = 64
	maxReasonLength   = 500
	maxActionLength   = 190
)

// Entry is one flag occurrence. Flags on the same item are independent.
type Entry struct {
	ID                string   `gorm:"column:id;primaryKey;size:64;not null"`
	ServerID          string   `gorm:"column:server_id;size:64;not null;index:idx_moderation_queue_server"`
	ItemType          ItemType `gorm:"column:item_type;size:32;not null;index:idx_moderation_queue_item,priority:1"`
	ItemID            string   `gorm:"column:item_id;size:64;not null;index:idx_moderation_queue_item,priority:2"`
	FlagType          string   `gorm:"column:flag_type;size:64;not null"`
	FlaggedBy         string   `gorm:"column:flagged_by;size:190;not null"`
	Reason            *string  `gorm:"column:reason;size:500"`
	Status            Status   `gorm:"column:status;size:16;not null;index:idx_moderation_queue_status"`
	ReviewedBy        *string  `gorm:"column:reviewed_by;size:190"`
	ReviewedAtSeconds *int64   `gorm:"column:reviewed_at_s"`
	ActionTaken       *string  `gorm:"column:action_taken;size:190"`
	CreatedAtSeconds  int64    `gorm:"column:created_at_s;not null;index:idx_moderation_queue_created"`
}

// TableName exposes the table backing the moderation queue.
func (Entry) TableName() string {
	return "moderation_queue"
}

// ReviewedAt returns the resolution instant, if any.
func (e Entry) ReviewedAt() *time.Time {
	if e.ReviewedAtSeconds == nil {
		return nil
	}
	value := time.Unix(*e.ReviewedAtSeconds, 0).UTC()
	return &value
}
