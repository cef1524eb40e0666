package notify

import (
	"github.com/opennotes-ai/communitynotes/internal/users"
	"gorm.io/datatypes"
)

// Status is the delivery state of a queued notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusBatched Status = "batched"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// statusTransitions lists the allowed moves. A retry keeps the current state.
var statusTransitions = map[Status][]Status{
	StatusPending: {StatusPending, StatusSent, StatusFailed},
	StatusBatched: {StatusBatched, StatusSent, StatusFailed},
	StatusSent:    nil,
	StatusFailed:  nil,
}

// CanTransitionTo reports whether the queue may move an entry from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range statusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the entry will never be dispatched again.
func (s Status) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// sourcesFor returns the states that may move into target.
func sourcesFor(target Status) []Status {
	sources := make([]Status, 0, len(statusTransitions))
	for _, source := range []Status{StatusPending, StatusBatched, StatusSent, StatusFailed} {
		if source.CanTransitionTo(target) {
			sources = append(sources, source)
		}
	}
	return sources
}

// Type names a notification event.
type Type string

const (
	TypeRequestThreshold   Type = "note_request_threshold"
	TypeNotePublished      Type = "note_published"
	TypeNoteRated          Type = "note_rated"
	TypeNoteStatusChanged  Type = "note_status_changed"
	TypeNoteMilestone      Type = "note_milestone"
	TypeModerationFlagged  Type = "moderation_flagged"
	TypeModerationResolved Type = "moderation_resolved"
	TypeSystem             Type = "system"
)

const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

var typeCategories = map[Type]users.Category{
	TypeRequestThreshold:   users.CategoryNewRequests,
	TypeNotePublished:      users.CategoryNotePublished,
	TypeNoteRated:          users.CategoryNoteRatings,
	TypeNoteStatusChanged:  users.CategoryStatusChanged,
	TypeNoteMilestone:      users.CategoryMilestones,
	TypeModerationFlagged:  users.CategoryModeration,
	TypeModerationResolved: users.CategoryModeration,
	TypeSystem:             users.CategorySystem,
}

var typePriorities = map[Type]int{
	TypeRequestThreshold:   PriorityHigh,
	TypeModerationFlagged:  PriorityHigh,
	TypeNotePublished:      PriorityNormal,
	TypeNoteStatusChanged:  PriorityNormal,
	TypeModerationResolved: PriorityNormal,
	TypeNoteRated:          PriorityLow,
	TypeNoteMilestone:      PriorityLow,
}

// Category maps the type onto the preference toggle that governs it.
// Unknown types fall under system.
func (t Type) Category() users.Category {
	if category, ok := typeCategories[t]; ok {
		return category
	}
	return users.CategorySystem
}

// DefaultPriority returns the priority used when the caller does not set one.
func (t Type) DefaultPriority() int {
	if priority, ok := typePriorities[t]; ok {
		return priority
	}
	return PriorityNormal
}

// Entry is one queued notification instance.
type Entry struct {
	ID                   string         `gorm:"column:id;primaryKey;size:64;not null"`
	UserID               string         `gorm:"column:user_id;size:190;not null;index:idx_notification_queue_user"`
	Type                 Type           `gorm:"column:type;size:64;not null"`
	Priority             int            `gorm:"column:priority;not null;index:idx_notification_queue_due,priority:2"`
	Data                 datatypes.JSON `gorm:"column:data"`
	Status               Status         `gorm:"column:status;size:16;not null;index:idx_notification_queue_due,priority:1"`
	Attempts             int            `gorm:"column:attempts;not null;default:0"`
	MaxAttempts          int            `gorm:"column:max_attempts;not null"`
	ScheduledForSeconds  int64          `gorm:"column:scheduled_for_s;not null;index:idx_notification_queue_due,priority:3"`
	CreatedAtSeconds     int64          `gorm:"column:created_at_s;not null"`
	LastAttemptAtSeconds *int64         `gorm:"column:last_attempt_at_s"`
	LastError            *string        `gorm:"column:last_error;size:500"`
	SentAtSeconds        *int64         `gorm:"column:sent_at_s"`
	BatchKey             *string        `gorm:"column:batch_key;size:190;index:idx_notification_queue_batch_key"`
	BatchID              *string        `gorm:"column:batch_id;size:64;index:idx_notification_queue_batch"`
	BatchedAtSeconds     *int64         `gorm:"column:batched_at_s"`
	OpenBatchKey         *string        `gorm:"column:open_batch_key;size:400;uniqueIndex:idx_notification_queue_open_batch"`
	LeaseToken           *string        `gorm:"column:lease_token;size:64;index:idx_notification_queue_lease"`
	LeaseUntilSeconds    *int64         `gorm:"column:lease_until_s"`
}

// TableName exposes the table backing the notification queue.
func (Entry) TableName() string {
	return "notification_queue"
}

func openBatchKey(userID, batchKey string) string {
	return userID + "|" + batchKey
}
