package engagement

import "time"

// NoteRequest is one (message, requestor) pair.
type NoteRequest struct {
	ID                 string  `gorm:"column:id;primaryKey;size:64;not null"`
	MessageID          string  `gorm:"column:message_id;size:64;not null;uniqueIndex:idx_note_requests_pair,priority:1"`
	UserID             string  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_note_requests_pair,priority:2;index:idx_note_requests_user"`
	Reason             *string `gorm:"column:reason;size:500"`
	IsActive           bool    `gorm:"column:is_active;not null"`
	RequestedAtSeconds int64   `gorm:"column:requested_at_s;not null"`
}

// TableName exposes the table backing note requests.
func (NoteRequest) TableName() string {
	return "note_requests"
}

// Aggregation accumulates the requests of one message. ThresholdMet and
// ContributorsNotified only ever move from false to true.
type Aggregation struct {
	MessageID             string `gorm:"column:message_id;primaryKey;size:64;not null"`
	TotalRequests         int    `gorm:"column:total_requests;not null;default:0"`
	UniqueRequestors      int    `gorm:"column:unique_requestors;not null;default:0"`
	FirstRequestAtSeconds *int64 `gorm:"column:first_request_at_s"`
	LastRequestAtSeconds  *int64 `gorm:"column:last_request_at_s"`
	ThresholdMet          bool   `gorm:"column:threshold_met;not null;index:idx_request_aggregations_pending,priority:1"`
	ThresholdMetAtSeconds *int64 `gorm:"column:threshold_met_at_s"`
	ContributorsNotified  bool   `gorm:"column:contributors_notified;not null;index:idx_request_aggregations_pending,priority:2"`
	NotifiedAtSeconds     *int64 `gorm:"column:notified_at_s"`
}

// TableName exposes the table backing request aggregations.
func (Aggregation) TableName() string {
	return "request_aggregations"
}

// ThresholdMetAt returns the crossing instant, if any.
func (a Aggregation) ThresholdMetAt() *time.Time {
	if a.ThresholdMetAtSeconds == nil {
		return nil
	}
	value := time.Unix(*a.ThresholdMetAtSeconds, 0).UTC()
	return &value
}
