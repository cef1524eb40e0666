package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a note.
type Status string

const (
	StatusPending          Status = "pending"
	StatusNeedsMoreRatings Status = "needs_more_ratings"
	StatusVisible          Status = "visible"
	StatusHidden           Status = "hidden"
)

// statusTransitions lists the allowed moves. A decided note keeps moving
// between visible and hidden as ratings accrue; it never returns to pending.
var statusTransitions = map[Status][]Status{
	StatusPending:          {StatusNeedsMoreRatings, StatusVisible, StatusHidden},
	StatusNeedsMoreRatings: {StatusNeedsMoreRatings, StatusVisible, StatusHidden},
	StatusVisible:          {StatusVisible, StatusHidden},
	StatusHidden:           {StatusHidden, StatusVisible},
}

var orderedStatuses = []Status{StatusPending, StatusNeedsMoreRatings, StatusVisible, StatusHidden}

// CanTransitionTo reports whether a note may move from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range statusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func sourcesFor(target Status) []Status {
	sources := make([]Status, 0, len(orderedStatuses))
	for _, source := range orderedStatuses {
		if source.CanTransitionTo(target) {
			sources = append(sources, source)
		}
	}
	return sources
}

// Classification is the author's verdict on the message.
type Classification string

const (
	ClassificationMisleading    Classification = "MISINFORMED_OR_POTENTIALLY_MISLEADING"
	ClassificationNotMisleading Classification = "NOT_MISLEADING"
)

const (
	maxContentLength = 1000
	maxSources       = 10
	maxSourceLength  = 500
	maxReasonLength  = 500
)

var (
	// ErrInvalidClassification indicates an unknown note classification.
	ErrInvalidClassification = errors.New("notes: invalid classification")
	// ErrInvalidContent indicates empty or oversized note content.
	ErrInvalidContent = errors.New("notes: invalid content")
	// ErrInvalidSource indicates an empty or oversized source entry.
	ErrInvalidSource = errors.New("notes: invalid source")
)

// NewClassification validates raw input and returns a Classification.
func NewClassification(rawInput string) (Classification, error) {
	candidate := Classification(strings.ToUpper(strings.TrimSpace(rawInput)))
	switch candidate {
	case ClassificationMisleading, ClassificationNotMisleading:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidClassification, rawInput)
	}
}

func normalizeContent(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if len(trimmed) > maxContentLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContent, maxContentLength)
	}
	return trimmed, nil
}

func normalizeSources(raw []string) ([]string, error) {
	if len(raw) > maxSources {
		return nil, fmt.Errorf("%w: more than %d sources", ErrInvalidSource, maxSources)
	}
	sources := make([]string, 0, len(raw))
	for _, source := range raw {
		trimmed := strings.TrimSpace(source)
		if trimmed == "" || len(trimmed) > maxSourceLength {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
		}
		sources = append(sources, trimmed)
	}
	return sources, nil
}

// Note is a submitted community note. The counters and the ratio are owned by
// the rating pipeline; Frozen and Locked suspend visibility evaluation.
type Note struct {
	ID                  string                      `gorm:"column:id;primaryKey;size:64;not null"`
	MessageID           string                      `gorm:"column:message_id;size:64;not null;index:idx_community_notes_message"`
	AuthorID            string                      `gorm:"column:author_id;size:190;not null;index:idx_community_notes_author"`
	Content             string                      `gorm:"column:content;type:text;not null"`
	Classification      Classification              `gorm:"column:classification;size:64;not null"`
	Sources             datatypes.JSONSlice[string] `gorm:"column:sources"`
	Status              Status                      `gorm:"column:status;size:32;not null;index:idx_community_notes_status"`
	SubmittedAtSeconds  int64                       `gorm:"column:submitted_at_s;not null"`
	LastStatusAtSeconds int64                       `gorm:"column:last_status_at_s;not null"`
	HelpfulCount        int                         `gorm:"column:helpful_count;not null;default:0"`
	NotHelpfulCount     int                         `gorm:"column:not_helpful_count;not null;default:0"`
	TotalRatings        int                         `gorm:"column:total_ratings;not null;default:0"`
	HelpfulnessRatio    float64                     `gorm:"column:helpfulness_ratio;not null;default:0"`
	WeightedHelpful     float64                     `gorm:"column:weighted_helpful;not null;default:0"`
	WeightedTotal       float64                     `gorm:"column:weighted_total;not null;default:0"`
	VisibilityScore     float64                     `gorm:"column:visibility_score;not null;default:0"`
	IsVisible           bool                        `gorm:"column:is_visible;not null;index:idx_community_notes_visible"`
	Frozen              bool                        `gorm:"column:frozen;not null"`
	Locked              bool                        `gorm:"column:locked;not null"`
}

// TableName exposes the table backing community notes.
func (Note) TableName() string {
	return "community_notes"
}

// Evaluable reports whether ratings may still move the visibility decision.
func (n Note) Evaluable() bool {
	return !n.Frozen && !n.Locked
}

// SubmittedAt returns the submission instant.
func (n Note) SubmittedAt() time.Time {
	return time.Unix(n.SubmittedAtSeconds, 0).UTC()
}

// Rating is one (note, rater) vote. Weight is fixed when the rating is stored.
type Rating struct {
	ID               string  `gorm:"column:id;primaryKey;size:64;not null"`
	NoteID           string  `gorm:"column:note_id;size:64;not null;uniqueIndex:idx_note_ratings_pair,priority:1"`
	RaterID          string  `gorm:"column:rater_id;size:190;not null;uniqueIndex:idx_note_ratings_pair,priority:2;index:idx_note_ratings_rater"`
	Helpful          bool    `gorm:"column:helpful;not null"`
	Reason           *string `gorm:"column:reason;size:500"`
	Weight           float64 `gorm:"column:weight;not null"`
	RatedAtSeconds   int64   `gorm:"column:rated_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing note ratings.
func (Rating) TableName() string {
	return "note_ratings"
}
