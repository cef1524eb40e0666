package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"gorm.io/gorm"
)

// ErrEmptyBatch reports that there is nothing to score yet.
var ErrEmptyBatch = errors.New("scoring: empty batch")

// Collector builds the normalized scoring tables from storage.
type Collector struct {
	db *gorm.DB
}

// NewCollector constructs a collector over the database.
func NewCollector(db *gorm.DB) (*Collector, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	return &Collector{db: db}, nil
}

// Collect reads every note, rating and participant. Any empty table yields
// ErrEmptyBatch.
func (c *Collector) Collect(ctx context.Context) (Batch, error) {
	db := c.db.WithContext(ctx)

	var storedNotes []notes.Note
	if err := db.Order("submitted_at_s ASC").Order("id ASC").Find(&storedNotes).Error; err != nil {
		return Batch{}, fmt.Errorf("load notes: %w", err)
	}
	var storedRatings []notes.Rating
	if err := db.Order("rated_at_s ASC").Order("id ASC").Find(&storedRatings).Error; err != nil {
		return Batch{}, fmt.Errorf("load ratings: %w", err)
	}
	var participants []users.User
	if err := db.Order("id ASC").Find(&participants).Error; err != nil {
		return Batch{}, fmt.Errorf("load participants: %w", err)
	}
	if len(storedNotes) == 0 || len(storedRatings) == 0 || len(participants) == 0 {
		return Batch{}, fmt.Errorf("%w: %d notes, %d ratings, %d participants", ErrEmptyBatch, len(storedNotes), len(storedRatings), len(participants))
	}

	batch := Batch{
		Notes:      make([]NoteRow, 0, len(storedNotes)),
		Ratings:    make([]RatingRow, 0, len(storedRatings)),
		Enrollment: make([]EnrollmentRow, 0, len(participants)),
	}
	for _, note := range storedNotes {
		batch.Notes = append(batch.Notes, NoteRow{
			NoteID:                  note.ID,
			NoteAuthorParticipantID: note.AuthorID,
			CreatedAtMillis:         note.SubmittedAtSeconds * 1000,
			MessageID:               note.MessageID,
			Summary:                 note.Content,
			Classification:          string(note.Classification),
		})
	}
	for _, rating := range storedRatings {
		level := helpfulnessNotHelpful
		if rating.Helpful {
			level = helpfulnessHelpful
		}
		batch.Ratings = append(batch.Ratings, RatingRow{
			RaterParticipantID: rating.RaterID,
			NoteID:             rating.NoteID,
			CreatedAtMillis:    rating.RatedAtSeconds * 1000,
			HelpfulnessLevel:   level,
		})
	}
	for _, participant := range participants {
		state := enrollmentEarnedIn
		needed := 0
		if participant.TrustLevel == trust.LevelNewcomer {
			state = enrollmentNewUser
			needed = ratingsToEarnIn
		}
		batch.Enrollment = append(batch.Enrollment, EnrollmentRow{
			ParticipantID:                  participant.ID,
			EnrollmentState:                state,
			SuccessfulRatingNeededToEarnIn: needed,
			TimestampOfLastStateChange:     participant.UpdatedAt.UnixMilli(),
		})
	}
	return batch, nil
}
