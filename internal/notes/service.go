package notes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew        = "notes.service.new"
	opSubmitNote        = "notes.submit"
	opRecordRating      = "notes.record_rating"
	opGetNote           = "notes.get"
	opListNotes         = "notes.list"
	opDeleteNote        = "notes.delete"
	opFreeze            = "notes.freeze"
	opForceHide         = "notes.force_hide"
	fieldNoteID         = "note_id"
	fieldUserID         = "user_id"
	queryID             = "id = ?"
	reasonMissingDB     = "missing_database"
	reasonMissingIDs    = "missing_id_provider"
	reasonMissingQueue  = "missing_queue"
	reasonInvalidPolicy = "invalid_policy"
	reasonInvalidInput  = "invalid_input"
	reasonUnauthorized  = "unauthorized"
	reasonNotFound      = "not_found"
	reasonDuplicate     = "duplicate_rating"
	reasonFrozen        = "note_frozen"
	reasonServerClosed  = "server_closed"
	reasonTransition    = "invalid_transition"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonIDFailed      = "id_failed"
	defaultListLimit    = 50
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingQueue      = errors.New("notification queue is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the note lifecycle.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Queue      *notify.Queue
	Policy     Policy
	Logger     *zap.Logger
}

// Service owns notes, their ratings and the visibility decision.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	queue      *notify.Queue
	policy     Policy
	logger     *zap.Logger
}

// NewService constructs the note lifecycle. A zero Policy selects DefaultPolicy.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.New(opServiceNew, reasonMissingDB, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, apperr.New(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	case cfg.Queue == nil:
		return nil, apperr.New(opServiceNew, reasonMissingQueue, errMissingQueue)
	}
	policy := cfg.Policy
	if policy.Weights == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, apperr.New(opServiceNew, reasonInvalidPolicy, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		queue:      cfg.Queue,
		policy:     policy,
		logger:     logger,
	}, nil
}

// Policy returns the active decision parameters.
func (s *Service) Policy() Policy {
	return s.policy
}

// NewNote describes a note submission.
type NewNote struct {
	MessageID      string
	AuthorID       string
	AuthorTrust    trust.Level
	Content        string
	Classification string
	Sources        []string
}

// SubmitNote stores a pending note on the message.
func (s *Service) SubmitNote(ctx context.Context, input NewNote) (Note, error) {
	if err := trust.Require(input.AuthorTrust, trust.ScopeNotesWrite); err != nil {
		return Note{}, apperr.New(opSubmitNote, reasonUnauthorized, err)
	}
	authorID, err := users.NormalizeID(input.AuthorID)
	if err != nil {
		return Note{}, apperr.New(opSubmitNote, reasonInvalidInput, err)
	}
	content, err := normalizeContent(input.Content)
	if err != nil {
		return Note{}, apperr.New(opSubmitNote, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "%v", err))
	}
	classification, err := NewClassification(input.Classification)
	if err != nil {
		return Note{}, apperr.New(opSubmitNote, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "%v", err))
	}
	sources, err := normalizeSources(input.Sources)
	if err != nil {
		return Note{}, apperr.New(opSubmitNote, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "%v", err))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Note{}, apperr.New(opSubmitNote, reasonIDFailed, err)
	}

	now := s.clock().UTC().Unix()
	note := Note{
		ID:                  id,
		AuthorID:            authorID,
		Content:             content,
		Classification:      classification,
		Sources:             sources,
		Status:              StatusPending,
		SubmittedAtSeconds:  now,
		LastStatusAtSeconds: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := community.LoadMessageTx(tx, input.MessageID)
		if err != nil {
			return err
		}
		server, err := community.LoadServerTx(tx, message.ServerID)
		if err != nil {
			return err
		}
		if err := server.AcceptsNotes(); err != nil {
			return apperr.New(opSubmitNote, reasonServerClosed, err)
		}
		note.MessageID = message.ID
		if err := tx.Create(&note).Error; err != nil {
			s.logError(opSubmitNote, reasonInsertFailed, err, zap.String(fieldUserID, authorID))
			return apperr.New(opSubmitNote, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	s.logger.Info("note submitted",
		zap.String(fieldNoteID, note.ID),
		zap.String("message_id", note.MessageID),
		zap.String(fieldUserID, authorID))
	return note, nil
}

// RatingInput is one rater's vote on a note.
type RatingInput struct {
	NoteID     string
	RaterID    string
	RaterTrust trust.Level
	Helpful    bool
	Reason     string
}

// RatingResult reports the note after the rating and what changed.
type RatingResult struct {
	Note           Note
	PreviousStatus Status
	Overwritten    bool
	Evaluated      bool
}

// StatusChanged reports whether the rating moved the note to a new status.
func (r RatingResult) StatusChanged() bool {
	return r.PreviousStatus != r.Note.Status
}

type counterDelta struct {
	helpful         int
	notHelpful      int
	weightedHelpful float64
	weightedTotal   float64
}

func (d *counterDelta) add(helpful bool, weight float64, sign int) {
	if helpful {
		d.helpful += sign
		d.weightedHelpful += float64(sign) * weight
	} else {
		d.notHelpful += sign
	}
	d.weightedTotal += float64(sign) * weight
}

func (d counterDelta) empty() bool {
	return d.helpful == 0 && d.notHelpful == 0 && d.weightedHelpful == 0 && d.weightedTotal == 0
}

// RecordRating stores the rating and re-evaluates the note as one atomic
// unit. The note row is locked for the duration so ratings on the same note
// serialize while ratings on other notes proceed.
func (s *Service) RecordRating(ctx context.Context, input RatingInput) (RatingResult, error) {
	if err := trust.Require(input.RaterTrust, trust.ScopeRatingsWrite); err != nil {
		return RatingResult{}, apperr.New(opRecordRating, reasonUnauthorized, err)
	}
	raterID, err := users.NormalizeID(input.RaterID)
	if err != nil {
		return RatingResult{}, apperr.New(opRecordRating, reasonInvalidInput, err)
	}
	reason := strings.TrimSpace(input.Reason)
	if len(reason) > maxReasonLength {
		return RatingResult{}, apperr.New(opRecordRating, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "reason exceeds %d characters", maxReasonLength))
	}
	ratingID, err := s.idProvider.NewID()
	if err != nil {
		return RatingResult{}, apperr.New(opRecordRating, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	weight := s.policy.Weight(input.RaterTrust)
	var result RatingResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadNoteTx(tx.Clauses(clause.Locking{Strength: "UPDATE"}), input.NoteID)
		if err != nil {
			return err
		}
		if !note.Evaluable() && s.policy.FrozenRatings == FrozenReject {
			return apperr.New(opRecordRating, reasonFrozen, apperr.Wrap(apperr.ErrInvalidStateTransition, "note %s is under review", note.ID))
		}
		result.PreviousStatus = note.Status

		rating := Rating{
			ID:               ratingID,
			NoteID:           note.ID,
			RaterID:          raterID,
			Helpful:          input.Helpful,
			Weight:           weight,
			RatedAtSeconds:   now.Unix(),
			UpdatedAtSeconds: now.Unix(),
		}
		if reason != "" {
			rating.Reason = &reason
		}
		var delta counterDelta
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rating)
		if inserted.Error != nil {
			return apperr.New(opRecordRating, reasonInsertFailed, inserted.Error)
		}
		if inserted.RowsAffected == 1 {
			delta.add(input.Helpful, weight, 1)
		} else {
			if s.policy.DuplicateRatings == DuplicateReject {
				return apperr.New(opRecordRating, reasonDuplicate, apperr.Wrap(apperr.ErrDuplicateEntry, "rater %s already rated note %s", raterID, note.ID))
			}
			var existing Rating
			if err := tx.Where("note_id = ? AND rater_id = ?", note.ID, raterID).Take(&existing).Error; err != nil {
				return apperr.New(opRecordRating, reasonQueryFailed, err)
			}
			delta.add(existing.Helpful, existing.Weight, -1)
			delta.add(input.Helpful, weight, 1)
			err := tx.Model(&Rating{}).Where(queryID, existing.ID).Updates(map[string]any{
				"helpful":      input.Helpful,
				"weight":       weight,
				"reason":       rating.Reason,
				"updated_at_s": now.Unix(),
			}).Error
			if err != nil {
				return apperr.New(opRecordRating, reasonUpdateFailed, err)
			}
			result.Overwritten = true
		}

		if !delta.empty() {
			err := tx.Model(&Note{}).Where(queryID, note.ID).Updates(map[string]any{
				"helpful_count":     gorm.Expr("helpful_count + ?", delta.helpful),
				"not_helpful_count": gorm.Expr("not_helpful_count + ?", delta.notHelpful),
				"total_ratings":     gorm.Expr("total_ratings + ?", delta.helpful+delta.notHelpful),
				"weighted_helpful":  gorm.Expr("weighted_helpful + ?", delta.weightedHelpful),
				"weighted_total":    gorm.Expr("weighted_total + ?", delta.weightedTotal),
			}).Error
			if err != nil {
				return apperr.New(opRecordRating, reasonUpdateFailed, err)
			}
		}
		note, err = loadNoteTx(tx, note.ID)
		if err != nil {
			return err
		}

		updated, evaluated, err := s.evaluateTx(tx, note, now)
		if err != nil {
			return err
		}
		result.Note = updated
		result.Evaluated = evaluated
		return s.notifyRatingTx(tx, updated, result, raterID, input.Helpful)
	})
	if txErr != nil {
		switch apperr.KindOf(txErr) {
		case apperr.KindDuplicateEntry, apperr.KindInvalidStateTransition, apperr.KindNotFound:
			s.logger.Debug("rating rejected",
				zap.String(fieldNoteID, input.NoteID),
				zap.String(fieldUserID, raterID),
				zap.Error(txErr))
		default:
			s.logError(opRecordRating, reasonUpdateFailed, txErr, zap.String(fieldNoteID, input.NoteID), zap.String(fieldUserID, raterID))
		}
		return RatingResult{}, txErr
	}
	if result.StatusChanged() {
		s.logger.Info("note status changed",
			zap.String(fieldNoteID, result.Note.ID),
			zap.String("from", string(result.PreviousStatus)),
			zap.String("to", string(result.Note.Status)),
			zap.Float64("visibility_score", result.Note.VisibilityScore))
	}
	return result, nil
}

// evaluateTx refreshes the ratio and, unless the note is frozen or locked,
// the visibility decision. The status write is guarded by the transition table.
func (s *Service) evaluateTx(tx *gorm.DB, note Note, now time.Time) (Note, bool, error) {
	updates := map[string]any{
		"helpfulness_ratio": ratio(note.HelpfulCount, note.TotalRatings),
	}
	evaluated := note.Evaluable()
	next := note.Status
	if evaluated {
		score := weightedRatio(note.WeightedHelpful, note.WeightedTotal)
		next = s.policy.Decide(note.TotalRatings, score)
		updates["visibility_score"] = score
		updates["is_visible"] = next == StatusVisible
		if next != note.Status {
			if !note.Status.CanTransitionTo(next) {
				return Note{}, false, apperr.New(opRecordRating, reasonTransition, apperr.Wrap(apperr.ErrInvalidStateTransition, "note %s cannot move from %s to %s", note.ID, note.Status, next))
			}
			updates["status"] = next
			updates["last_status_at_s"] = now.Unix()
		}
	}
	statusChange := next != note.Status
	query := tx.Model(&Note{}).Where(queryID, note.ID)
	if statusChange {
		query = query.Where("status IN ?", sourcesFor(next))
	}
	applied := query.Updates(updates)
	if applied.Error != nil {
		return Note{}, false, apperr.New(opRecordRating, reasonUpdateFailed, applied.Error)
	}
	if statusChange && applied.RowsAffected == 0 {
		return Note{}, false, apperr.New(opRecordRating, reasonTransition, apperr.Wrap(apperr.ErrInvalidStateTransition, "note %s changed concurrently", note.ID))
	}
	reloaded, err := loadNoteTx(tx, note.ID)
	if err != nil {
		return Note{}, false, err
	}
	if reloaded.IsVisible != note.IsVisible {
		if err := syncActiveNoteTx(tx, reloaded.MessageID); err != nil {
			return Note{}, false, apperr.New(opRecordRating, reasonUpdateFailed, err)
		}
	}
	return reloaded, evaluated, nil
}

func (s *Service) notifyRatingTx(tx *gorm.DB, note Note, result RatingResult, raterID string, helpful bool) error {
	data := func(extra map[string]any) map[string]any {
		values := map[string]any{
			"note_id":           note.ID,
			"message_id":        note.MessageID,
			"status":            string(note.Status),
			"total_ratings":     note.TotalRatings,
			"helpfulness_ratio": note.HelpfulnessRatio,
		}
		for key, value := range extra {
			values[key] = value
		}
		return values
	}
	var requests []notify.Request
	if raterID != note.AuthorID {
		requests = append(requests, notify.Request{
			UserID:   note.AuthorID,
			Type:     notify.TypeNoteRated,
			Data:     data(map[string]any{"helpful": helpful}),
			BatchKey: "ratings:" + note.ID,
		})
	}
	if !result.Overwritten && s.policy.reachedMilestone(note.TotalRatings) {
		requests = append(requests, notify.Request{
			UserID: note.AuthorID,
			Type:   notify.TypeNoteMilestone,
			Data:   data(map[string]any{"milestone": note.TotalRatings}),
		})
	}
	if result.StatusChanged() {
		switch note.Status {
		case StatusVisible:
			recipients, err := s.publishedRecipientsTx(tx, note)
			if err != nil {
				return err
			}
			for _, recipient := range recipients {
				requests = append(requests, notify.Request{UserID: recipient, Type: notify.TypeNotePublished, Data: data(nil)})
			}
		case StatusHidden:
			requests = append(requests, notify.Request{
				UserID: note.AuthorID,
				Type:   notify.TypeNoteStatusChanged,
				Data:   data(map[string]any{"from": string(result.PreviousStatus), "to": string(note.Status)}),
			})
		}
	}
	for _, request := range requests {
		if _, err := s.queue.EnqueueTx(tx, request); err != nil {
			return err
		}
	}
	return nil
}

// publishedRecipientsTx returns the author followed by the active requestors
// of the message, without duplicates.
func (s *Service) publishedRecipientsTx(tx *gorm.DB, note Note) ([]string, error) {
	requestors, err := engagement.ActiveRequestorsTx(tx, note.MessageID)
	if err != nil {
		return nil, apperr.New(opRecordRating, reasonQueryFailed, err)
	}
	recipients := []string{note.AuthorID}
	for _, requestor := range requestors {
		if requestor != note.AuthorID {
			recipients = append(recipients, requestor)
		}
	}
	return recipients, nil
}

// FreezeTx suspends visibility evaluation while the note is under review.
func (s *Service) FreezeTx(tx *gorm.DB, noteID string) error {
	result := tx.Model(&Note{}).Where(queryID, noteID).Update("frozen", true)
	if result.Error != nil {
		return apperr.New(opFreeze, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(opFreeze, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "note %s", noteID))
	}
	return nil
}

// ThawTx resumes evaluation once no review is pending. The next rating
// re-evaluates the note.
func (s *Service) ThawTx(tx *gorm.DB, noteID string) error {
	if err := tx.Model(&Note{}).Where(queryID, noteID).Update("frozen", false).Error; err != nil {
		return apperr.New(opFreeze, reasonUpdateFailed, err)
	}
	return nil
}

// ForceHideTx hides the note and locks it against later re-evaluation.
func (s *Service) ForceHideTx(tx *gorm.DB, noteID string, now time.Time) error {
	note, err := loadNoteTx(tx, noteID)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"is_visible": false,
		"frozen":     false,
		"locked":     true,
	}
	if note.Status != StatusHidden {
		updates["status"] = StatusHidden
		updates["last_status_at_s"] = now.Unix()
	}
	result := tx.Model(&Note{}).Where("id = ? AND status IN ?", noteID, sourcesFor(StatusHidden)).Updates(updates)
	if result.Error != nil {
		return apperr.New(opForceHide, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(opForceHide, reasonTransition, apperr.Wrap(apperr.ErrInvalidStateTransition, "note %s cannot be hidden from %s", noteID, note.Status))
	}
	if note.IsVisible {
		if err := syncActiveNoteTx(tx, note.MessageID); err != nil {
			return apperr.New(opForceHide, reasonUpdateFailed, err)
		}
	}
	if note.Status == StatusHidden {
		return nil
	}
	_, err = s.queue.EnqueueTx(tx, notify.Request{
		UserID: note.AuthorID,
		Type:   notify.TypeNoteStatusChanged,
		Data: map[string]any{
			"note_id":    note.ID,
			"message_id": note.MessageID,
			"status":     string(StatusHidden),
			"from":       string(note.Status),
			"to":         string(StatusHidden),
			"moderated":  true,
		},
	})
	return err
}

// MessageIDTx returns the message the note is attached to.
func (s *Service) MessageIDTx(tx *gorm.DB, noteID string) (string, error) {
	note, err := loadNoteTx(tx, noteID)
	if err != nil {
		return "", err
	}
	return note.MessageID, nil
}

// GetNote loads a note by id.
func (s *Service) GetNote(ctx context.Context, noteID string) (Note, error) {
	return loadNoteTx(s.db.WithContext(ctx), noteID)
}

// ListForMessage returns the notes on a message, newest first.
func (s *Service) ListForMessage(ctx context.Context, messageID string, visibleOnly bool, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).Where("message_id = ?", messageID)
	if visibleOnly {
		query = query.Where("is_visible = ?", true)
	}
	var notes []Note
	if err := query.Order("submitted_at_s DESC").Limit(limit).Find(&notes).Error; err != nil {
		s.logError(opListNotes, reasonQueryFailed, err, zap.String("message_id", messageID))
		return nil, apperr.New(opListNotes, reasonQueryFailed, err)
	}
	return notes, nil
}

// DeleteNote removes the note and its ratings. Authors need notes:delete_own;
// anyone else needs notes:delete_any.
func (s *Service) DeleteNote(ctx context.Context, noteID, actorID string, actorTrust trust.Level) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadNoteTx(tx, noteID)
		if err != nil {
			return err
		}
		required := trust.ScopeNotesDeleteAny
		if note.AuthorID == actorID {
			required = trust.ScopeNotesDeleteOwn
		}
		if err := trust.Require(actorTrust, required); err != nil {
			return apperr.New(opDeleteNote, reasonUnauthorized, err)
		}
		if err := DeleteForMessagesTx(tx, nil, []string{noteID}); err != nil {
			s.logError(opDeleteNote, reasonDeleteFailed, err, zap.String(fieldNoteID, noteID))
			return apperr.New(opDeleteNote, reasonDeleteFailed, err)
		}
		if note.IsVisible {
			if err := syncActiveNoteTx(tx, note.MessageID); err != nil {
				return apperr.New(opDeleteNote, reasonUpdateFailed, err)
			}
		}
		s.logger.Info("note deleted", zap.String(fieldNoteID, noteID), zap.String("actor_id", actorID))
		return nil
	})
}

// DeleteForMessagesTx removes ratings before notes for the given messages and
// note ids, in that order.
func DeleteForMessagesTx(tx *gorm.DB, messageIDs []string, noteIDs []string) error {
	if len(messageIDs) > 0 {
		var owned []string
		if err := tx.Model(&Note{}).Where("message_id IN ?", messageIDs).Pluck("id", &owned).Error; err != nil {
			return err
		}
		noteIDs = append(noteIDs, owned...)
	}
	if len(noteIDs) == 0 {
		return nil
	}
	if err := tx.Where("note_id IN ?", noteIDs).Delete(&Rating{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", noteIDs).Delete(&Note{}).Error
}

func loadNoteTx(tx *gorm.DB, noteID string) (Note, error) {
	var note Note
	err := tx.Where(queryID, strings.TrimSpace(noteID)).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, apperr.New(opGetNote, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "note %s", noteID))
	}
	if err != nil {
		return Note{}, apperr.New(opGetNote, reasonQueryFailed, err)
	}
	return note, nil
}

func syncActiveNoteTx(tx *gorm.DB, messageID string) error {
	var visible int64
	if err := tx.Model(&Note{}).Where("message_id = ? AND is_visible = ?", messageID, true).Count(&visible).Error; err != nil {
		return err
	}
	return community.SetActiveNoteTx(tx, messageID, visible > 0)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service failure", attrs...)
}
