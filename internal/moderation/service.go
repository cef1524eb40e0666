package moderation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew       = "moderation.service.new"
	opFlag             = "moderation.flag"
	opResolve          = "moderation.resolve"
	opListPending      = "moderation.list_pending"
	opGet              = "moderation.get"
	fieldEntryID       = "entry_id"
	fieldItemID        = "item_id"
	queryID            = "id = ?"
	reasonMissingDB    = "missing_database"
	reasonMissingIDs   = "missing_id_provider"
	reasonMissingNotes = "missing_note_gate"
	reasonMissingQueue = "missing_queue"
	reasonMissingAudit = "missing_audit"
	reasonInvalidInput = "invalid_input"
	reasonUnauthorized = "unauthorized"
	reasonNotFound     = "not_found"
	reasonTransition   = "invalid_transition"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonUpdateFailed = "update_failed"
	reasonAuditFailed  = "audit_failed"
	reasonIDFailed     = "id_failed"
	defaultListLimit   = 50
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingNoteGate   = errors.New("note gate is required")
	errMissingQueue      = errors.New("notification queue is required")
	errMissingAudit      = errors.New("audit sink is required")
	noOpLogger           = zap.NewNop()
)

// NoteGate suspends and resumes visibility evaluation of flagged notes.
type NoteGate interface {
	MessageIDTx(tx *gorm.DB, noteID string) (string, error)
	FreezeTx(tx *gorm.DB, noteID string) error
	ThawTx(tx *gorm.DB, noteID string) error
	ForceHideTx(tx *gorm.DB, noteID string, now time.Time) error
}

// ServiceConfig describes the dependencies of the moderation workflow.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Notes      NoteGate
	Queue      *notify.Queue
	Audit      audit.TxSink
	Logger     *zap.Logger
}

// Service runs the review workflow over flagged notes and messages.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	notes      NoteGate
	queue      *notify.Queue
	audit      audit.TxSink
	logger     *zap.Logger
}

// NewService constructs the moderation workflow.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.New(opServiceNew, reasonMissingDB, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, apperr.New(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	case cfg.Notes == nil:
		return nil, apperr.New(opServiceNew, reasonMissingNotes, errMissingNoteGate)
	case cfg.Queue == nil:
		return nil, apperr.New(opServiceNew, reasonMissingQueue, errMissingQueue)
	case cfg.Audit == nil:
		return nil, apperr.New(opServiceNew, reasonMissingAudit, errMissingAudit)
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
		notes:      cfg.Notes,
		queue:      cfg.Queue,
		audit:      cfg.Audit,
		logger:     logger,
	}, nil
}

// FlagInput describes a flag raised by a member.
type FlagInput struct {
	ItemType     ItemType
	ItemID       string
	FlagType     string
	FlaggedBy    string
	FlaggerTrust trust.Level
	Reason       string
}

// Flag records a pending entry. A flagged note stops re-evaluating until
// every pending flag on it is resolved.
func (s *Service) Flag(ctx context.Context, input FlagInput) (Entry, error) {
	if err := trust.Require(input.FlaggerTrust, trust.ScopeNotesRead); err != nil {
		return Entry{}, apperr.New(opFlag, reasonUnauthorized, err)
	}
	itemType, err := ParseItemType(string(input.ItemType))
	if err != nil {
		return Entry{}, apperr.New(opFlag, reasonInvalidInput, err)
	}
	flaggedBy, err := users.NormalizeID(input.FlaggedBy)
	if err != nil {
		return Entry{}, apperr.New(opFlag, reasonInvalidInput, err)
	}
	flagType := strings.ToLower(strings.TrimSpace(input.FlagType))
	if flagType == "" || len(flagType) > maxFlagTypeLength {
		return Entry{}, apperr.New(opFlag, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "flag type must be 1-%d characters", maxFlagTypeLength))
	}
	reason := strings.TrimSpace(input.Reason)
	if len(reason) > maxReasonLength {
		return Entry{}, apperr.New(opFlag, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "reason exceeds %d characters", maxReasonLength))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Entry{}, apperr.New(opFlag, reasonIDFailed, err)
	}

	entry := Entry{
		ID:               id,
		ItemType:         itemType,
		ItemID:           strings.TrimSpace(input.ItemID),
		FlagType:         flagType,
		FlaggedBy:        flaggedBy,
		Status:           StatusPending,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if reason != "" {
		entry.Reason = &reason
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		serverID, err := s.serverOfItemTx(tx, itemType, entry.ItemID)
		if err != nil {
			return err
		}
		entry.ServerID = serverID
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opFlag, reasonInsertFailed, err, zap.String(fieldItemID, entry.ItemID))
			return apperr.New(opFlag, reasonInsertFailed, err)
		}
		if itemType == ItemNote {
			if err := s.notes.FreezeTx(tx, entry.ItemID); err != nil {
				return err
			}
		}
		return s.notifyModeratorsTx(tx, entry)
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	s.logger.Info("item flagged",
		zap.String(fieldEntryID, entry.ID),
		zap.String("item_type", string(entry.ItemType)),
		zap.String(fieldItemID, entry.ItemID),
		zap.String("flag_type", entry.FlagType))
	return entry, nil
}

func (s *Service) serverOfItemTx(tx *gorm.DB, itemType ItemType, itemID string) (string, error) {
	messageID := itemID
	if itemType == ItemNote {
		resolved, err := s.notes.MessageIDTx(tx, itemID)
		if err != nil {
			return "", err
		}
		messageID = resolved
	}
	message, err := community.LoadMessageTx(tx, messageID)
	if err != nil {
		return "", err
	}
	return message.ServerID, nil
}

func (s *Service) notifyModeratorsTx(tx *gorm.DB, entry Entry) error {
	moderators, err := community.MembersWithScopeTx(tx, entry.ServerID, trust.ScopeModerationWrite)
	if err != nil {
		return apperr.New(opFlag, reasonQueryFailed, err)
	}
	for _, moderator := range moderators {
		if moderator == entry.FlaggedBy {
			continue
		}
		_, err := s.queue.EnqueueTx(tx, notify.Request{
			UserID: moderator,
			Type:   notify.TypeModerationFlagged,
			Data: map[string]any{
				"entry_id":  entry.ID,
				"server_id": entry.ServerID,
				"item_type": string(entry.ItemType),
				"item_id":   entry.ItemID,
				"flag_type": entry.FlagType,
			},
			BatchKey: "moderation:" + entry.ServerID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListPending returns the pending flags of a server, oldest first.
func (s *Service) ListPending(ctx context.Context, serverID string, reviewerTrust trust.Level, limit int) ([]Entry, error) {
	if err := trust.Require(reviewerTrust, trust.ScopeModerationRead); err != nil {
		return nil, apperr.New(opListPending, reasonUnauthorized, err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND status = ?", serverID, StatusPending).
		Order("created_at_s ASC").
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logError(opListPending, reasonQueryFailed, err, zap.String("server_id", serverID))
		return nil, apperr.New(opListPending, reasonQueryFailed, err)
	}
	return entries, nil
}

// Get loads a flag by id.
func (s *Service) Get(ctx context.Context, entryID string) (Entry, error) {
	return loadEntryTx(s.db.WithContext(ctx), entryID)
}

// Resolution is a reviewer's decision on a flag.
type Resolution struct {
	EntryID       string
	ReviewerID    string
	ReviewerTrust trust.Level
	Outcome       Status
	ActionTaken   string
}

// Resolve moves a pending flag to its terminal state exactly once and
// records the decision in the audit log within the same transaction.
func (s *Service) Resolve(ctx context.Context, resolution Resolution) (Entry, error) {
	if err := trust.Require(resolution.ReviewerTrust, trust.ScopeModerationWrite); err != nil {
		return Entry{}, apperr.New(opResolve, reasonUnauthorized, err)
	}
	if !StatusPending.CanTransitionTo(resolution.Outcome) {
		return Entry{}, apperr.New(opResolve, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "unknown outcome %q", resolution.Outcome))
	}
	reviewerID, err := users.NormalizeID(resolution.ReviewerID)
	if err != nil {
		return Entry{}, apperr.New(opResolve, reasonInvalidInput, err)
	}
	actionTaken := strings.TrimSpace(resolution.ActionTaken)
	if actionTaken == "" {
		actionTaken = string(resolution.Outcome)
	}
	if len(actionTaken) > maxActionLength {
		return Entry{}, apperr.New(opResolve, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "action exceeds %d characters", maxActionLength))
	}

	now := s.clock().UTC()
	var resolved Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := loadEntryTx(tx, resolution.EntryID)
		if err != nil {
			return err
		}
		result := tx.Model(&Entry{}).
			Where("id = ? AND status IN ?", entry.ID, sourcesFor(resolution.Outcome)).
			Updates(map[string]any{
				"status":        resolution.Outcome,
				"reviewed_by":   reviewerID,
				"reviewed_at_s": now.Unix(),
				"action_taken":  actionTaken,
			})
		if result.Error != nil {
			return apperr.New(opResolve, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.New(opResolve, reasonTransition, apperr.Wrap(apperr.ErrInvalidStateTransition, "entry %s is already %s", entry.ID, entry.Status))
		}

		err = s.audit.AppendTx(tx, audit.Entry{
			ServerID: entry.ServerID,
			ActorID:  reviewerID,
			Action:   audit.ActionModerationResolved,
			Target:   entry.ID,
			Details: map[string]any{
				"item_type":    string(entry.ItemType),
				"item_id":      entry.ItemID,
				"flag_type":    entry.FlagType,
				"outcome":      string(resolution.Outcome),
				"action_taken": actionTaken,
			},
		})
		if err != nil {
			return apperr.New(opResolve, reasonAuditFailed, err)
		}

		if entry.ItemType == ItemNote {
			if err := s.releaseNoteTx(tx, entry.ItemID, resolution.Outcome, now); err != nil {
				return err
			}
		}
		if entry.FlaggedBy != reviewerID {
			_, err = s.queue.EnqueueTx(tx, notify.Request{
				UserID: entry.FlaggedBy,
				Type:   notify.TypeModerationResolved,
				Data: map[string]any{
					"entry_id":     entry.ID,
					"item_type":    string(entry.ItemType),
					"item_id":      entry.ItemID,
					"outcome":      string(resolution.Outcome),
					"action_taken": actionTaken,
				},
			})
			if err != nil {
				return err
			}
		}
		resolved, err = loadEntryTx(tx, entry.ID)
		return err
	})
	if txErr != nil {
		if apperr.KindOf(txErr) == apperr.KindInvalidStateTransition || apperr.KindOf(txErr) == apperr.KindNotFound {
			s.logger.Debug("resolution rejected", zap.String(fieldEntryID, resolution.EntryID), zap.Error(txErr))
		} else {
			s.logError(opResolve, reasonUpdateFailed, txErr, zap.String(fieldEntryID, resolution.EntryID))
		}
		return Entry{}, txErr
	}
	s.logger.Info("flag resolved",
		zap.String(fieldEntryID, resolved.ID),
		zap.String("outcome", string(resolved.Status)),
		zap.String("reviewer_id", reviewerID))
	return resolved, nil
}

// releaseNoteTx hides an actioned note for good; otherwise the note resumes
// evaluation once no other flag on it is pending.
func (s *Service) releaseNoteTx(tx *gorm.DB, noteID string, outcome Status, now time.Time) error {
	if outcome == StatusActioned {
		return s.notes.ForceHideTx(tx, noteID, now)
	}
	var pending int64
	err := tx.Model(&Entry{}).
		Where("item_type = ? AND item_id = ? AND status = ?", ItemNote, noteID, StatusPending).
		Count(&pending).Error
	if err != nil {
		return apperr.New(opResolve, reasonQueryFailed, err)
	}
	if pending > 0 {
		return nil
	}
	return s.notes.ThawTx(tx, noteID)
}

func loadEntryTx(tx *gorm.DB, entryID string) (Entry, error) {
	var entry Entry
	err := tx.Where(queryID, strings.TrimSpace(entryID)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, apperr.New(opGet, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "moderation entry %s", entryID))
	}
	if err != nil {
		return Entry{}, apperr.New(opGet, reasonQueryFailed, err)
	}
	return entry, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("moderation service failure", attrs...)
}
