package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opQueueNew          = "notify.queue.new"
	opEnqueue           = "notify.enqueue"
	opListForUser       = "notify.list_for_user"
	opRecoverLeases     = "notify.recover_leases"
	reasonMissingDB     = "missing_database"
	reasonMissingIDs    = "missing_id_provider"
	reasonInvalidInput  = "invalid_input"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonIDFailed      = "id_failed"
	reasonEncodeFailed  = "encode_failed"
	defaultMaxAttempts  = 3
	defaultListLimit    = 50
	maxListLimit        = 200
	openBatchJoinTrials = 2
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// QueueConfig describes the dependencies of the enqueue side.
type QueueConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  ids.Provider
	MaxAttempts int
	Logger      *zap.Logger
}

// Queue records notifications for later dispatch.
type Queue struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  ids.Provider
	maxAttempts int
	logger      *zap.Logger
}

// NewQueue constructs the queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opQueueNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opQueueNew, reasonMissingIDs, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// Request describes a notification to enqueue.
type Request struct {
	UserID       string
	Type         Type
	Data         map[string]any
	Priority     int
	BatchKey     string
	ScheduledFor *time.Time
}

// Enqueue records the notification in its own transaction. The returned id is
// empty when the recipient's preferences drop the notification type.
func (q *Queue) Enqueue(ctx context.Context, request Request) (string, error) {
	var id string
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = q.EnqueueTx(tx, request)
		return err
	})
	if txErr != nil {
		return "", txErr
	}
	return id, nil
}

// EnqueueTx records the notification inside a caller-owned transaction so the
// entry commits together with the state change that produced it.
func (q *Queue) EnqueueTx(tx *gorm.DB, request Request) (string, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" || request.Type == "" {
		return "", apperr.New(opEnqueue, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "user id and type are required"))
	}
	prefs, err := q.preferencesTx(tx, userID)
	if err != nil {
		return "", err
	}
	if !prefs.Allows(request.Type.Category()) {
		q.logger.Debug("notification dropped by preferences",
			zap.String("user_id", userID),
			zap.String("type", string(request.Type)))
		return "", nil
	}

	now := q.clock().UTC()
	scheduledFor := now
	if request.ScheduledFor != nil && request.ScheduledFor.After(scheduledFor) {
		scheduledFor = request.ScheduledFor.UTC()
	}
	if prefs.MutedAt(now) && prefs.MutedUntil.After(scheduledFor) {
		scheduledFor = prefs.MutedUntil.UTC()
	}

	priority := request.Priority
	if priority <= 0 {
		priority = request.Type.DefaultPriority()
	}
	var data datatypes.JSON
	if len(request.Data) > 0 {
		encoded, err := json.Marshal(request.Data)
		if err != nil {
			return "", apperr.New(opEnqueue, reasonEncodeFailed, err)
		}
		data = datatypes.JSON(encoded)
	}
	id, err := q.idProvider.NewID()
	if err != nil {
		return "", apperr.New(opEnqueue, reasonIDFailed, err)
	}

	entry := Entry{
		ID:                  id,
		UserID:              userID,
		Type:                request.Type,
		Priority:            priority,
		Data:                data,
		Status:              StatusPending,
		MaxAttempts:         q.maxAttempts,
		ScheduledForSeconds: scheduledFor.Unix(),
		CreatedAtSeconds:    now.Unix(),
	}

	batchKey := strings.TrimSpace(request.BatchKey)
	if batchKey != "" {
		entry.BatchKey = &batchKey
	}
	if batchKey == "" || !prefs.Batching {
		if err := tx.Create(&entry).Error; err != nil {
			q.logError(opEnqueue, reasonInsertFailed, err, userID)
			return "", apperr.New(opEnqueue, reasonInsertFailed, err)
		}
		return id, nil
	}

	if err := q.enqueueBatchedTx(tx, &entry, batchKey, prefs, now, scheduledFor); err != nil {
		return "", err
	}
	return id, nil
}

// enqueueBatchedTx joins the open window of (user, batch key) or opens one.
// The unique open_batch_key column admits one open window per key.
func (q *Queue) enqueueBatchedTx(tx *gorm.DB, entry *Entry, batchKey string, prefs users.Preferences, now, scheduledFor time.Time) error {
	window := prefs.BatchingInterval()
	key := openBatchKey(entry.UserID, batchKey)
	entry.Status = StatusBatched

	for trial := 0; trial < openBatchJoinTrials; trial++ {
		var opener Entry
		err := tx.Where("open_batch_key = ?", key).Take(&opener).Error
		switch {
		case err == nil:
			if opener.BatchedAtSeconds != nil && now.Unix() < *opener.BatchedAtSeconds+int64(window/time.Second) {
				entry.BatchID = opener.BatchID
				entry.BatchedAtSeconds = opener.BatchedAtSeconds
				entry.ScheduledForSeconds = opener.ScheduledForSeconds
				if err := tx.Create(entry).Error; err != nil {
					q.logError(opEnqueue, reasonInsertFailed, err, entry.UserID)
					return apperr.New(opEnqueue, reasonInsertFailed, err)
				}
				return nil
			}
			if err := tx.Model(&Entry{}).Where("id = ?", opener.ID).Update("open_batch_key", nil).Error; err != nil {
				q.logError(opEnqueue, reasonUpdateFailed, err, entry.UserID)
				return apperr.New(opEnqueue, reasonUpdateFailed, err)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			q.logError(opEnqueue, reasonQueryFailed, err, entry.UserID)
			return apperr.New(opEnqueue, reasonQueryFailed, err)
		}

		batchedAt := now.Unix()
		closesAt := now.Add(window)
		if scheduledFor.After(closesAt) {
			closesAt = scheduledFor
		}
		entry.BatchID = &entry.ID
		entry.BatchedAtSeconds = &batchedAt
		entry.ScheduledForSeconds = closesAt.Unix()
		entry.OpenBatchKey = &key
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if result.Error != nil {
			q.logError(opEnqueue, reasonInsertFailed, result.Error, entry.UserID)
			return apperr.New(opEnqueue, reasonInsertFailed, result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}
		entry.OpenBatchKey = nil
	}
	return apperr.New(opEnqueue, reasonInsertFailed, errors.New("batch window contention"))
}

func (q *Queue) preferencesTx(tx *gorm.DB, userID string) (users.Preferences, error) {
	user, err := users.LoadTx(tx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		prefs := users.DefaultPreferences()
		prefs.UserID = userID
		return prefs, nil
	}
	if err != nil {
		return users.Preferences{}, err
	}
	return user.Preferences(), nil
}

// ListForUser returns the most recent entries addressed to the user.
func (q *Queue) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var entries []Entry
	err := q.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_s DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		q.logError(opListForUser, reasonQueryFailed, err, userID)
		return nil, apperr.New(opListForUser, reasonQueryFailed, err)
	}
	return entries, nil
}

// RecoverExpiredLeases releases claims left behind by crashed dispatch workers.
func (q *Queue) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	result := q.db.WithContext(ctx).Model(&Entry{}).
		Where("lease_token IS NOT NULL AND lease_until_s <= ? AND status IN ?", now.UTC().Unix(), []Status{StatusPending, StatusBatched}).
		Updates(map[string]any{"lease_token": nil, "lease_until_s": nil})
	if result.Error != nil {
		q.logError(opRecoverLeases, reasonUpdateFailed, result.Error, "")
		return 0, apperr.New(opRecoverLeases, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		q.logger.Info("released expired notification leases", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (q *Queue) logError(operation, reason string, err error, userID string) {
	q.logger.Error("notification queue error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("user_id", userID))
}
