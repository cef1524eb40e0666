package engagement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew        = "engagement.service.new"
	opRecordRequest     = "engagement.record_request"
	opWithdrawRequest   = "engagement.withdraw_request"
	opNotifyContributor = "engagement.notify_contributors"
	opSweep             = "engagement.sweep"
	opGetAggregation    = "engagement.get_aggregation"
	fieldMessageID      = "message_id"
	fieldUserID         = "user_id"
	queryMessageID      = "message_id = ?"
	reasonMissingDB     = "missing_database"
	reasonMissingIDs    = "missing_id_provider"
	reasonMissingLimit  = "missing_limiter"
	reasonMissingQueue  = "missing_queue"
	reasonInvalidInput  = "invalid_input"
	reasonUnauthorized  = "unauthorized"
	reasonNotFound      = "not_found"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"
	reasonUpdateFailed  = "update_failed"
	reasonIDFailed      = "id_failed"
	reasonEnqueueFailed = "enqueue_failed"
	reasonServerClosed  = "server_closed"
	defaultThreshold    = 3
	maxReasonLength     = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLimiter    = errors.New("rate limiter is required")
	errMissingQueue      = errors.New("notification queue is required")
	errConcurrentRequest = errors.New("request recorded concurrently")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the request aggregator.
type ServiceConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	IDProvider       ids.Provider
	Limiter          *ratelimit.Limiter
	Queue            *notify.Queue
	TriggerThreshold int
	Logger           *zap.Logger
}

// Service records note requests and detects threshold crossings.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	limiter    *ratelimit.Limiter
	queue      *notify.Queue
	threshold  int
	logger     *zap.Logger
}

// NewService constructs the request aggregator.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.New(opServiceNew, reasonMissingDB, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, apperr.New(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	case cfg.Limiter == nil:
		return nil, apperr.New(opServiceNew, reasonMissingLimit, errMissingLimiter)
	case cfg.Queue == nil:
		return nil, apperr.New(opServiceNew, reasonMissingQueue, errMissingQueue)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := cfg.TriggerThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		limiter:    cfg.Limiter,
		queue:      cfg.Queue,
		threshold:  threshold,
		logger:     logger,
	}, nil
}

// RequestInput identifies a requestor asking for a note on a message.
type RequestInput struct {
	MessageID  string
	UserID     string
	TrustLevel trust.Level
	Reason     string
}

// RequestResult reports what a request changed.
type RequestResult struct {
	Created          bool
	Reactivated      bool
	ThresholdCrossed bool
	Aggregation      Aggregation
}

// RecordRequest stores a request once per (message, user). Only a created
// request consumes quota and moves the counters.
func (s *Service) RecordRequest(ctx context.Context, input RequestInput) (RequestResult, error) {
	if err := trust.Require(input.TrustLevel, trust.ScopeRequestsWrite); err != nil {
		return RequestResult{}, apperr.New(opRecordRequest, reasonUnauthorized, err)
	}
	userID, err := users.NormalizeID(input.UserID)
	if err != nil {
		return RequestResult{}, apperr.New(opRecordRequest, reasonInvalidInput, err)
	}
	reason := strings.TrimSpace(input.Reason)
	if len(reason) > maxReasonLength {
		return RequestResult{}, apperr.New(opRecordRequest, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "reason exceeds %d characters", maxReasonLength))
	}
	requestID, err := s.idProvider.NewID()
	if err != nil {
		return RequestResult{}, apperr.New(opRecordRequest, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	var (
		result   RequestResult
		serverID string
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := community.LoadMessageTx(tx, input.MessageID)
		if err != nil {
			return err
		}
		server, err := community.LoadServerTx(tx, message.ServerID)
		if err != nil {
			return err
		}
		serverID = server.ID

		var existing NoteRequest
		err = tx.Where("message_id = ? AND user_id = ?", message.ID, userID).Take(&existing).Error
		if err == nil {
			return s.reactivateTx(tx, existing, &result)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opRecordRequest, reasonQueryFailed, err)
		}
		if err := server.AcceptsRequests(); err != nil {
			return apperr.New(opRecordRequest, reasonServerClosed, err)
		}

		decision, err := s.limiter.CheckTx(tx, userID, ratelimit.KindDailyRequests, input.TrustLevel, now)
		if err != nil {
			return err
		}
		if limitErr := decision.Err(ratelimit.KindDailyRequests); limitErr != nil {
			return limitErr
		}

		request := NoteRequest{
			ID:                 requestID,
			MessageID:          message.ID,
			UserID:             userID,
			IsActive:           true,
			RequestedAtSeconds: now.Unix(),
		}
		if reason != "" {
			request.Reason = &reason
		}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&request)
		if inserted.Error != nil {
			return apperr.New(opRecordRequest, reasonInsertFailed, inserted.Error)
		}
		if inserted.RowsAffected == 0 {
			return errConcurrentRequest
		}
		result.Created = true

		aggregation, crossed, err := s.incrementTx(tx, message.ID, now)
		if err != nil {
			return err
		}
		result.Aggregation = aggregation
		result.ThresholdCrossed = crossed
		return nil
	})
	if errors.Is(txErr, errConcurrentRequest) {
		aggregation, err := s.GetAggregation(ctx, input.MessageID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return RequestResult{}, err
		}
		return RequestResult{Aggregation: aggregation}, nil
	}
	if txErr != nil {
		switch apperr.KindOf(txErr) {
		case apperr.KindRateLimitExceeded, apperr.KindInvalidStateTransition, apperr.KindNotFound:
			s.logger.Debug("note request rejected",
				zap.String(fieldMessageID, input.MessageID),
				zap.String(fieldUserID, userID),
				zap.Error(txErr))
		default:
			s.logError(opRecordRequest, reasonUpdateFailed, txErr, zap.String(fieldMessageID, input.MessageID), zap.String(fieldUserID, userID))
		}
		return RequestResult{}, txErr
	}

	if result.ThresholdCrossed {
		s.logger.Info("note request threshold met",
			zap.String(fieldMessageID, input.MessageID),
			zap.Int("unique_requestors", result.Aggregation.UniqueRequestors))
		notified, err := s.notifyContributors(ctx, input.MessageID, serverID)
		if err != nil {
			s.logError(opNotifyContributor, reasonEnqueueFailed, err, zap.String(fieldMessageID, input.MessageID))
		} else if notified {
			result.Aggregation.ContributorsNotified = true
		}
	}
	return result, nil
}

func (s *Service) reactivateTx(tx *gorm.DB, existing NoteRequest, result *RequestResult) error {
	if !existing.IsActive {
		err := tx.Model(&NoteRequest{}).Where("id = ? AND is_active = ?", existing.ID, false).Update("is_active", true).Error
		if err != nil {
			return apperr.New(opRecordRequest, reasonUpdateFailed, err)
		}
		result.Reactivated = true
	}
	aggregation, err := loadAggregationTx(tx, existing.MessageID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	result.Aggregation = aggregation
	return nil
}

// incrementTx bumps the counters and flips threshold_met with a conditional
// update so exactly one caller observes the crossing.
func (s *Service) incrementTx(tx *gorm.DB, messageID string, now time.Time) (Aggregation, bool, error) {
	nowSeconds := now.Unix()
	seed := Aggregation{MessageID: messageID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return Aggregation{}, false, apperr.New(opRecordRequest, reasonInsertFailed, err)
	}
	err := tx.Model(&Aggregation{}).Where(queryMessageID, messageID).Updates(map[string]any{
		"total_requests":     gorm.Expr("total_requests + 1"),
		"unique_requestors":  gorm.Expr("unique_requestors + 1"),
		"first_request_at_s": gorm.Expr("COALESCE(first_request_at_s, ?)", nowSeconds),
		"last_request_at_s":  nowSeconds,
	}).Error
	if err != nil {
		return Aggregation{}, false, apperr.New(opRecordRequest, reasonUpdateFailed, err)
	}

	flip := tx.Model(&Aggregation{}).
		Where("message_id = ? AND threshold_met = ? AND unique_requestors >= ?", messageID, false, s.threshold).
		Updates(map[string]any{"threshold_met": true, "threshold_met_at_s": nowSeconds})
	if flip.Error != nil {
		return Aggregation{}, false, apperr.New(opRecordRequest, reasonUpdateFailed, flip.Error)
	}
	crossed := flip.RowsAffected == 1

	aggregation, err := loadAggregationTx(tx, messageID)
	if err != nil {
		return Aggregation{}, false, err
	}
	if err := community.SyncRequestCountersTx(tx, messageID, aggregation.TotalRequests, aggregation.UniqueRequestors); err != nil {
		return Aggregation{}, false, apperr.New(opRecordRequest, reasonUpdateFailed, err)
	}
	return aggregation, crossed, nil
}

// notifyContributors flips contributors_notified once and enqueues the
// threshold notification in the same transaction.
func (s *Service) notifyContributors(ctx context.Context, messageID, serverID string) (bool, error) {
	notified := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		nowSeconds := s.clock().UTC().Unix()
		flip := tx.Model(&Aggregation{}).
			Where("message_id = ? AND threshold_met = ? AND contributors_notified = ?", messageID, true, false).
			Updates(map[string]any{"contributors_notified": true, "notified_at_s": nowSeconds})
		if flip.Error != nil {
			return apperr.New(opNotifyContributor, reasonUpdateFailed, flip.Error)
		}
		if flip.RowsAffected == 0 {
			return nil
		}
		aggregation, err := loadAggregationTx(tx, messageID)
		if err != nil {
			return err
		}
		recipients, err := community.MembersWithScopeTx(tx, serverID, trust.ScopeNotesWrite)
		if err != nil {
			return apperr.New(opNotifyContributor, reasonQueryFailed, err)
		}
		for _, recipient := range recipients {
			_, err := s.queue.EnqueueTx(tx, notify.Request{
				UserID: recipient,
				Type:   notify.TypeRequestThreshold,
				Data: map[string]any{
					"message_id":        messageID,
					"server_id":         serverID,
					"unique_requestors": aggregation.UniqueRequestors,
				},
			})
			if err != nil {
				return err
			}
		}
		notified = true
		s.logger.Info("contributors notified",
			zap.String(fieldMessageID, messageID),
			zap.Int("recipients", len(recipients)))
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return notified, nil
}

// WithdrawRequest deactivates the caller's request. Counters and the
// threshold flag are left untouched.
func (s *Service) WithdrawRequest(ctx context.Context, messageID, userID string) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&NoteRequest{}).
		Where("message_id = ? AND user_id = ? AND is_active = ?", messageID, userID, true).
		Update("is_active", false)
	if result.Error != nil {
		s.logError(opWithdrawRequest, reasonUpdateFailed, result.Error, zap.String(fieldMessageID, messageID), zap.String(fieldUserID, userID))
		return apperr.New(opWithdrawRequest, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := db.Model(&NoteRequest{}).Where("message_id = ? AND user_id = ?", messageID, userID).Count(&count).Error; err != nil {
		return apperr.New(opWithdrawRequest, reasonQueryFailed, err)
	}
	if count == 0 {
		return apperr.New(opWithdrawRequest, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "request on message %s", messageID))
	}
	return nil
}

// SweepPendingNotifications re-drives crossings whose contributor
// notification never committed.
func (s *Service) SweepPendingNotifications(ctx context.Context) (int, error) {
	var pending []Aggregation
	err := s.db.WithContext(ctx).
		Where("threshold_met = ? AND contributors_notified = ?", true, false).
		Order("threshold_met_at_s ASC").
		Find(&pending).Error
	if err != nil {
		s.logError(opSweep, reasonQueryFailed, err)
		return 0, apperr.New(opSweep, reasonQueryFailed, err)
	}
	notified := 0
	for _, aggregation := range pending {
		message, err := community.LoadMessageTx(s.db.WithContext(ctx), aggregation.MessageID)
		if err != nil {
			s.logError(opSweep, reasonNotFound, err, zap.String(fieldMessageID, aggregation.MessageID))
			continue
		}
		done, err := s.notifyContributors(ctx, aggregation.MessageID, message.ServerID)
		if err != nil {
			s.logError(opSweep, reasonEnqueueFailed, err, zap.String(fieldMessageID, aggregation.MessageID))
			continue
		}
		if done {
			notified++
		}
	}
	return notified, nil
}

// GetAggregation loads the counters of a message.
func (s *Service) GetAggregation(ctx context.Context, messageID string) (Aggregation, error) {
	return loadAggregationTx(s.db.WithContext(ctx), messageID)
}

func loadAggregationTx(tx *gorm.DB, messageID string) (Aggregation, error) {
	var aggregation Aggregation
	err := tx.Where(queryMessageID, messageID).Take(&aggregation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Aggregation{}, apperr.New(opGetAggregation, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "aggregation for message %s", messageID))
	}
	if err != nil {
		return Aggregation{}, apperr.New(opGetAggregation, reasonQueryFailed, err)
	}
	return aggregation, nil
}

// ActiveRequestorsTx lists users with an active request on the message.
func ActiveRequestorsTx(tx *gorm.DB, messageID string) ([]string, error) {
	var requestors []string
	err := tx.Model(&NoteRequest{}).
		Where("message_id = ? AND is_active = ?", messageID, true).
		Order("requested_at_s ASC").
		Pluck("user_id", &requestors).Error
	if err != nil {
		return nil, err
	}
	return requestors, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("engagement service error", attrs...)
}
