package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	opDispatcherNew       = "notify.dispatcher.new"
	opClaim               = "notify.claim"
	opDeliver             = "notify.deliver"
	reasonMissingSender   = "missing_sender"
	reasonAuditFailed     = "audit_failed"
	defaultBackoffBase    = 30 * time.Second
	defaultBackoffMax     = time.Hour
	defaultSendTimeout    = 10 * time.Second
	defaultClaimLimit     = 50
	defaultWorkers        = 4
	defaultPollInterval   = 5 * time.Second
	leaseSendTimeoutScale = 3
	maxStoredErrorLength  = 500
)

var errMissingSender = errors.New("channel sender is required")

// DispatcherConfig describes the dependencies and tuning of the dispatcher.
type DispatcherConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Sender       ChannelSender
	Renderer     *Renderer
	Audit        audit.TxSink
	Logger       *zap.Logger
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
	ClaimLimit   int
	Workers      int
	PollInterval time.Duration
}

// Dispatcher drains due queue entries through the channel sender.
type Dispatcher struct {
	db           *gorm.DB
	clock        func() time.Time
	sender       ChannelSender
	renderer     *Renderer
	audit        audit.TxSink
	logger       *zap.Logger
	backoffBase  time.Duration
	backoffMax   time.Duration
	sendTimeout  time.Duration
	leaseTTL     time.Duration
	claimLimit   int
	workers      int
	pollInterval time.Duration
}

// DispatchStats summarizes one dispatch pass. Counts are per delivery group.
type DispatchStats struct {
	Claimed  int
	Sent     int
	Retried  int
	Failed   int
	Deferred int
}

type outcome int

const (
	outcomeSent outcome = iota + 1
	outcomeRetried
	outcomeFailed
	outcomeDeferred
	outcomeReleased
)

type claimedGroup struct {
	token   string
	userID  string
	entries []Entry
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opDispatcherNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.Sender == nil {
		return nil, apperr.New(opDispatcherNew, reasonMissingSender, errMissingSender)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = NewRenderer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	var sink audit.TxSink = audit.NewLoggingSink(logger)
	if cfg.Audit != nil {
		sink = cfg.Audit
	}
	dispatcher := &Dispatcher{
		db:           cfg.Database,
		clock:        clock,
		sender:       cfg.Sender,
		renderer:     renderer,
		audit:        sink,
		logger:       logger,
		backoffBase:  durationOrDefault(cfg.BackoffBase, defaultBackoffBase),
		backoffMax:   durationOrDefault(cfg.BackoffMax, defaultBackoffMax),
		sendTimeout:  durationOrDefault(cfg.SendTimeout, defaultSendTimeout),
		claimLimit:   intOrDefault(cfg.ClaimLimit, defaultClaimLimit),
		workers:      intOrDefault(cfg.Workers, defaultWorkers),
		pollInterval: durationOrDefault(cfg.PollInterval, defaultPollInterval),
	}
	dispatcher.leaseTTL = dispatcher.sendTimeout * leaseSendTimeoutScale
	return dispatcher, nil
}

// Run polls the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		stats, err := d.DispatchDue(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("notification dispatch pass failed", zap.Error(err))
		} else if stats.Claimed > 0 {
			d.logger.Debug("notification dispatch pass",
				zap.Int("claimed", stats.Claimed),
				zap.Int("sent", stats.Sent),
				zap.Int("retried", stats.Retried),
				zap.Int("failed", stats.Failed),
				zap.Int("deferred", stats.Deferred))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchDue claims every due group once and delivers them on the worker pool.
func (d *Dispatcher) DispatchDue(ctx context.Context) (DispatchStats, error) {
	now := d.clock().UTC()
	groups, err := d.claim(ctx, now)
	if err != nil {
		return DispatchStats{}, err
	}
	stats := DispatchStats{Claimed: len(groups)}
	if len(groups) == 0 {
		return stats, nil
	}

	outcomes := make([]outcome, len(groups))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers)
	for index := range groups {
		index := index
		group.Go(func() error {
			result, err := d.deliver(groupCtx, groups[index])
			outcomes[index] = result
			return err
		})
	}
	waitErr := group.Wait()
	for _, result := range outcomes {
		switch result {
		case outcomeSent:
			stats.Sent++
		case outcomeRetried:
			stats.Retried++
		case outcomeFailed:
			stats.Failed++
		case outcomeDeferred:
			stats.Deferred++
		}
	}
	return stats, waitErr
}

func (d *Dispatcher) claim(ctx context.Context, now time.Time) ([]claimedGroup, error) {
	nowSeconds := now.Unix()
	leaseUntil := now.Add(d.leaseTTL).Unix()
	claimable := "(lease_token IS NULL OR lease_until_s <= ?)"

	var groups []claimedGroup
	txErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Entry
		err := tx.
			Where("status IN ? AND scheduled_for_s <= ? AND "+claimable, []Status{StatusPending, StatusBatched}, nowSeconds, nowSeconds).
			Order("priority ASC").
			Order("scheduled_for_s ASC").
			Order("id ASC").
			Limit(d.claimLimit).
			Find(&candidates).Error
		if err != nil {
			return apperr.New(opClaim, reasonQueryFailed, err)
		}

		seenBatches := make(map[string]struct{})
		for _, candidate := range candidates {
			token := uuid.NewString()
			var result *gorm.DB
			if candidate.Status == StatusBatched && candidate.BatchID != nil {
				if _, seen := seenBatches[*candidate.BatchID]; seen {
					continue
				}
				seenBatches[*candidate.BatchID] = struct{}{}
				result = tx.Model(&Entry{}).
					Where("batch_id = ? AND status = ? AND "+claimable, *candidate.BatchID, StatusBatched, nowSeconds).
					Updates(map[string]any{"lease_token": token, "lease_until_s": leaseUntil, "open_batch_key": nil})
			} else {
				result = tx.Model(&Entry{}).
					Where("id = ? AND status = ? AND "+claimable, candidate.ID, candidate.Status, nowSeconds).
					Updates(map[string]any{"lease_token": token, "lease_until_s": leaseUntil})
			}
			if result.Error != nil {
				return apperr.New(opClaim, reasonUpdateFailed, result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			var claimed []Entry
			if err := tx.Where("lease_token = ?", token).Order("created_at_s ASC").Order("id ASC").Find(&claimed).Error; err != nil {
				return apperr.New(opClaim, reasonQueryFailed, err)
			}
			groups = append(groups, claimedGroup{token: token, userID: candidate.UserID, entries: claimed})
		}
		return nil
	})
	if txErr != nil {
		d.logger.Error("notification claim failed", zap.String("operation", opClaim), zap.Error(txErr))
		return nil, txErr
	}
	return groups, nil
}

func (d *Dispatcher) deliver(ctx context.Context, group claimedGroup) (outcome, error) {
	bookkeeping := context.WithoutCancel(ctx)
	prefs, err := d.preferences(bookkeeping, group.userID)
	if err != nil {
		return outcomeReleased, d.release(bookkeeping, group, nil)
	}

	now := d.clock().UTC()
	if prefs.MutedAt(now) {
		mutedUntil := prefs.MutedUntil.UTC()
		d.logger.Debug("notification deferred by mute",
			zap.String("user_id", group.userID),
			zap.Time("muted_until", mutedUntil))
		return outcomeDeferred, d.release(bookkeeping, group, &mutedUntil)
	}

	payload, err := d.renderer.Render(group.userID, group.entries)
	if err != nil {
		return d.recordFailure(bookkeeping, group, err)
	}
	payload.Methods = prefs.Methods

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sendErr := d.sender.Send(sendCtx, payload)
	cancel()
	if sendErr == nil {
		return outcomeSent, d.markSent(bookkeeping, group)
	}
	if ctx.Err() != nil {
		return outcomeReleased, d.release(bookkeeping, group, nil)
	}
	return d.recordFailure(bookkeeping, group, sendErr)
}

func (d *Dispatcher) preferences(ctx context.Context, userID string) (users.Preferences, error) {
	user, err := users.LoadTx(d.db.WithContext(ctx), userID)
	if errors.Is(err, apperr.ErrNotFound) {
		prefs := users.DefaultPreferences()
		prefs.UserID = userID
		return prefs, nil
	}
	if err != nil {
		d.logger.Error("notification preference lookup failed", zap.String("user_id", userID), zap.Error(err))
		return users.Preferences{}, err
	}
	return user.Preferences(), nil
}

// release drops the lease without counting an attempt, optionally rescheduling.
func (d *Dispatcher) release(ctx context.Context, group claimedGroup, until *time.Time) error {
	updates := map[string]any{"lease_token": nil, "lease_until_s": nil}
	if until != nil {
		updates["scheduled_for_s"] = until.Unix()
	}
	if err := d.db.WithContext(ctx).Model(&Entry{}).Where("lease_token = ?", group.token).Updates(updates).Error; err != nil {
		d.logError(opDeliver, reasonUpdateFailed, err, group)
		return apperr.New(opDeliver, reasonUpdateFailed, err)
	}
	return nil
}

func (d *Dispatcher) markSent(ctx context.Context, group claimedGroup) error {
	nowSeconds := d.clock().UTC().Unix()
	err := d.db.WithContext(ctx).Model(&Entry{}).
		Where("lease_token = ? AND status IN ?", group.token, sourcesFor(StatusSent)).
		Updates(map[string]any{
			"status":            StatusSent,
			"sent_at_s":         nowSeconds,
			"last_attempt_at_s": nowSeconds,
			"lease_token":       nil,
			"lease_until_s":     nil,
		}).Error
	if err != nil {
		d.logError(opDeliver, reasonUpdateFailed, err, group)
		return apperr.New(opDeliver, reasonUpdateFailed, err)
	}
	return nil
}

// recordFailure counts the attempt, then either reschedules with backoff or
// marks the group failed for good.
func (d *Dispatcher) recordFailure(ctx context.Context, group claimedGroup, cause error) (outcome, error) {
	now := d.clock().UTC()
	message := cause.Error()
	if len(message) > maxStoredErrorLength {
		message = message[:maxStoredErrorLength]
	}
	attempts := group.entries[0].Attempts + 1

	result := outcomeRetried
	txErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Entry{}).Where("lease_token = ?", group.token).Updates(map[string]any{
			"attempts":          gorm.Expr("attempts + 1"),
			"last_attempt_at_s": now.Unix(),
			"last_error":        message,
		}).Error
		if err != nil {
			return apperr.New(opDeliver, reasonUpdateFailed, err)
		}

		exhausted := tx.Model(&Entry{}).
			Where("lease_token = ? AND attempts >= max_attempts AND status IN ?", group.token, sourcesFor(StatusFailed)).
			Updates(map[string]any{"status": StatusFailed, "lease_token": nil, "lease_until_s": nil})
		if exhausted.Error != nil {
			return apperr.New(opDeliver, reasonUpdateFailed, exhausted.Error)
		}

		retry := tx.Model(&Entry{}).Where("lease_token = ?", group.token).Updates(map[string]any{
			"scheduled_for_s": now.Add(d.backoff(attempts)).Unix(),
			"lease_token":     nil,
			"lease_until_s":   nil,
		})
		if retry.Error != nil {
			return apperr.New(opDeliver, reasonUpdateFailed, retry.Error)
		}

		if exhausted.RowsAffected == 0 {
			return nil
		}
		result = outcomeFailed
		entryIDs := make([]string, 0, len(group.entries))
		for _, entry := range group.entries {
			entryIDs = append(entryIDs, entry.ID)
		}
		err = d.audit.AppendTx(tx, audit.Entry{
			ActorID: "notification-dispatcher",
			Action:  audit.ActionNotificationFailed,
			Target:  group.entries[0].ID,
			Details: map[string]any{
				"user_id":  group.userID,
				"type":     string(group.entries[0].Type),
				"attempts": attempts,
				"entries":  entryIDs,
				"error":    message,
			},
		})
		if err != nil {
			return apperr.New(opDeliver, reasonAuditFailed, err)
		}
		return nil
	})
	if txErr != nil {
		d.logError(opDeliver, reasonUpdateFailed, txErr, group)
		return outcomeReleased, txErr
	}

	if result == outcomeFailed {
		d.logger.Warn("notification permanently failed",
			zap.String("user_id", group.userID),
			zap.String("entry_id", group.entries[0].ID),
			zap.Int("attempts", attempts),
			zap.Error(errors.Join(apperr.ErrDeliveryPermanentlyFailed, cause)))
	} else {
		d.logger.Info("notification delivery failed, retrying",
			zap.String("user_id", group.userID),
			zap.String("entry_id", group.entries[0].ID),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", d.backoff(attempts)),
			zap.Error(cause))
	}
	return result, nil
}

// backoff returns base * 2^attempts capped at the configured maximum.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.backoffBase
	for step := 0; step < attempts; step++ {
		if delay >= d.backoffMax/2 {
			return d.backoffMax
		}
		delay *= 2
	}
	if delay > d.backoffMax {
		return d.backoffMax
	}
	return delay
}

func (d *Dispatcher) logError(operation, reason string, err error, group claimedGroup) {
	d.logger.Error("notification dispatcher error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("user_id", group.userID),
		zap.Int("entries", len(group.entries)))
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
