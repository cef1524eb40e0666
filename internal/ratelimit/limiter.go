package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/keylock"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Kind names an independently counted quota.
type Kind string

const (
	// KindDailyRequests is the tiered per-day note request quota.
	KindDailyRequests Kind = "note_requests_daily"
	// KindGeneralHourly applies to every tier.
	KindGeneralHourly Kind = "general_hourly"
)

// WindowMode selects how reset_at advances on rollover.
type WindowMode string

const (
	// WindowRolling resets one window after the first use following a rollover.
	WindowRolling WindowMode = "rolling"
	// WindowFixed resets at the next UTC boundary of the window.
	WindowFixed WindowMode = "fixed"
)

const (
	opLimiterNew       = "ratelimit.limiter.new"
	opCheck            = "ratelimit.check"
	opPrune            = "ratelimit.prune"
	reasonMissingDB    = "missing_database"
	reasonInvalidInput = "invalid_input"
	reasonQueryFailed  = "query_failed"
	reasonUpdateFailed = "update_failed"
	reasonDeleteFailed = "delete_failed"
	queryKey           = "user_id = ? AND limit_kind = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Quotas holds the per-tier limits.
type Quotas struct {
	NewcomerPerDay    int
	ContributorPerDay int
	TrustedPerDay     int
	GeneralPerHour    int
	WindowMode        WindowMode
}

// Validate rejects negative limits and unknown window modes.
func (q Quotas) Validate() error {
	if q.NewcomerPerDay < 0 || q.ContributorPerDay < 0 || q.TrustedPerDay < 0 || q.GeneralPerHour < 0 {
		return apperr.Wrap(apperr.ErrInvalidInput, "rate limits must not be negative")
	}
	switch q.WindowMode {
	case WindowRolling, WindowFixed:
		return nil
	default:
		return apperr.Wrap(apperr.ErrInvalidInput, "unknown window mode %q", q.WindowMode)
	}
}

// Limit returns the quota of the level for the kind. Unknown levels get zero.
func (q Quotas) Limit(level trust.Level, kind Kind) int {
	if !level.Known() {
		return 0
	}
	switch kind {
	case KindGeneralHourly:
		return q.GeneralPerHour
	case KindDailyRequests:
		switch level {
		case trust.LevelNewcomer:
			return q.NewcomerPerDay
		case trust.LevelContributor:
			return q.ContributorPerDay
		default:
			return q.TrustedPerDay
		}
	default:
		return 0
	}
}

// WindowDuration returns the window length of the kind.
func WindowDuration(kind Kind) time.Duration {
	if kind == KindGeneralHourly {
		return time.Hour
	}
	return 24 * time.Hour
}

// Record is one (user, limit kind) counter.
type Record struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LimitKind      Kind   `gorm:"column:limit_kind;primaryKey;size:64;not null"`
	Count          int    `gorm:"column:count;not null;default:0"`
	ResetAtSeconds int64  `gorm:"column:reset_at_s;not null;index:idx_rate_limits_reset"`
}

// TableName exposes the table backing rate limit counters.
func (Record) TableName() string {
	return "rate_limits"
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Err returns a RateLimitError for rejected decisions.
func (d Decision) Err(kind Kind) error {
	if d.Allowed {
		return nil
	}
	return &apperr.RateLimitError{LimitKind: string(kind), Limit: d.Limit, ResetAt: d.ResetAt}
}

// LimiterConfig describes the dependencies of the limiter.
type LimiterConfig struct {
	Database *gorm.DB
	Quotas   Quotas
	Logger   *zap.Logger
}

// Limiter enforces per-user quotas with an atomic check-and-increment per key.
type Limiter struct {
	db     *gorm.DB
	quotas Quotas
	locks  *keylock.Locker
	logger *zap.Logger
}

// NewLimiter constructs a limiter.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opLimiterNew, reasonMissingDB, errMissingDatabase)
	}
	if err := cfg.Quotas.Validate(); err != nil {
		return nil, apperr.New(opLimiterNew, reasonInvalidInput, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Limiter{
		db:     cfg.Database,
		quotas: cfg.Quotas,
		locks:  keylock.New(),
		logger: logger,
	}, nil
}

// Check consumes one unit of the quota when available.
func (l *Limiter) Check(ctx context.Context, userID string, kind Kind, level trust.Level, now time.Time) (Decision, error) {
	unlock := l.locks.Lock(userID + "|" + string(kind))
	defer unlock()

	var decision Decision
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		decision, err = l.CheckTx(tx, userID, kind, level, now)
		return err
	})
	if txErr != nil {
		return Decision{}, txErr
	}
	return decision, nil
}

// CheckTx runs the check inside a caller-owned transaction. The conditional
// increment makes it safe without the in-process lock.
func (l *Limiter) CheckTx(tx *gorm.DB, userID string, kind Kind, level trust.Level, now time.Time) (Decision, error) {
	limit := l.quotas.Limit(level, kind)
	nowSeconds := now.UTC().Unix()
	nextReset := l.nextReset(kind, now)

	seed := Record{UserID: userID, LimitKind: kind, Count: 0, ResetAtSeconds: nextReset}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		l.logError(opCheck, reasonUpdateFailed, err, userID, kind)
		return Decision{}, apperr.New(opCheck, reasonUpdateFailed, err)
	}

	rollover := tx.Model(&Record{}).
		Where(queryKey+" AND reset_at_s <= ?", userID, kind, nowSeconds).
		Updates(map[string]any{"count": 0, "reset_at_s": nextReset})
	if rollover.Error != nil {
		l.logError(opCheck, reasonUpdateFailed, rollover.Error, userID, kind)
		return Decision{}, apperr.New(opCheck, reasonUpdateFailed, rollover.Error)
	}

	allowed := false
	if limit > 0 {
		increment := tx.Model(&Record{}).
			Where(queryKey+" AND count < ?", userID, kind, limit).
			UpdateColumn("count", gorm.Expr("count + 1"))
		if increment.Error != nil {
			l.logError(opCheck, reasonUpdateFailed, increment.Error, userID, kind)
			return Decision{}, apperr.New(opCheck, reasonUpdateFailed, increment.Error)
		}
		allowed = increment.RowsAffected == 1
	}

	var record Record
	if err := tx.Where(queryKey, userID, kind).Take(&record).Error; err != nil {
		l.logError(opCheck, reasonQueryFailed, err, userID, kind)
		return Decision{}, apperr.New(opCheck, reasonQueryFailed, err)
	}

	if allowed && kind == KindDailyRequests {
		if err := users.MirrorDailyRequests(tx, userID, record.Count, now); err != nil {
			l.logError(opCheck, reasonUpdateFailed, err, userID, kind)
			return Decision{}, apperr.New(opCheck, reasonUpdateFailed, err)
		}
	}

	remaining := limit - record.Count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(record.ResetAtSeconds, 0).UTC(),
	}
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("user_id", userID),
			zap.String("limit_kind", string(kind)),
			zap.Int("limit", limit),
			zap.Time("reset_at", decision.ResetAt))
	}
	return decision, nil
}

// Prune deletes counters whose window has elapsed; they are indistinguishable from absent rows.
func (l *Limiter) Prune(ctx context.Context, now time.Time) (int64, error) {
	result := l.db.WithContext(ctx).Where("reset_at_s <= ?", now.UTC().Unix()).Delete(&Record{})
	if result.Error != nil {
		l.logger.Error("rate limit prune failed", zap.String("operation", opPrune), zap.Error(result.Error))
		return 0, apperr.New(opPrune, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (l *Limiter) nextReset(kind Kind, now time.Time) int64 {
	window := WindowDuration(kind)
	now = now.UTC()
	if l.quotas.WindowMode == WindowFixed {
		return now.Truncate(window).Add(window).Unix()
	}
	return now.Add(window).Unix()
}

func (l *Limiter) logError(operation, reason string, err error, userID string, kind Kind) {
	l.logger.Error("rate limiter error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("user_id", userID),
		zap.String("limit_kind", string(kind)))
}
