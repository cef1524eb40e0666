package users

import (
	"context"
	"errors"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew        = "users.service.new"
	opEnsureUser        = "users.ensure_user"
	opGetUser           = "users.get_user"
	opSetTrustLevel     = "users.set_trust_level"
	opUpdatePreferences = "users.update_preferences"
	opMute              = "users.mute"
	opApplyHelpfulness  = "users.apply_helpfulness"
	fieldUserID         = "user_id"
	queryID             = "id = ?"
	reasonMissingDB     = "missing_database"
	reasonInvalidUser   = "invalid_user_id"
	reasonNotFound      = "not_found"
	reasonQueryFailed   = "query_failed"
	reasonUpdateFailed  = "update_failed"
	reasonInsertFailed  = "insert_failed"
	reasonInvalidInput  = "invalid_input"
	reasonUnauthorized  = "unauthorized"
	reasonAuditFailed   = "audit_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies required for user management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Audit    audit.TxSink
	Logger   *zap.Logger
}

// Service manages users, their trust level and notification preferences.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	audit  audit.TxSink
	logger *zap.Logger
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	var sink audit.TxSink = audit.NewLoggingSink(logger)
	if cfg.Audit != nil {
		sink = cfg.Audit
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		audit:  sink,
		logger: logger,
	}, nil
}

// NewUser describes a user first seen by the engine.
type NewUser struct {
	ID         string
	ExternalID string
	Username   string
	TrustLevel trust.Level
}

// EnsureUser inserts the user when missing and returns the stored row.
func (s *Service) EnsureUser(ctx context.Context, input NewUser) (User, error) {
	userID, err := NormalizeID(input.ID)
	if err != nil {
		return User{}, apperr.New(opEnsureUser, reasonInvalidUser, err)
	}
	externalID := input.ExternalID
	if externalID == "" {
		externalID = userID
	}
	level := input.TrustLevel
	if level == "" {
		level = trust.LevelNewcomer
	}
	if !level.Known() {
		return User{}, apperr.New(opEnsureUser, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "unknown trust level %q", level))
	}

	candidate := User{
		ID:         userID,
		ExternalID: externalID,
		Username:   input.Username,
		TrustLevel: level,
	}
	candidate.applyPreferences(DefaultPreferences())

	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		s.logError(opEnsureUser, reasonInsertFailed, err, zap.String(fieldUserID, userID))
		return User{}, apperr.New(opEnsureUser, reasonInsertFailed, err)
	}
	return s.Get(ctx, userID)
}

// Get loads a user by identifier.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return loadUser(s.db.WithContext(ctx), userID)
}

// LoadTx loads a user inside a caller-owned transaction.
func LoadTx(tx *gorm.DB, userID string) (User, error) {
	return loadUser(tx, userID)
}

func loadUser(db *gorm.DB, userID string) (User, error) {
	var user User
	err := db.Where(queryID, userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.New(opGetUser, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "user %s", userID))
	}
	if err != nil {
		return User{}, apperr.New(opGetUser, reasonQueryFailed, err)
	}
	return user, nil
}

// TrustLevel returns the current trust level of the user.
func (s *Service) TrustLevel(ctx context.Context, userID string) (trust.Level, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.TrustLevel, nil
}

// Preferences returns the notification preferences of the user.
func (s *Service) Preferences(ctx context.Context, userID string) (Preferences, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	return user.Preferences(), nil
}

// SetTrustLevel is the entrypoint for the external promotion process.
func (s *Service) SetTrustLevel(ctx context.Context, actorID string, actorLevel trust.Level, userID string, level trust.Level) (User, error) {
	if err := trust.Require(actorLevel, trust.ScopeUsersWriteAny); err != nil {
		return User{}, apperr.New(opSetTrustLevel, reasonUnauthorized, err)
	}
	if !level.Known() {
		return User{}, apperr.New(opSetTrustLevel, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "unknown trust level %q", level))
	}

	var updated User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadUser(tx.Clauses(clause.Locking{Strength: "UPDATE"}), userID)
		if err != nil {
			return err
		}
		if err := tx.Model(&User{}).Where(queryID, userID).Update("trust_level", level).Error; err != nil {
			s.logError(opSetTrustLevel, reasonUpdateFailed, err, zap.String(fieldUserID, userID))
			return apperr.New(opSetTrustLevel, reasonUpdateFailed, err)
		}
		entry := audit.Entry{
			ActorID: actorID,
			Action:  audit.ActionTrustLevelChanged,
			Target:  userID,
			Details: map[string]any{"from": current.TrustLevel.String(), "to": level.String()},
		}
		if err := s.audit.AppendTx(tx, entry); err != nil {
			return apperr.New(opSetTrustLevel, reasonAuditFailed, err)
		}
		current.TrustLevel = level
		updated = current
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	s.logger.Info("trust level changed",
		zap.String(fieldUserID, userID),
		zap.String("actor_id", actorID),
		zap.String("trust_level", level.String()))
	return updated, nil
}

// UpdatePreferences replaces the user's notification preferences.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, prefs Preferences) (Preferences, error) {
	if err := validatePreferences(prefs); err != nil {
		return Preferences{}, apperr.New(opUpdatePreferences, reasonInvalidInput, err)
	}
	user, err := s.Get(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}
	user.applyPreferences(prefs)
	updates := map[string]any{
		"notify_new_requests":       user.NotifyNewRequests,
		"notify_note_published":     user.NotifyNotePublished,
		"notify_note_ratings":       user.NotifyNoteRatings,
		"notify_status_changed":     user.NotifyStatusChanged,
		"notify_milestones":         user.NotifyMilestones,
		"notify_moderation":         user.NotifyModeration,
		"notification_batching":     user.NotificationBatching,
		"batching_interval_minutes": user.BatchingIntervalMinutes,
		"notification_methods":      user.NotificationMethods,
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where(queryID, userID).Updates(updates).Error; err != nil {
		s.logError(opUpdatePreferences, reasonUpdateFailed, err, zap.String(fieldUserID, userID))
		return Preferences{}, apperr.New(opUpdatePreferences, reasonUpdateFailed, err)
	}
	return user.Preferences(), nil
}

// MuteUntil suppresses dispatch to the user until the instant. Pending entries are re-checked at send time.
func (s *Service) MuteUntil(ctx context.Context, userID string, until time.Time) error {
	seconds := until.UTC().Unix()
	return s.setMute(ctx, userID, &seconds)
}

// Unmute clears any active mute.
func (s *Service) Unmute(ctx context.Context, userID string) error {
	return s.setMute(ctx, userID, nil)
}

func (s *Service) setMute(ctx context.Context, userID string, seconds *int64) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where(queryID, userID).Update("notifications_muted_until_s", seconds)
	if result.Error != nil {
		s.logError(opMute, reasonUpdateFailed, result.Error, zap.String(fieldUserID, userID))
		return apperr.New(opMute, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(opMute, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "user %s", userID))
	}
	return nil
}

// ApplyHelpfulnessScores stores scores produced by the external scorer; unknown users are skipped.
func (s *Service) ApplyHelpfulnessScores(ctx context.Context, scores map[string]float64) (int, error) {
	applied := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for userID, score := range scores {
			result := tx.Model(&User{}).Where(queryID, userID).Update("helpfulness_score", score)
			if result.Error != nil {
				s.logError(opApplyHelpfulness, reasonUpdateFailed, result.Error, zap.String(fieldUserID, userID))
				return apperr.New(opApplyHelpfulness, reasonUpdateFailed, result.Error)
			}
			applied += int(result.RowsAffected)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return applied, nil
}

// MirrorDailyRequests copies the rate limiter's daily counter onto the user row.
func MirrorDailyRequests(tx *gorm.DB, userID string, count int, at time.Time) error {
	return tx.Model(&User{}).Where(queryID, userID).Updates(map[string]any{
		"daily_request_count": count,
		"last_request_at_s":   at.UTC().Unix(),
	}).Error
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
	s.logger.Error("users service error", attrs...)
}
