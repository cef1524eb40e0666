package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opAPIKeyIssue   = "auth.api_key.issue"
	opAPIKeyVerify  = "auth.api_key.verify"
	opAPIKeyRevoke  = "auth.api_key.revoke"
	apiKeySeparator = "."
	secretBytes     = 32
)

var (
	// ErrInvalidAPIKey reports a malformed, unknown, revoked or mismatched key.
	ErrInvalidAPIKey = errors.New("auth: invalid api key")

	errMissingDatabase = errors.New("database handle is required")
)

// APIKey stores the hash of an issued key. The secret itself is never stored.
type APIKey struct {
	ID                string `gorm:"column:id;primaryKey;size:64;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_api_keys_user"`
	SecretHash        string `gorm:"column:secret_hash;size:100;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	LastUsedAtSeconds *int64 `gorm:"column:last_used_at_s"`
	RevokedAtSeconds  *int64 `gorm:"column:revoked_at_s"`
}

// TableName exposes the table backing API keys.
func (APIKey) TableName() string {
	return "api_keys"
}

// APIKeyServiceConfig describes the dependencies of the API key service.
type APIKeyServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Cost       int
	Logger     *zap.Logger
}

// APIKeyService issues and verifies `<keyID>.<secret>` API keys.
type APIKeyService struct {
	db     *gorm.DB
	now    func() time.Time
	ids    ids.Provider
	cost   int
	logger *zap.Logger
}

// NewAPIKeyService constructs the service. A zero Cost selects bcrypt.DefaultCost.
func NewAPIKeyService(cfg APIKeyServiceConfig) (*APIKeyService, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	provider := cfg.IDProvider
	if provider == nil {
		provider = ids.NewUUIDProvider()
	}
	cost := cfg.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyService{db: cfg.Database, now: clock, ids: provider, cost: cost, logger: logger}, nil
}

// Issue creates a key for the user. The returned plaintext is shown once.
func (s *APIKeyService) Issue(ctx context.Context, userID string) (string, APIKey, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", APIKey{}, apperr.New(opAPIKeyIssue, "invalid_user_id", apperr.Wrap(apperr.ErrInvalidInput, "user id is required"))
	}
	keyID, err := s.ids.NewID()
	if err != nil {
		return "", APIKey{}, apperr.New(opAPIKeyIssue, "id_generation_failed", err)
	}
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", APIKey{}, apperr.New(opAPIKeyIssue, "secret_generation_failed", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", APIKey{}, apperr.New(opAPIKeyIssue, "hash_failed", err)
	}

	record := APIKey{
		ID:               keyID,
		UserID:           userID,
		SecretHash:       string(hash),
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("api key insert failed", zap.String("operation", opAPIKeyIssue), zap.String("user_id", userID), zap.Error(err))
		return "", APIKey{}, apperr.New(opAPIKeyIssue, "insert_failed", err)
	}
	return keyID + apiKeySeparator + secret, record, nil
}

// Verify checks the key and returns the owning user id.
func (s *APIKeyService) Verify(ctx context.Context, key string) (string, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(key), apiKeySeparator)
	if !ok || keyID == "" || secret == "" {
		return "", ErrInvalidAPIKey
	}

	db := s.db.WithContext(ctx)
	var record APIKey
	err := db.Where("id = ?", keyID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrInvalidAPIKey
	}
	if err != nil {
		return "", apperr.New(opAPIKeyVerify, "query_failed", err)
	}
	if record.RevokedAtSeconds != nil {
		return "", ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.SecretHash), []byte(secret)); err != nil {
		return "", ErrInvalidAPIKey
	}

	usedAt := s.now().UTC().Unix()
	if err := db.Model(&APIKey{}).Where("id = ?", keyID).Update("last_used_at_s", usedAt).Error; err != nil {
		s.logger.Warn("api key usage update failed", zap.String("operation", opAPIKeyVerify), zap.String("key_id", keyID), zap.Error(err))
	}
	return record.UserID, nil
}

// Revoke disables the key when it belongs to the user.
func (s *APIKeyService) Revoke(ctx context.Context, keyID, userID string) error {
	revokedAt := s.now().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("id = ? AND user_id = ? AND revoked_at_s IS NULL", keyID, userID).
		Update("revoked_at_s", revokedAt)
	if result.Error != nil {
		return apperr.New(opAPIKeyRevoke, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(opAPIKeyRevoke, "not_found", apperr.Wrap(apperr.ErrNotFound, "api key %s", keyID))
	}
	return nil
}
