package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/auth"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the engine owns.
func Models() []any {
	return []any{
		&users.User{},
		&community.Server{},
		&community.Member{},
		&community.Message{},
		&engagement.NoteRequest{},
		&engagement.Aggregation{},
		&notes.Note{},
		&notes.Rating{},
		&moderation.Entry{},
		&notify.Entry{},
		&ratelimit.Record{},
		&audit.LogEntry{},
		&auth.APIKey{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

// Migrate creates or updates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		return fmt.Errorf("apply data migrations: %w", err)
	}
	return nil
}
