package database

import (
	"errors"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSyncActiveNoteFlags     = "2026-10-01_sync_active_note_flags"
	migrationDefaultBatchingInterval = "2026-10-01_default_batching_interval"
	defaultBatchingIntervalMinutes   = 30
	syncActiveNoteFlagsStatement     = "UPDATE messages SET has_active_note = EXISTS (SELECT 1 FROM community_notes WHERE community_notes.message_id = messages.id AND community_notes.is_visible = ?);"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func dataMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationSyncActiveNoteFlags, apply: syncActiveNoteFlags},
		{name: migrationDefaultBatchingInterval, apply: defaultBatchingInterval},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range dataMigrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// syncActiveNoteFlags recomputes has_active_note from the visible notes of each message.
func syncActiveNoteFlags(db *gorm.DB) error {
	return db.Exec(syncActiveNoteFlagsStatement, true).Error
}

func defaultBatchingInterval(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("batching_interval_minutes <= 0").
		Update("batching_interval_minutes", defaultBatchingIntervalMinutes).Error
}
