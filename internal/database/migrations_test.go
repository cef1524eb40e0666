package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsDerivedColumns(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&community.Message{}, &notes.Note{}, &users.User{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	messages := []community.Message{
		{ID: "message-visible", ServerID: "server-1", ExternalID: "ext-1"},
		{ID: "message-stale", ServerID: "server-1", ExternalID: "ext-2", HasActiveNote: true},
	}
	if err := database.Create(&messages).Error; err != nil {
		testContext.Fatalf("failed to insert messages: %v", err)
	}
	note := notes.Note{
		ID:             "note-1",
		MessageID:      "message-visible",
		AuthorID:       "author",
		Content:        "context",
		Classification: notes.ClassificationMisleading,
		Status:         notes.StatusVisible,
		IsVisible:      true,
	}
	if err := database.Create(&note).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}
	user := users.User{ID: "user-1", ExternalID: "user-1", TrustLevel: "newcomer", BatchingIntervalMinutes: 0}
	if err := database.Create(&user).Error; err != nil {
		testContext.Fatalf("failed to insert user: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []community.Message
	if err := database.Order("id ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload messages: %v", err)
	}
	if stored[0].ID != "message-stale" || stored[0].HasActiveNote {
		testContext.Fatalf("expected stale flag to be cleared, got %+v", stored[0])
	}
	if stored[1].ID != "message-visible" || !stored[1].HasActiveNote {
		testContext.Fatalf("expected visible note to set the flag, got %+v", stored[1])
	}

	var storedUser users.User
	if err := database.Where("id = ?", "user-1").Take(&storedUser).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if storedUser.BatchingIntervalMinutes != defaultBatchingIntervalMinutes {
		testContext.Fatalf("expected default batching interval, got %d", storedUser.BatchingIntervalMinutes)
	}

	for _, name := range []string{migrationSyncActiveNoteFlags, migrationDefaultBatchingInterval} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	if err := database.Model(&community.Message{}).Where("id = ?", "message-stale").Update("has_active_note", true).Error; err != nil {
		testContext.Fatalf("failed to dirty message: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var dirty community.Message
	if err := database.Where("id = ?", "message-stale").Take(&dirty).Error; err != nil {
		testContext.Fatalf("failed to reload message: %v", err)
	}
	if !dirty.HasActiveNote {
		testContext.Fatalf("expected applied migrations not to run twice")
	}
}

func TestOpenSQLiteMigratesEveryModel(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "engine.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
