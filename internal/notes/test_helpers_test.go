package notes

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"gorm.io/gorm"
)

var testNow = time.Unix(1700000000, 0).UTC()

type testEnv struct {
	db        *gorm.DB
	service   *Service
	community *community.Service
	server    community.Server
	message   community.Message
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&Note{},
		&Rating{},
		&community.Server{},
		&community.Member{},
		&community.Message{},
		&engagement.NoteRequest{},
		&users.User{},
		&notify.Entry{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return testNow }
	idProvider := ids.NewUUIDProvider()
	communityService, err := community.NewService(community.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct community service: %v", err)
	}
	queue, err := notify.NewQueue(notify.QueueConfig{Database: db, Clock: clock, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: idProvider,
		Queue:      queue,
		Policy:     policy,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}

	ctx := context.Background()
	server, err := communityService.RegisterServer(ctx, community.NewServer{ExternalID: "guild-1"})
	if err != nil {
		t.Fatalf("failed to register server: %v", err)
	}
	message, err := communityService.RegisterMessage(ctx, community.NewMessage{ServerID: server.ID, ExternalID: "msg-1"})
	if err != nil {
		t.Fatalf("failed to register message: %v", err)
	}
	return &testEnv{db: db, service: service, community: communityService, server: server, message: message}
}

func (env *testEnv) mustSubmit(t *testing.T, authorID string) Note {
	t.Helper()
	note, err := env.service.SubmitNote(context.Background(), NewNote{
		MessageID:      env.message.ID,
		AuthorID:       authorID,
		AuthorTrust:    trust.LevelContributor,
		Content:        "The quoted figure comes from a 2019 report and is outdated.",
		Classification: string(ClassificationMisleading),
		Sources:        []string{"https://example.org/report"},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return note
}

func (env *testEnv) mustRate(t *testing.T, noteID, raterID string, level trust.Level, helpful bool) RatingResult {
	t.Helper()
	result, err := env.service.RecordRating(context.Background(), RatingInput{
		NoteID:     noteID,
		RaterID:    raterID,
		RaterTrust: level,
		Helpful:    helpful,
	})
	if err != nil {
		t.Fatalf("unexpected rating error from %s: %v", raterID, err)
	}
	return result
}

func (env *testEnv) mustNote(t *testing.T, noteID string) Note {
	t.Helper()
	note, err := env.service.GetNote(context.Background(), noteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return note
}

func (env *testEnv) countNotifications(t *testing.T, notificationType notify.Type) int64 {
	t.Helper()
	var count int64
	if err := env.db.Model(&notify.Entry{}).Where("type = ?", notificationType).Count(&count).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	return count
}

func (env *testEnv) withTx(t *testing.T, fn func(tx *gorm.DB) error) {
	t.Helper()
	if err := env.db.Transaction(fn); err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
}
