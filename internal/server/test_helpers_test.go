package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/auth"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/database"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testNow = time.Unix(1700000000, 0).UTC()

type testAPI struct {
	handler   http.Handler
	db        *gorm.DB
	tokens    *auth.TokenIssuer
	users     *users.Service
	community *community.Service
	stream    *notify.StreamSender
	scoring   *stubScoring
}

type stubScoring struct {
	triggers []string
	err      error
}

func (s *stubScoring) Submit(trigger string) error {
	if s.err != nil {
		return s.err
	}
	s.triggers = append(s.triggers, trigger)
	return nil
}

func newTestAPI(t *testing.T, logger *zap.Logger) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	clock := func() time.Time { return testNow }
	idProvider := ids.NewUUIDProvider()

	sink, err := audit.NewGormSink(db, clock)
	if err != nil {
		t.Fatalf("failed to construct audit sink: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock, Audit: sink})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	communityService, err := community.NewService(community.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Audit: sink})
	if err != nil {
		t.Fatalf("failed to construct community service: %v", err)
	}
	queue, err := notify.NewQueue(notify.QueueConfig{Database: db, Clock: clock, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Database: db,
		Quotas: ratelimit.Quotas{
			NewcomerPerDay:    1,
			ContributorPerDay: 10,
			TrustedPerDay:     20,
			GeneralPerHour:    50,
			WindowMode:        ratelimit.WindowRolling,
		},
	})
	if err != nil {
		t.Fatalf("failed to construct limiter: %v", err)
	}
	engagementService, err := engagement.NewService(engagement.ServiceConfig{
		Database:         db,
		Clock:            clock,
		IDProvider:       idProvider,
		Limiter:          limiter,
		Queue:            queue,
		TriggerThreshold: 3,
	})
	if err != nil {
		t.Fatalf("failed to construct engagement service: %v", err)
	}
	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Queue: queue})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	moderationService, err := moderation.NewService(moderation.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: idProvider,
		Notes:      noteService,
		Queue:      queue,
		Audit:      sink,
	})
	if err != nil {
		t.Fatalf("failed to construct moderation service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "opennotes-test",
		Audience:      "opennotes-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	streamTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "opennotes-test",
		Audience:      auth.StreamAudience("opennotes-api"),
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct stream token issuer: %v", err)
	}
	apiKeys, err := auth.NewAPIKeyService(auth.APIKeyServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Cost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to construct api key service: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(tokens, apiKeys)
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	purger, err := database.NewPurger(database.PurgerConfig{Database: db, Audit: sink})
	if err != nil {
		t.Fatalf("failed to construct purger: %v", err)
	}
	stream := notify.NewStreamSender(clock)
	scoring := &stubScoring{}

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: authenticator,
		APIKeys:       apiKeys,
		Community:     communityService,
		Users:         userService,
		Engagement:    engagementService,
		Notes:         noteService,
		Moderation:    moderationService,
		Queue:         queue,
		Stream:        stream,
		StreamTokens:  streamTokens,
		Scoring:       scoring,
		Purger:        purger,
		Limiter:       limiter,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testAPI{
		handler:   handler,
		db:        db,
		tokens:    tokens,
		users:     userService,
		community: communityService,
		stream:    stream,
		scoring:   scoring,
	}
}

// seedUser stores the user at the level and returns a bearer token for it.
func (a *testAPI) seedUser(t *testing.T, userID string, level trust.Level) string {
	t.Helper()
	if _, err := a.users.EnsureUser(context.Background(), users.NewUser{ID: userID, TrustLevel: level}); err != nil {
		t.Fatalf("seed user %s: %v", userID, err)
	}
	return a.token(t, userID)
}

func (a *testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := a.tokens.Sign(userID)
	if err != nil {
		t.Fatalf("sign token for %s: %v", userID, err)
	}
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

// seedMessage registers a server and a message directly through the services.
func (a *testAPI) seedMessage(t *testing.T, externalID string) community.Message {
	t.Helper()
	ctx := context.Background()
	server, err := a.community.RegisterServer(ctx, community.NewServer{ExternalID: "guild-1"})
	if err != nil {
		t.Fatalf("register server: %v", err)
	}
	message, err := a.community.RegisterMessage(ctx, community.NewMessage{ServerID: server.ID, ExternalID: externalID})
	if err != nil {
		t.Fatalf("register message: %v", err)
	}
	return message
}
