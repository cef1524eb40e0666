package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []Payload
	err      error
}

func (s *recordingSender) Send(_ context.Context, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *recordingSender) calls() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payload(nil), s.payloads...)
}

type harness struct {
	db         *gorm.DB
	clock      *testClock
	queue      *Queue
	users      *users.Service
	sender     *recordingSender
	dispatcher *Dispatcher
	logs       *observer.ObservedLogs
}

func TestEnqueueDropsDisabledCategories(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")

	prefs := users.DefaultPreferences()
	prefs.Enabled[users.CategoryNoteRatings] = false
	if _, err := h.users.UpdatePreferences(ctx, "user-1", prefs); err != nil {
		t.Fatalf("update preferences: %v", err)
	}

	id, err := h.queue.Enqueue(ctx, Request{UserID: "user-1", Type: TypeNoteRated})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "" {
		t.Fatalf("expected disabled category to be dropped, got id %s", id)
	}
	system, err := h.queue.Enqueue(ctx, Request{UserID: "user-1", Type: TypeSystem, Data: map[string]any{"message": "maintenance"}})
	if err != nil {
		t.Fatalf("enqueue system: %v", err)
	}
	if system == "" {
		t.Fatalf("expected system notification to be recorded")
	}
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	h := newHarness(t, 3)
	if _, err := h.queue.Enqueue(context.Background(), Request{Type: TypeSystem}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDispatchOrdersByPriorityThenSchedule(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")

	h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNoteMilestone, Data: map[string]any{"note_id": "late"}})
	h.clock.Advance(time.Second)
	h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeRequestThreshold, Data: map[string]any{"message_id": "m-1"}})
	h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNotePublished, Data: map[string]any{"note_id": "n-1"}})

	stats, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent != 3 {
		t.Fatalf("expected 3 sent, got %+v", stats)
	}
	calls := h.sender.calls()
	order := []Type{calls[0].Type, calls[1].Type, calls[2].Type}
	want := []Type{TypeRequestThreshold, TypeNotePublished, TypeNoteMilestone}
	for index := range want {
		if order[index] != want[index] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}

	again, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if again.Claimed != 0 {
		t.Fatalf("expected sent entries to stay sent, got %+v", again)
	}
}

func TestFailedDeliveryBacksOffThenFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")
	h.sender.err = apperr.Wrap(apperr.ErrDeliveryFailed, "channel down")

	id := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNotePublished})

	first, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if first.Retried != 1 {
		t.Fatalf("expected retry, got %+v", first)
	}
	entry := h.loadEntry(t, id)
	if entry.Attempts != 1 || entry.Status != StatusPending {
		t.Fatalf("unexpected entry after first failure %+v", entry)
	}
	wantSchedule := h.clock.Now().Add(time.Minute).Unix()
	if entry.ScheduledForSeconds != wantSchedule {
		t.Fatalf("expected backoff to %d, got %d", wantSchedule, entry.ScheduledForSeconds)
	}

	notYet, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch during backoff: %v", err)
	}
	if notYet.Claimed != 0 {
		t.Fatalf("expected entry to wait for backoff, got %+v", notYet)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		h.clock.Advance(time.Hour)
		if _, err := h.dispatcher.DispatchDue(ctx); err != nil {
			t.Fatalf("dispatch attempt %d: %v", attempt, err)
		}
	}
	entry = h.loadEntry(t, id)
	if entry.Status != StatusFailed || entry.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %+v", entry)
	}
	if entry.LastError == nil || !strings.Contains(*entry.LastError, "channel down") {
		t.Fatalf("expected last error to be stored, got %v", entry.LastError)
	}

	h.clock.Advance(24 * time.Hour)
	h.sender.err = nil
	if _, err := h.dispatcher.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch after failure: %v", err)
	}
	if calls := len(h.sender.calls()); calls != 3 {
		t.Fatalf("expected exactly 3 send attempts, got %d", calls)
	}

	var audits []audit.LogEntry
	if err := h.db.Where("action = ?", audit.ActionNotificationFailed).Find(&audits).Error; err != nil {
		t.Fatalf("load audits: %v", err)
	}
	if len(audits) != 1 || audits[0].Target != id {
		t.Fatalf("expected one audit row for %s, got %+v", id, audits)
	}
	if h.logs.FilterMessage("notification permanently failed").Len() != 1 {
		t.Fatalf("expected permanent failure warning")
	}
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")
	blocking := SenderFunc(func(ctx context.Context, _ Payload) error {
		<-ctx.Done()
		return ctx.Err()
	})
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Database:    h.db,
		Clock:       h.clock.Now,
		Sender:      blocking,
		SendTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	id := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNotePublished})

	stats, err := dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Retried != 1 {
		t.Fatalf("expected timeout to be retried, got %+v", stats)
	}
	if entry := h.loadEntry(t, id); entry.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", entry.Attempts)
	}
}

func TestMutedUserIsDeferredUntilMuteExpires(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")
	mutedUntil := h.clock.Now().Add(2 * time.Hour)
	if err := h.users.MuteUntil(ctx, "user-1", mutedUntil); err != nil {
		t.Fatalf("mute: %v", err)
	}

	id := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNotePublished})
	if entry := h.loadEntry(t, id); entry.ScheduledForSeconds != mutedUntil.Unix() {
		t.Fatalf("expected entry to wait for mute expiry, got %d", entry.ScheduledForSeconds)
	}
	if stats, err := h.dispatcher.DispatchDue(ctx); err != nil || stats.Claimed != 0 {
		t.Fatalf("expected nothing due while muted, got %+v %v", stats, err)
	}

	h.clock.Advance(2 * time.Hour)
	stats, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("expected delivery after mute expiry, got %+v", stats)
	}
}

func TestMuteAfterEnqueueIsRecheckedBeforeSend(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")

	id := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNotePublished})
	mutedUntil := h.clock.Now().Add(time.Hour)
	if err := h.users.MuteUntil(ctx, "user-1", mutedUntil); err != nil {
		t.Fatalf("mute: %v", err)
	}

	stats, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Deferred != 1 || len(h.sender.calls()) != 0 {
		t.Fatalf("expected deferral without send, got %+v", stats)
	}
	entry := h.loadEntry(t, id)
	if entry.Attempts != 0 || entry.ScheduledForSeconds != mutedUntil.Unix() || entry.LeaseToken != nil {
		t.Fatalf("unexpected deferred entry %+v", entry)
	}
}

func TestBatchedEntriesAreDeliveredAsOneDigest(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")
	start := h.clock.Now()

	first := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNoteRated, BatchKey: "ratings:n-1", Data: map[string]any{"note_id": "n-1", "helpful": true}})
	h.clock.Advance(time.Minute)
	second := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNoteRated, BatchKey: "ratings:n-1", Data: map[string]any{"note_id": "n-1", "helpful": false}})
	h.clock.Advance(time.Minute)
	third := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNoteRated, BatchKey: "ratings:n-1", Data: map[string]any{"note_id": "n-1", "helpful": true}})

	for _, id := range []string{first, second, third} {
		entry := h.loadEntry(t, id)
		if entry.Status != StatusBatched || entry.BatchID == nil || *entry.BatchID != first {
			t.Fatalf("expected entry %s to join batch %s, got %+v", id, first, entry)
		}
		if entry.ScheduledForSeconds != start.Add(30*time.Minute).Unix() {
			t.Fatalf("expected window close at %d, got %d", start.Add(30*time.Minute).Unix(), entry.ScheduledForSeconds)
		}
	}

	h.clock.Advance(20 * time.Minute)
	if stats, err := h.dispatcher.DispatchDue(ctx); err != nil || stats.Claimed != 0 {
		t.Fatalf("expected window to stay open, got %+v %v", stats, err)
	}

	h.clock.Advance(10 * time.Minute)
	stats, err := h.dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("expected one digest delivery, got %+v", stats)
	}
	calls := h.sender.calls()
	if len(calls) != 1 || len(calls[0].EntryIDs) != 3 {
		t.Fatalf("expected one payload covering 3 entries, got %+v", calls)
	}
	if !strings.Contains(calls[0].Subject, "(3 updates)") || !strings.Contains(calls[0].HTML, "<li>") {
		t.Fatalf("expected digest rendering, got %q / %q", calls[0].Subject, calls[0].HTML)
	}
	for _, id := range []string{first, second, third} {
		if entry := h.loadEntry(t, id); entry.Status != StatusSent {
			t.Fatalf("expected %s to be sent, got %s", id, entry.Status)
		}
	}

	next := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNoteRated, BatchKey: "ratings:n-1"})
	entry := h.loadEntry(t, next)
	if entry.BatchID == nil || *entry.BatchID != next {
		t.Fatalf("expected a new window after flush, got %+v", entry)
	}
}

func TestBatchingDisabledQueuesIndividually(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")
	prefs := users.DefaultPreferences()
	prefs.Batching = false
	if _, err := h.users.UpdatePreferences(ctx, "user-1", prefs); err != nil {
		t.Fatalf("update preferences: %v", err)
	}

	id := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNoteRated, BatchKey: "ratings:n-1"})
	entry := h.loadEntry(t, id)
	if entry.Status != StatusPending || entry.BatchID != nil {
		t.Fatalf("expected unbatched entry, got %+v", entry)
	}
}

func TestRecoverExpiredLeases(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.ensureUser(t, "user-1")
	id := h.mustEnqueue(t, Request{UserID: "user-1", Type: TypeNotePublished})

	token := "stale"
	expired := h.clock.Now().Add(-time.Minute).Unix()
	if err := h.db.Model(&Entry{}).Where("id = ?", id).Updates(map[string]any{"lease_token": token, "lease_until_s": expired}).Error; err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	released, err := h.queue.RecoverExpiredLeases(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected one released lease, got %d", released)
	}
	if entry := h.loadEntry(t, id); entry.LeaseToken != nil {
		t.Fatalf("expected lease to be cleared")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	dispatcher := &Dispatcher{backoffBase: 30 * time.Second, backoffMax: 10 * time.Minute}
	testCases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 30 * time.Second},
		{attempts: 1, want: time.Minute},
		{attempts: 2, want: 2 * time.Minute},
		{attempts: 4, want: 8 * time.Minute},
		{attempts: 5, want: 10 * time.Minute},
		{attempts: 40, want: 10 * time.Minute},
	}
	for _, testCase := range testCases {
		if got := dispatcher.backoff(testCase.attempts); got != testCase.want {
			t.Fatalf("attempts %d: expected %s, got %s", testCase.attempts, testCase.want, got)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusPending.CanTransitionTo(StatusSent) || !StatusBatched.CanTransitionTo(StatusFailed) {
		t.Fatalf("expected live states to reach terminal states")
	}
	if StatusSent.CanTransitionTo(StatusPending) || StatusFailed.CanTransitionTo(StatusPending) {
		t.Fatalf("expected terminal states to stay terminal")
	}
	if !StatusFailed.Terminal() || StatusBatched.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
	sources := sourcesFor(StatusSent)
	if len(sources) != 2 {
		t.Fatalf("expected pending and batched as sources of sent, got %v", sources)
	}
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:notify_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}, &users.User{}, &audit.LogEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newTestClock()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	queue, err := NewQueue(QueueConfig{
		Database:    db,
		Clock:       clock.Now,
		IDProvider:  ids.NewUUIDProvider(),
		MaxAttempts: maxAttempts,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	sink, err := audit.NewGormSink(db, clock.Now)
	if err != nil {
		t.Fatalf("failed to construct audit sink: %v", err)
	}
	sender := &recordingSender{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Database:    db,
		Clock:       clock.Now,
		Sender:      sender,
		Audit:       sink,
		Logger:      logger,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
		Workers:     1,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	return &harness{
		db:         db,
		clock:      clock,
		queue:      queue,
		users:      userService,
		sender:     sender,
		dispatcher: dispatcher,
		logs:       logs,
	}
}

func (h *harness) ensureUser(t *testing.T, userID string) {
	t.Helper()
	if _, err := h.users.EnsureUser(context.Background(), users.NewUser{ID: userID}); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
}

func (h *harness) mustEnqueue(t *testing.T, request Request) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), request)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected entry to be recorded")
	}
	return id
}

func (h *harness) loadEntry(t *testing.T, id string) Entry {
	t.Helper()
	var entry Entry
	if err := h.db.Where("id = ?", id).Take(&entry).Error; err != nil {
		t.Fatalf("load entry %s: %v", id, err)
	}
	return entry
}
