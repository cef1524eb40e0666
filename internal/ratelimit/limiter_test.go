package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"gorm.io/gorm"
)

var defaultQuotas = Quotas{
	NewcomerPerDay:    5,
	ContributorPerDay: 10,
	TrustedPerDay:     20,
	GeneralPerHour:    100,
	WindowMode:        WindowRolling,
}

func TestQuotasLimitPerTier(t *testing.T) {
	testCases := []struct {
		name  string
		level trust.Level
		kind  Kind
		want  int
	}{
		{name: "newcomer daily", level: trust.LevelNewcomer, kind: KindDailyRequests, want: 5},
		{name: "contributor daily", level: trust.LevelContributor, kind: KindDailyRequests, want: 10},
		{name: "trusted daily", level: trust.LevelTrusted, kind: KindDailyRequests, want: 20},
		{name: "moderator inherits trusted", level: trust.LevelModerator, kind: KindDailyRequests, want: 20},
		{name: "general hourly", level: trust.LevelNewcomer, kind: KindGeneralHourly, want: 100},
		{name: "unknown level", level: "ghost", kind: KindDailyRequests, want: 0},
		{name: "unknown kind", level: trust.LevelAdmin, kind: "other", want: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := defaultQuotas.Limit(testCase.level, testCase.kind); got != testCase.want {
				t.Fatalf("expected %d, got %d", testCase.want, got)
			}
		})
	}
}

func TestQuotasValidate(t *testing.T) {
	invalid := defaultQuotas
	invalid.NewcomerPerDay = -1
	if err := invalid.Validate(); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative limit, got %v", err)
	}
	invalid = defaultQuotas
	invalid.WindowMode = "sliding"
	if err := invalid.Validate(); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for window mode, got %v", err)
	}
}

func TestNewcomerSixthRequestRejectedUntilRollover(t *testing.T) {
	limiter, db := newTestLimiter(t, defaultQuotas)
	ctx := context.Background()
	start := time.Unix(1700000000, 0).UTC()
	if err := db.Create(&users.User{ID: "user-1", ExternalID: "user-1", TrustLevel: trust.LevelNewcomer}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	for attempt := 1; attempt <= 5; attempt++ {
		decision, err := limiter.Check(ctx, "user-1", KindDailyRequests, trust.LevelNewcomer, start.Add(time.Duration(attempt)*time.Minute))
		if err != nil {
			t.Fatalf("check %d: %v", attempt, err)
		}
		if !decision.Allowed || decision.Remaining != 5-attempt {
			t.Fatalf("attempt %d: unexpected decision %+v", attempt, decision)
		}
	}

	boundary := start.Add(time.Minute).Add(24 * time.Hour)
	rejected, err := limiter.Check(ctx, "user-1", KindDailyRequests, trust.LevelNewcomer, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("sixth check: %v", err)
	}
	if rejected.Allowed || rejected.Remaining != 0 {
		t.Fatalf("expected rejection, got %+v", rejected)
	}
	if !rejected.ResetAt.Equal(boundary) {
		t.Fatalf("expected reset at %s, got %s", boundary, rejected.ResetAt)
	}
	var limitErr *apperr.RateLimitError
	if err := rejected.Err(KindDailyRequests); !errors.As(err, &limitErr) || !errors.Is(err, apperr.ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !limitErr.ResetAt.Equal(boundary) || limitErr.Limit != 5 {
		t.Fatalf("unexpected rate limit error %+v", limitErr)
	}

	var record Record
	if err := db.Where(queryKey, "user-1", KindDailyRequests).Take(&record).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Count != 5 {
		t.Fatalf("expected rejected check to leave count at 5, got %d", record.Count)
	}

	afterRollover, err := limiter.Check(ctx, "user-1", KindDailyRequests, trust.LevelNewcomer, boundary)
	if err != nil {
		t.Fatalf("check after rollover: %v", err)
	}
	if !afterRollover.Allowed || afterRollover.Remaining != 4 {
		t.Fatalf("expected allowed after rollover, got %+v", afterRollover)
	}
	if !afterRollover.ResetAt.Equal(boundary.Add(24 * time.Hour)) {
		t.Fatalf("expected window to advance, got %s", afterRollover.ResetAt)
	}

	user := users.User{}
	if err := db.Where("id = ?", "user-1").Take(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.DailyRequestCount != 1 || user.LastRequestAtSeconds == nil || *user.LastRequestAtSeconds != boundary.Unix() {
		t.Fatalf("expected daily mirror to follow the limiter, got %+v", user)
	}
}

func TestFixedWindowResetsAtBoundary(t *testing.T) {
	quotas := defaultQuotas
	quotas.WindowMode = WindowFixed
	limiter, _ := newTestLimiter(t, quotas)
	now := time.Date(2026, 3, 4, 15, 20, 0, 0, time.UTC)

	decision, err := limiter.Check(context.Background(), "user-1", KindGeneralHourly, trust.LevelContributor, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)
	if !decision.ResetAt.Equal(want) {
		t.Fatalf("expected reset at %s, got %s", want, decision.ResetAt)
	}

	daily, err := limiter.Check(context.Background(), "user-1", KindDailyRequests, trust.LevelContributor, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	wantDaily := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	if !daily.ResetAt.Equal(wantDaily) {
		t.Fatalf("expected daily reset at %s, got %s", wantDaily, daily.ResetAt)
	}
}

func TestUnknownLevelIsDenied(t *testing.T) {
	limiter, _ := newTestLimiter(t, defaultQuotas)

	decision, err := limiter.Check(context.Background(), "user-1", KindDailyRequests, "ghost", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.Limit != 0 {
		t.Fatalf("expected denial, got %+v", decision)
	}
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	limiter, db := newTestLimiter(t, defaultQuotas)
	now := time.Unix(1700000000, 0).UTC()

	const callers = 20
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		allowed   int
	)
	errs := make(chan error, callers)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			decision, err := limiter.Check(context.Background(), "user-1", KindDailyRequests, trust.LevelNewcomer, now)
			if err != nil {
				errs <- err
				return
			}
			if decision.Allowed {
				mutex.Lock()
				allowed++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent check: %v", err)
	}
	if allowed != 5 {
		t.Fatalf("expected exactly 5 allowed checks, got %d", allowed)
	}

	var record Record
	if err := db.Where(queryKey, "user-1", KindDailyRequests).Take(&record).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.Count != 5 {
		t.Fatalf("expected count 5, got %d", record.Count)
	}
}

func TestPruneRemovesElapsedWindows(t *testing.T) {
	limiter, db := newTestLimiter(t, defaultQuotas)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	if _, err := limiter.Check(ctx, "user-1", KindGeneralHourly, trust.LevelNewcomer, now); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := limiter.Check(ctx, "user-1", KindDailyRequests, trust.LevelNewcomer, now); err != nil {
		t.Fatalf("check: %v", err)
	}

	removed, err := limiter.Prune(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected hourly row to be pruned, removed %d", removed)
	}
	var remaining int64
	if err := db.Model(&Record{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected daily row to remain, got %d rows", remaining)
	}
}

func newTestLimiter(t *testing.T, quotas Quotas) (*Limiter, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:ratelimit_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}, &users.User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	limiter, err := NewLimiter(LimiterConfig{Database: db, Quotas: quotas})
	if err != nil {
		t.Fatalf("failed to construct limiter: %v", err)
	}
	return limiter, db
}
