package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"gorm.io/gorm"
)

var testNow = time.Unix(1700000000, 0).UTC()

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:scoring_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&notes.Note{}, &notes.Rating{}, &users.User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedScoringData(t *testing.T, db *gorm.DB) {
	t.Helper()

	participants := []users.User{
		{ID: "author", ExternalID: "author", TrustLevel: trust.LevelContributor},
		{ID: "fresh", ExternalID: "fresh", TrustLevel: trust.LevelNewcomer},
	}
	if err := db.Create(&participants).Error; err != nil {
		t.Fatalf("seed users: %v", err)
	}
	note := notes.Note{
		ID:                 "note-1",
		MessageID:          "message-1",
		AuthorID:           "author",
		Content:            "Context for the claim.",
		Classification:     notes.ClassificationMisleading,
		Status:             notes.StatusPending,
		SubmittedAtSeconds: testNow.Unix(),
	}
	if err := db.Create(&note).Error; err != nil {
		t.Fatalf("seed note: %v", err)
	}
	ratings := []notes.Rating{
		{ID: "rating-1", NoteID: "note-1", RaterID: "fresh", Helpful: true, Weight: 0.5, RatedAtSeconds: testNow.Unix() + 10},
		{ID: "rating-2", NoteID: "note-1", RaterID: "author", Helpful: false, Weight: 1, RatedAtSeconds: testNow.Unix() + 20},
	}
	if err := db.Create(&ratings).Error; err != nil {
		t.Fatalf("seed ratings: %v", err)
	}
}

func TestCollectorBuildsNormalizedBatch(t *testing.T) {
	db := openTestDatabase(t)
	seedScoringData(t, db)
	collector, err := NewCollector(db)
	if err != nil {
		t.Fatalf("unexpected collector error: %v", err)
	}

	batch, err := collector.Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected collect error: %v", err)
	}
	if len(batch.Notes) != 1 || len(batch.Ratings) != 2 || len(batch.Enrollment) != 2 {
		t.Fatalf("unexpected batch sizes: %d notes, %d ratings, %d participants", len(batch.Notes), len(batch.Ratings), len(batch.Enrollment))
	}
	noteRow := batch.Notes[0]
	if noteRow.NoteID != "note-1" || noteRow.NoteAuthorParticipantID != "author" || noteRow.CreatedAtMillis != testNow.Unix()*1000 {
		t.Fatalf("unexpected note row: %+v", noteRow)
	}
	if noteRow.Classification != string(notes.ClassificationMisleading) {
		t.Fatalf("unexpected classification %q", noteRow.Classification)
	}
	if batch.Ratings[0].HelpfulnessLevel != helpfulnessHelpful || batch.Ratings[1].HelpfulnessLevel != helpfulnessNotHelpful {
		t.Fatalf("unexpected helpfulness levels: %+v", batch.Ratings)
	}
	enrollment := map[string]EnrollmentRow{}
	for _, row := range batch.Enrollment {
		enrollment[row.ParticipantID] = row
	}
	if row := enrollment["fresh"]; row.EnrollmentState != enrollmentNewUser || row.SuccessfulRatingNeededToEarnIn != ratingsToEarnIn {
		t.Fatalf("expected newcomer to be a new user, got %+v", row)
	}
	if row := enrollment["author"]; row.EnrollmentState != enrollmentEarnedIn || row.SuccessfulRatingNeededToEarnIn != 0 {
		t.Fatalf("expected contributor to be earned in, got %+v", row)
	}
}

func TestCollectorReportsEmptyBatch(t *testing.T) {
	db := openTestDatabase(t)
	collector, err := NewCollector(db)
	if err != nil {
		t.Fatalf("unexpected collector error: %v", err)
	}
	if _, err := collector.Collect(context.Background()); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected empty batch error, got %v", err)
	}
}

func TestHTTPScorerRoundTrip(t *testing.T) {
	var received Batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scored_notes":[{"noteId":"note-1"}],"helpful_scores":[{"raterParticipantId":"fresh","helpfulnessScore":0.8}],"auxiliary_info":[]}`))
	}))
	defer server.Close()

	scorer, err := NewHTTPScorer(server.URL, server.Client())
	if err != nil {
		t.Fatalf("unexpected scorer error: %v", err)
	}
	result, err := scorer.Score(context.Background(), Batch{Notes: []NoteRow{{NoteID: "note-1"}}})
	if err != nil {
		t.Fatalf("unexpected score error: %v", err)
	}
	if len(received.Notes) != 1 || received.Notes[0].NoteID != "note-1" {
		t.Fatalf("unexpected request body: %+v", received)
	}
	if len(result.ScoredNotes) != 1 {
		t.Fatalf("expected one scored note, got %d", len(result.ScoredNotes))
	}
	if score := result.HelpfulnessByUser()["fresh"]; score != 0.8 {
		t.Fatalf("expected helpfulness 0.8, got %v", score)
	}
}

func TestHTTPScorerSurfacesFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	scorer, err := NewHTTPScorer(server.URL, server.Client())
	if err != nil {
		t.Fatalf("unexpected scorer error: %v", err)
	}
	_, err = scorer.Score(context.Background(), Batch{})
	if err == nil || !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
	if _, err := NewHTTPScorer("  ", nil); err == nil {
		t.Fatalf("expected empty endpoint to be rejected")
	}
}

type stubSource struct {
	batch Batch
	err   error
}

func (s stubSource) Collect(context.Context) (Batch, error) {
	return s.batch, s.err
}

type recordingApplier struct {
	scores map[string]float64
}

func (a *recordingApplier) ApplyHelpfulnessScores(_ context.Context, scores map[string]float64) (int, error) {
	a.scores = scores
	return len(scores), nil
}

func TestRunOnceAppliesHelpfulnessScores(t *testing.T) {
	db := openTestDatabase(t)
	seedScoringData(t, db)
	collector, err := NewCollector(db)
	if err != nil {
		t.Fatalf("unexpected collector error: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected users service error: %v", err)
	}
	scorer := ScorerFunc(func(_ context.Context, batch Batch) (Result, error) {
		return Result{
			ScoredNotes: []map[string]any{{"noteId": batch.Notes[0].NoteID}},
			HelpfulScores: []HelpfulScore{
				{RaterParticipantID: "fresh", HelpfulnessScore: 0.9},
				{RaterParticipantID: "ghost", HelpfulnessScore: 0.1},
			},
		}, nil
	})
	runner, err := NewRunner(RunnerConfig{Source: collector, Scorer: scorer, Applier: userService, Clock: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("unexpected runner error: %v", err)
	}

	report, err := runner.RunOnce(context.Background(), "manual")
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if report.ScoredNotes != 1 || report.UsersUpdated != 1 || report.Ratings != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	stored, err := userService.Get(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.HelpfulnessScore != 0.9 {
		t.Fatalf("expected stored helpfulness 0.9, got %v", stored.HelpfulnessScore)
	}
	last, ok := runner.LastReport()
	if !ok || last.Trigger != "manual" || !last.StartedAt.Equal(testNow) {
		t.Fatalf("unexpected last report: %+v (ok=%v)", last, ok)
	}
}

func TestRunOnceBoundsScoringTime(t *testing.T) {
	applier := &recordingApplier{}
	scorer := ScorerFunc(func(ctx context.Context, _ Batch) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	runner, err := NewRunner(RunnerConfig{
		Source:  stubSource{batch: Batch{Notes: []NoteRow{{NoteID: "n"}}}},
		Scorer:  scorer,
		Applier: applier,
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected runner error: %v", err)
	}

	_, err = runner.RunOnce(context.Background(), "timer")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if applier.scores != nil {
		t.Fatalf("expected no scores to be applied after a timeout")
	}
	if _, ok := runner.LastReport(); ok {
		t.Fatalf("expected no successful report")
	}
}

func TestRunOnceSkipsEmptyBatch(t *testing.T) {
	applier := &recordingApplier{}
	runner, err := NewRunner(RunnerConfig{
		Source:  stubSource{err: ErrEmptyBatch},
		Scorer:  ScorerFunc(func(context.Context, Batch) (Result, error) { t.Fatalf("scorer must not run"); return Result{}, nil }),
		Applier: applier,
	})
	if err != nil {
		t.Fatalf("unexpected runner error: %v", err)
	}
	if _, err := runner.RunOnce(context.Background(), "timer"); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected empty batch, got %v", err)
	}
}

func TestSubmitRejectsWhenQueueIsFull(t *testing.T) {
	runner, err := NewRunner(RunnerConfig{
		Source:    stubSource{err: ErrEmptyBatch},
		Scorer:    ScorerFunc(func(context.Context, Batch) (Result, error) { return Result{}, nil }),
		Applier:   &recordingApplier{},
		QueueSize: 2,
	})
	if err != nil {
		t.Fatalf("unexpected runner error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := runner.Submit("manual"); err != nil {
			t.Fatalf("unexpected submit error on job %d: %v", i, err)
		}
	}
	if err := runner.Submit("manual"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestRunDrainsQueuedJobs(t *testing.T) {
	done := make(chan struct{}, 1)
	applier := &recordingApplier{}
	scorer := ScorerFunc(func(context.Context, Batch) (Result, error) {
		return Result{HelpfulScores: []HelpfulScore{{RaterParticipantID: "u", HelpfulnessScore: 0.5}}}, nil
	})
	runner, err := NewRunner(RunnerConfig{
		Source:  stubSource{batch: Batch{Notes: []NoteRow{{NoteID: "n"}}}},
		Scorer:  scorer,
		Applier: ApplierFunc(func(ctx context.Context, scores map[string]float64) (int, error) {
			count, err := applier.ApplyHelpfulnessScores(ctx, scores)
			done <- struct{}{}
			return count, err
		}),
	})
	if err != nil {
		t.Fatalf("unexpected runner error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- runner.Run(ctx) }()

	if err := runner.Submit("manual"); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the queued job")
	}
	cancel()
	if err := <-errs; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}
