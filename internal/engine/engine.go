package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/auth"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/config"
	"github.com/opennotes-ai/communitynotes/internal/database"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/notify"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/scheduler"
	"github.com/opennotes-ai/communitynotes/internal/scoring"
	"github.com/opennotes-ai/communitynotes/internal/server"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	methodLog       = "log"
	shutdownTimeout = 10 * time.Second
	readTimeout     = 15 * time.Second
)

// ErrScoringDisabled reports that no scoring endpoint is configured.
var ErrScoringDisabled = errors.New("scoring is disabled")

// Engine holds every wired component of one process.
type Engine struct {
	cfg    config.AppConfig
	logger *zap.Logger
	clock  func() time.Time

	DB         *gorm.DB
	Users      *users.Service
	Community  *community.Service
	Engagement *engagement.Service
	Notes      *notes.Service
	Moderation *moderation.Service
	Queue      *notify.Queue
	Stream     *notify.StreamSender
	Dispatcher *notify.Dispatcher
	Limiter    *ratelimit.Limiter
	Purger     *database.Purger
	Tokens     *auth.TokenIssuer
	APIKeys    *auth.APIKeyService
	Runner     *scoring.Runner
	Scheduler  *scheduler.Scheduler
	Handler    http.Handler
}

// New opens the database, applies migrations and wires the components.
func New(cfg config.AppConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	engine, err := wire(cfg, db, time.Now, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return engine, nil
}

func wire(cfg config.AppConfig, db *gorm.DB, clock func() time.Time, logger *zap.Logger) (*Engine, error) {
	tuning := cfg.Engine
	idProvider := ids.NewUUIDProvider()

	sink, err := audit.NewGormSink(db, clock)
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock, Audit: sink, Logger: logger})
	if err != nil {
		return nil, err
	}
	communityService, err := community.NewService(community.ServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Audit: sink, Logger: logger})
	if err != nil {
		return nil, err
	}
	queue, err := notify.NewQueue(notify.QueueConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  idProvider,
		MaxAttempts: tuning.Notifications.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{Database: db, Quotas: tuning.Quotas, Logger: logger})
	if err != nil {
		return nil, err
	}
	engagementService, err := engagement.NewService(engagement.ServiceConfig{
		Database:         db,
		Clock:            clock,
		IDProvider:       idProvider,
		Limiter:          limiter,
		Queue:            queue,
		TriggerThreshold: tuning.TriggerThreshold,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: idProvider,
		Queue:      queue,
		Policy:     tuning.NotePolicy,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	moderationService, err := moderation.NewService(moderation.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: idProvider,
		Notes:      noteService,
		Queue:      queue,
		Audit:      sink,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	stream := notify.NewStreamSender(clock)
	logSender := notify.NewLogSender(logger)
	sender := notify.NewRouterSender(map[string]notify.ChannelSender{
		users.MethodStream: stream,
		methodLog:          logSender,
	}, users.MethodStream).WithOfflineChannel(logSender)
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Database:     db,
		Clock:        clock,
		Sender:       sender,
		Renderer:     notify.NewRenderer(),
		Audit:        sink,
		Logger:       logger,
		BackoffBase:  tuning.Notifications.BackoffBase,
		BackoffMax:   tuning.Notifications.BackoffMax,
		SendTimeout:  tuning.Notifications.SendTimeout,
		ClaimLimit:   tuning.Notifications.ClaimLimit,
		Workers:      tuning.Notifications.Workers,
		PollInterval: tuning.Notifications.PollInterval,
	})
	if err != nil {
		return nil, err
	}

	purger, err := database.NewPurger(database.PurgerConfig{Database: db, Audit: sink, Logger: logger})
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.Auth.SigningSecret),
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		TokenTTL:      cfg.Auth.TokenTTL,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}
	streamTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.Auth.SigningSecret),
		Issuer:        cfg.Auth.Issuer,
		Audience:      auth.StreamAudience(cfg.Auth.Audience),
		TokenTTL:      cfg.Auth.StreamTokenTTL,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}
	apiKeys, err := auth.NewAPIKeyService(auth.APIKeyServiceConfig{Database: db, Clock: clock, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, err
	}
	authenticator, err := auth.NewAuthenticator(tokens, apiKeys)
	if err != nil {
		return nil, err
	}

	var (
		runner    *scoring.Runner
		submitter scheduler.ScoringSubmitter
		trigger   server.ScoringTrigger
	)
	if tuning.Scoring.Active() {
		runner, err = newScoringRunner(tuning.Scoring, db, userService, clock, logger)
		if err != nil {
			return nil, err
		}
		submitter = runner
		trigger = runner
	} else {
		logger.Info("scoring disabled", zap.Bool("enabled", tuning.Scoring.Enabled))
	}

	scoringSchedule := ""
	if runner != nil {
		scoringSchedule = tuning.Scoring.Schedule
	}
	jobs, err := scheduler.New(scheduler.Config{
		ScoringSchedule:     scoringSchedule,
		MaintenanceSchedule: tuning.Maintenance.Schedule,
		Scoring:             submitter,
		Sweeper:             engagementService,
		Leases:              queue,
		Limits:              limiter,
		Clock:               clock,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
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
		Scoring:       trigger,
		Purger:        purger,
		Limiter:       limiter,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		DB:         db,
		Users:      userService,
		Community:  communityService,
		Engagement: engagementService,
		Notes:      noteService,
		Moderation: moderationService,
		Queue:      queue,
		Stream:     stream,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Purger:     purger,
		Tokens:     tokens,
		APIKeys:    apiKeys,
		Runner:     runner,
		Scheduler:  jobs,
		Handler:    handler,
	}, nil
}

func newScoringRunner(cfg config.ScoringConfig, db *gorm.DB, applier scoring.HelpfulnessApplier, clock func() time.Time, logger *zap.Logger) (*scoring.Runner, error) {
	collector, err := scoring.NewCollector(db)
	if err != nil {
		return nil, err
	}
	scorer, err := scoring.NewHTTPScorer(cfg.Endpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, err
	}
	return scoring.NewRunner(scoring.RunnerConfig{
		Source:    collector,
		Scorer:    scorer,
		Applier:   applier,
		Timeout:   cfg.Timeout,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Clock:     clock,
		Logger:    logger,
	})
}

// Run serves HTTP and drives the dispatcher, the scoring workers and the
// scheduler until ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              e.cfg.HTTPAddress,
		Handler:           e.Handler,
		ReadHeaderTimeout: readTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e.logger.Info("server starting", zap.String("address", e.cfg.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return e.Dispatcher.Run(groupCtx)
	})
	if e.Runner != nil {
		group.Go(func() error {
			return e.Runner.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return e.Scheduler.Run(groupCtx)
	})

	err := group.Wait()
	e.logger.Info("engine stopped", zap.Error(err))
	return err
}

// ScoreNow runs one scoring pass synchronously.
func (e *Engine) ScoreNow(ctx context.Context, trigger string) (scoring.Report, error) {
	if e.Runner == nil {
		return scoring.Report{}, ErrScoringDisabled
	}
	return e.Runner.RunOnce(ctx, trigger)
}

// Close releases the database handle.
func (e *Engine) Close() error {
	sqlDB, err := e.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
