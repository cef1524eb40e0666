package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/ratelimit"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "OPENNOTES"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "opennotes.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultAuthIssuer          = "opennotes-auth"
	defaultAuthAudience        = "opennotes-api"
	defaultTokenTTLMinutes     = 60
	defaultStreamTokenTTL      = 60
	defaultTriggerThreshold    = 3
	defaultScoringSchedule     = "0 */6 * * *"
	defaultMaintenanceSchedule = "@every 5m"
	defaultEnvFile             = ".env"
)

// AppConfig captures runtime configuration for the engine process.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	Auth         AuthConfig
	Engine       EngineConfig
}

// AuthConfig configures bearer tokens. StreamTokenTTL bounds the tokens handed
// to EventSource clients, which can only pass credentials in the URL.
type AuthConfig struct {
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	StreamTokenTTL time.Duration
}

// EngineConfig is the immutable tuning passed to every component.
type EngineConfig struct {
	TriggerThreshold int
	Quotas           ratelimit.Quotas
	NotePolicy       notes.Policy
	Notifications    NotificationConfig
	Scoring          ScoringConfig
	Maintenance      MaintenanceConfig
}

// NotificationConfig tunes the queue and dispatcher.
type NotificationConfig struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Workers      int
	PollInterval time.Duration
	ClaimLimit   int
	SendTimeout  time.Duration
}

// ScoringConfig tunes the batch scoring pipeline. An empty Endpoint disables it.
type ScoringConfig struct {
	Enabled   bool
	Schedule  string
	Endpoint  string
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

// Active reports whether scoring runs can be submitted.
func (c ScoringConfig) Active() bool {
	return c.Enabled && strings.TrimSpace(c.Endpoint) != ""
}

// MaintenanceConfig schedules the periodic sweeps.
type MaintenanceConfig struct {
	Schedule string
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = defaultEnvFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.stream_token_ttl_seconds", defaultStreamTokenTTL)

	configViper.SetDefault("requests.trigger_threshold", defaultTriggerThreshold)

	configViper.SetDefault("ratelimit.newcomer_per_day", 5)
	configViper.SetDefault("ratelimit.contributor_per_day", 10)
	configViper.SetDefault("ratelimit.trusted_per_day", 20)
	configViper.SetDefault("ratelimit.general_per_hour", 100)
	configViper.SetDefault("ratelimit.window_mode", string(ratelimit.WindowRolling))

	policy := notes.DefaultPolicy()
	configViper.SetDefault("notes.min_ratings", policy.MinRatings)
	configViper.SetDefault("notes.visibility_threshold", policy.VisibilityThreshold)
	configViper.SetDefault("notes.duplicate_rating_policy", string(policy.DuplicateRatings))
	configViper.SetDefault("notes.frozen_rating_policy", string(policy.FrozenRatings))
	for _, level := range trust.Levels() {
		configViper.SetDefault("notes.rating_weights."+string(level), policy.Weights[level])
	}
	configViper.SetDefault("notes.milestones", policy.Milestones)

	configViper.SetDefault("notifications.max_attempts", 3)
	configViper.SetDefault("notifications.backoff_base_seconds", 30)
	configViper.SetDefault("notifications.backoff_max_seconds", 3600)
	configViper.SetDefault("notifications.workers", 4)
	configViper.SetDefault("notifications.poll_interval_seconds", 5)
	configViper.SetDefault("notifications.claim_limit", 50)
	configViper.SetDefault("notifications.send_timeout_seconds", 10)

	configViper.SetDefault("scoring.enabled", true)
	configViper.SetDefault("scoring.schedule", defaultScoringSchedule)
	configViper.SetDefault("scoring.endpoint", "")
	configViper.SetDefault("scoring.timeout_seconds", 120)
	configViper.SetDefault("scoring.workers", 1)
	configViper.SetDefault("scoring.queue_size", 4)

	configViper.SetDefault("maintenance.schedule", defaultMaintenanceSchedule)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	engine, err := LoadEngine(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		Auth: AuthConfig{
			SigningSecret:  configViper.GetString("auth.signing_secret"),
			Issuer:         configViper.GetString("auth.issuer"),
			Audience:       configViper.GetString("auth.audience"),
			TokenTTL:       minutes(configViper.GetInt("auth.token_ttl_minutes")),
			StreamTokenTTL: time.Duration(configViper.GetInt("auth.stream_token_ttl_seconds")) * time.Second,
		},
		Engine: engine,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadEngine parses and validates the engine tuning alone.
func LoadEngine(configViper *viper.Viper) (EngineConfig, error) {
	weights := make(map[trust.Level]float64, len(trust.Levels()))
	for _, level := range trust.Levels() {
		weights[level] = configViper.GetFloat64("notes.rating_weights." + string(level))
	}
	engine := EngineConfig{
		TriggerThreshold: configViper.GetInt("requests.trigger_threshold"),
		Quotas: ratelimit.Quotas{
			NewcomerPerDay:    configViper.GetInt("ratelimit.newcomer_per_day"),
			ContributorPerDay: configViper.GetInt("ratelimit.contributor_per_day"),
			TrustedPerDay:     configViper.GetInt("ratelimit.trusted_per_day"),
			GeneralPerHour:    configViper.GetInt("ratelimit.general_per_hour"),
			WindowMode:        ratelimit.WindowMode(strings.ToLower(configViper.GetString("ratelimit.window_mode"))),
		},
		NotePolicy: notes.Policy{
			MinRatings:          configViper.GetInt("notes.min_ratings"),
			VisibilityThreshold: configViper.GetFloat64("notes.visibility_threshold"),
			DuplicateRatings:    notes.DuplicateRatingPolicy(strings.ToLower(configViper.GetString("notes.duplicate_rating_policy"))),
			FrozenRatings:       notes.FrozenRatingPolicy(strings.ToLower(configViper.GetString("notes.frozen_rating_policy"))),
			Weights:             weights,
			Milestones:          configViper.GetIntSlice("notes.milestones"),
		},
		Notifications: NotificationConfig{
			MaxAttempts:  configViper.GetInt("notifications.max_attempts"),
			BackoffBase:  seconds(configViper.GetInt("notifications.backoff_base_seconds")),
			BackoffMax:   seconds(configViper.GetInt("notifications.backoff_max_seconds")),
			Workers:      configViper.GetInt("notifications.workers"),
			PollInterval: seconds(configViper.GetInt("notifications.poll_interval_seconds")),
			ClaimLimit:   configViper.GetInt("notifications.claim_limit"),
			SendTimeout:  seconds(configViper.GetInt("notifications.send_timeout_seconds")),
		},
		Scoring: ScoringConfig{
			Enabled:   configViper.GetBool("scoring.enabled"),
			Schedule:  configViper.GetString("scoring.schedule"),
			Endpoint:  strings.TrimSpace(configViper.GetString("scoring.endpoint")),
			Timeout:   seconds(configViper.GetInt("scoring.timeout_seconds")),
			Workers:   configViper.GetInt("scoring.workers"),
			QueueSize: configViper.GetInt("scoring.queue_size"),
		},
		Maintenance: MaintenanceConfig{
			Schedule: configViper.GetString("maintenance.schedule"),
		},
	}
	if err := engine.validate(); err != nil {
		return EngineConfig{}, err
	}
	return engine, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" || strings.TrimSpace(c.Auth.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Auth.StreamTokenTTL <= 0 || c.Auth.StreamTokenTTL > c.Auth.TokenTTL {
		return fmt.Errorf("auth.stream_token_ttl_seconds must be positive and no longer than the token ttl")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func (c EngineConfig) validate() error {
	if c.TriggerThreshold < 1 {
		return fmt.Errorf("requests.trigger_threshold must be at least 1")
	}
	if err := c.Quotas.Validate(); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	if err := c.NotePolicy.Validate(); err != nil {
		return fmt.Errorf("notes: %w", err)
	}
	if c.Notifications.MaxAttempts < 1 || c.Notifications.Workers < 1 || c.Notifications.ClaimLimit < 1 {
		return fmt.Errorf("notifications: max_attempts, workers and claim_limit must be positive")
	}
	if c.Notifications.BackoffBase <= 0 || c.Notifications.BackoffMax < c.Notifications.BackoffBase {
		return fmt.Errorf("notifications: backoff_max_seconds must be at least backoff_base_seconds")
	}
	if c.Scoring.Timeout <= 0 || c.Scoring.Workers < 1 || c.Scoring.QueueSize < 1 {
		return fmt.Errorf("scoring: timeout_seconds, workers and queue_size must be positive")
	}
	if strings.TrimSpace(c.Maintenance.Schedule) == "" {
		return fmt.Errorf("maintenance.schedule is required")
	}
	return nil
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func minutes(value int) time.Duration {
	return time.Duration(value) * time.Minute
}
