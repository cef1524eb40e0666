package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opennotes-ai/communitynotes/internal/config"
	"github.com/opennotes-ai/communitynotes/internal/database"
	"github.com/opennotes-ai/communitynotes/internal/engine"
	"github.com/opennotes-ai/communitynotes/internal/logging"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const cliActorID = "cli"

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opennotes-engine",
		Short: "Community notes engagement and notification engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *zap.Logger) error {
				return e.Run(ctx)
			})
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(migrateCommand(), scoreCommand(), maintenanceCommand(), purgeMessageCommand(), purgeServerCommand(), issueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Int("stream-token-ttl-seconds", defaults.GetInt("auth.stream_token_ttl_seconds"), "Notification stream token TTL in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("scoring-endpoint", defaults.GetString("scoring.endpoint"), "External scorer URL; empty disables scoring")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.stream_token_ttl_seconds", "stream-token-ttl-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "scoring.endpoint", "scoring-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func withEngine(ctx context.Context, run func(ctx context.Context, e *engine.Engine, logger *zap.Logger) error) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	e, err := engine.New(appConfig, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(signalCtx, e, logger)
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func scoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Run one scoring pass against the configured scorer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, logger *zap.Logger) error {
				report, err := e.ScoreNow(ctx, cliActorID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scored %d notes, %d ratings, updated %d users in %s\n",
					report.Notes, report.Ratings, report.UsersUpdated, report.Duration)
				return nil
			})
		},
	}
}

func maintenanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Sweep pending thresholds, recover leases and prune rate limits once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, logger *zap.Logger) error {
				report, err := e.Scheduler.RunMaintenance(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "swept %d thresholds, recovered %d leases, pruned %d limits\n",
					report.ThresholdsSwept, report.LeasesRecovered, report.LimitsPruned)
				return err
			})
		},
	}
}

func purgeMessageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-message <message-id>",
		Short: "Delete a message with its notes, ratings, requests and flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, logger *zap.Logger) error {
				report, err := e.Purger.DeleteMessage(ctx, cliActorID, trust.LevelAdmin, args[0])
				if err != nil {
					return err
				}
				logger.Info("message purged", zap.String("message_id", args[0]), zap.Int64("notes", report.Notes))
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d notes, %d ratings, %d requests, %d flags\n",
					report.Notes, report.Ratings, report.Requests, report.ModerationEntries)
				return nil
			})
		},
	}
}

func purgeServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-server <server-id>",
		Short: "Delete a server with its members, messages and everything under them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, logger *zap.Logger) error {
				report, err := e.Purger.DeleteServer(ctx, cliActorID, trust.LevelAdmin, args[0])
				if err != nil {
					return err
				}
				logger.Info("server purged", zap.String("server_id", args[0]), zap.Int64("messages", report.Messages))
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d members, %d messages, %d notes, %d flags\n",
					report.Members, report.Messages, report.Notes, report.ModerationEntries)
				return nil
			})
		},
	}
}

func issueTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Print a bearer token for the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, _, err := loadRuntime()
			if err != nil {
				return err
			}
			e, err := engine.New(appConfig, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			token, expiresAt, err := e.Tokens.Sign(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
}
