package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberchat/relay/internal/config"
	"github.com/emberchat/relay/internal/gateway"
	"github.com/emberchat/relay/internal/identity"
	"github.com/emberchat/relay/internal/logging"
	"github.com/emberchat/relay/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		instance string
		bind     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the configured relay instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if bind != "" {
				for i := range cfg.Instances {
					cfg.Instances[i].Bind = bind
				}
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			instances := cfg.Instances
			if instance != "" {
				instances = nil
				for _, inst := range cfg.Instances {
					if inst.Name == instance {
						instances = append(instances, inst)
					}
				}
				if len(instances) == 0 {
					return fmt.Errorf("no instance named %q in config", instance)
				}
			}

			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			runLog := buildRunLogger(cfg.Logging)

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = filepath.Join(paths.Data, "relay.db")
			}
			db, err := store.Open(dbPath, runLog)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer db.Close()
			runLog.Info().Str("path", dbPath).Msg("store opened")

			tokenStore := store.NewTokenStore(db)
			history := store.NewHistoryStore(db)
			offline := store.NewOfflineStore(db)

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go runRetentionSweep(ctx, cfg.Store, tokenStore, history, offline, runLog)

			errCh := make(chan error, len(instances))
			for _, inst := range instances {
				tokens := identity.NewService(tokenStore, inst.Namespace,
					time.Duration(inst.TokenTTLMinutes)*time.Minute, runLog)
				srv := gateway.New(inst, tokens, history, offline, runLog)
				go func() {
					errCh <- srv.Start(ctx)
				}()
			}

			var firstErr error
			for range instances {
				if err := <-errCh; err != nil && firstErr == nil {
					firstErr = err
					stop()
				}
			}
			return firstErr
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "run only the named instance")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode for all instances (loopback, lan, custom)")

	return cmd
}

// buildRunLogger creates the serve-time logger from config, preferring the
// --log-level flag when given.
func buildRunLogger(cfg config.LoggingConfig) *logging.Logger {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}

	if cfg.File != "" {
		w, err := logging.FileWriter(cfg.File)
		if err == nil {
			return logging.New(w, level)
		}
		log.Warn().Err(err).Str("path", cfg.File).Msg("cannot open log file, logging to console")
	}
	return logging.New(logging.Console(cfg.ConsoleStyle), level)
}

// runRetentionSweep periodically drops expired tokens, pushed offline
// entries past retention, and history past retention.
func runRetentionSweep(ctx context.Context, cfg config.StoreConfig,
	tokens *store.TokenStore, history *store.HistoryStore, offline *store.OfflineStore, log *logging.Logger) {
	log = log.Sub("sweep")
	interval := time.Duration(cfg.SweepMinutes) * time.Minute
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			expired := tokens.DeleteExpired(time.Now())
			pushed := offline.PurgePushedBefore(cutoff)
			old := history.PurgeBefore(cutoff)
			if expired+pushed+old > 0 {
				log.Info().
					Int64("tokens", expired).
					Int64("offline", pushed).
					Int64("history", old).
					Msg("retention sweep complete")
			}
		}
	}
}
