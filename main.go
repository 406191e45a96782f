package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-gateway/config"
	"whatsapp-gateway/dashboard"
	"whatsapp-gateway/fault"
	"whatsapp-gateway/mirror"
	"whatsapp-gateway/scheduler"
	"whatsapp-gateway/types"
	"whatsapp-gateway/utils"
	"whatsapp-gateway/webhook"
	"whatsapp-gateway/whatsapp"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
)

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func openDatabase(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	var db *sql.DB
	err := utils.WithRetry(ctx, func() error {
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return err
		}
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return err
		}
		db = conn
		return nil
	}, utils.DefaultRetryConfig(), func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("Database not ready")
	})
	return db, err
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	auth, err := whatsapp.NewSQLAuthStore(ctx, db, waLog.Zerolog(logger.With().Str("module", "store").Logger()))
	if err != nil {
		return err
	}
	mirrors, err := mirror.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}

	allow, unknown := webhook.ParseAllowList(cfg.WebhookAllowedEvents)
	if len(unknown) > 0 {
		logger.Warn().Strs("names", unknown).Msg("Ignoring unknown webhook event names")
	}
	hooks := webhook.NewDispatcher(webhook.Options{
		Allow:   allow,
		Timeout: cfg.WebhookTimeout,
		Workers: cfg.WebhookWorkers,
	}, logger)

	defaultHook := types.Webhook{Enabled: cfg.WebhookEnabled, Endpoint: cfg.WebhookURL}
	clk := clock.New()
	registry := whatsapp.NewRegistry(whatsapp.Options{
		MaxRetryQR:      cfg.InstanceMaxRetryQR,
		MarkRead:        cfg.MarkMessagesRead,
		Base64Media:     cfg.WebhookBase64,
		Webhook:         defaultHook,
		RestoreInterval: cfg.RestoreInterval,
		SendRate:        rate.Limit(cfg.SendRatePerSecond),
		Clock:           clk,
	}, whatsapp.Deps{
		Dialer: whatsapp.NewWhatsmeowDialer(whatsapp.ClientInfo{
			Browser: cfg.ClientPlatform + " (" + cfg.ClientBrowser + ")",
			Version: cfg.ClientVersion,
		}),
		Auth:     auth,
		Mirrors:  mirrors,
		Hooks:    hooks,
		Detector: fault.NewDetector(logger),
		Logger:   logger,
	})

	if cfg.ResetAllSessionsOnStart {
		logger.Warn().Msg("Dropping every stored session before start")
		if err := auth.DropAll(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to drop stored sessions")
		}
		if err := mirrors.DeleteAll(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to drop chat mirrors")
		}
	}

	server := dashboard.NewServer(registry, dashboard.Options{
		Port:          cfg.Port,
		Token:         cfg.Token,
		ProtectRoutes: cfg.ProtectRoutes,
	}, logger)
	server.Start()

	if cfg.RestoreSessionsOnStartUp {
		go func() {
			if _, err := registry.Restore(ctx); err != nil {
				logger.Error().Err(err).Msg("Session restore aborted")
			}
		}()
	}
	if cfg.DailyResetSessionsAtMidnight {
		go scheduler.NewDaily(registry, hooks, defaultHook, clk, logger).Run(ctx)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	registry.Shutdown()
	hooks.Wait()
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
