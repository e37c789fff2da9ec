package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/jurybox/pkg/config"
	"github.com/Mindburn-Labs/jurybox/pkg/observability"
	"github.com/Mindburn-Labs/jurybox/pkg/quota"
	"github.com/Mindburn-Labs/jurybox/pkg/settlement"
)

// services holds the collaborators shared by commands.
type services struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     quota.Store
	gate      *quota.Gate
	outbox    settlement.Outbox
	durable   bool // outbox survives the process
	telemetry *observability.Provider

	closers []func() error
}

// setup loads configuration and opens the configured store.
func setup(ctx context.Context, stderr io.Writer) (*services, error) {
	bootLogger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	config.LoadDotEnv(bootLogger)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	svc := &services{cfg: cfg, logger: logger}
	if err := svc.openStore(ctx); err != nil {
		svc.Close(ctx)
		return nil, err
	}
	svc.gate = quota.NewGate(svc.store, cfg.QuotaConfig(), quota.WithLogger(logger))

	svc.telemetry, err = observability.New(ctx, cfg.ObservabilityConfig(version))
	if err != nil {
		svc.Close(ctx)
		return nil, err
	}
	return svc, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (s *services) openStore(ctx context.Context) error {
	sc := s.cfg.Store
	switch sc.Driver {
	case config.StoreMemory:
		s.store = quota.NewMemoryStore()
		s.outbox = settlement.NewMemoryOutbox()

	case config.StoreSQLite:
		if dir := filepath.Dir(sc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		s.logger.DebugContext(ctx, "lite mode: using sqlite", "path", sc.SQLitePath)
		db, err := sql.Open("sqlite", quota.SQLiteDSN(sc.SQLitePath))
		if err != nil {
			return fmt.Errorf("failed to open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		s.closers = append(s.closers, db.Close)
		store, err := quota.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("failed to init sqlite quota store: %w", err)
		}
		s.store = store
		s.outbox = settlement.NewMemoryOutbox()

	case config.StorePostgres:
		db, err := sql.Open("postgres", sc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		store := quota.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to init postgres quota store: %w", err)
		}
		outbox := settlement.NewPostgresOutbox(db)
		if err := outbox.Init(ctx); err != nil {
			return fmt.Errorf("failed to init settlement outbox: %w", err)
		}
		s.store, s.outbox, s.durable = store, outbox, true

	case config.StoreRedis:
		store := quota.NewRedisStore(sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
		s.closers = append(s.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", sc.RedisAddr, err)
		}
		s.store = store
		s.outbox = settlement.NewMemoryOutbox()

	default:
		return fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	return nil
}

// notifier returns the settlement notifier, or nil when no webhook is set.
func (s *services) notifier() settlement.Notifier {
	wc := s.cfg.Webhook
	if wc.URL == "" {
		return nil
	}
	opts := []settlement.WebhookOption{settlement.WithWebhookLogger(s.logger)}
	if wc.Token != "" {
		opts = append(opts, settlement.WithBearerToken(wc.Token))
	}
	return settlement.NewWebhookNotifier(wc.URL, opts...)
}

// Close releases everything setup opened, last opened first.
func (s *services) Close(ctx context.Context) {
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	if err := errors.Join(errs...); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to close resources", "error", err)
	}
}
