package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/consentvault/internal/api"
	"github.com/org/consentvault/internal/audit"
	"github.com/org/consentvault/internal/consent"
	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/notary"
	"github.com/org/consentvault/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("VAULT_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := loadConfig(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStorage(ctx, cfg)
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)

	var sink notary.Sink = &notary.LogSink{}
	if cfg.Notary.URL != "" {
		sink = notary.NewHTTPSink(cfg.Notary.URL, cfg.Notary.Timeout)
	}
	notarizer := audit.NewNotarizer(sink, store, audit.NotarizerConfig{
		QueueSize: cfg.Notary.QueueSize,
		Workers:   cfg.Notary.Workers,
		Timeout:   cfg.Notary.Timeout,
	}, m)
	notarizer.Start(ctx)
	defer notarizer.Stop()

	srv, err := api.NewServer(store, api.Config{
		ListenAddr:      cfg.ListenAddr,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
		UnsealThreshold: cfg.UnsealThreshold,
		JWTSecret:       cfg.JWTSecret,
		TokenTTL:        cfg.TokenTTL,
		StaleAfter:      cfg.StaleAfter,
		ProofProvider:   cfg.ProofProvider,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
	}, api.WithNotarizer(notarizer), api.WithMetrics(m))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	if err := srv.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore seal configuration")
	}
	initialized, err := store.IsInitialized(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check init state")
	}
	if !initialized {
		log.Info().Msg("vault not yet initialized - POST /v1/sys/init to initialize")
	} else {
		log.Info().Msg("vault initialized - POST /v1/sys/unseal with key shares to unseal")
	}

	if cfg.SeedFile != "" {
		if _, err := srv.Directory().SeedFile(ctx, cfg.SeedFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.SeedFile).Msg("failed to seed principals")
		}
	}

	go consent.NewSweeper(srv.Consent(), cfg.SweepInterval).Run(ctx)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// openStorage selects the backend and applies migrations to SQL stores.
func openStorage(ctx context.Context, cfg config) (storage.StorageBackend, func()) {
	switch cfg.Storage {
	case "memory":
		log.Warn().Msg("using in-memory storage; all data is lost on exit")
		return storage.NewMemoryBackend(), func() {}

	case "embedded":
		db, err := storage.StartEmbedded(storage.EmbeddedConfig{
			DataPath: cfg.Embedded.DataPath,
			Port:     cfg.Embedded.Port,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start embedded postgres")
		}
		store := openPostgres(ctx, db.DSN(), cfg.MigrationsDir)
		return store, func() {
			store.Close()
			if err := db.Stop(); err != nil {
				log.Error().Err(err).Msg("stopping embedded postgres")
			}
		}

	case "postgres", "":
		if cfg.DBUrl == "" {
			log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
		}
		store := openPostgres(ctx, cfg.DBUrl, cfg.MigrationsDir)
		return store, store.Close

	default:
		log.Fatal().Str("storage", cfg.Storage).Msg("unknown storage backend")
		return nil, nil
	}
}

func openPostgres(ctx context.Context, dsn, migrationsDir string) *storage.PostgresBackend {
	if err := storage.RunMigrations(dsn, migrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	store, err := storage.NewPostgresBackend(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	return store
}
