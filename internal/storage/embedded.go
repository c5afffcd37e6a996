package storage

import (
	"fmt"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/rs/zerolog/log"
)

// EmbeddedConfig configures a local PostgreSQL process for single-node and dev deployments.
type EmbeddedConfig struct {
	DataPath string
	Port     uint32
	Database string
	Username string
	Password string
}

// EmbeddedDB is a running embedded PostgreSQL instance.
type EmbeddedDB struct {
	pg  *embeddedpostgres.EmbeddedPostgres
	dsn string
}

// StartEmbedded launches PostgreSQL in-process and returns its connection URL via DSN.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedDB, error) {
	if cfg.Port == 0 {
		cfg.Port = 5433
	}
	if cfg.Database == "" {
		cfg.Database = "consentvault"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "postgres"
	}

	pgCfg := embeddedpostgres.DefaultConfig().
		Port(cfg.Port).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(cfg.Password)
	if cfg.DataPath != "" {
		pgCfg = pgCfg.DataPath(cfg.DataPath)
	}

	pg := embeddedpostgres.NewDatabase(pgCfg)
	if err := pg.Start(); err != nil {
		return nil, fmt.Errorf("starting embedded postgres: %w", err)
	}
	log.Info().Uint32("port", cfg.Port).Msg("embedded postgres started")

	return &EmbeddedDB{
		pg: pg,
		dsn: fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
			cfg.Username, cfg.Password, cfg.Port, cfg.Database),
	}, nil
}

// DSN returns the connection URL for the running instance.
func (e *EmbeddedDB) DSN() string { return e.dsn }

// Stop shuts the embedded instance down.
func (e *EmbeddedDB) Stop() error {
	return e.pg.Stop()
}
