package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type notaryConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
}

type embeddedConfig struct {
	DataPath string `yaml:"data_path"`
	Port     uint32 `yaml:"port"`
}

type config struct {
	ListenAddr      string         `yaml:"listen_addr"`
	TLSCertFile     string         `yaml:"tls_cert"`
	TLSKeyFile      string         `yaml:"tls_key"`
	Storage         string         `yaml:"storage"`
	DBUrl           string         `yaml:"db_url"`
	MigrationsDir   string         `yaml:"migrations_dir"`
	Embedded        embeddedConfig `yaml:"embedded"`
	UnsealThreshold int            `yaml:"unseal_threshold"`
	LogLevel        string         `yaml:"log_level"`
	JWTSecret       string         `yaml:"jwt_secret"`
	TokenTTL        time.Duration  `yaml:"token_ttl"`
	SweepInterval   time.Duration  `yaml:"sweep_interval"`
	StaleAfter      time.Duration  `yaml:"stale_after"`
	ProofProvider   string         `yaml:"proof_provider"`
	RateLimit       int            `yaml:"rate_limit"`
	RateBurst       int            `yaml:"rate_burst"`
	SeedFile        string         `yaml:"seed_file"`
	Notary          notaryConfig   `yaml:"notary"`
}

func defaultConfig() config {
	return config{
		ListenAddr:      ":8200",
		Storage:         "postgres",
		MigrationsDir:   "migrations",
		UnsealThreshold: 3,
		LogLevel:        "info",
		TokenTTL:        24 * time.Hour,
		SweepInterval:   time.Minute,
		ProofProvider:   "hmac",
	}
}

// loadConfig reads the yaml file (missing is fine), then .env, then env overrides.
func loadConfig(path string) (config, bool, error) {
	cfg := defaultConfig()
	found := false
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, true, fmt.Errorf("parsing %s: %w", path, err)
		}
		found = true
	}

	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	if v := os.Getenv("VAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("VAULT_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("VAULT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("VAULT_NOTARY_URL"); v != "" {
		cfg.Notary.URL = v
	}
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, found, nil
}
