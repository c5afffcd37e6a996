package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
}

const defaultAddress = "http://127.0.0.1:8200"

var cfg CLIConfig

func configPath() string {
	if v := os.Getenv("CONSENTVAULT_CLI_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".consentvault", "config.yaml")
}

// loadConfig reads the config file if present. A malformed file is
// reported and ignored.
func loadConfig() {
	cfg = CLIConfig{Address: defaultAddress}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring %s: %v\n", configPath(), err)
		cfg = CLIConfig{Address: defaultAddress}
	}
}

// effective applies VAULT_ADDR, VAULT_TOKEN and VAULT_CACERT over the file values.
func (c CLIConfig) effective() CLIConfig {
	for env, dst := range map[string]*string{
		"VAULT_ADDR":   &c.Address,
		"VAULT_TOKEN":  &c.Token,
		"VAULT_CACERT": &c.TLSCACert,
	} {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	if c.Address == "" {
		c.Address = defaultAddress
	}
	return c
}

// saveConfig persists the CLI config with owner-only permissions, since it may hold a token.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
