// Package config resolves sutra-memoryd's settings from flags, the
// environment, and an optional YAML config file, in that order of
// precedence: flag > env > config file > default.
package config

import (
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/pkg/log"
)

// Config is sutra-memoryd's fully resolved runtime configuration.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	Bind         string `yaml:"bind"`
	Dim          int    `yaml:"dim"`
	Shards       int    `yaml:"shards"`
	EmbeddingURL string `yaml:"embedding_url"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
	MetricsAddr  string `yaml:"metrics_addr"`
	DevMode      bool   `yaml:"dev_mode"`
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`
}

func defaults() Config {
	return Config{
		DataDir:     "./data",
		Bind:        "127.0.0.1:7777",
		Dim:         768,
		Shards:      1,
		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    string(log.InfoLevel),
	}
}

// RegisterFlags attaches the serve command's flags, matching the
// defaults a fresh Config would have.
func RegisterFlags(flags *pflag.FlagSet) {
	d := defaults()
	flags.String("config", "", "path to a YAML config file")
	flags.String("data-dir", d.DataDir, "directory for WAL, snapshot, and coordinator log files")
	flags.String("bind", d.Bind, "listen address for the wire protocol")
	flags.Int("dim", d.Dim, "embedding dimension D; pinned into meta.json on first startup")
	flags.Int("shards", d.Shards, "number of shards (1, 4, 8, or 16)")
	flags.String("embedding-url", d.EmbeddingURL, "HTTP embedding service URL")
	flags.String("tls-cert", "", "TLS certificate path")
	flags.String("tls-key", "", "TLS private key path")
	flags.String("metrics-addr", d.MetricsAddr, "listen address for Prometheus metrics")
	flags.Bool("dev-mode", false, "allow plaintext binding on a loopback address")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs in JSON format")
}

var validShardCounts = map[int]bool{1: true, 4: true, 8: true, 16: true}

// Load resolves a Config from flags, falling back to environment
// variables, then an optional --config YAML file, then defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := defaults()

	if path, _ := flags.GetString("config"); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)
	applyFlags(flags, &cfg)

	if !validShardCounts[cfg.Shards] {
		return nil, storeerr.New(storeerr.ConfigError, "config: --shards must be one of 1, 4, 8, 16")
	}
	if cfg.DataDir == "" {
		return nil, storeerr.New(storeerr.ConfigError, "config: --data-dir is required")
	}
	if cfg.Dim <= 0 {
		return nil, storeerr.New(storeerr.ConfigError, "config: --dim must be positive")
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, storeerr.New(storeerr.ConfigError, "config: --tls-cert and --tls-key must be set together")
	}

	return &cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return storeerr.Wrap(storeerr.ConfigError, "config: read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return storeerr.Wrap(storeerr.ConfigError, "config: parse config file", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("SUTRA_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("SUTRA_EMBEDDING_URL"); ok {
		cfg.EmbeddingURL = v
	}
	if v, ok := os.LookupEnv("SUTRA_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("SUTRA_SHARDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Shards = n
		}
	}
}

func applyFlags(flags *pflag.FlagSet, cfg *Config) {
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("bind") {
		cfg.Bind, _ = flags.GetString("bind")
	}
	if flags.Changed("dim") {
		cfg.Dim, _ = flags.GetInt("dim")
	}
	if flags.Changed("shards") {
		cfg.Shards, _ = flags.GetInt("shards")
	}
	if flags.Changed("embedding-url") {
		cfg.EmbeddingURL, _ = flags.GetString("embedding-url")
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert, _ = flags.GetString("tls-cert")
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey, _ = flags.GetString("tls-key")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("dev-mode") {
		cfg.DevMode, _ = flags.GetBool("dev-mode")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
}
