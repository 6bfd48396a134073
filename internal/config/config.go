package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	MaxPageSize          = 1000
	MaxBatchSize         = 500
	MaxLookupConcurrency = 10
)

// Config represents the application configuration. It is built once by Load
// and handed to every adapter; nothing below the CLI reads the environment.
type Config struct {
	StoreDriver string `yaml:"store_driver"`
	StoreDSN    string `yaml:"store_dsn"`

	SourceURL   string `yaml:"source_url"`
	SourceToken string `yaml:"source_token"`

	PlatformURL   string `yaml:"platform_url"`
	PlatformToken string `yaml:"platform_token"`

	PageSize          int `yaml:"page_size"`
	BatchSize         int `yaml:"batch_size"`
	LookupConcurrency int `yaml:"lookup_concurrency"`

	RedisAddr string        `yaml:"redis_addr"`
	LockTTL   time.Duration `yaml:"lock_ttl"`

	SplitWindow   time.Duration `yaml:"split_window"`
	OverridesPath string        `yaml:"overrides_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Output    string `yaml:"output"`
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		StoreDriver:       DriverSQLite,
		PageSize:          MaxPageSize,
		BatchSize:         200,
		LookupConcurrency: 5,
		LockTTL:           10 * time.Minute,
		SplitWindow:       30 * time.Minute,
		PlatformURL:       "https://api.line.me",
		LogLevel:          "info",
		LogFormat:         "console",
		Output:            "table",
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/recon/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := Default()

	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	_ = loadYAMLConfig(cfg)

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.StoreDSN == "" && cfg.StoreDriver == DriverSQLite {
		if _, err := os.Stat(".recon/recon.db"); err == nil {
			cfg.StoreDSN = ".recon/recon.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.StoreDSN = filepath.Join(homeDir, ".local", "share", "recon", "recon.db")
		}
	}

	cfg.clamp()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("RECON_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := getEnvOrFile("RECON_STORE_DSN", "RECON_STORE_DSN_FILE"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("RECON_SOURCE_URL"); v != "" {
		cfg.SourceURL = v
	}
	if v := getEnvOrFile("RECON_SOURCE_TOKEN", "RECON_SOURCE_TOKEN_FILE"); v != "" {
		cfg.SourceToken = v
	}
	if v := os.Getenv("RECON_PLATFORM_URL"); v != "" {
		cfg.PlatformURL = v
	}
	if v := getEnvOrFile("RECON_PLATFORM_TOKEN", "RECON_PLATFORM_TOKEN_FILE"); v != "" {
		cfg.PlatformToken = v
	}
	if v := os.Getenv("RECON_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("RECON_OVERRIDES"); v != "" {
		cfg.OverridesPath = v
	}
	if v := os.Getenv("RECON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RECON_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RECON_OUTPUT"); v != "" {
		cfg.Output = v
	}

	ints := map[string]*int{
		"RECON_PAGE_SIZE":          &cfg.PageSize,
		"RECON_BATCH_SIZE":         &cfg.BatchSize,
		"RECON_LOOKUP_CONCURRENCY": &cfg.LookupConcurrency,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"RECON_LOCK_TTL":     &cfg.LockTTL,
		"RECON_SPLIT_WINDOW": &cfg.SplitWindow,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = d
	}

	return nil
}

// clamp keeps sizes inside the limits the store and third-party APIs accept.
func (c *Config) clamp() {
	c.PageSize = clampInt(c.PageSize, 1, MaxPageSize)
	c.BatchSize = clampInt(c.BatchSize, 1, MaxBatchSize)
	c.LookupConcurrency = clampInt(c.LookupConcurrency, 1, MaxLookupConcurrency)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported store driver %q (want %s or %s)", c.StoreDriver, DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		return fmt.Errorf("store DSN not configured (set RECON_STORE_DSN or use --db)")
	}
	return nil
}

// RequireSource reports whether the spreadsheet endpoint is configured.
func (c *Config) RequireSource() error {
	if c.SourceURL == "" {
		return fmt.Errorf("source URL not configured (set RECON_SOURCE_URL)")
	}
	if c.SourceToken == "" {
		return fmt.Errorf("source token not configured (set RECON_SOURCE_TOKEN)")
	}
	return nil
}

// loadYAMLConfig loads configuration from ~/.config/recon/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "recon", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}
