package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tree strategy selections
const (
	TreeStrategyAuto      = "auto"
	TreeStrategyRecursive = "recursive"
	TreeStrategyIterative = "iterative"
)

// Config represents the application configuration
type Config struct {
	DBDriver           string  `yaml:"db_driver"`
	DBPath             string  `yaml:"db_path"` // sqlite file, or DSN for network drivers
	TreeStrategy       string  `yaml:"tree_strategy"`
	LogLevel           string  `yaml:"log_level"`
	LogFormat          string  `yaml:"log_format"`
	TraceStdout        bool    `yaml:"trace_stdout"`
	Output             string  `yaml:"output"`
	Actor              string  `yaml:"actor"`
	DefaultBatchSize   int     `yaml:"default_batch_size"`
	DefaultPageSize    int     `yaml:"default_page_size"`
	MaxDepth           int     `yaml:"max_depth"`
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold"`
}

// Default returns the built-in configuration before any source is applied.
func Default() *Config {
	return &Config{
		DBDriver:           "sqlite3",
		TreeStrategy:       TreeStrategyAuto,
		LogLevel:           "info",
		LogFormat:          "console",
		Output:             "table",
		DefaultBatchSize:   100,
		DefaultPageSize:    50,
		MaxDepth:           10,
		AutoApplyThreshold: 0.8,
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/boq/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := Default()

	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// The YAML file is optional.
	if homeDir, err := os.UserHomeDir(); err == nil {
		if err := loadYAMLFile(cfg, filepath.Join(homeDir, ".config", "boq", "config.yaml")); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		if _, err := os.Stat(".boq/boq.db"); err == nil {
			cfg.DBPath = ".boq/boq.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.DBPath = filepath.Join(homeDir, ".local", "share", "boq", "boq.db")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values that would otherwise fail deep inside an engine.
func (c *Config) Validate() error {
	switch c.TreeStrategy {
	case TreeStrategyAuto, TreeStrategyRecursive, TreeStrategyIterative:
	default:
		return fmt.Errorf("invalid tree_strategy %q: must be one of: auto, recursive, iterative", c.TreeStrategy)
	}
	if c.DefaultBatchSize < 1 {
		return fmt.Errorf("invalid default_batch_size %d: must be positive", c.DefaultBatchSize)
	}
	if c.DefaultPageSize < 1 {
		return fmt.Errorf("invalid default_page_size %d: must be positive", c.DefaultPageSize)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("invalid max_depth %d: must be positive", c.MaxDepth)
	}
	if c.AutoApplyThreshold < 0 || c.AutoApplyThreshold > 1 {
		return fmt.Errorf("invalid auto_apply_threshold %.2f: must be between 0 and 1", c.AutoApplyThreshold)
	}
	return nil
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if driver := os.Getenv("BOQ_DB_DRIVER"); driver != "" {
		cfg.DBDriver = driver
	}
	if dbPath := getEnvOrFile("BOQ_DB_PATH", "BOQ_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if strategy := os.Getenv("BOQ_TREE_STRATEGY"); strategy != "" {
		cfg.TreeStrategy = strategy
	}
	if logLevel := os.Getenv("BOQ_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat := os.Getenv("BOQ_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if output := os.Getenv("BOQ_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if actor := os.Getenv("BOQ_ACTOR"); actor != "" {
		cfg.Actor = actor
	}
	if v := os.Getenv("BOQ_TRACE_STDOUT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BOQ_TRACE_STDOUT %q: %w", v, err)
		}
		cfg.TraceStdout = b
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"BOQ_BATCH_SIZE", &cfg.DefaultBatchSize},
		{"BOQ_PAGE_SIZE", &cfg.DefaultPageSize},
		{"BOQ_MAX_DEPTH", &cfg.MaxDepth},
	}
	for _, it := range ints {
		if v := os.Getenv(it.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", it.env, v, err)
			}
			*it.dst = n
		}
	}

	if v := os.Getenv("BOQ_AUTO_APPLY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid BOQ_AUTO_APPLY_THRESHOLD %q: %w", v, err)
		}
		cfg.AutoApplyThreshold = f
	}
	return nil
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

// findEnvLocal searches for .env.local from cwd upward, stopping at the
// user's home directory or the filesystem root.
func findEnvLocal() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		homeDir = filepath.Clean(homeDir)
	}

	for dir := filepath.Clean(cwd); ; {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if dir == homeDir || parent == dir {
			return ""
		}
		dir = parent
	}
}
