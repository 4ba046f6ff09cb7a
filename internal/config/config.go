// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/trecbench/trecbench/internal/pkg/hash"
)

// Config holds all evaluation pipeline configuration. One immutable
// instance is built per pipeline run.
type Config struct {
	// API configuration (retrieval gateway)
	API APIConfig `yaml:"api"`

	// Retrieval configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Paths configuration
	Paths PathsConfig `yaml:"paths"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// History configuration
	History HistoryConfig `yaml:"history"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// APIConfig holds retrieval gateway connection settings.
type APIConfig struct {
	BaseURL           string        `envconfig:"TRECBENCH_API_URL" yaml:"base_url"`
	APIKey            string        `envconfig:"TRECBENCH_API_KEY" yaml:"api_key"`
	Timeout           time.Duration `envconfig:"TRECBENCH_API_TIMEOUT" yaml:"timeout"`
	MaxRetries        int           `envconfig:"TRECBENCH_API_MAX_RETRIES" yaml:"max_retries"`
	RetryBackoff      time.Duration `envconfig:"TRECBENCH_API_RETRY_BACKOFF" yaml:"retry_backoff"`
	Concurrency       int           `envconfig:"TRECBENCH_API_CONCURRENCY" yaml:"concurrency"`
	RequestsPerSecond float64       `envconfig:"TRECBENCH_API_RPS" yaml:"requests_per_second"`
}

// RetrievalConfig holds retrieval request settings.
type RetrievalConfig struct {
	Mode      string `envconfig:"TRECBENCH_MODE" yaml:"mode"`
	TopK      int    `envconfig:"TRECBENCH_TOP_K" yaml:"top_k"`
	RunCap    int    `envconfig:"TRECBENCH_RUN_CAP" yaml:"run_cap"`
	BatchSize int    `envconfig:"TRECBENCH_BATCH_SIZE" yaml:"batch_size"`
}

// MetricsConfig holds metric cutoffs and KPI targets.
type MetricsConfig struct {
	Cutoffs []int `yaml:"cutoffs"`

	// Targets maps metric display names (e.g. "nDCG@10") to KPI targets.
	Targets map[string]float64 `yaml:"targets"`

	// WarnBand is the relative shortfall below a target that is reported
	// as warn instead of fail. 0 means any shortfall fails.
	WarnBand float64 `envconfig:"TRECBENCH_WARN_BAND" yaml:"warn_band"`
}

// PathsConfig holds data and artifact locations.
type PathsConfig struct {
	DataDir   string            `envconfig:"TRECBENCH_DATA_DIR" yaml:"data_dir"`
	OutputDir string            `envconfig:"TRECBENCH_OUTPUT_DIR" yaml:"output_dir"`
	Topics    map[string]string `yaml:"topics"`
	Qrels     map[string]string `yaml:"qrels"`
	Baselines map[string]string `yaml:"baselines"`
}

// BusConfig holds event bus settings. A non-empty JournalPath records
// every published event to a JSON-lines file.
type BusConfig struct {
	Type         string `envconfig:"TRECBENCH_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"TRECBENCH_KAFKA_BROKERS" yaml:"kafka_brokers"`
	JournalPath  string `envconfig:"TRECBENCH_BUS_JOURNAL" yaml:"journal_path"`
}

// HistoryConfig holds metric history storage settings.
type HistoryConfig struct {
	Enabled  bool   `envconfig:"TRECBENCH_HISTORY_ENABLED" yaml:"enabled"`
	RedisURL string `envconfig:"TRECBENCH_REDIS_URL" yaml:"redis_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"TRECBENCH_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"TRECBENCH_LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.API = APIConfig{
		BaseURL:           "http://localhost:8000",
		Timeout:           30 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
		Concurrency:       5,
		RequestsPerSecond: 20,
	}

	cfg.Retrieval = RetrievalConfig{
		Mode:      "hybrid",
		TopK:      100,
		RunCap:    100,
		BatchSize: 20,
	}

	cfg.Metrics = MetricsConfig{
		Cutoffs:  []int{10, 25, 50, 100},
		Targets:  map[string]float64{},
		WarnBand: 0,
	}

	cfg.Paths = PathsConfig{
		DataDir:   ".data",
		OutputDir: "artifacts",
		Topics:    map[string]string{},
		Qrels:     map[string]string{},
		Baselines: map[string]string{},
	}

	cfg.Bus = BusConfig{
		Type: "memory",
	}

	cfg.History = HistoryConfig{
		Enabled:  false,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.API.BaseURL == "" {
		errs = append(errs, "api base_url cannot be empty")
	}

	if c.API.Concurrency < 1 {
		errs = append(errs, "concurrency must be at least 1")
	}

	if c.API.MaxRetries < 0 {
		errs = append(errs, "max_retries cannot be negative")
	}

	validModes := map[string]bool{"lexical": true, "vector": true, "hybrid": true}
	if !validModes[c.Retrieval.Mode] {
		errs = append(errs, fmt.Sprintf("invalid retrieval mode: %s (must be lexical, vector, or hybrid)", c.Retrieval.Mode))
	}

	if c.Retrieval.TopK < 1 {
		errs = append(errs, "top_k must be positive")
	}

	if c.Retrieval.RunCap < 1 {
		errs = append(errs, "run_cap must be positive")
	}

	if c.Retrieval.BatchSize < 1 {
		errs = append(errs, "batch_size must be positive")
	}

	if len(c.Metrics.Cutoffs) == 0 {
		errs = append(errs, "at least one metric cutoff is required")
	}
	for _, k := range c.Metrics.Cutoffs {
		if k < 1 {
			errs = append(errs, fmt.Sprintf("invalid metric cutoff: %d", k))
		}
	}

	if c.Metrics.WarnBand < 0 || c.Metrics.WarnBand >= 1 {
		errs = append(errs, "warn_band must be in [0, 1)")
	}

	validBusTypes := map[string]bool{"memory": true, "kafka": true, "none": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or none)", c.Bus.Type))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Hash returns a stable hex digest of the configuration. Experiments
// carry it so results remain comparable across runs; the API key is
// excluded so it never leaks into manifests.
func (c *Config) Hash() string {
	redacted := *c
	redacted.API.APIKey = ""

	var b strings.Builder
	fmt.Fprintf(&b, "api=%s|%s|%d|%s|%d|%g;", redacted.API.BaseURL, redacted.API.Timeout,
		redacted.API.MaxRetries, redacted.API.RetryBackoff, redacted.API.Concurrency,
		redacted.API.RequestsPerSecond)
	fmt.Fprintf(&b, "retrieval=%s|%d|%d|%d;", redacted.Retrieval.Mode, redacted.Retrieval.TopK,
		redacted.Retrieval.RunCap, redacted.Retrieval.BatchSize)
	fmt.Fprintf(&b, "cutoffs=%v;warn_band=%g;", redacted.Metrics.Cutoffs, redacted.Metrics.WarnBand)

	// Map iteration order is random, so targets are serialized sorted.
	names := make([]string, 0, len(redacted.Metrics.Targets))
	for name := range redacted.Metrics.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "target:%s=%g;", name, redacted.Metrics.Targets[name])
	}

	return hash.SHA256Short([]byte(b.String()), 16)
}

// TopicPath resolves a topics argument to a file path: a configured
// dataset name wins, otherwise the argument is taken as a path.
func (c *Config) TopicPath(name string) string {
	if rel, ok := c.Paths.Topics[name]; ok {
		return c.dataPath(rel)
	}
	return name
}

// QrelsPath resolves the qrels file configured for a dataset name.
func (c *Config) QrelsPath(name string) (string, bool) {
	rel, ok := c.Paths.Qrels[name]
	if !ok || rel == "" {
		return "", false
	}
	return c.dataPath(rel), true
}

// BaselinePath resolves the baseline run file configured for a name.
func (c *Config) BaselinePath(name string) (string, bool) {
	rel, ok := c.Paths.Baselines[name]
	if !ok || rel == "" {
		return "", false
	}
	return c.dataPath(rel), true
}

func (c *Config) dataPath(rel string) string {
	if c.Paths.DataDir == "" {
		return rel
	}
	return c.Paths.DataDir + "/" + rel
}
