package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	// Set environment variables
	os.Setenv("TRECBENCH_MODE", "lexical")
	os.Setenv("TRECBENCH_API_CONCURRENCY", "8")
	os.Setenv("TRECBENCH_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("TRECBENCH_MODE")
		os.Unsetenv("TRECBENCH_API_CONCURRENCY")
		os.Unsetenv("TRECBENCH_LOG_LEVEL")
	}()

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Retrieval.Mode != "lexical" {
		t.Errorf("Retrieval.Mode = %s, want lexical", cfg.Retrieval.Mode)
	}

	if cfg.API.Concurrency != 8 {
		t.Errorf("API.Concurrency = %d, want 8", cfg.API.Concurrency)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
api:
  base_url: "http://custom:9000"
  timeout: 10s
  max_retries: 5
retrieval:
  mode: vector
  top_k: 50
metrics:
  cutoffs: [10, 25]
  targets:
    nDCG@10: 0.30
    MRR@10: 0.50
log:
  level: warn
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "http://custom:9000" {
		t.Errorf("API.BaseURL = %s, want http://custom:9000", cfg.API.BaseURL)
	}

	if cfg.API.Timeout != 10*time.Second {
		t.Errorf("API.Timeout = %s, want 10s", cfg.API.Timeout)
	}

	if cfg.Retrieval.Mode != "vector" {
		t.Errorf("Retrieval.Mode = %s, want vector", cfg.Retrieval.Mode)
	}

	if cfg.Retrieval.TopK != 50 {
		t.Errorf("Retrieval.TopK = %d, want 50", cfg.Retrieval.TopK)
	}

	if got := cfg.Metrics.Targets["nDCG@10"]; got != 0.30 {
		t.Errorf("Targets[nDCG@10] = %g, want 0.30", got)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty base URL",
			modify: func(c *Config) {
				c.API.BaseURL = ""
			},
			wantErr: true,
		},
		{
			name: "invalid mode",
			modify: func(c *Config) {
				c.Retrieval.Mode = "neural"
			},
			wantErr: true,
		},
		{
			name: "zero concurrency",
			modify: func(c *Config) {
				c.API.Concurrency = 0
			},
			wantErr: true,
		},
		{
			name: "zero run cap",
			modify: func(c *Config) {
				c.Retrieval.RunCap = 0
			},
			wantErr: true,
		},
		{
			name: "negative cutoff",
			modify: func(c *Config) {
				c.Metrics.Cutoffs = []int{10, -5}
			},
			wantErr: true,
		},
		{
			name: "warn band out of range",
			modify: func(c *Config) {
				c.Metrics.WarnBand = 1.5
			},
			wantErr: true,
		},
		{
			name: "invalid bus type",
			modify: func(c *Config) {
				c.Bus.Type = "nats"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHash(t *testing.T) {
	a := &Config{}
	setDefaults(a)
	b := &Config{}
	setDefaults(b)

	if a.Hash() != b.Hash() {
		t.Error("identical configs should hash identically")
	}

	b.Retrieval.TopK = 42
	if a.Hash() == b.Hash() {
		t.Error("different configs should hash differently")
	}

	// API key must not affect the hash.
	c := &Config{}
	setDefaults(c)
	c.API.APIKey = "secret"
	if a.Hash() != c.Hash() {
		t.Error("api key must not change the config hash")
	}
}

func TestPathResolution(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Paths.DataDir = "/data"
	cfg.Paths.Topics = map[string]string{"rag25": "topics/rag25.jsonl"}
	cfg.Paths.Qrels = map[string]string{"rag25": "qrels/rag25.txt"}

	if got := cfg.TopicPath("rag25"); got != "/data/topics/rag25.jsonl" {
		t.Errorf("TopicPath(rag25) = %s, want /data/topics/rag25.jsonl", got)
	}

	// Unknown names fall through as literal paths.
	if got := cfg.TopicPath("/tmp/custom.jsonl"); got != "/tmp/custom.jsonl" {
		t.Errorf("TopicPath(custom) = %s", got)
	}

	qrels, ok := cfg.QrelsPath("rag25")
	if !ok || qrels != "/data/qrels/rag25.txt" {
		t.Errorf("QrelsPath(rag25) = %s, %v", qrels, ok)
	}

	if _, ok := cfg.QrelsPath("rag99"); ok {
		t.Error("QrelsPath for unknown dataset should report missing")
	}

	cfg.Paths.Baselines = map[string]string{"organizer": "baselines/organizer.tsv"}
	baseline, ok := cfg.BaselinePath("organizer")
	if !ok || baseline != "/data/baselines/organizer.tsv" {
		t.Errorf("BaselinePath(organizer) = %s, %v", baseline, ok)
	}
	if _, ok := cfg.BaselinePath("unknown"); ok {
		t.Error("BaselinePath for unknown name should report missing")
	}
}
