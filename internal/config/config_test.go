package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected the default config to validate, got %v", err)
	}
}

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dedup.WindowSecs != Default().Dedup.WindowSecs {
		t.Errorf("expected default dedup window, got %d", cfg.Dedup.WindowSecs)
	}
}

func TestLoadFromYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "dedup:\n  window_secs: 120\ncorrelation:\n  min_score: 0.75\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dedup.WindowSecs != 120 {
		t.Errorf("expected dedup.window_secs=120 from file, got %d", cfg.Dedup.WindowSecs)
	}
	if cfg.Correlation.MinScore != 0.75 {
		t.Errorf("expected correlation.min_score=0.75 from file, got %f", cfg.Correlation.MinScore)
	}
	// Untouched fields must keep their defaults.
	if cfg.Notifications.QueueSize != Default().Notifications.QueueSize {
		t.Errorf("expected untouched fields to retain defaults, got queue_size=%d", cfg.Notifications.QueueSize)
	}
}

func TestEnvOverrideWinsOverDefault(t *testing.T) {
	t.Setenv("SENTINELD_DEDUP_WINDOW_SECS", "42")
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dedup.WindowSecs != 42 {
		t.Errorf("expected env override to win, got %d", cfg.Dedup.WindowSecs)
	}
}

func TestEnvOverrideIgnoresInvalidValue(t *testing.T) {
	t.Setenv("SENTINELD_DEDUP_WINDOW_SECS", "not-a-number")
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dedup.WindowSecs != Default().Dedup.WindowSecs {
		t.Errorf("expected an invalid override to be ignored, got %d", cfg.Dedup.WindowSecs)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"dedup window", func(c *Config) { c.Dedup.WindowSecs = 0 }},
		{"min score out of range", func(c *Config) { c.Correlation.MinScore = 1.5 }},
		{"max concurrent", func(c *Config) { c.Enrichment.MaxConcurrent = 0 }},
		{"queue size", func(c *Config) { c.Notifications.QueueSize = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected %s to fail validation", tc.name)
			}
		})
	}
}
