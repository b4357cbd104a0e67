package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "argos.yaml")
	if err := os.WriteFile(path, []byte("mast:\n  retries: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MAST.Retries != 5 {
		t.Fatalf("explicit value overwritten: %d", cfg.MAST.Retries)
	}
	if cfg.MAST.BaseURL != "https://mast.stsci.edu" {
		t.Fatalf("unexpected base url %q", cfg.MAST.BaseURL)
	}
	if diff := cmp.Diff(DefaultTargets, cfg.Targets.TICIDs); diff != "" {
		t.Fatalf("default targets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0.05, 0.10, 0.15, 0.20, 0.25, 0.33}, cfg.Detection.Durations); diff != "" {
		t.Fatalf("durations mismatch (-want +got):\n%s", diff)
	}
	if cfg.Export.Dir != filepath.Join(dir, "exports") {
		t.Fatalf("export dir should resolve against config dir, got %s", cfg.Export.Dir)
	}
	if cfg.LightCurve.Bitmask() != 175 || cfg.LightCurve.FlattenWindow != 401 {
		t.Fatalf("unexpected light curve defaults: %+v", cfg.LightCurve)
	}
	if !cfg.Report.IsEnabled() {
		t.Fatalf("reports should be enabled by default")
	}
}

func TestLoadQualityBitmaskZeroDisablesMasking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argos.yaml")
	if err := os.WriteFile(path, []byte("lightcurve:\n  quality_bitmask: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LightCurve.QualityBitmask == nil || cfg.LightCurve.Bitmask() != 0 {
		t.Fatalf("explicit zero bitmask must be kept, got %+v", cfg.LightCurve.QualityBitmask)
	}
	if got := (LightCurveConfig{}).Bitmask(); got != DefaultQualityBitmask {
		t.Fatalf("unset bitmask should default to %d, got %d", DefaultQualityBitmask, got)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argos.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Detection.Periods != 5000 {
		t.Fatalf("expected default period grid, got %d", cfg.Detection.Periods)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argos.yaml")
	if err := os.WriteFile(path, []byte("detection:\n  bogus: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"directory without path": func(c *Config) { c.LightCurve.Source = "directory" },
		"inverted period range":  func(c *Config) { c.Detection.MinPeriod = 30 },
		"unknown queue":          func(c *Config) { c.TaskQueue.Driver = "kafka" },
		"mysql without dsn":      func(c *Config) { c.Storage.TaskStore.Driver = "mysql" },
		"negative duration":      func(c *Config) { c.Detection.Durations = []float64{0.1, -1} },
		"negative bitmask":       func(c *Config) { m := -1; c.LightCurve.QualityBitmask = &m },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/argos.yaml")
	if got := ResolvePath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path should win, got %s", got)
	}
	if got := ResolvePath(""); got != "/etc/argos.yaml" {
		t.Fatalf("env path expected, got %s", got)
	}
}
