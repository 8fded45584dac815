package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.BatchSize != 5 {
		t.Fatalf("expected default batch size 5, got %d", cfg.BatchSize)
	}
	if cfg.DPIScale != 2.0 {
		t.Fatalf("expected default DPI scale 2.0, got %v", cfg.DPIScale)
	}
	if cfg.MaxImageDimension != 2000 {
		t.Fatalf("expected default max dimension 2000, got %d", cfg.MaxImageDimension)
	}
	want := []string{BackendFormula, BackendNeural, BackendTraditional}
	if !reflect.DeepEqual(cfg.BackendPriority, want) {
		t.Fatalf("expected default priority %v, got %v", want, cfg.BackendPriority)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BATCH_SIZE", "3")
	t.Setenv("DPI_SCALE", "1.5")
	t.Setenv("BACKEND_PRIORITY", "Remote, Traditional")
	t.Setenv("EXTRACT_TIMEOUT", "2m")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Fatalf("PORT override ignored, got %q", cfg.Port)
	}
	if cfg.BatchSize != 3 {
		t.Fatalf("BATCH_SIZE override ignored, got %d", cfg.BatchSize)
	}
	if cfg.DPIScale != 1.5 {
		t.Fatalf("DPI_SCALE override ignored, got %v", cfg.DPIScale)
	}
	want := []string{BackendRemote, BackendTraditional}
	if !reflect.DeepEqual(cfg.BackendPriority, want) {
		t.Fatalf("BACKEND_PRIORITY should be normalized, got %v", cfg.BackendPriority)
	}
	if cfg.ExtractTimeout != 2*time.Minute {
		t.Fatalf("EXTRACT_TIMEOUT override ignored, got %v", cfg.ExtractTimeout)
	}
}

func TestLoadInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("DPI_SCALE", "-1")
	t.Setenv("READ_TIMEOUT", "soon")

	cfg := Load()

	if cfg.BatchSize != 5 {
		t.Fatalf("invalid BATCH_SIZE should fall back to 5, got %d", cfg.BatchSize)
	}
	if cfg.DPIScale != 2.0 {
		t.Fatalf("non-positive DPI_SCALE should fall back to 2.0, got %v", cfg.DPIScale)
	}
	if cfg.ReadTimeout != 60*time.Second {
		t.Fatalf("invalid READ_TIMEOUT should fall back, got %v", cfg.ReadTimeout)
	}
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.yaml")
	body := "port: \"7070\"\nbatchSize: 8\nbackendPriority:\n  - traditional\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg := Load()

	if cfg.Port != "7070" {
		t.Fatalf("file port ignored, got %q", cfg.Port)
	}
	if cfg.BatchSize != 8 {
		t.Fatalf("file batch size ignored, got %d", cfg.BatchSize)
	}
	if !reflect.DeepEqual(cfg.BackendPriority, []string{"traditional"}) {
		t.Fatalf("file priority ignored, got %v", cfg.BackendPriority)
	}
	// Keys absent from the file keep their defaults.
	if cfg.DPIScale != 2.0 {
		t.Fatalf("absent file key should keep default, got %v", cfg.DPIScale)
	}
}

func TestConfigFileMissingIsIgnored(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("missing config file should leave defaults intact, got %q", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			BackendPriority:   []string{BackendNeural},
			BatchSize:         5,
			DPIScale:          2.0,
			MaxImageDimension: 2000,
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.BackendPriority = nil
	if err := c.Validate(); err == nil {
		t.Fatalf("empty priority should be rejected")
	}

	c = base()
	c.BackendPriority = []string{"quantum"}
	if err := c.Validate(); err == nil {
		t.Fatalf("unknown backend should be rejected")
	}

	c = base()
	c.BackendPriority = []string{BackendRemote}
	if err := c.Validate(); err == nil {
		t.Fatalf("remote backend without HF_TOKEN should be rejected")
	}
	c.HFToken = "hf_abc"
	if err := c.Validate(); err != nil {
		t.Fatalf("remote backend with token rejected: %v", err)
	}

	c = base()
	c.BatchSize = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("zero batch size should be rejected")
	}

	c = base()
	c.DPIScale = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("zero DPI scale should be rejected")
	}
}

func TestHasBackend(t *testing.T) {
	c := Config{BackendPriority: []string{BackendFormula, BackendNeural}}
	if !c.HasBackend(BackendFormula) || c.HasBackend(BackendRemote) {
		t.Fatalf("HasBackend mismatch for %v", c.BackendPriority)
	}
}
