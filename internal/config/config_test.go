package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServiceConfig_Defaults(t *testing.T) {
	cfg := LoadServiceConfig()
	if cfg.MaxSavedMessages != 1024 {
		t.Errorf("Expected 1024 saved messages, got %d", cfg.MaxSavedMessages)
	}
	if cfg.DelayedJobCleanup != 10*time.Second {
		t.Errorf("Expected 10s cleanup delay, got %v", cfg.DelayedJobCleanup)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "juttle-config.yaml")
	content := `
juttled:
  max_saved_messages: 16
  lingering_job_timeout: 250
juttle:
  implicit_sink: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg := &ServiceConfig{MaxSavedMessages: 1024, DelayedJobCleanup: 10 * time.Second}
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile failed: %v", err)
	}
	if cfg.MaxSavedMessages != 16 {
		t.Errorf("Expected 16 saved messages, got %d", cfg.MaxSavedMessages)
	}
	if cfg.DelayedJobCleanup != 250*time.Millisecond {
		t.Errorf("Expected 250ms cleanup delay, got %v", cfg.DelayedJobCleanup)
	}
	if cfg.ImplicitSink != "text" {
		t.Errorf("Expected implicit sink text, got %q", cfg.ImplicitSink)
	}
	if cfg.ConfigPath != path {
		t.Errorf("Expected config path %s, got %s", path, cfg.ConfigPath)
	}

	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if f.Juttle.ImplicitSink != "text" {
		t.Errorf("Expected implicit sink text, got %q", f.Juttle.ImplicitSink)
	}
}

func TestApplyFile_Missing(t *testing.T) {
	cfg := &ServiceConfig{}
	if err := cfg.ApplyFile("/nonexistent/juttle-config.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadServiceConfig_ModulePaths(t *testing.T) {
	t.Setenv("JUTTLE_MODULE_PATH", "/opt/juttle"+string(os.PathListSeparator)+"/srv/lib")
	cfg := LoadServiceConfig()
	if len(cfg.ModulePaths) != 2 || cfg.ModulePaths[0] != "/opt/juttle" || cfg.ModulePaths[1] != "/srv/lib" {
		t.Errorf("Unexpected module paths %v", cfg.ModulePaths)
	}
}
