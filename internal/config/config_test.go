package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxCycles != 50 {
		t.Errorf("Default max_cycles = %d", cfg.MaxCycles)
	}
	if cfg.RunMode != "FAST" || cfg.ReconciliationMode != "PATCH" {
		t.Errorf("Defaults wrong: %+v", cfg)
	}
}

func TestLoad_FileAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "max_cycles: 5\nrun_mode: SLOW\ndev_mode: true\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxCycles != 5 || cfg.RunMode != "SLOW" || !cfg.DevMode {
		t.Errorf("Loaded config wrong: %+v", cfg)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("max_cycels: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Misspelled key must be rejected")
	}
}

func TestLoad_RejectsBadModes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("run_mode: TURBO\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Unknown run_mode must be rejected")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NORMFLOW_MAX_CYCLES", "7")
	t.Setenv("NORMFLOW_RUN_MODE", "slow")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxCycles != 7 || cfg.RunMode != "SLOW" {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
}
