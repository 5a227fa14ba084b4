// Package config loads engine configuration from YAML with environment
// overrides. The recognized key set is closed; unknown keys are rejected so
// typos fail loudly at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"normflow/internal/types"
)

// Config is the full recognized configuration surface.
type Config struct {
	LLMModel           string `yaml:"llm_model"`
	MaxCycles          int    `yaml:"max_cycles"`
	DBPath             string `yaml:"db_path"`
	BaseDir            string `yaml:"base_dir"`
	ParadigmDir        string `yaml:"paradigm_dir"`
	VerifyFiles        bool   `yaml:"verify_files"`
	RunMode            string `yaml:"run_mode"`
	ReconciliationMode string `yaml:"reconciliation_mode"`
	DevMode            bool   `yaml:"dev_mode"`
}

var recognizedKeys = map[string]bool{
	"llm_model":           true,
	"max_cycles":          true,
	"db_path":             true,
	"base_dir":            true,
	"paradigm_dir":        true,
	"verify_files":        true,
	"run_mode":            true,
	"reconciliation_mode": true,
	"dev_mode":            true,
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LLMModel:           "gemini-2.5-flash",
		MaxCycles:          50,
		DBPath:             filepath.Join(".normflow", "normflow.db"),
		BaseDir:            ".",
		RunMode:            string(types.RunModeFast),
		ReconciliationMode: string(types.ReconcilePatch),
	}
}

// Load reads a config file, applies defaults for absent keys, validates the
// key set, then applies environment overrides. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, cfg.validate()
		}
		return nil, err
	}

	var keys map[string]interface{}
	if err := yaml.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	for k := range keys {
		if !recognizedKeys[k] {
			return nil, fmt.Errorf("config %s: unrecognized key %q", path, k)
		}
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, cfg.validate()
}

// applyEnv overrides config fields from NORMFLOW_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NORMFLOW_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("NORMFLOW_MAX_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCycles = n
		}
	}
	if v := os.Getenv("NORMFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NORMFLOW_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("NORMFLOW_PARADIGM_DIR"); v != "" {
		cfg.ParadigmDir = v
	}
	if v := os.Getenv("NORMFLOW_VERIFY_FILES"); v != "" {
		cfg.VerifyFiles = isTrue(v)
	}
	if v := os.Getenv("NORMFLOW_RUN_MODE"); v != "" {
		cfg.RunMode = strings.ToUpper(v)
	}
	if v := os.Getenv("NORMFLOW_RECONCILIATION_MODE"); v != "" {
		cfg.ReconciliationMode = strings.ToUpper(v)
	}
	if v := os.Getenv("NORMFLOW_DEV_MODE"); v != "" {
		cfg.DevMode = isTrue(v)
	}
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) validate() error {
	if c.MaxCycles <= 0 {
		return fmt.Errorf("config: max_cycles must be positive, got %d", c.MaxCycles)
	}
	switch types.RunMode(c.RunMode) {
	case types.RunModeSlow, types.RunModeFast:
	default:
		return fmt.Errorf("config: run_mode must be SLOW or FAST, got %q", c.RunMode)
	}
	switch types.ReconciliationMode(c.ReconciliationMode) {
	case types.ReconcilePatch, types.ReconcileOverwrite, types.ReconcileFillGaps:
	default:
		return fmt.Errorf("config: reconciliation_mode must be PATCH, OVERWRITE, or FILL_GAPS, got %q", c.ReconciliationMode)
	}
	return nil
}
