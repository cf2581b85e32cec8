package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelRate is a per-model pricing override, in USD per one million tokens.
type ModelRate struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// BudgetConfig seeds a project's budget on init. Zero amount means no
// budget.
type BudgetConfig struct {
	AmountUSD      float64 `yaml:"amount_usd"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// MaintenanceConfig holds the cron expressions for the background sweeps.
type MaintenanceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ReclaimSchedule string `yaml:"reclaim_schedule"`
	PurgeSchedule   string `yaml:"purge_schedule"`
	AgingSchedule   string `yaml:"aging_schedule"`
	AgingAfterHours int    `yaml:"aging_after_hours"`
}

// OTelConfig controls the OpenTelemetry exporter.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// LeaseSeconds is how long a dequeued task is held before it may be
	// reclaimed. 0 uses the store default.
	LeaseSeconds int `yaml:"lease_seconds"`

	// CacheTTLHours is the default tool-result cache lifetime.
	CacheTTLHours int `yaml:"cache_ttl_hours"`

	Budget      BudgetConfig         `yaml:"budget"`
	Pricing     map[string]ModelRate `yaml:"pricing"`
	Maintenance MaintenanceConfig    `yaml:"maintenance"`
	OTel        OTelConfig           `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so drift between processes is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|quiet=%t|lease=%d|ttl=%d|budget=%.2f@%.2f|maint=%t",
		c.LogLevel, c.Quiet, c.LeaseSeconds, c.CacheTTLHours,
		c.Budget.AmountUSD, c.Budget.AlertThreshold, c.Maintenance.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		LeaseSeconds:  30,
		CacheTTLHours: 24,
		Budget: BudgetConfig{
			AlertThreshold: 0.8,
		},
		Maintenance: MaintenanceConfig{
			Enabled:         true,
			ReclaimSchedule: "@every 30s",
			PurgeSchedule:   "@every 1h",
			AgingSchedule:   "@every 10m",
			AgingAfterHours: 4,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TRUTHD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".truthd")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create truthd home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.CacheTTLHours <= 0 {
		cfg.CacheTTLHours = 24
	}
	if cfg.Budget.AlertThreshold <= 0 || cfg.Budget.AlertThreshold > 1 {
		cfg.Budget.AlertThreshold = 0.8
	}
	if strings.TrimSpace(cfg.Maintenance.ReclaimSchedule) == "" {
		cfg.Maintenance.ReclaimSchedule = "@every 30s"
	}
	if strings.TrimSpace(cfg.Maintenance.PurgeSchedule) == "" {
		cfg.Maintenance.PurgeSchedule = "@every 1h"
	}
	if strings.TrimSpace(cfg.Maintenance.AgingSchedule) == "" {
		cfg.Maintenance.AgingSchedule = "@every 10m"
	}
	if cfg.Maintenance.AgingAfterHours <= 0 {
		cfg.Maintenance.AgingAfterHours = 4
	}
}

func validate(cfg *Config) error {
	if cfg.Budget.AmountUSD < 0 {
		return fmt.Errorf("budget.amount_usd must not be negative")
	}
	for model, rate := range cfg.Pricing {
		if rate.InputPer1M < 0 || rate.OutputPer1M < 0 {
			return fmt.Errorf("pricing for %s must not be negative", model)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TRUTHD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TRUTHD_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
	if raw := os.Getenv("TRUTHD_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("TRUTHD_CACHE_TTL_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CacheTTLHours = v
		}
	}
	if raw := os.Getenv("TRUTHD_BUDGET_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Budget.AmountUSD = v
		}
	}
	if raw := os.Getenv("TRUTHD_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Endpoint = raw
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetBudget updates the budget block in config.yaml, preserving other settings.
func SetBudget(homeDir string, amountUSD, alertThreshold float64) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	budget, _ := raw["budget"].(map[string]interface{})
	if budget == nil {
		budget = make(map[string]interface{})
	}
	budget["amount_usd"] = amountUSD
	budget["alert_threshold"] = alertThreshold
	raw["budget"] = budget
	return saveRawConfig(configPath, raw)
}
