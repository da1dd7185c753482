package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/tokenmeter/pkg/logging"
	"github.com/pario-ai/tokenmeter/pkg/models"
)

// Config holds all tokenmeter configuration.
type Config struct {
	Listen   string                `yaml:"listen"`
	DBPath   string                `yaml:"db_path"`
	Log      logging.Config        `yaml:"log"`
	Cache    CacheConfig           `yaml:"cache"`
	Audit    models.AuditConfig    `yaml:"audit"`
	Sweep    SweepConfig           `yaml:"sweep"`
	Policy   models.BalancePolicy  `yaml:"policy"`
	Pricing  []models.ModelPricing `yaml:"pricing"`
	Plans    []PlanConfig          `yaml:"plans"`
	Packages []PackageConfig       `yaml:"packages"`
}

// CacheConfig controls the entitlement snapshot cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	DBPath  string        `yaml:"db_path"`
	TTL     time.Duration `yaml:"ttl"`
}

// SweepConfig controls the background lifecycle sweeper.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// PlanConfig is a catalog plan as written in YAML. Kind selects the variant;
// when empty it is inferred from the price.
type PlanConfig struct {
	ID                string          `yaml:"id"`
	Name              string          `yaml:"name"`
	Kind              models.PlanKind `yaml:"kind"`
	MonthlyTokens     int64           `yaml:"monthly_tokens"`
	MonthlyPriceCents int64           `yaml:"monthly_price_cents"`
	Currency          string          `yaml:"currency"`
	TrialDays         int             `yaml:"trial_days"`
	PeriodDays        int             `yaml:"period_days"`
	Features          []string        `yaml:"features"`
	Active            *bool           `yaml:"active"`
	Visible           *bool           `yaml:"visible"`
}

// PackageConfig is a token package as written in YAML.
type PackageConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Tokens     int64  `yaml:"tokens"`
	PriceCents int64  `yaml:"price_cents"`
	Currency   string `yaml:"currency"`
	Active     *bool  `yaml:"active"`
	Visible    *bool  `yaml:"visible"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "tokenmeter.db",
		Log: logging.Config{
			Level:  "info",
			Format: "auto",
		},
		Cache: CacheConfig{
			Enabled: true,
			DBPath:  "tokenmeter-cache.db",
			TTL:     30 * time.Second,
		},
		Audit: models.AuditConfig{
			Enabled:       true,
			DBPath:        "tokenmeter-audit.db",
			RetentionDays: 90,
			MaxDetailSize: 4096,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Policy: models.BalancePolicy{
			SpendableWhenExpired:   true,
			SpendableWhenCancelled: false,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, _, err := cfg.Catalog(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Catalog converts the configured plans and packages into catalog entries.
func (c *Config) Catalog() ([]models.Plan, []models.TokenPackage, error) {
	plans := make([]models.Plan, 0, len(c.Plans))
	for _, pc := range c.Plans {
		p, err := pc.Plan()
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, p)
	}
	packages := make([]models.TokenPackage, 0, len(c.Packages))
	for _, pc := range c.Packages {
		p, err := pc.Package()
		if err != nil {
			return nil, nil, err
		}
		packages = append(packages, p)
	}
	return plans, packages, nil
}

// Plan validates the variant and builds the catalog plan.
func (pc PlanConfig) Plan() (models.Plan, error) {
	if pc.ID == "" {
		return models.Plan{}, fmt.Errorf("plan: id is required")
	}
	if pc.MonthlyTokens < 0 {
		return models.Plan{}, fmt.Errorf("plan %s: monthly_tokens must not be negative", pc.ID)
	}
	kind := pc.Kind
	if kind == "" {
		kind = models.PlanFree
		if pc.MonthlyPriceCents > 0 {
			kind = models.PlanPaid
		}
	}

	p := models.Plan{
		ID:            pc.ID,
		Name:          pc.Name,
		MonthlyTokens: pc.MonthlyTokens,
		Currency:      pc.Currency,
		PeriodDays:    pc.PeriodDays,
		Features:      pc.Features,
		IsActive:      boolOr(pc.Active, true),
		IsVisible:     boolOr(pc.Visible, true),
	}
	if p.Name == "" {
		p.Name = pc.ID
	}

	switch kind {
	case models.PlanTrial:
		if pc.TrialDays <= 0 {
			return p, fmt.Errorf("plan %s: trial plans need trial_days > 0", pc.ID)
		}
		if pc.MonthlyPriceCents != 0 {
			return p, fmt.Errorf("plan %s: trial plans cannot have a price", pc.ID)
		}
		days := pc.TrialDays
		p.IsTrial = true
		p.TrialDays = &days
	case models.PlanFree:
		if pc.MonthlyPriceCents != 0 {
			return p, fmt.Errorf("plan %s: free plans cannot have a price", pc.ID)
		}
	case models.PlanPaid:
		if pc.MonthlyPriceCents <= 0 {
			return p, fmt.Errorf("plan %s: paid plans need monthly_price_cents > 0", pc.ID)
		}
		price := pc.MonthlyPriceCents
		p.MonthlyPriceCents = &price
	default:
		return p, fmt.Errorf("plan %s: unknown kind %q", pc.ID, pc.Kind)
	}
	if kind != models.PlanTrial && pc.TrialDays != 0 {
		return p, fmt.Errorf("plan %s: trial_days is only valid for trial plans", pc.ID)
	}
	return p, nil
}

// Package validates and builds the catalog package.
func (pc PackageConfig) Package() (models.TokenPackage, error) {
	if pc.ID == "" {
		return models.TokenPackage{}, fmt.Errorf("package: id is required")
	}
	if pc.Tokens <= 0 {
		return models.TokenPackage{}, fmt.Errorf("package %s: tokens must be positive", pc.ID)
	}
	if pc.PriceCents < 0 {
		return models.TokenPackage{}, fmt.Errorf("package %s: price_cents must not be negative", pc.ID)
	}
	p := models.TokenPackage{
		ID:         pc.ID,
		Name:       pc.Name,
		Tokens:     pc.Tokens,
		PriceCents: pc.PriceCents,
		Currency:   pc.Currency,
		IsActive:   boolOr(pc.Active, true),
		IsVisible:  boolOr(pc.Visible, true),
	}
	if p.Name == "" {
		p.Name = pc.ID
	}
	return p, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
