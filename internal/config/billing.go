package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/ledgermill/ledgermill/pkg/millicredit"
	"github.com/spf13/viper"
)

// CreditPackage describes a purchasable credit bundle. Prices are USD cents,
// credit amounts are whole credits.
type CreditPackage struct {
	Code          string `mapstructure:"code"`
	PriceUSDCents int64  `mapstructure:"priceUsdCents"`
	BaseCredits   int64  `mapstructure:"baseCredits"`
	BonusCredits  int64  `mapstructure:"bonusCredits"`
}

// TotalCredits is the amount actually awarded on fulfillment.
func (p CreditPackage) TotalCredits() int64 {
	return p.BaseCredits + p.BonusCredits
}

// RateSeed is a per-model price used to seed an empty rate card.
// Rates are decimal credit strings per 1,000 tokens.
type RateSeed struct {
	Model              string `mapstructure:"model"`
	InputCreditsPer1k  string `mapstructure:"inputCreditsPer1k"`
	OutputCreditsPer1k string `mapstructure:"outputCreditsPer1k"`
}

// BillingConfig is the operator-tunable business configuration.
type BillingConfig struct {
	Packages  []CreditPackage `mapstructure:"packages"`
	RateSeeds []RateSeed      `mapstructure:"rateSeeds"`
}

// Package looks up a package by code.
func (c BillingConfig) Package(code string) (CreditPackage, bool) {
	for _, p := range c.Packages {
		if p.Code == code {
			return p, true
		}
	}
	return CreditPackage{}, false
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Packages: []CreditPackage{
			{Code: "starter", PriceUSDCents: 500, BaseCredits: 5000, BonusCredits: 0},
			{Code: "basic", PriceUSDCents: 2000, BaseCredits: 20000, BonusCredits: 0},
			{Code: "pro", PriceUSDCents: 5000, BaseCredits: 50000, BonusCredits: 2500},
			{Code: "business", PriceUSDCents: 10000, BaseCredits: 100000, BonusCredits: 10000},
		},
		RateSeeds: []RateSeed{
			{Model: "gpt-4o-mini", InputCreditsPer1k: "0.6", OutputCreditsPer1k: "2.4"},
			{Model: "gpt-4o", InputCreditsPer1k: "10", OutputCreditsPer1k: "40"},
		},
	}
}

// BillingConfigHolder serves the current billing configuration and hot-reloads
// it when the backing file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/ledgermill/config") // Volume-mounted config
	v.AddConfigPath("/etc/ledgermill")            // System config
	v.AddConfigPath(".")                          // Current directory (dev mode)

	v.SetEnvPrefix("LEDGERMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.packages", defaults.Packages)
		v.SetDefault("billing.rateSeeds", defaults.RateSeeds)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder serves a fixed configuration. Used in tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if len(cfg.Packages) == 0 {
		return errors.New("billing.packages cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Packages))
	for _, p := range cfg.Packages {
		if strings.TrimSpace(p.Code) == "" {
			return errors.New("billing.packages: package code cannot be empty")
		}
		if _, dup := seen[p.Code]; dup {
			return errors.New("billing.packages: duplicate package code " + p.Code)
		}
		seen[p.Code] = struct{}{}
		if p.PriceUSDCents <= 0 || p.BaseCredits <= 0 || p.BonusCredits < 0 {
			return errors.New("billing.packages: invalid amounts for package " + p.Code)
		}
	}
	for _, seed := range cfg.RateSeeds {
		if strings.TrimSpace(seed.Model) == "" {
			return errors.New("billing.rateSeeds: model cannot be empty")
		}
		if _, err := millicredit.ParseCreditRate(seed.InputCreditsPer1k); err != nil {
			return errors.New("billing.rateSeeds: invalid input rate for model " + seed.Model)
		}
		if _, err := millicredit.ParseCreditRate(seed.OutputCreditsPer1k); err != nil {
			return errors.New("billing.rateSeeds: invalid output rate for model " + seed.Model)
		}
	}
	return nil
}
