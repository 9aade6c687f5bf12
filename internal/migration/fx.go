package migration

import (
	"context"

	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/ledgermill/ledgermill/internal/config"
	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, holder *config.BillingConfigHolder, rateSvc ratedomain.Service, log *zap.Logger) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Versioned migrations target postgres; dev databases get the
			// schema straight from the models.
			if err := conn.AutoMigrate(
				&billingdomain.CreditBalance{},
				&billingdomain.LedgerEntry{},
				&billingdomain.UsageEvent{},
				&billingdomain.Purchase{},
				&ratedomain.RateCardEntry{},
			); err != nil {
				return err
			}
		}

		return seedRateCard(conn, holder, rateSvc, log)
	}),
)

// seedRateCard inserts the configured per-model rates when the rate card is
// empty, so charges work on a fresh install without operator action.
func seedRateCard(conn *gorm.DB, holder *config.BillingConfigHolder, rateSvc ratedomain.Service, log *zap.Logger) error {
	var count int64
	if err := conn.Model(&ratedomain.RateCardEntry{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	ctx := context.Background()
	for _, seed := range holder.Get().RateSeeds {
		if _, err := rateSvc.PutRate(ctx, ratedomain.PutRateRequest{
			Model:              seed.Model,
			InputCreditsPer1k:  seed.InputCreditsPer1k,
			OutputCreditsPer1k: seed.OutputCreditsPer1k,
		}); err != nil {
			return err
		}
		log.Info("seeded rate card entry", zap.String("model", seed.Model))
	}

	return nil
}
