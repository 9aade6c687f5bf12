package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/ledgermill/ledgermill/internal/billing"
	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/ledgermill/ledgermill/internal/clock"
	"github.com/ledgermill/ledgermill/internal/config"
	"github.com/ledgermill/ledgermill/internal/logger"
	"github.com/ledgermill/ledgermill/internal/migration"
	"github.com/ledgermill/ledgermill/internal/observability"
	"github.com/ledgermill/ledgermill/internal/rate"
	"github.com/ledgermill/ledgermill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Functional domains
		rate.Module,
		billing.Module,

		migration.Module,

		fx.Invoke(ensureBillingService),
	)
	app.Run()
}

func ensureBillingService(_ billingdomain.Service) {}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
