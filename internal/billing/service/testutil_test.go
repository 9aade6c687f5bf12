package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/ledgermill/ledgermill/internal/clock"
	"github.com/ledgermill/ledgermill/internal/config"
	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	raterepo "github.com/ledgermill/ledgermill/internal/rate/repository"
	rateservice "github.com/ledgermill/ledgermill/internal/rate/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	node    *snowflake.Node
	rateSvc ratedomain.Service
	svc     billingdomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// A single connection keeps concurrent transactions off SQLite's
	// table-level shared-cache locks.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&billingdomain.CreditBalance{},
		&billingdomain.LedgerEntry{},
		&billingdomain.UsageEvent{},
		&billingdomain.Purchase{},
		&ratedomain.RateCardEntry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logger := zap.NewNop()
	clk := clock.NewSystemClock()

	rateSvc := rateservice.NewService(rateservice.ServiceParam{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: clk,
		Repo:  raterepo.Provide(),
	})

	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	svc := NewService(ServiceParam{
		DB:      db,
		Log:     logger,
		GenID:   node,
		Clock:   clk,
		RateSvc: rateSvc,
		Billing: holder,
	})

	return &testEnv{db: db, node: node, rateSvc: rateSvc, svc: svc}
}

// newServiceInstance builds a second Service over the same database, with its
// own keyed mutexes, the way a second deployment replica would run.
func (e *testEnv) newServiceInstance(t *testing.T) billingdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	return NewService(ServiceParam{
		DB:      e.db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewSystemClock(),
		RateSvc: e.rateSvc,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
}

func (e *testEnv) seedRate(t *testing.T, model, inPer1k, outPer1k string) {
	t.Helper()
	_, err := e.rateSvc.PutRate(context.Background(), ratedomain.PutRateRequest{
		Model:              model,
		InputCreditsPer1k:  inPer1k,
		OutputCreditsPer1k: outPer1k,
	})
	require.NoError(t, err)
}

func (e *testEnv) seedBalance(t *testing.T, accountID string, millicredits int64) {
	t.Helper()
	_, err := e.svc.ApplyLedgerEntry(context.Background(), accountID, millicredits, billingdomain.EntryMeta{
		Type:          billingdomain.EntryTypeAdjustment,
		ReferenceType: billingdomain.ReferenceSystem,
		ReferenceID:   "seed",
	})
	require.NoError(t, err)
}
