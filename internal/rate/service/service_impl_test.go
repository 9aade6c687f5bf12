package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/ledgermill/ledgermill/internal/clock"
	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	raterepo "github.com/ledgermill/ledgermill/internal/rate/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (ratedomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&ratedomain.RateCardEntry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(testNow)
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  raterepo.Provide(),
	})
	return svc, db, clk
}

func TestPutRateAndActiveRate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.PutRate(ctx, ratedomain.PutRateRequest{
		Model:              "gpt-4o-mini",
		InputCreditsPer1k:  "0.6",
		OutputCreditsPer1k: "2.4",
	})
	require.NoError(t, err)
	assert.True(t, entry.Active)
	assert.Equal(t, testNow, entry.EffectiveFrom, "effective_from defaults to now")

	active, err := svc.ActiveRate(ctx, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, active.ID)
	assert.Equal(t, "0.6", active.InputCreditsPer1k)
	assert.Equal(t, "2.4", active.OutputCreditsPer1k)
}

func TestPutRateSupersedesAndInvalidatesCache(t *testing.T) {
	svc, db, clk := newTestService(t)
	ctx := context.Background()

	first, err := svc.PutRate(ctx, ratedomain.PutRateRequest{
		Model:              "gpt-4o",
		InputCreditsPer1k:  "10",
		OutputCreditsPer1k: "40",
	})
	require.NoError(t, err)

	// Prime the cache.
	_, err = svc.ActiveRate(ctx, "gpt-4o")
	require.NoError(t, err)

	clk.Advance(time.Hour)
	second, err := svc.PutRate(ctx, ratedomain.PutRateRequest{
		Model:              "gpt-4o",
		InputCreditsPer1k:  "12",
		OutputCreditsPer1k: "48",
	})
	require.NoError(t, err)

	// A stale cached entry here would return the old price.
	active, err := svc.ActiveRate(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, "12", active.InputCreditsPer1k)
	assert.WithinDuration(t, testNow.Add(time.Hour), active.EffectiveFrom, 0)

	// The superseded version stays in the table for audit, inactive.
	var old ratedomain.RateCardEntry
	require.NoError(t, db.Where("id = ?", first.ID).First(&old).Error)
	assert.False(t, old.Active)

	var activeCount int64
	require.NoError(t, db.Model(&ratedomain.RateCardEntry{}).
		Where("model = ? AND active = ?", "gpt-4o", true).
		Count(&activeCount).Error)
	assert.Equal(t, int64(1), activeCount)
}

func TestActiveRateNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ActiveRate(context.Background(), "no-such-model")
	assert.ErrorIs(t, err, ratedomain.ErrRateNotFound)
}

func TestPutRateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PutRate(ctx, ratedomain.PutRateRequest{
		Model:              "   ",
		InputCreditsPer1k:  "1",
		OutputCreditsPer1k: "1",
	})
	assert.ErrorIs(t, err, ratedomain.ErrInvalidModel)

	_, err = svc.PutRate(ctx, ratedomain.PutRateRequest{
		Model:              "gpt-4o",
		InputCreditsPer1k:  "-1",
		OutputCreditsPer1k: "1",
	})
	assert.ErrorIs(t, err, ratedomain.ErrInvalidRate)

	_, err = svc.PutRate(ctx, ratedomain.PutRateRequest{
		Model:              "gpt-4o",
		InputCreditsPer1k:  "1",
		OutputCreditsPer1k: "abc",
	})
	assert.ErrorIs(t, err, ratedomain.ErrInvalidRate)
}

func TestListActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, model := range []string{"gpt-4o", "gpt-4o-mini"} {
		_, err := svc.PutRate(ctx, ratedomain.PutRateRequest{
			Model:              model,
			InputCreditsPer1k:  "1",
			OutputCreditsPer1k: "2",
		})
		require.NoError(t, err)
	}

	entries, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "gpt-4o", entries[0].Model, "sorted by model")
}
