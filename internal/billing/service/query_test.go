package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListLedgerPaginationWalk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const total = 25
	for i := 0; i < total; i++ {
		_, err := env.svc.ApplyLedgerEntry(ctx, "acct-page", 100, billingdomain.EntryMeta{
			Type:          billingdomain.EntryTypeAdjustment,
			ReferenceType: billingdomain.ReferenceSystem,
			ReferenceID:   fmt.Sprintf("seed-%d", i),
		})
		require.NoError(t, err)
	}

	seen := make(map[snowflake.ID]bool)
	var lastID snowflake.ID
	token := ""
	pages := 0

	for {
		resp, err := env.svc.ListLedger(ctx, billingdomain.ListRequest{
			AccountID: "acct-page",
			PageSize:  10,
			PageToken: token,
		})
		require.NoError(t, err)
		pages++

		for _, entry := range resp.Entries {
			assert.False(t, seen[entry.ID], "entry %s appeared twice", entry.ID)
			seen[entry.ID] = true
			if lastID != 0 {
				assert.Less(t, int64(entry.ID), int64(lastID), "newest-first order broken")
			}
			lastID = entry.ID
		}

		if !resp.HasMore {
			assert.Empty(t, resp.NextPageToken)
			break
		}
		require.NotEmpty(t, resp.NextPageToken)
		token = resp.NextPageToken
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, total)
}

func TestListLedgerPageSizeClamped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "acct-1", 1000)

	// Zero falls back to the default size; a single entry fits either way.
	resp, err := env.svc.ListLedger(ctx, billingdomain.ListRequest{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 1)
	assert.False(t, resp.HasMore)
}

func TestListLedgerBadToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ListLedger(context.Background(), billingdomain.ListRequest{
		AccountID: "acct-1",
		PageToken: "not-base64!",
	})
	assert.Error(t, err)
}

func TestListUsagePagination(t *testing.T) {
	env := newTestEnv(t)
	env.seedRate(t, "gpt-4o-mini", "0.6", "2.4")
	env.seedBalance(t, "acct-usage", 1_000_000)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := env.svc.ChargeForUsage(ctx, billingdomain.ChargeRequest{
			AccountID:    "acct-usage",
			Model:        "gpt-4o-mini",
			InputTokens:  1000,
			OutputTokens: 1000,
			RequestID:    fmt.Sprintf("req-%d", i),
		})
		require.NoError(t, err)
	}

	first, err := env.svc.ListUsage(ctx, billingdomain.ListRequest{
		AccountID: "acct-usage",
		PageSize:  3,
	})
	require.NoError(t, err)
	require.Len(t, first.Events, 3)
	assert.True(t, first.HasMore)
	assert.Equal(t, "req-4", first.Events[0].RequestID, "newest first")

	rest, err := env.svc.ListUsage(ctx, billingdomain.ListRequest{
		AccountID: "acct-usage",
		PageSize:  3,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, rest.Events, 2)
	assert.False(t, rest.HasMore)
	assert.Equal(t, "req-0", rest.Events[1].RequestID)
}

func TestListScopedToAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "acct-a", 1000)
	env.seedBalance(t, "acct-b", 2000)

	resp, err := env.svc.ListLedger(ctx, billingdomain.ListRequest{AccountID: "acct-a"})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "acct-a", resp.Entries[0].AccountID)
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	env.seedRate(t, "gpt-4o-mini", "0.6", "2.4")
	env.seedRate(t, "gpt-4o", "10", "40")
	env.seedBalance(t, "acct-1", 250_000)

	ctx := context.Background()
	_, err := env.svc.ChargeForUsage(ctx, billingdomain.ChargeRequest{
		AccountID:    "acct-1",
		Model:        "gpt-4o-mini",
		InputTokens:  1000,
		OutputTokens: 1000,
		RequestID:    "req-1",
	})
	require.NoError(t, err)

	summary, err := env.svc.Summary(ctx, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, int64(247_000), summary.BalanceMillicredits)
	assert.InDelta(t, 247.0, summary.BalanceCredits, 1e-9)
	assert.InDelta(t, 0.247, summary.BalanceUSD, 1e-9)

	assert.Len(t, summary.Packages, 4)
	assert.Equal(t, "starter", summary.Packages[0].Code)
	assert.InDelta(t, 5.0, summary.Packages[0].PriceUSD, 1e-9)

	assert.Len(t, summary.RateCard, 2)
	require.Len(t, summary.RecentLedger, 2)
	assert.Equal(t, billingdomain.EntryTypeDeduction, summary.RecentLedger[0].Type)
	require.Len(t, summary.RecentUsage, 1)
	assert.Equal(t, "req-1", summary.RecentUsage[0].RequestID)
}

func TestReconcileEmptyAccount(t *testing.T) {
	env := newTestEnv(t)

	report, err := env.svc.Reconcile(context.Background(), "acct-empty")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(0), report.BalanceMillicredits)
	assert.Equal(t, int64(0), report.LedgerSumMillicredits)
}
