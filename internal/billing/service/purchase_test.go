package service

import (
	"context"
	"testing"

	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase, err := env.svc.CreatePurchase(ctx, billingdomain.CreatePurchaseRequest{
		AccountID:         "acct-1",
		PackageCode:       "starter",
		ProviderSessionID: "cs_test_1",
	})
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PurchaseStatusPending, purchase.Status)
	assert.Equal(t, int64(500), purchase.PriceUSDCents)
	assert.Equal(t, int64(5000), purchase.TotalCredits)
	assert.Equal(t, "cs_test_1", purchase.ProviderSessionID)

	// Awarding before payment must fail and credit nothing.
	_, err = env.svc.AwardPurchaseCredits(ctx, purchase.ID)
	assert.ErrorIs(t, err, billingdomain.ErrPurchaseNotPayable)

	paid, err := env.svc.MarkPurchasePaid(ctx, purchase.ID, "pi_test_1")
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PurchaseStatusPaid, paid.Status)
	assert.Equal(t, "pi_test_1", paid.ProviderPaymentID)

	fulfilled, err := env.svc.AwardPurchaseCredits(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PurchaseStatusFulfilled, fulfilled.Status)

	balance, err := env.svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), balance.BalanceMillicredits)

	var entry billingdomain.LedgerEntry
	require.NoError(t, env.db.
		Where("account_id = ? AND type = ?", "acct-1", billingdomain.EntryTypePurchase).
		First(&entry).Error)
	assert.Equal(t, int64(5_000_000), entry.AmountMillicredits)
	assert.Equal(t, billingdomain.ReferencePaymentProvider, entry.ReferenceType)
	assert.Equal(t, "pi_test_1", entry.ReferenceID)
}

func TestPurchaseBonusCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase, err := env.svc.CreatePurchase(ctx, billingdomain.CreatePurchaseRequest{
		AccountID:   "acct-1",
		PackageCode: "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50000), purchase.BaseCredits)
	assert.Equal(t, int64(2500), purchase.BonusCredits)
	assert.Equal(t, int64(52500), purchase.TotalCredits)
	assert.NotEmpty(t, purchase.ProviderSessionID, "session id generated when not supplied")

	_, err = env.svc.MarkPurchasePaid(ctx, purchase.ID, "pi_test_2")
	require.NoError(t, err)
	_, err = env.svc.AwardPurchaseCredits(ctx, purchase.ID)
	require.NoError(t, err)

	balance, err := env.svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(52_500_000), balance.BalanceMillicredits)
}

func TestCreatePurchaseUnknownPackage(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreatePurchase(context.Background(), billingdomain.CreatePurchaseRequest{
		AccountID:   "acct-1",
		PackageCode: "mega",
	})
	assert.ErrorIs(t, err, billingdomain.ErrUnknownPackage)
}

func TestMarkPurchasePaidIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase, err := env.svc.CreatePurchase(ctx, billingdomain.CreatePurchaseRequest{
		AccountID:   "acct-1",
		PackageCode: "basic",
	})
	require.NoError(t, err)

	first, err := env.svc.MarkPurchasePaid(ctx, purchase.ID, "pi_first")
	require.NoError(t, err)
	assert.Equal(t, "pi_first", first.ProviderPaymentID)

	// Redelivered webhook with a different payment id does not overwrite.
	second, err := env.svc.MarkPurchasePaid(ctx, purchase.ID, "pi_second")
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PurchaseStatusPaid, second.Status)
	assert.Equal(t, "pi_first", second.ProviderPaymentID)
}

func TestAwardPurchaseCreditsSequentialDoubleAward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	purchase, err := env.svc.CreatePurchase(ctx, billingdomain.CreatePurchaseRequest{
		AccountID:   "acct-1",
		PackageCode: "starter",
	})
	require.NoError(t, err)
	_, err = env.svc.MarkPurchasePaid(ctx, purchase.ID, "pi_1")
	require.NoError(t, err)

	first, err := env.svc.AwardPurchaseCredits(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PurchaseStatusFulfilled, first.Status)

	// The second award is a read, not a credit.
	second, err := env.svc.AwardPurchaseCredits(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PurchaseStatusFulfilled, second.Status)

	balance, err := env.svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), balance.BalanceMillicredits)

	var count int64
	require.NoError(t, env.db.Model(&billingdomain.LedgerEntry{}).
		Where("account_id = ? AND type = ?", "acct-1", billingdomain.EntryTypePurchase).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAwardPurchaseCreditsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.AwardPurchaseCredits(context.Background(), env.node.Generate())
	assert.ErrorIs(t, err, billingdomain.ErrPurchaseNotFound)
}
