package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	"github.com/ledgermill/ledgermill/pkg/db/pagination"
)

// EntryMeta classifies a ledger entry being applied.
type EntryMeta struct {
	Type          EntryType
	ReferenceType ReferenceType
	ReferenceID   string
	Metadata      map[string]any
}

// ApplyResult reports a committed ledger application.
type ApplyResult struct {
	NewBalanceMillicredits int64
	Entry                  *LedgerEntry
}

// ComputedCharge is the output of the charge calculator: the millicredits
// owed plus the rate version that produced them.
type ComputedCharge struct {
	ChargeMillicredits int64
	AppliedRate        ratedomain.RateCardEntry
}

type ChargeRequest struct {
	AccountID    string         `json:"account_id"`
	Model        string         `json:"model"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	RequestID    string         `json:"request_id"`
	Rounding     RoundingPolicy `json:"rounding"`
}

type ChargeResult struct {
	ChargedMillicredits    int64
	NewBalanceMillicredits int64
	Entry                  *LedgerEntry
	Event                  *UsageEvent
}

// ChargeEstimate is a dry-run cost breakdown in display units.
type ChargeEstimate struct {
	CreditsRequired float64 `json:"credits_required"`
	USDEquivalent   float64 `json:"usd_equivalent"`
	InputCredits    float64 `json:"input_credits"`
	OutputCredits   float64 `json:"output_credits"`
	InputRate       string  `json:"input_rate"`
	OutputRate      string  `json:"output_rate"`
}

type CreatePurchaseRequest struct {
	AccountID         string `json:"account_id"`
	PackageCode       string `json:"package_code"`
	ProviderSessionID string `json:"provider_session_id"`
}

type ListRequest struct {
	AccountID string `json:"account_id"`
	PageSize  int    `json:"page_size"`
	PageToken string `json:"page_token"`
}

type ListLedgerResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

// PackageView is a catalog entry in display units.
type PackageView struct {
	Code          string  `json:"code"`
	PriceUSDCents int64   `json:"price_usd_cents"`
	PriceUSD      float64 `json:"price_usd"`
	BaseCredits   int64   `json:"base_credits"`
	BonusCredits  int64   `json:"bonus_credits"`
	TotalCredits  int64   `json:"total_credits"`
}

// BillingSummary combines the dashboard view: balance, catalog, active rates
// and recent activity. Monetary values are display units only.
type BillingSummary struct {
	BalanceCredits      float64                    `json:"balance_credits"`
	BalanceMillicredits int64                      `json:"balance_millicredits"`
	BalanceUSD          float64                    `json:"balance_usd"`
	Packages            []PackageView              `json:"packages"`
	RateCard            []ratedomain.RateCardEntry `json:"rate_card"`
	RecentLedger        []LedgerEntry              `json:"recent_ledger"`
	RecentUsage         []UsageEvent               `json:"recent_usage"`
}

// ReconcileReport compares the balance row against the ledger sum for one
// account. Consistent is false when the conservation law is violated.
type ReconcileReport struct {
	AccountID             string `json:"account_id"`
	BalanceMillicredits   int64  `json:"balance_millicredits"`
	LedgerSumMillicredits int64  `json:"ledger_sum_millicredits"`
	Consistent            bool   `json:"consistent"`
}

type Service interface {
	// ComputeCharge prices a usage event against the active rate for the
	// model using integer arithmetic only.
	ComputeCharge(ctx context.Context, model string, inputTokens, outputTokens int64, rounding RoundingPolicy) (*ComputedCharge, error)

	// EstimateCharge is a read-only dry run of ComputeCharge in display units.
	EstimateCharge(ctx context.Context, model string, inputTokens, outputTokens int64) (*ChargeEstimate, error)

	// GetBalance returns the account's balance, creating a zero row lazily.
	GetBalance(ctx context.Context, accountID string) (*CreditBalance, error)

	// ApplyLedgerEntry atomically checks the non-negativity invariant,
	// mutates the balance and appends one ledger entry. Calls for the same
	// account are strictly ordered; different accounts proceed in parallel.
	ApplyLedgerEntry(ctx context.Context, accountID string, deltaMillicredits int64, meta EntryMeta) (*ApplyResult, error)

	// ChargeForUsage debits the computed charge and records the usage event
	// in the same transaction. Returns *PaymentRequiredError on shortfall.
	ChargeForUsage(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// CreatePurchase records a pending credit-package purchase.
	CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*Purchase, error)

	// MarkPurchasePaid transitions pending -> paid once payment confirms.
	MarkPurchasePaid(ctx context.Context, purchaseID snowflake.ID, providerPaymentID string) (*Purchase, error)

	// AwardPurchaseCredits fulfills a paid purchase exactly once. Re-invoking
	// it for a fulfilled purchase returns the existing record unchanged.
	AwardPurchaseCredits(ctx context.Context, purchaseID snowflake.ID) (*Purchase, error)

	// ListLedger pages ledger entries newest-first.
	ListLedger(ctx context.Context, req ListRequest) (ListLedgerResponse, error)

	// ListUsage pages usage events newest-first.
	ListUsage(ctx context.Context, req ListRequest) (ListUsageResponse, error)

	// Summary builds the dashboard view for one account.
	Summary(ctx context.Context, accountID string) (*BillingSummary, error)

	// Reconcile verifies balance == SUM(ledger amounts) for one account.
	Reconcile(ctx context.Context, accountID string) (*ReconcileReport, error)
}
