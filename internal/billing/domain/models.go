// Package domain contains the credit-ledger data model: one balance row per
// account, an append-only ledger of signed deltas, usage events recorded
// alongside deductions, and purchases gating idempotent credit awards.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryTypePurchase   EntryType = "purchase"
	EntryTypeDeduction  EntryType = "deduction"
	EntryTypeRefund     EntryType = "refund"
	EntryTypeAdjustment EntryType = "adjustment"
)

// ReferenceType identifies the system a ledger entry correlates with.
type ReferenceType string

const (
	ReferencePaymentProvider ReferenceType = "payment_provider"
	ReferenceUsageMetering   ReferenceType = "usage_metering"
	ReferenceAdmin           ReferenceType = "admin"
	ReferenceSystem          ReferenceType = "system"
)

// PurchaseStatus is the fulfillment state machine: pending -> paid -> fulfilled.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusPaid      PurchaseStatus = "paid"
	PurchaseStatusFulfilled PurchaseStatus = "fulfilled"
)

// RoundingPolicy controls fractional-millicredit handling in charges.
type RoundingPolicy string

const (
	// RoundingExact floors any fractional millicredit.
	RoundingExact RoundingPolicy = "exact"
	// RoundingCeil rounds the total up by one millicredit when the exact
	// computation leaves a remainder.
	RoundingCeil RoundingPolicy = "ceil"
)

// CreditBalance holds one account's balance in millicredits. The row is
// mutated only inside the ledger transaction path and never goes negative.
type CreditBalance struct {
	AccountID           string    `gorm:"primaryKey;type:text"`
	BalanceMillicredits int64     `gorm:"not null;default:0"`
	UpdatedAt           time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// LedgerEntry is an immutable record of one balance-affecting event.
// BalanceAfterMillicredits snapshots the balance immediately after the entry,
// so consecutive entries chain: entry[n].BalanceAfter ==
// entry[n-1].BalanceAfter + entry[n].Amount.
type LedgerEntry struct {
	ID                       snowflake.ID      `gorm:"primaryKey"`
	AccountID                string            `gorm:"type:text;not null;index:idx_ledger_account_created"`
	Type                     EntryType         `gorm:"type:text;not null"`
	AmountMillicredits       int64             `gorm:"not null"`
	BalanceAfterMillicredits int64             `gorm:"not null"`
	ReferenceType            ReferenceType     `gorm:"type:text;not null"`
	ReferenceID              string            `gorm:"type:text"`
	Metadata                 datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt                time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_ledger_account_created"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledger_entries" }

// UsageEvent records one metered AI call and the rates applied at charge
// time. Rates are snapshotted strings, never re-derived from the rate card.
type UsageEvent struct {
	ID                        snowflake.ID `gorm:"primaryKey"`
	AccountID                 string       `gorm:"type:text;not null;index:idx_usage_account_created"`
	Model                     string       `gorm:"type:text;not null"`
	InputTokens               int64        `gorm:"not null"`
	OutputTokens              int64        `gorm:"not null"`
	AppliedInputCreditsPer1k  string       `gorm:"column:applied_input_credits_per1k;type:text;not null"`
	AppliedOutputCreditsPer1k string       `gorm:"column:applied_output_credits_per1k;type:text;not null"`
	ChargedMillicredits       int64        `gorm:"not null"`
	RequestID                 string       `gorm:"type:text"`
	CreatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_usage_account_created"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// Purchase tracks a credit-package payment. Fulfillment credits the ledger at
// most once: the paid -> fulfilled transition is the idempotency gate.
type Purchase struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	AccountID         string         `gorm:"type:text;not null;index"`
	PackageCode       string         `gorm:"type:text;not null"`
	Status            PurchaseStatus `gorm:"type:text;not null;index"`
	PriceUSDCents     int64          `gorm:"column:price_usd_cents;not null"`
	BaseCredits       int64          `gorm:"not null"`
	BonusCredits      int64          `gorm:"not null"`
	TotalCredits      int64          `gorm:"not null"`
	ProviderSessionID string         `gorm:"type:text"`
	ProviderPaymentID string         `gorm:"type:text"`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Purchase) TableName() string { return "purchases" }
