package domain

import (
	"errors"
	"fmt"

	"github.com/ledgermill/ledgermill/pkg/millicredit"
)

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidTokenCount  = errors.New("invalid_token_count")
	ErrInvalidRounding    = errors.New("invalid_rounding_policy")
	ErrBalanceNotFound    = errors.New("balance_not_found")
	ErrPurchaseNotFound   = errors.New("purchase_not_found")
	ErrPurchaseNotPayable = errors.New("purchase_not_payable")
	ErrUnknownPackage     = errors.New("unknown_package")
)

// InsufficientCreditsError is the authoritative in-transaction rejection: the
// requested debit would drive the balance negative. No state is mutated.
type InsufficientCreditsError struct {
	RequiredMillicredits int64
	CurrentMillicredits  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d millicredits, current %d millicredits",
		e.RequiredMillicredits, e.CurrentMillicredits)
}

// PaymentRequiredError is the caller-facing form of an insufficient balance,
// expressed in display credits so the caller can render a message without
// re-deriving state. Maps to HTTP 402 at the API boundary.
type PaymentRequiredError struct {
	RequiredCredits float64
	CurrentCredits  float64
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: this needs %.2f credits, you have %.2f",
		e.RequiredCredits, e.CurrentCredits)
}

// NewPaymentRequiredError converts millicredit amounts to the display form.
func NewPaymentRequiredError(requiredMillicredits, currentMillicredits int64) *PaymentRequiredError {
	return &PaymentRequiredError{
		RequiredCredits: millicredit.ToCredits(requiredMillicredits),
		CurrentCredits:  millicredit.ToCredits(currentMillicredits),
	}
}
