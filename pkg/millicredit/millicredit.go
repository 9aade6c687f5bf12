// Package millicredit holds the integer arithmetic for prepaid credit value.
//
// All balances, charges and ledger amounts are stored as millicredits
// (1 credit = 1,000 millicredits). Conversion back to decimal credits or
// USD happens only at display boundaries and never feeds back into any
// computation that the ledger conservation invariant depends on.
package millicredit

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// PerCredit is the number of millicredits in one credit.
	PerCredit int64 = 1000

	// CreditsPerDollar pegs the credit display unit to USD.
	CreditsPerDollar int64 = 1000
)

var ErrInvalidCreditAmount = errors.New("invalid_credit_amount")

// maxWholeDigits bounds the integer part of a parsed credit amount so the
// millicredit total cannot overflow int64.
const maxWholeDigits = 15

// FromCredits converts a whole-credit amount to millicredits.
func FromCredits(credits int64) int64 {
	return credits * PerCredit
}

// ToCredits converts millicredits to decimal credits. Display only.
func ToCredits(m int64) float64 {
	return float64(m) / float64(PerCredit)
}

// ToUSD converts millicredits to a dollar amount. Display only.
func ToUSD(m int64) float64 {
	return ToCredits(m) / float64(CreditsPerDollar)
}

// Format renders millicredits as a two-decimal credit string, e.g. 1500 -> "1.50".
func Format(m int64) string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	whole := m / PerCredit
	// Round the fractional part to two decimals, half up.
	cents := (m%PerCredit + 5) / 10
	if cents == 100 {
		whole++
		cents = 0
	}
	return fmt.Sprintf("%s%d.%02d", sign, whole, cents)
}

// ParseCreditRate parses a non-negative decimal credit amount expressed as a
// string (the rate card storage format, e.g. "0.6" or "2.40") into
// millicredits. Parsing is pure integer arithmetic; fractional digits beyond
// the millicredit resolution are floored.
func ParseCreditRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidCreditAmount
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, ErrInvalidCreditAmount
	}

	// 15 significant integer digits keeps total*PerCredit well inside int64;
	// anything longer is operator error, not a price.
	if len(strings.TrimLeft(whole, "0")) > maxWholeDigits {
		return 0, ErrInvalidCreditAmount
	}

	var total int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, ErrInvalidCreditAmount
		}
		total = total*10 + int64(r-'0')
	}
	total *= PerCredit

	scale := PerCredit / 10
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidCreditAmount
		}
		if scale > 0 {
			total += int64(r-'0') * scale
			scale /= 10
		}
		// digits past millicredit resolution are floored
	}

	return total, nil
}
