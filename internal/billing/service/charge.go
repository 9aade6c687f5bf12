package service

import (
	"context"
	"errors"
	"strings"

	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"gorm.io/gorm"
)

func (s *Service) ChargeForUsage(ctx context.Context, req billingdomain.ChargeRequest) (*billingdomain.ChargeResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, billingdomain.ErrInvalidAccount
	}

	computed, err := s.ComputeCharge(ctx, req.Model, req.InputTokens, req.OutputTokens, req.Rounding)
	if err != nil {
		return nil, err
	}
	charge := computed.ChargeMillicredits

	// Fast pre-check outside the lock. Not race-safe on its own: the
	// balance can change before the transaction below acquires the row,
	// so the authoritative check stays inside applyEntryTx.
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if balance.BalanceMillicredits < charge {
		s.obsMetrics.RecordInsufficientCredits(ctx, req.Model)
		return nil, billingdomain.NewPaymentRequiredError(charge, balance.BalanceMillicredits)
	}

	unlock := s.locks.Lock("account:" + accountID)
	defer unlock()

	var result *billingdomain.ChargeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.applyEntryTx(ctx, tx, accountID, -charge, billingdomain.EntryMeta{
			Type:          billingdomain.EntryTypeDeduction,
			ReferenceType: billingdomain.ReferenceUsageMetering,
			ReferenceID:   req.RequestID,
			Metadata: map[string]any{
				"model":         req.Model,
				"input_tokens":  req.InputTokens,
				"output_tokens": req.OutputTokens,
				"input_rate":    computed.AppliedRate.InputCreditsPer1k,
				"output_rate":   computed.AppliedRate.OutputCreditsPer1k,
			},
		})
		if err != nil {
			return err
		}

		event := &billingdomain.UsageEvent{
			ID:                        s.genID.Generate(),
			AccountID:                 accountID,
			Model:                     req.Model,
			InputTokens:               req.InputTokens,
			OutputTokens:              req.OutputTokens,
			AppliedInputCreditsPer1k:  computed.AppliedRate.InputCreditsPer1k,
			AppliedOutputCreditsPer1k: computed.AppliedRate.OutputCreditsPer1k,
			ChargedMillicredits:       charge,
			RequestID:                 req.RequestID,
			CreatedAt:                 s.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(event).Error; err != nil {
			return err
		}

		result = &billingdomain.ChargeResult{
			ChargedMillicredits:    charge,
			NewBalanceMillicredits: applied.NewBalanceMillicredits,
			Entry:                  applied.Entry,
			Event:                  event,
		}
		return nil
	})
	if err != nil {
		// A concurrent debit may have won the race between the pre-check
		// and the lock; surface it in the caller-facing form.
		var insufficient *billingdomain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.obsMetrics.RecordInsufficientCredits(ctx, req.Model)
			return nil, billingdomain.NewPaymentRequiredError(
				insufficient.RequiredMillicredits,
				insufficient.CurrentMillicredits,
			)
		}
		return nil, err
	}

	s.obsMetrics.RecordCharge(ctx, req.Model, charge)
	s.obsMetrics.RecordLedgerEntry(ctx, string(billingdomain.EntryTypeDeduction))

	return result, nil
}
