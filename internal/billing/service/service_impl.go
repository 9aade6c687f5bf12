package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/ledgermill/ledgermill/internal/clock"
	"github.com/ledgermill/ledgermill/internal/config"
	obsmetrics "github.com/ledgermill/ledgermill/internal/observability/metrics"
	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	"github.com/ledgermill/ledgermill/pkg/db"
	"github.com/ledgermill/ledgermill/pkg/millicredit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	RateSvc    ratedomain.Service
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	rateSvc    ratedomain.Service
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics

	// lockRows is false on sqlite, where FOR UPDATE is not supported and the
	// keyed mutex plus the database write lock already serialize writers.
	lockRows bool
	locks    keyedMutex
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		rateSvc:    p.RateSvc,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
		lockRows:   db.SupportsRowLocking(p.DB),
	}
}

// tokensPer1kRate is the divisor in the charge formula: rates are priced per
// 1,000 tokens.
const tokensPer1kRate int64 = 1000

func (s *Service) ComputeCharge(
	ctx context.Context,
	model string,
	inputTokens, outputTokens int64,
	rounding billingdomain.RoundingPolicy,
) (*billingdomain.ComputedCharge, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return nil, billingdomain.ErrInvalidTokenCount
	}
	switch rounding {
	case billingdomain.RoundingExact, billingdomain.RoundingCeil:
	case "":
		rounding = billingdomain.RoundingExact
	default:
		return nil, billingdomain.ErrInvalidRounding
	}

	rate, err := s.rateSvc.ActiveRate(ctx, model)
	if err != nil {
		return nil, err
	}

	inRate, err := millicredit.ParseCreditRate(rate.InputCreditsPer1k)
	if err != nil {
		return nil, ratedomain.ErrInvalidRate
	}
	outRate, err := millicredit.ParseCreditRate(rate.OutputCreditsPer1k)
	if err != nil {
		return nil, ratedomain.ErrInvalidRate
	}

	// Integer arithmetic throughout: multiply before dividing so no
	// precision is lost ahead of the final division.
	numerator := inputTokens*inRate + outputTokens*outRate
	charge := numerator / tokensPer1kRate
	if rounding == billingdomain.RoundingCeil && numerator%tokensPer1kRate != 0 {
		charge++
	}

	return &billingdomain.ComputedCharge{
		ChargeMillicredits: charge,
		AppliedRate:        *rate,
	}, nil
}

func (s *Service) EstimateCharge(
	ctx context.Context,
	model string,
	inputTokens, outputTokens int64,
) (*billingdomain.ChargeEstimate, error) {
	computed, err := s.ComputeCharge(ctx, model, inputTokens, outputTokens, billingdomain.RoundingExact)
	if err != nil {
		return nil, err
	}

	inRate, _ := millicredit.ParseCreditRate(computed.AppliedRate.InputCreditsPer1k)
	outRate, _ := millicredit.ParseCreditRate(computed.AppliedRate.OutputCreditsPer1k)
	creditsRequired := millicredit.ToCredits(computed.ChargeMillicredits)

	return &billingdomain.ChargeEstimate{
		CreditsRequired: creditsRequired,
		USDEquivalent:   millicredit.ToUSD(computed.ChargeMillicredits),
		InputCredits:    millicredit.ToCredits(inputTokens * inRate / tokensPer1kRate),
		OutputCredits:   millicredit.ToCredits(outputTokens * outRate / tokensPer1kRate),
		InputRate:       computed.AppliedRate.InputCreditsPer1k,
		OutputRate:      computed.AppliedRate.OutputCreditsPer1k,
	}, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (*billingdomain.CreditBalance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, billingdomain.ErrInvalidAccount
	}

	var balance billingdomain.CreditBalance
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&balance).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Lazy zero-initialization on first read.
	balance = billingdomain.CreditBalance{
		AccountID:           accountID,
		BalanceMillicredits: 0,
		UpdatedAt:           s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&balance).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost the creation race; the row exists now.
			err = s.db.WithContext(ctx).
				Where("account_id = ?", accountID).
				First(&balance).Error
			if err != nil {
				return nil, err
			}
			return &balance, nil
		}
		return nil, err
	}

	return &balance, nil
}

func (s *Service) ApplyLedgerEntry(
	ctx context.Context,
	accountID string,
	deltaMillicredits int64,
	meta billingdomain.EntryMeta,
) (*billingdomain.ApplyResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, billingdomain.ErrInvalidAccount
	}

	unlock := s.locks.Lock("account:" + accountID)
	defer unlock()

	var result *billingdomain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.applyEntryTx(ctx, tx, accountID, deltaMillicredits, meta)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(meta.Type))
	return result, nil
}

// applyEntryTx is the single choke point for balance mutation: read the
// balance under lock, check the non-negativity invariant, write the new
// balance and append the ledger entry. Callers hold the account's keyed
// mutex and run inside a transaction.
func (s *Service) applyEntryTx(
	ctx context.Context,
	tx *gorm.DB,
	accountID string,
	deltaMillicredits int64,
	meta billingdomain.EntryMeta,
) (*billingdomain.ApplyResult, error) {
	now := s.clock.Now()

	readBalance := func(balance *billingdomain.CreditBalance) error {
		stmt := tx.WithContext(ctx)
		if s.lockRows {
			stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		return stmt.Where("account_id = ?", accountID).First(balance).Error
	}

	var balance billingdomain.CreditBalance
	err := readBalance(&balance)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = billingdomain.CreditBalance{
			AccountID:           accountID,
			BalanceMillicredits: 0,
			UpdatedAt:           now,
		}
		err = tx.WithContext(ctx).Create(&balance).Error
		if db.IsDuplicateKeyErr(err) {
			// FOR UPDATE on a missing row locks nothing, so another writer
			// (a second instance, or GetBalance outside the keyed mutex) can
			// insert the zero row between our read and create. Re-read it
			// under the lock clause and carry on.
			err = readBalance(&balance)
		}
	}
	if err != nil {
		return nil, err
	}

	newBalance := balance.BalanceMillicredits + deltaMillicredits
	if deltaMillicredits < 0 && newBalance < 0 {
		return nil, &billingdomain.InsufficientCreditsError{
			RequiredMillicredits: -deltaMillicredits,
			CurrentMillicredits:  balance.BalanceMillicredits,
		}
	}

	if err := tx.WithContext(ctx).
		Model(&billingdomain.CreditBalance{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"balance_millicredits": newBalance,
			"updated_at":           now,
		}).Error; err != nil {
		return nil, err
	}

	entry := &billingdomain.LedgerEntry{
		ID:                       s.genID.Generate(),
		AccountID:                accountID,
		Type:                     meta.Type,
		AmountMillicredits:       deltaMillicredits,
		BalanceAfterMillicredits: newBalance,
		ReferenceType:            meta.ReferenceType,
		ReferenceID:              meta.ReferenceID,
		Metadata:                 datatypes.JSONMap(meta.Metadata),
		CreatedAt:                now,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	return &billingdomain.ApplyResult{
		NewBalanceMillicredits: newBalance,
		Entry:                  entry,
	}, nil
}
