package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/ledgermill/ledgermill/pkg/millicredit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) CreatePurchase(ctx context.Context, req billingdomain.CreatePurchaseRequest) (*billingdomain.Purchase, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, billingdomain.ErrInvalidAccount
	}

	pkg, ok := s.billing.Get().Package(strings.TrimSpace(req.PackageCode))
	if !ok {
		return nil, billingdomain.ErrUnknownPackage
	}

	sessionID := strings.TrimSpace(req.ProviderSessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := s.clock.Now()
	purchase := &billingdomain.Purchase{
		ID:                s.genID.Generate(),
		AccountID:         accountID,
		PackageCode:       pkg.Code,
		Status:            billingdomain.PurchaseStatusPending,
		PriceUSDCents:     pkg.PriceUSDCents,
		BaseCredits:       pkg.BaseCredits,
		BonusCredits:      pkg.BonusCredits,
		TotalCredits:      pkg.TotalCredits(),
		ProviderSessionID: sessionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(purchase).Error; err != nil {
		return nil, err
	}

	s.log.Info("purchase created",
		zap.String("purchase_id", purchase.ID.String()),
		zap.String("account_id", accountID),
		zap.String("package", pkg.Code),
	)

	return purchase, nil
}

func (s *Service) MarkPurchasePaid(ctx context.Context, purchaseID snowflake.ID, providerPaymentID string) (*billingdomain.Purchase, error) {
	purchase, err := s.findPurchase(ctx, s.db, purchaseID)
	if err != nil {
		return nil, err
	}

	// Payment webhooks are delivered at least once; repeats after the
	// transition are a no-op.
	if purchase.Status != billingdomain.PurchaseStatusPending {
		return purchase, nil
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE purchases SET status = ?, provider_payment_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		billingdomain.PurchaseStatusPaid,
		strings.TrimSpace(providerPaymentID),
		s.clock.Now(),
		purchaseID,
		billingdomain.PurchaseStatusPending,
	)
	if res.Error != nil {
		return nil, res.Error
	}

	return s.findPurchase(ctx, s.db, purchaseID)
}

func (s *Service) AwardPurchaseCredits(ctx context.Context, purchaseID snowflake.ID) (*billingdomain.Purchase, error) {
	purchase, err := s.findPurchase(ctx, s.db, purchaseID)
	if err != nil {
		return nil, err
	}

	if purchase.Status == billingdomain.PurchaseStatusFulfilled {
		s.obsMetrics.RecordDuplicateAward(ctx, purchase.PackageCode)
		return purchase, nil
	}

	// Lock ordering is always purchase before account.
	unlockPurchase := s.locks.Lock("purchase:" + purchaseID.String())
	defer unlockPurchase()
	unlockAccount := s.locks.Lock("account:" + purchase.AccountID)
	defer unlockAccount()

	duplicate := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Optimistic gate: the conditional status transition and the
		// "already fulfilled" check are one atomic statement, so the
		// award happens at most once even across service instances.
		res := tx.WithContext(ctx).Exec(
			`UPDATE purchases SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			billingdomain.PurchaseStatusFulfilled,
			s.clock.Now(),
			purchaseID,
			billingdomain.PurchaseStatusPaid,
		)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			current, err := s.findPurchase(ctx, tx, purchaseID)
			if err != nil {
				return err
			}
			if current.Status == billingdomain.PurchaseStatusFulfilled {
				duplicate = true
				return nil
			}
			return billingdomain.ErrPurchaseNotPayable
		}

		referenceID := purchase.ProviderPaymentID
		if referenceID == "" {
			referenceID = purchase.ProviderSessionID
		}

		_, err := s.applyEntryTx(ctx, tx, purchase.AccountID,
			millicredit.FromCredits(purchase.TotalCredits),
			billingdomain.EntryMeta{
				Type:          billingdomain.EntryTypePurchase,
				ReferenceType: billingdomain.ReferencePaymentProvider,
				ReferenceID:   referenceID,
				Metadata: map[string]any{
					"purchase_id":   purchaseID.String(),
					"package_code":  purchase.PackageCode,
					"base_credits":  purchase.BaseCredits,
					"bonus_credits": purchase.BonusCredits,
					"total_credits": purchase.TotalCredits,
				},
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.findPurchase(ctx, s.db, purchaseID)
	if err != nil {
		return nil, err
	}

	if duplicate {
		s.obsMetrics.RecordDuplicateAward(ctx, updated.PackageCode)
		return updated, nil
	}

	s.obsMetrics.RecordPurchaseFulfilled(ctx, updated.PackageCode)
	s.obsMetrics.RecordLedgerEntry(ctx, string(billingdomain.EntryTypePurchase))
	s.log.Info("purchase fulfilled",
		zap.String("purchase_id", purchaseID.String()),
		zap.String("account_id", updated.AccountID),
		zap.Int64("total_credits", updated.TotalCredits),
	)

	return updated, nil
}

func (s *Service) findPurchase(ctx context.Context, tx *gorm.DB, purchaseID snowflake.ID) (*billingdomain.Purchase, error) {
	var purchase billingdomain.Purchase
	err := tx.WithContext(ctx).Where("id = ?", purchaseID).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}
