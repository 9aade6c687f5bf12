package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/ledgermill/ledgermill/internal/billing/domain"
	"github.com/ledgermill/ledgermill/pkg/db/pagination"
	"github.com/ledgermill/ledgermill/pkg/millicredit"
	"gorm.io/gorm"
)

const summaryRecentLimit = 10

func (s *Service) ListLedger(ctx context.Context, req billingdomain.ListRequest) (billingdomain.ListLedgerResponse, error) {
	var resp billingdomain.ListLedgerResponse

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return resp, billingdomain.ErrInvalidAccount
	}
	limit := pagination.ClampPageSize(req.PageSize)

	stmt, err := s.pageQuery(ctx, accountID, req.PageToken)
	if err != nil {
		return resp, err
	}

	var entries []billingdomain.LedgerEntry
	if err := stmt.Limit(limit + 1).Find(&entries).Error; err != nil {
		return resp, err
	}

	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		token, err := pagination.EncodeCursor(pagination.NewCursor(last.ID.String(), last.CreatedAt))
		if err != nil {
			return resp, err
		}
		resp.HasMore = true
		resp.NextPageToken = token
	}
	resp.Entries = entries

	return resp, nil
}

func (s *Service) ListUsage(ctx context.Context, req billingdomain.ListRequest) (billingdomain.ListUsageResponse, error) {
	var resp billingdomain.ListUsageResponse

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return resp, billingdomain.ErrInvalidAccount
	}
	limit := pagination.ClampPageSize(req.PageSize)

	stmt, err := s.pageQuery(ctx, accountID, req.PageToken)
	if err != nil {
		return resp, err
	}

	var events []billingdomain.UsageEvent
	if err := stmt.Limit(limit + 1).Find(&events).Error; err != nil {
		return resp, err
	}

	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		token, err := pagination.EncodeCursor(pagination.NewCursor(last.ID.String(), last.CreatedAt))
		if err != nil {
			return resp, err
		}
		resp.HasMore = true
		resp.NextPageToken = token
	}
	resp.Events = events

	return resp, nil
}

// pageQuery builds the newest-first scan for an account, positioned after the
// cursor when one is given. The snowflake ID breaks ties between rows created
// in the same instant.
func (s *Service) pageQuery(ctx context.Context, accountID, pageToken string) (*gorm.DB, error) {
	stmt := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC")

	if pageToken == "" {
		return stmt, nil
	}

	cursor, err := pagination.DecodeCursor(pageToken)
	if err != nil {
		return nil, err
	}
	cursorAt, err := cursor.Time()
	if err != nil {
		return nil, err
	}
	cursorID, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return nil, err
	}

	return stmt.Where(
		"created_at < ? OR (created_at = ? AND id < ?)",
		cursorAt, cursorAt, cursorID,
	), nil
}

func (s *Service) Summary(ctx context.Context, accountID string) (*billingdomain.BillingSummary, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var recentLedger []billingdomain.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(summaryRecentLimit).
		Find(&recentLedger).Error; err != nil {
		return nil, err
	}

	var recentUsage []billingdomain.UsageEvent
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(summaryRecentLimit).
		Find(&recentUsage).Error; err != nil {
		return nil, err
	}

	rateCard, err := s.rateSvc.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	catalog := s.billing.Get().Packages
	packages := make([]billingdomain.PackageView, 0, len(catalog))
	for _, pkg := range catalog {
		packages = append(packages, billingdomain.PackageView{
			Code:          pkg.Code,
			PriceUSDCents: pkg.PriceUSDCents,
			PriceUSD:      float64(pkg.PriceUSDCents) / 100,
			BaseCredits:   pkg.BaseCredits,
			BonusCredits:  pkg.BonusCredits,
			TotalCredits:  pkg.TotalCredits(),
		})
	}

	return &billingdomain.BillingSummary{
		BalanceCredits:      millicredit.ToCredits(balance.BalanceMillicredits),
		BalanceMillicredits: balance.BalanceMillicredits,
		BalanceUSD:          millicredit.ToUSD(balance.BalanceMillicredits),
		Packages:            packages,
		RateCard:            rateCard,
		RecentLedger:        recentLedger,
		RecentUsage:         recentUsage,
	}, nil
}

func (s *Service) Reconcile(ctx context.Context, accountID string) (*billingdomain.ReconcileReport, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var ledgerSum int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_millicredits), 0)
		 FROM credit_ledger_entries
		 WHERE account_id = ?`,
		accountID,
	).Scan(&ledgerSum).Error; err != nil {
		return nil, err
	}

	return &billingdomain.ReconcileReport{
		AccountID:             accountID,
		BalanceMillicredits:   balance.BalanceMillicredits,
		LedgerSumMillicredits: ledgerSum,
		Consistent:            balance.BalanceMillicredits == ledgerSum,
	}, nil
}
