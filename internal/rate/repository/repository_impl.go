package repository

import (
	"context"
	"errors"

	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ratedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *ratedomain.RateCardEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO rate_card_entries (id, model, input_credits_per1k, output_credits_per1k, active, effective_from, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Model,
		entry.InputCreditsPer1k,
		entry.OutputCreditsPer1k,
		entry.Active,
		entry.EffectiveFrom,
		entry.CreatedAt,
	).Error
}

func (r *repo) DeactivateModel(ctx context.Context, db *gorm.DB, model string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE rate_card_entries SET active = ? WHERE model = ? AND active = ?`,
		false,
		model,
		true,
	).Error
}

func (r *repo) FindActiveByModel(ctx context.Context, db *gorm.DB, model string) (*ratedomain.RateCardEntry, error) {
	var entry ratedomain.RateCardEntry
	err := db.WithContext(ctx).
		Where("model = ? AND active = ?", model, true).
		Order("effective_from DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]ratedomain.RateCardEntry, error) {
	var entries []ratedomain.RateCardEntry
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("model ASC").
		Find(&entries).Error
	return entries, err
}

func (r *repo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&ratedomain.RateCardEntry{}).Count(&count).Error
	return count, err
}
