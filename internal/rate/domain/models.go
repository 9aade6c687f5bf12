// Package domain contains the versioned per-model price list.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RateCardEntry prices one model in credits per 1,000 tokens. Rates are
// decimal strings so no float parsing ambiguity reaches the charge path.
// Rows are never updated in place: a new version is inserted and prior
// versions are deactivated, keeping history for audit.
type RateCardEntry struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Model              string       `gorm:"type:text;not null;index"`
	InputCreditsPer1k  string       `gorm:"column:input_credits_per1k;type:text;not null"`
	OutputCreditsPer1k string       `gorm:"column:output_credits_per1k;type:text;not null"`
	Active             bool         `gorm:"not null;default:true;index"`
	EffectiveFrom      time.Time    `gorm:"not null"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RateCardEntry) TableName() string { return "rate_card_entries" }

type PutRateRequest struct {
	Model              string    `json:"model"`
	InputCreditsPer1k  string    `json:"input_credits_per_1k"`
	OutputCreditsPer1k string    `json:"output_credits_per_1k"`
	EffectiveFrom      time.Time `json:"effective_from"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *RateCardEntry) error
	DeactivateModel(ctx context.Context, db *gorm.DB, model string) error
	FindActiveByModel(ctx context.Context, db *gorm.DB, model string) (*RateCardEntry, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]RateCardEntry, error)
	Count(ctx context.Context, db *gorm.DB) (int64, error)
}

type Service interface {
	// ActiveRate returns the single active rate for a model, latest
	// effective_from winning. ErrRateNotFound when no active row exists.
	ActiveRate(ctx context.Context, model string) (*RateCardEntry, error)

	// PutRate inserts a new rate version and deactivates prior versions for
	// the model in one transaction.
	PutRate(ctx context.Context, req PutRateRequest) (*RateCardEntry, error)

	// ListActive returns every model's active rate for the summary view.
	ListActive(ctx context.Context) ([]RateCardEntry, error)
}

var (
	ErrRateNotFound = errors.New("rate_not_found")
	ErrInvalidModel = errors.New("invalid_model")
	ErrInvalidRate  = errors.New("invalid_rate")
)
