package service

import (
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/ledgermill/ledgermill/internal/clock"
	ratedomain "github.com/ledgermill/ledgermill/internal/rate/domain"
	"github.com/ledgermill/ledgermill/pkg/millicredit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  ratedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  ratedomain.Repository

	// Active-rate cache. Invalidated explicitly on every write, never by
	// process-lifetime assumptions.
	mu    sync.RWMutex
	cache map[string]*ratedomain.RateCardEntry
}

func NewService(p ServiceParam) ratedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("rate.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cache: make(map[string]*ratedomain.RateCardEntry),
	}
}

func (s *Service) ActiveRate(ctx context.Context, model string) (*ratedomain.RateCardEntry, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, ratedomain.ErrInvalidModel
	}

	s.mu.RLock()
	cached, ok := s.cache[model]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	entry, err := s.repo.FindActiveByModel(ctx, s.db, model)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ratedomain.ErrRateNotFound
	}

	s.mu.Lock()
	s.cache[model] = entry
	s.mu.Unlock()

	return entry, nil
}

func (s *Service) PutRate(ctx context.Context, req ratedomain.PutRateRequest) (*ratedomain.RateCardEntry, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, ratedomain.ErrInvalidModel
	}
	if _, err := millicredit.ParseCreditRate(req.InputCreditsPer1k); err != nil {
		return nil, ratedomain.ErrInvalidRate
	}
	if _, err := millicredit.ParseCreditRate(req.OutputCreditsPer1k); err != nil {
		return nil, ratedomain.ErrInvalidRate
	}

	now := s.clock.Now()
	effectiveFrom := req.EffectiveFrom
	if effectiveFrom.IsZero() {
		effectiveFrom = now
	}

	entry := &ratedomain.RateCardEntry{
		ID:                 s.genID.Generate(),
		Model:              model,
		InputCreditsPer1k:  strings.TrimSpace(req.InputCreditsPer1k),
		OutputCreditsPer1k: strings.TrimSpace(req.OutputCreditsPer1k),
		Active:             true,
		EffectiveFrom:      effectiveFrom.UTC(),
		CreatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.DeactivateModel(ctx, tx, model); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(model)

	s.log.Info("rate card updated",
		zap.String("model", model),
		zap.String("input_credits_per_1k", entry.InputCreditsPer1k),
		zap.String("output_credits_per_1k", entry.OutputCreditsPer1k),
	)

	return entry, nil
}

func (s *Service) ListActive(ctx context.Context) ([]ratedomain.RateCardEntry, error) {
	return s.repo.ListActive(ctx, s.db)
}

func (s *Service) invalidate(model string) {
	s.mu.Lock()
	delete(s.cache, model)
	s.mu.Unlock()
}
