package rate

import (
	"github.com/ledgermill/ledgermill/internal/rate/repository"
	"github.com/ledgermill/ledgermill/internal/rate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
