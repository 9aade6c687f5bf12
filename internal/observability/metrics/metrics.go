package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the billing engine.
type Metrics struct {
	charges             metric.Int64Counter
	chargedMillicredits metric.Int64Counter
	insufficientCredits metric.Int64Counter
	ledgerEntries       metric.Int64Counter
	purchasesFulfilled  metric.Int64Counter
	duplicateAwards     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "ledgermill"
	}
	meter := provider.Meter(name)

	charges, err := meter.Int64Counter("ledgermill_charges_total")
	if err != nil {
		return nil, err
	}
	chargedMillicredits, err := meter.Int64Counter("ledgermill_charged_millicredits_total")
	if err != nil {
		return nil, err
	}
	insufficientCredits, err := meter.Int64Counter("ledgermill_insufficient_credits_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("ledgermill_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	purchasesFulfilled, err := meter.Int64Counter("ledgermill_purchases_fulfilled_total")
	if err != nil {
		return nil, err
	}
	duplicateAwards, err := meter.Int64Counter("ledgermill_duplicate_awards_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		charges:             charges,
		chargedMillicredits: chargedMillicredits,
		insufficientCredits: insufficientCredits,
		ledgerEntries:       ledgerEntries,
		purchasesFulfilled:  purchasesFulfilled,
		duplicateAwards:     duplicateAwards,
	}, nil
}

// RecordCharge increments successful usage charge counts and the charged volume.
func (m *Metrics) RecordCharge(ctx context.Context, model string, millicredits int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", strings.TrimSpace(model)))
	m.charges.Add(ctx, 1, attrs)
	m.chargedMillicredits.Add(ctx, millicredits, attrs)
}

// RecordInsufficientCredits increments rejected charge counts.
func (m *Metrics) RecordInsufficientCredits(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.insufficientCredits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", strings.TrimSpace(model)),
	))
}

// RecordLedgerEntry increments ledger append counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", strings.TrimSpace(entryType)),
	))
}

// RecordPurchaseFulfilled increments fulfillment counts.
func (m *Metrics) RecordPurchaseFulfilled(ctx context.Context, packageCode string) {
	if m == nil {
		return
	}
	m.purchasesFulfilled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("package", strings.TrimSpace(packageCode)),
	))
}

// RecordDuplicateAward increments idempotent re-fulfillment counts.
func (m *Metrics) RecordDuplicateAward(ctx context.Context, packageCode string) {
	if m == nil {
		return
	}
	m.duplicateAwards.Add(ctx, 1, metric.WithAttributes(
		attribute.String("package", strings.TrimSpace(packageCode)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
