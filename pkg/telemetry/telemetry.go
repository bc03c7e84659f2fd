// Package telemetry wires up Prometheus-backed OpenTelemetry metrics for the
// cache subsystem.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dnscache/pkg/config"
	"dnscache/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all cache-subsystem metrics.
type Metrics struct {
	// RRsetStore metrics
	RRsetHits        metric.Int64Counter
	RRsetMisses      metric.Int64Counter
	RRsetStaleRefs   metric.Int64Counter
	RRsetEvictions   metric.Int64Counter
	RRsetInserts     metric.Int64Counter
	RRsetSize        metric.Int64UpDownCounter
	RRsetLockWait    metric.Float64Histogram

	// MessageStore metrics
	MessageHits      metric.Int64Counter
	MessageMisses    metric.Int64Counter
	MessageSize      metric.Int64UpDownCounter

	// Synthesizer metrics
	DNAMESyntheses   metric.Int64Counter
	CNAMEPassthrough metric.Int64Counter

	// DelegationBuilder metrics
	DelegationWalks  metric.Int64Counter
	DelegationGlueHits metric.Int64Counter

	// rate guard metrics
	RateGuardDropped metric.Int64Counter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if t.cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		t.prometheusExporter = exporter

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}

		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns the cache-core metric set.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnscache")

	m := &Metrics{}
	var err error

	if m.RRsetHits, err = meter.Int64Counter("rrset.hits",
		metric.WithDescription("RRsetStore lookups satisfied by a live, unexpired entry")); err != nil {
		return nil, err
	}
	if m.RRsetMisses, err = meter.Int64Counter("rrset.misses",
		metric.WithDescription("RRsetStore lookups that found nothing, or found an expired entry")); err != nil {
		return nil, err
	}
	if m.RRsetStaleRefs, err = meter.Int64Counter("rrset.stale_refs",
		metric.WithDescription("lock_refs calls that failed due to a stale or expired reference")); err != nil {
		return nil, err
	}
	if m.RRsetEvictions, err = meter.Int64Counter("rrset.evictions",
		metric.WithDescription("RRset entries evicted to make room or by TTL sweep")); err != nil {
		return nil, err
	}
	if m.RRsetInserts, err = meter.Int64Counter("rrset.inserts",
		metric.WithDescription("RRsetStore.insert calls, including merges")); err != nil {
		return nil, err
	}
	if m.RRsetSize, err = meter.Int64UpDownCounter("rrset.size",
		metric.WithDescription("current number of live RRset entries")); err != nil {
		return nil, err
	}
	if m.RRsetLockWait, err = meter.Float64Histogram("rrset.lock_wait",
		metric.WithDescription("time spent waiting to acquire an entry lock"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	if m.MessageHits, err = meter.Int64Counter("message.hits",
		metric.WithDescription("MessageStore lookups that found a live, unexpired entry")); err != nil {
		return nil, err
	}
	if m.MessageMisses, err = meter.Int64Counter("message.misses",
		metric.WithDescription("MessageStore lookups that fell through to synthesis or a miss")); err != nil {
		return nil, err
	}
	if m.MessageSize, err = meter.Int64UpDownCounter("message.size",
		metric.WithDescription("current number of live message entries")); err != nil {
		return nil, err
	}

	if m.DNAMESyntheses, err = meter.Int64Counter("synth.dname",
		metric.WithDescription("lookups answered from a cached DNAME")); err != nil {
		return nil, err
	}
	if m.CNAMEPassthrough, err = meter.Int64Counter("synth.cname_passthrough",
		metric.WithDescription("direct CNAME RRset hits returned for re-driven resolution")); err != nil {
		return nil, err
	}

	if m.DelegationWalks, err = meter.Int64Counter("delegation.walks",
		metric.WithDescription("find_delegation ancestor walks performed")); err != nil {
		return nil, err
	}
	if m.DelegationGlueHits, err = meter.Int64Counter("delegation.glue_hits",
		metric.WithDescription("nameserver glue records attached to a delegation point")); err != nil {
		return nil, err
	}

	if m.RateGuardDropped, err = meter.Int64Counter("rateguard.dropped",
		metric.WithDescription("inserts rejected by the per-owner-name flood guard")); err != nil {
		return nil, err
	}

	return m, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
