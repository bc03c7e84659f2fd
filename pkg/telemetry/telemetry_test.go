package telemetry

import (
	"context"
	"testing"
	"time"

	"dnscache/pkg/config"
	"dnscache/pkg/logging"

	"go.opentelemetry.io/otel/metric"
)

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg     *config.TelemetryConfig
		name    string
		wantErr bool
	}{
		{
			name: "disabled telemetry",
			cfg: &config.TelemetryConfig{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    9091, // different port to avoid conflicts
			},
			wantErr: false,
		},
		{
			name: "only metrics",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: false,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tel, err := New(ctx, tt.cfg, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tel == nil {
				t.Error("New() returned nil telemetry")
			}

			if tel != nil && tel.prometheusServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(ctx)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	if metrics.RRsetHits == nil {
		t.Error("RRsetHits not initialized")
	}
	if metrics.RRsetLockWait == nil {
		t.Error("RRsetLockWait not initialized")
	}
	if metrics.MessageHits == nil {
		t.Error("MessageHits not initialized")
	}
	if metrics.DNAMESyntheses == nil {
		t.Error("DNAMESyntheses not initialized")
	}
	if metrics.DelegationWalks == nil {
		t.Error("DelegationWalks not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	metrics.RRsetHits.Add(ctx, 1, metric.WithAttributes())
	metrics.RRsetMisses.Add(ctx, 1, metric.WithAttributes())
	metrics.RRsetLockWait.Record(ctx, 0.5, metric.WithAttributes())
	metrics.DelegationWalks.Add(ctx, 1, metric.WithAttributes())

	// If we got here without panicking, the test passes.
}

func TestMeterProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	provider := tel.MeterProvider()
	if provider == nil {
		t.Error("MeterProvider() returned nil")
	}
}

func TestShutdown(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    9092, // different port
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestDisabledTelemetry(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		Enabled: false,
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	if tel.MeterProvider() == nil {
		t.Error("Disabled telemetry should still return a noop meter provider")
	}

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Errorf("InitMetrics() with disabled telemetry failed: %v", err)
	}
	if metrics == nil {
		t.Error("InitMetrics() returned nil metrics")
	}
}
