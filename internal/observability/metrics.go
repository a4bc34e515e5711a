package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"warden/internal/gate"
)

// MetricsServer serves Prometheus metrics on their own port so they are
// never exposed through the public listener.
type MetricsServer struct {
	server *http.Server
}

func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, provider.MetricsHandler())

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks serving metrics. It returns http.ErrServerClosed after
// Shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// GateMetrics counts authorization outcomes per operation.
type GateMetrics struct {
	decisions metric.Int64Counter
}

// NewGateMetrics registers the gate.decisions counter on mp, or on the
// global meter provider when mp is nil.
func NewGateMetrics(mp metric.MeterProvider) (*GateMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	decisions, err := mp.Meter("warden/gate").Int64Counter(
		"gate.decisions",
		metric.WithDescription("Authorization decisions by operation and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	return &GateMetrics{decisions: decisions}, nil
}

// Observe has the gate.Observer signature.
func (m *GateMetrics) Observe(ctx context.Context, op gate.Operation, outcome string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op.Name),
		attribute.String("outcome", outcome),
	))
}
