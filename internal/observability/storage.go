package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"warden/internal/models"
	"warden/internal/storage"
)

// InstrumentedStorage wraps a storage.Storage with a span, a latency
// sample and an error count per call.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

type InstrumentOption func(*instrumentConfig)

type instrumentConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

func WithTracerProvider(tp trace.TracerProvider) InstrumentOption {
	return func(c *instrumentConfig) {
		c.tracerProvider = tp
	}
}

func WithMeterProvider(mp metric.MeterProvider) InstrumentOption {
	return func(c *instrumentConfig) {
		c.meterProvider = mp
	}
}

// NewInstrumentedStorage uses the global providers unless overridden.
func NewInstrumentedStorage(inner storage.Storage, opts ...InstrumentOption) (*InstrumentedStorage, error) {
	cfg := &instrumentConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	meter := cfg.meterProvider.Meter("warden/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   cfg.tracerProvider.Tracer("warden/storage"),
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func subject(id int64) attribute.KeyValue {
	return attribute.Int64("subject_id", id)
}

func (s *InstrumentedStorage) CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "CreateAccount", attribute.String("user_name", account.UserName))
	start := time.Now()
	result, err := s.inner.CreateAccount(ctx, account)
	s.record(ctx, span, "CreateAccount", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "GetAccount", subject(id))
	start := time.Now()
	result, err := s.inner.GetAccount(ctx, id)
	s.record(ctx, span, "GetAccount", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetAccountByName(ctx context.Context, userName string) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "GetAccountByName", attribute.String("user_name", userName))
	start := time.Now()
	result, err := s.inner.GetAccountByName(ctx, userName)
	s.record(ctx, span, "GetAccountByName", start, err)
	return result, err
}

func (s *InstrumentedStorage) SetPrivileged(ctx context.Context, id int64, privileged bool) error {
	ctx, span := s.startSpan(ctx, "SetPrivileged", subject(id), attribute.Bool("privileged", privileged))
	start := time.Now()
	err := s.inner.SetPrivileged(ctx, id, privileged)
	s.record(ctx, span, "SetPrivileged", start, err)
	return err
}

func (s *InstrumentedStorage) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	ctx, span := s.startSpan(ctx, "UpdatePasswordHash", subject(id))
	start := time.Now()
	err := s.inner.UpdatePasswordHash(ctx, id, hash)
	s.record(ctx, span, "UpdatePasswordHash", start, err)
	return err
}

func (s *InstrumentedStorage) DeleteAccount(ctx context.Context, id int64) error {
	ctx, span := s.startSpan(ctx, "DeleteAccount", subject(id))
	start := time.Now()
	err := s.inner.DeleteAccount(ctx, id)
	s.record(ctx, span, "DeleteAccount", start, err)
	return err
}

func (s *InstrumentedStorage) InsertBan(ctx context.Context, ban *models.BanRecord) (*models.BanRecord, error) {
	ctx, span := s.startSpan(ctx, "InsertBan", subject(ban.SubjectID))
	start := time.Now()
	result, err := s.inner.InsertBan(ctx, ban)
	s.record(ctx, span, "InsertBan", start, err)
	return result, err
}

func (s *InstrumentedStorage) LatestBan(ctx context.Context, subjectID int64) (*models.BanRecord, error) {
	ctx, span := s.startSpan(ctx, "LatestBan", subject(subjectID))
	start := time.Now()
	result, err := s.inner.LatestBan(ctx, subjectID)
	// Never having been banned is the common case, not a failure.
	if errors.Is(err, storage.ErrNotFound) {
		s.record(ctx, span, "LatestBan", start, nil)
	} else {
		s.record(ctx, span, "LatestBan", start, err)
	}
	return result, err
}

func (s *InstrumentedStorage) DeactivateBans(ctx context.Context, subjectID int64) (int64, error) {
	ctx, span := s.startSpan(ctx, "DeactivateBans", subject(subjectID))
	start := time.Now()
	result, err := s.inner.DeactivateBans(ctx, subjectID)
	s.record(ctx, span, "DeactivateBans", start, err)
	return result, err
}

func (s *InstrumentedStorage) ListBans(ctx context.Context, subjectID int64) ([]*models.BanRecord, error) {
	ctx, span := s.startSpan(ctx, "ListBans", subject(subjectID))
	start := time.Now()
	result, err := s.inner.ListBans(ctx, subjectID)
	s.record(ctx, span, "ListBans", start, err)
	return result, err
}

func (s *InstrumentedStorage) AppendActivity(ctx context.Context, event models.ActivityEvent) error {
	ctx, span := s.startSpan(ctx, "AppendActivity", subject(event.SubjectID), attribute.Int("weight", event.Weight))
	start := time.Now()
	err := s.inner.AppendActivity(ctx, event)
	s.record(ctx, span, "AppendActivity", start, err)
	return err
}

func (s *InstrumentedStorage) SumActivity(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "SumActivity", subject(subjectID))
	start := time.Now()
	result, err := s.inner.SumActivity(ctx, subjectID, since)
	s.record(ctx, span, "SumActivity", start, err)
	return result, err
}

func (s *InstrumentedStorage) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "PruneActivity")
	start := time.Now()
	result, err := s.inner.PruneActivity(ctx, cutoff)
	span.SetAttributes(attribute.Int64("removed", result))
	s.record(ctx, span, "PruneActivity", start, err)
	return result, err
}

func (s *InstrumentedStorage) PurgeContent(ctx context.Context, subjectID int64) (*storage.PurgeSummary, error) {
	ctx, span := s.startSpan(ctx, "PurgeContent", subject(subjectID))
	start := time.Now()
	result, err := s.inner.PurgeContent(ctx, subjectID)
	s.record(ctx, span, "PurgeContent", start, err)
	return result, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
