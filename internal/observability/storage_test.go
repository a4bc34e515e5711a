package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"warden/internal/models"
	"warden/internal/storage"
)

type telemetry struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
}

func newTelemetry(t *testing.T) *telemetry {
	t.Helper()
	tel := &telemetry{
		spans:  tracetest.NewSpanRecorder(),
		reader: sdkmetric.NewManualReader(),
	}
	tel.tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tel.spans))
	tel.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(tel.reader))
	t.Cleanup(func() {
		tel.tp.Shutdown(context.Background())
		tel.mp.Shutdown(context.Background())
	})
	return tel
}

func (tel *telemetry) spanNames() []string {
	var names []string
	for _, s := range tel.spans.Ended() {
		names = append(names, s.Name())
	}
	return names
}

// sumCounter totals an Int64 sum metric across data points matching op.
func (tel *telemetry) sumCounter(t *testing.T, name, attrKey, attrValue string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tel.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(attrKey)); ok && v.AsString() == attrValue {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func newInstrumented(t *testing.T, inner storage.Storage) (*InstrumentedStorage, *telemetry) {
	t.Helper()
	tel := newTelemetry(t)
	instrumented, err := NewInstrumentedStorage(inner, WithTracerProvider(tel.tp), WithMeterProvider(tel.mp))
	require.NoError(t, err)
	return instrumented, tel
}

func newMemoryStorage(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	s, err := storage.NewMemoryStorage(storage.Config{Type: models.StorageTypeMemory})
	require.NoError(t, err)
	return s
}

func TestInstrumentedStorage_DelegatesAndTraces(t *testing.T) {
	instrumented, tel := newInstrumented(t, newMemoryStorage(t))
	ctx := context.Background()

	account, err := instrumented.CreateAccount(ctx, &models.Account{UserName: "alice", PasswordHash: "h"})
	require.NoError(t, err)

	got, err := instrumented.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserName)

	_, err = instrumented.GetAccountByName(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, instrumented.SetPrivileged(ctx, account.ID, true))
	require.NoError(t, instrumented.UpdatePasswordHash(ctx, account.ID, "h2"))

	now := time.Now()
	_, err = instrumented.InsertBan(ctx, &models.BanRecord{SubjectID: account.ID, GivenAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true})
	require.NoError(t, err)
	latest, err := instrumented.LatestBan(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, latest.InEffect(now))
	bans, err := instrumented.ListBans(ctx, account.ID)
	require.NoError(t, err)
	assert.Len(t, bans, 1)
	changed, err := instrumented.DeactivateBans(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	require.NoError(t, instrumented.AppendActivity(ctx, models.ActivityEvent{SubjectID: account.ID, Weight: 5, OccurredAt: now}))
	sum, err := instrumented.SumActivity(ctx, account.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)
	removed, err := instrumented.PruneActivity(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = instrumented.PurgeContent(ctx, account.ID)
	require.NoError(t, err)
	require.NoError(t, instrumented.DeleteAccount(ctx, account.ID))
	require.NoError(t, instrumented.Ping(ctx))
	require.NoError(t, instrumented.Close())

	assert.Equal(t, []string{
		"storage.CreateAccount",
		"storage.GetAccount",
		"storage.GetAccountByName",
		"storage.SetPrivileged",
		"storage.UpdatePasswordHash",
		"storage.InsertBan",
		"storage.LatestBan",
		"storage.ListBans",
		"storage.DeactivateBans",
		"storage.AppendActivity",
		"storage.SumActivity",
		"storage.PruneActivity",
		"storage.PurgeContent",
		"storage.DeleteAccount",
		"storage.Ping",
	}, tel.spanNames())
	assert.Zero(t, tel.sumCounter(t, "storage.operation.errors", "operation", "GetAccount"))
}

func TestInstrumentedStorage_RecordsErrors(t *testing.T) {
	instrumented, tel := newInstrumented(t, newMemoryStorage(t))
	ctx := context.Background()

	_, err := instrumented.GetAccount(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	spans := tel.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, int64(1), tel.sumCounter(t, "storage.operation.errors", "operation", "GetAccount"))
}

func TestInstrumentedStorage_NeverBannedIsNotAnError(t *testing.T) {
	instrumented, tel := newInstrumented(t, newMemoryStorage(t))

	_, err := instrumented.LatestBan(context.Background(), 7)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	spans := tel.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Zero(t, tel.sumCounter(t, "storage.operation.errors", "operation", "LatestBan"))
}

func TestInstrumentedStorage_GlobalProviders(t *testing.T) {
	instrumented, err := NewInstrumentedStorage(newMemoryStorage(t))
	require.NoError(t, err)
	assert.NoError(t, instrumented.Ping(context.Background()))
}
