package tsdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/database"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPgTestStore connects to the TimescaleDB named by PERFPULSE_TEST_DSN and
// migrates it. The database is expected to be disposable.
func newPgTestStore(t *testing.T, now time.Time) (*PgStore, *database.Database) {
	t.Helper()
	dsn := os.Getenv("PERFPULSE_TEST_DSN")
	if dsn == "" {
		t.Skip("PERFPULSE_TEST_DSN not set, skipping TimescaleDB test")
	}
	ctx := context.Background()
	raw, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	db := database.Wrap(raw)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(ctx, db))
	for _, c := range model.AllCategories {
		_, err := db.ExecContext(ctx, "TRUNCATE "+string(c))
		require.NoError(t, err)
	}

	s, err := NewPgStore(ctx, dsn, Options{Retention: 90 * 24 * time.Hour, Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, db
}

func TestPgStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newPgTestStore(t, t0.Add(time.Hour))
	require.NoError(t, s.Write(ctx, []model.MetricSample{
		sample("agent_response_time", "a1", t0, 100),
		sample("app_error_rate", "checkout", t0, 0.5),
	}))

	res, err := s.Query(ctx, model.Query{MetricType: "agent_response_time", Start: t0.Add(-time.Minute), End: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, 100.0, res.Samples[0].Value)
}

func TestPgStoreFailedBatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, db := newPgTestStore(t, t0.Add(time.Hour))

	_, err := db.ExecContext(ctx, "ALTER TABLE app_metrics RENAME TO app_metrics_parked")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "ALTER TABLE app_metrics_parked RENAME TO app_metrics")
	})

	batch := []model.MetricSample{
		sample("agent_response_time", "a1", t0, 100),
		sample("app_error_rate", "checkout", t0, 0.5),
	}
	err = s.Write(ctx, batch)
	require.Error(t, err)

	res, err := s.Query(ctx, model.Query{MetricType: "agent_response_time", Start: t0.Add(-time.Minute), End: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, res.Samples, "agent rows of a failed batch must not be committed")
}
