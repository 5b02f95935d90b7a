package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/testutil/pgtest"
)

func TestRowBecomesValue(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	v, err := toValue("tank", map[string]any{"timestamp": at, "level": 4.2, "unit": "m"})
	require.NoError(t, err)
	require.Equal(t, "tank", v.PointID)
	require.Equal(t, at.UTC(), v.Timestamp)
	var data map[string]any
	require.NoError(t, json.Unmarshal(v.Data, &data))
	require.Equal(t, map[string]any{"level": 4.2, "unit": "m"}, data)

	v, err = toValue("tank", map[string]any{"timestamp": at, "point_id": "tank-2"})
	require.NoError(t, err)
	require.Equal(t, "tank-2", v.PointID)

	_, err = toValue("tank", map[string]any{"ts": at})
	require.Error(t, err)
}

func TestPollRequiresConnection(t *testing.T) {
	c, err := New("db", map[string]any{"dsn": "postgres://localhost/none", "readWindow": "10m"}, nil)
	require.NoError(t, err)
	err = c.Poll(context.Background(), "fast", []south.Item{{ID: "1"}}, nil)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	_, err = New("db", nil, nil)
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))
}

type collectSink struct {
	values []content.TimeValue
}

func (s *collectSink) Ingest(_ context.Context, c content.Content) error {
	s.values = append(s.values, c.Values...)
	return nil
}

func TestPollReadsNewRowsOnly(t *testing.T) {
	dsn := pgtest.DSN(t)
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS south_poll_test (ts TIMESTAMPTZ NOT NULL, level DOUBLE PRECISION)`)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	_, err = conn.Exec(ctx, `INSERT INTO south_poll_test VALUES ($1, 1.5), ($2, 2.5)`, now.Add(-2*time.Minute), now.Add(-time.Minute))
	require.NoError(t, err)

	c, err := New("db", map[string]any{"dsn": dsn, "readWindow": "10m"}, nil)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(now)
	c.WithClock(clock)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect(ctx) })

	items := []south.Item{{ID: "1", Name: "tank", Settings: map[string]any{
		"query": `SELECT ts AS "timestamp", level FROM south_poll_test WHERE ts > @start AND ts <= @end ORDER BY ts`,
	}}}
	sink := &collectSink{}
	require.NoError(t, c.Poll(ctx, "fast", items, sink))
	require.Len(t, sink.values, 2)
	require.Equal(t, "tank", sink.values[0].PointID)

	clock.Advance(time.Minute)
	require.NoError(t, c.Poll(ctx, "fast", items, sink))
	require.Len(t, sink.values, 2, "rows already read are not ingested again")
}
