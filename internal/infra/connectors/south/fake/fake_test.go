package fake

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

func TestPollEmitsBoundedValuePerItem(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, err := New("sim", map[string]any{"min": 10, "max": 20, "precision": 1}, nil)
	require.NoError(t, err)
	c.WithSeed(42, clockwork.NewFakeClockAt(at))

	var got content.Content
	sink := south.SinkFunc(func(_ context.Context, c content.Content) error {
		got = c
		return nil
	})
	items := []south.Item{{ID: "1", Name: "temp"}, {ID: "2", Name: "flow"}}
	require.NoError(t, c.Poll(context.Background(), "fast", items, sink))
	require.Len(t, got.Values, 2)
	for i, v := range got.Values {
		require.Equal(t, items[i].Name, v.PointID)
		require.Equal(t, at, v.Timestamp)
		var data struct {
			Value float64 `json:"value"`
		}
		require.NoError(t, json.Unmarshal(v.Data, &data))
		require.GreaterOrEqual(t, data.Value, 10.0)
		require.LessOrEqual(t, data.Value, 20.0)
	}
}

func TestMaxBelowMinRejected(t *testing.T) {
	_, err := New("sim", map[string]any{"min": 5, "max": 1}, nil)
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))
}
