package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policydb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := policydb.Open(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db.SQL(), 30, logging.Discard())
	require.NoError(t, err)
	return s
}

func TestWriteAndQuery(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(events.Event{
		ID: "a", Type: events.EventIPRuleChanged, Timestamp: now, Source: "iprules",
		Data: events.ChangeData{Op: "upsert", After: map[string]any{"ip": "1.2.3.4"}},
	}))
	require.NoError(t, s.Write(events.Event{
		ID: "b", Type: events.EventMeteringChanged, Timestamp: now.Add(time.Minute), Source: "engine",
		Data: events.MeteringData{From: "unknown", To: "metered"},
	}))

	all, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].EventID)
	assert.Equal(t, "upsert", all[1].Op)

	var data map[string]any
	require.NoError(t, json.Unmarshal(all[1].Data, &data))
	assert.Equal(t, "1.2.3.4", data["after"].(map[string]any)["ip"])

	only, err := s.Query(Filter{Type: events.EventMeteringChanged})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "engine", only[0].Source)

	limited, err := s.Query(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	restore := clock.Set(clock.NewMockClock(now))
	defer restore()

	require.NoError(t, s.Write(events.Event{ID: "old", Type: events.EventIPRuleChanged, Timestamp: now.AddDate(0, 0, -31)}))
	require.NoError(t, s.Write(events.Event{ID: "new", Type: events.EventIPRuleChanged, Timestamp: now}))

	removed, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].EventID)
}

func TestRun_RecordsHubEvents(t *testing.T) {
	s := newTestStore(t)
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, hub)
		close(done)
	}()

	require.Eventually(t, func() bool {
		hub.EmitMetering("unknown", "unmetered")
		n, _ := s.Count()
		return n > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
