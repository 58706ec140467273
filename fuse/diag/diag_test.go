package diag

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackAndDone(t *testing.T) {
	tr := NewTracker()

	h := tr.Track("Getattr", "/explain/ls -la")
	ops := tr.InFlight()
	require.Len(t, ops, 1)
	assert.Equal(t, "Getattr", ops[0].Method)
	assert.Equal(t, "/explain/ls -la", ops[0].Path)
	assert.NotZero(t, ops[0].ID)
	assert.False(t, ops[0].Started.IsZero())

	h.Done()
	assert.Empty(t, tr.InFlight())
}

func TestDoneIdempotent(t *testing.T) {
	tr := NewTracker()
	h := tr.Track("Read", "/a/b")
	h.Done()
	h.Done()
	assert.Empty(t, tr.InFlight())
}

func TestSetPhase(t *testing.T) {
	tr := NewTracker()
	h := tr.Track("Read", "/a/b")
	defer h.Done()

	h.SetPhase("ask provider")
	ops := tr.InFlight()
	require.Len(t, ops, 1)
	assert.Equal(t, "ask provider", ops[0].Phase)
	assert.Contains(t, tr.Dump(), "phase=ask provider")
}

func TestInFlightSortedByStartTime(t *testing.T) {
	tr := NewTracker()

	now := time.Now()
	tr.mu.Lock()
	tr.live[3] = &Op{ID: 3, Method: "C", Started: now.Add(2 * time.Second)}
	tr.live[1] = &Op{ID: 1, Method: "A", Started: now}
	tr.live[2] = &Op{ID: 2, Method: "B", Started: now.Add(1 * time.Second)}
	tr.live[7] = &Op{ID: 7, Method: "D", Started: now.Add(2 * time.Second)}
	tr.mu.Unlock()

	ops := tr.InFlight()
	require.Len(t, ops, 4)
	var got []string
	for _, op := range ops {
		got = append(got, op.Method)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, got)
}

func TestDump(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, "nothing in flight\n", tr.Dump())

	h1 := tr.Track("Read", "/explain/tar")
	h2 := tr.Track("Readdir", "/")
	defer h1.Done()
	defer h2.Done()

	out := tr.Dump()
	assert.True(t, strings.HasPrefix(out, "2 call(s) in flight, oldest first:\n"), out)
	assert.Contains(t, out, `#1 Read "/explain/tar" age=`)
	assert.Contains(t, out, `#2 Readdir "/" age=`)
	assert.NotContains(t, out, "phase=")
}

func TestTrackIDsIncrease(t *testing.T) {
	tr := NewTracker()
	a := tr.Track("Read", "/a/1")
	b := tr.Track("Read", "/a/2")
	a.Done()
	c := tr.Track("Read", "/a/3")
	defer b.Done()
	defer c.Done()

	ops := tr.InFlight()
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].ID)
	assert.Equal(t, uint64(3), ops[1].ID)
}

func TestInFlightIsACopy(t *testing.T) {
	tr := NewTracker()
	h := tr.Track("Read", "/a/b")
	defer h.Done()

	ops := tr.InFlight()
	ops[0].Phase = "mutated"
	assert.Empty(t, tr.InFlight()[0].Phase)
}

func TestGoroutineStacks(t *testing.T) {
	out := GoroutineStacks()
	assert.Contains(t, out, "TestGoroutineStacks")
}

func TestPackageLevelTrackNil(t *testing.T) {
	h := Track(nil, "Read", "/x")
	h.SetPhase("p")
	h.Done()
}

func TestHandler(t *testing.T) {
	tr := NewTracker()
	h := tr.Track("Getattr", "/p/q")
	defer h.Done()

	srv := httptest.NewServer(NewServeMux(tr, NewMetrics()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/diag")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `Getattr "/p/q"`)

	resp, err = http.Get(srv.URL + "/diag?json")
	require.NoError(t, err)
	var ops []Op
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ops))
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Len(t, ops, 1)
	assert.Equal(t, "/p/q", ops[0].Path)

	resp, err = http.Get(srv.URL + "/diag?stacks")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "goroutine")
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.Hit()
	m.Hit()
	m.Miss()
	m.Shared()
	m.ObserveProvider(10*time.Millisecond, nil)
	m.ObserveProvider(10*time.Millisecond, errors.New("boom"))
	m.SetEntries(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("shared")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.entries))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "chapfuse_answer_lookups_total"))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Hit()
	m.Miss()
	m.Shared()
	m.ObserveProvider(time.Second, errors.New("x"))
	m.SetEntries(1)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}
