// Package diag exposes what the mount is doing right now (filesystem calls
// waiting on the answer backend) and Prometheus counters for the answer
// cache.
package diag

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"
)

// Op is one filesystem call that has not returned yet.
type Op struct {
	ID      uint64    `json:"id"`
	Method  string    `json:"method"`
	Path    string    `json:"path"`
	Phase   string    `json:"phase,omitempty"`
	Started time.Time `json:"started"`
}

// Tracker keeps the set of live calls. A read of an uncached answer sits
// in the kernel until the backend replies, so this is where a hung `cat`
// shows up.
type Tracker struct {
	mu   sync.Mutex
	seq  uint64
	live map[uint64]*Op
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[uint64]*Op)}
}

// OpHandle belongs to exactly one tracked call. The zero value is inert.
type OpHandle struct {
	t  *Tracker
	op *Op
}

// Track registers a call. Pair it with Done.
func (t *Tracker) Track(method, path string) *OpHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	op := &Op{ID: t.seq, Method: method, Path: path, Started: time.Now()}
	t.live[op.ID] = op
	return &OpHandle{t: t, op: op}
}

// Track is Tracker.Track for callers that may not have a tracker.
func Track(t *Tracker, method, path string) *OpHandle {
	if t == nil {
		return &OpHandle{}
	}
	return t.Track(method, path)
}

// SetPhase labels what the call is waiting on.
func (h *OpHandle) SetPhase(phase string) {
	if h.op == nil {
		return
	}
	h.t.mu.Lock()
	h.op.Phase = phase
	h.t.mu.Unlock()
}

// Done drops the call from the live set. Calling it twice is harmless.
func (h *OpHandle) Done() {
	if h.op == nil {
		return
	}
	h.t.mu.Lock()
	delete(h.t.live, h.op.ID)
	h.t.mu.Unlock()
}

// InFlight copies out the live calls, oldest first.
func (t *Tracker) InFlight() []Op {
	t.mu.Lock()
	ops := make([]Op, 0, len(t.live))
	for _, op := range t.live {
		ops = append(ops, *op)
	}
	t.mu.Unlock()

	slices.SortFunc(ops, func(a, b Op) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ops
}

// Dump renders InFlight as text, one call per line.
func (t *Tracker) Dump() string {
	var b strings.Builder
	t.writeText(&b, time.Now())
	return b.String()
}

func (t *Tracker) writeText(w io.Writer, now time.Time) {
	ops := t.InFlight()
	if len(ops) == 0 {
		fmt.Fprintln(w, "nothing in flight")
		return
	}
	fmt.Fprintf(w, "%d call(s) in flight, oldest first:\n", len(ops))
	for _, op := range ops {
		age := now.Sub(op.Started).Truncate(time.Millisecond)
		line := fmt.Sprintf("  #%d %s %q age=%s", op.ID, op.Method, op.Path, age)
		if op.Phase != "" {
			line += " phase=" + op.Phase
		}
		fmt.Fprintln(w, line)
	}
}

// Handler serves the live calls as text. Add ?json for a JSON array or
// ?stacks to append every goroutine's stack.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Has("json") {
			t.serveJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		t.writeText(w, time.Now())
		if q.Has("stacks") {
			io.WriteString(w, "\n"+GoroutineStacks())
		}
	})
}

func (t *Tracker) serveJSON(w http.ResponseWriter) {
	body, err := json.Marshal(t.InFlight())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

const stackLimit = 1 << 20

// GoroutineStacks returns all goroutine stacks, capped at 1MiB. Useful when
// the stall is inside go-fuse rather than in a tracked call.
func GoroutineStacks() string {
	for size := 64 << 10; ; size *= 2 {
		buf := make([]byte, size)
		n := runtime.Stack(buf, true)
		if n < size {
			return string(buf[:n])
		}
		if size >= stackLimit {
			return string(buf[:n]) + "\n[stacks truncated]\n"
		}
	}
}
