package fuse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chap-fuse/catalog"
	"chap-fuse/fuse/diag"
	"chap-fuse/llm"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// countingProvider returns a distinct answer per call so tests can tell
// whether a value came from the cache or from a fresh provider call.
type countingProvider struct {
	calls atomic.Int32

	mu       sync.Mutex
	sessions []*llm.Session
	err      error
	reply    func(n int32, session *llm.Session, query string) string
	gate     chan struct{} // if non-nil, Ask blocks until it is closed
}

func (p *countingProvider) Ask(ctx context.Context, session *llm.Session, query string) (string, error) {
	n := p.calls.Add(1)
	p.mu.Lock()
	p.sessions = append(p.sessions, session)
	err := p.err
	reply := p.reply
	p.mu.Unlock()

	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if reply != nil {
		return reply(n, session, query), nil
	}
	return fmt.Sprintf("answer %d to %s", n, query), nil
}

func (p *countingProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func testCatalog() catalog.Catalog {
	return catalog.Catalog{
		"promptA": "You answer questions about A.",
		"explain": "Explain the following shell command.",
	}
}

// newTestAdapter builds an adapter over testCatalog and provider.
func newTestAdapter(t *testing.T, provider llm.AnswerProvider) *Adapter {
	t.Helper()
	cache := NewAnswerCache(provider, nil, diag.NewMetrics())
	return NewAdapter(testCatalog(), cache, nil, diag.NewTracker())
}

func dirEntryNames(entries []fuse.DirEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// waitForCalls blocks until p has been asked at least n times.
func waitForCalls(t *testing.T, p *countingProvider, n int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.calls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("provider reached %d calls, want %d", p.calls.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}
