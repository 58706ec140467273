package fuse

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chap-fuse/fuse/diag"
	"chap-fuse/llm"

	"golang.org/x/sync/singleflight"
)

// fence is the Markdown code-fence marker models like to wrap answers in.
const fence = "```"

// AnswerCache memoizes provider answers, keyed by prompt name then query.
// Entries are added on first successful resolution and never change or
// expire for the lifetime of the process. A failed resolution stores
// nothing, so the next lookup asks the provider again.
//
// Uses singleflight to coalesce concurrent misses for the same key, so the
// provider runs once per (prompt, query) without holding locks during the call.
// The shared call outlives any caller that gives up waiting on it.
type AnswerCache struct {
	provider llm.AnswerProvider
	sessions llm.SessionFactory
	metrics  *diag.Metrics

	mu      sync.RWMutex
	entries map[string]map[string]string
	count   int

	sf singleflight.Group
}

// NewAnswerCache creates an empty cache in front of provider.
// A nil sessions uses llm.DefaultSessions; metrics may be nil.
func NewAnswerCache(provider llm.AnswerProvider, sessions llm.SessionFactory, metrics *diag.Metrics) *AnswerCache {
	if sessions == nil {
		sessions = llm.DefaultSessions
	}
	return &AnswerCache{
		provider: provider,
		sessions: sessions,
		metrics:  metrics,
		entries:  make(map[string]map[string]string),
	}
}

// Get returns the cached answer for (prompt, query) without resolving it.
func (c *AnswerCache) Get(prompt, query string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	answer, ok := c.entries[prompt][query]
	return answer, ok
}

// GetOrCompute returns the answer for query under prompt, asking the
// provider on a miss. A fresh session is built from promptBody for every
// provider call. Provider errors are returned unchanged.
//
// Concurrent misses for the same key share one provider call. That call is
// detached from any single caller's cancellation and is bounded by the
// provider's own timeout; a caller whose ctx ends stops waiting and gets
// ctx.Err(), while the call finishes and fills the cache for the others.
func (c *AnswerCache) GetOrCompute(ctx context.Context, prompt, promptBody, query string) (string, error) {
	// Fast path: check cache with read lock
	if answer, ok := c.Get(prompt, query); ok {
		c.metrics.Hit()
		return answer, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Slow path: prompt names never contain "/" so this key is unambiguous.
	key := prompt + "/" + query
	flightCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		// A previous flight may have stored the answer between our
		// read-locked check and acquiring the flight.
		if answer, ok := c.Get(prompt, query); ok {
			return answer, nil
		}

		c.metrics.Miss()
		session := c.sessions.NewSession(promptBody)
		start := time.Now()
		raw, err := c.provider.Ask(flightCtx, session, query)
		c.metrics.ObserveProvider(time.Since(start), err)
		if err != nil {
			return nil, err
		}

		answer := CleanAnswer(raw)
		c.store(prompt, query, answer)
		return answer, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.Shared()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *AnswerCache) store(prompt, query, answer string) {
	c.mu.Lock()
	queries := c.entries[prompt]
	if queries == nil {
		queries = make(map[string]string)
		c.entries[prompt] = queries
	}
	if _, exists := queries[query]; !exists {
		queries[query] = answer
		c.count++
	}
	n := c.count
	c.mu.Unlock()
	c.metrics.SetEntries(n)
}

// Queries returns the queries already answered under prompt, sorted.
func (c *AnswerCache) Queries(prompt string) []string {
	c.mu.RLock()
	queries := make([]string, 0, len(c.entries[prompt]))
	for q := range c.entries[prompt] {
		queries = append(queries, q)
	}
	c.mu.RUnlock()
	sort.Strings(queries)
	return queries
}

// Len returns the total number of cached answers across all prompts.
func (c *AnswerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// CleanAnswer strips a leading and a trailing Markdown code-fence line from
// raw and terminates the result with exactly one newline.
func CleanAnswer(raw string) string {
	lines := splitLines(raw)
	if len(lines) > 0 && strings.HasPrefix(lines[0], fence) {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(lines[len(lines)-1], fence) {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

// splitLines splits s into lines without their terminators. Any of the
// Unicode line boundaries ends a line, "\r\n" counts as one, and a trailing
// terminator does not produce an empty final line.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isLineBreak(r) {
			i += size
			continue
		}
		lines = append(lines, s[start:i])
		i += size
		if r == '\r' && i < len(s) && s[i] == '\n' {
			i++
		}
		start = i
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
		return true
	}
	return false
}
