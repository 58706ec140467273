// Package mockserver provides a mock OpenAI-compatible chat backend for testing.
//
// It serves POST /chat/completions and answers every request with a reply
// computed from the request's system prompt and final user message.
//
// Usage:
//
//	s := mockserver.New(
//		mockserver.WithReply(func(system, query string) string {
//			return "answer to " + query
//		}),
//	)
//	defer s.Close()
//	client := llm.NewChatClient(llm.ChatConfig{BaseURL: s.URL})
package mockserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
)

// Message mirrors a chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a decoded chat completions request body.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Header fields captured for assertions.
	Authorization string `json:"-"`
	RequestID     string `json:"-"`
}

// System returns the content of the first system message, if any.
func (r Request) System() string {
	for _, m := range r.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// Query returns the content of the last user message.
func (r Request) Query() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Server wraps an httptest.Server with a preconfigured chat backend.
type Server struct {
	*httptest.Server

	// completionCount tracks requests to /chat/completions.
	completionCount int32

	reply       func(system, query string) string
	errorMode   int
	emptyMode   bool
	requestHook func(r *http.Request)

	mu       sync.Mutex
	requests []Request
}

// Option configures a mock server.
type Option func(*Server)

// WithReply sets the function that produces the assistant reply.
// The default reply echoes the query.
func WithReply(f func(system, query string) string) Option {
	return func(s *Server) {
		s.reply = f
	}
}

// WithErrorMode makes /chat/completions fail with the given HTTP status code
// and an OpenAI-style error body.
func WithErrorMode(statusCode int) Option {
	return func(s *Server) {
		s.errorMode = statusCode
	}
}

// WithEmptyChoices makes /chat/completions succeed with no choices.
func WithEmptyChoices() Option {
	return func(s *Server) {
		s.emptyMode = true
	}
}

// WithRequestHook sets a callback invoked on every request before routing.
// Hooks may block to simulate a slow backend.
func WithRequestHook(h func(r *http.Request)) Option {
	return func(s *Server) {
		s.requestHook = h
	}
}

// New creates and starts a mock chat backend.
func New(opts ...Option) *Server {
	s := NewUnstarted(opts...)
	s.Start()
	return s
}

// NewUnstarted creates a mock chat backend without starting it, so the
// caller can swap in its own Listener first.
func NewUnstarted(opts ...Option) *Server {
	s := &Server{
		reply: func(system, query string) string { return query },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(s.handler))
	return s
}

// CompletionCount returns the number of requests to /chat/completions.
func (s *Server) CompletionCount() int32 {
	return atomic.LoadInt32(&s.completionCount)
}

// Requests returns a copy of every decoded completion request, in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if s.requestHook != nil {
		s.requestHook(r)
	}

	if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	atomic.AddInt32(&s.completionCount, 1)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	req.Authorization = r.Header.Get("Authorization")
	req.RequestID = r.Header.Get("X-Request-Id")
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if s.errorMode != 0 {
		w.WriteHeader(s.errorMode)
		fmt.Fprintf(w, `{"error":{"message":"mock error %d"}}`, s.errorMode)
		return
	}

	type choice struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
	}
	resp := struct {
		Object  string   `json:"object"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
	}{Object: "chat.completion", Model: req.Model, Choices: []choice{}}
	if !s.emptyMode {
		resp.Choices = append(resp.Choices, choice{
			Message: Message{Role: "assistant", Content: s.reply(req.System(), req.Query())},
		})
	}
	json.NewEncoder(w).Encode(resp)
}
