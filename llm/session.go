// Package llm provides the answer backends served by the filesystem.
package llm

import "context"

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the conversational context handed to an AnswerProvider.
// A session is built fresh for every cache miss and is never shared
// between queries.
type Session struct {
	SystemPrompt string
	History      []Message
}

// NewSession creates a session whose system prompt is promptBody.
func NewSession(promptBody string) *Session {
	return &Session{SystemPrompt: promptBody}
}

// Messages returns the full message list for asking query in this session:
// the system prompt (if any), prior history, then the query as a user turn.
func (s *Session) Messages(query string) []Message {
	msgs := make([]Message, 0, len(s.History)+2)
	if s.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: s.SystemPrompt})
	}
	msgs = append(msgs, s.History...)
	return append(msgs, Message{Role: "user", Content: query})
}

// SessionFactory turns a prompt template body into a Session.
type SessionFactory interface {
	NewSession(promptBody string) *Session
}

// SessionFactoryFunc adapts a plain function to SessionFactory.
type SessionFactoryFunc func(promptBody string) *Session

func (f SessionFactoryFunc) NewSession(promptBody string) *Session {
	return f(promptBody)
}

// DefaultSessions builds sessions with NewSession.
var DefaultSessions SessionFactory = SessionFactoryFunc(NewSession)

// AnswerProvider generates an answer for query within session.
// Implementations may block on network I/O and should honor ctx.
type AnswerProvider interface {
	Ask(ctx context.Context, session *Session, query string) (string, error)
}

// AnswerProviderFunc adapts a plain function to AnswerProvider.
type AnswerProviderFunc func(ctx context.Context, session *Session, query string) (string, error)

func (f AnswerProviderFunc) Ask(ctx context.Context, session *Session, query string) (string, error) {
	return f(ctx, session, query)
}

// Verify that the bundled backends implement AnswerProvider at compile time.
var _ AnswerProvider = (*ChatClient)(nil)
var _ AnswerProvider = Lorem{}
