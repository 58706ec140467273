package llm

import (
	"context"
	"hash/fnv"
	"strings"
)

var loremWords = strings.Fields(`lorem ipsum dolor sit amet consectetur adipiscing
elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua ut enim
ad minim veniam quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea
commodo consequat duis aute irure dolor in reprehenderit in voluptate velit esse
cillum dolore eu fugiat nulla pariatur excepteur sint occaecat cupidatat non
proident sunt in culpa qui officia deserunt mollit anim id est laborum`)

// Lorem is an offline backend that answers with filler text.
// The output depends only on the system prompt and the query, so repeated
// asks are stable across restarts.
type Lorem struct {
	// Paragraphs is the number of paragraphs per answer; zero means 2.
	Paragraphs int
}

// Ask returns deterministic filler text for query.
func (l Lorem) Ask(ctx context.Context, session *Session, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	paragraphs := l.Paragraphs
	if paragraphs <= 0 {
		paragraphs = 2
	}

	h := fnv.New64a()
	h.Write([]byte(session.SystemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(query))
	seed := h.Sum64()

	var b strings.Builder
	for p := 0; p < paragraphs; p++ {
		if p > 0 {
			b.WriteString("\n\n")
		}
		n := 20 + int(seed%30)
		for i := 0; i < n; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			w := loremWords[(seed>>33)%uint64(len(loremWords))]
			if i == 0 {
				w = strings.ToUpper(w[:1]) + w[1:]
			} else {
				b.WriteByte(' ')
			}
			b.WriteString(w)
		}
		b.WriteByte('.')
	}
	return b.String(), nil
}
