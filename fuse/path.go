package fuse

import "strings"

// PathKind classifies what a path denotes in the prompt/query tree.
type PathKind int

const (
	PathRoot    PathKind = iota // "/"
	PathPrompt                  // "/{prompt}"
	PathQuery                   // "/{prompt}/{query}"
	PathInvalid                 // three or more segments
)

func (k PathKind) String() string {
	switch k {
	case PathRoot:
		return "root"
	case PathPrompt:
		return "prompt"
	case PathQuery:
		return "query"
	}
	return "invalid"
}

// DecodedPath is the structured form of a raw filesystem path.
// Prompt membership is not checked here; that is the adapter's job.
type DecodedPath struct {
	Kind   PathKind
	Prompt string
	Query  string
}

// DecodePath splits p on "/" and classifies it by segment count.
// Segments are taken literally: no "." or ".." handling, no unescaping.
// A query containing "/" therefore cannot be addressed.
func DecodePath(p string) DecodedPath {
	if p == "" || p == "/" {
		return DecodedPath{Kind: PathRoot}
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	switch len(segs) {
	case 1:
		return DecodedPath{Kind: PathPrompt, Prompt: segs[0]}
	case 2:
		return DecodedPath{Kind: PathQuery, Prompt: segs[0], Query: segs[1]}
	}
	return DecodedPath{Kind: PathInvalid}
}

// promptPath and queryPath build the paths DecodePath reverses.
func promptPath(prompt string) string {
	return "/" + prompt
}

func queryPath(prompt, query string) string {
	return "/" + prompt + "/" + query
}
