package fuse

import (
	"context"
	"errors"
	"syscall"
	"time"

	"chap-fuse/catalog"
	"chap-fuse/fuse/diag"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Adapter implements the path-addressed filesystem calls (getattr, readdir,
// open, read) over a prompt catalog and an answer cache. It keeps no
// per-open state: every call re-decodes its path.
type Adapter struct {
	prompts   catalog.Catalog
	answers   *AnswerCache
	startTime time.Time
	log       *zap.Logger
	diag      *diag.Tracker
}

// NewAdapter creates an adapter. logger and tracker may be nil.
func NewAdapter(prompts catalog.Catalog, answers *AnswerCache, logger *zap.Logger, tracker *diag.Tracker) *Adapter {
	if prompts == nil {
		prompts = catalog.Catalog{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		prompts:   prompts,
		answers:   answers,
		startTime: time.Now(),
		log:       logger,
		diag:      tracker,
	}
}

// StartTime returns the time the adapter was created; all nodes report it
// as their timestamps.
func (a *Adapter) StartTime() time.Time {
	return a.startTime
}

// Getattr fills out for path. Resolving a query file asks the provider on a
// cache miss, since the size of the file is the size of the answer.
func (a *Adapter) Getattr(ctx context.Context, path string, out *fuse.Attr) syscall.Errno {
	op := diag.Track(a.diag, "Getattr", path)
	defer op.Done()

	p := DecodePath(path)
	a.log.Debug("getattr", zap.String("path", path), zap.Stringer("kind", p.Kind))

	switch p.Kind {
	case PathRoot:
		a.dirAttr(out)
		return 0
	case PathPrompt:
		if !a.prompts.Has(p.Prompt) {
			return syscall.ENOENT
		}
		a.dirAttr(out)
		return 0
	case PathQuery:
		data, errno := a.answer(ctx, p, op)
		if errno != 0 {
			return errno
		}
		out.Mode = fuse.S_IFREG | 0444
		out.Nlink = 1
		out.Size = uint64(len(data))
		setTimestamps(out, a.startTime)
		return 0
	}
	return syscall.ENOENT
}

func (a *Adapter) dirAttr(out *fuse.Attr) {
	out.Mode = fuse.S_IFDIR | 0755
	out.Nlink = 2
	setTimestamps(out, a.startTime)
}

// Readdir lists path. The root lists every prompt; a prompt directory lists
// only the queries already answered under it. Both start with "." and "..".
func (a *Adapter) Readdir(path string) []fuse.DirEntry {
	defer diag.Track(a.diag, "Readdir", path).Done()

	p := DecodePath(path)
	a.log.Debug("readdir", zap.String("path", path), zap.Stringer("kind", p.Kind))

	entries := []fuse.DirEntry{
		{Name: ".", Mode: fuse.S_IFDIR},
		{Name: "..", Mode: fuse.S_IFDIR},
	}
	switch p.Kind {
	case PathRoot:
		for _, name := range a.prompts.Names() {
			entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFDIR})
		}
	case PathPrompt:
		for _, q := range a.answers.Queries(p.Prompt) {
			entries = append(entries, fuse.DirEntry{Name: q, Mode: fuse.S_IFREG})
		}
	}
	return entries
}

// Open checks that path is a query file under a known prompt and that flags
// request read-only access.
func (a *Adapter) Open(path string, flags uint32) syscall.Errno {
	defer diag.Track(a.diag, "Open", path).Done()

	p := DecodePath(path)
	a.log.Debug("open", zap.String("path", path), zap.Uint32("flags", flags))

	if p.Kind != PathQuery || !a.prompts.Has(p.Prompt) {
		return syscall.ENOENT
	}
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return syscall.EACCES
	}
	return 0
}

// Read returns up to size bytes of the answer at path starting at off.
// Reading at or past the end returns an empty slice, not an error.
func (a *Adapter) Read(ctx context.Context, path string, size int, off int64) ([]byte, syscall.Errno) {
	op := diag.Track(a.diag, "Read", path)
	defer op.Done()

	p := DecodePath(path)
	a.log.Debug("read", zap.String("path", path), zap.Int("size", size), zap.Int64("offset", off))

	if p.Kind != PathQuery {
		return nil, syscall.ENOENT
	}
	if off < 0 || size < 0 {
		return nil, syscall.EINVAL
	}
	data, errno := a.answer(ctx, p, op)
	if errno != 0 {
		return nil, errno
	}
	return sliceAt(data, off, size), 0
}

// answer resolves a query path to its encoded answer.
func (a *Adapter) answer(ctx context.Context, p DecodedPath, op *diag.OpHandle) ([]byte, syscall.Errno) {
	body, ok := a.prompts.Body(p.Prompt)
	if !ok {
		return nil, syscall.ENOENT
	}
	if _, cached := a.answers.Get(p.Prompt, p.Query); !cached {
		op.SetPhase("ask provider")
	}
	text, err := a.answers.GetOrCompute(ctx, p.Prompt, body, p.Query)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, syscall.EINTR
		}
		a.log.Error("answer failed",
			zap.String("prompt", p.Prompt),
			zap.String("query", p.Query),
			zap.Error(err))
		return nil, syscall.EIO
	}
	return []byte(text), 0
}

// sliceAt returns data[off:off+size] clamped to the bounds of data.
func sliceAt(data []byte, off int64, size int) []byte {
	if off >= int64(len(data)) {
		return []byte{}
	}
	end := int64(len(data))
	if int64(size) < end-off {
		end = off + int64(size)
	}
	return data[off:end]
}
