package fuse

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Kernel cache timeout tiers for entry and attr caching.
// These override the global 0 timeout set in mount options.
const (
	// cacheTTLAnswer is for resolved answer files. Their content never
	// changes once cached, so the kernel may keep attrs and pages.
	cacheTTLAnswer = 1 * time.Hour

	// cacheTTLStatic is for the root and prompt directories themselves.
	// The catalog is loaded once and never reloaded.
	cacheTTLStatic = 1 * time.Hour
)

// setEntryTimeout sets the entry (name→inode) cache timeout on an EntryOut (used in Lookup).
func setEntryTimeout(out *fuse.EntryOut, ttl time.Duration) {
	out.SetEntryTimeout(ttl)
	out.SetAttrTimeout(ttl)
}

// FS is the root inode of the prompt filesystem. Every node below it
// delegates to the same Adapter using its own path.
type FS struct {
	fs.Inode
	adapter *Adapter
}

// NewFS creates the root node for adapter.
func NewFS(adapter *Adapter) *FS {
	return &FS{adapter: adapter}
}

// Adapter returns the adapter backing the filesystem.
func (f *FS) Adapter() *Adapter {
	return f.adapter
}

var _ = (fs.NodeLookuper)((*FS)(nil))
var _ = (fs.NodeReaddirer)((*FS)(nil))
var _ = (fs.NodeGetattrer)((*FS)(nil))

func (f *FS) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := f.adapter.Getattr(ctx, promptPath(name), &out.Attr); errno != 0 {
		return nil, errno
	}
	setEntryTimeout(out, cacheTTLStatic)
	return f.NewInode(ctx, &PromptNode{adapter: f.adapter, prompt: name}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func (f *FS) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewListDirStream(f.adapter.Readdir("/")), 0
}

func (f *FS) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := f.adapter.Getattr(ctx, "/", &out.Attr); errno != 0 {
		return errno
	}
	out.SetTimeout(cacheTTLStatic)
	return 0
}

// --- PromptNode: /{prompt}/ directory of answered queries ---

type PromptNode struct {
	fs.Inode
	adapter *Adapter
	prompt  string
}

var _ = (fs.NodeLookuper)((*PromptNode)(nil))
var _ = (fs.NodeReaddirer)((*PromptNode)(nil))
var _ = (fs.NodeGetattrer)((*PromptNode)(nil))

// Lookup resolves a query. This is where the provider is first asked:
// the kernel needs the file size before anything can be read.
func (p *PromptNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := p.adapter.Getattr(ctx, queryPath(p.prompt, name), &out.Attr); errno != 0 {
		return nil, errno
	}
	setEntryTimeout(out, cacheTTLAnswer)
	return p.NewInode(ctx, &AnswerNode{adapter: p.adapter, prompt: p.prompt, query: name}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

// Readdir is never cached by the kernel (no FOPEN_CACHE_DIR), so newly
// answered queries show up on the next listing.
func (p *PromptNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewListDirStream(p.adapter.Readdir(promptPath(p.prompt))), 0
}

func (p *PromptNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := p.adapter.Getattr(ctx, promptPath(p.prompt), &out.Attr); errno != 0 {
		return errno
	}
	out.SetTimeout(cacheTTLStatic)
	return 0
}

// --- AnswerNode: /{prompt}/{query} read-only answer file ---

type AnswerNode struct {
	fs.Inode
	adapter *Adapter
	prompt  string
	query   string
}

var _ = (fs.NodeOpener)((*AnswerNode)(nil))
var _ = (fs.NodeReader)((*AnswerNode)(nil))
var _ = (fs.NodeGetattrer)((*AnswerNode)(nil))

func (n *AnswerNode) path() string {
	return queryPath(n.prompt, n.query)
}

func (n *AnswerNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.adapter.Open(n.path(), flags); errno != 0 {
		return nil, 0, errno
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *AnswerNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := n.adapter.Read(ctx, n.path(), len(dest), off)
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

func (n *AnswerNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := n.adapter.Getattr(ctx, n.path(), &out.Attr); errno != 0 {
		return errno
	}
	out.SetTimeout(cacheTTLAnswer)
	return 0
}

func setTimestamps(attr *fuse.Attr, t time.Time) {
	sec := uint64(t.Unix())
	nsec := uint32(t.Nanosecond())
	attr.Atime = sec
	attr.Atimensec = nsec
	attr.Mtime = sec
	attr.Mtimensec = nsec
	attr.Ctime = sec
	attr.Ctimensec = nsec
}
