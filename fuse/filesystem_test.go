package fuse

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"

	"chap-fuse/fuse/diag"
	"chap-fuse/llm"
	"chap-fuse/mockserver"
	"chap-fuse/testutil"
)

func entryNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// mountWithChatBackend mounts the filesystem over a ChatClient talking to a
// mock backend that replies with fenced text naming the system prompt.
func mountWithChatBackend(t *testing.T) (string, *mockserver.Server) {
	t.Helper()
	srv := mockserver.New(mockserver.WithReply(func(system, query string) string {
		return "```\n" + system + "\n" + query + "\n```"
	}))
	t.Cleanup(srv.Close)

	client := llm.NewChatClient(llm.ChatConfig{BaseURL: srv.URL, Model: "test-model"})
	cache := NewAnswerCache(client, nil, diag.NewMetrics())
	adapter := NewAdapter(testCatalog(), cache, nil, diag.NewTracker())
	return testutil.Mount(t, NewFS(adapter)), srv
}

func TestMountListsPrompts(t *testing.T) {
	mnt, _ := mountWithChatBackend(t)

	if got, want := entryNames(t, mnt), []string{"explain", "promptA"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ls / = %v, want %v", got, want)
	}
	info, err := os.Stat(filepath.Join(mnt, "explain"))
	if err != nil {
		t.Fatalf("stat prompt: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0755 {
		t.Errorf("prompt mode = %v, want dir 0755", info.Mode())
	}
	if got := entryNames(t, filepath.Join(mnt, "explain")); len(got) != 0 {
		t.Errorf("ls /explain before any read = %v, want empty", got)
	}
}

func TestMountReadAnswer(t *testing.T) {
	mnt, srv := mountWithChatBackend(t)
	path := filepath.Join(mnt, "explain", "ls -la")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	want := "Explain the following shell command.\nls -la\n"
	if string(data) != want {
		t.Errorf("cat = %q, want %q", data, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat answer: %v", err)
	}
	if info.Size() != int64(len(want)) || info.Mode().Perm() != 0444 || !info.Mode().IsRegular() {
		t.Errorf("answer stat = size %d mode %v, want size %d regular 0444", info.Size(), info.Mode(), len(want))
	}

	again, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("second cat: %v", err)
	}
	if string(again) != string(data) {
		t.Errorf("second cat = %q, want %q", again, data)
	}
	if n := srv.CompletionCount(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}

	if got, want := entryNames(t, filepath.Join(mnt, "explain")), []string{"ls -la"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ls /explain after read = %v, want %v", got, want)
	}
	if got := entryNames(t, filepath.Join(mnt, "promptA")); len(got) != 0 {
		t.Errorf("ls /promptA = %v, want empty", got)
	}
}

func TestMountReadOffset(t *testing.T) {
	mnt, _ := mountWithChatBackend(t)

	f, err := os.Open(filepath.Join(mnt, "promptA", "foo"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	content := "You answer questions about A.\nfoo\n"
	buf := make([]byte, 16)
	n, err := f.ReadAt(buf[:2], int64(len(content)-2))
	if err != nil || string(buf[:n]) != "o\n" {
		t.Errorf("ReadAt(L-2) = %q, %v; want %q", buf[:n], err, "o\n")
	}
	n, _ = f.ReadAt(buf, int64(len(content)+10))
	if n != 0 {
		t.Errorf("ReadAt(L+10) returned %d bytes, want 0", n)
	}
}

func TestMountWriteDenied(t *testing.T) {
	mnt, _ := mountWithChatBackend(t)
	path := filepath.Join(mnt, "promptA", "foo")

	for _, flag := range []int{os.O_WRONLY, os.O_RDWR, os.O_WRONLY | os.O_TRUNC} {
		f, err := os.OpenFile(path, flag, 0)
		if err == nil {
			f.Close()
			t.Errorf("OpenFile(flag=%#x) succeeded, want error", flag)
		}
	}
	if err := os.WriteFile(filepath.Join(mnt, "promptA", "new"), []byte("x"), 0644); err == nil {
		t.Error("creating a file succeeded")
	}
	if err := os.Mkdir(filepath.Join(mnt, "newprompt"), 0755); err == nil {
		t.Error("mkdir succeeded")
	}
}

func TestMountUnknownPaths(t *testing.T) {
	mnt, srv := mountWithChatBackend(t)

	for _, p := range []string{"unknownPrompt", "unknownPrompt/anything", "promptA/foo/bar"} {
		_, err := os.Stat(filepath.Join(mnt, p))
		if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ENOTDIR) {
			t.Errorf("stat %s err = %v, want ENOENT", p, err)
		}
	}
	if n := srv.CompletionCount(); n > 1 {
		t.Errorf("backend called %d times, want at most 1", n)
	}
}

func TestMountBackendFailure(t *testing.T) {
	srv := mockserver.New(mockserver.WithErrorMode(500))
	t.Cleanup(srv.Close)
	client := llm.NewChatClient(llm.ChatConfig{BaseURL: srv.URL})
	adapter := NewAdapter(testCatalog(), NewAnswerCache(client, nil, nil), nil, nil)
	mnt := testutil.Mount(t, NewFS(adapter))

	_, err := os.ReadFile(filepath.Join(mnt, "promptA", "foo"))
	if !errors.Is(err, syscall.EIO) {
		t.Errorf("cat err = %v, want EIO", err)
	}
	if got := entryNames(t, filepath.Join(mnt, "promptA")); len(got) != 0 {
		t.Errorf("ls after failure = %v, want empty", got)
	}
}

func TestMountConcurrentReaders(t *testing.T) {
	p := &countingProvider{}
	adapter := NewAdapter(testCatalog(), NewAnswerCache(p, nil, nil), nil, nil)
	mnt := testutil.Mount(t, NewFS(adapter))

	const readers = 6
	var wg sync.WaitGroup
	results := make([]string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := os.ReadFile(filepath.Join(mnt, "promptA", "shared"))
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			results[i] = string(data)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r != results[0] || !strings.HasPrefix(r, "answer ") {
			t.Errorf("reader %d got %q, want %q", i, r, results[0])
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}
