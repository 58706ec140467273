package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "explain.txt", "Explain the following command.\n")
	writeFile(t, dir, "haiku.txt", "Answer in haiku form.")
	writeFile(t, dir, "notes.md", "ignored")
	writeFile(t, dir, ".hidden.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.txt"), 0755))

	c := Load(dir, zap.NewNop())

	assert.Equal(t, []string{"explain", "haiku"}, c.Names())
	body, ok := c.Body("explain")
	require.True(t, ok)
	assert.Equal(t, "Explain the following command.\n", body)
	assert.True(t, c.Has("haiku"))
	assert.False(t, c.Has("notes"))
	assert.False(t, c.Has("nested"))
}

func TestLoad_MissingDirIsEmpty(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := Load(filepath.Join(t.TempDir(), "does-not-exist"), zap.New(core))

	assert.Empty(t, c)
	assert.Empty(t, c.Names())
	require.Equal(t, 1, logs.Len())
	assert.True(t, strings.Contains(logs.All()[0].Message, "cannot read prompt directory"))
}

func TestLoad_EmptyDirName(t *testing.T) {
	c := Load("", nil)
	assert.Empty(t, c)
}

func TestLoad_UnreadableFileSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of mode")
	}
	dir := t.TempDir()
	writeFile(t, dir, "ok.txt", "fine")
	writeFile(t, dir, "locked.txt", "secret")
	require.NoError(t, os.Chmod(filepath.Join(dir, "locked.txt"), 0))

	c := Load(dir, nil)
	assert.Equal(t, []string{"ok"}, c.Names())
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/cfg")
	t.Setenv("HOME", "/tmp/home")
	dir := DefaultDir()
	assert.True(t, strings.HasSuffix(dir, filepath.Join("chap", "fuse_prompts")), dir)
}
