// Package catalog loads the prompt templates that become the filesystem's
// top-level directories.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Ext is the file extension of prompt template files.
const Ext = ".txt"

// Catalog maps prompt names to prompt template bodies.
// It is built once by Load and never mutated afterwards.
type Catalog map[string]string

// Has reports whether name is a known prompt.
func (c Catalog) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Body returns the template body for name.
func (c Catalog) Body(name string) (string, bool) {
	body, ok := c[name]
	return body, ok
}

// Names returns all prompt names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultDir returns the per-user prompt directory, <config dir>/chap/fuse_prompts.
// It returns "" if the user config directory cannot be determined.
func DefaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "chap", "fuse_prompts")
}

// Load reads every *.txt file in dir, keyed by file stem.
// A missing or unreadable directory yields an empty catalog; unreadable
// files are skipped. Both are logged, neither is fatal.
func Load(dir string, logger *zap.Logger) Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := make(Catalog)
	if dir == "" {
		logger.Warn("no prompt directory configured")
		return c
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("cannot read prompt directory", zap.String("dir", dir), zap.Error(err))
		return c
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != Ext {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable prompt", zap.String("path", path), zap.Error(err))
			continue
		}
		stem := strings.TrimSuffix(name, Ext)
		c[stem] = string(data)
	}

	logger.Info("loaded prompts", zap.String("dir", dir), zap.Strings("prompts", c.Names()))
	return c
}
