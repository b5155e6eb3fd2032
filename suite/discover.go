package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/convotest/runs"
)

// Discover expands glob patterns (with ** support) to suite files.
// Results are absolute, de-duplicated and sorted; directories are skipped.
//
// Examples:
//   - "suites/*.json" → files directly under suites/
//   - "suites/**/*.json" → files anywhere below suites/
//   - "smoke.json" → that file, if it exists
func Discover(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, pattern := range patterns {
		absPattern, err := filepath.Abs(pattern)
		if err != nil {
			return nil, fmt.Errorf("resolve pattern %q: %w", pattern, err)
		}
		matches, err := doublestar.FilepathGlob(absPattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[match] {
				seen[match] = true
				files = append(files, match)
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

// Catalog holds loaded suites by id and resolves them for the run service.
type Catalog struct {
	loader *Loader
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*Suite
	byPath map[string]string
}

// NewCatalog creates an empty Catalog backed by loader.
func NewCatalog(loader *Loader, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		loader: loader,
		logger: logger,
		byID:   make(map[string]*Suite),
		byPath: make(map[string]string),
	}
}

// LoadAll discovers and loads every suite matching patterns. Files that
// fail to load are reported in the joined error; the rest stay loaded.
func (c *Catalog) LoadAll(patterns []string) ([]*Suite, error) {
	paths, err := Discover(patterns)
	if err != nil {
		return nil, err
	}

	var loaded []*Suite
	var errs []error
	for _, p := range paths {
		s, err := c.Reload(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, s)
	}
	return loaded, errors.Join(errs...)
}

// Reload (re)reads the suite at path and replaces any earlier version.
func (c *Catalog) Reload(path string) (*Suite, error) {
	s, err := c.loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if oldID, ok := c.byPath[s.Path]; ok && oldID != s.ID {
		delete(c.byID, oldID)
	}
	if prev, ok := c.byID[s.ID]; ok && prev.Path != s.Path {
		c.logger.Warn("Suite id reused, replacing", "suite", s.ID, "old_path", prev.Path, "new_path", s.Path)
		delete(c.byPath, prev.Path)
	}
	c.byID[s.ID] = s
	c.byPath[s.Path] = s.ID
	return s, nil
}

// Remove forgets the suite loaded from path.
func (c *Catalog) Remove(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byPath[abs]; ok {
		delete(c.byID, id)
		delete(c.byPath, abs)
	}
}

// Get returns a loaded suite by id.
func (c *Catalog) Get(id string) (*Suite, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// Suites returns the loaded suites sorted by id.
func (c *Catalog) Suites() []*Suite {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Suite, 0, len(c.byID))
	for _, s := range c.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveSuite implements runs.SuiteResolver.
func (c *Catalog) ResolveSuite(_ context.Context, id string) (*runs.Suite, error) {
	s, ok := c.Get(id)
	if !ok {
		return nil, runs.ErrSuiteNotFound
	}
	return s.RunSuite(), nil
}
