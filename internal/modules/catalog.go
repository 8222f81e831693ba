package modules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"
)

// DefaultPattern admits plain and gzip compressed modules at any depth.
const DefaultPattern = "**/*.{wasm,wasm.gz}"

var (
	ErrNotFound    = errors.New("module not found")
	ErrInvalidName = errors.New("invalid module name")
)

// Entry describes one module file.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Catalog lists and resolves modules under a root directory.
type Catalog struct {
	root    string
	pattern string
	log     *zap.Logger
}

// New creates a catalog rooted at root. An empty pattern means DefaultPattern.
func New(root, pattern string, log *zap.Logger) (*Catalog, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid module pattern %q", pattern)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", abs)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{root: abs, pattern: pattern, log: log.Named("modules")}, nil
}

// Root returns the absolute catalog root.
func (c *Catalog) Root() string { return c.root }

// List walks the root and returns every module, sorted by name.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	var (
		mu      sync.Mutex
		entries []Entry
	)
	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, c.root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			c.log.Debug("walk error", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(c.pattern, name); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		mu.Lock()
		entries = append(entries, Entry{Name: name, Path: p, Size: info.Size(), ModTime: info.ModTime()})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Resolve maps a module name to its catalog entry.
func (c *Catalog) Resolve(name string) (Entry, error) {
	clean := path.Clean(name)
	if name == "" || !fs.ValidPath(clean) || clean == "." {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if ok, _ := doublestar.Match(c.pattern, clean); !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	p := filepath.Join(c.root, filepath.FromSlash(clean))
	info, err := os.Lstat(p)
	if err != nil || !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return Entry{Name: clean, Path: p, Size: info.Size(), ModTime: info.ModTime()}, nil
}
