// Package sink provides destinations for generated artifacts.
package sink

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/soma-tiles/lodtiles/internal/config"
)

// Sink stores named artifacts. Names are slash-separated relative paths such
// as "manifest.json" or "3/1_4.json". Put overwrites existing artifacts.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	// Location describes where artifacts end up, for logs.
	Location() string
}

// New builds the sink selected by cfg.Sink.
func New(ctx context.Context, cfg config.OutputConfig) (Sink, error) {
	switch cfg.Sink {
	case "", config.SinkLocal:
		return NewLocal(cfg.Dir), nil
	case config.SinkMinio:
		return NewMinio(cfg)
	case config.SinkS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown sink: %s", cfg.Sink)
	}
}

// Local writes artifacts under a root directory, creating directories as needed.
type Local struct {
	root string

	mu   sync.Mutex
	dirs map[string]bool
}

// NewLocal creates a Local sink rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir, dirs: make(map[string]bool)}
}

// Root returns the output directory.
func (l *Local) Root() string {
	return l.root
}

// Location implements Sink.
func (l *Local) Location() string {
	return l.root
}

// Put implements Sink.
func (l *Local) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := l.ensureDir(filepath.Dir(p)); err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (l *Local) resolve(name string) (string, error) {
	clean := path.Clean(name)
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid artifact name: %q", name)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) ensureDir(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dirs[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	l.dirs[dir] = true
	return nil
}

// Memory keeps artifacts in memory. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Location implements Sink.
func (m *Memory) Location() string {
	return "memory"
}

// Put implements Sink.
func (m *Memory) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to prevent external mutation
	copied := make([]byte, len(data))
	copy(copied, data)
	m.blobs[name] = copied
	return nil
}

// Get returns a stored artifact.
func (m *Memory) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	return data, ok
}

// Names returns all artifact names, sorted.
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
