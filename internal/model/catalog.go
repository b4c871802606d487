package model

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hubenschmidt/naas/internal/engine"
)

// Source is where a catalog entry lives.
type Source string

const (
	SourceModels Source = "models"
	SourceTmp    Source = "tmp"
)

// Entry is a model available to set_model.
type Entry struct {
	ID      string        `json:"id"`
	Source  Source        `json:"source"`
	Archive bool          `json:"archive,omitempty"`
	Format  engine.Format `json:"format,omitempty"`
}

// List scans the models and tmp directories. A missing directory is empty.
// Ids found in both are reported once, from the models directory.
func (s *Store) List() []Entry {
	seen := make(map[string]bool)
	out := scanDir(s.cfg.ModelsDir, SourceModels, seen)
	out = append(out, scanDir(s.cfg.TmpDir, SourceTmp, seen)...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func scanDir(dir string, src Source, seen map[string]bool) []Entry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Entry
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__") || seen[name] {
			continue
		}
		switch {
		case e.IsDir():
			out = append(out, Entry{ID: name, Source: src, Format: sniffFormat(filepath.Join(dir, name))})
		case src == SourceModels && strings.HasSuffix(name, archiveSuffix):
			out = append(out, Entry{ID: name, Source: src, Archive: true})
		default:
			continue
		}
		seen[name] = true
	}
	return out
}

// sniffFormat guesses the layout from file names alone.
func sniffFormat(dir string) engine.Format {
	switch {
	case exists(filepath.Join(dir, PythonEntry)):
		return engine.FormatPython
	case exists(filepath.Join(dir, BSPTemplate)):
		return engine.FormatBSP
	case exists(filepath.Join(dir, NMCTemplate)):
		return engine.FormatNMC
	case exists(filepath.Join(dir, CellTemplate)):
		return engine.FormatCell
	}
	return ""
}

// Catalog caches the model listing and refreshes it when the model
// directories change.
type Catalog struct {
	store    *Store
	onChange func([]Entry)

	mu      sync.RWMutex
	entries []Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCatalog scans once. onChange, if set, is called after every refresh
// triggered by the watcher.
func NewCatalog(store *Store, onChange func([]Entry)) *Catalog {
	c := &Catalog{store: store, onChange: onChange}
	c.Refresh()
	return c
}

// Entries returns the cached listing.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Refresh rescans the directories.
func (c *Catalog) Refresh() []Entry {
	entries := c.store.List()
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return entries
}

// Watch starts watching the model directories until ctx is done or Close
// is called. Directories that do not exist are skipped.
func (c *Catalog) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{c.store.cfg.ModelsDir, c.store.cfg.TmpDir} {
		if !isDir(dir) {
			continue
		}
		if err = fw.Add(dir); err != nil {
			fw.Close()
			return err
		}
	}
	c.watcher = fw
	c.done = make(chan struct{})
	go c.loop(ctx)
	return nil
}

// Close stops the watcher.
func (c *Catalog) Close() {
	if c.watcher == nil {
		return
	}
	c.watcher.Close()
	<-c.done
}

func (c *Catalog) loop(ctx context.Context) {
	defer close(c.done)

	const debounce = 200 * time.Millisecond
	var last time.Time
	dirty := false
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.watcher.Close()
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				dirty, last = true, time.Now()
			}
		case <-ticker.C:
			if !dirty || time.Since(last) < debounce {
				continue
			}
			dirty = false
			entries := c.Refresh()
			slog.Debug("model catalog refreshed", "count", len(entries))
			if c.onChange != nil {
				c.onChange(entries)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("model catalog watch error", "error", err)
		}
	}
}
