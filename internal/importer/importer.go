// Package importer feeds capture-device exports into a record collection.
//
// Field capture hardware drops one JSON file per record into an export
// directory: the file name (minus .json) is the record id, the body is
// the payload. The importer watches that directory, debounces the rapid
// write bursts capture devices produce, and upserts each settled file
// into the collection. Removing an export soft-deletes its record, so
// the deletion replicates like any other edit.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/propio/fieldsync/internal/collection"
)

// Config for the export importer.
type Config struct {
	// DebounceInterval is how long a file must sit unchanged before it
	// is imported. This batches the write-then-rewrite pattern capture
	// devices use while an export is still being flushed.
	DebounceInterval time.Duration

	// Logger for importer activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[importer] ", log.LstdFlags),
	}
}

// Importer watches one export directory and mirrors it into one
// collection.
type Importer struct {
	dir string
	col *collection.Collection
	cfg *Config

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an importer for dir feeding col. Start begins watching.
func New(dir string, col *collection.Collection, cfg *Config) *Importer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[importer] ", log.LstdFlags)
	}
	return &Importer{
		dir:         dir,
		col:         col,
		cfg:         cfg,
		changeQueue: make(map[string]time.Time),
	}
}

// Start imports everything already in the directory, then begins
// watching for changes.
func (imp *Importer) Start(ctx context.Context) error {
	if err := os.MkdirAll(imp.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(imp.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch export directory %s: %w", imp.dir, err)
	}
	imp.watcher = watcher
	imp.ctx, imp.cancel = context.WithCancel(ctx)

	if err := imp.scan(); err != nil {
		imp.cfg.Logger.Printf("initial scan failed: %v", err)
	}

	imp.wg.Add(2)
	go imp.watchLoop()
	go imp.processChangeQueue()

	imp.cfg.Logger.Printf("watching %s", imp.dir)
	return nil
}

// Stop ends watching. Queued changes that have not settled yet are
// dropped; the files are still on disk and import on the next Start.
func (imp *Importer) Stop() {
	if imp.cancel == nil {
		return
	}
	imp.cancel()
	_ = imp.watcher.Close()
	imp.wg.Wait()
}

// scan imports every export already present.
func (imp *Importer) scan() error {
	entries, err := os.ReadDir(imp.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		imp.importFile(filepath.Join(imp.dir, entry.Name()))
	}
	return nil
}

// watchLoop converts raw fsnotify events: writes queue for debouncing,
// removals apply immediately.
func (imp *Importer) watchLoop() {
	defer imp.wg.Done()

	for {
		select {
		case <-imp.ctx.Done():
			return

		case event, ok := <-imp.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				imp.changeQueueMu.Lock()
				imp.changeQueue[event.Name] = time.Now()
				imp.changeQueueMu.Unlock()

			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// Rename away counts as a removal; a rename into the
				// directory arrives as a create for the new name.
				imp.changeQueueMu.Lock()
				delete(imp.changeQueue, event.Name)
				imp.changeQueueMu.Unlock()
				imp.removeRecord(event.Name)
			}

		case err, ok := <-imp.watcher.Errors:
			if !ok {
				return
			}
			imp.cfg.Logger.Printf("watch error: %v", err)
		}
	}
}

// processChangeQueue imports files that have sat unchanged for the
// debounce interval.
func (imp *Importer) processChangeQueue() {
	defer imp.wg.Done()

	ticker := time.NewTicker(imp.cfg.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-imp.ctx.Done():
			return

		case <-ticker.C:
			imp.processPendingChanges()
		}
	}
}

func (imp *Importer) processPendingChanges() {
	imp.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range imp.changeQueue {
		if now.Sub(queuedAt) < imp.cfg.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(imp.changeQueue, path)
	}
	imp.changeQueueMu.Unlock()

	for _, path := range ready {
		imp.importFile(path)
	}
}

// importFile upserts one export into the collection. An export that no
// longer exists (deleted between queue and import) is skipped; one that
// does not decode is logged and left alone so it can be fixed in place.
func (imp *Importer) importFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			imp.cfg.Logger.Printf("failed to read export %s: %v", path, err)
		}
		return
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		imp.cfg.Logger.Printf("skipping malformed export %s: %v", path, err)
		return
	}

	id := recordID(path)
	imp.col.Upsert(id, payload)
	imp.cfg.Logger.Printf("imported %s as record %s", filepath.Base(path), id)
}

func (imp *Importer) removeRecord(path string) {
	id := recordID(path)
	if err := imp.col.Remove(id); err != nil {
		// Already gone or never imported; nothing to do.
		return
	}
	imp.cfg.Logger.Printf("removed record %s for deleted export %s", id, filepath.Base(path))
}

// recordID derives the record id from the export file name.
func recordID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
