// Package ingest imports record files dropped into an inbox directory.
//
// UI collaborators write <id>.json record files (atomically, via rename) into
// the inbox. The inbox:
//  1. Imports every file already present on start
//  2. Watches the directory for new or rewritten files
//  3. Debounces bursts of events per file before importing
//  4. Removes files once stored, and sets aside files it cannot accept
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/store"
	"github.com/steveyegge/journalsync/internal/watch"
)

// RejectedSuffix is appended to inbox files that could not be imported.
const RejectedSuffix = ".rejected"

// Writer stores ingested records.
type Writer interface {
	ActiveAccount() string
	Put(ctx context.Context, rec *record.Record) error
}

// Config holds configuration for the inbox.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is imported.
	// This batches rapid rewrites together.
	DebounceInterval time.Duration

	// OnIngest is called after each record is stored (optional)
	OnIngest func(rec *record.Record)

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Stats counts inbox outcomes since start.
type Stats struct {
	Ingested int `json:"ingested"`
	Rejected int `json:"rejected"`
}

// Inbox imports record files from a directory into the store.
type Inbox struct {
	dir    string
	writer Writer
	config *Config

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// New creates an inbox over dir.
func New(dir string, w Writer, config *Config) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	if w == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox dir: %w", err)
	}

	return &Inbox{
		dir:         abs,
		writer:      w,
		config:      config,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Dir returns the inbox directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Stats returns counts since the inbox was created.
func (in *Inbox) Stats() Stats {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.stats
}

// Run imports existing files, then watches the inbox until ctx is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	fw, err := watch.NewFileWatcher(watch.JSONFiles)
	if err != nil {
		return err
	}
	defer fw.Stop()

	// Watch before scanning so nothing written in between is missed.
	if err := fw.Start(in.dir); err != nil {
		return err
	}
	in.config.Logger.Printf("Watching inbox: %s", in.dir)

	if _, err := in.ScanExisting(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			if ev.Op == watch.OpDelete {
				in.dropChange(ev.Path)
				continue
			}
			in.queueChange(ev.Path)

		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			in.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			in.processPendingChanges(ctx)
		}
	}
}

// ScanExisting imports every record file currently in the inbox and returns
// how many were stored.
func (in *Inbox) ScanExisting(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(in.dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list inbox: %w", err)
	}
	sort.Strings(matches)

	n := 0
	for _, path := range matches {
		if in.ingestFile(ctx, path) {
			n++
		}
	}
	if len(matches) > 0 {
		in.config.Logger.Printf("Imported %d of %d waiting files", n, len(matches))
	}
	return n, nil
}

func (in *Inbox) queueChange(path string) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	in.changeQueue[path] = time.Now()
}

func (in *Inbox) dropChange(path string) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()
	delete(in.changeQueue, path)
}

// processPendingChanges imports files that have been quiet long enough.
func (in *Inbox) processPendingChanges(ctx context.Context) {
	now := time.Now()

	in.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	in.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		in.ingestFile(ctx, path)
	}
}

// ingestFile stores one file. It reports whether the record was stored.
func (in *Inbox) ingestFile(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	rec, err := record.ReadFile(path)
	if err != nil {
		in.reject(path, err)
		return false
	}

	active := in.writer.ActiveAccount()
	if active == "" || rec.OwnerID != active {
		in.reject(path, fmt.Errorf("owner %q is not the active account %q", rec.OwnerID, active))
		return false
	}

	rec.SyncState = ""
	if err := in.writer.Put(ctx, rec); err != nil {
		if store.IsStorageError(err) || errors.Is(err, context.Canceled) {
			// Leave the file for the next attempt.
			in.config.Logger.Printf("Error storing %s: %v", filepath.Base(path), err)
			return false
		}
		in.reject(path, err)
		return false
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		in.config.Logger.Printf("Warning: stored %s but failed to remove file: %v", rec.ID, err)
	}

	in.statsMu.Lock()
	in.stats.Ingested++
	in.statsMu.Unlock()

	in.config.Logger.Printf("Ingested %s", rec.ID)
	if in.config.OnIngest != nil {
		in.config.OnIngest(rec)
	}
	return true
}

func (in *Inbox) reject(path string, cause error) {
	in.config.Logger.Printf("Warning: rejecting %s: %v", filepath.Base(path), cause)

	in.statsMu.Lock()
	in.stats.Rejected++
	in.statsMu.Unlock()

	if err := os.Rename(path, path+RejectedSuffix); err != nil && !os.IsNotExist(err) {
		in.config.Logger.Printf("Warning: failed to set aside %s: %v", filepath.Base(path), err)
	}
}
