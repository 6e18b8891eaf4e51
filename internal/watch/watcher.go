// Package watch turns fsnotify events on a set of directories into filtered
// create/modify/delete notifications.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op represents the type of file system operation.
type Op int

const (
	// OpCreate indicates a new file was created (or renamed into place).
	OpCreate Op = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a file system event that passed the watcher's filter.
type Event struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the operation that occurred.
	Op Op
}

// Filter decides whether a path is of interest.
type Filter func(path string) bool

// JSONFiles matches *.json, skipping the .tmp files atomic writers leave
// briefly in the same directory.
func JSONFiles(path string) bool {
	return strings.HasSuffix(path, ".json")
}

// Named matches files whose base name is one of names.
func Named(names ...string) Filter {
	return func(path string) bool {
		base := filepath.Base(path)
		for _, n := range names {
			if base == n {
				return true
			}
		}
		return false
	}
}

// FileWatcher watches directories for changes to matching files.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	filter  Filter
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	dirs    map[string]bool
}

// NewFileWatcher creates a watcher that reports events for paths accepted by
// filter (nil accepts everything). It emits nothing until Start is called.
func NewFileWatcher(filter Filter) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if filter == nil {
		filter = func(string) bool { return true }
	}

	return &FileWatcher{
		watcher: watcher,
		filter:  filter,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dirs:    make(map[string]bool),
	}, nil
}

// Start begins watching dirs. Either every directory is watched or none is.
func (fw *FileWatcher) Start(dirs ...string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if fw.stopped {
		return fmt.Errorf("watcher has been stopped")
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch")
	}

	var added []string
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if err := fw.watcher.Add(abs); err != nil {
			for _, a := range added {
				_ = fw.watcher.Remove(a)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		added = append(added, abs)
	}
	for _, a := range added {
		fw.dirs[a] = true
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and releases the fsnotify watcher. It blocks until the
// event goroutine has exited, then closes the Events and Errors channels.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	wasRunning := fw.running
	fw.running = false
	fw.stopped = true
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		fw.wg.Wait()
	}

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits Event notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan Event {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if ev, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- ev:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to an Event, or reports false when the
// event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (Event, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return Event{}, false
	}

	fw.mu.Lock()
	watched := fw.dirs[filepath.Dir(abs)]
	fw.mu.Unlock()
	if !watched || !fw.filter(abs) {
		return Event{}, false
	}

	var op Op
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives separately as a create.
		op = OpDelete
	default:
		return Event{}, false
	}

	return Event{Path: abs, Op: op}, true
}
