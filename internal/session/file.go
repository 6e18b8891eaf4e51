package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/steveyegge/journalsync/internal/watch"
)

// fileContent is the on-disk session format.
type fileContent struct {
	AccountID string `json:"account_id"`
}

// FileProvider reports the account stored in a session JSON file
// ({"account_id": "..."}). A missing file means logged out. Run watches the
// file's directory and emits whenever the account changes.
type FileProvider struct {
	path   string
	logger *log.Logger

	mu      sync.Mutex
	subs    map[int]func(string)
	nextSub int
	last    string
}

// NewFileProvider creates a provider for path. logger may be nil.
func NewFileProvider(path string, logger *log.Logger) *FileProvider {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &FileProvider{
		path:   path,
		logger: logger,
		subs:   make(map[int]func(string)),
	}
}

// Path returns the session file path.
func (p *FileProvider) Path() string {
	return p.path
}

// Current reads the session file.
func (p *FileProvider) Current() (string, error) {
	account, err := readSessionFile(p.path)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.last = account
	p.mu.Unlock()
	return account, nil
}

// Write stores accountID in the session file ("" logs out).
func (p *FileProvider) Write(accountID string) error {
	return WriteSessionFile(p.path, accountID)
}

// Subscribe registers fn for account changes observed by Run.
func (p *FileProvider) Subscribe(fn func(accountID string)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Run watches the session file until ctx is cancelled.
func (p *FileProvider) Run(ctx context.Context) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	fw, err := watch.NewFileWatcher(watch.Named(filepath.Base(p.path)))
	if err != nil {
		return err
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			p.handleEvent(ev)

		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			p.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (p *FileProvider) handleEvent(ev watch.Event) {
	var account string
	if ev.Op != watch.OpDelete {
		a, err := readSessionFile(p.path)
		if err != nil {
			// Usually a partial write; the next event carries the full file.
			p.logger.Printf("Warning: unreadable session file: %v", err)
			return
		}
		account = a
	}

	p.mu.Lock()
	if account == p.last {
		p.mu.Unlock()
		return
	}
	p.last = account
	subs := make([]func(string), 0, len(p.subs))
	for i := 0; i < p.nextSub; i++ {
		if fn, ok := p.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	p.mu.Unlock()

	p.logger.Printf("Session file now reports %q", account)
	for _, fn := range subs {
		fn(account)
	}
}

func readSessionFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil
	}

	var c fileContent
	if err := json.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return strings.TrimSpace(c.AccountID), nil
}

// WriteSessionFile atomically writes accountID to path.
func WriteSessionFile(path, accountID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(fileContent{AccountID: strings.TrimSpace(accountID)}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename session file %s: %w", path, err)
	}
	return nil
}
