// Package session keeps the local store bound to exactly one account.
//
// The Guard reacts to the session provider: on logout it makes a bounded,
// best-effort attempt to push pending edits before the store is purged; on
// login or account switch it quiesces sync, rebinds the store and requests a
// cycle to repopulate it from the remote.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/syncer"
)

// Store is the part of the local store the guard needs.
type Store interface {
	ActiveAccount() string
	Rebind(ctx context.Context, newOwnerID string) error
	GetUnsynced(ctx context.Context, ownerID string) ([]*record.Record, error)
}

// Syncer is the part of the orchestrator the guard needs.
type Syncer interface {
	Flush(ctx context.Context) (syncer.CycleReport, error)
	Quiesce(ctx context.Context, timeout time.Duration) (func(), error)
	Trigger(reason syncer.Reason)
}

// Change describes one applied session transition.
type Change struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
	// Flushed is how many records the logout flush delivered
	Flushed int `json:"flushed,omitempty"`
	// Discarded is how many unsynced records were purged undelivered
	Discarded int `json:"discarded,omitempty"`
}

// Config holds configuration for the guard.
type Config struct {
	// LogoutFlushTimeout bounds the final push before a logout purge
	LogoutFlushTimeout time.Duration

	// RebindTimeout bounds the wait for an in-flight sync phase
	RebindTimeout time.Duration

	// Logger for session activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogoutFlushTimeout: 10 * time.Second,
		RebindTimeout:      5 * time.Second,
		Logger:             log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// Guard applies session changes to the store.
type Guard struct {
	store  Store
	sync   Syncer
	config *Config
	logger *log.Logger

	// mu serializes resolutions so two provider events never interleave.
	mu sync.Mutex

	lmu       sync.RWMutex
	listeners []func(Change)
}

// NewGuard creates a guard over st and sy.
func NewGuard(st Store, sy Syncer, config *Config) *Guard {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.LogoutFlushTimeout <= 0 {
		config.LogoutFlushTimeout = def.LogoutFlushTimeout
	}
	if config.RebindTimeout <= 0 {
		config.RebindTimeout = def.RebindTimeout
	}
	return &Guard{
		store:  st,
		sync:   sy,
		config: config,
		logger: config.Logger,
	}
}

// OnChange registers fn to be called after every applied transition.
func (g *Guard) OnChange(fn func(Change)) {
	g.lmu.Lock()
	defer g.lmu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// OnSessionResolved applies the provider's view of the active account
// ("" means logged out). Resolving to the already-bound account is a no-op.
func (g *Guard) OnSessionResolved(ctx context.Context, accountID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	accountID = strings.TrimSpace(accountID)
	current := g.store.ActiveAccount()
	if accountID == current {
		return nil
	}

	change := Change{From: current, To: accountID}

	if current != "" && accountID == "" {
		change.Flushed = g.flush(ctx, current)
	}
	if current != "" {
		change.Discarded = g.countUnsynced(ctx, current)
		if change.Discarded > 0 {
			g.logger.Printf("Warning: discarding %d unsynced records for %s", change.Discarded, current)
		}
	}

	release, err := g.sync.Quiesce(ctx, g.config.RebindTimeout)
	if err != nil {
		return fmt.Errorf("failed to quiesce sync before rebind: %w", err)
	}
	err = g.store.Rebind(ctx, accountID)
	release()
	if err != nil {
		return fmt.Errorf("failed to rebind store to %q: %w", accountID, err)
	}

	switch {
	case accountID == "":
		g.logger.Printf("Logged out %s", current)
	case current == "":
		g.logger.Printf("Logged in %s", accountID)
	default:
		g.logger.Printf("Switched account %s -> %s", current, accountID)
	}

	if accountID != "" {
		g.sync.Trigger(syncer.ReasonLogin)
	}

	change.At = time.Now()
	g.notify(change)
	return nil
}

// flush makes the bounded final push for account and returns how many
// records it delivered.
func (g *Guard) flush(ctx context.Context, account string) int {
	flushCtx, cancel := context.WithTimeout(ctx, g.config.LogoutFlushTimeout)
	defer cancel()

	report, err := g.sync.Flush(flushCtx)
	if err != nil {
		g.logger.Printf("Warning: final flush for %s incomplete: %v", account, err)
	}
	return report.Pushed
}

func (g *Guard) countUnsynced(ctx context.Context, account string) int {
	recs, err := g.store.GetUnsynced(ctx, account)
	if err != nil {
		g.logger.Printf("Warning: failed to count unsynced records for %s: %v", account, err)
		return 0
	}
	return len(recs)
}

func (g *Guard) notify(change Change) {
	g.lmu.RLock()
	defer g.lmu.RUnlock()
	for _, fn := range g.listeners {
		fn(change)
	}
}

// Provider reports the active account.
type Provider interface {
	// Current returns the account the provider reports now ("" if none).
	Current() (string, error)
	// Subscribe calls fn with each newly reported account.
	Subscribe(fn func(accountID string)) func()
}

// Watch resolves the provider's current account, then applies every change
// it reports until ctx is cancelled.
func (g *Guard) Watch(ctx context.Context, p Provider) error {
	current, err := p.Current()
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if err := g.OnSessionResolved(ctx, current); err != nil {
		return err
	}

	unsubscribe := p.Subscribe(func(accountID string) {
		if err := g.OnSessionResolved(ctx, accountID); err != nil {
			g.logger.Printf("Failed to apply session change: %v", err)
		}
	})
	defer unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}
