// Package syncer runs push-then-pull sync cycles between the local store and
// the remote gateway.
//
// Cycles are started by triggers (startup, login, network coming back, app
// resume, manual request) sent to Trigger. A single consumer (Run) drains them
// one at a time; a trigger that arrives while a cycle is running is coalesced
// into exactly one follow-up cycle.
//
// Every cycle has two phases, each holding the phase lock:
//
//	push: every queued record is attempted; one failure never blocks the rest
//	pull: changes since the stored cursor are merged, last writer wins
//
// The pull phase starts only after the push phase has attempted every record.
// Quiesce takes the phase lock from outside so an account rebind never runs
// while a phase is still reading or writing the old account's data.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/remote"
	"github.com/steveyegge/journalsync/internal/store"
)

var (
	// ErrAccountChanged is returned when the active account changes between
	// phases of a cycle. The cycle stops without touching the new account.
	ErrAccountChanged = errors.New("active account changed during sync")

	// ErrOffline is returned when a cycle is requested while the network
	// reports offline. Nothing is attempted.
	ErrOffline = errors.New("network offline")
)

// Reason says why a cycle was requested.
type Reason string

const (
	ReasonStartup Reason = "startup"
	ReasonLogin   Reason = "login"
	ReasonOnline  Reason = "online"
	ReasonResume  Reason = "resume"
	ReasonManual  Reason = "manual"
	ReasonLogout  Reason = "logout"

	// ReasonWrite is requested after records arrive outside the interactive path
	ReasonWrite Reason = "write"
)

// LocalStore is the part of the store the orchestrator needs.
type LocalStore interface {
	ActiveAccount() string
	GetUnsynced(ctx context.Context, ownerID string) ([]*record.Record, error)
	MarkPushed(ctx context.Context, rec *record.Record) (bool, error)
	MergeRemote(ctx context.Context, ownerID string, remote []*record.Record, cursor string, decide store.DecideFunc) (store.MergeResult, error)
	Cursor(ctx context.Context, ownerID string) (string, error)
}

// Network reports whether a cycle is worth attempting.
type Network interface {
	IsOnline() bool
}

// NetworkSource delivers debounced connectivity transitions.
type NetworkSource interface {
	Subscribe(fn func(online bool)) func()
}

// Observer is notified of sync progress. Calls are made from the cycle's
// goroutine and must not block.
type Observer interface {
	CycleComplete(report CycleReport)
	RecordSynced(rec *record.Record)
}

// CycleReport summarizes one cycle (or one Flush).
type CycleReport struct {
	Account  string        `json:"account" yaml:"account"`
	Reason   Reason        `json:"reason" yaml:"reason"`
	Started  time.Time     `json:"started" yaml:"started"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Pushed records were accepted by the remote and marked synced
	Pushed int `json:"pushed" yaml:"pushed"`
	// PushFailed records stay pending for the next cycle
	PushFailed int `json:"push_failed" yaml:"push_failed"`
	// Superseded records were accepted but edited again while in flight
	Superseded int `json:"superseded" yaml:"superseded"`

	// PullSkipped is set when the pull phase did not run (flush, abort)
	PullSkipped bool `json:"pull_skipped,omitempty" yaml:"pull_skipped,omitempty"`
	// PullFailed is set when the pull call itself failed; the cursor is unchanged
	PullFailed bool `json:"pull_failed,omitempty" yaml:"pull_failed,omitempty"`
	Pulled     int  `json:"pulled" yaml:"pulled"`
	Applied    int  `json:"applied" yaml:"applied"`
	// Conflicts counts remote records ignored because a newer local edit is pending
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	// Rejected counts remote records that were malformed or for another account
	Rejected int `json:"rejected" yaml:"rejected"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Config holds configuration for the orchestrator.
type Config struct {
	// Network gates cycles; nil means always attempt
	Network Network

	// Logger for sync activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Orchestrator runs sync cycles for the store's active account.
type Orchestrator struct {
	store   LocalStore
	gateway remote.Gateway
	network Network
	logger  *log.Logger

	triggers chan Reason

	// cycle serializes cycles and flushes; phase is held for the duration of
	// a push or pull phase and by Quiesce.
	cycle chan struct{}
	phase chan struct{}

	cancelMu    sync.Mutex
	cancelCycle context.CancelFunc

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates an orchestrator. Call Run to start draining triggers.
func New(st LocalStore, gw remote.Gateway, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Orchestrator{
		store:    st,
		gateway:  gw,
		network:  config.Network,
		logger:   config.Logger,
		triggers: make(chan Reason, 1),
		cycle:    make(chan struct{}, 1),
		phase:    make(chan struct{}, 1),
	}
}

// AddObserver registers obs for cycle and record events.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

// Trigger requests a cycle. It never blocks: if a request is already waiting
// this one is folded into it.
func (o *Orchestrator) Trigger(reason Reason) {
	select {
	case o.triggers <- reason:
	default:
		o.logger.Printf("Trigger %s coalesced into pending cycle", reason)
	}
}

// WatchNetwork triggers a cycle on every offline to online transition
// reported by src. The returned function stops watching.
func (o *Orchestrator) WatchNetwork(src NetworkSource) func() {
	return src.Subscribe(func(online bool) {
		if online {
			o.Trigger(ReasonOnline)
		}
	})
}

// Run drains triggers until ctx is cancelled. Cycle failures are logged and
// left for the next trigger.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-o.triggers:
			report, err := o.RunCycle(ctx, reason)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrNoActiveAccount):
				o.logger.Printf("No active account, skipping %s cycle", reason)
			case errors.Is(err, ErrOffline):
				o.logger.Printf("Offline, skipping %s cycle", reason)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				o.logger.Printf("Sync cycle (%s) for %s aborted: %v", reason, report.Account, err)
			}
		}
	}
}

// RunCycle runs one full push-then-pull cycle now, waiting for any cycle
// already in progress.
//
// Network failures do not produce an error; they show up in the report and
// leave state for the next cycle. Storage failures and account changes abort
// the cycle and are returned.
func (o *Orchestrator) RunCycle(ctx context.Context, reason Reason) (CycleReport, error) {
	return o.run(ctx, reason, true)
}

// Flush runs only the push phase. It is used before logout to get pending
// edits out before the store is purged; bound ctx to keep it short.
func (o *Orchestrator) Flush(ctx context.Context) (CycleReport, error) {
	return o.run(ctx, ReasonLogout, false)
}

func (o *Orchestrator) run(ctx context.Context, reason Reason, pull bool) (CycleReport, error) {
	report := CycleReport{Reason: reason, Started: time.Now(), PullSkipped: true}

	select {
	case o.cycle <- struct{}{}:
	case <-ctx.Done():
		return report, ctx.Err()
	}
	defer func() { <-o.cycle }()

	account := o.store.ActiveAccount()
	report.Account = account
	if account == "" {
		return report, store.ErrNoActiveAccount
	}
	if o.network != nil && !o.network.IsOnline() {
		return report, ErrOffline
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	o.setCancel(cancel)
	defer func() {
		o.setCancel(nil)
		cancel()
	}()

	err := o.pushPhase(cycleCtx, account, &report)
	if err == nil && pull {
		report.PullSkipped = false
		err = o.pullPhase(cycleCtx, account, &report)
	}

	report.Duration = time.Since(report.Started)
	if err != nil {
		report.Error = err.Error()
	}
	o.logger.Printf("Cycle %s for %s: pushed=%d failed=%d superseded=%d pulled=%d applied=%d conflicts=%d (%v)",
		reason, account, report.Pushed, report.PushFailed, report.Superseded,
		report.Pulled, report.Applied, report.Conflicts, report.Duration.Round(time.Millisecond))

	o.notifyCycle(report)
	return report, err
}

// acquirePhase takes the phase lock and confirms account is still active.
func (o *Orchestrator) acquirePhase(ctx context.Context, account string) (func(), error) {
	select {
	case o.phase <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-o.phase }

	if o.store.ActiveAccount() != account {
		release()
		return nil, ErrAccountChanged
	}
	return release, nil
}

func (o *Orchestrator) pushPhase(ctx context.Context, account string, report *CycleReport) error {
	release, err := o.acquirePhase(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	queue, err := o.store.GetUnsynced(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to read unsynced queue: %w", err)
	}

	for i, rec := range queue {
		if ctx.Err() != nil {
			// Cancelled mid-phase; what is left stays queued.
			report.PushFailed += len(queue) - i
			return ctx.Err()
		}

		if _, err := o.gateway.Push(ctx, rec); err != nil {
			report.PushFailed++
			if remote.IsTransient(err) {
				o.logger.Printf("Push %s failed (will retry): %v", rec.ID, err)
			} else {
				o.logger.Printf("Warning: push %s refused by remote (left pending): %v", rec.ID, err)
			}
			continue
		}

		ok, err := o.store.MarkPushed(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", rec.ID, err)
		}
		if !ok {
			report.Superseded++
			continue
		}
		report.Pushed++
		synced := rec.Clone()
		synced.SyncState = record.StateSynced
		o.notifyRecord(synced)
	}
	return ctx.Err()
}

func (o *Orchestrator) pullPhase(ctx context.Context, account string, report *CycleReport) error {
	release, err := o.acquirePhase(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	cursor, err := o.store.Cursor(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	res, err := o.gateway.PullSince(ctx, account, cursor)
	if err != nil {
		report.PullFailed = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Printf("Pull for %s failed (cursor unchanged): %v", account, err)
		return nil
	}
	report.Pulled = len(res.Records)

	next := res.Cursor
	if next == "" {
		next = derivedCursor(res.Records)
	}

	decide := func(local, remote *record.Record) bool {
		if Decide(local, remote) {
			return true
		}
		if local.SyncState.Unsynced() {
			report.Conflicts++
			o.logger.Printf("Conflict ignored: %s has a newer local edit (local %s, remote %s)",
				remote.ID, local.UpdatedAt.Format(time.RFC3339Nano), remote.UpdatedAt.Format(time.RFC3339Nano))
		}
		return false
	}

	merged, err := o.store.MergeRemote(ctx, account, res.Records, next, decide)
	if err != nil {
		report.Conflicts = 0
		return fmt.Errorf("failed to merge pulled records: %w", err)
	}
	report.Applied = merged.Applied
	report.Rejected = merged.Rejected
	if merged.Rejected > 0 {
		o.logger.Printf("Warning: rejected %d pulled records for %s", merged.Rejected, account)
	}
	return nil
}

// Decide is the merge rule: remote replaces local when local is absent or
// remote is at least as new. Remote wins ties.
func Decide(local, remote *record.Record) bool {
	if local == nil {
		return true
	}
	return !remote.UpdatedAt.Before(local.UpdatedAt)
}

// derivedCursor is used when the remote does not issue cursors: the newest
// UpdatedAt seen, or "" to keep the stored cursor.
func derivedCursor(recs []*record.Record) string {
	var newest time.Time
	for _, r := range recs {
		if r != nil && r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	if newest.IsZero() {
		return ""
	}
	return newest.UTC().Format(time.RFC3339Nano)
}

// Quiesce waits for the in-flight phase (if any) to finish and holds the
// phase lock until the returned release is called. If the phase does not
// finish within timeout the in-flight cycle is cancelled and Quiesce waits
// for it to unwind.
func (o *Orchestrator) Quiesce(ctx context.Context, timeout time.Duration) (func(), error) {
	var once sync.Once
	release := func() { once.Do(func() { <-o.phase }) }

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o.phase <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	o.logger.Printf("Warning: sync phase still running after %v, cancelling it", timeout)
	o.cancelInFlight()

	select {
	case o.phase <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) setCancel(cancel context.CancelFunc) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.cancelCycle = cancel
}

func (o *Orchestrator) cancelInFlight() {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.cancelCycle != nil {
		o.cancelCycle()
	}
}

func (o *Orchestrator) notifyCycle(report CycleReport) {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	for _, obs := range o.observers {
		obs.CycleComplete(report)
	}
}

func (o *Orchestrator) notifyRecord(rec *record.Record) {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	for _, obs := range o.observers {
		obs.RecordSynced(rec)
	}
}
