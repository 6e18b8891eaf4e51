package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/remote"
	"github.com/steveyegge/journalsync/internal/store"
)

const account = "acct-a"

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Logger = quietLogger()
	st, err := store.OpenWithConfig(filepath.Join(t.TempDir(), "journal.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Rebind(context.Background(), account))
	return st
}

func newOrchestrator(st LocalStore, gw remote.Gateway, net Network) *Orchestrator {
	return New(st, gw, &Config{Network: net, Logger: quietLogger()})
}

func write(t *testing.T, st *store.Store, id, text string, at time.Time) *record.Record {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	rec := &record.Record{ID: id, OwnerID: account, Kind: record.KindEntry, Payload: payload, UpdatedAt: at}
	require.NoError(t, st.Put(context.Background(), rec))
	return rec
}

func unsynced(t *testing.T, st *store.Store) []string {
	t.Helper()

	recs, err := st.GetUnsynced(context.Background(), account)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

type fakeNetwork struct {
	online atomic.Bool
}

func (n *fakeNetwork) IsOnline() bool { return n.online.Load() }

type recordingObserver struct {
	mu      sync.Mutex
	reports []CycleReport
	synced  []string
}

func (r *recordingObserver) CycleComplete(report CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingObserver) RecordSynced(rec *record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, rec.ID)
}

func (r *recordingObserver) cycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// blockingGateway holds every push until unblock is closed.
type blockingGateway struct {
	*remote.Memory
	entered chan struct{}
	unblock chan struct{}
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{
		Memory:  remote.NewMemory(),
		entered: make(chan struct{}, 1),
		unblock: make(chan struct{}),
	}
}

func (g *blockingGateway) Push(ctx context.Context, rec *record.Record) (remote.Ack, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.unblock:
	case <-ctx.Done():
		return remote.Ack{}, &remote.Error{Op: "push", Err: ctx.Err()}
	}
	return g.Memory.Push(ctx, rec)
}

// failingPullGateway fails every pull.
type failingPullGateway struct {
	*remote.Memory
}

func (g *failingPullGateway) PullSince(context.Context, string, string) (remote.PullResult, error) {
	return remote.PullResult{}, &remote.Error{Op: "pull", Err: remote.ErrTransient}
}

// cursorlessGateway drops the cursor from every pull result.
type cursorlessGateway struct {
	*remote.Memory
}

func (g *cursorlessGateway) PullSince(ctx context.Context, owner, cursor string) (remote.PullResult, error) {
	res, err := g.Memory.PullSince(ctx, owner, "")
	res.Cursor = ""
	return res, err
}

func TestOfflineWriteThenOnline(t *testing.T) {
	st := setupStore(t)
	gw := remote.NewMemory()
	net := &fakeNetwork{}
	o := newOrchestrator(st, gw, net)
	ctx := context.Background()

	r1 := write(t, st, "r1", "a locked drawer", time.Now())
	require.Equal(t, record.StatePending, r1.SyncState)

	_, err := o.RunCycle(ctx, ReasonManual)
	require.ErrorIs(t, err, ErrOffline)
	require.Equal(t, []string{"r1"}, unsynced(t, st))

	net.online.Store(true)
	report, err := o.RunCycle(ctx, ReasonOnline)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, record.StateSynced, got.SyncState)
	require.Empty(t, unsynced(t, st))
	require.NotNil(t, gw.Get(account, "r1"))
}

func TestAtLeastOnceDelivery(t *testing.T) {
	st := setupStore(t)
	gw := remote.NewMemory()
	o := newOrchestrator(st, gw, nil)
	ctx := context.Background()

	write(t, st, "r1", "persistent", time.Now())
	gw.FailPush("r1", 3)

	for i := 0; i < 4; i++ {
		_, err := o.RunCycle(ctx, ReasonOnline)
		require.NoError(t, err)
	}

	require.Empty(t, unsynced(t, st))
	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, record.StateSynced, got.SyncState)
}

func TestPushFailureDoesNotBlockQueue(t *testing.T) {
	st := setupStore(t)
	gw := remote.NewMemory()
	o := newOrchestrator(st, gw, nil)
	obs := &recordingObserver{}
	o.AddObserver(obs)

	base := time.Now()
	write(t, st, "r1", "first", base)
	write(t, st, "r2", "second", base.Add(time.Millisecond))
	write(t, st, "r3", "third", base.Add(2*time.Millisecond))
	gw.FailPush("r1", 1)

	report, err := o.RunCycle(context.Background(), ReasonManual)
	require.NoError(t, err)
	require.Equal(t, 2, report.Pushed)
	require.Equal(t, 1, report.PushFailed)
	require.False(t, report.PullSkipped, "pull must still run after a push failure")
	require.Equal(t, []string{"r1"}, unsynced(t, st))
	require.ElementsMatch(t, []string{"r2", "r3"}, obs.synced)
}

func TestPendingLocalEditSurvivesStalePull(t *testing.T) {
	st := setupStore(t)
	gw := remote.NewMemory()
	o := newOrchestrator(st, gw, nil)
	ctx := context.Background()

	t1 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	gw.Put(&record.Record{ID: "r1", OwnerID: account, Payload: json.RawMessage(`{"text":"old"}`), UpdatedAt: t1})
	write(t, st, "r1", "edited offline", t2)
	// Keep the local edit pending through the push phase.
	gw.FailPush("r1", 1)

	report, err := o.RunCycle(ctx, ReasonOnline)
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicts)
	require.Equal(t, 0, report.Applied)

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, got.UpdatedAt.Equal(t2))
	require.Equal(t, record.StatePending, got.SyncState)
	require.JSONEq(t, `{"text":"edited offline"}`, string(got.Payload))

	// Next cycle delivers the edit and the remote converges on it.
	_, err = o.RunCycle(ctx, ReasonOnline)
	require.NoError(t, err)
	require.True(t, gw.Get(account, "r1").UpdatedAt.Equal(t2))
	require.Empty(t, unsynced(t, st))
}

func TestRemoteOverwritesStaleSyncedLocal(t *testing.T) {
	st := setupStore(t)
	gw := remote.NewMemory()
	o := newOrchestrator(st, gw, nil)
	ctx := context.Background()

	t1 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	write(t, st, "r1", "mine", t1)
	_, err := o.RunCycle(ctx, ReasonManual)
	require.NoError(t, err)

	// Another device edits r1.
	gw.Put(&record.Record{ID: "r1", OwnerID: account, Payload: json.RawMessage(`{"text":"theirs"}`), UpdatedAt: t1.Add(time.Minute)})

	report, err := o.RunCycle(ctx, ReasonResume)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"theirs"}`, string(got.Payload))
	require.Equal(t, record.StateSynced, got.SyncState)
}

func TestPullFailureKeepsCursor(t *testing.T) {
	st := setupStore(t)
	mem := remote.NewMemory()
	ctx := context.Background()

	mem.Put(&record.Record{ID: "r1", OwnerID: account, UpdatedAt: time.Now()})
	_, err := newOrchestrator(st, mem, nil).RunCycle(ctx, ReasonStartup)
	require.NoError(t, err)
	before, err := st.Cursor(ctx, account)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	write(t, st, "r2", "still goes out", time.Now())
	report, err := newOrchestrator(st, &failingPullGateway{mem}, nil).RunCycle(ctx, ReasonOnline)
	require.NoError(t, err, "network failure must not fail the cycle")
	require.True(t, report.PullFailed)
	require.Equal(t, 1, report.Pushed)

	after, err := st.Cursor(ctx, account)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDerivedCursor(t *testing.T) {
	st := setupStore(t)
	mem := remote.NewMemory()
	newest := time.Date(2026, 5, 1, 12, 0, 0, 42, time.UTC)

	mem.Put(&record.Record{ID: "r1", OwnerID: account, UpdatedAt: newest.Add(-time.Hour)})
	mem.Put(&record.Record{ID: "r2", OwnerID: account, UpdatedAt: newest})

	_, err := newOrchestrator(st, &cursorlessGateway{mem}, nil).RunCycle(context.Background(), ReasonStartup)
	require.NoError(t, err)

	cursor, err := st.Cursor(context.Background(), account)
	require.NoError(t, err)
	require.Equal(t, newest.Format(time.RFC3339Nano), cursor)
}

func TestFlushPushesOnly(t *testing.T) {
	st := setupStore(t)
	gw := remote.NewMemory()
	o := newOrchestrator(st, gw, nil)
	ctx := context.Background()

	gw.Put(&record.Record{ID: "remote-only", OwnerID: account, UpdatedAt: time.Now()})
	write(t, st, "r1", "before logout", time.Now())

	report, err := o.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)
	require.True(t, report.PullSkipped)

	_, err = st.Get(ctx, "remote-only")
	require.ErrorIs(t, err, store.ErrNotFound)
	cursor, err := st.Cursor(ctx, account)
	require.NoError(t, err)
	require.Empty(t, cursor)
}

func TestNoActiveAccount(t *testing.T) {
	st := setupStore(t)
	require.NoError(t, st.Rebind(context.Background(), ""))

	_, err := newOrchestrator(st, remote.NewMemory(), nil).RunCycle(context.Background(), ReasonManual)
	require.ErrorIs(t, err, store.ErrNoActiveAccount)
}

func TestTriggersCoalesce(t *testing.T) {
	st := setupStore(t)
	gw := newBlockingGateway()
	o := newOrchestrator(st, gw, nil)
	obs := &recordingObserver{}
	o.AddObserver(obs)

	write(t, st, "r1", "slow network", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	o.Trigger(ReasonStartup)
	select {
	case <-gw.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached push")
	}

	// Everything arriving mid-cycle folds into one follow-up.
	for i := 0; i < 5; i++ {
		o.Trigger(ReasonOnline)
	}
	close(gw.unblock)

	require.Eventually(t, func() bool { return obs.cycles() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, obs.cycles())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestQuiesceWaitsForPhase(t *testing.T) {
	st := setupStore(t)
	gw := newBlockingGateway()
	o := newOrchestrator(st, gw, nil)

	write(t, st, "r1", "in flight", time.Now())

	cycleDone := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(context.Background(), ReasonManual)
		cycleDone <- err
	}()
	<-gw.entered

	quiesced := make(chan func(), 1)
	go func() {
		release, err := o.Quiesce(context.Background(), 5*time.Second)
		if err == nil {
			quiesced <- release
		}
	}()

	select {
	case <-quiesced:
		t.Fatal("Quiesce returned while push phase was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(gw.unblock)

	var release func()
	select {
	case release = <-quiesced:
	case <-time.After(2 * time.Second):
		t.Fatal("Quiesce never returned")
	}

	// The pull phase waits while the lock is held.
	select {
	case err := <-cycleDone:
		t.Fatalf("cycle finished while quiesced: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-cycleDone)
}

func TestQuiesceTimeoutCancelsCycle(t *testing.T) {
	st := setupStore(t)
	gw := newBlockingGateway()
	o := newOrchestrator(st, gw, nil)

	write(t, st, "r1", "stalled", time.Now())

	cycleDone := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(context.Background(), ReasonManual)
		cycleDone <- err
	}()
	<-gw.entered

	start := time.Now()
	release, err := o.Quiesce(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	// Rebind to another account while holding the lock.
	require.NoError(t, st.Rebind(context.Background(), "acct-b"))
	release()

	err = <-cycleDone
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrAccountChanged), "got %v", err)
	require.Nil(t, gw.Get(account, "r1"))
}

func TestWatchNetwork(t *testing.T) {
	st := setupStore(t)
	o := newOrchestrator(st, remote.NewMemory(), nil)

	src := &fakeSource{}
	stop := o.WatchNetwork(src)
	defer stop()

	src.emit(false)
	require.Len(t, o.triggers, 0)
	src.emit(true)
	require.Len(t, o.triggers, 1)
	require.Equal(t, ReasonOnline, <-o.triggers)
}

type fakeSource struct {
	fn func(bool)
}

func (s *fakeSource) Subscribe(fn func(bool)) func() {
	s.fn = fn
	return func() { s.fn = nil }
}

func (s *fakeSource) emit(online bool) {
	if s.fn != nil {
		s.fn(online)
	}
}

func TestDecide(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	tests := []struct {
		name   string
		local  *record.Record
		remote *record.Record
		want   bool
	}{
		{"absent locally", nil, &record.Record{UpdatedAt: t1}, true},
		{"remote newer", &record.Record{UpdatedAt: t1}, &record.Record{UpdatedAt: t2}, true},
		{"tie goes to remote", &record.Record{UpdatedAt: t1}, &record.Record{UpdatedAt: t1}, true},
		{"local newer", &record.Record{UpdatedAt: t2, SyncState: record.StatePending}, &record.Record{UpdatedAt: t1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Decide(tt.local, tt.remote))
		})
	}
}
