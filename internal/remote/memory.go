package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/steveyegge/journalsync/internal/record"
)

type memEntry struct {
	rec *record.Record
	rev uint64
}

// Memory is an in-process Gateway. Every accepted write gets a revision
// number and the pull cursor is the highest revision returned so far.
//
// Failure injection (SetOffline, FailPush) lets tests model an unreachable
// or partially failing backend.
type Memory struct {
	mu      sync.Mutex
	owners  map[string]map[string]*memEntry
	rev     uint64
	offline bool
	failIDs map[string]int
	pushes  int
}

// NewMemory returns an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		owners:  make(map[string]map[string]*memEntry),
		failIDs: make(map[string]int),
	}
}

var _ Gateway = (*Memory)(nil)

// SetOffline makes every call fail with ErrTransient while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailPush makes the next n pushes of id fail with ErrTransient.
func (m *Memory) FailPush(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIDs[id] = n
}

// Pushes returns how many push calls reached the store (accepted or not).
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Push stores rec unless the remote already holds a newer version.
func (m *Memory) Push(ctx context.Context, rec *record.Record) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, &Error{Op: "push", Err: err}
	}
	if rec == nil {
		return Ack{}, &Error{Op: "push", Err: fmt.Errorf("%w: nil record", ErrRejected)}
	}
	if err := rec.Validate(); err != nil {
		return Ack{}, &Error{Op: "push", Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return Ack{}, &Error{Op: "push", Err: ErrTransient}
	}
	m.pushes++
	if n := m.failIDs[rec.ID]; n > 0 {
		m.failIDs[rec.ID] = n - 1
		return Ack{}, &Error{Op: "push", Err: fmt.Errorf("%w: injected failure for %s", ErrTransient, rec.ID)}
	}

	stored := m.storeLocked(rec)
	return Ack{ID: stored.ID, UpdatedAt: stored.UpdatedAt}, nil
}

// Put writes rec directly, as another device would. It follows the same
// newest-wins rule as Push.
func (m *Memory) Put(rec *record.Record) *record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(rec).Clone()
}

func (m *Memory) storeLocked(rec *record.Record) *record.Record {
	recs, ok := m.owners[rec.OwnerID]
	if !ok {
		recs = make(map[string]*memEntry)
		m.owners[rec.OwnerID] = recs
	}

	if cur, ok := recs[rec.ID]; ok && !rec.UpdatedAt.After(cur.rec.UpdatedAt) {
		return cur.rec
	}

	m.rev++
	stored := rec.Clone()
	stored.UpdatedAt = rec.UpdatedAt.UTC()
	stored.SyncState = ""
	if stored.Deleted {
		stored.Payload = nil
	}
	recs[rec.ID] = &memEntry{rec: stored, rev: m.rev}
	return stored
}

// Get returns the remote copy of id for ownerID, or nil.
func (m *Memory) Get(ownerID, id string) *record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.owners[ownerID][id]; ok {
		return e.rec.Clone()
	}
	return nil
}

// PullSince returns ownerID's records written after cursor, oldest first.
func (m *Memory) PullSince(ctx context.Context, ownerID, cursor string) (PullResult, error) {
	if err := ctx.Err(); err != nil {
		return PullResult{}, &Error{Op: "pull", Err: err}
	}

	var since uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return PullResult{}, &Error{Op: "pull", Err: fmt.Errorf("%w: bad cursor %q", ErrRejected, cursor)}
		}
		since = n
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return PullResult{}, &Error{Op: "pull", Err: ErrTransient}
	}

	var entries []*memEntry
	for _, e := range m.owners[ownerID] {
		if e.rev > since {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rev < entries[j].rev })

	res := PullResult{Cursor: cursor}
	for _, e := range entries {
		res.Records = append(res.Records, e.rec.Clone())
		res.Cursor = strconv.FormatUint(e.rev, 10)
	}
	return res, nil
}
