// Package record defines the opaque journal record moved by the sync engine.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncState tracks where a record is in its push lifecycle.
type SyncState string

const (
	// StateLocalOnly is a record written locally but not yet queued.
	StateLocalOnly SyncState = "local_only"
	// StatePending is a record queued for push.
	StatePending SyncState = "pending"
	// StateSynced is a record acknowledged by the remote store.
	StateSynced SyncState = "synced"
)

// Valid reports whether s is one of the known states.
func (s SyncState) Valid() bool {
	switch s {
	case StateLocalOnly, StatePending, StateSynced:
		return true
	}
	return false
}

// Unsynced reports whether a record in this state belongs in the unsynced queue.
func (s SyncState) Unsynced() bool {
	return s == StateLocalOnly || s == StatePending
}

// Common kinds. Kind is opaque to the engine; these are the values the
// journal client writes today.
const (
	KindEntry          = "entry"
	KindInterpretation = "interpretation"
)

// MaxPayloadBytes bounds a single record payload.
const MaxPayloadBytes = 1 << 20

// Record is one unit of user data owned by exactly one account.
//
// UpdatedAt orders versions of the same record (last writer wins). Ties are
// resolved in favor of the remote copy by the orchestrator, and by ID when
// ordering distinct records.
type Record struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	SyncState SyncState       `json:"sync_state,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// New returns a record with a fresh collision-resistant ID.
func New(ownerID, kind string, payload []byte) *Record {
	return &Record{
		ID:        NewID(),
		OwnerID:   ownerID,
		Kind:      kind,
		Payload:   json.RawMessage(payload),
		UpdatedAt: time.Now().UTC(),
	}
}

// NewID generates a client-side record ID.
func NewID() string {
	return uuid.NewString()
}

// Tombstone returns the deletion marker for r. The payload is dropped so a
// deleted entry's content is not pushed again.
func (r *Record) Tombstone(at time.Time) *Record {
	return &Record{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Kind:      r.Kind,
		UpdatedAt: at.UTC(),
		Deleted:   true,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Payload != nil {
		dup.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &dup
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(r.ID, `/\`) {
		return fmt.Errorf("id must not contain path separators (got %q)", r.ID)
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("owner_id is required")
	}
	if len(r.Payload) > MaxPayloadBytes {
		return fmt.Errorf("payload must be %d bytes or less (got %d)", MaxPayloadBytes, len(r.Payload))
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("payload must be a JSON document")
	}
	if r.SyncState != "" && !r.SyncState.Valid() {
		return fmt.Errorf("unknown sync_state %q", r.SyncState)
	}
	return nil
}

// NewerThan reports whether r should replace other under last-writer-wins.
// Equal timestamps fall back to the ID so the ordering is total.
func (r *Record) NewerThan(other *Record) bool {
	if !r.UpdatedAt.Equal(other.UpdatedAt) {
		return r.UpdatedAt.After(other.UpdatedAt)
	}
	return r.ID > other.ID
}

// Filename returns the canonical filename for this record: {id}.json
func (r *Record) Filename() string {
	return fmt.Sprintf("%s.json", r.ID)
}

// ReadFile reads and parses a record JSON file from the given path.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteFile writes a Record to dir/{id}.json. The write goes through a
// temporary file and a rename so watchers never see a half-written record.
func WriteFile(dir string, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename record file %s: %w", path, err)
	}

	return nil
}
