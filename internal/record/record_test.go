package record

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecord_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		rec     Record
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid record",
			rec: Record{
				ID:        "r1",
				OwnerID:   "acct-a",
				Payload:   json.RawMessage(`{"text":"flying over water"}`),
				UpdatedAt: now,
			},
		},
		{
			name:    "missing id",
			rec:     Record{OwnerID: "acct-a", UpdatedAt: now},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "path separator in id",
			rec:     Record{ID: "../evil", OwnerID: "acct-a", UpdatedAt: now},
			wantErr: true,
			errMsg:  "path separators",
		},
		{
			name:    "missing owner",
			rec:     Record{ID: "r1", UpdatedAt: now},
			wantErr: true,
			errMsg:  "owner_id is required",
		},
		{
			name: "payload too large",
			rec: Record{
				ID:      "r1",
				OwnerID: "acct-a",
				Payload: make(json.RawMessage, MaxPayloadBytes+1),
			},
			wantErr: true,
			errMsg:  "payload must be",
		},
		{
			name:    "payload not json",
			rec:     Record{ID: "r1", OwnerID: "acct-a", Payload: json.RawMessage("plain dream text")},
			wantErr: true,
			errMsg:  "JSON document",
		},
		{
			name:    "unknown state",
			rec:     Record{ID: "r1", OwnerID: "acct-a", SyncState: "lost"},
			wantErr: true,
			errMsg:  "unknown sync_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestSyncState(t *testing.T) {
	if !StatePending.Unsynced() || !StateLocalOnly.Unsynced() {
		t.Error("pending and local_only must be unsynced")
	}
	if StateSynced.Unsynced() {
		t.Error("synced must not be unsynced")
	}
	if SyncState("bogus").Valid() {
		t.Error("bogus state reported valid")
	}
}

func TestNewerThan(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	a := &Record{ID: "a", UpdatedAt: t2}
	b := &Record{ID: "b", UpdatedAt: t1}
	if !a.NewerThan(b) || b.NewerThan(a) {
		t.Error("later UpdatedAt must win")
	}

	c := &Record{ID: "c", UpdatedAt: t1}
	if !c.NewerThan(b) {
		t.Error("tie must break on id")
	}
}

func TestTombstone(t *testing.T) {
	rec := New("acct-a", KindEntry, []byte(`{"text":"x"}`))
	at := time.Now()
	tomb := rec.Tombstone(at)

	if !tomb.Deleted {
		t.Error("tombstone not marked deleted")
	}
	if tomb.Payload != nil {
		t.Error("tombstone kept payload")
	}
	if tomb.ID != rec.ID || tomb.OwnerID != rec.OwnerID {
		t.Error("tombstone lost identity")
	}
}

func TestClone(t *testing.T) {
	rec := New("acct-a", KindEntry, []byte(`{"a":1}`))
	dup := rec.Clone()
	dup.Payload[2] = 'b'
	if string(rec.Payload) != `{"a":1}` {
		t.Errorf("Clone shares payload: %s", rec.Payload)
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	rec := New("acct-a", KindEntry, []byte(`{"text":"a staircase"}`))

	if err := WriteFile(dir, rec); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, rec.Filename()+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	got, err := ReadFile(filepath.Join(dir, rec.Filename()))
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if got.ID != rec.ID || string(got.Payload) != string(rec.Payload) {
		t.Errorf("ReadFile() = %+v, want %+v", got, rec)
	}
}

func TestReadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"id":"x"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(path); err == nil {
		t.Error("expected error for record without owner")
	}
}
