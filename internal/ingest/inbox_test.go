package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	st, err := store.OpenWithConfig(filepath.Join(t.TempDir(), "journal.db"), cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Rebind(context.Background(), "acct-a"); err != nil {
		t.Fatalf("failed to bind store: %v", err)
	}
	return st
}

func testConfig(onIngest func(*record.Record)) *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		OnIngest:         onIngest,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func writeRecordFile(t *testing.T, dir, owner, id, text string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"text": text})
	rec := &record.Record{ID: id, OwnerID: owner, Kind: record.KindEntry, Payload: payload, UpdatedAt: time.Now()}
	if err := record.WriteFile(dir, rec); err != nil {
		t.Fatalf("failed to write record file: %v", err)
	}
	return filepath.Join(dir, rec.Filename())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNew(t *testing.T) {
	st := setupTestStore(t)

	if _, err := New("", st, nil); err == nil {
		t.Error("New() with empty dir should fail")
	}
	if _, err := New(t.TempDir(), nil, nil); err == nil {
		t.Error("New() with nil writer should fail")
	}
	in, err := New(t.TempDir(), st, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if !filepath.IsAbs(in.Dir()) {
		t.Errorf("Dir() = %q, want absolute", in.Dir())
	}
}

func TestScanExisting(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()

	good := writeRecordFile(t, dir, "acct-a", "r1", "a lighthouse")
	foreign := writeRecordFile(t, dir, "acct-b", "r2", "not mine")
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	in, err := New(dir, st, testConfig(nil))
	if err != nil {
		t.Fatal(err)
	}

	n, err := in.ScanExisting(context.Background())
	if err != nil {
		t.Fatalf("ScanExisting() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ScanExisting() = %d, want 1", n)
	}

	rec, err := st.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("ingested record missing: %v", err)
	}
	if rec.SyncState != record.StatePending {
		t.Errorf("SyncState = %q, want pending", rec.SyncState)
	}

	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Error("ingested file was not removed")
	}
	if _, err := os.Stat(foreign + RejectedSuffix); err != nil {
		t.Errorf("foreign record not set aside: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.json"+RejectedSuffix)); err != nil {
		t.Errorf("broken file not set aside: %v", err)
	}

	if st := in.Stats(); st.Ingested != 1 || st.Rejected != 2 {
		t.Errorf("Stats() = %+v, want 1 ingested 2 rejected", st)
	}
}

func TestRun_WatchesInbox(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()

	var mu sync.Mutex
	var seen []string
	in, err := New(dir, st, testConfig(func(rec *record.Record) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rec.ID)
	}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	// Give the watcher time to start.
	time.Sleep(100 * time.Millisecond)

	path := writeRecordFile(t, dir, "acct-a", "r1", "falling")
	waitFor(t, "ingest of r1", func() bool {
		_, err := st.Get(context.Background(), "r1")
		return err == nil
	})
	waitFor(t, "removal of r1.json", func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "r1" {
		t.Errorf("OnIngest calls = %v, want [r1]", seen)
	}
}

func TestRun_DebounceRewrites(t *testing.T) {
	st := setupTestStore(t)
	dir := t.TempDir()

	in, err := New(dir, st, &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	// Rapid rewrites of the same record land as one import of the last version.
	for _, text := range []string{"draft 1", "draft 2", "final"} {
		writeRecordFile(t, dir, "acct-a", "r1", text)
		time.Sleep(20 * time.Millisecond)
	}

	waitFor(t, "ingest of r1", func() bool {
		_, err := st.Get(context.Background(), "r1")
		return err == nil
	})

	rec, _ := st.Get(context.Background(), "r1")
	if !strings.Contains(string(rec.Payload), "final") {
		t.Errorf("Payload = %s, want final draft", rec.Payload)
	}
	if got := in.Stats().Ingested; got != 1 {
		t.Errorf("Ingested = %d, want 1", got)
	}
}
