package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `owner_id, id, kind, payload, updated_at, sync_state, deleted`

// Put upserts rec for the active account and queues it for push.
//
// The record is written and enqueued in one transaction, so the stored state
// is always pending once Put returns; local_only exists only inside that
// transaction. UpdatedAt is stamped with the current time when zero and is
// bumped past the stored version when it would not advance it, so a local
// write always supersedes the version it replaces. rec is updated in place
// with the stored UpdatedAt and SyncState.
func (s *Store) Put(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOwner(rec.OwnerID); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put", err)
	}
	defer tx.Rollback()

	existing, err := getRecord(ctx, tx, rec.OwnerID, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	updatedAt := rec.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if existing != nil && !updatedAt.After(existing.UpdatedAt) {
		updatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}

	stored := rec.Clone()
	stored.UpdatedAt = updatedAt
	stored.SyncState = record.StateLocalOnly
	if stored.Deleted {
		stored.Payload = nil
	}

	if err := upsertRecord(ctx, tx, stored); err != nil {
		return err
	}
	if err := enqueue(ctx, tx, stored.OwnerID, stored.ID); err != nil {
		return err
	}
	stored.SyncState = record.StatePending
	if err := setState(ctx, tx, stored.OwnerID, stored.ID, stored.SyncState); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("put", err)
	}

	rec.UpdatedAt = stored.UpdatedAt
	rec.SyncState = stored.SyncState
	rec.Payload = stored.Payload
	return nil
}

// Delete writes a tombstone for id so the deletion syncs like any other write.
func (s *Store) Delete(ctx context.Context, id string) (*record.Record, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Deleted {
		return existing, nil
	}

	tomb := existing.Tombstone(time.Now())
	if err := s.Put(ctx, tomb); err != nil {
		return nil, err
	}
	return tomb, nil
}

// Get returns the record with id for the active account.
// Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return nil, storageErr("get", errors.New("store is closed"))
	}
	if s.active == "" {
		return nil, ErrNotFound
	}
	return getRecord(ctx, s.conn, s.active, id)
}

// ListOptions configures List.
type ListOptions struct {
	// IncludeDeleted includes tombstones
	IncludeDeleted bool
	// Since restricts results to records updated at or after this time
	Since time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns ownerID's records, newest first.
func (s *Store) List(ctx context.Context, ownerID string, opts ListOptions) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return nil, storageErr("list", errors.New("store is closed"))
	}

	conditions := []string{"owner_id = ?"}
	args := []any{ownerID}

	if !opts.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.Since.UnixNano())
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY updated_at DESC, id ASC`

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetUnsynced returns every pending or local_only record for ownerID in
// the order they were first queued.
func (s *Store) GetUnsynced(ctx context.Context, ownerID string) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return nil, storageErr("get unsynced", errors.New("store is closed"))
	}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT r.owner_id, r.id, r.kind, r.payload, r.updated_at, r.sync_state, r.deleted
	FROM unsynced u
	JOIN records r ON r.owner_id = u.owner_id AND r.id = u.id
	WHERE u.owner_id = ?
	ORDER BY u.seq ASC
	`, ownerID)
	if err != nil {
		return nil, storageErr("get unsynced", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkSynced transitions id to synced and removes it from the queue.
// Marking an already-synced record is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOwner(s.active); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("mark synced", err)
	}
	defer tx.Rollback()

	if _, err := getRecord(ctx, tx, s.active, id); err != nil {
		return err
	}
	if err := setState(ctx, tx, s.active, id, record.StateSynced); err != nil {
		return err
	}
	if err := dequeue(ctx, tx, s.active, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("mark synced", err)
	}
	return nil
}

// MarkPushed marks rec synced only if the stored version is still the one
// that was pushed. It returns false when the record was edited (or removed)
// while the push was in flight; that newer edit stays queued.
func (s *Store) MarkPushed(ctx context.Context, rec *record.Record) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOwner(rec.OwnerID); err != nil {
		return false, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("mark pushed", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	UPDATE records SET sync_state = ?
	WHERE owner_id = ? AND id = ? AND updated_at = ?
	`, string(record.StateSynced), rec.OwnerID, rec.ID, rec.UpdatedAt.UnixNano())
	if err != nil {
		return false, storageErr("mark pushed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark pushed", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := dequeue(ctx, tx, rec.OwnerID, rec.ID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr("mark pushed", err)
	}
	return true, nil
}

// CompactTombstones removes synced tombstones last updated before horizon.
// Pending tombstones are kept until they have been pushed.
func (s *Store) CompactTombstones(ctx context.Context, horizon time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOwner(s.active); err != nil {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM records
	WHERE owner_id = ? AND deleted = 1 AND sync_state = ? AND updated_at < ?
	`, s.active, string(record.StateSynced), horizon.UnixNano())
	if err != nil {
		return 0, storageErr("compact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("compact", err)
	}
	if n > 0 {
		s.logger.Printf("Compacted %d tombstones", n)
	}
	return int(n), nil
}

func getRecord(ctx context.Context, q querier, ownerID, id string) (*record.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE owner_id = ? AND id = ?`, ownerID, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return rec, nil
}

func upsertRecord(ctx context.Context, q querier, rec *record.Record) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO records (`+recordColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, id) DO UPDATE SET
		kind = excluded.kind,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		sync_state = excluded.sync_state,
		deleted = excluded.deleted
	`,
		rec.OwnerID,
		rec.ID,
		rec.Kind,
		[]byte(rec.Payload),
		rec.UpdatedAt.UnixNano(),
		string(rec.SyncState),
		boolToInt(rec.Deleted),
	)
	if err != nil {
		return storageErr("upsert", fmt.Errorf("record %s: %w", rec.ID, err))
	}
	return nil
}

func setState(ctx context.Context, q querier, ownerID, id string, state record.SyncState) error {
	_, err := q.ExecContext(ctx,
		`UPDATE records SET sync_state = ? WHERE owner_id = ? AND id = ?`,
		string(state), ownerID, id)
	if err != nil {
		return storageErr("set state", fmt.Errorf("record %s: %w", id, err))
	}
	return nil
}

// enqueue adds id to the queue. An id already queued keeps its position.
func enqueue(ctx context.Context, q querier, ownerID, id string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO unsynced (owner_id, id, seq, enqueued_at)
	VALUES (?1, ?2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM unsynced WHERE owner_id = ?1), ?3)
	ON CONFLICT(owner_id, id) DO NOTHING
	`, ownerID, id, time.Now().UnixNano())
	if err != nil {
		return storageErr("enqueue", fmt.Errorf("record %s: %w", id, err))
	}
	return nil
}

func dequeue(ctx context.Context, q querier, ownerID, id string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM unsynced WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return storageErr("dequeue", fmt.Errorf("record %s: %w", id, err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		rec       record.Record
		payload   []byte
		updatedAt int64
		state     string
		deleted   int
	)
	if err := row.Scan(&rec.OwnerID, &rec.ID, &rec.Kind, &payload, &updatedAt, &state, &deleted); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		rec.Payload = payload
	}
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.SyncState = record.SyncState(state)
	rec.Deleted = deleted != 0
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan", err)
	}
	return recs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
