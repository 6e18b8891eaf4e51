package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
)

// DecideFunc reports whether remote should replace local. local is nil when
// the record does not exist locally.
type DecideFunc func(local, remote *record.Record) bool

// MergeResult counts the outcome of a MergeRemote call.
type MergeResult struct {
	// Applied is how many remote records were written locally
	Applied int
	// Skipped is how many remote records lost to the local copy
	Skipped int
	// Rejected is how many remote records were malformed or owned by another account
	Rejected int
	// SkippedIDs lists the ids counted in Skipped
	SkippedIDs []string
}

// MergeRemote applies remote records for ownerID in a single transaction.
//
// For each remote record decide is consulted with the current local copy.
// Applied records are stored as synced and leave the unsynced queue. When
// cursor is non-empty it is stored in the same transaction, so the cursor
// only ever advances together with the data it covers.
func (s *Store) MergeRemote(ctx context.Context, ownerID string, remote []*record.Record, cursor string, decide DecideFunc) (MergeResult, error) {
	var res MergeResult

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOwner(ownerID); err != nil {
		return res, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, storageErr("merge", err)
	}
	defer tx.Rollback()

	for _, rr := range remote {
		if rr == nil || rr.Validate() != nil || rr.OwnerID != ownerID {
			res.Rejected++
			continue
		}

		local, err := getRecord(ctx, tx, ownerID, rr.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return res, err
		}

		if !decide(local, rr) {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, rr.ID)
			continue
		}

		applied := rr.Clone()
		applied.UpdatedAt = rr.UpdatedAt.UTC()
		applied.SyncState = record.StateSynced
		if applied.Deleted {
			applied.Payload = nil
		}
		if err := upsertRecord(ctx, tx, applied); err != nil {
			return res, err
		}
		if err := dequeue(ctx, tx, ownerID, applied.ID); err != nil {
			return res, err
		}
		res.Applied++
	}

	if cursor != "" {
		if err := setCursor(ctx, tx, ownerID, cursor); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, storageErr("merge", err)
	}
	return res, nil
}

// Cursor returns the stored pull cursor for ownerID, or "" if none.
func (s *Store) Cursor(ctx context.Context, ownerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return "", storageErr("cursor", errors.New("store is closed"))
	}

	var cursor string
	err := s.conn.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE owner_id = ?`, ownerID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("cursor", err)
	}
	return cursor, nil
}

func setCursor(ctx context.Context, q querier, ownerID, cursor string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO cursors (owner_id, cursor, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	`, ownerID, cursor, time.Now().UnixNano())
	if err != nil {
		return storageErr("set cursor", fmt.Errorf("owner %s: %w", ownerID, err))
	}
	return nil
}
