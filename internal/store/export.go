package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/steveyegge/journalsync/internal/record"
)

// Export writes every record of the active account (tombstones included)
// to w as JSON lines. It returns the number of records written.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	owner := s.ActiveAccount()
	if owner == "" {
		return 0, ErrNoActiveAccount
	}

	recs, err := s.List(ctx, owner, ListOptions{IncludeDeleted: true})
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush export: %w", err)
	}
	return len(recs), nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	// Reassign rewrites each record's owner to the active account
	// instead of rejecting records owned by someone else.
	Reassign bool
	// DryRun parses and validates without writing
	DryRun bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int
	Rejected int
	Errors   []string
}

// Import reads JSON lines from r and writes each record through Put, so
// imported records are queued for push like any local write. Malformed
// lines and foreign records are reported in the result and skipped; a
// storage failure stops the import.
func (s *Store) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	owner := s.ActiveAccount()
	if owner == "" {
		return nil, ErrNoActiveAccount
	}

	result := &ImportResult{}
	dec := json.NewDecoder(r)
	line := 0

	for {
		var rec record.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return result, fmt.Errorf("invalid JSON at record %d: %w", line, err)
		}

		if opts.Reassign {
			rec.OwnerID = owner
		}
		rec.SyncState = ""

		if err := rec.Validate(); err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", line, err))
			continue
		}
		if rec.OwnerID != owner {
			result.Rejected++
			result.Errors = append(result.Errors,
				fmt.Sprintf("record %d (%s): owned by %q, active account is %q", line, rec.ID, rec.OwnerID, owner))
			continue
		}

		if opts.DryRun {
			result.Imported++
			continue
		}

		if err := s.Put(ctx, &rec); err != nil {
			if IsStorageError(err) {
				return result, err
			}
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d (%s): %v", line, rec.ID, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}
