package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const batchColumns = `id, status, attempts, in_progress, vault_path, error_message,
	created_at, updated_at, last_attempt_at`

func scanBatch(r rowScanner) (*Batch, error) {
	b := &Batch{}
	var status string
	var lastAttempt sql.NullTime
	err := r.Scan(
		&b.ID, &status, &b.Attempts, &b.InProgress, &b.VaultPath, &b.ErrorMessage,
		&b.CreatedAt, &b.UpdatedAt, &lastAttempt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	if lastAttempt.Valid {
		b.LastAttemptAt = lastAttempt.Time
	}
	return b, nil
}

func collectBatches(rows *sql.Rows) ([]Batch, error) {
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

// CreateBatch inserts a new batch and claims the given READY items into it
// in a single transaction. Items that are no longer READY are left alone.
// It returns the number of items claimed; a batch that would be empty is not
// created.
func (s *Store) CreateBatch(b *Batch, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, fmt.Errorf("batch %s has no items", b.ID)
	}

	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = BatchAccumulating
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertBatch = `
		INSERT INTO batches (
			id, status, attempts, in_progress, vault_path, error_message,
			created_at, updated_at, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.Exec(
		insertBatch,
		b.ID, string(b.Status), b.Attempts, b.InProgress, b.VaultPath, b.ErrorMessage,
		b.CreatedAt, b.UpdatedAt, nullTime(b.LastAttemptAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}

	const claim = `
		UPDATE items SET batch_id = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND batch_id IS NULL
	`
	claimed := 0
	for _, id := range itemIDs {
		result, err := tx.Exec(claim, b.ID, string(ItemClaimed), now, id, string(ItemReady))
		if err != nil {
			return 0, fmt.Errorf("failed to claim item %d: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		claimed += int(n)
	}

	if claimed == 0 {
		return 0, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return claimed, nil
}

// GetBatch retrieves a Batch by ID together with its parts.
func (s *Store) GetBatch(id string) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = ?`

	b, err := scanBatch(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}

	parts, err := s.ListParts(id)
	if err != nil {
		return nil, err
	}
	b.Parts = parts
	return b, nil
}

// ListBatches retrieves batches, newest first, optionally filtered by status.
func (s *Store) ListBatches(status BatchStatus, limit int) ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	var args []interface{}

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	return collectBatches(rows)
}

// ListIdleBatches returns batches in one of the given states that have no
// operation in progress, oldest first.
func (s *Store) ListIdleBatches(statuses ...BatchStatus) ([]Batch, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, false)

	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE status IN (` + strings.Join(marks, ", ") + `) AND in_progress = ?
		ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle batches: %w", err)
	}
	return collectBatches(rows)
}

// ListUnfinishedBatches returns batches that were cut but have not reached
// TRANSFERRED yet, regardless of the in-progress flag.
func (s *Store) ListUnfinishedBatches() ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE status IN (?, ?) ORDER BY created_at`

	rows, err := s.db.Query(query, string(BatchAccumulating), string(BatchTransferring))
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished batches: %w", err)
	}
	return collectBatches(rows)
}

// SetBatchStatus moves a batch from one status to another.
func (s *Store) SetBatchStatus(id string, from, to BatchStatus) error {
	const query = `UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	return s.execOne(fmt.Sprintf("batch %s in %s", id, from), query, string(to), s.now(), id, string(from))
}

// TryBeginOperation atomically sets the in-progress flag of a batch that is
// in the given status and not already in progress. It reports whether this
// caller won the flag.
func (s *Store) TryBeginOperation(id string, status BatchStatus) (bool, error) {
	const query = `
		UPDATE batches SET in_progress = ?, updated_at = ?
		WHERE id = ? AND status = ? AND in_progress = ?
	`
	result, err := s.db.Exec(query, true, s.now(), id, string(status), false)
	if err != nil {
		return false, fmt.Errorf("failed to flag batch %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ClearInProgress releases the in-progress flag.
func (s *Store) ClearInProgress(id string) error {
	const query = `UPDATE batches SET in_progress = ?, updated_at = ? WHERE id = ?`
	return s.execOne(fmt.Sprintf("batch %s", id), query, false, s.now(), id)
}

// ResetInProgress clears every in-progress flag. Only safe before any worker
// has started, e.g. during crash recovery.
func (s *Store) ResetInProgress() (int64, error) {
	const query = `UPDATE batches SET in_progress = ?, updated_at = ? WHERE in_progress = ?`
	result, err := s.db.Exec(query, false, s.now(), true)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-progress flags: %w", err)
	}
	return result.RowsAffected()
}

// RecordAttemptFailure records a failed transfer attempt: the in-progress flag
// is cleared, the last attempt time is stamped and, when increment is set, the
// attempt counter goes up. With maxAttempts > 0 a batch whose counter reaches
// the ceiling moves to FAILED. The updated batch is returned.
func (s *Store) RecordAttemptFailure(id string, increment bool, message string, maxAttempts int, at time.Time) (*Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = ?`
	b, err := scanBatch(tx.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}

	if increment {
		b.Attempts++
	}
	if maxAttempts > 0 && b.Attempts >= maxAttempts && b.Status == BatchTransferring {
		b.Status = BatchFailed
	}
	b.InProgress = false
	b.ErrorMessage = message
	b.LastAttemptAt = at.UTC()
	b.UpdatedAt = s.now()

	const update = `
		UPDATE batches SET status = ?, attempts = ?, in_progress = ?, error_message = ?,
			last_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = tx.Exec(update, string(b.Status), b.Attempts, b.InProgress, b.ErrorMessage,
		b.LastAttemptAt, b.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt failure: %w", err)
	}
	return b, nil
}

// MarkTransferred completes a successful transfer attempt: the batch moves to
// TRANSFERRED with its vault path, its items follow, and the in-progress flag
// is released.
func (s *Store) MarkTransferred(id, vaultPath string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const update = `
		UPDATE batches SET status = ?, vault_path = ?, in_progress = ?, error_message = '',
			last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := tx.Exec(update, string(BatchTransferred), vaultPath, false, at.UTC(), s.now(),
		id, string(BatchTransferring))
	if err != nil {
		return fmt.Errorf("failed to mark batch transferred: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("transferring batch %s: %w", id, ErrNotFound)
	}

	const items = `UPDATE items SET status = ?, updated_at = ? WHERE batch_id = ?`
	if _, err := tx.Exec(items, string(ItemTransferred), s.now(), id); err != nil {
		return fmt.Errorf("failed to mark items transferred: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// BeginConfirmationScan flags every TRANSFERRED batch that is not in progress
// and returns them. Batches that become TRANSFERRED afterwards wait for the
// next scan.
func (s *Store) BeginConfirmationScan() ([]Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE status = ? AND in_progress = ? ORDER BY created_at`
	rows, err := tx.Query(query, string(BatchTransferred), false)
	if err != nil {
		return nil, fmt.Errorf("failed to query transferred batches: %w", err)
	}
	batches, err := collectBatches(rows)
	if err != nil {
		return nil, err
	}

	const flag = `UPDATE batches SET in_progress = ?, updated_at = ? WHERE id = ?`
	now := s.now()
	for i := range batches {
		if _, err := tx.Exec(flag, true, now, batches[i].ID); err != nil {
			return nil, fmt.Errorf("failed to flag batch %s: %w", batches[i].ID, err)
		}
		batches[i].InProgress = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit confirmation scan: %w", err)
	}
	return batches, nil
}

// MarkConfirmed promotes a TRANSFERRED batch and its items to their terminal
// archived state. The items leave the active key index.
func (s *Store) MarkConfirmed(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	const update = `
		UPDATE batches SET status = ?, in_progress = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := tx.Exec(update, string(BatchConfirmed), false, now, id, string(BatchTransferred))
	if err != nil {
		return fmt.Errorf("failed to mark batch confirmed: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("transferred batch %s: %w", id, ErrNotFound)
	}

	const items = `UPDATE items SET status = ?, active_key = NULL, updated_at = ? WHERE batch_id = ?`
	if _, err := tx.Exec(items, string(ItemArchived), now, id); err != nil {
		return fmt.Errorf("failed to mark items archived: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}
	return nil
}

// RequeueBatch makes a FAILED or TRANSFERRING batch immediately eligible for
// another transfer attempt with a fresh retry budget.
func (s *Store) RequeueBatch(id string) error {
	const query = `
		UPDATE batches SET status = ?, attempts = 0, last_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND in_progress = ?
	`
	return s.execOne(
		fmt.Sprintf("idle failed or transferring batch %s", id), query,
		string(BatchTransferring), s.now(),
		id, string(BatchFailed), string(BatchTransferring), false,
	)
}

// ============================================================================
// Part Operations
// ============================================================================

// ReplaceParts stores the checksum records extracted after a successful
// verification, replacing those of any earlier attempt.
func (s *Store) ReplaceParts(batchID string, parts []Part) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM parts WHERE batch_id = ?", batchID); err != nil {
		return fmt.Errorf("failed to delete old parts: %w", err)
	}

	const insert = `
		INSERT INTO parts (batch_id, part_index, name, algorithm, checksum)
		VALUES (?, ?, ?, ?, ?)
	`
	for i := range parts {
		p := &parts[i]
		p.BatchID = batchID
		result, err := tx.Exec(insert, batchID, p.Index, p.Name, p.Algorithm, p.Checksum)
		if err != nil {
			return fmt.Errorf("failed to insert part %s: %w", p.Name, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			p.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parts: %w", err)
	}
	return nil
}

// ListParts returns the parts of a batch in index order.
func (s *Store) ListParts(batchID string) ([]Part, error) {
	const query = `
		SELECT id, batch_id, part_index, name, algorithm, checksum
		FROM parts WHERE batch_id = ? ORDER BY part_index
	`

	rows, err := s.db.Query(query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		p := Part{}
		if err := rows.Scan(&p.ID, &p.BatchID, &p.Index, &p.Name, &p.Algorithm, &p.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan part: %w", err)
		}
		parts = append(parts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parts: %w", err)
	}
	return parts, nil
}
