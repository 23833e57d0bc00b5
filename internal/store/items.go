package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const itemColumns = `id, dataset_id, dataset_version, path, checksum, size, bag_id, nbn,
	status, batch_id, object_id, error_message, created_at, updated_at`

// activeKey is the uniqueness key of a non-terminal item. Terminal items
// store NULL so any number of them may share a dataset version.
func activeKey(it *Item) interface{} {
	if it.Status.Terminal() {
		return nil
	}
	return it.DatasetID + "@" + it.DatasetVersion
}

func scanItem(r rowScanner) (*Item, error) {
	it := &Item{}
	var status string
	var batchID, objectID sql.NullString
	err := r.Scan(
		&it.ID, &it.DatasetID, &it.DatasetVersion, &it.Path, &it.Checksum,
		&it.Size, &it.BagID, &it.NBN, &status, &batchID, &objectID,
		&it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = ItemStatus(status)
	it.BatchID = batchID.String
	it.ObjectID = objectID.String
	return it, nil
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// CreateItem inserts a new Item and sets its ID. It returns ErrDuplicateItem
// if a non-terminal item exists for the same dataset id and version.
func (s *Store) CreateItem(it *Item) error {
	if !it.Status.IsValid() {
		return fmt.Errorf("invalid item status %q", it.Status)
	}

	const query = `
		INSERT INTO items (
			dataset_id, dataset_version, active_key, path, checksum, size, bag_id, nbn,
			status, batch_id, object_id, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := s.now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	result, err := s.db.Exec(
		query,
		it.DatasetID, it.DatasetVersion, activeKey(it), it.Path, it.Checksum, it.Size,
		it.BagID, it.NBN, string(it.Status), nullString(it.BatchID), nullString(it.ObjectID),
		it.ErrorMessage, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("item %s version %s: %w", it.DatasetID, it.DatasetVersion, ErrDuplicateItem)
		}
		return fmt.Errorf("failed to insert item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	it.ID = id
	return nil
}

// GetItem retrieves an Item by ID
func (s *Store) GetItem(id int64) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = ?`

	it, err := scanItem(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return it, nil
}

// ListItems retrieves items matching the filter, oldest first.
func (s *Store) ListItems(f ItemFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var where []string
	var args []interface{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return collectItems(rows)
}

// ListBatchItems returns the members of a batch.
func (s *Store) ListBatchItems(batchID string) ([]Item, error) {
	return s.ListItems(ItemFilter{BatchID: batchID})
}

// SumReadySize returns the accumulated size of all READY items.
func (s *Store) SumReadySize() (int64, error) {
	const query = "SELECT COALESCE(SUM(size), 0) FROM items WHERE status = ?"

	var total int64
	if err := s.db.QueryRow(query, string(ItemReady)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum ready size: %w", err)
	}
	return total, nil
}

// UpdateItemPath records a new on-disk location for an item.
func (s *Store) UpdateItemPath(id int64, path string) error {
	const query = "UPDATE items SET path = ?, updated_at = ? WHERE id = ?"
	return s.execOne(fmt.Sprintf("item %d", id), query, path, s.now(), id)
}

// RecordImport stores the object id assigned to a claimed item and its new
// location inside the object repository.
func (s *Store) RecordImport(id int64, objectID, path string) error {
	const query = `
		UPDATE items SET object_id = ?, path = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`
	return s.execOne(
		fmt.Sprintf("claimed item %d", id), query,
		objectID, path, string(ItemImported), s.now(),
		id, string(ItemClaimed), string(ItemImported),
	)
}

// MarkItemMissing takes a claimed item whose file has disappeared out of its
// batch. The item becomes MISSING, keeps the reason in its error message and
// leaves the active key index so the dataset version can be submitted again.
func (s *Store) MarkItemMissing(id int64, message string) error {
	const query = `
		UPDATE items SET status = ?, error_message = ?, batch_id = NULL, active_key = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`
	return s.execOne(
		fmt.Sprintf("claimed item %d", id), query,
		string(ItemMissing), message, s.now(),
		id, string(ItemClaimed),
	)
}

// execOne runs an UPDATE that must hit exactly one row.
func (s *Store) execOne(what, query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
