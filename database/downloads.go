package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InsertBatches inserts every batch and its item rows in one transaction.
// Either the whole set of header and detail rows is committed, or nothing is.
// A failure is wrapped with ErrTransactionFailed so the caller can run its
// compensating cleanup of already-written local files.
func (d *DB) InsertBatches(ctx context.Context, batches []BatchInsert) error {
	if len(batches) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	const insertHdr = `
		INSERT INTO download_hdr
			(sync_id, download_ymd, download_hm, s3_state, sync_path, download_count, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	const insertDtl = `
		INSERT INTO download_dtl
			(download_id, bug_no, last_modified, sync_path, s3_key, s3_state)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	for _, b := range batches {
		res, err := tx.ExecContext(ctx, insertHdr,
			b.SyncID, b.DateStamp, b.TimeStamp, b.StageState, b.SyncRootPath, len(b.Items), b.CreatedBy)
		if err != nil {
			return fmt.Errorf("%w: failed to insert batch for stage %s: %v", ErrTransactionFailed, b.StageState, err)
		}

		batchID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: failed to read batch id: %v", ErrTransactionFailed, err)
		}

		for _, item := range b.Items {
			if _, err := tx.ExecContext(ctx, insertDtl,
				batchID, item.BugNo, item.LastModified, item.LocalPath, item.S3Key, b.StageState); err != nil {
				return fmt.Errorf("%w: failed to insert item %s for batch %d: %v", ErrTransactionFailed, item.BugNo, batchID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", ErrTransactionFailed, err)
	}

	return nil
}

// ListBatches returns the batches created by the given user that still have
// items and have not been moved at local, newest first.
func (d *DB) ListBatches(ctx context.Context, createdBy string) ([]*DownloadBatch, error) {
	const query = `
		SELECT id, sync_id, download_ymd, download_hm, s3_state, sync_path,
		       download_count, is_moved_at_s3, is_moved_at_local, created_by,
		       created_at, updated_at
		FROM download_hdr
		WHERE download_count > 0
		  AND is_moved_at_local = 0
		  AND created_by = ?
		ORDER BY download_ymd || download_hm DESC, id DESC
	`

	rows, err := d.db.QueryContext(ctx, query, createdBy)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*DownloadBatch
	for rows.Next() {
		var b DownloadBatch
		if err := rows.Scan(
			&b.ID, &b.SyncID, &b.DateStamp, &b.TimeStamp, &b.StageState, &b.SyncRootPath,
			&b.ItemCount, &b.MovedAtRemote, &b.MovedAtLocal, &b.CreatedBy,
			&b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}

	return batches, nil
}

// GetBatch returns one batch by id, or nil if it does not exist.
func (d *DB) GetBatch(ctx context.Context, batchID int64) (*DownloadBatch, error) {
	const query = `
		SELECT id, sync_id, download_ymd, download_hm, s3_state, sync_path,
		       download_count, is_moved_at_s3, is_moved_at_local, created_by,
		       created_at, updated_at
		FROM download_hdr
		WHERE id = ?
	`

	var b DownloadBatch
	err := d.db.QueryRowContext(ctx, query, batchID).Scan(
		&b.ID, &b.SyncID, &b.DateStamp, &b.TimeStamp, &b.StageState, &b.SyncRootPath,
		&b.ItemCount, &b.MovedAtRemote, &b.MovedAtLocal, &b.CreatedBy,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %d: %w", batchID, err)
	}

	return &b, nil
}

// ListPendingItems returns the batch items whose copied path is still empty,
// ordered by (stage state, bug number, last modified).
func (d *DB) ListPendingItems(ctx context.Context, batchID int64) ([]*DownloadItem, error) {
	const query = `
		SELECT id, download_id, bug_no, last_modified, sync_path, s3_key,
		       path_copied, s3_state, is_moved_at_s3, created_at, updated_at
		FROM download_dtl
		WHERE download_id = ?
		  AND path_copied = ''
		ORDER BY s3_state, bug_no, last_modified
	`

	rows, err := d.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for batch %d: %w", batchID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListItems returns every item of a batch regardless of copy state.
func (d *DB) ListItems(ctx context.Context, batchID int64) ([]*DownloadItem, error) {
	const query = `
		SELECT id, download_id, bug_no, last_modified, sync_path, s3_key,
		       path_copied, s3_state, is_moved_at_s3, created_at, updated_at
		FROM download_dtl
		WHERE download_id = ?
		ORDER BY s3_state, bug_no, last_modified
	`

	rows, err := d.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for batch %d: %w", batchID, err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]*DownloadItem, error) {
	var items []*DownloadItem
	for rows.Next() {
		var it DownloadItem
		var lastModified sql.NullTime
		if err := rows.Scan(
			&it.ID, &it.BatchID, &it.BugNo, &lastModified, &it.LocalPath, &it.S3Key,
			&it.CopiedPath, &it.StageState, &it.MovedAtRemote, &it.CreatedAt, &it.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if lastModified.Valid {
			it.LastModified = lastModified.Time
		}
		items = append(items, &it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

// movedBugCount counts how many of the supplied bug numbers have at least one
// ledger item already moved at the remote store.
func (d *DB) movedBugCount(ctx context.Context, bugNos []string) (int, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT bug_no
			FROM download_dtl
			WHERE is_moved_at_s3 = 1
			  AND bug_no IN (%s)
			GROUP BY bug_no
		)
	`, placeholders(len(bugNos)))

	var count int
	if err := d.db.QueryRowContext(ctx, query, args(bugNos)...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count moved bug numbers: %w", err)
	}

	return count, nil
}

// AllowDownload reports whether the supplied bug numbers may be downloaded
// again. Downloading is blocked only when the set is non-empty and every bug
// number in it already has at least one item moved at the remote store; an
// empty set or any partial match resolves to allowed.
func (d *DB) AllowDownload(ctx context.Context, bugNos []string) (bool, error) {
	if len(bugNos) == 0 {
		return true, nil
	}

	moved, err := d.movedBugCount(ctx, bugNos)
	if err != nil {
		return false, err
	}

	return moved != len(bugNos), nil
}

// AllowRemove reports whether the supplied bug numbers may be moved or
// removed at the remote store. It is the complement of AllowDownload for any
// non-empty set: removal is allowed only once every supplied bug number has
// been moved. An empty set resolves to not allowed.
func (d *DB) AllowRemove(ctx context.Context, bugNos []string) (bool, error) {
	if len(bugNos) == 0 {
		return false, nil
	}

	moved, err := d.movedBugCount(ctx, bugNos)
	if err != nil {
		return false, err
	}

	return moved == len(bugNos), nil
}

// MarkMovedAtRemote flags every not-yet-moved item of the supplied bug
// numbers as moved at the remote store. Idempotent.
func (d *DB) MarkMovedAtRemote(ctx context.Context, bugNos []string) error {
	if len(bugNos) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE download_dtl
		SET is_moved_at_s3 = 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE is_moved_at_s3 = 0
		  AND bug_no IN (%s)
	`, placeholders(len(bugNos)))

	if _, err := d.db.ExecContext(ctx, query, args(bugNos)...); err != nil {
		return fmt.Errorf("%w: failed to mark bug numbers moved: %v", ErrTransactionFailed, err)
	}

	return nil
}

// SetItemCopiedPath records the copied path of one item. The path is set
// exactly once; an item whose path is already recorded is not touched and
// yields an error.
func (d *DB) SetItemCopiedPath(ctx context.Context, itemID int64, path string) error {
	const query = `
		UPDATE download_dtl
		SET path_copied = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		  AND path_copied = ''
	`

	res, err := d.db.ExecContext(ctx, query, path, itemID)
	if err != nil {
		return fmt.Errorf("%w: failed to set copied path for item %d: %v", ErrTransactionFailed, itemID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %v", ErrTransactionFailed, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: item %d not found or already copied", ErrTransactionFailed, itemID)
	}

	return nil
}

// MarkBatchMovedAtLocal flags a batch whose files were moved away locally.
// Flagged batches no longer appear in ListBatches.
func (d *DB) MarkBatchMovedAtLocal(ctx context.Context, batchID int64) error {
	const query = `
		UPDATE download_hdr
		SET is_moved_at_local = 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	if _, err := d.db.ExecContext(ctx, query, batchID); err != nil {
		return fmt.Errorf("%w: failed to mark batch %d moved at local: %v", ErrTransactionFailed, batchID, err)
	}

	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(bugNos []string) []interface{} {
	out := make([]interface{}, len(bugNos))
	for i, b := range bugNos {
		out[i] = b
	}
	return out
}
