// Package history persists accepted device state submissions so the API can
// answer "what did this device report recently" without rescanning the store.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/statepanel/internal/state"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// sqliteTimeLayout matches the strftime('%Y-%m-%dT%H:%M:%fZ') default the
// schema stamps rows with, so lexical created_at comparisons in SQL are
// exact at millisecond precision.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

// ErrDeviceRequired rejects calls without a device name.
var ErrDeviceRequired = errors.New("history: device name is required")

// Entry is one recorded submission.
type Entry struct {
	ID         int64          `json:"id"`
	DeviceName string         `json:"device_name"`
	FileType   state.FileType `json:"file_type"`
	Document   map[string]any `json:"document"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Repository stores submission history in the submission_history table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository over an open database connection.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts a submission for a device.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceName: Device the submission belongs to
//   - fileType: Resolved state file type of the document
//   - doc: The accepted document, stored as JSON
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *Repository) Record(ctx context.Context, deviceName string, fileType state.FileType, doc map[string]any) error {
	if deviceName == "" {
		return ErrDeviceRequired
	}
	if doc == nil {
		doc = map[string]any{}
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling document: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO submission_history (device_name, file_type, document) VALUES (?, ?, ?)",
		deviceName,
		string(fileType),
		string(docJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting submission history: %w", err)
	}
	return nil
}

// ListByDevice returns recent submissions for a device, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceName: Device to list history for
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Entry: Entries ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *Repository) ListByDevice(ctx context.Context, deviceName string, limit int) ([]Entry, error) {
	if deviceName == "" {
		return nil, ErrDeviceRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_name, file_type, document, created_at
		 FROM submission_history
		 WHERE device_name = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceName,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying submission history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			fileType  string
			docJSON   string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceName, &fileType, &docJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning submission history: %w", err)
		}
		entry.FileType = state.FileType(fileType)
		if err := json.Unmarshal([]byte(docJSON), &entry.Document); err != nil {
			return nil, fmt.Errorf("unmarshalling document: %w", err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating submission history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the retention window. Intended to run as
// an hourly housekeeping task.
//
// Returns:
//   - int64: Number of entries deleted
//   - error: nil on success, otherwise the underlying database error
func (r *Repository) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return r.pruneBefore(ctx, time.Now().Add(-retention))
}

// pruneBefore deletes entries stamped strictly earlier than the cutoff. The
// cutoff is formatted with the same layout the schema stamps rows with.
func (r *Repository) pruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM submission_history WHERE created_at < ?",
		cutoff.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning submission history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return n, nil
}
