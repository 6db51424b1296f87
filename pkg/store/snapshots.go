package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Snapshot is one backup_snapshots row, keyed by creation timestamp.
type Snapshot struct {
	Timestamp    int64    `json:"timestamp"`
	Blob         []byte   `json:"-"`
	Checksum     string   `json:"checksum"`
	Version      int64    `json:"version"`
	Metadata     Metadata `json:"metadata"`
	Reason       string   `json:"reason"`
	EditCount    int      `json:"editCount"`
	AutoSnapshot bool     `json:"autoSnapshot"`
	Size         int      `json:"size"`
}

// SaveSnapshot inserts or replaces the row keyed by s.Timestamp.
func (d *Dual) SaveSnapshot(s *Snapshot) error {
	metaJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("store: failed to marshal snapshot metadata: %w", err)
	}
	auto := 0
	if s.AutoSnapshot {
		auto = 1
	}
	_, err = d.db.Exec(`
		INSERT INTO backup_snapshots (timestamp, blob, checksum, version, metadata, reason, edit_count, auto_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET
			blob = excluded.blob,
			checksum = excluded.checksum,
			version = excluded.version,
			metadata = excluded.metadata,
			reason = excluded.reason,
			edit_count = excluded.edit_count,
			auto_snapshot = excluded.auto_snapshot`,
		s.Timestamp, s.Blob, s.Checksum, s.Version, string(metaJSON), s.Reason, s.EditCount, auto)
	if err != nil {
		return fmt.Errorf("store: failed to save snapshot: %w", err)
	}
	return nil
}

// Snapshot returns the row keyed by timestamp, blob included.
func (d *Dual) Snapshot(timestamp int64) (*Snapshot, error) {
	row := d.db.QueryRow(`
		SELECT timestamp, blob, checksum, version, metadata, reason, edit_count, auto_snapshot
		FROM backup_snapshots WHERE timestamp = ?`, timestamp)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Snapshots lists rows newest-first. Blobs are omitted; limit <= 0 lists
// everything.
func (d *Dual) Snapshots(limit int) ([]Snapshot, error) {
	query := `
		SELECT timestamp, checksum, version, metadata, reason, edit_count, auto_snapshot, LENGTH(blob)
		FROM backup_snapshots ORDER BY timestamp DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = d.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = d.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var metaJSON sql.NullString
		var auto int
		if err := rows.Scan(&s.Timestamp, &s.Checksum, &s.Version, &metaJSON, &s.Reason, &s.EditCount, &auto, &s.Size); err != nil {
			return nil, fmt.Errorf("store: failed to scan snapshot row: %w", err)
		}
		s.AutoSnapshot = auto != 0
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &s.Metadata)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the row keyed by timestamp.
func (d *Dual) DeleteSnapshot(timestamp int64) error {
	if _, err := d.db.Exec(`DELETE FROM backup_snapshots WHERE timestamp = ?`, timestamp); err != nil {
		return fmt.Errorf("store: failed to delete snapshot: %w", err)
	}
	return nil
}

// LatestSnapshotTime returns the newest snapshot timestamp, 0 when none.
func (d *Dual) LatestSnapshotTime() (int64, error) {
	var ts sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(timestamp) FROM backup_snapshots`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("store: failed to read latest snapshot time: %w", err)
	}
	return ts.Int64, nil
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var s Snapshot
	var metaJSON sql.NullString
	var auto int
	if err := row.Scan(&s.Timestamp, &s.Blob, &s.Checksum, &s.Version, &metaJSON, &s.Reason, &s.EditCount, &auto); err != nil {
		return nil, err
	}
	s.AutoSnapshot = auto != 0
	s.Size = len(s.Blob)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &s.Metadata)
	}
	return &s, nil
}
