// Package journal tracks atomic operations: begin/complete/rollback records
// that let incomplete mutations be detected and resolved after an unclean
// shutdown. Records live in the secondary store's state_journal and
// incomplete_operations object stores.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record statuses.
const (
	StatusStarted    = "started"
	StatusCompleted  = "completed"
	StatusRolledBack = "rolled_back"
)

// Recovery limits.
const (
	// MaxAttempts is how many restarts may see an operation before it is
	// rolled back with cause exceeded_retries.
	MaxAttempts = 3

	// DefaultCap bounds the state_journal store.
	DefaultCap = 500

	// CauseExceededRetries marks operations abandoned by recovery.
	CauseExceededRetries = "exceeded_retries"
)

// ErrNotFound indicates an unknown operation id.
var ErrNotFound = errors.New("journal: operation not found")

// Record is one state_journal row.
type Record struct {
	OpID             string `json:"opId"`
	Type             string `json:"type"`
	Payload          string `json:"payload,omitempty"`
	Status           string `json:"status"`
	DatabaseChecksum string `json:"databaseChecksum,omitempty"`
	ResultChecksum   string `json:"resultChecksum,omitempty"`
	Error            string `json:"error,omitempty"`
	Attempts         int    `json:"attempts"`
	StartedAt        int64  `json:"startedAt"`
	CompletedAt      int64  `json:"completedAt,omitempty"`
}

// RecoverySummary reports the startup sweep outcome.
type RecoverySummary struct {
	Incomplete int `json:"incomplete"`
	Recovered  int `json:"recovered"`
	RolledBack int `json:"rolledBack"`
	Failed     int `json:"failed"`
}

// Journal is the operation log. It shares the secondary store's database
// handle; the store's Init must have run first.
type Journal struct {
	db  *sql.DB
	cap int
}

// New returns a journal capped at max state_journal records; max <= 0 uses
// DefaultCap.
func New(db *sql.DB, max int) *Journal {
	if max <= 0 {
		max = DefaultCap
	}
	return &Journal{db: db, cap: max}
}

// Begin appends a started record and mirrors it into incomplete_operations.
// databaseChecksum is the pre-mutation blob digest, or "unknown".
func (j *Journal) Begin(opType string, payload any, databaseChecksum string) (string, error) {
	now := time.Now()
	opID := fmt.Sprintf("op:%d:%s", now.UnixMilli(), uuid.New().String())

	payloadJSON := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("journal: failed to marshal payload: %w", err)
		}
		payloadJSON = string(data)
	}
	if databaseChecksum == "" {
		databaseChecksum = "unknown"
	}

	tx, err := j.db.Begin()
	if err != nil {
		return "", fmt.Errorf("journal: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO state_journal (op_id, type, payload, status, database_checksum, attempts, started_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		opID, opType, payloadJSON, StatusStarted, databaseChecksum, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("journal: failed to append record: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO incomplete_operations (op_id, type, attempts, started_at)
		VALUES (?, ?, 0, ?)`,
		opID, opType, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("journal: failed to mirror incomplete record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("journal: failed to commit: %w", err)
	}
	return opID, nil
}

// RecordIntent stores the checksum the mutation is about to produce, so a
// crash between the durable write and Complete can still be resolved.
func (j *Journal) RecordIntent(opID, resultChecksum string) error {
	res, err := j.db.Exec(`UPDATE state_journal SET result_checksum = ? WHERE op_id = ?`, resultChecksum, opID)
	if err != nil {
		return fmt.Errorf("journal: failed to record intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = j.db.Exec(`UPDATE incomplete_operations SET result_checksum = ? WHERE op_id = ?`, resultChecksum, opID)
	if err != nil {
		return fmt.Errorf("journal: failed to record intent: %w", err)
	}
	return nil
}

// Complete terminates the record successfully and removes the incomplete
// mirror.
func (j *Journal) Complete(opID, resultChecksum string) error {
	return j.terminate(opID, StatusCompleted, resultChecksum, "")
}

// Rollback terminates the record with an error and removes the incomplete
// mirror.
func (j *Journal) Rollback(opID string, cause string) error {
	return j.terminate(opID, StatusRolledBack, "", cause)
}

func (j *Journal) terminate(opID, status, resultChecksum, cause string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if status == StatusCompleted {
		res, err = tx.Exec(`
			UPDATE state_journal
			SET status = ?, result_checksum = ?, completed_at = ?
			WHERE op_id = ?`,
			status, resultChecksum, time.Now().UnixMilli(), opID)
	} else {
		res, err = tx.Exec(`
			UPDATE state_journal
			SET status = ?, error = ?, completed_at = ?
			WHERE op_id = ?`,
			status, cause, time.Now().UnixMilli(), opID)
	}
	if err != nil {
		return fmt.Errorf("journal: failed to terminate record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM incomplete_operations WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("journal: failed to clear incomplete record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: failed to commit: %w", err)
	}
	return nil
}

// Recover resolves incomplete operations at startup. currentChecksum is the
// digest of the on-disk blob, or "" when no database exists. A record whose
// result checksum matches is promoted to completed; one seen fewer than
// MaxAttempts times is retained for another try; everything else is rolled
// back with cause exceeded_retries.
func (j *Journal) Recover(currentChecksum string) (*RecoverySummary, error) {
	rows, err := j.db.Query(`
		SELECT op_id, attempts, COALESCE(result_checksum, '') FROM incomplete_operations ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to enumerate incomplete operations: %w", err)
	}

	type pending struct {
		opID           string
		attempts       int
		resultChecksum string
	}
	var all []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.opID, &p.attempts, &p.resultChecksum); err != nil {
			rows.Close()
			return nil, fmt.Errorf("journal: failed to scan incomplete row: %w", err)
		}
		all = append(all, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: failed to enumerate incomplete operations: %w", err)
	}

	summary := &RecoverySummary{Incomplete: len(all)}
	for _, p := range all {
		switch {
		case p.resultChecksum != "" && p.resultChecksum == currentChecksum:
			// The write actually landed.
			if err := j.Complete(p.opID, p.resultChecksum); err != nil {
				summary.Failed++
				continue
			}
			summary.Recovered++
		case p.attempts+1 < MaxAttempts:
			if _, err := j.db.Exec(`UPDATE incomplete_operations SET attempts = attempts + 1 WHERE op_id = ?`, p.opID); err != nil {
				summary.Failed++
				continue
			}
			if _, err := j.db.Exec(`UPDATE state_journal SET attempts = attempts + 1 WHERE op_id = ?`, p.opID); err != nil {
				summary.Failed++
			}
		default:
			if err := j.Rollback(p.opID, CauseExceededRetries); err != nil {
				summary.Failed++
				continue
			}
			summary.RolledBack++
		}
	}
	return summary, nil
}

// Prune keeps the newest cap records in state_journal, deleting oldest
// first.
func (j *Journal) Prune() error {
	_, err := j.db.Exec(`
		DELETE FROM state_journal
		WHERE op_id NOT IN (
			SELECT op_id FROM state_journal ORDER BY started_at DESC, op_id DESC LIMIT ?
		)`, j.cap)
	if err != nil {
		return fmt.Errorf("journal: failed to prune: %w", err)
	}
	return nil
}

// Clear empties both journal stores.
func (j *Journal) Clear() error {
	if _, err := j.db.Exec(`DELETE FROM state_journal`); err != nil {
		return fmt.Errorf("journal: failed to clear: %w", err)
	}
	if _, err := j.db.Exec(`DELETE FROM incomplete_operations`); err != nil {
		return fmt.Errorf("journal: failed to clear: %w", err)
	}
	return nil
}

// Get returns one record by operation id.
func (j *Journal) Get(opID string) (*Record, error) {
	row := j.db.QueryRow(`
		SELECT op_id, type, COALESCE(payload, ''), status, COALESCE(database_checksum, ''),
		       COALESCE(result_checksum, ''), COALESCE(error, ''), attempts, started_at, COALESCE(completed_at, 0)
		FROM state_journal WHERE op_id = ?`, opID)
	var r Record
	err := row.Scan(&r.OpID, &r.Type, &r.Payload, &r.Status, &r.DatabaseChecksum,
		&r.ResultChecksum, &r.Error, &r.Attempts, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: failed to read record: %w", err)
	}
	return &r, nil
}

// Records lists journal rows newest-first; limit <= 0 lists everything.
func (j *Journal) Records(limit int) ([]Record, error) {
	query := `
		SELECT op_id, type, COALESCE(payload, ''), status, COALESCE(database_checksum, ''),
		       COALESCE(result_checksum, ''), COALESCE(error, ''), attempts, started_at, COALESCE(completed_at, 0)
		FROM state_journal ORDER BY started_at DESC, op_id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = j.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = j.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.OpID, &r.Type, &r.Payload, &r.Status, &r.DatabaseChecksum,
			&r.ResultChecksum, &r.Error, &r.Attempts, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("journal: failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncompleteCount returns the number of un-terminated operations.
func (j *Journal) IncompleteCount() (int, error) {
	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM incomplete_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: failed to count incomplete operations: %w", err)
	}
	return n, nil
}
