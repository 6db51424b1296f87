// Package store implements the durable dual-store persistence layer: a flat
// key/value primary holding the encoded database blob, and an indexed,
// versioned sqlite secondary with checksummed integrity and fallback reads.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Ilya37/kdbxkeeper/pkg/checksum"
)

// Store errors.
var (
	// ErrNotFound indicates no persisted database or version exists.
	ErrNotFound = errors.New("store: not found")

	// ErrSyncFailed indicates neither store acknowledged the write.
	ErrSyncFailed = errors.New("store: storage sync failed")

	// ErrChecksumMismatch indicates the primary read-back digest diverged
	// from the written blob.
	ErrChecksumMismatch = errors.New("store: checksum mismatch")
)

// Fixed record keys.
const (
	KeyCurrentDatabase = "db:current"
	KeyRecoveryCurrent = "recovery:current"
	KeySyncStatus      = "sync:status"
)

// Integrity states carried by sync_status.
const (
	IntegrityHealthy   = "healthy"
	IntegrityDegraded  = "degraded"
	IntegrityCorrupted = "corrupted"
)

// Persist reasons.
const (
	ReasonEdit     = "edit"
	ReasonImport   = "import"
	ReasonRecovery = "recovery"
)

// MaxVersions is the retained database_versions window.
const MaxVersions = 5

// Metadata is the database descriptor persisted next to the blob.
type Metadata struct {
	Name         string `json:"name"`
	LastModified string `json:"lastModified"`
	EntryCount   int    `json:"entryCount"`
}

// PersistResult enumerates the outcome of one write path run. Success
// requires both stores; the caller decides whether to tolerate less.
type PersistResult struct {
	PrimaryOK     bool     `json:"primaryOk"`
	SecondaryOK   bool     `json:"secondaryOk"`
	ChecksumMatch bool     `json:"checksumMatch"`
	Version       int64    `json:"version"`
	Checksum      string   `json:"checksum"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Success reports whether both stores acknowledged the write.
func (r *PersistResult) Success() bool {
	return r.PrimaryOK && r.SecondaryOK
}

// LoadResult is a successful read of the persisted database.
type LoadResult struct {
	Blob     []byte
	Metadata Metadata
	Source   string // "primary" or "secondary"
	Version  int64
	Checksum string
}

// HealthReport summarizes storage state for GET_STORAGE_HEALTH.
type HealthReport struct {
	PrimaryBytes    int64    `json:"primaryBytes"`
	SecondaryBytes  int64    `json:"secondaryBytes"`
	DiskFreeBytes   uint64   `json:"diskFreeBytes"`
	LastSync        int64    `json:"lastSync"`
	LastChecksum    string   `json:"lastChecksum"`
	VersionCount    int      `json:"versionCount"`
	LatestVersion   int64    `json:"latestVersion"`
	Integrity       string   `json:"integrity"`
	Warnings        []string `json:"warnings,omitempty"`
}

// RecoveryStatus describes the stored recovery code record.
type RecoveryStatus struct {
	Present   bool  `json:"present"`
	CreatedAt int64 `json:"createdAt,omitempty"`
}

// Dual owns both stores. Not safe for concurrent use; the keeper's single
// task loop serializes all access.
type Dual struct {
	dir         string
	primary     *primary
	db          *sql.DB
	ready       bool
	maxVersions int
}

// InitReport is returned by Init for observability.
type InitReport struct {
	Dir           string `json:"dir"`
	Created       bool   `json:"created"`
	HasDatabase   bool   `json:"hasDatabase"`
	LatestVersion int64  `json:"latestVersion"`
}

// Open prepares a dual store rooted at dir. No I/O happens until Init.
func Open(dir string) *Dual {
	return &Dual{
		dir:         dir,
		primary:     newPrimary(filepath.Join(dir, "primary.json")),
		maxVersions: MaxVersions,
	}
}

// SetMaxVersions overrides the retained version window (default 5).
func (d *Dual) SetMaxVersions(n int) {
	if n > 0 {
		d.maxVersions = n
	}
}

// Init creates the directory, opens the secondary database, and ensures all
// seven object stores exist. It is idempotent; repeated calls return a fresh
// report without reinitializing.
func (d *Dual) Init() (*InitReport, error) {
	created := false
	if _, err := os.Stat(d.secondaryPath()); os.IsNotExist(err) {
		created = true
	}
	if err := os.MkdirAll(d.dir, 0700); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	if d.db == nil {
		db, err := sql.Open("sqlite", d.secondaryPath()+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("store: failed to open secondary store: %w", err)
		}
		// Single connection keeps sqlite happy under the one task loop.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := createTables(db); err != nil {
			db.Close()
			return nil, err
		}
		d.db = db
	}
	d.ready = true

	report := &InitReport{Dir: d.dir, Created: created}
	if v, err := d.currentVersion(); err == nil {
		report.LatestVersion = v
		report.HasDatabase = v > 0
	}
	return report, nil
}

// Ready reports whether Init has completed.
func (d *Dual) Ready() bool {
	return d.ready
}

// DB exposes the secondary handle for the journal, which owns the
// state_journal and incomplete_operations stores.
func (d *Dual) DB() *sql.DB {
	return d.db
}

// Close releases the secondary store handle.
func (d *Dual) Close() error {
	d.ready = false
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *Dual) secondaryPath() string {
	return filepath.Join(d.dir, "secondary.db")
}

// Persist runs the full write path: checksum, secondary current + version
// row, primary encode, read-back verification, sync status, pruning.
func (d *Dual) Persist(blob []byte, meta Metadata, reason string) (*PersistResult, error) {
	res := &PersistResult{Checksum: checksum.SHA256Hex(blob)}
	now := time.Now().UnixMilli()

	prev, err := d.readCurrentRow()
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("secondary snapshot failed: %v", err))
	}

	// Secondary first: current record plus an immutable version row.
	version, err := d.persistSecondary(blob, meta, reason, res.Checksum, now)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("secondary store write failed: %v", err))
	} else {
		res.SecondaryOK = true
		res.Version = version
	}

	// Primary: base-encoded blob text plus metadata.
	if err := d.primary.put(blob, meta); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("primary store write failed: %v", err))
	} else {
		res.PrimaryOK = true
	}

	// Read-back verification against the just-written primary value.
	if res.PrimaryOK {
		readBack, _, err := d.primary.get()
		switch {
		case err != nil:
			res.PrimaryOK = false
			res.Warnings = append(res.Warnings, fmt.Sprintf("primary read-back failed: %v", err))
		case checksum.SHA256Hex(readBack) != res.Checksum:
			res.Warnings = append(res.Warnings, "primary read-back checksum mismatch")
		default:
			res.ChecksumMatch = true
		}
	}

	// The primary never acknowledged the write: the blob is not promoted.
	// The previous current record comes back so fallback reads cannot see
	// the half-written state.
	if !res.PrimaryOK && res.SecondaryOK {
		if err := d.revertCurrent(prev, version); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("secondary revert failed: %v", err))
		} else {
			res.Warnings = append(res.Warnings, "secondary promotion reverted")
		}
	}

	integrity := IntegrityDegraded
	if res.ChecksumMatch {
		integrity = IntegrityHealthy
	}
	if err := d.updateSyncStatus(now, res.Checksum, integrity); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("sync status update failed: %v", err))
	}

	if res.SecondaryOK && res.PrimaryOK {
		if err := d.pruneVersions(d.maxVersions); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("version pruning failed: %v", err))
		}
	}

	if !res.PrimaryOK && !res.SecondaryOK {
		return res, ErrSyncFailed
	}
	return res, nil
}

// Load reads the persisted database, primary first, falling back to the
// secondary current record. Returns (nil, nil) when neither store has one.
func (d *Dual) Load() (*LoadResult, error) {
	blob, meta, err := d.primary.get()
	if err == nil {
		res := &LoadResult{
			Blob:     blob,
			Metadata: meta,
			Source:   "primary",
			Checksum: checksum.SHA256Hex(blob),
		}
		if v, err := d.currentVersion(); err == nil {
			res.Version = v
		}
		return res, nil
	}

	// Primary absent or unreadable either way: fall back to the secondary.
	res, err := d.loadSecondaryCurrent()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

// Recover returns the blob for a retained version, falling back to the
// secondary current record when the version row is gone.
func (d *Dual) Recover(version int64) ([]byte, error) {
	var blob []byte
	err := d.db.QueryRow(`SELECT blob FROM database_versions WHERE version = ?`, version).Scan(&blob)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: failed to read version %d: %w", version, err)
	}

	res, err := d.loadSecondaryCurrent()
	if err != nil {
		return nil, ErrNotFound
	}
	return res.Blob, nil
}

// Health reports sizes, sync state, and the retained version window.
func (d *Dual) Health() (*HealthReport, error) {
	report := &HealthReport{Integrity: IntegrityHealthy}

	report.PrimaryBytes = d.primary.sizeBytes()
	if info, err := os.Stat(d.secondaryPath()); err == nil {
		report.SecondaryBytes = info.Size()
	}
	if free, err := diskFreeBytes(d.dir); err == nil {
		report.DiskFreeBytes = free
	} else {
		report.Warnings = append(report.Warnings, fmt.Sprintf("disk stats unavailable: %v", err))
	}

	var lastSync sql.NullInt64
	var lastChecksum, integrity sql.NullString
	err := d.db.QueryRow(`SELECT last_sync, last_checksum, integrity FROM sync_status WHERE key = ?`, KeySyncStatus).
		Scan(&lastSync, &lastChecksum, &integrity)
	if err == nil {
		report.LastSync = lastSync.Int64
		report.LastChecksum = lastChecksum.String
		if integrity.String != "" {
			report.Integrity = integrity.String
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: failed to read sync status: %w", err)
	}

	if err := d.db.QueryRow(`SELECT COUNT(*), COALESCE(MAX(version), 0) FROM database_versions`).
		Scan(&report.VersionCount, &report.LatestVersion); err != nil {
		return nil, fmt.Errorf("store: failed to count versions: %w", err)
	}

	if report.Integrity != IntegrityHealthy {
		report.Warnings = append(report.Warnings, "last write verification did not pass")
	}
	return report, nil
}

// SaveRecoveryCode stores the hash of the current recovery code.
func (d *Dual) SaveRecoveryCode(codeHash string) error {
	_, err := d.db.Exec(`
		INSERT INTO recovery_codes (key, code_hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET code_hash = excluded.code_hash, created_at = excluded.created_at`,
		KeyRecoveryCurrent, codeHash, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: failed to save recovery code: %w", err)
	}
	return nil
}

// Recovery returns the stored recovery code status.
func (d *Dual) Recovery() (*RecoveryStatus, error) {
	var createdAt int64
	err := d.db.QueryRow(`SELECT created_at FROM recovery_codes WHERE key = ?`, KeyRecoveryCurrent).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &RecoveryStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read recovery code: %w", err)
	}
	return &RecoveryStatus{Present: true, CreatedAt: createdAt}, nil
}

// VerifyRecoveryCode checks a presented code against the stored hash.
func (d *Dual) VerifyRecoveryCode(code string) (bool, error) {
	var hash string
	err := d.db.QueryRow(`SELECT code_hash FROM recovery_codes WHERE key = ?`, KeyRecoveryCurrent).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: failed to read recovery code: %w", err)
	}
	return checksum.SHA256Hex([]byte(code)) == hash, nil
}

// Wipe empties all seven object stores and clears the primary blob and
// metadata.
func (d *Dual) Wipe() error {
	for _, table := range []string{
		"databases", "database_versions", "backup_snapshots",
		"recovery_codes", "state_journal", "incomplete_operations", "sync_status",
	} {
		if _, err := d.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("store: failed to clear %s: %w", table, err)
		}
	}
	return d.primary.clear()
}
