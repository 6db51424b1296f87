// Package backup provides automatic snapshots independent of user-initiated
// persists: hourly, edit-threshold, and manual, with retention pruning and
// restore.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ilya37/kdbxkeeper/pkg/checksum"
	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
)

// Snapshot reasons.
const (
	ReasonHourly        = "hourly"
	ReasonEditThreshold = "edit_threshold"
	ReasonManual        = "manual"
)

// ErrSnapshotNotFound indicates no snapshot exists for the timestamp.
var ErrSnapshotNotFound = errors.New("backup: snapshot not found")

// Config carries the scheduler knobs.
type Config struct {
	// Interval between automatic snapshots (default one hour).
	Interval time.Duration

	// EditThreshold is the persist count that forces a snapshot.
	EditThreshold int

	// MaxSnapshots is the newest-N retention bound.
	MaxSnapshots int

	// MaxAge is the age retention bound.
	MaxAge time.Duration
}

// DefaultConfig returns the stock policy: hourly snapshots, a snapshot
// every 10 edits, keep 10 snapshots or 30 days.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		EditThreshold: 10,
		MaxSnapshots:  10,
		MaxAge:        30 * 24 * time.Hour,
	}
}

// HistoryItem is one GET_BACKUP_HISTORY row.
type HistoryItem struct {
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version"`
	Reason    string `json:"reason"`
	Size      int    `json:"size"`
}

// Scheduler owns snapshot policy. All methods except the timer goroutine in
// Start are called from the keeper's single task loop.
type Scheduler struct {
	store *store.Dual
	cfg   Config
	now   func() time.Time

	editCount int
	timer     *time.Timer
}

// New builds a scheduler over the dual store.
func New(d *store.Dual, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.EditThreshold <= 0 {
		cfg.EditThreshold = 10
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	return &Scheduler{store: d, cfg: cfg, now: time.Now}
}

// StartupDelay recomputes the hourly timer from the newest stored snapshot,
// so the schedule survives host restarts.
func (s *Scheduler) StartupDelay() (time.Duration, error) {
	latest, err := s.store.LatestSnapshotTime()
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return s.cfg.Interval, nil
	}
	elapsed := s.now().Sub(time.UnixMilli(latest))
	if elapsed >= s.cfg.Interval {
		return 0, nil
	}
	return s.cfg.Interval - elapsed, nil
}

// Start arms the hourly timer. fire runs on expiry in the timer goroutine;
// the caller routes it back into the task loop. The timer is re-armed by
// Take and Rearm, not here.
func (s *Scheduler) Start(ctx context.Context, fire func()) error {
	delay, err := s.StartupDelay()
	if err != nil {
		return err
	}
	s.timer = time.AfterFunc(delay, fire)
	go func() {
		<-ctx.Done()
		if s.timer != nil {
			s.timer.Stop()
		}
	}()
	return nil
}

// Rearm pushes the next automatic snapshot a full interval out without
// taking one; used when the timer fires with nothing to snapshot.
func (s *Scheduler) Rearm() {
	if s.timer != nil {
		s.timer.Reset(s.cfg.Interval)
	}
}

// NoteEdit counts one successful edit persist and reports whether the
// threshold snapshot is due; the counter resets when it is.
func (s *Scheduler) NoteEdit() bool {
	s.editCount++
	if s.editCount >= s.cfg.EditThreshold {
		s.editCount = 0
		return true
	}
	return false
}

// EditCount returns the running edit counter.
func (s *Scheduler) EditCount() int {
	return s.editCount
}

// Take stores a snapshot of the blob and prunes retention. Any snapshot
// pushes the next hourly one a full interval out.
func (s *Scheduler) Take(blob []byte, meta store.Metadata, version int64, reason string) (*store.Snapshot, error) {
	snap := &store.Snapshot{
		Timestamp:    s.now().UnixMilli(),
		Blob:         blob,
		Checksum:     checksum.SHA256Hex(blob),
		Version:      version,
		Metadata:     meta,
		Reason:       reason,
		EditCount:    s.editCount,
		AutoSnapshot: reason != ReasonManual,
	}
	if err := s.store.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	if err := s.pruneRetention(); err != nil {
		return nil, err
	}
	if s.timer != nil {
		s.timer.Reset(s.cfg.Interval)
	}
	return snap, nil
}

// pruneRetention deletes snapshots that fail both retention rules: outside
// the newest MaxSnapshots AND older than MaxAge. The more generous bound
// always wins.
func (s *Scheduler) pruneRetention() error {
	all, err := s.store.Snapshots(0)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-s.cfg.MaxAge).UnixMilli()
	for i, snap := range all { // newest first
		if i < s.cfg.MaxSnapshots {
			continue
		}
		if snap.Timestamp >= cutoff {
			continue
		}
		if err := s.store.DeleteSnapshot(snap.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// History returns snapshot descriptors newest-first, bounded by limit.
func (s *Scheduler) History(limit int) ([]HistoryItem, error) {
	snaps, err := s.store.Snapshots(limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, HistoryItem{
			Timestamp: snap.Timestamp,
			Version:   snap.Version,
			Reason:    snap.Reason,
			Size:      snap.Size,
		})
	}
	return out, nil
}

// Restore decodes the snapshot with the given passphrase and promotes its
// blob through the dual store with reason recovery. The decrypted database
// is returned for the session to adopt.
func (s *Scheduler) Restore(timestamp int64, passphrase string, argon2 kdbx.Argon2Func) (*kdbx.Database, *store.PersistResult, error) {
	snap, err := s.store.Snapshot(timestamp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrSnapshotNotFound
		}
		return nil, nil, err
	}

	db, err := kdbx.Load(snap.Blob, passphrase, argon2)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.store.Persist(snap.Blob, snap.Metadata, store.ReasonRecovery)
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to promote restored blob: %w", err)
	}
	return db, res, nil
}
