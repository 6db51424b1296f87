package backup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
	"github.com/Ilya37/kdbxkeeper/pkg/kdf"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.Dual) {
	t.Helper()
	d := store.Open(t.TempDir())
	_, err := d.Init()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d, cfg), d
}

func TestNoteEditThreshold(t *testing.T) {
	s, _ := newTestScheduler(t, Config{EditThreshold: 3})

	assert.False(t, s.NoteEdit())
	assert.False(t, s.NoteEdit())
	assert.True(t, s.NoteEdit(), "third edit reaches the threshold")
	assert.Zero(t, s.EditCount(), "counter resets after threshold")
	assert.False(t, s.NoteEdit())
}

func TestTakeAndHistory(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())

	var clock time.Time
	s.now = func() time.Time { return clock }

	for n, reason := range []string{ReasonHourly, ReasonEditThreshold, ReasonManual} {
		clock = time.UnixMilli(int64(1000 * (n + 1)))
		snap, err := s.Take([]byte(fmt.Sprintf("blob-%d", n)), store.Metadata{Name: "V"}, int64(n+1), reason)
		require.NoError(t, err)
		assert.Equal(t, reason, snap.Reason)
		assert.Equal(t, reason != ReasonManual, snap.AutoSnapshot)
	}

	history, err := s.History(2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3000), history[0].Timestamp, "newest first")
	assert.Equal(t, ReasonManual, history[0].Reason)
	assert.Equal(t, int64(3), history[0].Version)
	assert.Positive(t, history[0].Size)
}

func TestRetentionMoreGenerousBoundWins(t *testing.T) {
	s, d := newTestScheduler(t, Config{MaxSnapshots: 2, MaxAge: 30 * 24 * time.Hour})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Three recent snapshots: the third is outside newest-2 but inside the
	// age bound, so it must survive.
	clock := base
	s.now = func() time.Time { return clock }
	for n := 0; n < 3; n++ {
		clock = base.Add(time.Duration(n) * time.Minute)
		_, err := s.Take([]byte("blob"), store.Metadata{}, 1, ReasonManual)
		require.NoError(t, err)
	}

	snaps, err := d.Snapshots(0)
	require.NoError(t, err)
	assert.Len(t, snaps, 3, "age rule keeps snapshots beyond newest-N")

	// An ancient snapshot outside both bounds is pruned on the next Take.
	require.NoError(t, d.SaveSnapshot(&store.Snapshot{
		Timestamp: base.Add(-40 * 24 * time.Hour).UnixMilli(),
		Blob:      []byte("old"),
		Checksum:  "x",
	}))
	clock = base.Add(time.Hour)
	_, err = s.Take([]byte("blob"), store.Metadata{}, 2, ReasonHourly)
	require.NoError(t, err)

	snaps, err = d.Snapshots(0)
	require.NoError(t, err)
	for _, snap := range snaps {
		assert.Greater(t, snap.Timestamp, base.Add(-time.Hour).UnixMilli(),
			"the 40-day-old snapshot should be gone")
	}
	assert.Len(t, snaps, 4)
}

func TestStartupDelay(t *testing.T) {
	s, d := newTestScheduler(t, Config{Interval: time.Hour})

	// No snapshots yet: wait a full interval.
	delay, err := s.StartupDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, delay)

	now := time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// A snapshot 20 minutes ago leaves 40 minutes on the clock.
	require.NoError(t, d.SaveSnapshot(&store.Snapshot{
		Timestamp: now.Add(-20 * time.Minute).UnixMilli(),
		Blob:      []byte("b"), Checksum: "c",
	}))
	delay, err = s.StartupDelay()
	require.NoError(t, err)
	assert.Equal(t, 40*time.Minute, delay)

	// An overdue snapshot fires immediately.
	require.NoError(t, d.SaveSnapshot(&store.Snapshot{
		Timestamp: now.Add(-2 * time.Hour).UnixMilli(),
		Blob:      []byte("b"), Checksum: "c",
	}))
	require.NoError(t, d.DeleteSnapshot(now.Add(-20*time.Minute).UnixMilli()))
	delay, err = s.StartupDelay()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)
}

func TestRestore(t *testing.T) {
	s, d := newTestScheduler(t, DefaultConfig())

	db := kdbx.Create("Restore Vault", "s3cret-pass")
	blob, err := db.Save(kdf.Fast())
	require.NoError(t, err)

	snap, err := s.Take(blob, store.Metadata{Name: "Restore Vault", EntryCount: 0}, 1, ReasonManual)
	require.NoError(t, err)

	restored, res, err := s.Restore(snap.Timestamp, "s3cret-pass", kdf.Fast())
	require.NoError(t, err)
	assert.Equal(t, "Restore Vault", restored.Meta.Name)
	assert.True(t, res.Success())
	assert.Equal(t, store.ReasonRecovery, mustCurrentSource(t, d))

	// Wrong passphrase surfaces the codec's key error.
	_, _, err = s.Restore(snap.Timestamp, "wrong", kdf.Fast())
	assert.ErrorIs(t, err, kdbx.ErrInvalidKey)

	// Unknown timestamp.
	_, _, err = s.Restore(12345, "s3cret-pass", kdf.Fast())
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func mustCurrentSource(t *testing.T, d *store.Dual) string {
	t.Helper()
	var source string
	err := d.DB().QueryRow(`SELECT source FROM databases WHERE key = ?`, store.KeyCurrentDatabase).Scan(&source)
	require.NoError(t, err)
	return source
}
