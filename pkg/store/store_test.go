package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya37/kdbxkeeper/pkg/checksum"
)

func openTestStore(t *testing.T) *Dual {
	t.Helper()
	d := Open(t.TempDir())
	_, err := d.Init()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testMeta(n int) Metadata {
	return Metadata{Name: "Test Vault", LastModified: "2026-01-01T00:00:00Z", EntryCount: n}
}

func TestInitIdempotent(t *testing.T) {
	d := Open(t.TempDir())
	first, err := d.Init()
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.False(t, first.HasDatabase)

	again, err := d.Init()
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.True(t, d.Ready())
	d.Close()
}

func TestPersistAndLoad(t *testing.T) {
	d := openTestStore(t)
	blob := []byte("kdbx-blob-1")

	res, err := d.Persist(blob, testMeta(1), ReasonEdit)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.True(t, res.PrimaryOK)
	assert.True(t, res.SecondaryOK)
	assert.True(t, res.ChecksumMatch)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, checksum.SHA256Hex(blob), res.Checksum)
	assert.Empty(t, res.Warnings)

	got, err := d.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, blob, got.Blob)
	assert.Equal(t, "primary", got.Source)
	assert.Equal(t, "Test Vault", got.Metadata.Name)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, res.Checksum, got.Checksum)
}

func TestLoadEmpty(t *testing.T) {
	d := openTestStore(t)
	got, err := d.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVersionMonotonicityAndRetention(t *testing.T) {
	d := openTestStore(t)

	const n = 8
	for i := 1; i <= n; i++ {
		res, err := d.Persist([]byte(fmt.Sprintf("blob-%d", i)), testMeta(i), ReasonEdit)
		require.NoError(t, err)
		require.True(t, res.Success())
		assert.Equal(t, int64(i), res.Version, "version must equal v0+N after N persists")

		versions, err := d.Versions()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(versions), MaxVersions)
	}

	versions, err := d.Versions()
	require.NoError(t, err)
	require.Len(t, versions, MaxVersions)
	// Oldest retained version is n-4; ordering ascending.
	assert.Equal(t, int64(n-MaxVersions+1), versions[0].Version)
	assert.Equal(t, int64(n), versions[len(versions)-1].Version)
}

func TestPrimaryFallback(t *testing.T) {
	d := openTestStore(t)
	blob := []byte("fallback-blob")
	_, err := d.Persist(blob, testMeta(2), ReasonEdit)
	require.NoError(t, err)

	// Deliberately empty the primary store.
	require.NoError(t, d.primary.clear())

	got, err := d.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "secondary", got.Source)
	assert.Equal(t, blob, got.Blob)
	assert.Equal(t, "Test Vault", got.Metadata.Name)
}

func TestChecksumAgreement(t *testing.T) {
	d := openTestStore(t)
	blob := []byte("checksum-blob")
	res, err := d.Persist(blob, testMeta(1), ReasonEdit)
	require.NoError(t, err)

	readBack, _, err := d.primary.get()
	require.NoError(t, err)
	assert.Equal(t, res.Checksum, checksum.SHA256Hex(readBack))

	health, err := d.Health()
	require.NoError(t, err)
	assert.Equal(t, IntegrityHealthy, health.Integrity)
	assert.Equal(t, res.Checksum, health.LastChecksum)
}

func TestRecover(t *testing.T) {
	d := openTestStore(t)
	_, err := d.Persist([]byte("v1"), testMeta(1), ReasonEdit)
	require.NoError(t, err)
	_, err = d.Persist([]byte("v2"), testMeta(2), ReasonEdit)
	require.NoError(t, err)

	blob, err := d.Recover(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), blob)

	// Missing version falls back to the current record.
	blob, err = d.Recover(99)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
}

func TestRecoverNotFound(t *testing.T) {
	d := openTestStore(t)
	_, err := d.Recover(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthReport(t *testing.T) {
	d := openTestStore(t)
	_, err := d.Persist([]byte("health-blob"), testMeta(3), ReasonEdit)
	require.NoError(t, err)

	health, err := d.Health()
	require.NoError(t, err)
	assert.Positive(t, health.PrimaryBytes)
	assert.Positive(t, health.SecondaryBytes)
	assert.Positive(t, health.LastSync)
	assert.Equal(t, 1, health.VersionCount)
	assert.Equal(t, int64(1), health.LatestVersion)
	assert.Equal(t, IntegrityHealthy, health.Integrity)
}

func TestRecoveryCodes(t *testing.T) {
	d := openTestStore(t)

	status, err := d.Recovery()
	require.NoError(t, err)
	assert.False(t, status.Present)

	hash := checksum.SHA256Hex([]byte("ABCD-1234"))
	require.NoError(t, d.SaveRecoveryCode(hash))

	status, err = d.Recovery()
	require.NoError(t, err)
	assert.True(t, status.Present)
	assert.Positive(t, status.CreatedAt)

	ok, err := d.VerifyRecoveryCode("ABCD-1234")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.VerifyRecoveryCode("WXYZ-0000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshots(t *testing.T) {
	d := openTestStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, d.SaveSnapshot(&Snapshot{
			Timestamp:    int64(1000 * i),
			Blob:         []byte(fmt.Sprintf("snap-%d", i)),
			Checksum:     checksum.SHA256Hex([]byte(fmt.Sprintf("snap-%d", i))),
			Version:      int64(i),
			Metadata:     testMeta(i),
			Reason:       "manual",
			AutoSnapshot: i != 3,
		}))
	}

	latest, err := d.LatestSnapshotTime()
	require.NoError(t, err)
	assert.Equal(t, int64(3000), latest)

	list, err := d.Snapshots(2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3000), list[0].Timestamp, "newest first")
	assert.Equal(t, int64(2000), list[1].Timestamp)
	assert.Positive(t, list[0].Size)

	s, err := d.Snapshot(1000)
	require.NoError(t, err)
	assert.Equal(t, []byte("snap-1"), s.Blob)
	assert.True(t, s.AutoSnapshot)

	require.NoError(t, d.DeleteSnapshot(1000))
	_, err = d.Snapshot(1000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWipe(t *testing.T) {
	d := openTestStore(t)
	_, err := d.Persist([]byte("wipe-me"), testMeta(1), ReasonEdit)
	require.NoError(t, err)
	require.NoError(t, d.SaveRecoveryCode("hash"))
	require.NoError(t, d.SaveSnapshot(&Snapshot{Timestamp: 1, Blob: []byte("s"), Checksum: "c"}))

	require.NoError(t, d.Wipe())

	got, err := d.Load()
	require.NoError(t, err)
	assert.Nil(t, got)

	status, err := d.Recovery()
	require.NoError(t, err)
	assert.False(t, status.Present)

	list, err := d.Snapshots(0)
	require.NoError(t, err)
	assert.Empty(t, list)

	// The primary file is removed as well.
	_, statErr := os.Stat(filepath.Join(d.dir, "primary.json"))
	assert.True(t, os.IsNotExist(statErr))
}
