package journal

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya37/kdbxkeeper/pkg/store"
)

func newTestJournal(t *testing.T, cap int) *Journal {
	t.Helper()
	d := store.Open(t.TempDir())
	_, err := d.Init()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d.DB(), cap)
}

func TestBeginCompleteLifecycle(t *testing.T) {
	j := newTestJournal(t, 0)

	opID, err := j.Begin("CREATE_ENTRY", map[string]string{"title": "Gmail"}, "abc123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(opID, "op:"), "op id format: %s", opID)

	n, err := j.IncompleteCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, rec.Status)
	assert.Equal(t, "abc123", rec.DatabaseChecksum)
	assert.Contains(t, rec.Payload, "Gmail")

	require.NoError(t, j.Complete(opID, "def456"))

	rec, err = j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "def456", rec.ResultChecksum)
	assert.Positive(t, rec.CompletedAt)

	n, err = j.IncompleteCount()
	require.NoError(t, err)
	assert.Zero(t, n, "incomplete_operations must be empty after complete")
}

func TestBeginUnknownChecksum(t *testing.T) {
	j := newTestJournal(t, 0)
	opID, err := j.Begin("DELETE_ENTRY", nil, "")
	require.NoError(t, err)

	rec, err := j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, "unknown", rec.DatabaseChecksum)
}

func TestRollback(t *testing.T) {
	j := newTestJournal(t, 0)
	opID, err := j.Begin("UPDATE_ENTRY", nil, "abc")
	require.NoError(t, err)

	require.NoError(t, j.Rollback(opID, "primary store write failed"))

	rec, err := j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rec.Status)
	assert.Equal(t, "primary store write failed", rec.Error)

	n, err := j.IncompleteCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTerminateUnknownOp(t *testing.T) {
	j := newTestJournal(t, 0)
	assert.ErrorIs(t, j.Complete("op:0:nope", "x"), ErrNotFound)
	assert.ErrorIs(t, j.Rollback("op:0:nope", "x"), ErrNotFound)
	assert.ErrorIs(t, j.RecordIntent("op:0:nope", "x"), ErrNotFound)
}

func TestJournalClosure(t *testing.T) {
	// After N clean mutations the journal holds exactly N completed
	// records and no incomplete ones.
	j := newTestJournal(t, 0)
	const n = 7
	for i := 0; i < n; i++ {
		opID, err := j.Begin("CREATE_ENTRY", nil, "pre")
		require.NoError(t, err)
		require.NoError(t, j.Complete(opID, fmt.Sprintf("post-%d", i)))
	}

	records, err := j.Records(0)
	require.NoError(t, err)
	require.Len(t, records, n)
	for _, r := range records {
		assert.Equal(t, StatusCompleted, r.Status)
	}

	count, err := j.IncompleteCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecoverPromotesLandedWrite(t *testing.T) {
	j := newTestJournal(t, 0)
	opID, err := j.Begin("CREATE_ENTRY", nil, "before")
	require.NoError(t, err)
	require.NoError(t, j.RecordIntent(opID, "after"))

	// Simulated restart: the on-disk blob matches the intended result.
	summary, err := j.Recover("after")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Incomplete)
	assert.Equal(t, 1, summary.Recovered)
	assert.Zero(t, summary.RolledBack)

	rec, err := j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRecoverRetainsThenRollsBack(t *testing.T) {
	j := newTestJournal(t, 0)
	opID, err := j.Begin("CREATE_ENTRY", nil, "before")
	require.NoError(t, err)
	require.NoError(t, j.RecordIntent(opID, "after"))

	// The write never landed; first restarts retain the record.
	for i := 0; i < MaxAttempts-1; i++ {
		summary, err := j.Recover("something-else")
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Incomplete, "restart %d", i)
		assert.Zero(t, summary.Recovered)
		assert.Zero(t, summary.RolledBack)
	}

	// The attempt budget is exhausted on the next restart.
	summary, err := j.Recover("something-else")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RolledBack)

	rec, err := j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rec.Status)
	assert.Equal(t, CauseExceededRetries, rec.Error)

	n, err := j.IncompleteCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverWithoutIntentRollsBack(t *testing.T) {
	// Empty resultChecksum can never match, so the record burns through its
	// attempts and rolls back.
	j := newTestJournal(t, 0)
	opID, err := j.Begin("DELETE_ENTRY", nil, "before")
	require.NoError(t, err)

	var last *RecoverySummary
	for i := 0; i < MaxAttempts; i++ {
		last, err = j.Recover("anything")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, last.RolledBack)

	rec, err := j.Get(opID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rec.Status)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t, 10)
	for i := 0; i < 25; i++ {
		opID, err := j.Begin("CREATE_ENTRY", nil, "c")
		require.NoError(t, err)
		require.NoError(t, j.Complete(opID, "r"))
	}

	require.NoError(t, j.Prune())

	records, err := j.Records(0)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestClear(t *testing.T) {
	j := newTestJournal(t, 0)
	_, err := j.Begin("CREATE_ENTRY", nil, "c")
	require.NoError(t, err)

	require.NoError(t, j.Clear())

	records, err := j.Records(0)
	require.NoError(t, err)
	assert.Empty(t, records)
	n, err := j.IncompleteCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}
