package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya37/kdbxkeeper/internal/config"
	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
	"github.com/Ilya37/kdbxkeeper/internal/logging"
	"github.com/Ilya37/kdbxkeeper/pkg/kdf"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	k := dispatcher.New(cfg, kdf.Fast(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, k.Start(ctx))
	t.Cleanup(func() {
		cancel()
		time.Sleep(20 * time.Millisecond)
	})
	return NewServer(k)
}

func unlockWithEntry(t *testing.T, s *Server) string {
	t.Helper()
	require.NoError(t, s.call(context.Background(), dispatcher.ReqCreateDatabase,
		map[string]string{"name": "V", "password": "p@ss"}, nil))

	var data struct {
		Entry struct {
			ID string `json:"id"`
		} `json:"entry"`
	}
	require.NoError(t, s.call(context.Background(), dispatcher.ReqCreateEntry,
		map[string]any{"title": "Gmail", "username": "u@x", "password": "hunter2secret", "url": "gmail.com"}, &data))
	return data.Entry.ID
}

func TestEntryListMasksSecrets(t *testing.T) {
	s := newTestServer(t)
	unlockWithEntry(t, s)

	_, out, err := s.handleEntryList(context.Background(), nil, EntryListInput{})
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "Gmail", out.Entries[0].Title)
	assert.Equal(t, "u@x", out.Entries[0].UserName)
}

func TestEntryListLocked(t *testing.T) {
	s := newTestServer(t)
	unlockWithEntry(t, s)
	require.NoError(t, s.call(context.Background(), dispatcher.ReqLock, nil, nil))

	_, _, err := s.handleEntryList(context.Background(), nil, EntryListInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestEntryGetMasked(t *testing.T) {
	s := newTestServer(t)
	id := unlockWithEntry(t, s)

	_, out, err := s.handleEntryGetMasked(context.Background(), nil, EntryGetMaskedInput{ID: id})
	require.NoError(t, err)
	assert.Equal(t, "Gmail", out.Entry.Title)
	assert.Equal(t, len("hunter2secret"), out.PasswordLength)
	assert.Equal(t, "****et", out.MaskedPassword)
	assert.NotContains(t, out.MaskedPassword, "hunter2")
}

func TestEntriesForURL(t *testing.T) {
	s := newTestServer(t)
	unlockWithEntry(t, s)

	_, out, err := s.handleEntriesForURL(context.Background(), nil,
		EntriesForURLInput{URL: "https://www.gmail.com/inbox"})
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "Gmail", out.Entries[0].Title)
}

func TestGeneratePasswordTool(t *testing.T) {
	s := newTestServer(t)

	_, out, err := s.handleGeneratePassword(context.Background(), nil, GeneratePasswordInput{})
	require.NoError(t, err)
	assert.Len(t, out.Password, 20)

	_, out, err = s.handleGeneratePassword(context.Background(), nil,
		GeneratePasswordInput{Length: 12, IncludeLowercase: true})
	require.NoError(t, err)
	assert.Len(t, out.Password, 12)
}

func TestStorageHealthTool(t *testing.T) {
	s := newTestServer(t)
	unlockWithEntry(t, s)

	_, out, err := s.handleStorageHealth(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "healthy", out.Health.Integrity)
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "****", maskValue(""))
	assert.Equal(t, "****", maskValue("abcd"))
	assert.Equal(t, "****2f", maskValue("secret2f"))
}
