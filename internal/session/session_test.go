package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ilya37/kdbxkeeper/internal/logging"
	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
	"github.com/Ilya37/kdbxkeeper/pkg/kdf"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Dual) {
	t.Helper()
	dir := t.TempDir()
	d := store.Open(dir)
	if _, err := d.Init(); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	m := New(d, dir, kdf.Fast(), cfg, logging.Nop())
	if err := m.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	return m, d
}

// persistCurrent saves the decrypted database through the store the way the
// dispatcher would after a mutation.
func persistCurrent(t *testing.T, m *Manager, d *store.Dual) {
	t.Helper()
	db, err := m.Database()
	if err != nil {
		t.Fatalf("Database failed: %v", err)
	}
	blob, err := db.Save(kdf.Fast())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	res, err := d.Persist(blob, store.Metadata{Name: db.Meta.Name, EntryCount: db.EntryCount()}, store.ReasonEdit)
	if err != nil || !res.Success() {
		t.Fatalf("Persist failed: %v %+v", err, res)
	}
	m.NotePersisted()
}

func TestStateTransitions(t *testing.T) {
	m, d := newTestManager(t, Config{})

	if got := m.State(); got != StateNoDatabase {
		t.Fatalf("initial state = %v", got)
	}

	if _, err := m.Create("My Work Passwords", "s3cret-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := m.State(); got != StateUnlocked {
		t.Fatalf("state after create = %v", got)
	}

	// A second create is rejected.
	if _, err := m.Create("Another", "x"); !errors.Is(err, ErrDatabaseExists) {
		t.Errorf("expected ErrDatabaseExists, got %v", err)
	}

	persistCurrent(t, m, d)

	m.Lock()
	if got := m.State(); got != StateLocked {
		t.Fatalf("state after lock = %v", got)
	}

	if _, err := m.Unlock("s3cret-pass"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if got := m.State(); got != StateUnlocked {
		t.Fatalf("state after unlock = %v", got)
	}

	m.Delete()
	if got := m.State(); got != StateNoDatabase {
		t.Fatalf("state after delete = %v", got)
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	m, d := newTestManager(t, Config{})
	if _, err := m.Create("V", "right"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	persistCurrent(t, m, d)
	m.Lock()

	_, err := m.Unlock("wrong")
	if !errors.Is(err, kdbx.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if m.State() != StateLocked {
		t.Error("state must stay locked after a failed unlock")
	}
}

func TestUnlockWithoutDatabase(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if _, err := m.Unlock("whatever"); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}
}

func TestImport(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	src := kdbx.Create("Imported Vault", "imp-pass")
	blob, err := src.Save(kdf.Fast())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	db, err := m.Import(blob, "imp-pass")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if db.Meta.Name != "Imported Vault" {
		t.Errorf("imported name = %q", db.Meta.Name)
	}
	if m.State() != StateUnlocked {
		t.Errorf("state after import = %v", m.State())
	}
}

func TestAutoUnlockAfterRestart(t *testing.T) {
	dir := t.TempDir()
	d := store.Open(dir)
	if _, err := d.Init(); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	defer d.Close()

	m1 := New(d, dir, kdf.Fast(), Config{}, logging.Nop())
	if err := m1.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if _, err := m1.Create("V", "s3cret-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	persistCurrent(t, m1, d)

	// Simulated host restart: a new manager over the same directory. The
	// token file survives because the process was not shut down cleanly.
	m2 := New(d, dir, kdf.Fast(), Config{}, logging.Nop())
	if err := m2.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if m2.State() != StateLocked {
		t.Fatalf("state before auto-unlock = %v", m2.State())
	}

	if !m2.TryAutoUnlock() {
		t.Fatal("TryAutoUnlock failed with a live token")
	}
	if m2.State() != StateUnlocked {
		t.Errorf("state after auto-unlock = %v", m2.State())
	}
}

func TestAutoUnlockExpiredToken(t *testing.T) {
	dir := t.TempDir()
	d := store.Open(dir)
	if _, err := d.Init(); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	defer d.Close()

	m1 := New(d, dir, kdf.Fast(), Config{TokenTTL: time.Millisecond}, logging.Nop())
	if err := m1.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if _, err := m1.Create("V", "s3cret-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	persistCurrent(t, m1, d)

	time.Sleep(10 * time.Millisecond)

	m2 := New(d, dir, kdf.Fast(), Config{}, logging.Nop())
	if err := m2.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if m2.TryAutoUnlock() {
		t.Fatal("expired token must not unlock")
	}
	if m2.State() != StateLocked {
		t.Errorf("state = %v, want locked", m2.State())
	}

	// The expired token was cleared for good (Startup discards it).
	if _, err := m2.tokens.load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("token should be cleared, got %v", err)
	}
}

func TestLockClearsToken(t *testing.T) {
	m, d := newTestManager(t, Config{})
	if _, err := m.Create("V", "s3cret-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	persistCurrent(t, m, d)
	m.Lock()

	if m.TryAutoUnlock() {
		t.Error("auto-unlock must fail after an explicit lock")
	}
}

func TestIdleAutoLock(t *testing.T) {
	m, d := newTestManager(t, Config{AutoLock: 30 * time.Millisecond})

	var fired atomic.Bool
	locked := make(chan struct{})
	m.SetAutoLockFunc(func() {
		// In the real keeper this re-enters the task loop; the test calls
		// Lock directly, which is safe because nothing else touches m.
		m.Lock()
		if fired.CompareAndSwap(false, true) {
			close(locked)
		}
	})

	if _, err := m.Create("V", "s3cret-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	persistCurrent(t, m, d)

	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}
	if m.State() != StateLocked {
		t.Errorf("state = %v, want locked after idle timeout", m.State())
	}
}

func TestTokenWrapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts := newTokenStore(dir+"/t.json", dir+"/w.json")

	tok, err := ts.issue("correct horse battery staple", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if tok.Token == "" || len(tok.Token) != 64 {
		t.Errorf("token format: %q", tok.Token)
	}

	loaded, err := ts.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got, err := ts.unwrap(loaded)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if got != "correct horse battery staple" {
		t.Errorf("unwrap = %q", got)
	}

	// A different token cannot unwrap the credential.
	other, err := ts.issue("other", time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	loaded.Token = other.Token
	if got, err := ts.unwrap(loaded); err == nil && got == "correct horse battery staple" {
		t.Error("foreign token unwrapped the credential")
	}

	ts.clear()
	if _, err := ts.load(); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken after clear, got %v", err)
	}
}

func TestExportFileName(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	if got := m.ExportFileName(now); got != "keepass-export-2026-08-06.kdbx" {
		t.Errorf("empty-state export name = %q", got)
	}

	if _, err := m.Create("My Work Passwords", "p"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := m.ExportFileName(now); got != "My Work Passwords-2026-08-06.kdbx" {
		t.Errorf("export name = %q", got)
	}
}

func TestClipboardClear(t *testing.T) {
	c := NewClipboard(20 * time.Millisecond)

	var last atomic.Value
	last.Store("")
	c.write = func(text string) error {
		last.Store(text)
		return nil
	}

	if err := c.Copy("secret"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if last.Load().(string) != "secret" {
		t.Fatalf("clipboard = %q", last.Load())
	}

	deadline := time.Now().Add(2 * time.Second)
	for last.Load().(string) != "" {
		if time.Now().After(deadline) {
			t.Fatal("clipboard was never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
