// Package session owns the keeper's state machine: no_database, locked, and
// unlocked, with idle-driven auto-lock, clipboard clearing, and transparent
// re-unlock after a host restart.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
)

// State is the session's current position in the machine.
type State int

const (
	StateNoDatabase State = iota
	StateLocked
	StateUnlocked
)

// String returns the wire name for the state.
func (s State) String() string {
	switch s {
	case StateNoDatabase:
		return "no_database"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

var (
	// ErrNotUnlocked indicates an operation that needs the decrypted vault
	// ran while locked.
	ErrNotUnlocked = errors.New("session: not unlocked")

	// ErrNoDatabase indicates no persisted database exists.
	ErrNoDatabase = errors.New("session: no database")

	// ErrDatabaseExists indicates create/import over an existing database.
	ErrDatabaseExists = errors.New("session: database already exists")
)

// Config carries the session knobs.
type Config struct {
	AutoLock time.Duration
	TokenTTL time.Duration
}

// Manager drives the state machine. All methods run on the keeper's single
// task loop; the idle timer fires on its own goroutine and must be routed
// back through SetAutoLockFunc.
type Manager struct {
	store  *store.Dual
	tokens *tokenStore
	argon2 kdbx.Argon2Func
	cfg    Config
	log    *zap.Logger

	db         *kdbx.Database
	passphrase string

	idleTimer  *time.Timer
	onAutoLock func()

	// hasBlob caches whether a persisted database exists, refreshed on
	// every transition that could change it.
	hasBlob bool
}

// New builds a session manager over the dual store. dir holds the token
// runtime files.
func New(d *store.Dual, dir string, argon2 kdbx.Argon2Func, cfg Config, log *zap.Logger) *Manager {
	if cfg.AutoLock <= 0 {
		cfg.AutoLock = 15 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Manager{
		store:  d,
		tokens: newTokenStore(filepath.Join(dir, "session.token"), filepath.Join(dir, "session.cred")),
		argon2: argon2,
		cfg:    cfg,
		log:    log,
	}
}

// SetAutoLockFunc installs the callback the idle timer invokes. The caller
// must re-enter the task loop before touching the manager.
func (m *Manager) SetAutoLockFunc(fn func()) {
	m.onAutoLock = fn
}

// Startup refreshes the persisted-blob cache and resolves a stale idle
// deadline left over from before the restart.
func (m *Manager) Startup() error {
	res, err := m.store.Load()
	if err != nil {
		return err
	}
	m.hasBlob = res != nil

	tok, err := m.tokens.load()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			m.log.Warn("discarding unreadable unlock token", zap.Error(err))
			m.tokens.clear()
		}
		return nil
	}

	now := time.Now()
	if now.After(tok.ExpiresAt) || now.Sub(tok.LastActivity) >= m.cfg.AutoLock {
		// The idle deadline or the token TTL elapsed while the host was
		// down; honoring it means staying locked.
		m.log.Info("unlock token expired across restart")
		m.tokens.clear()
	}
	return nil
}

// State reports the current machine state.
func (m *Manager) State() State {
	if m.db != nil {
		return StateUnlocked
	}
	if m.hasBlob {
		return StateLocked
	}
	return StateNoDatabase
}

// Database returns the decrypted vault; ErrNotUnlocked otherwise.
func (m *Manager) Database() (*kdbx.Database, error) {
	if m.db == nil {
		return nil, ErrNotUnlocked
	}
	return m.db, nil
}

// Passphrase returns the session passphrase held while unlocked.
func (m *Manager) Passphrase() (string, error) {
	if m.db == nil {
		return "", ErrNotUnlocked
	}
	return m.passphrase, nil
}

// Create transitions no_database -> unlocked with a fresh vault. The caller
// persists the first blob.
func (m *Manager) Create(name, passphrase string) (*kdbx.Database, error) {
	if m.State() != StateNoDatabase {
		return nil, ErrDatabaseExists
	}
	db := kdbx.Create(name, passphrase)
	m.adopt(db, passphrase)
	return db, nil
}

// Import transitions no_database -> unlocked from raw KDBX bytes.
func (m *Manager) Import(blob []byte, passphrase string) (*kdbx.Database, error) {
	if m.State() != StateNoDatabase {
		return nil, ErrDatabaseExists
	}
	db, err := kdbx.Load(blob, passphrase, m.argon2)
	if err != nil {
		return nil, err
	}
	m.adopt(db, passphrase)
	return db, nil
}

// Unlock transitions locked -> unlocked. Codec errors pass through so the
// dispatcher can tell a wrong key from corruption.
func (m *Manager) Unlock(passphrase string) (*kdbx.Database, error) {
	if m.db != nil {
		return m.db, nil
	}
	res, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if res == nil {
		m.hasBlob = false
		return nil, ErrNoDatabase
	}
	m.hasBlob = true

	db, err := kdbx.Load(res.Blob, passphrase, m.argon2)
	if err != nil {
		return nil, err
	}
	m.adopt(db, passphrase)
	return db, nil
}

// TryAutoUnlock attempts a transparent unlock with the stored token. It
// returns false, without error, whenever that is not possible; a failed
// attempt clears the token.
func (m *Manager) TryAutoUnlock() bool {
	if m.db != nil {
		return true
	}

	tok, err := m.tokens.load()
	if err != nil {
		return false
	}
	now := time.Now()
	if now.After(tok.ExpiresAt) || now.Sub(tok.LastActivity) >= m.cfg.AutoLock {
		m.tokens.clear()
		return false
	}

	passphrase, err := m.tokens.unwrap(tok)
	if err != nil {
		m.log.Warn("unlock token unwrap failed", zap.Error(err))
		m.tokens.clear()
		return false
	}

	if _, err := m.Unlock(passphrase); err != nil {
		m.log.Warn("auto-unlock rejected", zap.Error(err))
		m.tokens.clear()
		return false
	}
	m.log.Info("session auto-unlocked after restart")
	return true
}

// Lock transitions unlocked -> locked: the decrypted vault, the session
// passphrase, and the unlock token are all destroyed.
func (m *Manager) Lock() {
	m.stopIdleTimer()
	if m.db != nil {
		m.db.WipeSecrets()
		m.db = nil
	}
	m.passphrase = ""
	m.tokens.clear()
}

// Delete transitions any state -> no_database. The caller wipes the stores.
func (m *Manager) Delete() {
	m.Lock()
	m.hasBlob = false
}

// Replace swaps the decrypted database (and, when non-empty, the session
// passphrase) and re-arms the idle timer, without touching the unlock
// token. Used when a
// failed mutation reverts to the last persisted blob and when a backup
// restore adopts its result.
func (m *Manager) Replace(db *kdbx.Database, passphrase string) {
	if m.db != nil && m.db != db {
		m.db.WipeSecrets()
	}
	m.db = db
	if passphrase != "" {
		m.passphrase = passphrase
	}
	m.armIdleTimer(m.cfg.AutoLock)
}

// NotePersisted records that a durable blob now exists.
func (m *Manager) NotePersisted() {
	m.hasBlob = true
}

// Touch re-arms the idle timer and refreshes the persisted activity mark;
// called on every successful data operation.
func (m *Manager) Touch() {
	if m.db == nil {
		return
	}
	m.armIdleTimer(m.cfg.AutoLock)

	if tok, err := m.tokens.load(); err == nil {
		tok.LastActivity = time.Now().UTC()
		if err := m.tokens.save(tok); err != nil {
			m.log.Warn("failed to refresh unlock token activity", zap.Error(err))
		}
	}
}

// adopt installs a decrypted database, issues a fresh unlock token, and
// starts the idle clock.
func (m *Manager) adopt(db *kdbx.Database, passphrase string) {
	m.db = db
	m.passphrase = passphrase

	if _, err := m.tokens.issue(passphrase, m.cfg.TokenTTL); err != nil {
		// Auto-unlock is a convenience; the session works without it.
		m.log.Warn("failed to issue unlock token", zap.Error(err))
	}
	m.armIdleTimer(m.cfg.AutoLock)
}

func (m *Manager) armIdleTimer(d time.Duration) {
	m.stopIdleTimer()
	if m.onAutoLock == nil {
		return
	}
	m.idleTimer = time.AfterFunc(d, m.onAutoLock)
}

func (m *Manager) stopIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

// MetaSummary renders the GET_STATE metadata for the current state.
func (m *Manager) MetaSummary() (map[string]any, error) {
	switch m.State() {
	case StateUnlocked:
		return map[string]any{
			"name":       m.db.Meta.Name,
			"entryCount": m.db.EntryCount(),
		}, nil
	case StateLocked:
		res, err := m.store.Load()
		if err != nil || res == nil {
			return nil, err
		}
		return map[string]any{
			"name":       res.Metadata.Name,
			"entryCount": res.Metadata.EntryCount,
		}, nil
	default:
		return nil, nil
	}
}

// ExportFileName renders the export naming rule for the current database.
func (m *Manager) ExportFileName(now time.Time) string {
	name := ""
	if m.db != nil {
		name = m.db.Meta.Name
	} else if res, err := m.store.Load(); err == nil && res != nil {
		name = res.Metadata.Name
	}
	date := now.Format("2006-01-02")
	if name == "" {
		return fmt.Sprintf("keepass-export-%s.kdbx", date)
	}
	return fmt.Sprintf("%s-%s.kdbx", name, date)
}
