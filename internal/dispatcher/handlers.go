package dispatcher

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ilya37/kdbxkeeper/internal/session"

	"github.com/Ilya37/kdbxkeeper/pkg/backup"
	"github.com/Ilya37/kdbxkeeper/pkg/checksum"
	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
	"github.com/Ilya37/kdbxkeeper/pkg/password"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
	"github.com/Ilya37/kdbxkeeper/pkg/vault"
)

// codecError renders a codec failure for the wire.
func codecError(err error) Response {
	switch {
	case errors.Is(err, kdbx.ErrInvalidKey):
		return fail(msgWrongPassword)
	case errors.Is(err, kdbx.ErrCorrupt):
		return failf("Database is corrupt: %v", err)
	case errors.Is(err, kdbx.ErrUnsupported):
		return failf("Unsupported database format: %v", err)
	default:
		return fail(err.Error())
	}
}

func (k *Keeper) handleGetState() Response {
	state := k.session.State()
	meta, err := k.session.MetaSummary()
	if err != nil {
		k.log.Warn("meta summary failed", zap.Error(err))
	}
	data := map[string]any{"status": state.String()}
	if meta != nil {
		data["meta"] = meta
	}
	return ok(data)
}

type createDatabasePayload struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (k *Keeper) handleCreateDatabase(raw []byte) Response {
	p, err := decodePayload[createDatabasePayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	if p.Name == "" || p.Password == "" {
		return fail("name and password are required")
	}

	return k.journaled(ReqCreateDatabase, map[string]string{"name": p.Name}, store.ReasonEdit, func() (any, *kdbx.Database, error) {
		db, err := k.session.Create(p.Name, p.Password)
		if err != nil {
			return nil, nil, err
		}

		// A recovery code is minted once, at creation; only its hash is
		// stored.
		code, err := newRecoveryCode()
		if err != nil {
			return nil, nil, err
		}
		if err := k.store.SaveRecoveryCode(checksum.SHA256Hex([]byte(code))); err != nil {
			return nil, nil, err
		}

		data := map[string]any{
			"status":       session.StateUnlocked.String(),
			"meta":         map[string]any{"name": db.Meta.Name, "entryCount": 0},
			"recoveryCode": code,
		}
		return data, db, nil
	})
}

type importDatabasePayload struct {
	Data     string `json:"data"` // base64 KDBX bytes
	Password string `json:"password"`
}

func (k *Keeper) handleImportDatabase(raw []byte) Response {
	p, err := decodePayload[importDatabasePayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	blob, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fail("import data is not valid base64")
	}

	return k.journaled(ReqImportDatabase, nil, store.ReasonImport, func() (any, *kdbx.Database, error) {
		db, err := k.session.Import(blob, p.Password)
		if err != nil {
			return nil, nil, err
		}
		data := map[string]any{
			"status": session.StateUnlocked.String(),
			"meta":   map[string]any{"name": db.Meta.Name, "entryCount": db.EntryCount()},
		}
		return data, db, nil
	})
}

type unlockPayload struct {
	Password string `json:"password"`
}

func (k *Keeper) handleUnlock(raw []byte) Response {
	p, err := decodePayload[unlockPayload](raw)
	if err != nil {
		return fail(err.Error())
	}

	db, err := k.session.Unlock(p.Password)
	if err != nil {
		if errors.Is(err, session.ErrNoDatabase) {
			return fail(msgNoDatabase)
		}
		return codecError(err)
	}
	return ok(map[string]any{
		"status": session.StateUnlocked.String(),
		"meta":   map[string]any{"name": db.Meta.Name, "entryCount": db.EntryCount()},
	})
}

func (k *Keeper) handleLock() Response {
	k.session.Lock()
	return ok(map[string]any{"status": session.StateLocked.String()})
}

func (k *Keeper) handleGetEntries(db *kdbx.Database, raw []byte) Response {
	opts, err := decodePayload[vault.ListOptions](raw)
	if err != nil {
		return fail(err.Error())
	}
	entries := vault.ListEntries(db, opts)
	if entries == nil {
		entries = []vault.EntryView{}
	}
	return ok(map[string]any{"entries": entries})
}

type entryIDPayload struct {
	ID string `json:"id"`
}

func (k *Keeper) handleGetEntry(db *kdbx.Database, raw []byte) Response {
	p, err := decodePayload[entryIDPayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	view, err := vault.GetEntry(db, p.ID)
	if err != nil {
		return fail(msgEntryNotFound)
	}
	return ok(map[string]any{"entry": view})
}

func (k *Keeper) handleCreateEntry(db *kdbx.Database, raw []byte) Response {
	data, err := decodePayload[vault.EntryData](raw)
	if err != nil {
		return fail(err.Error())
	}
	return k.journaled(ReqCreateEntry, sanitizeEntryData(data), store.ReasonEdit, func() (any, *kdbx.Database, error) {
		view, err := vault.CreateEntry(db, data)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"entry": view}, nil, nil
	})
}

func (k *Keeper) handleUpdateEntry(db *kdbx.Database, raw []byte) Response {
	data, err := decodePayload[vault.EntryData](raw)
	if err != nil {
		return fail(err.Error())
	}
	return k.journaled(ReqUpdateEntry, sanitizeEntryData(data), store.ReasonEdit, func() (any, *kdbx.Database, error) {
		view, err := vault.UpdateEntry(db, data)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				return nil, nil, errNotFoundEntry
			}
			return nil, nil, err
		}
		return map[string]any{"entry": view}, nil, nil
	})
}

func (k *Keeper) handleDeleteEntry(db *kdbx.Database, raw []byte) Response {
	p, err := decodePayload[entryIDPayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	return k.journaled(ReqDeleteEntry, map[string]string{"id": p.ID}, store.ReasonEdit, func() (any, *kdbx.Database, error) {
		if !vault.DeleteEntry(db, p.ID) {
			return nil, nil, errNotFoundEntry
		}
		return map[string]any{"deleted": true}, nil, nil
	})
}

func (k *Keeper) handleGetGroups(db *kdbx.Database) Response {
	groups := vault.ListGroups(db)
	return ok(map[string]any{"groups": groups})
}

func (k *Keeper) handleGeneratePassword(raw []byte) Response {
	opts, err := decodePayload[password.Options](raw)
	if err != nil {
		return fail(err.Error())
	}
	if opts.Length == 0 {
		opts = password.DefaultOptions()
	}
	generated, err := password.Generate(opts)
	if err != nil {
		return fail(err.Error())
	}
	return ok(map[string]any{
		"password": generated,
		"strength": int(password.Estimate(generated)),
	})
}

type clipboardPayload struct {
	Text string `json:"text"`
}

func (k *Keeper) handleCopyToClipboard(raw []byte) Response {
	p, err := decodePayload[clipboardPayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	if err := k.clipboard.Copy(p.Text); err != nil {
		return fail(err.Error())
	}
	return ok(map[string]any{"copied": true})
}

func (k *Keeper) handleExportDatabase(db *kdbx.Database) Response {
	blob, err := db.Save(k.argon2)
	if err != nil {
		return codecError(err)
	}
	return ok(map[string]any{
		"filename": k.session.ExportFileName(time.Now()),
		"data":     base64.StdEncoding.EncodeToString(blob),
		"size":     len(blob),
	})
}

type downloadExportPayload struct {
	Directory string `json:"directory,omitempty"`
}

func (k *Keeper) handleDownloadExport(db *kdbx.Database, raw []byte) Response {
	p, err := decodePayload[downloadExportPayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	blob, err := db.Save(k.argon2)
	if err != nil {
		return codecError(err)
	}

	dir := p.Directory
	if dir == "" {
		dir = "."
	}
	name := k.session.ExportFileName(time.Now())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return failf("failed to write export: %v", err)
	}
	return ok(map[string]any{"filename": name, "path": path, "size": len(blob)})
}

type urlPayload struct {
	URL string `json:"url"`
}

func (k *Keeper) handleGetEntriesForURL(raw []byte) Response {
	p, err := decodePayload[urlPayload](raw)
	if err != nil {
		return fail(err.Error())
	}

	// Host-page queries never surface lock errors: a locked session that
	// cannot auto-unlock just sees no entries.
	db, dbErr := k.session.Database()
	if dbErr != nil {
		if !k.session.TryAutoUnlock() {
			return ok(map[string]any{"entries": []vault.EntryView{}})
		}
		db, dbErr = k.session.Database()
		if dbErr != nil {
			return ok(map[string]any{"entries": []vault.EntryView{}})
		}
	}

	entries := vault.EntriesForHost(db, p.URL)
	if entries == nil {
		entries = []vault.EntryView{}
	}
	k.session.Touch()
	return ok(map[string]any{"entries": entries})
}

func (k *Keeper) handleFillInTab(raw []byte) Response {
	p, err := decodePayload[urlPayload](raw)
	if err != nil {
		return fail(err.Error())
	}

	db, dbErr := k.session.Database()
	if dbErr != nil {
		if !k.session.TryAutoUnlock() {
			return ok(map[string]any{"entry": nil})
		}
		db, dbErr = k.session.Database()
		if dbErr != nil {
			return ok(map[string]any{"entry": nil})
		}
	}

	entries := vault.EntriesForHost(db, p.URL)
	if len(entries) == 0 {
		return ok(map[string]any{"entry": nil})
	}
	k.session.Touch()
	return ok(map[string]any{"entry": entries[0]})
}

type backupHistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

func (k *Keeper) handleGetBackupHistory(raw []byte) Response {
	p, err := decodePayload[backupHistoryPayload](raw)
	if err != nil {
		return fail(err.Error())
	}
	limit := p.Limit
	if limit <= 0 {
		limit = k.cfg.MaxSnapshots
	}
	history, err := k.backups.History(limit)
	if err != nil {
		return fail(err.Error())
	}
	if history == nil {
		history = []backup.HistoryItem{}
	}
	return ok(map[string]any{"backups": history})
}

type restorePayload struct {
	Timestamp int64  `json:"timestamp"`
	Password  string `json:"password"`
}

func (k *Keeper) handleRestoreFromBackup(raw []byte) Response {
	p, err := decodePayload[restorePayload](raw)
	if err != nil {
		return fail(err.Error())
	}

	opID, jerr := k.journal.Begin(ReqRestoreFromBackup, map[string]int64{"timestamp": p.Timestamp}, k.lastChecksum)
	if jerr != nil {
		k.log.Warn("journal begin failed", zap.Error(jerr))
	}

	db, res, err := k.backups.Restore(p.Timestamp, p.Password, k.argon2)
	if err != nil {
		k.rollbackJournal(opID, err)
		if errors.Is(err, backup.ErrSnapshotNotFound) {
			return fail("Backup not found")
		}
		return codecError(err)
	}

	k.session.Replace(db, p.Password)
	k.session.NotePersisted()
	k.lastChecksum = res.Checksum
	k.completeJournal(opID, res.Checksum)
	k.session.Touch()

	return ok(map[string]any{
		"status": session.StateUnlocked.String(),
		"meta":   map[string]any{"name": db.Meta.Name, "entryCount": db.EntryCount()},
	})
}

func (k *Keeper) handleGetStorageHealth() Response {
	health, err := k.store.Health()
	if err != nil {
		return fail(err.Error())
	}
	return ok(map[string]any{"health": health})
}

func (k *Keeper) handleGetRecoveryStatus() Response {
	status, err := k.store.Recovery()
	if err != nil {
		return fail(err.Error())
	}
	return ok(map[string]any{"recovery": status})
}

func (k *Keeper) handleDeleteDatabase() Response {
	// Wiping empties every object store, the journal included, so there is
	// nothing durable left to bracket.
	k.session.Delete()
	if err := k.store.Wipe(); err != nil {
		return fail(err.Error())
	}
	k.lastChecksum = ""
	return ok(map[string]any{"status": session.StateNoDatabase.String()})
}

func (k *Keeper) handleHourlySnapshot() Response {
	res, err := k.store.Load()
	if err != nil || res == nil {
		k.backups.Rearm()
		return ok(nil)
	}
	snap, err := k.backups.Take(res.Blob, res.Metadata, res.Version, backup.ReasonHourly)
	if err != nil {
		k.log.Warn("hourly snapshot failed", zap.Error(err))
		k.backups.Rearm()
		return fail(err.Error())
	}
	k.log.Info("hourly snapshot stored", zap.Int64("timestamp", snap.Timestamp))
	return ok(nil)
}

// errNotFoundEntry routes vault misses to the entry-not-found message.
var errNotFoundEntry = errors.New(msgEntryNotFound)

// journaled brackets a mutation: begin, run the body, serialize, persist
// with read-back verification (retried once), and terminate the journal
// record. The body may return a database to adopt (create/import); nil
// means the session's current database.
func (k *Keeper) journaled(opType string, payload any, reason string, body func() (any, *kdbx.Database, error)) Response {
	opID, err := k.journal.Begin(opType, payload, k.lastChecksum)
	if err != nil {
		k.log.Warn("journal begin failed", zap.Error(err))
	}

	data, adopted, err := body()
	if err != nil {
		k.rollbackJournal(opID, err)
		if errors.Is(err, session.ErrDatabaseExists) {
			return fail(msgDatabaseExists)
		}
		if errors.Is(err, errNotFoundEntry) {
			return fail(msgEntryNotFound)
		}
		if errors.Is(err, kdbx.ErrInvalidKey) || errors.Is(err, kdbx.ErrCorrupt) || errors.Is(err, kdbx.ErrUnsupported) {
			return codecError(err)
		}
		return fail(err.Error())
	}

	db := adopted
	if db == nil {
		if db, err = k.session.Database(); err != nil {
			k.rollbackJournal(opID, err)
			return fail(ErrNotUnlockedSentinel)
		}
	}

	blob, err := db.Save(k.argon2)
	if err != nil {
		k.revertMutation(opID, err)
		return codecError(err)
	}
	newChecksum := checksum.SHA256Hex(blob)
	if err := k.journal.RecordIntent(opID, newChecksum); err != nil {
		k.log.Warn("journal intent failed", zap.Error(err))
	}

	meta := store.Metadata{
		Name:         db.Meta.Name,
		LastModified: db.Meta.LastModified.Format(time.RFC3339),
		EntryCount:   db.EntryCount(),
	}

	res, err := k.store.Persist(blob, meta, reason)
	if err == nil && !res.ChecksumMatch {
		// Read-back verification failed; retry once in the same handler.
		k.log.Warn("read-back mismatch, retrying persist", zap.Strings("warnings", res.Warnings))
		res, err = k.store.Persist(blob, meta, reason)
	}
	if err != nil || !res.Success() || !res.ChecksumMatch {
		cause := fmt.Sprintf("storage sync failed: %v", err)
		if err == nil {
			cause = "storage sync failed: " + strings.Join(res.Warnings, "; ")
			_ = k.store.MarkIntegrity(store.IntegrityDegraded)
		}
		k.revertMutation(opID, errors.New(cause))
		return fail(cause)
	}

	k.completeJournal(opID, newChecksum)
	k.lastChecksum = newChecksum
	k.session.NotePersisted()
	k.session.Touch()

	// Snapshot policy: every tenth edit persist forces a snapshot.
	if reason == store.ReasonEdit && k.backups.NoteEdit() {
		if _, err := k.backups.Take(blob, meta, res.Version, backup.ReasonEditThreshold); err != nil {
			k.log.Warn("edit-threshold snapshot failed", zap.Error(err))
		}
	}
	if err := k.journal.Prune(); err != nil {
		k.log.Warn("journal prune failed", zap.Error(err))
	}

	return ok(data)
}

// revertMutation rolls the journal back and restores the in-memory vault
// from the last persisted blob, so a failed write leaves no half-applied
// state visible.
func (k *Keeper) revertMutation(opID string, cause error) {
	k.rollbackJournal(opID, cause)

	passphrase, err := k.session.Passphrase()
	if err != nil {
		return
	}
	res, err := k.store.Load()
	if err != nil || res == nil {
		// Nothing durable to return to (fresh create); drop the session
		// back to no_database.
		k.session.Delete()
		return
	}
	db, err := kdbx.Load(res.Blob, passphrase, k.argon2)
	if err != nil {
		k.log.Error("failed to reload persisted database after rollback", zap.Error(err))
		k.session.Lock()
		return
	}
	k.session.Replace(db, "")
}

func (k *Keeper) rollbackJournal(opID string, cause error) {
	if opID == "" {
		return
	}
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	if err := k.journal.Rollback(opID, msg); err != nil {
		k.log.Warn("journal rollback failed", zap.Error(err))
	}
}

func (k *Keeper) completeJournal(opID, resultChecksum string) {
	if opID == "" {
		return
	}
	if err := k.journal.Complete(opID, resultChecksum); err != nil {
		k.log.Warn("journal complete failed", zap.Error(err))
	}
}

// sanitizeEntryData strips secret material out of journal payloads.
func sanitizeEntryData(data vault.EntryData) map[string]any {
	out := map[string]any{"id": data.ID, "groupId": data.GroupID}
	if data.Title != nil {
		out["title"] = *data.Title
	}
	if data.Password != nil {
		out["password"] = "********"
	}
	return out
}

// newRecoveryCode formats sixteen random characters as XXXX-XXXX-XXXX-XXXX,
// drawn uniformly from an alphabet without ambiguous glyphs.
func newRecoveryCode() (string, error) {
	const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	size := big.NewInt(int64(len(alphabet)))

	var b strings.Builder
	for i := 0; i < 16; i++ {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to draw recovery code: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
