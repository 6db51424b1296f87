// Package dispatcher is the keeper's sole ingress: a typed request/response
// surface routing messages to the session, vault, store, journal, and backup
// components over a single-threaded task loop.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ilya37/kdbxkeeper/internal/config"
	"github.com/Ilya37/kdbxkeeper/internal/session"
	"github.com/Ilya37/kdbxkeeper/pkg/backup"
	"github.com/Ilya37/kdbxkeeper/pkg/journal"
	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
)

// Request type names.
const (
	ReqGetState          = "GET_STATE"
	ReqCreateDatabase    = "CREATE_DATABASE"
	ReqImportDatabase    = "IMPORT_DATABASE"
	ReqUnlock            = "UNLOCK"
	ReqLock              = "LOCK"
	ReqGetEntries        = "GET_ENTRIES"
	ReqGetEntry          = "GET_ENTRY"
	ReqCreateEntry       = "CREATE_ENTRY"
	ReqUpdateEntry       = "UPDATE_ENTRY"
	ReqDeleteEntry       = "DELETE_ENTRY"
	ReqGetGroups         = "GET_GROUPS"
	ReqGeneratePassword  = "GENERATE_PASSWORD"
	ReqCopyToClipboard   = "COPY_TO_CLIPBOARD"
	ReqExportDatabase    = "EXPORT_DATABASE"
	ReqGetEntriesForURL  = "GET_ENTRIES_FOR_URL"
	ReqFillInTab         = "FILL_IN_TAB"
	ReqGetBackupHistory  = "GET_BACKUP_HISTORY"
	ReqRestoreFromBackup = "RESTORE_FROM_BACKUP"
	ReqGetStorageHealth  = "GET_STORAGE_HEALTH"
	ReqGetRecoveryStatus = "GET_RECOVERY_STATUS"
	ReqDeleteDatabase    = "DELETE_DATABASE"
	ReqDownloadExport    = "DOWNLOAD_EXPORT"

	// Internal loop events; never accepted from the wire.
	reqInternalAutoLock = "__AUTO_LOCK"
	reqInternalSnapshot = "__HOURLY_SNAPSHOT"
)

// ErrNotUnlockedSentinel is the wire error the UI redirects on.
const ErrNotUnlockedSentinel = "NOT_UNLOCKED"

// User-facing error strings.
const (
	msgWrongPassword  = "Wrong password. Try again."
	msgEntryNotFound  = "Entry not found"
	msgNoDatabase     = "No database found"
	msgDatabaseExists = "Database already exists"
)

// Request is the inbound message envelope.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the outbound envelope: data on success, a message otherwise.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(msg string) Response {
	return Response{Success: false, Error: msg}
}

func failf(format string, args ...any) Response {
	return fail(fmt.Sprintf(format, args...))
}

type task struct {
	req   Request
	reply chan Response
}

// Keeper owns every component and the task loop that serializes access to
// them.
type Keeper struct {
	cfg    config.Config
	log    *zap.Logger
	argon2 kdbx.Argon2Func

	store     *store.Dual
	journal   *journal.Journal
	backups   *backup.Scheduler
	session   *session.Manager
	clipboard *session.Clipboard

	// lastChecksum mirrors the digest of the most recent persisted blob for
	// journal begin records.
	lastChecksum string

	tasks   chan task
	started bool
}

// New wires the keeper's components. Nothing touches disk until Start.
func New(cfg config.Config, argon2 kdbx.Argon2Func, log *zap.Logger) *Keeper {
	d := store.Open(cfg.DataDir)
	d.SetMaxVersions(cfg.MaxVersions)
	k := &Keeper{
		cfg:    cfg,
		log:    log,
		argon2: argon2,
		store:  d,
		backups: backup.New(d, backup.Config{
			Interval:      cfg.SnapshotInterval,
			EditThreshold: cfg.EditThreshold,
			MaxSnapshots:  cfg.MaxSnapshots,
			MaxAge:        cfg.SnapshotMaxAge,
		}),
		clipboard: session.NewClipboard(cfg.ClipboardClear),
		tasks:     make(chan task, 64),
	}
	k.session = session.New(d, cfg.DataDir, argon2, session.Config{
		AutoLock: cfg.AutoLock,
		TokenTTL: cfg.UnlockTokenTTL,
	}, log)
	return k
}

// Start runs the storage-init barrier — store init, journal recovery,
// session startup, snapshot timer — and then launches the task loop. No
// request is handled before the barrier completes.
func (k *Keeper) Start(ctx context.Context) error {
	report, err := k.store.Init()
	if err != nil {
		return fmt.Errorf("dispatcher: storage init failed: %w", err)
	}
	k.log.Info("storage initialized",
		zap.String("dir", report.Dir),
		zap.Bool("hasDatabase", report.HasDatabase),
		zap.Int64("latestVersion", report.LatestVersion))

	k.journal = journal.New(k.store.DB(), k.cfg.JournalCap)

	// Resolve operations left incomplete by an unclean shutdown. Recovery
	// is acknowledged, never a startup blocker.
	current := ""
	if res, err := k.store.Load(); err == nil && res != nil {
		current = res.Checksum
	}
	k.lastChecksum = current
	if summary, err := k.journal.Recover(current); err != nil {
		k.log.Warn("journal recovery failed", zap.Error(err))
	} else if summary.Incomplete > 0 {
		k.log.Info("journal recovery",
			zap.Int("incomplete", summary.Incomplete),
			zap.Int("recovered", summary.Recovered),
			zap.Int("rolledBack", summary.RolledBack),
			zap.Int("failed", summary.Failed))
	}

	if err := k.session.Startup(); err != nil {
		return fmt.Errorf("dispatcher: session startup failed: %w", err)
	}
	k.session.SetAutoLockFunc(func() {
		k.enqueueInternal(reqInternalAutoLock)
	})

	if err := k.backups.Start(ctx, func() {
		k.enqueueInternal(reqInternalSnapshot)
	}); err != nil {
		return fmt.Errorf("dispatcher: snapshot scheduler failed: %w", err)
	}

	k.started = true
	go k.loop(ctx)
	return nil
}

// loop is the single task loop; it serializes every handler.
func (k *Keeper) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			k.shutdown()
			return
		case t := <-k.tasks:
			resp := k.handle(t.req)
			if t.reply != nil {
				t.reply <- resp
			}
		}
	}
}

func (k *Keeper) shutdown() {
	k.session.Lock()
	k.clipboard.Clear()
	if err := k.store.Close(); err != nil {
		k.log.Warn("store close failed", zap.Error(err))
	}
	k.log.Info("keeper stopped")
}

// Dispatch queues the request and waits for its response. An abandoning
// caller (context cancelled) gets an error envelope, but the keeper still
// completes the work; writes are never rolled back on caller disconnect.
func (k *Keeper) Dispatch(ctx context.Context, req Request) Response {
	if !k.started {
		return fail("keeper is not started")
	}
	reply := make(chan Response, 1)
	select {
	case k.tasks <- task{req: req, reply: reply}:
	case <-ctx.Done():
		return fail("request abandoned before dispatch")
	}
	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return fail("request abandoned")
	}
}

func (k *Keeper) enqueueInternal(reqType string) {
	select {
	case k.tasks <- task{req: Request{Type: reqType}}:
	default:
		// The loop is saturated; the event is re-fired shortly rather than
		// lost, since the auto-lock and snapshot timers are single-shot.
		k.log.Warn("internal event deferred", zap.String("type", reqType))
		time.AfterFunc(time.Second, func() { k.enqueueInternal(reqType) })
	}
}

// handle routes one request. Handler panics become error envelopes; the
// task loop never crashes.
func (k *Keeper) handle(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("handler panic", zap.String("type", req.Type), zap.Any("panic", r))
			resp = failf("internal error in %s", req.Type)
		}
	}()

	switch req.Type {
	case ReqGetState:
		return k.handleGetState()
	case ReqCreateDatabase:
		return k.handleCreateDatabase(req.Payload)
	case ReqImportDatabase:
		return k.handleImportDatabase(req.Payload)
	case ReqUnlock:
		return k.handleUnlock(req.Payload)
	case ReqLock:
		return k.handleLock()
	case ReqGetEntries:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleGetEntries(db, req.Payload) })
	case ReqGetEntry:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleGetEntry(db, req.Payload) })
	case ReqCreateEntry:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleCreateEntry(db, req.Payload) })
	case ReqUpdateEntry:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleUpdateEntry(db, req.Payload) })
	case ReqDeleteEntry:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleDeleteEntry(db, req.Payload) })
	case ReqGetGroups:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleGetGroups(db) })
	case ReqGeneratePassword:
		return k.handleGeneratePassword(req.Payload)
	case ReqCopyToClipboard:
		return k.handleCopyToClipboard(req.Payload)
	case ReqExportDatabase:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleExportDatabase(db) })
	case ReqDownloadExport:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleDownloadExport(db, req.Payload) })
	case ReqGetEntriesForURL:
		return k.handleGetEntriesForURL(req.Payload)
	case ReqFillInTab:
		return k.handleFillInTab(req.Payload)
	case ReqGetBackupHistory:
		return k.guarded(func(db *kdbx.Database) Response { return k.handleGetBackupHistory(req.Payload) })
	case ReqRestoreFromBackup:
		return k.handleRestoreFromBackup(req.Payload)
	case ReqGetStorageHealth:
		return k.handleGetStorageHealth()
	case ReqGetRecoveryStatus:
		return k.handleGetRecoveryStatus()
	case ReqDeleteDatabase:
		return k.handleDeleteDatabase()
	case reqInternalAutoLock:
		k.log.Info("idle timeout: locking session")
		k.session.Lock()
		return ok(nil)
	case reqInternalSnapshot:
		return k.handleHourlySnapshot()
	default:
		return failf("unknown request type %q", req.Type)
	}
}

// guarded runs fn only when the session is unlocked, attempting a
// transparent auto-unlock first. Locked callers get the sentinel.
func (k *Keeper) guarded(fn func(db *kdbx.Database) Response) Response {
	db, err := k.session.Database()
	if err != nil {
		if !k.session.TryAutoUnlock() {
			return fail(ErrNotUnlockedSentinel)
		}
		db, err = k.session.Database()
		if err != nil {
			return fail(ErrNotUnlockedSentinel)
		}
	}
	resp := fn(db)
	if resp.Success {
		k.session.Touch()
	}
	return resp
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("bad payload: %w", err)
	}
	return v, nil
}
