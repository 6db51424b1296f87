package kdbx

import (
	"time"

	"github.com/google/uuid"
)

// Standard entry field names. Any other key is a free-form custom field.
const (
	FieldTitle    = "Title"
	FieldUserName = "UserName"
	FieldPassword = "Password"
	FieldURL      = "URL"
	FieldNotes    = "Notes"
)

// MaxHistoryLength bounds the per-entry history list.
const MaxHistoryLength = 10

// Generator is the product name written into database metadata.
const Generator = "kdbxkeeper"

// Value is one entry field: cleartext text or a protected value. Protected
// wins when both are set.
type Value struct {
	Text      string
	Protected *ProtectedValue
}

// IsProtected reports whether the value is masked in memory.
func (v Value) IsProtected() bool {
	return v.Protected != nil
}

// Reveal returns the cleartext regardless of protection.
func (v Value) Reveal() string {
	if v.Protected != nil {
		return v.Protected.Reveal()
	}
	return v.Text
}

// Times carries the entry timestamps the keeper tracks.
type Times struct {
	CreationTime time.Time
	LastModTime  time.Time
}

// Entry is a credential record. Parent linkage is by group id through the
// database arena; entries never hold pointers into the tree.
type Entry struct {
	ID      string
	GroupID string
	Fields  map[string]Value
	Tags    []string
	Times   Times
	History []*Entry
}

// GetField returns the cleartext of the named field, or "" when absent.
func (e *Entry) GetField(name string) string {
	v, ok := e.Fields[name]
	if !ok {
		return ""
	}
	return v.Reveal()
}

// SetField stores a cleartext field value.
func (e *Entry) SetField(name, value string) {
	if e.Fields == nil {
		e.Fields = make(map[string]Value)
	}
	e.Fields[name] = Value{Text: value}
}

// SetProtectedField wraps cleartext in a protected value before storage.
func (e *Entry) SetProtectedField(name, cleartext string) {
	if e.Fields == nil {
		e.Fields = make(map[string]Value)
	}
	e.Fields[name] = Value{Protected: NewProtectedValue(cleartext)}
}

// Snapshot returns a deep copy of the entry without its history.
func (e *Entry) Snapshot() *Entry {
	c := &Entry{
		ID:      e.ID,
		GroupID: e.GroupID,
		Fields:  make(map[string]Value, len(e.Fields)),
		Tags:    append([]string(nil), e.Tags...),
		Times:   e.Times,
	}
	for name, v := range e.Fields {
		if v.Protected != nil {
			c.Fields[name] = Value{Protected: v.Protected.Clone()}
		} else {
			c.Fields[name] = Value{Text: v.Text}
		}
	}
	return c
}

// PushHistory snapshots the entry before its fields are overwritten. The
// snapshot excludes prior history; the list is bounded by MaxHistoryLength,
// dropping oldest first.
func (e *Entry) PushHistory() {
	e.History = append(e.History, e.Snapshot())
	if len(e.History) > MaxHistoryLength {
		e.History = e.History[len(e.History)-MaxHistoryLength:]
	}
}

// Wipe destroys all protected material held by the entry and its history.
func (e *Entry) Wipe() {
	for _, v := range e.Fields {
		if v.Protected != nil {
			v.Protected.Wipe()
		}
	}
	for _, h := range e.History {
		h.Wipe()
	}
}

// Group is one node of the vault tree. Child order is preserved.
type Group struct {
	ID       string
	ParentID string
	Name     string
	IconID   int
	GroupIDs []string
	EntryIDs []string
}

// Meta is the database-level metadata block.
type Meta struct {
	Name              string
	LastModified      time.Time
	RecycleBinEnabled bool
	RecycleBinUUID    string
}

// Format is the cipher/KDF/compression configuration a save uses.
type Format struct {
	Cipher        Cipher
	Compressed    bool
	KDF           KDFParameters
	InnerStreamID uint32
}

// DefaultFormat returns the write-path defaults: ChaCha20 outer cipher,
// gzip compression, ChaCha20 inner stream, Argon2id.
func DefaultFormat() Format {
	return Format{
		Cipher:        CipherChaCha20,
		Compressed:    true,
		KDF:           DefaultKDFParameters(),
		InnerStreamID: innerStreamChaCha20,
	}
}

// Database is the decrypted in-memory vault. Groups and entries live in
// arena maps keyed by UUID; the tree is expressed through id lists, which
// keeps parent/child references acyclic.
type Database struct {
	Meta    Meta
	Format  Format
	RootID  string
	Groups  map[string]*Group
	Entries map[string]*Entry

	composite []byte
}

// Create constructs a fresh empty vault with default metadata, a generated
// root group, and credentials attached for the next Save.
func Create(name, passphrase string) *Database {
	root := &Group{ID: uuid.New().String(), Name: name}
	db := &Database{
		Meta: Meta{
			Name:              name,
			LastModified:      time.Now().UTC(),
			RecycleBinEnabled: true,
		},
		Format:  DefaultFormat(),
		RootID:  root.ID,
		Groups:  map[string]*Group{root.ID: root},
		Entries: map[string]*Entry{},
	}
	db.SetCredentials(passphrase)
	return db
}

// SetCredentials replaces the composite key used by Save.
func (db *Database) SetCredentials(passphrase string) {
	db.WipeCredentials()
	db.composite = compositeKey([]byte(passphrase))
}

// WipeCredentials destroys the composite key; Save fails until credentials
// are set again.
func (db *Database) WipeCredentials() {
	wipe(db.composite)
	db.composite = nil
}

// WipeSecrets destroys credentials and every protected value. Called on
// lock; the database must not be used afterwards.
func (db *Database) WipeSecrets() {
	db.WipeCredentials()
	for _, e := range db.Entries {
		e.Wipe()
	}
}

// Group returns the arena node for id, or nil.
func (db *Database) Group(id string) *Group {
	return db.Groups[id]
}

// Entry returns the arena node for id, or nil.
func (db *Database) Entry(id string) *Entry {
	return db.Entries[id]
}

// Root returns the default group.
func (db *Database) Root() *Group {
	return db.Groups[db.RootID]
}

// EntryCount returns the number of live entries, recycle bin included.
func (db *Database) EntryCount() int {
	return len(db.Entries)
}

// uuidToKDBX converts an arena uuid string to the 16 raw bytes the XML
// layer base64-encodes. A zero UUID is returned for unparseable input.
func uuidToKDBX(id string) []byte {
	u, err := uuid.Parse(id)
	if err != nil {
		return make([]byte, 16)
	}
	b := u[:]
	out := make([]byte, 16)
	copy(out, b)
	return out
}

// uuidFromKDBX converts 16 raw bytes to the arena uuid string. Invalid
// input maps to a fresh UUID so damaged files stay loadable.
func uuidFromKDBX(raw []byte) string {
	if len(raw) != 16 {
		return uuid.New().String()
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.New().String()
	}
	return u.String()
}
