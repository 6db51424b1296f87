package vault

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
)

// ListOptions narrows ListEntries. Zero value lists everything outside the
// recycle bin.
type ListOptions struct {
	GroupID string `json:"groupId,omitempty"`
	Search  string `json:"search,omitempty"`
}

// ListEntries traverses the tree depth-first and returns matching entries.
// Entries under the recycle bin are always excluded.
func ListEntries(db *kdbx.Database, opts ListOptions) []EntryView {
	startID := db.RootID
	if opts.GroupID != "" {
		if db.Group(opts.GroupID) == nil {
			return nil
		}
		startID = opts.GroupID
	}

	// cases.Caser carries internal state, so each traversal gets its own.
	caser := cases.Fold()
	needle := ""
	if opts.Search != "" {
		needle = caser.String(opts.Search)
	}

	var out []EntryView
	walkGroups(db, startID, func(g *kdbx.Group) bool {
		if g.ID == db.Meta.RecycleBinUUID {
			return false
		}
		for _, entryID := range g.EntryIDs {
			e := db.Entry(entryID)
			if e == nil {
				continue
			}
			if needle == "" || entryMatches(e, caser, needle) {
				out = append(out, viewOf(e))
			}
		}
		return true
	})
	return out
}

// walkGroups visits the subtree rooted at id in depth-first document order.
// Returning false from visit prunes the subtree.
func walkGroups(db *kdbx.Database, id string, visit func(*kdbx.Group) bool) {
	g := db.Group(id)
	if g == nil {
		return
	}
	if !visit(g) {
		return
	}
	for _, childID := range g.GroupIDs {
		walkGroups(db, childID, visit)
	}
}

// entryMatches checks the case-folded needle against title, username, URL,
// notes, and every tag.
func entryMatches(e *kdbx.Entry, caser cases.Caser, needle string) bool {
	for _, field := range []string{kdbx.FieldTitle, kdbx.FieldUserName, kdbx.FieldURL, kdbx.FieldNotes} {
		if strings.Contains(caser.String(e.GetField(field)), needle) {
			return true
		}
	}
	for _, tag := range e.Tags {
		if strings.Contains(caser.String(tag), needle) {
			return true
		}
	}
	return false
}

// GetEntry returns the entry view for id, or ErrNotFound.
func GetEntry(db *kdbx.Database, id string) (*EntryView, error) {
	e := db.Entry(id)
	if e == nil {
		return nil, ErrNotFound
	}
	v := viewOf(e)
	return &v, nil
}

// CreateEntry assigns a fresh UUID, appends the entry to the designated
// group (the default group when absent), and stamps both timestamps.
func CreateEntry(db *kdbx.Database, data EntryData) (*EntryView, error) {
	groupID := data.GroupID
	if groupID == "" {
		groupID = db.RootID
	}
	g := db.Group(groupID)
	if g == nil {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	e := &kdbx.Entry{
		ID:      uuid.New().String(),
		GroupID: groupID,
		Tags:    append([]string(nil), data.Tags...),
		Times:   kdbx.Times{CreationTime: now, LastModTime: now},
	}
	applyFields(e, data)

	db.Entries[e.ID] = e
	g.EntryIDs = append(g.EntryIDs, e.ID)
	touch(db)

	v := viewOf(e)
	return &v, nil
}

// UpdateEntry pushes the current state to history, overwrites the provided
// fields, and bumps the modification time.
func UpdateEntry(db *kdbx.Database, data EntryData) (*EntryView, error) {
	e := db.Entry(data.ID)
	if e == nil {
		return nil, ErrNotFound
	}

	e.PushHistory()
	applyFields(e, data)
	if data.Tags != nil {
		e.Tags = append([]string(nil), data.Tags...)
	}
	e.Times.LastModTime = time.Now().UTC()
	touch(db)

	v := viewOf(e)
	return &v, nil
}

// DeleteEntry moves the entry to the recycle bin when the bin is enabled,
// and erases permanently when the bin is disabled or the entry already
// lives inside it. Returns false when the entry does not exist.
func DeleteEntry(db *kdbx.Database, id string) bool {
	e := db.Entry(id)
	if e == nil {
		return false
	}

	if db.Meta.RecycleBinEnabled && !inRecycleBin(db, e.GroupID) {
		bin := ensureRecycleBin(db)
		removeEntryID(db.Group(e.GroupID), id)
		e.GroupID = bin.ID
		bin.EntryIDs = append(bin.EntryIDs, id)
		e.Times.LastModTime = time.Now().UTC()
	} else {
		removeEntryID(db.Group(e.GroupID), id)
		e.Wipe()
		delete(db.Entries, id)
	}
	touch(db)
	return true
}

func removeEntryID(g *kdbx.Group, id string) {
	if g == nil {
		return
	}
	for i, entryID := range g.EntryIDs {
		if entryID == id {
			g.EntryIDs = append(g.EntryIDs[:i], g.EntryIDs[i+1:]...)
			return
		}
	}
}

// applyFields writes provided fields onto the entry. Password is always
// stored as a protected value.
func applyFields(e *kdbx.Entry, data EntryData) {
	if data.Title != nil {
		e.SetField(kdbx.FieldTitle, *data.Title)
	}
	if data.UserName != nil {
		e.SetField(kdbx.FieldUserName, *data.UserName)
	}
	if data.Password != nil {
		e.SetProtectedField(kdbx.FieldPassword, *data.Password)
	}
	if data.URL != nil {
		e.SetField(kdbx.FieldURL, *data.URL)
	}
	if data.Notes != nil {
		e.SetField(kdbx.FieldNotes, *data.Notes)
	}
}
