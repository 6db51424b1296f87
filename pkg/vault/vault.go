// Package vault implements group and entry operations over the decrypted
// in-memory database. All tree navigation goes through the kdbx arena; the
// package never holds node pointers across calls.
package vault

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
)

var (
	// ErrNotFound indicates the referenced entry or group does not exist.
	ErrNotFound = errors.New("vault: not found")
)

// RecycleBinName is the display name given to a recycle bin created on the
// first deletion.
const RecycleBinName = "Recycle Bin"

// EntryView is the read-only projection handed across the trust boundary
// once the session is unlocked. Field values are cleartext strings.
type EntryView struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"groupId"`
	Title     string            `json:"title"`
	UserName  string            `json:"username"`
	Password  string            `json:"password"`
	URL       string            `json:"url"`
	Notes     string            `json:"notes"`
	Custom    map[string]string `json:"custom,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Created   time.Time         `json:"createdAt"`
	Modified  time.Time         `json:"modifiedAt"`
	Revisions int               `json:"revisions"`
}

// GroupView is the read-only projection of one tree node.
type GroupView struct {
	ID         string `json:"id"`
	ParentID   string `json:"parentId,omitempty"`
	Name       string `json:"name"`
	IconID     int    `json:"iconId"`
	EntryCount int    `json:"entryCount"`
}

// EntryData carries create/update input. Nil field pointers mean "leave the
// stored value alone"; UpdateEntry only overwrites what the caller provided.
type EntryData struct {
	ID       string   `json:"id,omitempty"`
	GroupID  string   `json:"groupId,omitempty"`
	Title    *string  `json:"title,omitempty"`
	UserName *string  `json:"username,omitempty"`
	Password *string  `json:"password,omitempty"`
	URL      *string  `json:"url,omitempty"`
	Notes    *string  `json:"notes,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func viewOf(e *kdbx.Entry) EntryView {
	v := EntryView{
		ID:        e.ID,
		GroupID:   e.GroupID,
		Title:     e.GetField(kdbx.FieldTitle),
		UserName:  e.GetField(kdbx.FieldUserName),
		Password:  e.GetField(kdbx.FieldPassword),
		URL:       e.GetField(kdbx.FieldURL),
		Notes:     e.GetField(kdbx.FieldNotes),
		Tags:      append([]string(nil), e.Tags...),
		Created:   e.Times.CreationTime,
		Modified:  e.Times.LastModTime,
		Revisions: len(e.History),
	}
	for name, val := range e.Fields {
		switch name {
		case kdbx.FieldTitle, kdbx.FieldUserName, kdbx.FieldPassword, kdbx.FieldURL, kdbx.FieldNotes:
		default:
			if v.Custom == nil {
				v.Custom = make(map[string]string)
			}
			v.Custom[name] = val.Reveal()
		}
	}
	return v
}

// inRecycleBin reports whether the group's ancestor chain crosses the
// recycle bin.
func inRecycleBin(db *kdbx.Database, groupID string) bool {
	binID := db.Meta.RecycleBinUUID
	if binID == "" {
		return false
	}
	for id := groupID; id != ""; {
		if id == binID {
			return true
		}
		g := db.Group(id)
		if g == nil {
			return false
		}
		id = g.ParentID
	}
	return false
}

// ensureRecycleBin returns the recycle bin group, creating it under the root
// on first use.
func ensureRecycleBin(db *kdbx.Database) *kdbx.Group {
	if db.Meta.RecycleBinUUID != "" {
		if g := db.Group(db.Meta.RecycleBinUUID); g != nil {
			return g
		}
	}
	bin := &kdbx.Group{
		ID:       uuid.New().String(),
		ParentID: db.RootID,
		Name:     RecycleBinName,
		IconID:   43,
	}
	db.Groups[bin.ID] = bin
	root := db.Root()
	root.GroupIDs = append(root.GroupIDs, bin.ID)
	db.Meta.RecycleBinUUID = bin.ID
	return bin
}

// touch advances the database modification timestamp.
func touch(db *kdbx.Database) {
	db.Meta.LastModified = time.Now().UTC()
}
