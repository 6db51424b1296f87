package vault

import (
	"github.com/google/uuid"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
)

// ListGroups returns every group outside the recycle bin in depth-first
// order, starting with the root.
func ListGroups(db *kdbx.Database) []GroupView {
	var out []GroupView
	walkGroups(db, db.RootID, func(g *kdbx.Group) bool {
		if g.ID == db.Meta.RecycleBinUUID {
			return false
		}
		out = append(out, GroupView{
			ID:         g.ID,
			ParentID:   g.ParentID,
			Name:       g.Name,
			IconID:     g.IconID,
			EntryCount: len(g.EntryIDs),
		})
		return true
	})
	return out
}

// CreateGroup appends a named child group. Parent defaults to the root.
func CreateGroup(db *kdbx.Database, parentID, name string) (*GroupView, error) {
	if parentID == "" {
		parentID = db.RootID
	}
	parent := db.Group(parentID)
	if parent == nil {
		return nil, ErrNotFound
	}

	g := &kdbx.Group{
		ID:       uuid.New().String(),
		ParentID: parentID,
		Name:     name,
	}
	db.Groups[g.ID] = g
	parent.GroupIDs = append(parent.GroupIDs, g.ID)
	touch(db)

	return &GroupView{ID: g.ID, ParentID: g.ParentID, Name: g.Name}, nil
}
