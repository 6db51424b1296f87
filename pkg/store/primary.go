package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Primary store keys, mirrored into the JSON document.
const (
	keyDatabaseBlob = "kdbx_database"
	keyDatabaseMeta = "kdbx_meta"
)

// primary is the flat key/value store: one small JSON file holding the
// base64 blob text and the metadata record, written atomically.
type primary struct {
	path string
}

type primaryDoc struct {
	BlobText string    `json:"kdbx_database,omitempty"`
	Meta     *Metadata `json:"kdbx_meta,omitempty"`
}

func newPrimary(path string) *primary {
	return &primary{path: path}
}

func (p *primary) put(blob []byte, meta Metadata) error {
	doc := primaryDoc{
		BlobText: base64.StdEncoding.EncodeToString(blob),
		Meta:     &meta,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: failed to marshal primary document: %w", err)
	}

	// Write to a sibling temp file and rename so a crash never leaves a
	// half-written document behind.
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("store: failed to write primary store: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: failed to commit primary store: %w", err)
	}
	return nil
}

func (p *primary) get() ([]byte, Metadata, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, ErrNotFound
		}
		return nil, Metadata{}, fmt.Errorf("store: failed to read primary store: %w", err)
	}

	var doc primaryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Metadata{}, fmt.Errorf("store: primary store is corrupt: %w", err)
	}
	if doc.BlobText == "" {
		return nil, Metadata{}, ErrNotFound
	}

	blob, err := base64.StdEncoding.DecodeString(doc.BlobText)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("store: primary blob encoding is corrupt: %w", err)
	}

	var meta Metadata
	if doc.Meta != nil {
		meta = *doc.Meta
	}
	return blob, meta, nil
}

func (p *primary) clear() error {
	err := os.Remove(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: failed to clear primary store: %w", err)
	}
	return nil
}

func (p *primary) sizeBytes() int64 {
	info, err := os.Stat(p.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
