package kdbx

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// secondsFromYear1 converts between Unix time and the KDBX 4 epoch
// (0001-01-01 00:00 UTC).
const secondsFromYear1 = 62135596800

type xmlFile struct {
	XMLName xml.Name `xml:"KeePassFile"`
	Meta    xmlMeta  `xml:"Meta"`
	Root    xmlRoot  `xml:"Root"`
}

type xmlMeta struct {
	Generator           string `xml:"Generator"`
	DatabaseName        string `xml:"DatabaseName"`
	DatabaseNameChanged string `xml:"DatabaseNameChanged,omitempty"`
	RecycleBinEnabled   string `xml:"RecycleBinEnabled"`
	RecycleBinUUID      string `xml:"RecycleBinUUID"`
}

type xmlRoot struct {
	Group xmlGroup `xml:"Group"`
}

// Field order matters: entries precede subgroups, which fixes the protected
// stream position for writer and reader alike.
type xmlGroup struct {
	UUID    string     `xml:"UUID"`
	Name    string     `xml:"Name"`
	IconID  int        `xml:"IconID"`
	Entries []xmlEntry `xml:"Entry"`
	Groups  []xmlGroup `xml:"Group"`
}

type xmlEntry struct {
	UUID    string      `xml:"UUID"`
	Times   xmlTimes    `xml:"Times"`
	Strings []xmlString `xml:"String"`
	Tags    string      `xml:"Tags,omitempty"`
	History *xmlHistory `xml:"History,omitempty"`
}

type xmlTimes struct {
	CreationTime         string `xml:"CreationTime"`
	LastModificationTime string `xml:"LastModificationTime"`
}

type xmlString struct {
	Key   string   `xml:"Key"`
	Value xmlValue `xml:"Value"`
}

type xmlValue struct {
	Protected string `xml:"Protected,attr,omitempty"`
	Text      string `xml:",chardata"`
}

type xmlHistory struct {
	Entries []xmlEntry `xml:"Entry"`
}

// encodeTime renders a timestamp in the KDBX 4 binary form: base64 of the
// little-endian second count since year 1.
func encodeTime(t time.Time) string {
	secs := t.Unix() + secondsFromYear1
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(secs))
	return base64.StdEncoding.EncodeToString(b)
}

// decodeTime accepts the KDBX 4 binary form and, for tolerance, RFC 3339.
func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 8 {
		secs := int64(binary.LittleEndian.Uint64(raw))
		return time.Unix(secs-secondsFromYear1, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrCorrupt, s)
	}
	return t.UTC(), nil
}

func encodeBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func encodeUUID(id string) string {
	return base64.StdEncoding.EncodeToString(uuidToKDBX(id))
}

func decodeUUID(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return "", fmt.Errorf("%w: bad uuid %q", ErrCorrupt, s)
	}
	return uuidFromKDBX(raw), nil
}

var zeroUUIDBase64 = base64.StdEncoding.EncodeToString(make([]byte, 16))

// buildXML renders the database to the inner XML document, running every
// protected value through the stream cipher in document order.
func buildXML(db *Database, stream innerStream) ([]byte, error) {
	binUUID := zeroUUIDBase64
	if db.Meta.RecycleBinUUID != "" {
		binUUID = encodeUUID(db.Meta.RecycleBinUUID)
	}

	doc := xmlFile{
		Meta: xmlMeta{
			Generator:           Generator,
			DatabaseName:        db.Meta.Name,
			DatabaseNameChanged: encodeTime(db.Meta.LastModified),
			RecycleBinEnabled:   encodeBool(db.Meta.RecycleBinEnabled),
			RecycleBinUUID:      binUUID,
		},
	}

	root := db.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: database has no root group", ErrCorrupt)
	}
	g, err := buildXMLGroup(db, root, stream)
	if err != nil {
		return nil, err
	}
	doc.Root.Group = *g

	out, err := xml.MarshalIndent(doc, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return append([]byte(xml.Header), out...), nil
}

func buildXMLGroup(db *Database, g *Group, stream innerStream) (*xmlGroup, error) {
	xg := &xmlGroup{
		UUID:   encodeUUID(g.ID),
		Name:   g.Name,
		IconID: g.IconID,
	}

	for _, entryID := range g.EntryIDs {
		e := db.Entry(entryID)
		if e == nil {
			return nil, fmt.Errorf("%w: group references missing entry %s", ErrCorrupt, entryID)
		}
		xe, err := buildXMLEntry(e, stream, true)
		if err != nil {
			return nil, err
		}
		xg.Entries = append(xg.Entries, *xe)
	}

	for _, groupID := range g.GroupIDs {
		child := db.Group(groupID)
		if child == nil {
			return nil, fmt.Errorf("%w: group references missing group %s", ErrCorrupt, groupID)
		}
		xc, err := buildXMLGroup(db, child, stream)
		if err != nil {
			return nil, err
		}
		xg.Groups = append(xg.Groups, *xc)
	}

	return xg, nil
}

func buildXMLEntry(e *Entry, stream innerStream, withHistory bool) (*xmlEntry, error) {
	xe := &xmlEntry{
		UUID: encodeUUID(e.ID),
		Times: xmlTimes{
			CreationTime:         encodeTime(e.Times.CreationTime),
			LastModificationTime: encodeTime(e.Times.LastModTime),
		},
		Tags: strings.Join(e.Tags, ";"),
	}

	// Standard fields first in fixed order, then customs sorted, so the
	// protected stream position is deterministic.
	for _, name := range fieldOrder(e) {
		v := e.Fields[name]
		xs := xmlString{Key: name}
		if v.Protected != nil {
			plaintext := []byte(v.Protected.Reveal())
			stream.xor(plaintext)
			xs.Value = xmlValue{
				Protected: "True",
				Text:      base64.StdEncoding.EncodeToString(plaintext),
			}
			wipe(plaintext)
		} else {
			xs.Value = xmlValue{Text: v.Text}
		}
		xe.Strings = append(xe.Strings, xs)
	}

	if withHistory && len(e.History) > 0 {
		xe.History = &xmlHistory{}
		for _, h := range e.History {
			xh, err := buildXMLEntry(h, stream, false)
			if err != nil {
				return nil, err
			}
			xe.History.Entries = append(xe.History.Entries, *xh)
		}
	}

	return xe, nil
}

// fieldOrder returns the entry's field names with the standard ones first,
// then customs in sorted order, so the serialized stream is deterministic.
func fieldOrder(e *Entry) []string {
	standard := []string{FieldTitle, FieldUserName, FieldPassword, FieldURL, FieldNotes}
	var names []string
	for _, name := range standard {
		if _, ok := e.Fields[name]; ok {
			names = append(names, name)
		}
	}

	var customs []string
	for name := range e.Fields {
		if !isStandardField(name) {
			customs = append(customs, name)
		}
	}
	// Insertion sort keeps this dependency-free for the handful of customs.
	for i := 1; i < len(customs); i++ {
		for j := i; j > 0 && customs[j] < customs[j-1]; j-- {
			customs[j], customs[j-1] = customs[j-1], customs[j]
		}
	}
	return append(names, customs...)
}

func isStandardField(name string) bool {
	switch name {
	case FieldTitle, FieldUserName, FieldPassword, FieldURL, FieldNotes:
		return true
	}
	return false
}

// parseXML rebuilds the database from the inner XML document, undoing the
// protected stream in document order.
func parseXML(doc []byte, stream innerStream, format Format) (*Database, error) {
	var file xmlFile
	if err := xml.Unmarshal(doc, &file); err != nil {
		return nil, fmt.Errorf("%w: inner xml: %v", ErrCorrupt, err)
	}

	db := &Database{
		Format:  format,
		Groups:  map[string]*Group{},
		Entries: map[string]*Entry{},
	}

	db.Meta.Name = file.Meta.DatabaseName
	db.Meta.RecycleBinEnabled = strings.EqualFold(file.Meta.RecycleBinEnabled, "True")
	if file.Meta.DatabaseNameChanged != "" {
		t, err := decodeTime(file.Meta.DatabaseNameChanged)
		if err != nil {
			return nil, err
		}
		db.Meta.LastModified = t
	}
	if file.Meta.RecycleBinUUID != "" && file.Meta.RecycleBinUUID != zeroUUIDBase64 {
		id, err := decodeUUID(file.Meta.RecycleBinUUID)
		if err != nil {
			return nil, err
		}
		db.Meta.RecycleBinUUID = id
	}

	rootID, err := parseXMLGroup(db, &file.Root.Group, "", stream)
	if err != nil {
		return nil, err
	}
	db.RootID = rootID

	return db, nil
}

func parseXMLGroup(db *Database, xg *xmlGroup, parentID string, stream innerStream) (string, error) {
	id, err := decodeUUID(xg.UUID)
	if err != nil {
		return "", err
	}

	g := &Group{
		ID:       id,
		ParentID: parentID,
		Name:     xg.Name,
		IconID:   xg.IconID,
	}
	db.Groups[id] = g

	for i := range xg.Entries {
		e, err := parseXMLEntry(&xg.Entries[i], id, stream)
		if err != nil {
			return "", err
		}
		db.Entries[e.ID] = e
		g.EntryIDs = append(g.EntryIDs, e.ID)
	}

	for i := range xg.Groups {
		childID, err := parseXMLGroup(db, &xg.Groups[i], id, stream)
		if err != nil {
			return "", err
		}
		g.GroupIDs = append(g.GroupIDs, childID)
	}

	return id, nil
}

func parseXMLEntry(xe *xmlEntry, groupID string, stream innerStream) (*Entry, error) {
	id, err := decodeUUID(xe.UUID)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ID:      id,
		GroupID: groupID,
		Fields:  make(map[string]Value, len(xe.Strings)),
	}

	e.Times.CreationTime, err = decodeTime(xe.Times.CreationTime)
	if err != nil {
		return nil, err
	}
	e.Times.LastModTime, err = decodeTime(xe.Times.LastModificationTime)
	if err != nil {
		return nil, err
	}

	for _, xs := range xe.Strings {
		if strings.EqualFold(xs.Value.Protected, "True") {
			raw, err := base64.StdEncoding.DecodeString(xs.Value.Text)
			if err != nil {
				return nil, fmt.Errorf("%w: protected value encoding", ErrCorrupt)
			}
			stream.xor(raw)
			e.Fields[xs.Key] = Value{Protected: NewProtectedValue(string(raw))}
			wipe(raw)
		} else {
			e.Fields[xs.Key] = Value{Text: xs.Value.Text}
		}
	}

	if xe.Tags != "" {
		for _, tag := range strings.FieldsFunc(xe.Tags, func(r rune) bool { return r == ';' || r == ',' }) {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				e.Tags = append(e.Tags, tag)
			}
		}
	}

	if xe.History != nil {
		for i := range xe.History.Entries {
			h, err := parseXMLEntry(&xe.History.Entries[i], groupID, stream)
			if err != nil {
				return nil, err
			}
			e.History = append(e.History, h)
		}
	}

	return e, nil
}
