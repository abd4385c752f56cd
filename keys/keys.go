// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package keys defines the physical layout of every logical table stored in
// the engine. All tables share one ordered key space: a key is a sequence of
// (label, value) components encoded with the orderedcode package, the first
// component always naming the table and the last always being a terminator.
// Because the table name is a terminated string component, the keys of one
// table are never a byte prefix of the keys of a table with a longer name.
package keys

import (
	"fmt"

	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/internal/orderedcode"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/redact"
)

// Label tags the component that follows it. The numeric values are part of
// the stored format and determine how components of different kinds sort
// relative to each other.
type Label int64

// The component labels.
const (
	LabelTerminator      Label = 0
	LabelMetadataName    Label = 2
	LabelTableName       Label = 5
	LabelBatchID         Label = 10
	LabelUserID          Label = 13
	LabelCollectionGroup Label = 14
	LabelPathSegment     Label = 62
)

// Table names a logical table.
type Table string

// The logical tables.
const (
	// MutationsTable maps (user, batch id) to a MutationBatch record.
	MutationsTable Table = "mutation"
	// DocumentMutationsTable indexes (user, document path, batch id) and
	// stores empty values.
	DocumentMutationsTable Table = "document_mutation"
	// MutationQueuesTable maps a user to its MutationQueueMetadata record.
	MutationQueuesTable Table = "mutation_queue"
	// DocumentOverlaysTable maps (user, document path) to an Overlay record.
	DocumentOverlaysTable Table = "document_overlays"
	// OverlaysByBatchTable indexes (user, batch id, document path).
	OverlaysByBatchTable Table = "document_overlays_by_batch"
	// OverlaysByCollectionTable indexes (user, collection path, batch id,
	// document id).
	OverlaysByCollectionTable Table = "document_overlays_by_collection"
	// OverlaysByCollectionGroupTable indexes (user, collection group, batch
	// id, document path).
	OverlaysByCollectionGroupTable Table = "document_overlays_by_collection_group"
	// MetadataTable maps a name to a store-wide setting.
	MetadataTable Table = "metadata"
)

// Tables lists every table in the key space.
var Tables = []Table{
	MutationsTable,
	DocumentMutationsTable,
	MutationQueuesTable,
	DocumentOverlaysTable,
	OverlaysByBatchTable,
	OverlaysByCollectionTable,
	OverlaysByCollectionGroupTable,
	MetadataTable,
}

// Key is implemented by the key type of every table.
type Key interface {
	redact.SafeFormatter
	fmt.Stringer
	// Table returns the table the key belongs to.
	Table() Table
	// Encode returns the physical key.
	Encode() []byte
}

// TablePrefix returns the prefix shared by every key of the table.
func TablePrefix(t Table) []byte {
	return newWriter(t).b
}

// TableSpan returns the [start, end) bounds of every key of the table.
func TableSpan(t Table) (start, end []byte) {
	start = TablePrefix(t)
	return start, orderedcode.PrefixEnd(start)
}

// PrefixSpan returns the [start, end) bounds of every key with the prefix.
func PrefixSpan(prefix []byte) (start, end []byte) {
	return prefix, orderedcode.PrefixEnd(prefix)
}

// writer builds an encoded key component by component.
type writer struct {
	b []byte
}

func newWriter(t Table) *writer {
	w := &writer{b: make([]byte, 0, 64)}
	w.label(LabelTableName)
	w.b = orderedcode.AppendString(w.b, string(t))
	return w
}

func (w *writer) label(l Label) *writer {
	w.b = orderedcode.AppendSignedNumIncreasing(w.b, int64(l))
	return w
}

func (w *writer) user(uid string) *writer {
	w.label(LabelUserID)
	w.b = orderedcode.AppendString(w.b, uid)
	return w
}

func (w *writer) batchID(id model.BatchID) *writer {
	w.label(LabelBatchID)
	w.b = orderedcode.AppendSignedNumIncreasing(w.b, int64(id))
	return w
}

func (w *writer) collectionGroup(g string) *writer {
	w.label(LabelCollectionGroup)
	w.b = orderedcode.AppendString(w.b, g)
	return w
}

func (w *writer) segment(s string) *writer {
	w.label(LabelPathSegment)
	w.b = orderedcode.AppendString(w.b, s)
	return w
}

func (w *writer) path(p model.ResourcePath) *writer {
	for _, s := range p {
		w.segment(s)
	}
	return w
}

func (w *writer) terminate() []byte {
	w.label(LabelTerminator)
	return w.b
}

// reader decodes the components of an encoded key. The first error sticks.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = base.CorruptionErrorf(format, args...)
	}
}

func (r *reader) peekLabel() (Label, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, false
	}
	_, l, err := orderedcode.DecodeSignedNumIncreasing(r.b)
	if err != nil {
		return 0, false
	}
	return Label(l), true
}

func (r *reader) expectLabel(want Label) {
	if r.err != nil {
		return
	}
	rest, l, err := orderedcode.DecodeSignedNumIncreasing(r.b)
	if err != nil {
		r.err = err
		return
	}
	if Label(l) != want {
		r.fail("keys: expected label %d, found %d", want, l)
		return
	}
	r.b = rest
}

func (r *reader) readString(l Label) string {
	r.expectLabel(l)
	if r.err != nil {
		return ""
	}
	rest, s, err := orderedcode.DecodeString(r.b)
	if err != nil {
		r.err = err
		return ""
	}
	r.b = rest
	return s
}

func (r *reader) readUser() string { return r.readString(LabelUserID) }

func (r *reader) readBatchID() model.BatchID {
	r.expectLabel(LabelBatchID)
	if r.err != nil {
		return 0
	}
	rest, v, err := orderedcode.DecodeSignedNumIncreasing(r.b)
	if err != nil {
		r.err = err
		return 0
	}
	r.b = rest
	return model.BatchID(v)
}

// readPath reads path segments until the next component is not a segment.
func (r *reader) readPath() model.ResourcePath {
	var p model.ResourcePath
	for {
		if l, ok := r.peekLabel(); !ok || l != LabelPathSegment {
			return p
		}
		p = append(p, r.readString(LabelPathSegment))
		if r.err != nil {
			return nil
		}
	}
}

func (r *reader) readDocumentKey() model.DocumentKey {
	p := r.readPath()
	if r.err != nil {
		return model.DocumentKey{}
	}
	k, err := model.NewDocumentKey(p)
	if err != nil {
		r.err = base.MarkCorruptionError(err)
		return model.DocumentKey{}
	}
	return k
}

func (r *reader) finish() error {
	r.expectLabel(LabelTerminator)
	if r.err == nil && len(r.b) != 0 {
		r.fail("keys: %d trailing bytes after terminator", len(r.b))
	}
	return r.err
}

// DecodeTable returns the table of an encoded key and the remaining bytes.
func DecodeTable(b []byte) (Table, []byte, error) {
	r := reader{b: b}
	t := r.readString(LabelTableName)
	if r.err != nil {
		return "", nil, r.err
	}
	return Table(t), r.b, nil
}

// Decode decodes any key of a known table.
func Decode(b []byte) (Key, error) {
	t, rest, err := DecodeTable(b)
	if err != nil {
		return nil, err
	}
	r := &reader{b: rest}
	var k Key
	switch t {
	case MutationsTable:
		k = decodeMutationKey(r)
	case DocumentMutationsTable:
		k = decodeDocumentMutationKey(r)
	case MutationQueuesTable:
		k = decodeMutationQueueKey(r)
	case DocumentOverlaysTable:
		k = decodeOverlayKey(r)
	case OverlaysByBatchTable:
		k = decodeOverlayByBatchKey(r)
	case OverlaysByCollectionTable:
		k = decodeOverlayByCollectionKey(r)
	case OverlaysByCollectionGroupTable:
		k = decodeOverlayByCollectionGroupKey(r)
	case MetadataTable:
		k = decodeMetadataKey(r)
	default:
		return nil, base.CorruptionErrorf("keys: unknown table %q", t)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return k, nil
}

// Describe renders an encoded key for humans. Keys that fail to decode are
// rendered as hex.
func Describe(b []byte) string {
	k, err := Decode(b)
	if err != nil {
		return fmt.Sprintf("[% x] (%v)", b, err)
	}
	return k.String()
}
