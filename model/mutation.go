// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package model

import (
	"bytes"
	"time"

	"github.com/cockroachdb/redact"
)

// BatchID identifies a MutationBatch. Ids are allocated in increasing order
// and a later id always wins over an earlier one touching the same document.
type BatchID int64

// UnknownBatchID is the id reported when there is no batch, e.g. the highest
// unacknowledged batch of an empty queue.
const UnknownBatchID BatchID = -1

// SafeFormat implements redact.SafeFormatter.
func (id BatchID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeInt(id))
}

// String implements fmt.Stringer.
func (id BatchID) String() string {
	return redact.StringWithoutMarkers(id)
}

// User identifies the owner of a mutation queue. The unauthenticated user has
// an empty UID.
type User struct {
	UID string
}

// Unauthenticated is the user that owns writes made while signed out.
var Unauthenticated = User{}

// IsAuthenticated returns true if the user has a UID.
func (u User) IsAuthenticated() bool { return u.UID != "" }

// SafeFormat implements redact.SafeFormatter.
func (u User) SafeFormat(w redact.SafePrinter, _ rune) {
	if !u.IsAuthenticated() {
		w.SafeString("<unauthenticated>")
		return
	}
	w.Print(u.UID)
}

// String implements fmt.Stringer.
func (u User) String() string {
	return redact.StringWithoutMarkers(u)
}

// MutationType is the kind of change a Mutation makes.
type MutationType int32

// The mutation types. The numeric values are part of the stored format.
const (
	MutationSet MutationType = iota
	MutationPatch
	MutationDelete
	MutationVerify
	MutationTransform
)

var mutationTypeNames = [...]string{
	MutationSet:       "set",
	MutationPatch:     "patch",
	MutationDelete:    "delete",
	MutationVerify:    "verify",
	MutationTransform: "transform",
}

// String implements fmt.Stringer.
func (t MutationType) String() string {
	if t >= 0 && int(t) < len(mutationTypeNames) {
		return mutationTypeNames[t]
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (t MutationType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.SafeString(redact.SafeString(t.String()))
}

// ParseMutationType returns the MutationType with the given name.
func ParseMutationType(s string) (MutationType, bool) {
	for i, name := range mutationTypeNames {
		if name == s {
			return MutationType(i), true
		}
	}
	return 0, false
}

// PreconditionKind restricts when a mutation applies.
type PreconditionKind int32

const (
	// PreconditionNone applies the mutation unconditionally.
	PreconditionNone PreconditionKind = iota
	// PreconditionExists requires the document to exist.
	PreconditionExists
	// PreconditionNotExists requires the document to be missing.
	PreconditionNotExists
	// PreconditionUpdateTime requires the document's update time to match.
	PreconditionUpdateTime
)

// Precondition is evaluated by the server before applying a Mutation.
type Precondition struct {
	Kind       PreconditionKind
	UpdateTime time.Time
}

// FieldTransform is a server-side transform of a single field, such as an
// increment or a server timestamp. The operand encoding is owned by the
// document layer.
type FieldTransform struct {
	FieldPath string
	Kind      int32
	Operand   []byte
}

// Mutation is a single change to one document. A Mutation is immutable once
// it has been added to a batch.
type Mutation struct {
	Type MutationType
	Key  DocumentKey
	// Value is the encoded document for set and patch mutations.
	Value []byte
	// UpdateMask lists the field paths a patch touches.
	UpdateMask      []string
	FieldTransforms []FieldTransform
	Precondition    Precondition
}

// Equal returns true if both mutations are identical.
func (m Mutation) Equal(o Mutation) bool {
	if m.Type != o.Type || !m.Key.Equal(o.Key) || !bytes.Equal(m.Value, o.Value) ||
		m.Precondition.Kind != o.Precondition.Kind ||
		!m.Precondition.UpdateTime.Equal(o.Precondition.UpdateTime) ||
		len(m.UpdateMask) != len(o.UpdateMask) || len(m.FieldTransforms) != len(o.FieldTransforms) {
		return false
	}
	for i := range m.UpdateMask {
		if m.UpdateMask[i] != o.UpdateMask[i] {
			return false
		}
	}
	for i := range m.FieldTransforms {
		a, b := m.FieldTransforms[i], o.FieldTransforms[i]
		if a.FieldPath != b.FieldPath || a.Kind != b.Kind || !bytes.Equal(a.Operand, b.Operand) {
			return false
		}
	}
	return true
}

// SafeFormat implements redact.SafeFormatter.
func (m Mutation) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s(%s", m.Type, m.Key)
	if len(m.Value) > 0 {
		w.Printf(" %q", m.Value)
	}
	w.SafeString(")")
}

// String implements fmt.Stringer.
func (m Mutation) String() string {
	return redact.StringWithoutMarkers(m)
}

// MutationBatch is an atomic group of mutations written together by the
// client. It lives in the mutation queue until the backend acknowledges or
// rejects it.
type MutationBatch struct {
	ID     BatchID
	UserID string
	// StreamToken is the write stream token that was current when the batch
	// was written.
	StreamToken    []byte
	LocalWriteTime time.Time
	Mutations      []Mutation
}

// Keys returns the distinct document keys touched by the batch, in the order
// they first appear.
func (b MutationBatch) Keys() []DocumentKey {
	seen := make(map[string]struct{}, len(b.Mutations))
	keys := make([]DocumentKey, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		if _, ok := seen[m.Key.MapKey()]; ok {
			continue
		}
		seen[m.Key.MapKey()] = struct{}{}
		keys = append(keys, m.Key)
	}
	return keys
}

// LastMutationsByKey returns, for every document the batch touches, the last
// mutation of the batch applying to it.
func (b MutationBatch) LastMutationsByKey() map[string]Mutation {
	out := make(map[string]Mutation, len(b.Mutations))
	for _, m := range b.Mutations {
		out[m.Key.MapKey()] = m
	}
	return out
}

// Overlay is the pending local effect for one document: the mutation from the
// highest batch that still touches it.
type Overlay struct {
	LargestBatchID BatchID
	Mutation       Mutation
}

// Key returns the document the overlay applies to.
func (o Overlay) Key() DocumentKey { return o.Mutation.Key }

// SafeFormat implements redact.SafeFormatter.
func (o Overlay) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s@%s", o.Mutation, o.LargestBatchID)
}

// String implements fmt.Stringer.
func (o Overlay) String() string {
	return redact.StringWithoutMarkers(o)
}
