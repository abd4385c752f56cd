// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package model

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ResourcePath is a slash separated path into the document namespace. A path
// with an odd number of segments usually names a collection, one with an even
// number of segments a document, but the package does not enforce this.
type ResourcePath []string

// ParseResourcePath parses a slash separated path. Leading and trailing
// slashes are ignored; empty segments are rejected.
func ParseResourcePath(s string) (ResourcePath, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return ResourcePath{}, nil
	}
	segs := strings.Split(s, "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, errors.Newf("invalid path %q: empty segment", s)
		}
	}
	return ResourcePath(segs), nil
}

// MustParseResourcePath is like ParseResourcePath but panics on error.
func MustParseResourcePath(s string) ResourcePath {
	p, err := ParseResourcePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of segments.
func (p ResourcePath) Len() int { return len(p) }

// Empty returns true if the path has no segments.
func (p ResourcePath) Empty() bool { return len(p) == 0 }

// LastSegment returns the final segment, or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Parent returns the path without its final segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1:len(p)-1]
}

// Child returns a new path with seg appended.
func (p ResourcePath) Child(seg string) ResourcePath {
	c := make(ResourcePath, len(p)+1)
	copy(c, p)
	c[len(p)] = seg
	return c
}

// IsPrefixOf returns true if every segment of p is equal to the segment at the
// same position of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsImmediateParentOf returns true if other is a direct child of p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p)+1 == len(other) && p.IsPrefixOf(other)
}

// Equal returns true if both paths have the same segments.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

// Compare orders paths segment by segment, a shorter path sorting before any
// path it is a prefix of.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := len(p)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	}
	return 0
}

// CanonicalString returns the slash separated form of the path.
func (p ResourcePath) CanonicalString() string {
	return strings.Join(p, "/")
}

// String implements fmt.Stringer.
func (p ResourcePath) String() string {
	return redact.StringWithoutMarkers(p)
}

// SafeFormat implements redact.SafeFormatter. Path segments are user data.
func (p ResourcePath) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(p.CanonicalString())
}

// DocumentKey identifies a single document: a resource path with at least a
// collection and a document id.
type DocumentKey struct {
	path ResourcePath
}

// NewDocumentKey returns the key for the given path.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if len(path) < 2 {
		return DocumentKey{}, errors.Newf("invalid document path %q: need a collection and a document id",
			path.CanonicalString())
	}
	for _, seg := range path {
		if seg == "" || strings.IndexByte(seg, '/') >= 0 {
			return DocumentKey{}, errors.Newf("invalid document path %q: bad segment %q", path.CanonicalString(), seg)
		}
	}
	return DocumentKey{path: append(ResourcePath(nil), path...)}, nil
}

// ParseDocumentKey parses a slash separated document path.
func ParseDocumentKey(s string) (DocumentKey, error) {
	p, err := ParseResourcePath(s)
	if err != nil {
		return DocumentKey{}, err
	}
	return NewDocumentKey(p)
}

// MustParseDocumentKey is like ParseDocumentKey but panics on error.
func MustParseDocumentKey(s string) DocumentKey {
	k, err := ParseDocumentKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Path returns the full path of the document.
func (k DocumentKey) Path() ResourcePath { return k.path }

// IsZero returns true for the zero DocumentKey.
func (k DocumentKey) IsZero() bool { return len(k.path) == 0 }

// ID returns the final path segment.
func (k DocumentKey) ID() string { return k.path.LastSegment() }

// CollectionPath returns the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath { return k.path.Parent() }

// CollectionGroup returns the id of the collection holding the document.
func (k DocumentKey) CollectionGroup() string { return k.path.Parent().LastSegment() }

// HasCollectionID returns true if the document's parent collection has the
// given id.
func (k DocumentKey) HasCollectionID(group string) bool {
	return k.CollectionGroup() == group
}

// Compare orders document keys by path.
func (k DocumentKey) Compare(other DocumentKey) int { return k.path.Compare(other.path) }

// Equal returns true if both keys name the same document.
func (k DocumentKey) Equal(other DocumentKey) bool { return k.path.Equal(other.path) }

// MapKey returns a string usable as a map key for the document. Two keys have
// the same MapKey iff they are Equal.
func (k DocumentKey) MapKey() string { return k.path.CanonicalString() }

// String implements fmt.Stringer.
func (k DocumentKey) String() string {
	return redact.StringWithoutMarkers(k)
}

// SafeFormat implements redact.SafeFormatter.
func (k DocumentKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(k.path.CanonicalString())
}
