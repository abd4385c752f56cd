// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package model

import (
	"sort"
	"testing"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestDocumentKey(t *testing.T) {
	k := MustParseDocumentKey("/rooms/eros/messages/1/")
	require.Equal(t, "rooms/eros/messages/1", k.MapKey())
	require.Equal(t, "1", k.ID())
	require.Equal(t, "messages", k.CollectionGroup())
	require.True(t, k.HasCollectionID("messages"))
	require.Equal(t, ResourcePath{"rooms", "eros", "messages"}, k.CollectionPath())

	for _, bad := range []string{"", "rooms", "rooms//eros"} {
		_, err := ParseDocumentKey(bad)
		require.Error(t, err, "%q", bad)
	}
	_, err := NewDocumentKey(ResourcePath{"rooms", "a/b"})
	require.Error(t, err)
}

func TestResourcePathCompare(t *testing.T) {
	paths := []ResourcePath{
		MustParseResourcePath("a/b"),
		MustParseResourcePath("a"),
		MustParseResourcePath("a/b/c/d"),
		MustParseResourcePath("ab"),
		MustParseResourcePath("a/c"),
		MustParseResourcePath(""),
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Compare(paths[j]) < 0 })
	var got []string
	for _, p := range paths {
		got = append(got, p.CanonicalString())
	}
	require.Equal(t, []string{"", "a", "a/b", "a/b/c/d", "a/c", "ab"}, got)

	a := MustParseResourcePath("a")
	require.True(t, a.IsImmediateParentOf(MustParseResourcePath("a/doc1")))
	require.False(t, a.IsImmediateParentOf(MustParseResourcePath("a/sub/doc3")))
	require.True(t, a.IsPrefixOf(MustParseResourcePath("a/sub/doc3")))
}

func TestRedaction(t *testing.T) {
	k := MustParseDocumentKey("users/alice")
	require.EqualValues(t, "‹users/alice›", redact.Sprint(k))
	require.EqualValues(t, "7", redact.Sprint(BatchID(7)))
	require.Equal(t, "users/alice", k.String())
	require.Equal(t, "<unauthenticated>", Unauthenticated.String())
}
