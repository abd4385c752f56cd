// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/internal/orderedcode"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

// mutationLikeKey encodes a key laid out like a mutation table key but in an
// arbitrary table.
func mutationLikeKey(table, uid string, id model.BatchID) []byte {
	var b []byte
	b = orderedcode.AppendSignedNumIncreasing(b, int64(keys.LabelTableName))
	b = orderedcode.AppendString(b, table)
	b = orderedcode.AppendSignedNumIncreasing(b, int64(keys.LabelUserID))
	b = orderedcode.AppendString(b, uid)
	b = orderedcode.AppendSignedNumIncreasing(b, int64(keys.LabelBatchID))
	b = orderedcode.AppendSignedNumIncreasing(b, int64(id))
	return orderedcode.AppendSignedNumIncreasing(b, int64(keys.LabelTerminator))
}

func mutationKey(uid string, id model.BatchID) []byte {
	return keys.MutationKey{UserID: uid, BatchID: id}.Encode()
}

func TestLoadNextBatchID(t *testing.T) {
	defer leaktest.AfterTest(t)()

	testCases := []struct {
		name string
		keys [][]byte
		want model.BatchID
	}{
		{
			name: "empty",
			want: 1,
		},
		{
			name: "no-mutations",
			keys: [][]byte{
				mutationLikeKey("mutationr", "foo", 20),
				mutationLikeKey("mutationsa", "foo", 10),
			},
			want: 1,
		},
		{
			name: "single-row",
			keys: [][]byte{mutationKey("foo", 6)},
			want: 7,
		},
		{
			name: "single-row-among-non-mutations",
			keys: [][]byte{
				mutationKey("foo", 6),
				mutationLikeKey("mutationsa", "foo", 10),
			},
			want: 7,
		},
		{
			name: "max-across-users",
			keys: [][]byte{
				mutationKey("fo", 5),
				mutationKey("food", 3),
				mutationKey("foo", 6),
				mutationKey("foo", 2),
				mutationKey("foo", 1),
			},
			want: 7,
		},
		{
			name: "only-mutations",
			keys: [][]byte{
				mutationLikeKey("mutatio", "", 5),
				mutationLikeKey("mutationsa", "", 6),
				mutationLikeKey("bears", "", 7),
				mutationLikeKey("zombies", "", 8),
				mutationKey("bar", 3),
				mutationKey("bar", 2),
				mutationKey("foo", 1),
			},
			want: 4,
		},
		{
			name: "unauthenticated-user",
			keys: [][]byte{
				mutationKey("", 9),
				mutationKey("a", 4),
			},
			want: 10,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := storage.NewMem(base.NoopLogger{})
			require.NoError(t, err)
			defer func() { require.NoError(t, e.Close()) }()
			for _, k := range tc.keys {
				require.NoError(t, e.Set(k, []byte("dummy")))
			}
			got, err := LoadNextBatchID(e)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestLoadNextBatchIDCorruptKey(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e, err := storage.NewMem(base.NoopLogger{})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	// A mutation table key with a missing batch id.
	bad := keys.MutationUserPrefix("foo")
	require.NoError(t, e.Set(bad, nil))
	_, err = LoadNextBatchID(e)
	require.Error(t, err)
	require.True(t, IsCorruptionError(err))
}

func TestBatchIDsIncreaseAcrossUsersAndRestarts(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	d, err := Open("", testOptions(fs, OverlayCachePersisted))
	require.NoError(t, err)

	var last model.BatchID
	for i, uid := range []string{"alice", "bob", "", "alice"} {
		res, err := d.WriteLocally(model.User{UID: uid}, []model.Mutation{{
			Type: model.MutationDelete, Key: model.MustParseDocumentKey("rooms/eros"),
		}})
		require.NoError(t, err)
		require.Greater(t, res.BatchID, last, "write %d", i)
		last = res.BatchID
	}
	require.Equal(t, model.BatchID(4), last)
	// Removing the newest batch does not hand its id out again in this
	// process.
	require.NoError(t, d.RejectBatch(model.User{UID: "alice"}, 4))
	require.Equal(t, model.BatchID(5), d.NextBatchID())
	require.NoError(t, d.Close())

	d, err = Open("", testOptions(fs, OverlayCachePersisted))
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	require.Equal(t, model.BatchID(4), d.NextBatchID())
}
