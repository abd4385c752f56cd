// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/stretchr/testify/require"
)

// runQueueCmd runs a command against a single user's mutation queue.
func runQueueCmd(t *testing.T, td *datadriven.TestData, d *DB) string {
	user := scanUser(t, td)
	var out string
	run := d.View
	switch td.Cmd {
	case "add-batch", "remove", "set-stream-token":
		run = d.Run
	}
	err := run(td.Cmd, func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		switch td.Cmd {
		case "add-batch":
			b, err := q.AddBatch(testWriteTime, parseMutations(t, td))
			if err != nil {
				return err
			}
			out = fmt.Sprintf("batch %s", b.ID)

		case "lookup":
			b, ok, err := q.LookupBatch(scanBatchID(t, td))
			if err != nil {
				return err
			}
			out = "not found"
			if ok {
				out = formatBatch(b)
			}

		case "batches":
			batches, err := q.AllBatches()
			if err != nil {
				return err
			}
			out = formatBatches(batches)

		case "highest":
			id, err := q.HighestUnacknowledgedBatchID()
			if err != nil {
				return err
			}
			out = id.String()

		case "next-after":
			b, ok, err := q.NextBatchAfter(scanBatchID(t, td))
			if err != nil {
				return err
			}
			out = "not found"
			if ok {
				out = formatBatch(b)
			}

		case "affecting":
			batches, err := q.AllBatchesAffectingDocumentKey(scanDocumentKey(t, td, "key"))
			if err != nil {
				return err
			}
			out = formatBatchIDs(batches)

		case "affecting-keys":
			var docs []model.DocumentKey
			for _, line := range crstrings.Lines(td.Input) {
				docs = append(docs, model.MustParseDocumentKey(line))
			}
			batches, err := q.AllBatchesAffectingDocumentKeys(docs)
			if err != nil {
				return err
			}
			out = formatBatchIDs(batches)

		case "affecting-collection":
			batches, err := q.AllBatchesAffectingCollection(scanPath(t, td, "path"))
			if err != nil {
				return err
			}
			out = formatBatchIDs(batches)

		case "remove":
			if err := q.RemoveBatch(scanBatchID(t, td)); err != nil {
				return err
			}
			out = "ok"

		case "is-empty":
			empty, err := q.IsEmpty()
			if err != nil {
				return err
			}
			out = fmt.Sprint(empty)

		case "check":
			if err := q.CheckConsistency(); err != nil {
				return err
			}
			out = "ok"

		case "stream-token":
			out = fmt.Sprintf("%q last-acked=%s", q.LastStreamToken(), q.LastAcknowledgedBatchID())

		case "set-stream-token":
			var token string
			td.ScanArgs(t, "token", &token)
			if err := q.SetLastStreamToken([]byte(token)); err != nil {
				return err
			}
			out = "ok"

		default:
			return errors.Newf("unknown command: %s", td.Cmd)
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

func TestMutationQueue(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCachePersisted)
	defer func() { require.NoError(t, d.Close()) }()

	datadriven.RunTest(t, "testdata/mutation_queue", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "next-batch-id":
			return d.NextBatchID().String()
		case "ack":
			var token string
			td.ScanArgs(t, "token", &token)
			if err := d.AcknowledgeBatch(scanUser(t, td), scanBatchID(t, td), []byte(token)); err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return "ok"
		default:
			return runQueueCmd(t, td, d)
		}
	})
}

func TestAddBatchValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCachePersisted)
	defer func() { require.NoError(t, d.Close()) }()

	user := model.User{UID: "alice"}
	_, err := d.WriteLocally(user, nil)
	require.ErrorContains(t, err, "empty batch")

	_, err = d.WriteLocally(user, []model.Mutation{{Type: model.MutationSet}})
	require.ErrorContains(t, err, "no document key")

	// Rejected writes allocate no batch id.
	res, err := d.WriteLocally(user, []model.Mutation{{
		Type: model.MutationSet, Key: model.MustParseDocumentKey("rooms/eros"),
	}})
	require.NoError(t, err)
	require.Equal(t, model.BatchID(1), res.BatchID)

	_, ok, err := d.LookupBatch(user, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAddBatchStoresWriteTimeAndToken(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCachePersisted)
	defer func() { require.NoError(t, d.Close()) }()

	user := model.User{UID: "alice"}
	require.NoError(t, d.Run("token", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		require.NoError(t, err)
		return q.SetLastStreamToken([]byte("tok"))
	}))
	res, err := d.WriteLocally(user, []model.Mutation{{
		Type: model.MutationPatch, Key: model.MustParseDocumentKey("rooms/eros"),
		Value: []byte("v"), UpdateMask: []string{"a", "b.c"},
	}})
	require.NoError(t, err)

	b, ok, err := d.LookupBatch(user, res.BatchID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", b.UserID)
	require.Equal(t, []byte("tok"), b.StreamToken)
	require.True(t, testWriteTime.Equal(b.LocalWriteTime))
	require.Equal(t, []string{"a", "b.c"}, b.Mutations[0].UpdateMask)
}

func TestCheckConsistencyDetectsDanglingRows(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCachePersisted)
	defer func() { require.NoError(t, d.Close()) }()

	user := model.User{UID: "alice"}
	stray := keys.DocumentMutationKey{
		UserID: "alice", DocumentKey: model.MustParseDocumentKey("rooms/eros"), BatchID: 3,
	}
	require.NoError(t, d.engine.Set(stray.Encode(), nil))

	err := d.View("check", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		require.NoError(t, err)
		return q.CheckConsistency()
	})
	require.Error(t, err)
	require.True(t, IsCorruptionError(err))
	require.Contains(t, err.Error(), "1 dangling document mutation references")

	// The index row names a batch that does not exist.
	err = d.View("lookup", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		require.NoError(t, err)
		_, err = q.AllBatchesAffectingDocumentKey(model.MustParseDocumentKey("rooms/eros"))
		return err
	})
	require.True(t, IsCorruptionError(err))

	// Another user's queue is unaffected.
	require.NoError(t, d.View("check", func(txn *Txn) error {
		q, err := txn.MutationQueue(model.User{UID: "bob"})
		require.NoError(t, err)
		return q.CheckConsistency()
	}))
}

func TestMalformedBatchRecord(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCachePersisted)
	defer func() { require.NoError(t, d.Close()) }()

	user := model.User{UID: "alice"}
	require.NoError(t, d.engine.Set(keys.MutationKey{UserID: "alice", BatchID: 2}.Encode(), []byte{0xff, 0xff}))

	_, _, err := d.LookupBatch(user, 2)
	require.Error(t, err)
	require.True(t, IsCorruptionError(err))

	// An empty record decodes to an empty batch.
	require.NoError(t, d.engine.Set(keys.MutationKey{UserID: "alice", BatchID: 3}.Encode(), nil))
	b, ok, err := d.LookupBatch(user, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, b.Mutations)
}

func TestReadOnlyTxn(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for _, mode := range []OverlayCacheMode{OverlayCachePersisted, OverlayCacheMemory} {
		t.Run(mode.String(), func(t *testing.T) {
			d := openTestDB(t, mode)
			defer func() { require.NoError(t, d.Close()) }()

			user := model.User{UID: "alice"}
			m := model.Mutation{Type: model.MutationDelete, Key: model.MustParseDocumentKey("rooms/eros")}
			err := d.View("write", func(txn *Txn) error {
				q, err := txn.MutationQueue(user)
				require.NoError(t, err)
				_, err = q.AddBatch(testWriteTime, []model.Mutation{m})
				return err
			})
			require.ErrorIs(t, err, errReadOnly)

			err = d.View("write", func(txn *Txn) error {
				return txn.DocumentOverlayCache(user).SaveOverlay(1, m)
			})
			require.ErrorIs(t, err, errReadOnly)
			require.Equal(t, model.BatchID(1), d.NextBatchID())
		})
	}
}
