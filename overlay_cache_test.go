// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func runOverlayCmd(t *testing.T, td *datadriven.TestData, d *DB) string {
	user := scanUser(t, td)
	switch td.Cmd {
	case "write":
		res, err := d.WriteLocally(user, parseMutations(t, td))
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("batch %s", res.BatchID)

	case "ack":
		var token string
		td.ScanArgs(t, "token", &token)
		if err := d.AcknowledgeBatch(user, scanBatchID(t, td), []byte(token)); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "ok"

	case "reject":
		if err := d.RejectBatch(user, scanBatchID(t, td)); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "ok"

	case "rebuild":
		n, err := d.RebuildOverlays(user)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return fmt.Sprintf("replayed %d batches", n)
	}

	var out string
	run := d.View
	switch td.Cmd {
	case "save-overlay", "save-overlays", "remove-overlays":
		run = d.Run
	}
	err := run(td.Cmd, func(txn *Txn) error {
		cache := txn.DocumentOverlayCache(user)
		switch td.Cmd {
		case "overlay":
			o, ok, err := cache.GetOverlay(scanDocumentKey(t, td, "key"))
			if err != nil {
				return err
			}
			out = "not found"
			if ok {
				out = o.String()
			}

		case "save-overlay":
			for _, m := range parseMutations(t, td) {
				if err := cache.SaveOverlay(scanBatchID(t, td), m); err != nil {
					return err
				}
			}
			out = "ok"

		case "save-overlays":
			byKey := make(map[string]model.Mutation)
			for _, m := range parseMutations(t, td) {
				byKey[m.Key.MapKey()] = m
			}
			if err := cache.SaveOverlays(scanBatchID(t, td), byKey); err != nil {
				return err
			}
			out = "ok"

		case "remove-overlays":
			if err := cache.RemoveOverlaysForBatchID(scanBatchID(t, td)); err != nil {
				return err
			}
			out = "ok"

		case "overlays-for-collection":
			var since int64
			td.ScanArgs(t, "since", &since)
			overlays, err := cache.GetOverlaysForCollection(scanPath(t, td, "path"), model.BatchID(since))
			if err != nil {
				return err
			}
			out = formatOverlaysByKey(overlays)

		case "overlays-for-group":
			var group string
			var since int64
			var count int
			td.ScanArgs(t, "group", &group)
			td.ScanArgs(t, "since", &since)
			td.ScanArgs(t, "count", &count)
			overlays, err := cache.GetOverlaysForCollectionGroup(group, model.BatchID(since), count)
			if err != nil {
				return err
			}
			out = formatOverlayList(SortedOverlays(overlays))

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

// TestOverlays runs the same script against both overlay cache
// implementations, which must behave identically.
func TestOverlays(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for _, mode := range []OverlayCacheMode{OverlayCachePersisted, OverlayCacheMemory} {
		t.Run(mode.String(), func(t *testing.T) {
			d := openTestDB(t, mode)
			defer func() { require.NoError(t, d.Close()) }()
			datadriven.RunTest(t, "testdata/overlays", func(t *testing.T, td *datadriven.TestData) string {
				return runOverlayCmd(t, td, d)
			})
		})
	}
}

func TestMemoryOverlayCacheBuckets(t *testing.T) {
	c := newMemoryOverlayCache("alice", newMetrics())
	doc := model.MustParseDocumentKey("a/doc")
	other := model.MustParseDocumentKey("a/other")
	m := model.Mutation{Type: model.MutationSet, Key: doc, Value: []byte("x")}

	require.NoError(t, c.SaveOverlay(5, m))
	require.NoError(t, c.SaveOverlay(5, model.Mutation{Type: model.MutationDelete, Key: other}))
	require.Equal(t, []string{"a/doc", "a/other"}, c.batchKeys(5))

	// Moving the document to a higher batch takes it out of the old bucket.
	require.NoError(t, c.SaveOverlay(7, m))
	require.Equal(t, []string{"a/other"}, c.batchKeys(5))
	require.Equal(t, []string{"a/doc"}, c.batchKeys(7))

	require.NoError(t, c.RemoveOverlaysForBatchID(5))
	require.Empty(t, c.batchKeys(5))
	o, ok, err := c.GetOverlay(doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.BatchID(7), o.LargestBatchID)
	_, ok, err = c.GetOverlay(other)
	require.NoError(t, err)
	require.False(t, ok)

	// A non-positive count selects nothing from a populated cache.
	for _, count := range []int{0, -1} {
		got, err := c.GetOverlaysForCollectionGroup("a", 0, count)
		require.NoError(t, err)
		require.Empty(t, got)
	}
	got, err := c.GetOverlaysForCollectionGroup("a", 0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, c.clear())
	require.Empty(t, c.batchKeys(7))
	_, ok, err = c.GetOverlay(doc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistedOverlayIndexRows(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCachePersisted)
	defer func() { require.NoError(t, d.Close()) }()

	user := model.User{UID: "alice"}
	doc := model.MustParseDocumentKey("rooms/eros/messages/1")
	m := model.Mutation{Type: model.MutationSet, Key: doc, Value: []byte("x")}
	tableRows := func(table keys.Table) []string {
		var out []string
		start, end := keys.TableSpan(table)
		rows, err := storage.ScanKeys(d.engine, start, end)
		require.NoError(t, err)
		for _, r := range rows {
			out = append(out, keys.Describe(r))
		}
		return out
	}

	require.NoError(t, d.Run("save", func(txn *Txn) error {
		return txn.DocumentOverlayCache(user).SaveOverlay(3, m)
	}))
	require.NoError(t, d.Run("save", func(txn *Txn) error {
		return txn.DocumentOverlayCache(user).SaveOverlay(8, m)
	}))
	require.Equal(t, []string{`/document_overlays_by_batch/"alice"/8/rooms/eros/messages/1`},
		tableRows(keys.OverlaysByBatchTable))
	require.Equal(t, []string{`/document_overlays_by_collection/"alice"/rooms/eros/messages/8/1`},
		tableRows(keys.OverlaysByCollectionTable))
	require.Equal(t, []string{`/document_overlays_by_collection_group/"alice"/"messages"/8/rooms/eros/messages/1`},
		tableRows(keys.OverlaysByCollectionGroupTable))

	require.NoError(t, d.Run("remove", func(txn *Txn) error {
		return txn.DocumentOverlayCache(user).RemoveOverlaysForBatchID(8)
	}))
	for _, table := range []keys.Table{
		keys.DocumentOverlaysTable, keys.OverlaysByBatchTable,
		keys.OverlaysByCollectionTable, keys.OverlaysByCollectionGroupTable,
	} {
		require.Empty(t, tableRows(table), "table %s", table)
	}
}

func TestFailedTxnRestoresMemoryOverlays(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d := openTestDB(t, OverlayCacheMemory)
	defer func() { require.NoError(t, d.Close()) }()

	user := model.User{UID: "alice"}
	doc := model.MustParseDocumentKey("rooms/eros")
	res, err := d.WriteLocally(user, []model.Mutation{{Type: model.MutationSet, Key: doc, Value: []byte("v1")}})
	require.NoError(t, err)

	// The committed state is restored when a transaction fails after
	// modifying the memory overlays.
	boom := errors.New("boom")
	err = d.Run("failing", func(txn *Txn) error {
		cache := txn.DocumentOverlayCache(user)
		if err := cache.SaveOverlay(99, model.Mutation{Type: model.MutationDelete, Key: doc}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	o, ok, err := d.GetOverlay(user, doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.BatchID, o.LargestBatchID)
	require.Equal(t, []byte("v1"), o.Mutation.Value)
}

func TestMemoryOverlaysRebuiltOnOpen(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	user := model.User{UID: "alice"}
	doc := model.MustParseDocumentKey("rooms/eros")

	d, err := Open("", testOptions(fs, OverlayCacheMemory))
	require.NoError(t, err)
	for _, v := range []string{"v1", "v2"} {
		_, err := d.WriteLocally(user, []model.Mutation{{Type: model.MutationSet, Key: doc, Value: []byte(v)}})
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())

	d, err = Open("", testOptions(fs, OverlayCacheMemory))
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	o, ok, err := d.GetOverlay(user, doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "set(rooms/eros \"v2\")@2", o.String())
	require.Equal(t, model.BatchID(3), d.NextBatchID())
}
