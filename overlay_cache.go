// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/model"
)

// DocumentOverlayCache holds, for one user, the overlay of every document
// touched by a pending batch: the last mutation of the highest batch that
// touches the document.
//
// Maps returned and accepted by the cache are keyed by
// model.DocumentKey.MapKey.
type DocumentOverlayCache interface {
	// GetOverlay returns the overlay of the document. The boolean is false if
	// the document has none.
	GetOverlay(key model.DocumentKey) (model.Overlay, bool, error)

	// SaveOverlay stores the mutation as the overlay of its document,
	// replacing any previous overlay of that document.
	SaveOverlay(largestBatchID model.BatchID, mutation model.Mutation) error

	// SaveOverlays stores every mutation as the overlay of its document, all
	// with the same largest batch id.
	SaveOverlays(largestBatchID model.BatchID, mutations map[string]model.Mutation) error

	// RemoveOverlaysForBatchID removes every overlay whose largest batch id is
	// batchID. Removing an unknown batch id is a no-op.
	RemoveOverlaysForBatchID(batchID model.BatchID) error

	// GetOverlaysForCollection returns the overlays of the immediate children
	// of the collection whose largest batch id is greater than sinceBatchID.
	GetOverlaysForCollection(
		collection model.ResourcePath, sinceBatchID model.BatchID,
	) (map[string]model.Overlay, error)

	// GetOverlaysForCollectionGroup returns at most count overlays of
	// documents whose parent collection id is group and whose largest batch
	// id is greater than sinceBatchID. Overlays are taken in ascending
	// (largest batch id, document key) order.
	GetOverlaysForCollectionGroup(
		group string, sinceBatchID model.BatchID, count int,
	) (map[string]model.Overlay, error)
}

// overlayCache is implemented by both overlay cache implementations.
type overlayCache interface {
	DocumentOverlayCache
	// clear removes every overlay of the user.
	clear() error
}

var errReadOnly = errors.New("localstore: write in read-only transaction")

// readOnlyOverlayCache rejects writes to the wrapped cache.
type readOnlyOverlayCache struct {
	overlayCache
}

func (readOnlyOverlayCache) SaveOverlay(model.BatchID, model.Mutation) error {
	return errReadOnly
}

func (readOnlyOverlayCache) SaveOverlays(model.BatchID, map[string]model.Mutation) error {
	return errReadOnly
}

func (readOnlyOverlayCache) RemoveOverlaysForBatchID(model.BatchID) error {
	return errReadOnly
}

func (readOnlyOverlayCache) clear() error {
	return errReadOnly
}

// compareOverlays orders overlays by largest batch id, then by document key.
// This is the order in which collection group queries take overlays.
func compareOverlays(a, b model.Overlay) int {
	if c := cmp.Compare(a.LargestBatchID, b.LargestBatchID); c != 0 {
		return c
	}
	return a.Key().Compare(b.Key())
}

// SortedOverlays returns the overlays of the map ordered by largest batch id,
// then by document key.
func SortedOverlays(overlays map[string]model.Overlay) []model.Overlay {
	out := make([]model.Overlay, 0, len(overlays))
	for _, o := range overlays {
		out = append(out, o)
	}
	slices.SortFunc(out, compareOverlays)
	return out
}
