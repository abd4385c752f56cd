// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/localstore/internal/invariants"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/swiss"
	"github.com/google/btree"
)

const overlayBTreeDegree = 16

// overlayItem is the btree item of the memory overlay cache, ordered by
// document path.
type overlayItem struct {
	path    model.ResourcePath
	overlay model.Overlay
}

// Less implements btree.Item.
func (i overlayItem) Less(than btree.Item) bool {
	return i.path.Compare(than.(overlayItem).path) < 0
}

// memoryOverlayCache keeps a user's overlays in process memory. It is not
// part of any engine transaction: writes are visible immediately and are
// not undone when a transaction is discarded. The DB rebuilds the cache from
// the mutation queue in that case.
//
// The cache holds two structures that must agree at all times: the overlays
// ordered by document, and the documents grouped by the largest batch id of
// their overlay. Both are only modified under mu.
type memoryOverlayCache struct {
	uid     string
	metrics *Metrics

	mu struct {
		sync.RWMutex
		overlays *btree.BTree
		byBatch  swiss.Map[model.BatchID, map[string]model.DocumentKey]
	}
}

var _ overlayCache = (*memoryOverlayCache)(nil)

func newMemoryOverlayCache(uid string, metrics *Metrics) *memoryOverlayCache {
	c := &memoryOverlayCache{uid: uid, metrics: metrics}
	c.resetLocked()
	return c
}

func (c *memoryOverlayCache) resetLocked() {
	c.mu.overlays = btree.New(overlayBTreeDegree)
	c.mu.byBatch.Init(16)
}

func (c *memoryOverlayCache) clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

func (c *memoryOverlayCache) getLocked(path model.ResourcePath) (model.Overlay, bool) {
	item := c.mu.overlays.Get(overlayItem{path: path})
	if item == nil {
		return model.Overlay{}, false
	}
	return item.(overlayItem).overlay, true
}

// GetOverlay implements DocumentOverlayCache.
func (c *memoryOverlayCache) GetOverlay(key model.DocumentKey) (model.Overlay, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.getLocked(key.Path())
	return o, ok, nil
}

// SaveOverlay implements DocumentOverlayCache.
func (c *memoryOverlayCache) SaveOverlay(largestBatchID model.BatchID, mutation model.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked(largestBatchID, mutation)
	c.checkInvariantsLocked()
	return nil
}

// SaveOverlays implements DocumentOverlayCache. Readers observe either none
// or all of the overlays.
func (c *memoryOverlayCache) SaveOverlays(
	largestBatchID model.BatchID, mutations map[string]model.Mutation,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range mutations {
		c.saveLocked(largestBatchID, m)
	}
	c.checkInvariantsLocked()
	return nil
}

func (c *memoryOverlayCache) saveLocked(largestBatchID model.BatchID, m model.Mutation) {
	key := m.Key
	if prev, ok := c.getLocked(key.Path()); ok {
		c.removeFromBatchLocked(prev.LargestBatchID, key)
	}
	c.mu.overlays.ReplaceOrInsert(overlayItem{
		path:    key.Path(),
		overlay: model.Overlay{LargestBatchID: largestBatchID, Mutation: m},
	})
	docs, ok := c.mu.byBatch.Get(largestBatchID)
	if !ok {
		docs = make(map[string]model.DocumentKey)
		c.mu.byBatch.Put(largestBatchID, docs)
	}
	docs[key.MapKey()] = key
	c.metrics.OverlaysSaved.Inc()
}

func (c *memoryOverlayCache) removeFromBatchLocked(id model.BatchID, key model.DocumentKey) {
	docs, ok := c.mu.byBatch.Get(id)
	if !ok {
		return
	}
	delete(docs, key.MapKey())
	if len(docs) == 0 {
		c.mu.byBatch.Delete(id)
	}
}

// RemoveOverlaysForBatchID implements DocumentOverlayCache.
func (c *memoryOverlayCache) RemoveOverlaysForBatchID(batchID model.BatchID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, ok := c.mu.byBatch.Get(batchID)
	if !ok {
		return nil
	}
	for _, key := range docs {
		c.mu.overlays.Delete(overlayItem{path: key.Path()})
		c.metrics.OverlaysRemoved.Inc()
	}
	c.mu.byBatch.Delete(batchID)
	c.checkInvariantsLocked()
	return nil
}

// GetOverlaysForCollection implements DocumentOverlayCache.
func (c *memoryOverlayCache) GetOverlaysForCollection(
	collection model.ResourcePath, sinceBatchID model.BatchID,
) (map[string]model.Overlay, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.Overlay)
	// Every descendant of the collection sorts right after it, so the scan
	// stops at the first path outside the collection.
	c.mu.overlays.AscendGreaterOrEqual(overlayItem{path: collection}, func(i btree.Item) bool {
		item := i.(overlayItem)
		if !collection.IsPrefixOf(item.path) {
			return false
		}
		if collection.IsImmediateParentOf(item.path) && item.overlay.LargestBatchID > sinceBatchID {
			out[item.overlay.Key().MapKey()] = item.overlay
		}
		return true
	})
	return out, nil
}

// GetOverlaysForCollectionGroup implements DocumentOverlayCache.
func (c *memoryOverlayCache) GetOverlaysForCollectionGroup(
	group string, sinceBatchID model.BatchID, count int,
) (map[string]model.Overlay, error) {
	if count <= 0 {
		return map[string]model.Overlay{}, nil
	}
	c.mu.RLock()
	var matches []model.Overlay
	c.mu.overlays.Ascend(func(i btree.Item) bool {
		o := i.(overlayItem).overlay
		if o.LargestBatchID > sinceBatchID && o.Key().HasCollectionID(group) {
			matches = append(matches, o)
		}
		return true
	})
	c.mu.RUnlock()

	slices.SortFunc(matches, compareOverlays)
	out := make(map[string]model.Overlay)
	for _, o := range matches {
		if len(out) >= count {
			break
		}
		out[o.Key().MapKey()] = o
	}
	return out, nil
}

// batchKeys returns the documents grouped under the batch id, sorted.
func (c *memoryOverlayCache) batchKeys(id model.BatchID) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	docs, _ := c.mu.byBatch.Get(id)
	out := make([]string, 0, len(docs))
	for k := range docs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// checkInvariantsLocked verifies that the two structures of the cache agree.
// It is a no-op unless invariants are enabled.
func (c *memoryOverlayCache) checkInvariantsLocked() {
	if !invariants.Enabled {
		return
	}
	grouped := 0
	c.mu.byBatch.All(func(id model.BatchID, docs map[string]model.DocumentKey) bool {
		invariants.Assertf(len(docs) > 0, "empty document set for batch %s", id)
		for k, key := range docs {
			o, ok := c.getLocked(key.Path())
			if !ok || o.LargestBatchID != id {
				panic(fmt.Sprintf("document %s grouped under batch %s has overlay %s (present=%t)", k, id, o, ok))
			}
			grouped++
		}
		return true
	})
	invariants.Assertf(grouped == c.mu.overlays.Len(),
		"%d documents grouped by batch but %d overlays", grouped, c.mu.overlays.Len())
}
