// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/internal/orderedcode"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
)

// persistedOverlayCache stores a user's overlays in the engine, written in
// the caller's transaction. Besides the overlay records it maintains three
// index tables, by batch id, by collection and by collection group, which
// are updated together with the record they point at.
type persistedOverlayCache struct {
	rw      storage.ReadWriter
	uid     string
	metrics *Metrics
}

var _ overlayCache = (*persistedOverlayCache)(nil)

func newPersistedOverlayCache(rw storage.ReadWriter, user model.User, metrics *Metrics) *persistedOverlayCache {
	return &persistedOverlayCache{rw: rw, uid: user.UID, metrics: metrics}
}

// GetOverlay implements DocumentOverlayCache.
func (c *persistedOverlayCache) GetOverlay(key model.DocumentKey) (model.Overlay, bool, error) {
	v, err := c.rw.Get(keys.OverlayKey{UserID: c.uid, DocumentKey: key}.Encode())
	if errors.Is(err, base.ErrNotFound) {
		return model.Overlay{}, false, nil
	} else if err != nil {
		return model.Overlay{}, false, err
	}
	var o model.Overlay
	if err := o.Unmarshal(v); err != nil {
		return model.Overlay{}, false, errors.Wrapf(err, "localstore: overlay of %s", key)
	}
	return o, true, nil
}

// SaveOverlay implements DocumentOverlayCache.
func (c *persistedOverlayCache) SaveOverlay(largestBatchID model.BatchID, mutation model.Mutation) error {
	key := mutation.Key
	prev, ok, err := c.GetOverlay(key)
	if err != nil {
		return err
	}
	if ok {
		if err := c.deleteIndexRows(prev.LargestBatchID, key); err != nil {
			return err
		}
	}
	o := model.Overlay{LargestBatchID: largestBatchID, Mutation: mutation}
	if err := c.rw.Set(keys.OverlayKey{UserID: c.uid, DocumentKey: key}.Encode(), o.Marshal()); err != nil {
		return err
	}
	for _, k := range c.indexKeys(largestBatchID, key) {
		if err := c.rw.Set(k.Encode(), nil); err != nil {
			return err
		}
	}
	c.metrics.OverlaysSaved.Inc()
	return nil
}

// SaveOverlays implements DocumentOverlayCache. The overlays become visible
// when the enclosing transaction commits.
func (c *persistedOverlayCache) SaveOverlays(
	largestBatchID model.BatchID, mutations map[string]model.Mutation,
) error {
	for _, m := range mutations {
		if err := c.SaveOverlay(largestBatchID, m); err != nil {
			return err
		}
	}
	return nil
}

// indexKeys returns the index rows of an overlay.
func (c *persistedOverlayCache) indexKeys(id model.BatchID, key model.DocumentKey) []keys.Key {
	return []keys.Key{
		keys.OverlayByBatchKey{UserID: c.uid, BatchID: id, DocumentKey: key},
		keys.OverlayByCollectionKey{
			UserID: c.uid, Collection: key.CollectionPath(), BatchID: id, DocumentID: key.ID(),
		},
		keys.OverlayByCollectionGroupKey{
			UserID: c.uid, CollectionGroup: key.CollectionGroup(), BatchID: id, DocumentKey: key,
		},
	}
}

func (c *persistedOverlayCache) deleteIndexRows(id model.BatchID, key model.DocumentKey) error {
	for _, k := range c.indexKeys(id, key) {
		if err := c.rw.Delete(k.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlaysForBatchID implements DocumentOverlayCache.
func (c *persistedOverlayCache) RemoveOverlaysForBatchID(batchID model.BatchID) error {
	var docs []model.DocumentKey
	start, end := keys.PrefixSpan(keys.OverlayByBatchPrefix(c.uid, batchID))
	err := storage.Scan(c.rw, start, end, func(key, _ []byte) error {
		k, err := keys.Decode(key)
		if err != nil {
			return err
		}
		bk, ok := k.(keys.OverlayByBatchKey)
		if !ok {
			return base.CorruptionErrorf("localstore: unexpected key %s in overlay batch index", k)
		}
		docs = append(docs, bk.DocumentKey)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range docs {
		o, ok, err := c.GetOverlay(key)
		if err != nil {
			return err
		}
		// The index row is stale if the document's overlay moved to another
		// batch. Only the row goes in that case.
		if ok && o.LargestBatchID == batchID {
			if err := c.rw.Delete(keys.OverlayKey{UserID: c.uid, DocumentKey: key}.Encode()); err != nil {
				return err
			}
			c.metrics.OverlaysRemoved.Inc()
		}
		if err := c.deleteIndexRows(batchID, key); err != nil {
			return err
		}
	}
	return nil
}

// GetOverlaysForCollection implements DocumentOverlayCache.
func (c *persistedOverlayCache) GetOverlaysForCollection(
	collection model.ResourcePath, sinceBatchID model.BatchID,
) (map[string]model.Overlay, error) {
	if sinceBatchID == math.MaxInt64 {
		return map[string]model.Overlay{}, nil
	}
	prefix := keys.OverlayByCollectionPrefix(c.uid, collection)
	var docs []model.DocumentKey
	err := storage.Scan(c.rw,
		keys.AppendBatchIDLowerBound(prefix, sinceBatchID+1), orderedcode.PrefixEnd(prefix),
		func(key, _ []byte) error {
			k, err := keys.Decode(key)
			if err != nil {
				return err
			}
			ck, ok := k.(keys.OverlayByCollectionKey)
			if !ok {
				return base.CorruptionErrorf("localstore: unexpected key %s in overlay collection index", k)
			}
			doc, err := ck.DocumentKey()
			if err != nil {
				return base.MarkCorruptionError(err)
			}
			docs = append(docs, doc)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return c.fetch(docs)
}

// GetOverlaysForCollectionGroup implements DocumentOverlayCache.
func (c *persistedOverlayCache) GetOverlaysForCollectionGroup(
	group string, sinceBatchID model.BatchID, count int,
) (map[string]model.Overlay, error) {
	if count <= 0 || sinceBatchID == math.MaxInt64 {
		return map[string]model.Overlay{}, nil
	}
	prefix := keys.OverlayByCollectionGroupPrefix(c.uid, group)
	var docs []model.DocumentKey
	err := storage.Scan(c.rw,
		keys.AppendBatchIDLowerBound(prefix, sinceBatchID+1), orderedcode.PrefixEnd(prefix),
		func(key, _ []byte) error {
			k, err := keys.Decode(key)
			if err != nil {
				return err
			}
			gk, ok := k.(keys.OverlayByCollectionGroupKey)
			if !ok {
				return base.CorruptionErrorf("localstore: unexpected key %s in overlay collection group index", k)
			}
			docs = append(docs, gk.DocumentKey)
			if len(docs) >= count {
				return storage.ErrStopScan
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return c.fetch(docs)
}

// fetch reads the overlays named by index rows. Every index row must point
// at a stored overlay.
func (c *persistedOverlayCache) fetch(docs []model.DocumentKey) (map[string]model.Overlay, error) {
	out := make(map[string]model.Overlay, len(docs))
	for _, key := range docs {
		o, ok, err := c.GetOverlay(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, base.CorruptionErrorf("localstore: overlay index points at missing overlay of %s", key)
		}
		out[key.MapKey()] = o
	}
	return out, nil
}

func (c *persistedOverlayCache) clear() error {
	for _, prefix := range [][]byte{
		keys.OverlayUserPrefix(c.uid),
		keys.OverlayByBatchUserPrefix(c.uid),
		keys.OverlayByCollectionUserPrefix(c.uid),
		keys.OverlayByCollectionGroupUserPrefix(c.uid),
	} {
		if err := c.rw.DeleteRange(keys.PrefixSpan(prefix)); err != nil {
			return err
		}
	}
	return nil
}
