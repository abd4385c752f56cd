// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
)

// overlayCacheModeKey records the overlay cache mode the store was last
// opened writable with.
var overlayCacheModeKey = keys.MetadataKey{Name: "overlay_cache"}.Encode()

// overlayTables are the tables of the persisted overlay cache.
var overlayTables = []keys.Table{
	keys.DocumentOverlaysTable,
	keys.OverlaysByBatchTable,
	keys.OverlaysByCollectionTable,
	keys.OverlaysByCollectionGroupTable,
}

// loadOverlayCacheMode returns the recorded overlay cache mode. ok is false
// if the store has never been opened writable.
func loadOverlayCacheMode(r storage.Reader) (mode OverlayCacheMode, ok bool, err error) {
	v, err := r.Get(overlayCacheModeKey)
	if errors.Is(err, base.ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	mode, err = ParseOverlayCacheMode(string(v))
	if err != nil {
		return 0, false, base.MarkCorruptionError(err)
	}
	return mode, true, nil
}

// reconcileOverlayCacheMode makes the persisted overlay tables agree with
// the mode the store is opened with and records that mode. Opening in
// persisted mode after any other mode rebuilds the tables of every user from
// the queue, since batches written in memory mode left no persisted
// overlays. Opening in memory mode after persisted mode drops the tables,
// which would otherwise go stale.
//
// A read-only store cannot rebuild, so opening one in persisted mode fails
// if it was last written in memory mode.
func (d *DB) reconcileOverlayCacheMode(users []model.User) error {
	stored, ok, err := loadOverlayCacheMode(d.engine)
	if err != nil {
		return errors.Wrap(err, "localstore: loading overlay cache mode")
	}
	mode := d.opts.OverlayCache
	if ok && stored == mode {
		return nil
	}
	if d.opts.ReadOnly {
		if ok && mode == OverlayCachePersisted {
			return errors.Newf("localstore: store was last written with the %s overlay cache; "+
				"open it writable to rebuild persisted overlays", stored)
		}
		return nil
	}

	etxn := d.engine.NewTxn()
	err = func() error {
		for _, t := range overlayTables {
			if err := etxn.DeleteRange(keys.TableSpan(t)); err != nil {
				return err
			}
		}
		if mode == OverlayCachePersisted {
			for _, u := range users {
				q := newMutationQueue(etxn, nil, u, d.opts.Logger, d.metrics)
				if err := q.Start(); err != nil {
					return err
				}
				if _, err := rebuildOverlays(q, newPersistedOverlayCache(etxn, u, d.metrics)); err != nil {
					return errors.Wrapf(err, "rebuilding overlays of user %s", u)
				}
			}
		}
		if err := etxn.Set(overlayCacheModeKey, []byte(mode.String())); err != nil {
			return err
		}
		return etxn.Commit()
	}()
	err = errors.CombineErrors(err, etxn.Close())
	if err != nil {
		return errors.Wrap(err, "localstore: switching overlay cache mode")
	}
	if ok {
		d.opts.Logger.Infof("switched overlay cache from %s to %s: %d users", stored, mode, len(users))
	}
	return nil
}

// RebuildOverlays discards the user's overlays and recomputes them from the
// batches in the user's queue. It returns the number of batches replayed.
//
// Overlays are derived data: rebuilding them is how a store recovers
// overlays that are missing, stale or corrupt, and how overlays come back
// after a restart when they are kept in memory.
func (d *DB) RebuildOverlays(user model.User) (int, error) {
	var n int
	err := d.Run("rebuild-overlays", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		n, err = rebuildOverlays(q, txn.overlayCache(user))
		return err
	})
	if err != nil {
		return 0, err
	}
	d.opts.Logger.Infof("rebuilt overlays of user %s from %d batches", user, n)
	return n, nil
}

// rebuildOverlays clears the cache and replays every batch of the queue into
// it in ascending batch id order, so that each document ends up with the
// last mutation of the highest batch touching it.
func rebuildOverlays(q *MutationQueue, cache overlayCache) (int, error) {
	if err := cache.clear(); err != nil {
		return 0, err
	}
	batches, err := q.AllBatches()
	if err != nil {
		return 0, err
	}
	for _, b := range batches {
		if err := cache.SaveOverlays(b.ID, b.LastMutationsByKey()); err != nil {
			return 0, err
		}
	}
	return len(batches), nil
}

// recalculateOverlays restores the overlay of each document from the highest
// batch still touching it. Documents whose overlay belongs to a higher batch
// are left alone.
func recalculateOverlays(q *MutationQueue, cache DocumentOverlayCache, docs []model.DocumentKey) error {
	for _, key := range docs {
		batches, err := q.AllBatchesAffectingDocumentKey(key)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			continue
		}
		last := batches[len(batches)-1]
		if o, ok, err := cache.GetOverlay(key); err != nil {
			return err
		} else if ok && o.LargestBatchID >= last.ID {
			continue
		}
		m, ok := last.LastMutationsByKey()[key.MapKey()]
		if !ok {
			continue
		}
		if err := cache.SaveOverlay(last.ID, m); err != nil {
			return err
		}
	}
	return nil
}
