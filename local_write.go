// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import "github.com/cockroachdb/localstore/model"

// LocalWriteResult describes a batch written by WriteLocally.
type LocalWriteResult struct {
	BatchID model.BatchID
	// Keys are the documents the batch touches, in the order they first
	// appear in the batch.
	Keys []model.DocumentKey
}

// WriteLocally appends a batch holding the mutations to the user's queue and
// makes the batch the overlay of every document it touches, in a single
// transaction.
func (d *DB) WriteLocally(user model.User, mutations []model.Mutation) (LocalWriteResult, error) {
	var res LocalWriteResult
	err := d.Run("write-locally", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		batch, err := q.AddBatch(d.opts.Clock(), mutations)
		if err != nil {
			return err
		}
		if err := txn.DocumentOverlayCache(user).SaveOverlays(batch.ID, batch.LastMutationsByKey()); err != nil {
			return err
		}
		res = LocalWriteResult{BatchID: batch.ID, Keys: batch.Keys()}
		return nil
	})
	return res, err
}

// AcknowledgeBatch handles the backend's acknowledgement of a batch: the
// stream token is stored and the batch is removed from the queue together
// with its overlays. Acknowledging a batch that is no longer queued only
// stores the stream token.
func (d *DB) AcknowledgeBatch(user model.User, batchID model.BatchID, streamToken []byte) error {
	return d.Run("acknowledge-batch", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		if err := q.AcknowledgeBatch(batchID, streamToken); err != nil {
			return err
		}
		return txn.removeBatch(q, batchID)
	})
}

// RejectBatch handles the backend's rejection of a batch: the batch is
// removed from the queue together with its overlays. Rejecting a batch that
// is no longer queued is a no-op.
func (d *DB) RejectBatch(user model.User, batchID model.BatchID) error {
	return d.Run("reject-batch", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		return txn.removeBatch(q, batchID)
	})
}

// LookupBatch returns a queued batch of the user.
func (d *DB) LookupBatch(user model.User, batchID model.BatchID) (model.MutationBatch, bool, error) {
	var batch model.MutationBatch
	var ok bool
	err := d.View("lookup-batch", func(txn *Txn) error {
		q, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		batch, ok, err = q.LookupBatch(batchID)
		return err
	})
	return batch, ok, err
}

// GetOverlay returns the overlay of a document of the user.
func (d *DB) GetOverlay(user model.User, key model.DocumentKey) (model.Overlay, bool, error) {
	var o model.Overlay
	var ok bool
	err := d.View("get-overlay", func(txn *Txn) (err error) {
		o, ok, err = txn.DocumentOverlayCache(user).GetOverlay(key)
		return err
	})
	return o, ok, err
}

// removeBatch removes a batch from the queue and its overlays from the
// user's overlay cache. The documents the batch touched get their overlay
// back from the highest remaining batch that touches them, if any.
func (t *Txn) removeBatch(q *MutationQueue, batchID model.BatchID) error {
	batch, ok, err := q.removeBatch(batchID)
	if err != nil || !ok {
		return err
	}
	cache := t.overlayCache(q.User())
	if err := cache.RemoveOverlaysForBatchID(batchID); err != nil {
		return err
	}
	if err := recalculateOverlays(q, cache, batch.Keys()); err != nil {
		return err
	}
	return q.CheckConsistency()
}
