// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
)

// batchIDAllocator hands out batch ids. Ids are never reused within a
// process, even when the transaction that allocated one is discarded.
type batchIDAllocator interface {
	allocateBatchID() (model.BatchID, error)
}

// MutationQueue is the queue of a user's pending local writes. A
// MutationQueue is bound to the transaction that created it and must not be
// used after that transaction ends.
//
// Batches are stored in the mutation table keyed by (user, batch id). Every
// batch also gets one row per document it touches in the document_mutation
// table, keyed by (user, document path, batch id), so that the batches
// affecting a document or a collection can be found without reading every
// batch.
type MutationQueue struct {
	rw      storage.ReadWriter
	ids     batchIDAllocator
	uid     string
	logger  Logger
	metrics *Metrics

	metadata model.MutationQueueMetadata
}

func newMutationQueue(
	rw storage.ReadWriter, ids batchIDAllocator, user model.User, logger Logger, metrics *Metrics,
) *MutationQueue {
	return &MutationQueue{rw: rw, ids: ids, uid: user.UID, logger: logger, metrics: metrics}
}

// Start loads the queue metadata. A queue that was never written to starts
// with default metadata.
func (q *MutationQueue) Start() error {
	q.metadata = model.MutationQueueMetadata{}
	v, err := q.rw.Get(keys.MutationQueueKey{UserID: q.uid}.Encode())
	if errors.Is(err, base.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return q.metadata.Unmarshal(v)
}

// User returns the user that owns the queue.
func (q *MutationQueue) User() model.User { return model.User{UID: q.uid} }

// IsEmpty returns true if the queue holds no batches.
func (q *MutationQueue) IsEmpty() (bool, error) {
	empty := true
	start, end := keys.PrefixSpan(keys.MutationUserPrefix(q.uid))
	err := storage.Scan(q.rw, start, end, func(_, _ []byte) error {
		empty = false
		return storage.ErrStopScan
	})
	return empty, err
}

// AddBatch appends a batch holding the mutations to the queue and indexes it
// by the documents it touches. The overlay cache is left untouched.
func (q *MutationQueue) AddBatch(
	localWriteTime time.Time, mutations []model.Mutation,
) (model.MutationBatch, error) {
	if len(mutations) == 0 {
		return model.MutationBatch{}, errors.New("localstore: cannot add an empty batch")
	}
	for i := range mutations {
		if mutations[i].Key.IsZero() {
			return model.MutationBatch{}, errors.Newf("localstore: mutation %d has no document key", errors.Safe(i))
		}
	}
	id, err := q.ids.allocateBatchID()
	if err != nil {
		return model.MutationBatch{}, err
	}
	batch := model.MutationBatch{
		ID:             id,
		UserID:         q.uid,
		StreamToken:    q.metadata.LastStreamToken,
		LocalWriteTime: localWriteTime.Round(0).UTC(),
		Mutations:      slices.Clone(mutations),
	}
	if err := q.rw.Set(keys.MutationKey{UserID: q.uid, BatchID: id}.Encode(), batch.Marshal()); err != nil {
		return model.MutationBatch{}, err
	}
	for _, key := range batch.Keys() {
		k := keys.DocumentMutationKey{UserID: q.uid, DocumentKey: key, BatchID: id}
		if err := q.rw.Set(k.Encode(), nil); err != nil {
			return model.MutationBatch{}, err
		}
	}
	q.metrics.BatchesAdded.Inc()
	return batch, nil
}

// LookupBatch returns the batch with the given id. The boolean is false if
// the queue does not hold the batch.
func (q *MutationQueue) LookupBatch(id model.BatchID) (model.MutationBatch, bool, error) {
	v, err := q.rw.Get(keys.MutationKey{UserID: q.uid, BatchID: id}.Encode())
	if errors.Is(err, base.ErrNotFound) {
		return model.MutationBatch{}, false, nil
	} else if err != nil {
		return model.MutationBatch{}, false, err
	}
	var batch model.MutationBatch
	if err := batch.Unmarshal(v); err != nil {
		return model.MutationBatch{}, false, errors.Wrapf(err, "localstore: batch %s of user %s", id, q.User())
	}
	return batch, true, nil
}

// NextBatchAfter returns the first batch with an id greater than id.
func (q *MutationQueue) NextBatchAfter(id model.BatchID) (model.MutationBatch, bool, error) {
	var batch model.MutationBatch
	found := false
	start := keys.MutationKey{UserID: q.uid, BatchID: id + 1}.Encode()
	_, end := keys.PrefixSpan(keys.MutationUserPrefix(q.uid))
	err := storage.Scan(q.rw, start, end, func(_, value []byte) error {
		if err := batch.Unmarshal(value); err != nil {
			return err
		}
		found = true
		return storage.ErrStopScan
	})
	if err != nil || !found {
		return model.MutationBatch{}, false, err
	}
	return batch, true, nil
}

// HighestUnacknowledgedBatchID returns the id of the newest batch in the
// queue, or model.UnknownBatchID if the queue is empty.
func (q *MutationQueue) HighestUnacknowledgedBatchID() (_ model.BatchID, err error) {
	iter, err := q.rw.NewIter(keys.PrefixSpan(keys.MutationUserPrefix(q.uid)))
	if err != nil {
		return 0, err
	}
	defer func() {
		err = errors.CombineErrors(err, iter.Close())
	}()
	if !iter.Last() {
		return model.UnknownBatchID, iter.Error()
	}
	k, err := decodeMutationKey(iter.Key())
	if err != nil {
		return 0, err
	}
	return k.BatchID, nil
}

// AllBatches returns every batch in the queue in ascending batch id order.
func (q *MutationQueue) AllBatches() ([]model.MutationBatch, error) {
	var batches []model.MutationBatch
	start, end := keys.PrefixSpan(keys.MutationUserPrefix(q.uid))
	err := storage.Scan(q.rw, start, end, func(_, value []byte) error {
		var batch model.MutationBatch
		if err := batch.Unmarshal(value); err != nil {
			return err
		}
		batches = append(batches, batch)
		return nil
	})
	return batches, err
}

// AllBatchesAffectingDocumentKey returns the batches that touch the document,
// in ascending batch id order.
func (q *MutationQueue) AllBatchesAffectingDocumentKey(
	key model.DocumentKey,
) ([]model.MutationBatch, error) {
	ids, err := q.indexedBatchIDs(keys.DocumentMutationDocumentPrefix(q.uid, key), nil)
	if err != nil {
		return nil, err
	}
	return q.lookupIndexedBatches(ids)
}

// AllBatchesAffectingDocumentKeys returns the batches that touch any of the
// documents, in ascending batch id order and without duplicates.
func (q *MutationQueue) AllBatchesAffectingDocumentKeys(
	docKeys []model.DocumentKey,
) ([]model.MutationBatch, error) {
	var ids []model.BatchID
	for _, key := range docKeys {
		var err error
		ids, err = q.appendIndexedBatchIDs(ids, keys.DocumentMutationDocumentPrefix(q.uid, key), nil)
		if err != nil {
			return nil, err
		}
	}
	return q.lookupIndexedBatches(ids)
}

// AllBatchesAffectingCollection returns the batches that touch a document
// that is an immediate child of the collection, in ascending batch id order.
func (q *MutationQueue) AllBatchesAffectingCollection(
	collection model.ResourcePath,
) ([]model.MutationBatch, error) {
	ids, err := q.indexedBatchIDs(
		keys.DocumentMutationPathPrefix(q.uid, collection),
		func(k keys.DocumentMutationKey) bool {
			return collection.IsImmediateParentOf(k.DocumentKey.Path())
		})
	if err != nil {
		return nil, err
	}
	return q.lookupIndexedBatches(ids)
}

func (q *MutationQueue) indexedBatchIDs(
	prefix []byte, filter func(keys.DocumentMutationKey) bool,
) ([]model.BatchID, error) {
	return q.appendIndexedBatchIDs(nil, prefix, filter)
}

// appendIndexedBatchIDs appends the batch ids of the document_mutation rows
// under the prefix that pass the filter.
func (q *MutationQueue) appendIndexedBatchIDs(
	ids []model.BatchID, prefix []byte, filter func(keys.DocumentMutationKey) bool,
) ([]model.BatchID, error) {
	start, end := keys.PrefixSpan(prefix)
	err := storage.Scan(q.rw, start, end, func(key, _ []byte) error {
		k, err := decodeDocumentMutationKey(key)
		if err != nil {
			return err
		}
		if filter == nil || filter(k) {
			ids = append(ids, k.BatchID)
		}
		return nil
	})
	return ids, err
}

// lookupIndexedBatches reads the batches named by index rows. Every index
// row must point at a stored batch.
func (q *MutationQueue) lookupIndexedBatches(ids []model.BatchID) ([]model.MutationBatch, error) {
	slices.Sort(ids)
	ids = slices.Compact(ids)
	batches := make([]model.MutationBatch, 0, len(ids))
	for _, id := range ids {
		batch, ok, err := q.LookupBatch(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, base.CorruptionErrorf(
				"localstore: dangling document mutation reference to batch %s of user %s", id, q.User())
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// RemoveBatch removes the batch and its index rows. Removing a batch that is
// not in the queue is a no-op.
func (q *MutationQueue) RemoveBatch(id model.BatchID) error {
	_, _, err := q.removeBatch(id)
	return err
}

func (q *MutationQueue) removeBatch(id model.BatchID) (model.MutationBatch, bool, error) {
	batch, ok, err := q.LookupBatch(id)
	if err != nil || !ok {
		return model.MutationBatch{}, false, err
	}
	if err := q.rw.Delete(keys.MutationKey{UserID: q.uid, BatchID: id}.Encode()); err != nil {
		return model.MutationBatch{}, false, err
	}
	for _, key := range batch.Keys() {
		k := keys.DocumentMutationKey{UserID: q.uid, DocumentKey: key, BatchID: id}
		if err := q.rw.Delete(k.Encode()); err != nil {
			return model.MutationBatch{}, false, err
		}
	}
	q.metrics.BatchesRemoved.Inc()
	return batch, true, nil
}

// AcknowledgeBatch records that the backend acknowledged the batch and
// stores the stream token that came with the acknowledgement. The batch
// itself stays in the queue until it is removed.
func (q *MutationQueue) AcknowledgeBatch(id model.BatchID, streamToken []byte) error {
	if id > q.metadata.LastAcknowledgedBatchID {
		q.metadata.LastAcknowledgedBatchID = id
	}
	q.metadata.LastStreamToken = slices.Clone(streamToken)
	return q.writeMetadata()
}

// LastAcknowledgedBatchID returns the id of the newest acknowledged batch,
// or zero if none was acknowledged.
func (q *MutationQueue) LastAcknowledgedBatchID() model.BatchID {
	return q.metadata.LastAcknowledgedBatchID
}

// LastStreamToken returns the last stream token stored for the queue.
func (q *MutationQueue) LastStreamToken() []byte {
	return q.metadata.LastStreamToken
}

// SetLastStreamToken stores the stream token.
func (q *MutationQueue) SetLastStreamToken(streamToken []byte) error {
	q.metadata.LastStreamToken = slices.Clone(streamToken)
	return q.writeMetadata()
}

func (q *MutationQueue) writeMetadata() error {
	return q.rw.Set(keys.MutationQueueKey{UserID: q.uid}.Encode(), q.metadata.Marshal())
}

// CheckConsistency verifies that an empty queue left no document index rows
// behind. It returns a corruption error naming the first dangling row.
func (q *MutationQueue) CheckConsistency() error {
	empty, err := q.IsEmpty()
	if err != nil || !empty {
		return err
	}
	var dangling []keys.DocumentMutationKey
	start, end := keys.PrefixSpan(keys.DocumentMutationUserPrefix(q.uid))
	err = storage.Scan(q.rw, start, end, func(key, _ []byte) error {
		k, err := decodeDocumentMutationKey(key)
		if err != nil {
			return err
		}
		dangling = append(dangling, k)
		return nil
	})
	if err != nil {
		return err
	}
	if len(dangling) > 0 {
		q.logger.Errorf("queue of user %s is empty but has %d document mutation rows",
			q.User(), len(dangling))
		return base.CorruptionErrorf(
			"localstore: %d dangling document mutation references in empty queue of user %s, first %s",
			len(dangling), q.User(), dangling[0])
	}
	return nil
}

func decodeDocumentMutationKey(b []byte) (keys.DocumentMutationKey, error) {
	k, err := keys.Decode(b)
	if err != nil {
		return keys.DocumentMutationKey{}, err
	}
	dk, ok := k.(keys.DocumentMutationKey)
	if !ok {
		return keys.DocumentMutationKey{}, base.CorruptionErrorf(
			"localstore: unexpected key %s in document mutation table", k)
	}
	return dk, nil
}
