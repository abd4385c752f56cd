// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/internal/orderedcode"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
)

// LoadNextBatchID returns the batch id to use for the next batch written by
// any user: one more than the largest batch id stored in the mutation table,
// or 1 if the table is empty.
//
// Only the mutation table is read. The scan visits one key per user: it seeks
// to the end of each user's range and steps back to the user's last batch.
func LoadNextBatchID(r storage.Reader) (model.BatchID, error) {
	var maxID model.BatchID
	err := forEachMutationUser(r, func(uid string, lastID model.BatchID) error {
		if lastID > maxID {
			maxID = lastID
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

// forEachMutationUser calls fn, in user order, with every user that has at
// least one batch in the mutation table together with that user's highest
// batch id.
func forEachMutationUser(
	r storage.Reader, fn func(uid string, lastID model.BatchID) error,
) (err error) {
	start, end := keys.TableSpan(keys.MutationsTable)
	iter, err := r.NewIter(start, end)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, iter.Close())
	}()

	for valid := iter.First(); valid; {
		first, err := decodeMutationKey(iter.Key())
		if err != nil {
			return err
		}
		userEnd := orderedcode.PrefixEnd(keys.MutationUserPrefix(first.UserID))
		if !iter.SeekLT(userEnd) {
			return errors.CombineErrors(
				base.CorruptionErrorf("localstore: lost position in mutation table after %s", first),
				iter.Error())
		}
		last, err := decodeMutationKey(iter.Key())
		if err != nil {
			return err
		}
		if err := fn(first.UserID, last.BatchID); err != nil {
			return err
		}
		valid = iter.SeekGE(userEnd)
	}
	return iter.Error()
}

func decodeMutationKey(b []byte) (keys.MutationKey, error) {
	k, err := keys.Decode(b)
	if err != nil {
		return keys.MutationKey{}, err
	}
	mk, ok := k.(keys.MutationKey)
	if !ok {
		return keys.MutationKey{}, base.CorruptionErrorf("localstore: unexpected key %s in mutation table", k)
	}
	return mk, nil
}
