// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package storage defines the ordered key-value engine the local store is
// built on. The engine owns durability and iteration; callers own the layout
// of keys and values.
package storage

import "github.com/cockroachdb/errors"

// Iterator iterates over a key range in byte-lexicographic order. The slices
// returned by Key and Value are only valid until the next positioning call.
type Iterator interface {
	First() bool
	Last() bool
	SeekGE(key []byte) bool
	SeekLT(key []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Reader reads from the engine or from a transaction.
type Reader interface {
	// Get returns a copy of the value stored at key, or base.ErrNotFound.
	Get(key []byte) ([]byte, error)
	// NewIter returns an iterator over the keys in [lower, upper). A nil bound
	// leaves that side of the range open.
	NewIter(lower, upper []byte) (Iterator, error)
}

// Writer writes to the engine or to a transaction.
type Writer interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	// DeleteRange deletes every key in [start, end).
	DeleteRange(start, end []byte) error
}

// ReadWriter is both a Reader and a Writer.
type ReadWriter interface {
	Reader
	Writer
}

// Txn buffers writes and applies them atomically on Commit. Reads through the
// Txn observe its own writes.
type Txn interface {
	ReadWriter
	// Commit atomically applies the buffered writes.
	Commit() error
	// Close releases the transaction. Uncommitted writes are discarded.
	Close() error
}

// Engine is an ordered key-value store. Writes made directly on the engine
// are applied immediately.
type Engine interface {
	ReadWriter
	NewTxn() Txn
	Close() error
}

// ErrStopScan may be returned by a Scan callback to end the scan early
// without an error.
var ErrStopScan = errors.New("storage: stop scan")

// Scan calls fn for every key in [start, end) in ascending order.
func Scan(r Reader, start, end []byte, fn func(key, value []byte) error) (err error) {
	iter, err := r.NewIter(start, end)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, iter.Close())
	}()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

// ScanKeys returns copies of every key in [start, end).
func ScanKeys(r Reader, start, end []byte) ([][]byte, error) {
	var out [][]byte
	err := Scan(r, start, end, func(key, _ []byte) error {
		out = append(out, append([]byte(nil), key...))
		return nil
	})
	return out, err
}
