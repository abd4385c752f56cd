// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package storage

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/internal/invariants"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Options configures a pebble-backed Engine.
type Options struct {
	// FS is the filesystem the engine lives on. vfs.NewMem() gives a purely
	// in-memory engine.
	FS vfs.FS
	// Logger receives the engine's log output.
	Logger base.Logger
	// ReadOnly opens the engine without allowing writes.
	ReadOnly bool
	// DisableSync commits writes without waiting for them to reach stable
	// storage.
	DisableSync bool
}

func (o *Options) ensureDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
}

// Open opens (creating if necessary) a pebble engine in dirname.
func Open(dirname string, opts Options) (Engine, error) {
	opts.ensureDefaults()
	db, err := pebble.Open(dirname, &pebble.Options{
		FS:       opts.FS,
		Logger:   opts.Logger,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "storage: opening %q", dirname)
	}
	e := &pebbleEngine{db: db, writeOpts: pebble.Sync}
	if opts.DisableSync {
		e.writeOpts = pebble.NoSync
	}
	return e, nil
}

// NewMem returns an empty in-memory engine.
func NewMem(logger base.Logger) (Engine, error) {
	return Open("", Options{FS: vfs.NewMem(), Logger: logger, DisableSync: true})
}

type pebbleEngine struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

var _ Engine = (*pebbleEngine)(nil)

func (e *pebbleEngine) Get(key []byte) ([]byte, error) {
	return get(e.db, key)
}

func (e *pebbleEngine) NewIter(lower, upper []byte) (Iterator, error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return iter, nil
}

func (e *pebbleEngine) Set(key, value []byte) error {
	return e.db.Set(key, value, e.writeOpts)
}

func (e *pebbleEngine) Delete(key []byte) error {
	return e.db.Delete(key, e.writeOpts)
}

func (e *pebbleEngine) DeleteRange(start, end []byte) error {
	return e.db.DeleteRange(start, end, e.writeOpts)
}

func (e *pebbleEngine) NewTxn() Txn {
	return &pebbleTxn{batch: e.db.NewIndexedBatch(), writeOpts: e.writeOpts}
}

func (e *pebbleEngine) Close() error {
	return e.db.Close()
}

// pebbleTxn is an indexed batch: it buffers writes in memory and serves reads
// from the batch merged with the underlying DB.
type pebbleTxn struct {
	batch     *pebble.Batch
	writeOpts *pebble.WriteOptions
	closed    invariants.CloseChecker
}

var _ Txn = (*pebbleTxn)(nil)

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	t.closed.AssertNotClosed()
	return get(t.batch, key)
}

func (t *pebbleTxn) NewIter(lower, upper []byte) (Iterator, error) {
	t.closed.AssertNotClosed()
	iter, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return iter, nil
}

func (t *pebbleTxn) Set(key, value []byte) error {
	return t.batch.Set(key, value, nil)
}

func (t *pebbleTxn) Delete(key []byte) error {
	return t.batch.Delete(key, nil)
}

func (t *pebbleTxn) DeleteRange(start, end []byte) error {
	return t.batch.DeleteRange(start, end, nil)
}

func (t *pebbleTxn) Commit() error {
	t.closed.AssertNotClosed()
	return t.batch.Commit(t.writeOpts)
}

func (t *pebbleTxn) Close() error {
	t.closed.Close()
	return t.batch.Close()
}

// getter is implemented by both *pebble.DB and *pebble.Batch.
type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func get(g getter, key []byte) ([]byte, error) {
	v, closer, err := g.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, base.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}
