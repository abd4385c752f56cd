// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package localstore implements the local persistence layer of an offline
// capable document database client: a durable per-user queue of pending
// write batches, an index from documents to the batches touching them, and
// a cache of document overlays, the net pending effect on each document.
package localstore // import "github.com/cockroachdb/localstore"

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/internal/invariants"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
	"github.com/cockroachdb/swiss"
)

// ErrClosed is returned when an operation is performed on a closed store.
var ErrClosed = errors.New("localstore: closed")

// DB is a local store. It is safe for concurrent use. Write transactions are
// serialized; read-only transactions run concurrently with each other.
type DB struct {
	dirname string
	opts    *Options
	engine  storage.Engine
	metrics *Metrics
	closed  atomic.Bool

	mu struct {
		// Held exclusively by write transactions and shared by read-only
		// transactions.
		sync.RWMutex
		// nextBatchID is the id handed to the next batch. It only grows.
		nextBatchID model.BatchID
	}

	memOverlays struct {
		sync.Mutex
		byUser swiss.Map[string, *memoryOverlayCache]
	}
}

// Open opens the local store in dirname, creating it if necessary. The batch
// id counter is recovered from the mutation queue, and in-memory overlays are
// rebuilt from it.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.Clone()
	opts.EnsureDefaults()

	engine, err := storage.Open(dirname, storage.Options{
		FS:          opts.FS,
		Logger:      opts.Logger,
		ReadOnly:    opts.ReadOnly,
		DisableSync: opts.DisableSync,
	})
	if err != nil {
		return nil, err
	}
	d := &DB{
		dirname: dirname,
		opts:    opts,
		engine:  engine,
		metrics: newMetrics(),
	}
	d.memOverlays.byUser.Init(4)
	if err := d.recover(); err != nil {
		return nil, errors.CombineErrors(err, engine.Close())
	}
	return d, nil
}

func (d *DB) recover() error {
	next, err := LoadNextBatchID(d.engine)
	if err != nil {
		return errors.Wrap(err, "localstore: recovering next batch id")
	}
	d.mu.nextBatchID = next

	users, err := d.users()
	if err != nil {
		return err
	}
	if err := d.reconcileOverlayCacheMode(users); err != nil {
		return err
	}
	if d.opts.OverlayCache == OverlayCacheMemory {
		for _, u := range users {
			if err := d.rebuildMemoryOverlays(u.UID); err != nil {
				return err
			}
		}
	}
	if d.opts.CheckConsistencyOnOpen {
		for _, u := range users {
			err := d.View("check-consistency", func(txn *Txn) error {
				q, err := txn.MutationQueue(u)
				if err != nil {
					return err
				}
				return q.CheckConsistency()
			})
			if err != nil {
				return err
			}
		}
	}
	d.opts.Logger.Infof("opened local store %q: %d users, next batch id %s, %s overlay cache",
		d.dirname, len(users), next, d.opts.OverlayCache)
	return nil
}

// Close closes the store. Transactions must not be in progress.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.Close()
}

// Metrics returns the metrics of the store.
func (d *DB) Metrics() *Metrics {
	return d.metrics
}

// Options returns the options the store was opened with.
func (d *DB) Options() *Options {
	return d.opts
}

// NextBatchID returns the id the next batch will get.
func (d *DB) NextBatchID() model.BatchID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mu.nextBatchID
}

// Users returns, in order, every user that has a mutation queue record or a
// pending batch.
func (d *DB) Users() ([]model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return nil, ErrClosed
	}
	return d.users()
}

func (d *DB) users() ([]model.User, error) {
	var uids []string
	start, end := keys.TableSpan(keys.MutationQueuesTable)
	err := storage.Scan(d.engine, start, end, func(key, _ []byte) error {
		k, err := keys.Decode(key)
		if err != nil {
			return err
		}
		qk, ok := k.(keys.MutationQueueKey)
		if !ok {
			return base.CorruptionErrorf("localstore: unexpected key %s in mutation queue table", k)
		}
		uids = append(uids, qk.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = forEachMutationUser(d.engine, func(uid string, _ model.BatchID) error {
		uids = append(uids, uid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(uids)
	uids = slices.Compact(uids)
	users := make([]model.User, len(uids))
	for i, uid := range uids {
		users[i] = model.User{UID: uid}
	}
	return users, nil
}

// Run runs fn in a write transaction. The transaction commits if fn returns
// nil and is discarded otherwise. Write transactions are serialized.
func (d *DB) Run(label string, fn func(*Txn) error) (err error) {
	if d.opts.ReadOnly {
		return errors.Newf("localstore: %s: store is read-only", errors.Safe(label))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}

	start := crtime.NowMono()
	etxn := d.engine.NewTxn()
	txn := &Txn{db: d, rw: etxn, label: label}
	defer func() {
		err = errors.CombineErrors(err, etxn.Close())
		if err != nil {
			d.restoreMemoryOverlays(txn)
		}
	}()

	if err := fn(txn); err != nil {
		return err
	}
	if err := etxn.Commit(); err != nil {
		return errors.Wrapf(err, "localstore: committing %s", errors.Safe(label))
	}
	d.metrics.TxnLatency.Observe(start.Elapsed().Seconds())
	return nil
}

// View runs fn in a read-only transaction. Writes made through the
// transaction fail.
func (d *DB) View(label string, fn func(*Txn) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}
	return fn(&Txn{db: d, rw: readOnlyReadWriter{d.engine}, label: label, readOnly: true})
}

// restoreMemoryOverlays rebuilds the in-memory overlays of the users whose
// overlays a failed transaction may have modified.
func (d *DB) restoreMemoryOverlays(txn *Txn) {
	for uid := range txn.touchedMemOverlays {
		if err := d.rebuildMemoryOverlays(uid); err != nil {
			d.opts.Logger.Errorf("restoring overlays of user %s after failed %s: %v",
				model.User{UID: uid}, txn.label, err)
		}
	}
}

func (d *DB) memoryOverlayCache(uid string) *memoryOverlayCache {
	d.memOverlays.Lock()
	defer d.memOverlays.Unlock()
	c, ok := d.memOverlays.byUser.Get(uid)
	if !ok {
		c = newMemoryOverlayCache(uid, d.metrics)
		d.memOverlays.byUser.Put(uid, c)
	}
	return c
}

// rebuildMemoryOverlays replays the committed batches of the user into the
// user's memory overlay cache.
func (d *DB) rebuildMemoryOverlays(uid string) error {
	user := model.User{UID: uid}
	q := newMutationQueue(readOnlyReadWriter{d.engine}, nil, user, d.opts.Logger, d.metrics)
	if err := q.Start(); err != nil {
		return err
	}
	_, err := rebuildOverlays(q, d.memoryOverlayCache(uid))
	return err
}

// Txn is a transaction over the store. A Txn is only valid inside the
// function passed to DB.Run or DB.View.
type Txn struct {
	db       *DB
	rw       storage.ReadWriter
	label    string
	readOnly bool
	// touchedMemOverlays holds the users whose memory overlay cache was handed
	// out by a write transaction.
	touchedMemOverlays map[string]struct{}
}

// Label returns the label the transaction was started with.
func (t *Txn) Label() string { return t.label }

// MutationQueue returns the started mutation queue of the user.
func (t *Txn) MutationQueue(user model.User) (*MutationQueue, error) {
	q := newMutationQueue(t.rw, t, user, t.db.opts.Logger, t.db.metrics)
	if err := q.Start(); err != nil {
		return nil, err
	}
	return q, nil
}

// DocumentOverlayCache returns the overlay cache of the user.
func (t *Txn) DocumentOverlayCache(user model.User) DocumentOverlayCache {
	return t.overlayCache(user)
}

func (t *Txn) overlayCache(user model.User) overlayCache {
	var c overlayCache
	switch t.db.opts.OverlayCache {
	case OverlayCacheMemory:
		c = t.db.memoryOverlayCache(user.UID)
		if !t.readOnly {
			if t.touchedMemOverlays == nil {
				t.touchedMemOverlays = make(map[string]struct{})
			}
			t.touchedMemOverlays[user.UID] = struct{}{}
		}
	default:
		c = newPersistedOverlayCache(t.rw, user, t.db.metrics)
	}
	if t.readOnly {
		return readOnlyOverlayCache{c}
	}
	return c
}

func (t *Txn) allocateBatchID() (model.BatchID, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	id := t.db.mu.nextBatchID
	invariants.Assertf(id > 0, "batch id %s not positive", id)
	t.db.mu.nextBatchID++
	return id, nil
}

// readOnlyReadWriter rejects writes to the wrapped reader.
type readOnlyReadWriter struct {
	storage.Reader
}

func (readOnlyReadWriter) Set(key, value []byte) error { return errReadOnly }

func (readOnlyReadWriter) Delete(key []byte) error { return errReadOnly }

func (readOnlyReadWriter) DeleteRange(start, end []byte) error { return errReadOnly }
