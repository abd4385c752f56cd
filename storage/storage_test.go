// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package storage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) Engine {
	e, err := NewMem(base.NoopLogger{})
	require.NoError(t, err)
	return e
}

func scanString(t *testing.T, r Reader, start, end []byte) string {
	var parts []string
	require.NoError(t, Scan(r, start, end, func(k, v []byte) error {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		return nil
	}))
	return strings.Join(parts, " ")
}

func TestEngineBasics(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEngine(t)
	defer func() { require.NoError(t, e.Close()) }()

	_, err := e.Get([]byte("a"))
	require.True(t, errors.Is(err, base.ErrNotFound))

	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("2")))
	require.NoError(t, e.Set([]byte("c"), []byte("3")))
	v, err := e.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))

	require.Equal(t, "a=1 b=2 c=3", scanString(t, e, nil, nil))
	require.Equal(t, "b=2", scanString(t, e, []byte("b"), []byte("c")))

	require.NoError(t, e.Delete([]byte("b")))
	require.Equal(t, "a=1 c=3", scanString(t, e, nil, nil))
	require.NoError(t, e.DeleteRange([]byte("a"), []byte("c")))
	require.Equal(t, "c=3", scanString(t, e, nil, nil))
}

func TestTxnIsolation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEngine(t)
	defer func() { require.NoError(t, e.Close()) }()
	require.NoError(t, e.Set([]byte("a"), []byte("1")))

	txn := e.NewTxn()
	require.NoError(t, txn.Set([]byte("b"), []byte("2")))
	require.NoError(t, txn.Delete([]byte("a")))

	// The transaction observes its own writes; the engine does not.
	require.Equal(t, "b=2", scanString(t, txn, nil, nil))
	require.Equal(t, "a=1", scanString(t, e, nil, nil))
	_, err := txn.Get([]byte("a"))
	require.True(t, errors.Is(err, base.ErrNotFound))

	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Close())
	require.Equal(t, "b=2", scanString(t, e, nil, nil))

	// Closing without committing discards the writes.
	txn = e.NewTxn()
	require.NoError(t, txn.Set([]byte("c"), []byte("3")))
	require.NoError(t, txn.Close())
	require.Equal(t, "b=2", scanString(t, e, nil, nil))
}

func TestScanStop(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEngine(t)
	defer func() { require.NoError(t, e.Close()) }()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, e.Set([]byte(k), nil))
	}
	var seen []string
	require.NoError(t, Scan(e, nil, nil, func(k, _ []byte) error {
		seen = append(seen, string(k))
		if len(seen) == 2 {
			return ErrStopScan
		}
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, seen)

	boom := errors.New("boom")
	err := Scan(e, nil, nil, func(k, _ []byte) error { return boom })
	require.True(t, errors.Is(err, boom))

	keys, err := ScanKeys(e, []byte("b"), nil)
	require.NoError(t, err)
	require.Len(t, keys, 3)
}
