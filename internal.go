// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import "github.com/cockroachdb/localstore/internal/base"

// Logger exports the base.Logger type.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger = base.DefaultLogger

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = base.ErrNotFound

// ErrCorruption is a marker to indicate that a stored key or record isn't in
// the expected format.
var ErrCorruption = base.ErrCorruption

// IsCorruptionError returns true if the given error indicates corruption of
// the stored data.
func IsCorruptionError(err error) bool {
	return base.IsCorruptionError(err)
}
