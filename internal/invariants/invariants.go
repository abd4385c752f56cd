// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package invariants holds assertions that are only checked when the module
// is built with the "invariants" or "race" build tags.
package invariants

import "fmt"

// Assertf panics with the formatted message if cond is false and invariant
// checking is enabled.
func Assertf(cond bool, format string, args ...interface{}) {
	if Enabled && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
