// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/pebble/vfs"
)

// OverlayCacheMode selects where document overlays are kept.
type OverlayCacheMode int8

const (
	// OverlayCachePersisted keeps overlays in the engine, in the same
	// transaction as the mutation queue.
	OverlayCachePersisted OverlayCacheMode = iota
	// OverlayCacheMemory keeps overlays in process memory. They are rebuilt
	// from the mutation queue when the store is opened.
	OverlayCacheMemory
)

func (m OverlayCacheMode) String() string {
	switch m {
	case OverlayCachePersisted:
		return "persisted"
	case OverlayCacheMemory:
		return "memory"
	default:
		return fmt.Sprintf("OverlayCacheMode(%d)", int8(m))
	}
}

// ParseOverlayCacheMode parses the output of OverlayCacheMode.String.
func ParseOverlayCacheMode(s string) (OverlayCacheMode, error) {
	switch s {
	case "persisted":
		return OverlayCachePersisted, nil
	case "memory":
		return OverlayCacheMemory, nil
	default:
		return 0, errors.Errorf("localstore: unknown overlay cache mode %q", s)
	}
}

// Options holds the optional parameters for configuring a local store. The
// zero value is a usable configuration.
type Options struct {
	// FS is the filesystem the store lives on. Defaults to vfs.Default.
	FS vfs.FS

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger

	// OverlayCache selects the overlay cache implementation.
	OverlayCache OverlayCacheMode

	// DisableSync commits transactions without waiting for the engine to
	// sync them to stable storage. A crash may lose the most recent commits
	// but never leaves a partially applied transaction.
	DisableSync bool

	// ReadOnly opens the store in read-only mode. Write transactions fail.
	ReadOnly bool

	// CheckConsistencyOnOpen verifies, for every user with a mutation queue,
	// that an empty queue has no leftover document index rows.
	CheckConsistencyOnOpen bool

	// Clock returns the local write time stamped on new batches. Defaults to
	// time.Now.
	Clock func() time.Time
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified.
func (o *Options) EnsureDefaults() {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Clone creates a shallow-copy of the supplied options.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	n := *o
	return &n
}

// String returns the options in the INI format understood by Parse. Only the
// serializable options are included.
func (o *Options) String() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "[Version]\n")
	fmt.Fprintf(&buf, "  localstore_version=0.1\n")
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  check_consistency_on_open=%t\n", o.CheckConsistencyOnOpen)
	fmt.Fprintf(&buf, "  disable_sync=%t\n", o.DisableSync)
	fmt.Fprintf(&buf, "  overlay_cache=%s\n", o.OverlayCache)
	fmt.Fprintf(&buf, "  read_only=%t\n", o.ReadOnly)
	return buf.String()
}

// Parse parses the options from the specified string. Note that certain
// options cannot be parsed into populated fields. For example, the Logger
// and the Clock are left untouched.
func (o *Options) Parse(s string) error {
	return parseOptions(s, func(section, key, value string) error {
		switch section {
		case "Version":
			switch key {
			case "localstore_version":
				return nil
			}
		case "Options":
			var err error
			switch key {
			case "check_consistency_on_open":
				o.CheckConsistencyOnOpen, err = strconv.ParseBool(value)
			case "disable_sync":
				o.DisableSync, err = strconv.ParseBool(value)
			case "overlay_cache":
				o.OverlayCache, err = ParseOverlayCacheMode(value)
			case "read_only":
				o.ReadOnly, err = strconv.ParseBool(value)
			default:
				return errors.Errorf("localstore: unknown option: %s.%s",
					errors.Safe(section), errors.Safe(key))
			}
			if err != nil {
				return errors.Wrapf(err, "localstore: parsing %s.%s",
					errors.Safe(section), errors.Safe(key))
			}
			return nil
		}
		return errors.Errorf("localstore: unknown option: %s.%s",
			errors.Safe(section), errors.Safe(key))
	})
}

func parseOptions(s string, visitKeyValue func(section, key, value string) error) error {
	var section string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			// Skip blank lines and comments.
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			continue
		}

		pos := strings.Index(line, "=")
		if pos < 0 {
			const maxLen = 50
			if len(line) > maxLen {
				line = line[:maxLen-3] + "..."
			}
			return base.CorruptionErrorf("invalid key=value syntax: %q", errors.Safe(line))
		}

		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		if err := visitKeyValue(section, key, value); err != nil {
			return err
		}
	}
	return nil
}
