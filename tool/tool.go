// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements introspection commands for a local store.
package tool

import (
	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/spf13/cobra"
)

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	db       *dbT
	queue    *queueT
	overlays *overlaysT
	opts     localstore.Options
}

// An Option configures the introspection tools.
type Option func(*T)

// FS sets the filesystem the stores are opened on.
func FS(fs vfs.FS) Option {
	return func(t *T) { t.opts.FS = fs }
}

// Logger sets the logger handed to the opened stores.
func Logger(logger localstore.Logger) Option {
	return func(t *T) { t.opts.Logger = logger }
}

// New creates a new introspection tool.
func New(opts ...Option) *T {
	t := &T{
		opts: localstore.Options{
			ReadOnly: true,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.opts.EnsureDefaults()

	t.db = newDB(&t.opts)
	t.queue = newQueue(&t.opts)
	t.overlays = newOverlays(&t.opts)
	t.Commands = []*cobra.Command{
		t.db.Root,
		t.queue.Root,
		t.overlays.Root,
	}
	return t
}
