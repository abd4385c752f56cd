// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/localstore/storage"
	"github.com/spf13/cobra"
)

var stdout = io.Writer(os.Stdout)
var stderr = io.Writer(os.Stderr)
var osExit = os.Exit

// overlayCacheMode is a pflag.Value for localstore.OverlayCacheMode that
// remembers whether it was set.
type overlayCacheMode struct {
	mode localstore.OverlayCacheMode
	set  bool
}

func (m *overlayCacheMode) String() string {
	return m.mode.String()
}

func (m *overlayCacheMode) Type() string {
	return "mode"
}

func (m *overlayCacheMode) Set(v string) error {
	mode, err := localstore.ParseOverlayCacheMode(v)
	if err != nil {
		return err
	}
	m.mode, m.set = mode, true
	return nil
}

// storeFlags are the flags shared by every command that opens a store.
type storeFlags struct {
	optionsPath  string
	overlayCache overlayCacheMode
	user         string
}

// options returns the options a command opens the store with. Options read
// from --options are applied first so that explicit flags override them.
func (f *storeFlags) options(defaults *localstore.Options, writable bool) (*localstore.Options, error) {
	opts := defaults.Clone()
	if f.optionsPath != "" {
		data, err := readFile(opts, f.optionsPath)
		if err != nil {
			return nil, err
		}
		if err := opts.Parse(data); err != nil {
			return nil, errors.Wrapf(err, "%s", f.optionsPath)
		}
	}
	if f.overlayCache.set {
		opts.OverlayCache = f.overlayCache.mode
	}
	opts.ReadOnly = !writable
	return opts, nil
}

func (f *storeFlags) openStore(
	defaults *localstore.Options, dir string, writable bool,
) (*localstore.DB, error) {
	opts, err := f.options(defaults, writable)
	if err != nil {
		return nil, err
	}
	return localstore.Open(dir, opts)
}

func readFile(opts *localstore.Options, path string) (string, error) {
	file, err := opts.FS.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// openEngine opens the raw key space of a store without recovering it.
func openEngine(opts *localstore.Options, dir string) (storage.Engine, error) {
	return storage.Open(dir, storage.Options{
		FS:       opts.FS,
		Logger:   opts.Logger,
		ReadOnly: true,
	})
}

func closeStore(w io.Writer, d *localstore.DB) {
	if err := d.Close(); err != nil {
		fmt.Fprintf(w, "%s\n", err)
	}
}

func formatBatch(w io.Writer, b model.MutationBatch) {
	fmt.Fprintf(w, "batch %s (%s)", b.ID, b.LocalWriteTime.UTC().Format(time.RFC3339Nano))
	if len(b.StreamToken) > 0 {
		fmt.Fprintf(w, " token=%q", b.StreamToken)
	}
	fmt.Fprintf(w, "\n")
	for _, m := range b.Mutations {
		fmt.Fprintf(w, "  %s\n", m)
	}
}

func (f *storeFlags) userArg() model.User {
	return model.User{UID: strings.TrimSpace(f.user)}
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(
		&f.optionsPath, "options", "", "OPTIONS file to configure the store with")
	cmd.PersistentFlags().Var(
		&f.overlayCache, "overlay-cache", "overlay cache mode (persisted|memory)")
}

func (f *storeFlags) registerUser(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "uid of the user (empty for unauthenticated)")
}
