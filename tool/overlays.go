// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/localstore/model"
	"github.com/spf13/cobra"
)

// overlaysT implements document overlay introspection tools.
type overlaysT struct {
	Root    *cobra.Command
	Get     *cobra.Command
	Scan    *cobra.Command
	Rebuild *cobra.Command

	// Configuration.
	opts       *localstore.Options
	flags      storeFlags
	collection string
	group      string
	since      int64
	count      int
}

func newOverlays(opts *localstore.Options) *overlaysT {
	o := &overlaysT{opts: opts}

	o.Root = &cobra.Command{
		Use:   "overlays",
		Short: "document overlay introspection tools",
	}
	o.Get = &cobra.Command{
		Use:   "get <dir> <document>...",
		Short: "print the overlays of documents",
		Args:  cobra.MinimumNArgs(2),
		Run:   o.runGet,
	}
	o.Scan = &cobra.Command{
		Use:   "scan <dir>",
		Short: "print the overlays of a collection or collection group",
		Long: `
Print the overlays of the user given by --user whose largest batch id is
greater than --since. Exactly one of --collection and --group selects the
documents. Collection group scans return at most --count overlays, ordered by
batch id and then document key.
`,
		Args: cobra.ExactArgs(1),
		Run:  o.runScan,
	}
	o.Rebuild = &cobra.Command{
		Use:   "rebuild <dir>",
		Short: "recompute the overlays of a user from the mutation queue",
		Long: `
Discard the overlays of the user given by --user and recompute them by
replaying the pending batches in order. Opens the store for writing.
`,
		Args: cobra.ExactArgs(1),
		Run:  o.runRebuild,
	}

	o.flags.register(o.Root)
	for _, cmd := range []*cobra.Command{o.Get, o.Scan, o.Rebuild} {
		o.flags.registerUser(cmd)
	}
	o.Scan.Flags().StringVar(&o.collection, "collection", "", "collection path")
	o.Scan.Flags().StringVar(&o.group, "group", "", "collection group id")
	o.Scan.Flags().Int64Var(&o.since, "since", 0, "only overlays of batches after this id")
	o.Scan.Flags().IntVar(&o.count, "count", 100, "maximum number of collection group overlays")

	o.Root.AddCommand(o.Get, o.Scan, o.Rebuild)
	return o
}

func (o *overlaysT) runGet(cmd *cobra.Command, args []string) {
	docs := make([]model.DocumentKey, 0, len(args)-1)
	for _, arg := range args[1:] {
		k, err := model.ParseDocumentKey(arg)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			return
		}
		docs = append(docs, k)
	}

	db, err := o.flags.openStore(o.opts, args[0], false)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer closeStore(stderr, db)

	for _, k := range docs {
		ov, ok, err := db.GetOverlay(o.flags.userArg(), k)
		switch {
		case err != nil:
			fmt.Fprintf(stderr, "%s\n", err)
			return
		case !ok:
			fmt.Fprintf(stdout, "%s: not found\n", k)
		default:
			fmt.Fprintf(stdout, "%s: %s\n", k, ov)
		}
	}
}

func (o *overlaysT) runScan(cmd *cobra.Command, args []string) {
	if (o.collection == "") == (o.group == "") {
		fmt.Fprintf(stderr, "exactly one of --collection and --group must be specified\n")
		return
	}
	var collection model.ResourcePath
	if o.collection != "" {
		var err error
		if collection, err = model.ParseResourcePath(o.collection); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			return
		}
	}

	db, err := o.flags.openStore(o.opts, args[0], false)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer closeStore(stderr, db)

	var overlays map[string]model.Overlay
	err = db.View("overlays-scan", func(txn *localstore.Txn) error {
		cache := txn.DocumentOverlayCache(o.flags.userArg())
		var err error
		if collection != nil {
			overlays, err = cache.GetOverlaysForCollection(collection, model.BatchID(o.since))
		} else {
			overlays, err = cache.GetOverlaysForCollectionGroup(o.group, model.BatchID(o.since), o.count)
		}
		return err
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	if len(overlays) == 0 {
		fmt.Fprintf(stdout, "(no overlays)\n")
		return
	}
	for _, ov := range localstore.SortedOverlays(overlays) {
		fmt.Fprintf(stdout, "%s\n", ov)
	}
}

func (o *overlaysT) runRebuild(cmd *cobra.Command, args []string) {
	db, err := o.flags.openStore(o.opts, args[0], true)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer closeStore(stderr, db)

	user := o.flags.userArg()
	n, err := db.RebuildOverlays(user)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", errors.Wrapf(err, "rebuilding overlays of user %s", user))
		return
	}
	fmt.Fprintf(stdout, "rebuilt overlays of user %s from %d batches\n", user, n)
}
