// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/localstore/keys"
	"github.com/cockroachdb/localstore/storage"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// dbT implements store-level tools, including both configuration state and
// the commands themselves.
type dbT struct {
	Root        *cobra.Command
	Check       *cobra.Command
	Keys        *cobra.Command
	NextBatchID *cobra.Command
	Summary     *cobra.Command
	Users       *cobra.Command

	// Configuration.
	opts  *localstore.Options
	flags storeFlags
	table string
}

func newDB(opts *localstore.Options) *dbT {
	d := &dbT{opts: opts}

	d.Root = &cobra.Command{
		Use:   "db",
		Short: "local store introspection tools",
	}
	d.Check = &cobra.Command{
		Use:   "check <dir>",
		Short: "verify keys, records and index consistency",
		Long: `
Verify that every key in the store decodes, that every mutation batch record
decodes, and that no empty mutation queue has leftover document index rows.
Requires that the specified store not be in use by another process.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runCheck,
	}
	d.Keys = &cobra.Command{
		Use:   "keys <dir>",
		Short: "print the keys of the store",
		Long: `
Print every key in the store in engine order, decoded into its table and
components. Keys that fail to decode are printed in hex.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runKeys,
	}
	d.NextBatchID = &cobra.Command{
		Use:   "next-batch-id <dir>",
		Short: "print the batch id the store would hand out next",
		Args:  cobra.ExactArgs(1),
		Run:   d.runNextBatchID,
	}
	d.Summary = &cobra.Command{
		Use:   "summary <dir>",
		Short: "print the number of keys and bytes per table",
		Args:  cobra.ExactArgs(1),
		Run:   d.runSummary,
	}
	d.Users = &cobra.Command{
		Use:   "users <dir>",
		Short: "print the users with a mutation queue",
		Args:  cobra.ExactArgs(1),
		Run:   d.runUsers,
	}

	d.flags.register(d.Root)
	d.Keys.Flags().StringVar(&d.table, "table", "", "only print keys of the named table")

	d.Root.AddCommand(d.Check, d.Keys, d.NextBatchID, d.Summary, d.Users)
	return d
}

func (d *dbT) runCheck(cmd *cobra.Command, args []string) {
	dir := args[0]
	e, err := openEngine(d.opts, dir)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		osExit(1)
		return
	}
	var numKeys, numBad int
	err = storage.Scan(e, nil, nil, func(key, _ []byte) error {
		numKeys++
		if _, err := keys.Decode(key); err != nil {
			numBad++
			fmt.Fprintf(stdout, "%s\n", keys.Describe(key))
		}
		return nil
	})
	err = errors.CombineErrors(err, e.Close())
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		osExit(1)
		return
	}

	opts, err := d.flags.options(d.opts, false)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		osExit(1)
		return
	}
	opts.CheckConsistencyOnOpen = true
	db, err := localstore.Open(dir, opts)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		osExit(1)
		return
	}
	defer closeStore(stderr, db)

	users, err := db.Users()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		osExit(1)
		return
	}
	var numBatches int
	err = db.View("check", func(txn *localstore.Txn) error {
		for _, user := range users {
			q, err := txn.MutationQueue(user)
			if err != nil {
				return err
			}
			batches, err := q.AllBatches()
			if err != nil {
				return errors.Wrapf(err, "user %s", user)
			}
			numBatches += len(batches)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		osExit(1)
		return
	}

	fmt.Fprintf(stdout, "checked %d keys, %d users, %d batches\n", numKeys, len(users), numBatches)
	if numBad > 0 {
		fmt.Fprintf(stdout, "%d undecodable keys\n", numBad)
		osExit(1)
		return
	}
	fmt.Fprintf(stdout, "OK\n")
}

func (d *dbT) runKeys(cmd *cobra.Command, args []string) {
	var start, end []byte
	if d.table != "" {
		t := keys.Table(d.table)
		if !slices.Contains(keys.Tables, t) {
			fmt.Fprintf(stderr, "unknown table %q\n", d.table)
			return
		}
		start, end = keys.TableSpan(t)
	}

	e, err := openEngine(d.opts, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer func() {
		if err := e.Close(); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	var count int
	err = storage.Scan(e, start, end, func(key, _ []byte) error {
		fmt.Fprintf(stdout, "%s\n", keys.Describe(key))
		count++
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	if count == 0 {
		fmt.Fprintf(stdout, "(no keys)\n")
	}
}

func (d *dbT) runNextBatchID(cmd *cobra.Command, args []string) {
	e, err := openEngine(d.opts, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer func() {
		if err := e.Close(); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	id, err := localstore.LoadNextBatchID(e)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(stdout, "%s\n", id)
}

type tableStats struct {
	keys  int
	bytes int64
}

func (d *dbT) runSummary(cmd *cobra.Command, args []string) {
	e, err := openEngine(d.opts, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer func() {
		if err := e.Close(); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	stats := make(map[keys.Table]*tableStats)
	var unknown tableStats
	err = storage.Scan(e, nil, nil, func(key, value []byte) error {
		s := &unknown
		if t, _, err := keys.DecodeTable(key); err == nil {
			if s = stats[t]; s == nil {
				s = &tableStats{}
				stats[t] = s
			}
		}
		s.keys++
		s.bytes += int64(len(key) + len(value))
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}

	var total tableStats
	tw := tablewriter.NewWriter(stdout)
	tw.SetHeader([]string{"Table", "Keys", "Bytes"})
	appendRow := func(name string, s tableStats) {
		tw.Append([]string{name, strconv.Itoa(s.keys), strconv.FormatInt(s.bytes, 10)})
		total.keys += s.keys
		total.bytes += s.bytes
	}
	for _, t := range keys.Tables {
		if s, ok := stats[t]; ok {
			appendRow(string(t), *s)
		}
	}
	if unknown.keys > 0 {
		appendRow("(unknown)", unknown)
	}
	tw.SetFooter([]string{"Total", strconv.Itoa(total.keys), strconv.FormatInt(total.bytes, 10)})
	tw.Render()
}

func (d *dbT) runUsers(cmd *cobra.Command, args []string) {
	db, err := d.flags.openStore(d.opts, args[0], false)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer closeStore(stderr, db)

	users, err := db.Users()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	for _, u := range users {
		fmt.Fprintf(stdout, "%s\n", u)
	}
}
