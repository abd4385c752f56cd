// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/localstore/model"
	"github.com/kr/pretty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// queueT implements mutation queue introspection tools.
type queueT struct {
	Root    *cobra.Command
	Scan    *cobra.Command
	Summary *cobra.Command

	// Configuration.
	opts    *localstore.Options
	flags   storeFlags
	verbose bool
}

func newQueue(opts *localstore.Options) *queueT {
	q := &queueT{opts: opts}

	q.Root = &cobra.Command{
		Use:   "queue",
		Short: "mutation queue introspection tools",
	}
	q.Scan = &cobra.Command{
		Use:   "scan <dir>",
		Short: "print the pending batches of a user",
		Long: `
Print the queue metadata and the pending mutation batches of the user given by
--user, in batch id order.
`,
		Args: cobra.ExactArgs(1),
		Run:  q.runScan,
	}
	q.Summary = &cobra.Command{
		Use:   "summary <dir>",
		Short: "print a per-user summary of the mutation queues",
		Args:  cobra.ExactArgs(1),
		Run:   q.runSummary,
	}

	q.flags.register(q.Root)
	q.flags.registerUser(q.Scan)
	q.Scan.Flags().BoolVarP(&q.verbose, "verbose", "v", false, "dump the decoded batch records")

	q.Root.AddCommand(q.Scan, q.Summary)
	return q
}

func (q *queueT) runScan(cmd *cobra.Command, args []string) {
	db, err := q.flags.openStore(q.opts, args[0], false)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer closeStore(stderr, db)

	user := q.flags.userArg()
	err = db.View("queue-scan", func(txn *localstore.Txn) error {
		mq, err := txn.MutationQueue(user)
		if err != nil {
			return err
		}
		batches, err := mq.AllBatches()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "user %s: last acknowledged batch %s, stream token %q\n",
			user, mq.LastAcknowledgedBatchID(), mq.LastStreamToken())
		if len(batches) == 0 {
			fmt.Fprintf(stdout, "(no batches)\n")
			return nil
		}
		for _, b := range batches {
			if q.verbose {
				fmt.Fprintf(stdout, "%# v\n", pretty.Formatter(b))
				continue
			}
			formatBatch(stdout, b)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (q *queueT) runSummary(cmd *cobra.Command, args []string) {
	db, err := q.flags.openStore(q.opts, args[0], false)
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
	tw := tablewriter.NewWriter(stdout)
	tw.SetHeader([]string{"User", "Batches", "Lowest", "Highest", "Acked", "Documents"})
	err = db.View("queue-summary", func(txn *localstore.Txn) error {
		for _, user := range users {
			mq, err := txn.MutationQueue(user)
			if err != nil {
				return err
			}
			batches, err := mq.AllBatches()
			if err != nil {
				return err
			}
			lowest, highest := "-", "-"
			docs := make(map[string]struct{})
			if len(batches) > 0 {
				lowest = batches[0].ID.String()
				highest = batches[len(batches)-1].ID.String()
			}
			for _, b := range batches {
				for _, k := range b.Keys() {
					docs[k.MapKey()] = struct{}{}
				}
			}
			tw.Append([]string{
				user.String(),
				strconv.Itoa(len(batches)),
				lowest,
				highest,
				formatAcked(mq.LastAcknowledgedBatchID()),
				strconv.Itoa(len(docs)),
			})
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	tw.Render()
}

func formatAcked(id model.BatchID) string {
	if id == 0 {
		return "-"
	}
	return id.String()
}
