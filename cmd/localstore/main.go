// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"
	"time"

	"github.com/cockroachdb/localstore/tool"
	"github.com/spf13/cobra"
)

var (
	concurrency int
	duration    time.Duration
	verbose     bool
	wipe        bool
)

var rootCmd = &cobra.Command{
	Use:   "localstore [command] (flags)",
	Short: "local store benchmarking/introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	t := tool.New()
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(t.Commands...)

	benchCmd.Flags().IntVarP(
		&concurrency, "concurrency", "c", 4, "number of concurrent users writing")
	benchCmd.Flags().DurationVarP(
		&duration, "duration", "d", 10*time.Second, "the duration to run")
	benchCmd.Flags().BoolVarP(
		&verbose, "verbose", "v", false, "enable verbose store logging")
	benchCmd.Flags().BoolVarP(
		&wipe, "wipe", "w", false, "wipe the store before starting")
	benchCmd.Flags().IntVar(
		&benchConfig.batchSize, "batch", 4, "number of mutations in each batch")
	benchCmd.Flags().IntVar(
		&benchConfig.queueSize, "queue-size", 64,
		"number of pending batches each user keeps before acknowledging the oldest")
	benchCmd.Flags().IntVar(
		&benchConfig.documents, "documents", 1000, "number of documents each user writes to")
	benchCmd.Flags().IntVar(
		&benchConfig.valueSize, "value", 256, "size of the document values")
	benchCmd.Flags().Var(
		&benchConfig.overlayCache, "overlay-cache", "overlay cache mode (persisted|memory)")
	benchCmd.Flags().Uint64Var(
		&benchConfig.seed, "seed", 1, "random seed")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
