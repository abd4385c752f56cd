// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/model"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

var benchConfig struct {
	batchSize    int
	queueSize    int
	documents    int
	valueSize    int
	overlayCache overlayCacheFlag
	seed         uint64
}

var benchCmd = &cobra.Command{
	Use:   "bench <dir>",
	Short: "run a local write benchmark",
	Long: `
Run concurrent users that each write batches of document mutations and
acknowledge their oldest pending batch once the queue holds --queue-size
batches. Reports the latency distribution of writes and acknowledgements.
`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

type overlayCacheFlag struct {
	mode localstore.OverlayCacheMode
}

func (f *overlayCacheFlag) String() string { return f.mode.String() }

func (f *overlayCacheFlag) Type() string { return "mode" }

func (f *overlayCacheFlag) Set(v string) (err error) {
	f.mode, err = localstore.ParseOverlayCacheMode(v)
	return err
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

type namedHistogram struct {
	name string
	mu   struct {
		sync.Mutex
		hist *hdrhistogram.Histogram
	}
}

func newNamedHistogram(name string) *namedHistogram {
	w := &namedHistogram{name: name}
	w.mu.hist = newHistogram()
	return w
}

func (w *namedHistogram) Record(elapsed time.Duration) {
	if elapsed < minLatency {
		elapsed = minLatency
	} else if elapsed > maxLatency {
		elapsed = maxLatency
	}

	w.mu.Lock()
	err := w.mu.hist.RecordValue(elapsed.Nanoseconds())
	w.mu.Unlock()

	if err != nil {
		// Values are clamped to the histogram range above.
		panic(fmt.Sprintf(`%s: recording value: %s`, w.name, err))
	}
}

type benchResults struct {
	writes *namedHistogram
	acks   *namedHistogram
}

func runBench(cmd *cobra.Command, args []string) error {
	dir := args[0]
	if wipe {
		fmt.Printf("wiping %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	fmt.Printf("dir %s\nconcurrency %d\n", dir, concurrency)

	opts := &localstore.Options{
		OverlayCache: benchConfig.overlayCache.mode,
		Logger:       base.NoopLogger{},
	}
	if verbose {
		opts.Logger = localstore.DefaultLogger
	}
	d, err := localstore.Open(dir, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Print(err)
		}
	}()

	res := benchResults{
		writes: newNamedHistogram("write"),
		acks:   newNamedHistogram("ack"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		user := model.User{UID: fmt.Sprintf("user-%03d", i)}
		rng := rand.New(rand.NewSource(benchConfig.seed + uint64(i)))
		g.Go(func() error {
			return benchUser(ctx, d, user, rng, &res)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Println("_elapsed____ops(total)__ops/sec(cum)__avg(ms)__p50(ms)__p95(ms)__p99(ms)_pMax(ms)_op")
	for _, w := range []*namedHistogram{res.writes, res.acks} {
		h := w.mu.hist
		fmt.Printf("%7.1fs %12d %14.1f %8.1f %8.1f %8.1f %8.1f %8.1f %s\n",
			elapsed.Seconds(), h.TotalCount(),
			float64(h.TotalCount())/elapsed.Seconds(),
			time.Duration(h.Mean()).Seconds()*1000,
			time.Duration(h.ValueAtQuantile(50)).Seconds()*1000,
			time.Duration(h.ValueAtQuantile(95)).Seconds()*1000,
			time.Duration(h.ValueAtQuantile(99)).Seconds()*1000,
			time.Duration(h.Max()).Seconds()*1000,
			w.name)
	}
	fmt.Printf("\n%s", d.Metrics())
	return nil
}

func benchUser(
	ctx context.Context, d *localstore.DB, user model.User, rng *rand.Rand, res *benchResults,
) error {
	var pending []model.BatchID
	for ctx.Err() == nil {
		mutations := make([]model.Mutation, benchConfig.batchSize)
		for i := range mutations {
			key, err := model.ParseDocumentKey(fmt.Sprintf("docs/%06d", rng.Intn(benchConfig.documents)))
			if err != nil {
				return err
			}
			value := make([]byte, benchConfig.valueSize)
			_, _ = rng.Read(value)
			mutations[i] = model.Mutation{Type: model.MutationSet, Key: key, Value: value}
		}

		start := time.Now()
		r, err := d.WriteLocally(user, mutations)
		if err != nil {
			return errors.Wrapf(err, "user %s", user)
		}
		res.writes.Record(time.Since(start))
		pending = append(pending, r.BatchID)

		if len(pending) > benchConfig.queueSize {
			start = time.Now()
			token := []byte(fmt.Sprintf("token-%d", pending[0]))
			if err := d.AcknowledgeBatch(user, pending[0], token); err != nil {
				return errors.Wrapf(err, "user %s", user)
			}
			res.acks.Record(time.Since(start))
			pending = pending[1:]
		}
	}
	return nil
}
