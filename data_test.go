// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package localstore

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

var testWriteTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions(fs vfs.FS, mode OverlayCacheMode) *Options {
	return &Options{
		FS:           fs,
		Logger:       base.NoopLogger{},
		OverlayCache: mode,
		DisableSync:  true,
		Clock:        func() time.Time { return testWriteTime },
	}
}

func openTestDB(t *testing.T, mode OverlayCacheMode) *DB {
	d, err := Open("", testOptions(vfs.NewMem(), mode))
	require.NoError(t, err)
	return d
}

// parseMutation parses "<type> <document path> [value]".
func parseMutation(line string) (model.Mutation, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return model.Mutation{}, errors.Newf("malformed mutation %q", line)
	}
	typ, ok := model.ParseMutationType(fields[0])
	if !ok {
		return model.Mutation{}, errors.Newf("unknown mutation type %q", fields[0])
	}
	key, err := model.ParseDocumentKey(fields[1])
	if err != nil {
		return model.Mutation{}, err
	}
	m := model.Mutation{Type: typ, Key: key}
	if v := strings.Join(fields[2:], " "); v != "" {
		m.Value = []byte(v)
	}
	return m, nil
}

func parseMutations(t *testing.T, td *datadriven.TestData) []model.Mutation {
	var out []model.Mutation
	for _, line := range crstrings.Lines(td.Input) {
		m, err := parseMutation(line)
		if err != nil {
			td.Fatalf(t, "%v", err)
		}
		out = append(out, m)
	}
	return out
}

func scanUser(t *testing.T, td *datadriven.TestData) model.User {
	var u model.User
	td.MaybeScanArgs(t, "user", &u.UID)
	return u
}

func scanBatchID(t *testing.T, td *datadriven.TestData) model.BatchID {
	var id int64
	td.ScanArgs(t, "id", &id)
	return model.BatchID(id)
}

func scanDocumentKey(t *testing.T, td *datadriven.TestData, arg string) model.DocumentKey {
	var s string
	td.ScanArgs(t, arg, &s)
	key, err := model.ParseDocumentKey(s)
	if err != nil {
		td.Fatalf(t, "%v", err)
	}
	return key
}

func scanPath(t *testing.T, td *datadriven.TestData, arg string) model.ResourcePath {
	var s string
	td.ScanArgs(t, arg, &s)
	p, err := model.ParseResourcePath(s)
	if err != nil {
		td.Fatalf(t, "%v", err)
	}
	return p
}

func formatBatch(b model.MutationBatch) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s:", b.ID)
	for i, m := range b.Mutations {
		if i > 0 {
			buf.WriteString(",")
		}
		fmt.Fprintf(&buf, " %s", m)
	}
	return buf.String()
}

func formatBatches(batches []model.MutationBatch) string {
	if len(batches) == 0 {
		return "<none>"
	}
	var buf strings.Builder
	for _, b := range batches {
		fmt.Fprintf(&buf, "%s\n", formatBatch(b))
	}
	return buf.String()
}

func formatBatchIDs(batches []model.MutationBatch) string {
	if len(batches) == 0 {
		return "<none>"
	}
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID.String()
	}
	return strings.Join(ids, " ")
}

// formatOverlaysByKey prints overlays in document order.
func formatOverlaysByKey(overlays map[string]model.Overlay) string {
	sorted := SortedOverlays(overlays)
	slices.SortFunc(sorted, func(a, b model.Overlay) int {
		return a.Key().Compare(b.Key())
	})
	return formatOverlayList(sorted)
}

func formatOverlayList(overlays []model.Overlay) string {
	if len(overlays) == 0 {
		return "<none>"
	}
	var buf strings.Builder
	for _, o := range overlays {
		fmt.Fprintf(&buf, "%s\n", o)
	}
	return buf.String()
}
