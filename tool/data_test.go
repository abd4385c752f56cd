// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/localstore"
	"github.com/cockroachdb/localstore/internal/base"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const testDir = "db"

var testWriteTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testStoreOptions(fs vfs.FS) *localstore.Options {
	return &localstore.Options{
		FS:          fs,
		Logger:      base.NoopLogger{},
		DisableSync: true,
		Clock:       func() time.Time { return testWriteTime },
	}
}

// withStore runs fn against a writable store in testDir, closing it before
// returning so that the tools can open it.
func withStore(t *testing.T, fs vfs.FS, fn func(d *localstore.DB) error) error {
	require.NoError(t, fs.MkdirAll(testDir, 0755))
	d, err := localstore.Open(testDir, testStoreOptions(fs))
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	return fn(d)
}

func parseMutations(t *testing.T, td *datadriven.TestData) []model.Mutation {
	var out []model.Mutation
	for _, line := range crstrings.Lines(td.Input) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			td.Fatalf(t, "malformed mutation %q", line)
		}
		typ, ok := model.ParseMutationType(fields[0])
		if !ok {
			td.Fatalf(t, "unknown mutation type %q", fields[0])
		}
		key, err := model.ParseDocumentKey(fields[1])
		if err != nil {
			td.Fatalf(t, "%v", err)
		}
		m := model.Mutation{Type: typ, Key: key}
		if v := strings.Join(fields[2:], " "); v != "" {
			m.Value = []byte(v)
		}
		out = append(out, m)
	}
	return out
}

// runTool runs a tool command against the store in testDir. Bare command
// arguments are passed as positional arguments after the store directory and
// key=value arguments as flags.
func runTool(fs vfs.FS, td *datadriven.TestData) (string, int) {
	args := []string{td.Cmd}
	var positional, flags []string
	for _, arg := range td.CmdArgs {
		if len(arg.Vals) == 0 {
			positional = append(positional, arg.Key)
			continue
		}
		flags = append(flags, fmt.Sprintf("--%s=%s", arg.Key, strings.Join(arg.Vals, ",")))
	}
	if len(positional) > 0 {
		args = append(args, positional[0], testDir)
		args = append(args, positional[1:]...)
	}
	args = append(args, flags...)
	return execute(fs, args)
}

func execute(fs vfs.FS, args []string) (string, int) {
	var buf bytes.Buffer
	exitCode := 0
	stdout = &buf
	stderr = &buf
	osExit = func(code int) { exitCode = code }

	defer func() {
		stdout = os.Stdout
		stderr = os.Stderr
		osExit = os.Exit
	}()

	c := &cobra.Command{}
	c.AddCommand(New(FS(fs), Logger(base.NoopLogger{})).Commands...)
	c.SetArgs(args)
	c.SetOutput(&buf)
	if err := c.Execute(); err != nil {
		return err.Error(), 1
	}
	return buf.String(), exitCode
}

func TestTool(t *testing.T) {
	fs := vfs.NewMem()
	datadriven.RunTest(t, "testdata/tool", func(t *testing.T, td *datadriven.TestData) string {
		var user model.User
		td.MaybeScanArgs(t, "user", &user.UID)

		switch td.Cmd {
		case "write":
			var res localstore.LocalWriteResult
			err := withStore(t, fs, func(d *localstore.DB) (err error) {
				res, err = d.WriteLocally(user, parseMutations(t, td))
				return err
			})
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return fmt.Sprintf("batch %s", res.BatchID)

		case "ack", "reject":
			var id int64
			td.ScanArgs(t, "id", &id)
			err := withStore(t, fs, func(d *localstore.DB) error {
				if td.Cmd == "reject" {
					return d.RejectBatch(user, model.BatchID(id))
				}
				var token string
				td.ScanArgs(t, "token", &token)
				return d.AcknowledgeBatch(user, model.BatchID(id), []byte(token))
			})
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return "ok"

		case "write-file":
			var name string
			td.ScanArgs(t, "name", &name)
			f, err := fs.Create(name)
			require.NoError(t, err)
			_, err = f.Write([]byte(td.Input))
			require.NoError(t, err)
			require.NoError(t, f.Close())
			return ""

		default:
			out, exitCode := runTool(fs, td)
			if exitCode != 0 {
				out += fmt.Sprintf("exit code %d\n", exitCode)
			}
			return out
		}
	})
}
