// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpowers/blob"
	"github.com/bpowers/blob/appendlog"
)

func run(t *testing.T, args ...string) string {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestBlobtool_GenStatCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.blob")

	out := run(t, "gen", path, "-n", "200", "--rewrites", "0.5", "--deletes", "0.1", "--page-size", "4096")
	require.Contains(t, out, "wrote 200")

	s, err := blob.Open(path)
	require.NoError(t, err)
	stats, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 4096, stats.PageSize)
	require.Greater(t, stats.Relocated, 0)
	require.Greater(t, stats.Deleted, 0)
	require.Equal(t, 200-stats.Deleted, stats.LiveRecords)
	require.NoError(t, s.Close())

	out = run(t, "stat", path)
	require.Contains(t, out, "4096")

	out = run(t, "check", path)
	require.Contains(t, out, path)

	out = run(t, "dump", path)
	require.Contains(t, out, "moved")
	require.Contains(t, out, "deleted")
	lines := strings.Count(out, "\n")
	require.Equal(t, stats.Allocated, lines)
}

func TestBlobtool_Log(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.log")

	out := run(t, "log", "gen", path, "-n", "50", "--max-size", "100")
	require.Contains(t, out, "50 records")

	l, err := appendlog.Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(50), l.Len())
	require.NoError(t, l.Close())

	out = run(t, "log", "dump", path)
	require.Equal(t, 50, strings.Count(out, "\n"))
}
