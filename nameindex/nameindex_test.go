// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package nameindex

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bpowers/blob"
)

func openTestIndex(t *testing.T, path string, opts ...Option) *Index {
	idx, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.Close()
	})
	return idx
}

func TestIndex_AddLookupReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.blob")
	idx := openTestIndex(t, path)

	ids := make(map[string]blob.RecordID)
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("src/pkg%d/file%d.go", i%17, i)
		id, err := idx.Add(name)
		require.NoError(t, err)
		ids[name] = id
	}
	require.Equal(t, 1000, idx.Len())

	// adding again is a no-op
	for name, id := range ids {
		again, err := idx.Add(name)
		require.NoError(t, err)
		require.Equal(t, id, again)
	}
	require.Equal(t, 1000, idx.Len())

	check := func(idx *Index) {
		for name, id := range ids {
			got, ok, err := idx.Lookup(name)
			require.NoError(t, err)
			require.True(t, ok, name)
			require.Equal(t, id, got)

			stored, err := idx.Name(id)
			require.NoError(t, err)
			require.Equal(t, name, stored)
		}
		_, ok, err := idx.Lookup("not/there.go")
		require.NoError(t, err)
		require.False(t, ok)
	}
	check(idx)
	require.NoError(t, idx.Close())

	idx = openTestIndex(t, path)
	require.Equal(t, 1000, idx.Len())
	check(idx)
}

func TestIndex_CollisionsAreFiltered(t *testing.T) {
	// every name lands on the same key
	idx := openTestIndex(t, filepath.Join(t.TempDir(), "names.blob"),
		WithHashFunc(func([]byte) uint32 { return 0 }))

	names := []string{"a", "b", "c", "a/longer/name", ""}
	ids := make(map[string]blob.RecordID)
	for _, name := range names {
		id, err := idx.Add(name)
		require.NoError(t, err)
		ids[name] = id
	}

	for _, name := range names {
		var candidates []blob.RecordID
		idx.Candidates(name, func(id blob.RecordID) bool {
			candidates = append(candidates, id)
			return true
		})
		// no false negatives, and plenty of false positives
		require.Len(t, candidates, len(names))
		require.Contains(t, candidates, ids[name])

		got, ok, err := idx.Lookup(name)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ids[name], got)
	}

	_, ok, err := idx.Lookup("d")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndex_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.blob")
	idx := openTestIndex(t, path, WithHashFunc(func(b []byte) uint32 { return uint32(len(b)) }))

	for _, name := range []string{"one", "two", "six", "three"} {
		_, err := idx.Add(name)
		require.NoError(t, err)
	}

	removed, err := idx.Remove("two")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = idx.Remove("two")
	require.NoError(t, err)
	require.False(t, removed)
	require.Equal(t, 3, idx.Len())

	for name, want := range map[string]bool{"one": true, "two": false, "six": true, "three": true} {
		_, ok, err := idx.Lookup(name)
		require.NoError(t, err)
		require.Equal(t, want, ok, name)
	}

	require.NoError(t, idx.Close())
	idx = openTestIndex(t, path, WithHashFunc(func(b []byte) uint32 { return uint32(len(b)) }))
	require.Equal(t, 3, idx.Len())
	_, ok, err := idx.Lookup("two")
	require.NoError(t, err)
	require.False(t, ok)

	// a removed name can come back with a new id
	id, err := idx.Add("two")
	require.NoError(t, err)
	require.NotEqual(t, blob.NullID, id)
}

func TestIndex_NameTooLong(t *testing.T) {
	idx := openTestIndex(t, filepath.Join(t.TempDir(), "names.blob"),
		WithStorageOptions(blob.WithPageSize(1024)))

	_, err := idx.Add(strings.Repeat("x", 2000))
	require.True(t, errors.Is(err, blob.ErrInvalidArgument))
	require.Equal(t, 0, idx.Len())
}

func TestIndex_ConcurrentLookups(t *testing.T) {
	idx := openTestIndex(t, filepath.Join(t.TempDir(), "names.blob"))
	for i := 0; i < 100; i++ {
		_, err := idx.Add(fmt.Sprintf("name-%d", i))
		require.NoError(t, err)
	}

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 100; i < 150; i++ {
				if _, err := idx.Add(fmt.Sprintf("name-%d", i)); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				_, ok, err := idx.Lookup(fmt.Sprintf("name-%d", i))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("name-%d missing", i)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 150, idx.Len())
}
