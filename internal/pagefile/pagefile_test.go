// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pagefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/blob/internal/base"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, mmap bool)) {
	for _, mmap := range []bool{true, false} {
		name := "heap"
		if mmap {
			name = "mmap"
		}
		t.Run(name, func(t *testing.T) {
			fn(t, mmap)
		})
	}
}

func TestOptions_Validate(t *testing.T) {
	for _, pageSize := range []int{0, 512, 3000, MaxPageSize * 2} {
		_, err := Open(filepath.Join(t.TempDir(), "bad"), Options{PageSize: pageSize, Growable: true})
		require.Error(t, err, "page size %d", pageSize)
		assert.True(t, errors.Is(err, base.ErrInvalidArgument))
	}
}

func TestFile_GrowAndReopen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mmap bool) {
		path := filepath.Join(t.TempDir(), "pages")
		opts := Options{PageSize: 4096, UseMemoryMapping: mmap, Growable: true}

		pf, err := Open(path, opts)
		require.NoError(t, err)
		require.Equal(t, int64(0), pf.Size())
		require.Equal(t, 4096, pf.PageSize())

		for i := int64(0); i < 40; i += 3 {
			p, err := pf.PageForWrite(i)
			require.NoError(t, err)
			require.Len(t, p, 4096)
			require.Equal(t, 4096, cap(p))
			p[0] = byte(i)
			p[4095] = byte(i + 1)
		}
		require.GreaterOrEqual(t, pf.Size(), int64(40*4096))
		require.NoError(t, pf.Flush())
		require.NoError(t, pf.Close())
		// multiple closes are fine
		require.NoError(t, pf.Close())

		pf, err = Open(path, opts)
		require.NoError(t, err)
		defer func() {
			_ = pf.Close()
		}()
		for i := int64(0); i < 40; i++ {
			p, err := pf.Page(i)
			require.NoError(t, err)
			if i%3 == 0 {
				assert.Equal(t, byte(i), p[0])
				assert.Equal(t, byte(i+1), p[4095])
			} else {
				assert.Equal(t, byte(0), p[0])
				assert.Equal(t, byte(0), p[4095])
			}
		}
	})
}

func TestFile_ViewsSurviveGrowth(t *testing.T) {
	pf, err := Open(filepath.Join(t.TempDir(), "pages"), Options{PageSize: 1024, UseMemoryMapping: true, Growable: true})
	require.NoError(t, err)
	defer func() {
		_ = pf.Close()
	}()

	first, err := pf.PageForWrite(0)
	require.NoError(t, err)
	first[10] = 42

	// far enough to need several new segments
	far, err := pf.PageForWrite(1000)
	require.NoError(t, err)
	far[0] = 7

	again, err := pf.Page(0)
	require.NoError(t, err)
	require.Equal(t, byte(42), again[10])
	require.Equal(t, byte(42), first[10])
}

func TestFile_NotGrowable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mmap bool) {
		path := filepath.Join(t.TempDir(), "pages")
		require.NoError(t, os.WriteFile(path, make([]byte, 2*4096), 0644))

		pf, err := Open(path, Options{PageSize: 4096, UseMemoryMapping: mmap})
		require.NoError(t, err)
		defer func() {
			_ = pf.Close()
		}()

		_, err = pf.Page(1)
		require.NoError(t, err)
		_, err = pf.Page(2)
		require.Error(t, err)
		assert.True(t, errors.Is(err, base.ErrIO))

		stats, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(2*4096), stats.Size())
	})
}

func TestFile_UseAfterClose(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mmap bool) {
		pf, err := Open(filepath.Join(t.TempDir(), "pages"), Options{PageSize: 4096, UseMemoryMapping: mmap, Growable: true})
		require.NoError(t, err)
		_, err = pf.Page(0)
		require.NoError(t, err)
		require.NoError(t, pf.Close())

		_, err = pf.Page(0)
		require.True(t, errors.Is(err, base.ErrClosed))
		_, err = pf.PageForWrite(3)
		require.True(t, errors.Is(err, base.ErrClosed))
		require.True(t, errors.Is(pf.Flush(), base.ErrClosed))
	})
}

func TestFile_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages")
	opts := Options{PageSize: 4096, UseMemoryMapping: true, Growable: true}

	pf, err := Open(path, opts)
	require.NoError(t, err)

	_, err = Open(path, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, base.ErrIO))

	require.NoError(t, pf.Close())
	pf, err = Open(path, opts)
	require.NoError(t, err)
	require.NoError(t, pf.Close())
}

func TestFile_NegativeIndex(t *testing.T) {
	pf, err := Open(filepath.Join(t.TempDir(), "pages"), Options{PageSize: 4096, Growable: true})
	require.NoError(t, err)
	defer func() {
		_ = pf.Close()
	}()
	_, err = pf.Page(-1)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}

func TestLockContext(t *testing.T) {
	var lc LockContext
	lc.RLock()
	lc.RLock()
	lc.RUnlock()
	lc.RUnlock()
	lc.Lock()
	lc.Unlock()

	shared := NewLockContext()
	require.NotNil(t, shared)
}

func TestReadPrefix(t *testing.T) {
	dir := t.TempDir()

	b, err := ReadPrefix(filepath.Join(dir, "missing"), 64)
	require.NoError(t, err)
	require.Nil(t, b)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("abc"), 0o644))
	b, err = ReadPrefix(short, 64)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)

	pf, err := Open(filepath.Join(dir, "pages"), Options{PageSize: 4096, Growable: true})
	require.NoError(t, err)
	p, err := pf.PageForWrite(0)
	require.NoError(t, err)
	copy(p, "header")
	require.NoError(t, pf.Flush())

	// readable while the file is open and locked
	b, err = ReadPrefix(pf.Path(), 6)
	require.NoError(t, err)
	require.Equal(t, []byte("header"), b)
	require.NoError(t, pf.Close())
}
