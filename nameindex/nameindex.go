// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package nameindex maps names to record ids.  Each name is stored as its
// own record in a blob storage; an in-memory multimap from a 32-bit hash
// of the name to record ids is rebuilt from the storage on Open.
//
// Hash collisions make the multimap return extra candidates but never
// miss one, so every lookup re-checks candidates against the stored bytes.
package nameindex

import (
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dgryski/go-farm"

	"github.com/bpowers/blob"
	"github.com/bpowers/blob/internal/unsafestring"
	"github.com/bpowers/blob/multimap"
)

// HashFunc hashes a name.  Collisions are allowed.
type HashFunc func(name []byte) uint32

// Option configures Open.
type Option func(*options)

type options struct {
	hash        HashFunc
	logger      *slog.Logger
	storageOpts []blob.Option
}

// WithHashFunc replaces the name hash; tests use it to force collisions.
func WithHashFunc(hash HashFunc) Option {
	return func(opts *options) {
		opts.hash = hash
	}
}

// WithLogger sets an optional logger.  It is passed on to the storage.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithStorageOptions passes options through to blob.Open.
func WithStorageOptions(storageOpts ...blob.Option) Option {
	return func(opts *options) {
		opts.storageOpts = append(opts.storageOpts, storageOpts...)
	}
}

func defaultHash(name []byte) uint32 {
	return uint32(farm.Hash64WithSeed(name, 0))
}

// Index is a persistent set of names, each with a stable record id.  It is
// safe for concurrent use.
type Index struct {
	s      *blob.Storage
	hash   HashFunc
	logger *slog.Logger

	mu sync.RWMutex
	m  *multimap.Multimap
}

// Open opens the index stored at path, creating it if needed.
func Open(path string, opts ...Option) (*Index, error) {
	o := options{
		hash:   defaultHash,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	storageOpts := append([]blob.Option{blob.WithLogger(o.logger)}, o.storageOpts...)
	s, err := blob.Open(path, storageOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "blob.Open(%s)", path)
	}

	idx := &Index{
		s:      s,
		hash:   o.hash,
		logger: o.logger,
	}
	if err := idx.rebuild(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) rebuild() error {
	stats, err := idx.s.Stats()
	if err != nil {
		return err
	}
	m := multimap.New(stats.LiveRecords)
	err = idx.s.ForEach(func(id blob.RecordID, capacity, length int, payload []byte) bool {
		if blob.IsRecordActual(length) {
			m.Put(idx.key(payload), int32(id))
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "rebuilding name index")
	}

	idx.mu.Lock()
	idx.m = m
	idx.mu.Unlock()

	idx.logger.Debug("nameindex: rebuilt", "path", idx.s.Path(), "names", m.Len())
	return nil
}

// key hashes name, remapping the one hash value the multimap can't store.
func (idx *Index) key(name []byte) int32 {
	k := int32(idx.hash(name))
	if k == multimap.NoValue {
		k = 1
	}
	return k
}

// Add stores name if it isn't already present and returns its id.
func (idx *Index) Add(name string) (blob.RecordID, error) {
	b := unsafestring.ToBytes(name)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok, err := idx.lookupLocked(b)
	if err != nil || ok {
		return id, err
	}

	id, err = idx.s.Write(blob.NullID, b)
	if err != nil {
		return blob.NullID, err
	}
	idx.m.Put(idx.key(b), int32(id))
	return id, nil
}

// Lookup returns the id of name, and false if it isn't in the index.
func (idx *Index) Lookup(name string) (blob.RecordID, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lookupLocked(unsafestring.ToBytes(name))
}

func (idx *Index) lookupLocked(name []byte) (blob.RecordID, bool, error) {
	var (
		found    blob.RecordID
		matchErr error
	)
	idx.m.Get(idx.key(name), func(candidate int32) bool {
		id := blob.RecordID(candidate)
		_, err := idx.s.Read(id, func(payload []byte) error {
			if bytes.Equal(payload, name) {
				found = id
			}
			return nil
		})
		if err != nil {
			matchErr = errors.Wrapf(err, "reading candidate %d", id)
			return false
		}
		return found == blob.NullID
	})
	if matchErr != nil {
		return blob.NullID, false, matchErr
	}
	return found, found != blob.NullID, nil
}

// Candidates calls fn with the id of every name whose hash matches name's,
// which includes name's own id if it is present.  It is cheaper than
// Lookup but may report ids of other names.
func (idx *Index) Candidates(name string, fn func(id blob.RecordID) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	idx.m.Get(idx.key(unsafestring.ToBytes(name)), func(candidate int32) bool {
		return fn(blob.RecordID(candidate))
	})
}

// Name returns the name stored under id.
func (idx *Index) Name(id blob.RecordID) (string, error) {
	b, err := idx.s.ReadBytes(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remove deletes name from the index and reports whether it was present.
func (idx *Index) Remove(name string) (bool, error) {
	b := unsafestring.ToBytes(name)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok, err := idx.lookupLocked(b)
	if err != nil || !ok {
		return false, err
	}
	if err := idx.s.DeleteRecord(id); err != nil {
		return false, err
	}
	idx.m.Remove(idx.key(b), int32(id))
	return true, nil
}

// Len returns the number of names in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.m.Len()
}

// Flush makes every added name durable.
func (idx *Index) Flush() error {
	return idx.s.Flush()
}

// Close closes the underlying storage.
func (idx *Index) Close() error {
	return idx.s.Close()
}
