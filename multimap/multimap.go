// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package multimap maps int32 keys to sets of int32 values.  It is the
// in-memory half of hash-based indexes over a blob storage, mapping a
// hash of some property to the ids of the records that have it.
//
// A Multimap is not safe for concurrent use.
package multimap

import (
	"encoding/binary"
	"math/bits"

	"github.com/dgryski/go-farm"
)

// NoValue is never a valid key or value.
const NoValue int32 = 0

const (
	minTableSize = 8
	// a cell with key NoValue and a non-zero value is a tombstone
	tombstone int32 = -1
)

// Multimap is an open-addressed hash table of (key, value) pairs with
// linear probing.  Each pair is stored at most once.
type Multimap struct {
	keys   []int32
	values []int32
	mask   uint32
	// live pairs, and live pairs plus tombstones
	live int
	used int
	hash func(key int32) uint32
}

func hashKey(key int32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(key))
	return uint32(farm.Hash64WithSeed(b[:], 0))
}

// New returns a Multimap sized to hold capacity pairs without rehashing.
func New(capacity int) *Multimap {
	return newWithHash(capacity, hashKey)
}

func newWithHash(capacity int, hash func(int32) uint32) *Multimap {
	m := &Multimap{hash: hash}
	m.init(tableSizeFor(capacity))
	return m
}

// tableSizeFor returns the smallest power of two table that holds n pairs
// under the 3/4 load limit.
func tableSizeFor(n int) int {
	if n < 0 {
		n = 0
	}
	need := uint(n*4/3 + 1)
	size := 1 << bits.Len(need-1)
	return max(size, minTableSize)
}

func (m *Multimap) init(size int) {
	m.keys = make([]int32, size)
	m.values = make([]int32, size)
	m.mask = uint32(size - 1)
	m.live = 0
	m.used = 0
}

func (m *Multimap) isEmpty(i uint32) bool {
	return m.keys[i] == NoValue && m.values[i] == NoValue
}

// Put adds the pair (key, value) and reports whether it was absent.  It
// panics if key or value is NoValue.
func (m *Multimap) Put(key, value int32) bool {
	if key == NoValue || value == NoValue {
		panic("multimap: NoValue used as key or value")
	}

	free := -1
	i := m.hash(key) & m.mask
	for ; !m.isEmpty(i); i = (i + 1) & m.mask {
		k := m.keys[i]
		if k == key && m.values[i] == value {
			return false
		}
		if k == NoValue && free < 0 {
			free = int(i)
		}
	}

	if free >= 0 {
		// reuse the first tombstone on the probe path
		i = uint32(free)
	} else {
		m.used++
	}
	m.keys[i] = key
	m.values[i] = value
	m.live++

	if m.used > len(m.keys)*3/4 {
		m.rehash()
	}
	return true
}

// Has reports whether the pair (key, value) is present.
func (m *Multimap) Has(key, value int32) bool {
	if key == NoValue || value == NoValue {
		return false
	}
	_, ok := m.find(key, value)
	return ok
}

func (m *Multimap) find(key, value int32) (uint32, bool) {
	for i := m.hash(key) & m.mask; !m.isEmpty(i); i = (i + 1) & m.mask {
		if m.keys[i] == key && m.values[i] == value {
			return i, true
		}
	}
	return 0, false
}

// Remove deletes the pair (key, value) and reports whether it was present.
func (m *Multimap) Remove(key, value int32) bool {
	if key == NoValue || value == NoValue {
		return false
	}
	i, ok := m.find(key, value)
	if !ok {
		return false
	}
	m.keys[i] = NoValue
	m.values[i] = tombstone
	m.live--
	return true
}

// Get calls fn with each value stored under key, in no particular order,
// until fn returns false.  It reports whether every value was visited.
func (m *Multimap) Get(key int32, fn func(value int32) bool) bool {
	if key == NoValue {
		return true
	}
	for i := m.hash(key) & m.mask; !m.isEmpty(i); i = (i + 1) & m.mask {
		if m.keys[i] == key && !fn(m.values[i]) {
			return false
		}
	}
	return true
}

// ForEach calls fn with every pair until fn returns false, and reports
// whether every pair was visited.
func (m *Multimap) ForEach(fn func(key, value int32) bool) bool {
	for i, k := range m.keys {
		if k == NoValue {
			continue
		}
		if !fn(k, m.values[i]) {
			return false
		}
	}
	return true
}

// Len returns the number of pairs.
func (m *Multimap) Len() int {
	return m.live
}

// Clear removes every pair, keeping the allocated table.
func (m *Multimap) Clear() {
	clear(m.keys)
	clear(m.values)
	m.live = 0
	m.used = 0
}

// rehash drops tombstones and, if live pairs take up more than half the
// table, doubles it.
func (m *Multimap) rehash() {
	size := len(m.keys)
	for m.live*2 >= size {
		size *= 2
	}

	oldKeys, oldValues := m.keys, m.values
	m.init(size)
	for i, k := range oldKeys {
		if k == NoValue {
			continue
		}
		j := m.hash(k) & m.mask
		for !m.isEmpty(j) {
			j = (j + 1) & m.mask
		}
		m.keys[j] = k
		m.values[j] = oldValues[i]
		m.live++
		m.used++
	}
}
