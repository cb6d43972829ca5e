// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pagefile

import (
	"sync"
)

// LockContext serializes writers (and excludes readers while a write is in
// progress) across every storage it is handed to.  Storages that share a
// LockContext share one lock; by default each storage gets its own.
//
// A LockContext is not reentrant: storages take it once per public
// operation and never call back into another public operation while
// holding it.  The zero value is ready to use.
type LockContext struct {
	mu sync.RWMutex
}

// NewLockContext returns a LockContext that can be shared by several storages.
func NewLockContext() *LockContext {
	return &LockContext{}
}

func (lc *LockContext) Lock()    { lc.mu.Lock() }
func (lc *LockContext) Unlock()  { lc.mu.Unlock() }
func (lc *LockContext) RLock()   { lc.mu.RLock() }
func (lc *LockContext) RUnlock() { lc.mu.RUnlock() }
