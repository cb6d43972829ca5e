// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

// AllocationStrategy decides how many bytes to reserve for a record whose
// payload is length bytes long.  Extra capacity lets later, larger writes
// happen in place instead of relocating the record.  Strategies only affect
// how slots are sized, never how they are laid out, so storages written
// with one strategy can be opened with another.
type AllocationStrategy interface {
	CapacityFor(length int) int
}

// ExactOrCallerDecides reserves exactly Capacity bytes, or the payload
// length if that is larger.  A zero Capacity sizes every slot exactly.
type ExactOrCallerDecides struct {
	Capacity int
}

func (s ExactOrCallerDecides) CapacityFor(length int) int {
	return max(length, s.Capacity)
}

// LengthPlusPercentPlusMinimum reserves the payload length plus Percent
// percent of it plus Minimum bytes.
type LengthPlusPercentPlusMinimum struct {
	Percent int
	Minimum int
}

func (s LengthPlusPercentPlusMinimum) CapacityFor(length int) int {
	return length + length*s.Percent/100 + s.Minimum
}

// DefaultAllocationStrategy is used when WithAllocationStrategy is not given.
var DefaultAllocationStrategy AllocationStrategy = LengthPlusPercentPlusMinimum{Percent: 30, Minimum: 8}

// slotCapacity turns a strategy's answer into a usable capacity: at least
// length, at least big enough to hold a forwarding id, aligned so the next
// slot starts on an 8-byte boundary, and no larger than fits in a page.
func slotCapacity(strategy AllocationStrategy, length, maxPayload int) int {
	capacity := max(strategy.CapacityFor(length), length, minSlotCapacity)
	capacity = int(alignUp(int64(capacity)))
	return min(capacity, maxPayload)
}
