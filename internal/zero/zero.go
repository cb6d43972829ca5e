// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero provides helpers to clear and test byte ranges, used for
// page padding and for scrubbing deleted payloads.
package zero

// Bytes sets every byte of b to 0.
func Bytes(b []byte) {
	clear(b)
}

// IsZero reports whether every byte of b is 0.
func IsZero(b []byte) bool {
	// compare 8 bytes at a time where we can
	for len(b) >= 8 {
		if b[0]|b[1]|b[2]|b[3]|b[4]|b[5]|b[6]|b[7] != 0 {
			return false
		}
		b = b[8:]
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
