// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small helpers shared across the node.
package utils

import (
	"crypto/subtle"
	"errors"
	"os"
)

// Exists returns true iff the file f exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// ExplicitBzero explicitly clears out the buffer b, by filling it with 0x00
// bytes.  Secret key material and derived passwords MUST be wiped with this
// before the buffer goes out of scope.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CtCompare compares two byte slices in constant time, returning true iff
// they are equal.
func CtCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
