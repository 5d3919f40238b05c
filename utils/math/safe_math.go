// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package math

import (
	"errors"
	"math"
)

var (
	ErrOverflow  = errors.New("overflow")
	ErrUnderflow = errors.New("underflow")
)

// Add64 returns a + b with overflow detection
func Add64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub64 returns a - b with underflow detection
func Sub64(a, b uint64) (uint64, error) {
	if a < b {
		return 0, ErrUnderflow
	}
	return a - b, nil
}
