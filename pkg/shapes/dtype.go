// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// BitWidth returns the number of bits used by one element of the dtype. Bool is 1 bit wide
// logically, even though it's stored as a byte.
func BitWidth(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Bool:
		return 1
	case dtypes.Int8, dtypes.Uint8:
		return 8
	case dtypes.Int16, dtypes.Uint16, dtypes.Float16, dtypes.BFloat16:
		return 16
	case dtypes.Int32, dtypes.Uint32, dtypes.Float32:
		return 32
	case dtypes.Int64, dtypes.Uint64, dtypes.Float64, dtypes.Complex64:
		return 64
	case dtypes.Complex128:
		return 128
	default:
		return 0
	}
}

// IsFloat returns whether the dtype is a real floating point type (including the 16-bit ones).
func IsFloat(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	default:
		return false
	}
}

// IsInteger returns whether the dtype is an integer type. Bool counts as a 1-bit integer.
func IsInteger(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	default:
		return false
	}
}

// IsUnsigned returns whether the dtype is an unsigned integer type.
func IsUnsigned(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	default:
		return false
	}
}

// MantissaBits returns the number of explicitly stored mantissa bits of a float dtype, or 0.
func MantissaBits(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.BFloat16:
		return 7
	case dtypes.Float16:
		return 10
	case dtypes.Float32:
		return 23
	case dtypes.Float64:
		return 52
	default:
		return 0
	}
}
