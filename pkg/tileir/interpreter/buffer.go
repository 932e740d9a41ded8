// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Buffer is a flat array in global memory, the argument of a kernel.
//
// Data is a Go slice of the element type: []bool, []int8, ..., []uint64, []float16.Float16,
// []bfloat16.BFloat16, []float32 or []float64.
type Buffer struct {
	DType dtypes.DType
	Data  any
}

// NewBuffer allocates a zero-filled buffer.
func NewBuffer(dtype dtypes.DType, size int) *Buffer {
	var data any
	switch dtype {
	case dtypes.Bool:
		data = make([]bool, size)
	case dtypes.Int8:
		data = make([]int8, size)
	case dtypes.Int16:
		data = make([]int16, size)
	case dtypes.Int32:
		data = make([]int32, size)
	case dtypes.Int64:
		data = make([]int64, size)
	case dtypes.Uint8:
		data = make([]uint8, size)
	case dtypes.Uint16:
		data = make([]uint16, size)
	case dtypes.Uint32:
		data = make([]uint32, size)
	case dtypes.Uint64:
		data = make([]uint64, size)
	case dtypes.Float16:
		data = make([]float16.Float16, size)
	case dtypes.BFloat16:
		data = make([]bfloat16.BFloat16, size)
	case dtypes.Float32:
		data = make([]float32, size)
	case dtypes.Float64:
		data = make([]float64, size)
	default:
		exceptions.Panicf("interpreter: buffers of dtype %s not supported", dtype)
	}
	return &Buffer{DType: dtype, Data: data}
}

// FromFloat64s creates a buffer of dtype with the values converted (and rounded) to it.
func FromFloat64s(dtype dtypes.DType, values []float64) *Buffer {
	b := NewBuffer(dtype, len(values))
	for ii, v := range values {
		b.SetFloat(ii, v)
	}
	return b
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	switch data := b.Data.(type) {
	case []bool:
		return len(data)
	case []int8:
		return len(data)
	case []int16:
		return len(data)
	case []int32:
		return len(data)
	case []int64:
		return len(data)
	case []uint8:
		return len(data)
	case []uint16:
		return len(data)
	case []uint32:
		return len(data)
	case []uint64:
		return len(data)
	case []float16.Float16:
		return len(data)
	case []bfloat16.BFloat16:
		return len(data)
	case []float32:
		return len(data)
	case []float64:
		return len(data)
	}
	return 0
}

// Float returns element i converted to float64.
func (b *Buffer) Float(i int) float64 {
	switch data := b.Data.(type) {
	case []bool:
		if data[i] {
			return 1
		}
		return 0
	case []int8:
		return float64(data[i])
	case []int16:
		return float64(data[i])
	case []int32:
		return float64(data[i])
	case []int64:
		return float64(data[i])
	case []uint8:
		return float64(data[i])
	case []uint16:
		return float64(data[i])
	case []uint32:
		return float64(data[i])
	case []uint64:
		return float64(data[i])
	case []float16.Float16:
		return float64(data[i].Float32())
	case []bfloat16.BFloat16:
		return float64(data[i].Float32())
	case []float32:
		return float64(data[i])
	case []float64:
		return data[i]
	}
	exceptions.Panicf("interpreter: invalid buffer data %T", b.Data)
	return 0
}

// Int returns element i of an integer buffer.
func (b *Buffer) Int(i int) int64 {
	switch data := b.Data.(type) {
	case []bool:
		if data[i] {
			return 1
		}
		return 0
	case []int8:
		return int64(data[i])
	case []int16:
		return int64(data[i])
	case []int32:
		return int64(data[i])
	case []int64:
		return data[i]
	case []uint8:
		return int64(data[i])
	case []uint16:
		return int64(data[i])
	case []uint32:
		return int64(data[i])
	case []uint64:
		return int64(data[i])
	}
	return int64(b.Float(i))
}

func setInt[T constraints.Integer](data []T, i int, v int64) { data[i] = T(v) }

// SetFloat sets element i, rounding or truncating v to the buffer dtype.
func (b *Buffer) SetFloat(i int, v float64) {
	switch data := b.Data.(type) {
	case []float16.Float16:
		data[i] = float16.Fromfloat32(float32(v))
	case []bfloat16.BFloat16:
		data[i] = bfloat16.FromFloat32(float32(v))
	case []float32:
		data[i] = float32(v)
	case []float64:
		data[i] = v
	default:
		b.SetInt(i, int64(v))
	}
}

// SetInt sets element i, wrapping v to the buffer dtype.
func (b *Buffer) SetInt(i int, v int64) {
	switch data := b.Data.(type) {
	case []bool:
		data[i] = v&1 != 0
	case []int8:
		setInt(data, i, v)
	case []int16:
		setInt(data, i, v)
	case []int32:
		setInt(data, i, v)
	case []int64:
		setInt(data, i, v)
	case []uint8:
		setInt(data, i, v)
	case []uint16:
		setInt(data, i, v)
	case []uint32:
		setInt(data, i, v)
	case []uint64:
		setInt(data, i, v)
	default:
		b.SetFloat(i, float64(v))
	}
}

// Float64s returns all elements converted to float64.
func (b *Buffer) Float64s() []float64 {
	values := make([]float64, b.Len())
	for ii := range values {
		values[ii] = b.Float(ii)
	}
	return values
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s)[%d]", b.DType, b.Len())
}

// roundTo rounds a float64 to the precision of dtype.
func roundTo(dtype dtypes.DType, v float64) float64 {
	switch dtype {
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	case dtypes.Float32:
		return float64(float32(v))
	}
	return v
}

// roundToTF32 rounds a float32 value to 10 bits of mantissa, to nearest even.
func roundToTF32(v float64) float64 {
	f := float32(v)
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return float64(f)
	}
	bits := math.Float32bits(f)
	const dropped = 13
	half := uint32(1) << (dropped - 1)
	lsb := (bits >> dropped) & 1
	bits = (bits + half - 1 + lsb) &^ (1<<dropped - 1)
	return float64(math.Float32frombits(bits))
}
