// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
)

// tile is a scalar or tensor value held by a program instance. Float elements are kept as float64
// already rounded to the precision of dtype; integer elements are kept as int64 wrapped to the
// width of dtype (0 or 1 for i1).
type tile struct {
	dtype dtypes.DType
	shape []int
	f     []float64
	i     []int64
}

func newTile(dtype dtypes.DType, shape []int) *tile {
	t := &tile{dtype: dtype, shape: slices.Clone(shape)}
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if shapes.IsFloat(dtype) {
		t.f = make([]float64, size)
	} else {
		t.i = make([]int64, size)
	}
	return t
}

func newTileOfType(t tileir.Type) *tile {
	return newTile(t.DType, t.Shape)
}

func (t *tile) isFloat() bool { return t.f != nil }

func (t *tile) size() int {
	if t.f != nil {
		return len(t.f)
	}
	return len(t.i)
}

// float returns element i as float64; scalars are broadcast.
func (t *tile) float(i int) float64 {
	if t.size() == 1 {
		i = 0
	}
	if t.f != nil {
		return t.f[i]
	}
	return float64(t.i[i])
}

// int returns element i of an integer tile; scalars are broadcast.
func (t *tile) int(i int) int64 {
	if t.size() == 1 {
		i = 0
	}
	if t.i != nil {
		return t.i[i]
	}
	return int64(t.f[i])
}

// setFloat sets element i rounding to the tile dtype.
func (t *tile) setFloat(i int, v float64) {
	if t.f != nil {
		t.f[i] = roundTo(t.dtype, v)
		return
	}
	t.i[i] = wrapInt(t.dtype, int64(v))
}

// setInt sets element i wrapping to the tile dtype.
func (t *tile) setInt(i int, v int64) {
	if t.i != nil {
		t.i[i] = wrapInt(t.dtype, v)
		return
	}
	t.f[i] = roundTo(t.dtype, float64(v))
}

func scalarTile(dtype dtypes.DType, v int64) *tile {
	t := newTile(dtype, nil)
	t.setInt(0, v)
	return t
}

// wrapInt wraps v to the width of dtype, keeping signed dtypes sign-extended.
func wrapInt(dtype dtypes.DType, v int64) int64 {
	switch dtype {
	case dtypes.Bool:
		return v & 1
	case dtypes.Int8:
		return int64(int8(v))
	case dtypes.Int16:
		return int64(int16(v))
	case dtypes.Int32:
		return int64(int32(v))
	case dtypes.Uint8:
		return int64(uint8(v))
	case dtypes.Uint16:
		return int64(uint16(v))
	case dtypes.Uint32:
		return int64(uint32(v))
	}
	return v
}

// unsignedBits returns the bits of v within the width of dtype.
func unsignedBits(dtype dtypes.DType, v int64) uint64 {
	width := shapes.BitWidth(dtype)
	if width >= 64 {
		return uint64(v)
	}
	return uint64(v) & (1<<width - 1)
}

// signedValue interprets the bits of v within the width of dtype as a two's complement integer.
func signedValue(dtype dtypes.DType, v int64) int64 {
	width := shapes.BitWidth(dtype)
	bits := unsignedBits(dtype, v)
	if width < 64 && (bits>>(width-1))&1 == 1 {
		return int64(bits) - 1<<width
	}
	return int64(bits)
}

// pointer to an element of a buffer.
type pointer struct {
	buffer int
	offset int64
}

// blockPointer describes a tile window into a buffer.
type blockPointer struct {
	buffer  int
	base    int64
	shape   []int64
	strides []int64
	offsets []int64
	block   []int
}

// forEachIndex calls fn with the row-major linear index and the multi-dimensional index of every
// element of a tensor of the given shape.
func forEachIndex(shape []int, fn func(linear int, index []int)) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	index := make([]int, len(shape))
	for linear := range size {
		fn(linear, index)
		for axis := len(shape) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < shape[axis] {
				break
			}
			index[axis] = 0
		}
	}
}

// linearIndex of a multi-dimensional index in a row-major tensor of the given shape.
func linearIndex(shape, index []int) int {
	linear := 0
	for axis, dim := range shape {
		linear = linear*dim + index[axis]
	}
	return linear
}
