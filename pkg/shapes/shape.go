// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the Shape of the nodes of an operator graph.
//
// A Shape is a DType (see github.com/gomlx/gopjrt/dtypes) plus the dimensions of each axis, or a
// tuple of shapes. All shapes are assumed to have the canonical row-major layout: the last axis
// is the minor-most (fastest varying) one.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of an operator-graph node: either an array (DType + Dimensions) or a tuple.
type Shape struct {
	DType       dtypes.DType
	Dimensions  []int
	TupleShapes []Shape
}

// Make returns a Shape structure filled with the values given.
// See MakeTuple for tuple shapes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// MakeTuple returns a shape representing a tuple of elements with the given shapes.
func MakeTuple(elements ...Shape) Shape {
	return Shape{DType: dtypes.InvalidDType, TupleShapes: slices.Clone(elements)}
}

// Ok returns whether this is a valid Shape. A "zero" shape is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType || len(s.TupleShapes) > 0 }

// IsTuple returns whether the shape represents a tuple.
func (s Shape) IsTuple() bool { return s.DType == dtypes.InvalidDType && len(s.TupleShapes) > 0 }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Rank() == 0 }

// IsEffectiveScalar returns whether the shape holds exactly one element.
func (s Shape) IsEffectiveScalar() bool { return !s.IsTuple() && s.Size() == 1 }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// MinorDim returns the dimension of the i-th minor-most axis: MinorDim(0) is the last axis.
func (s Shape) MinorDim(i int) int {
	return s.Dim(s.Rank() - 1 - i)
}

// Size returns the number of elements of the shape: the product of all dimensions.
func (s Shape) Size() (size int64) {
	size = 1
	for _, d := range s.Dimensions {
		size *= int64(d)
	}
	return
}

// Strides returns the row-major stride of each axis, in elements.
func (s Shape) Strides() []int64 {
	strides := make([]int64, s.Rank())
	stride := int64(1)
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= int64(s.Dimensions[axis])
	}
	return strides
}

// Leaves returns the array shapes of a (possibly nested) tuple in flattened order.
// For an array shape it returns the shape itself.
func (s Shape) Leaves() []Shape {
	if !s.IsTuple() {
		return []Shape{s}
	}
	var leaves []Shape
	for _, element := range s.TupleShapes {
		leaves = append(leaves, element.Leaves()...)
	}
	return leaves
}

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, len(s.TupleShapes))
		for _, tuple := range s.TupleShapes {
			parts = append(parts, tuple.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.IsTuple() != s2.IsTuple() {
		return false
	}
	if s.IsTuple() {
		if len(s.TupleShapes) != len(s2.TupleShapes) {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return !s.IsTuple() && !s2.IsTuple() && slices.Equal(s.Dimensions, s2.Dimensions)
}

// WithDType returns a copy of the shape with a different dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	if len(s.TupleShapes) > 0 {
		s2.TupleShapes = make([]Shape, 0, len(s.TupleShapes))
		for _, subShape := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, subShape.Clone())
		}
	}
	return
}
