// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tileir defines a small block-level ("tile") intermediate representation, modeled after
// the Triton dialect: values are scalars, tensors of a static shape held by one program instance,
// pointers to global memory, or block pointers describing a tile window into a strided buffer.
//
// Programs are built with a Builder and can be printed in an MLIR-like textual form, or executed
// by the interpreter subpackage.
package tileir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/shapes"
)

// Kind of Type.
type Kind int

const (
	KindScalar Kind = iota
	KindTensor
	KindPointer
	KindBlockPointer
)

// Type of a Value.
//
// For KindPointer and KindBlockPointer, DType is the pointee element type and, for block
// pointers, Shape is the block shape. dtypes.Bool is the 1-bit integer i1.
type Type struct {
	Kind  Kind
	DType dtypes.DType
	Shape []int
}

// ScalarType returns the scalar type of dtype.
func ScalarType(dtype dtypes.DType) Type { return Type{Kind: KindScalar, DType: dtype} }

// TensorType returns a tensor type. An empty shape returns the scalar type.
func TensorType(dtype dtypes.DType, shape ...int) Type {
	if len(shape) == 0 {
		return ScalarType(dtype)
	}
	for _, dim := range shape {
		if dim <= 0 {
			exceptions.Panicf("tileir: invalid tensor shape %v", shape)
		}
	}
	return Type{Kind: KindTensor, DType: dtype, Shape: slices.Clone(shape)}
}

// PointerType returns the type of a pointer to global memory holding elements of dtype.
func PointerType(dtype dtypes.DType) Type { return Type{Kind: KindPointer, DType: dtype} }

// BlockPointerType returns the type of a block pointer to a tile of the given shape.
func BlockPointerType(dtype dtypes.DType, blockShape ...int) Type {
	return Type{Kind: KindBlockPointer, DType: dtype, Shape: slices.Clone(blockShape)}
}

// IsTensor returns whether t is a tensor type.
func (t Type) IsTensor() bool { return t.Kind == KindTensor }

// IsScalar returns whether t is a scalar type.
func (t Type) IsScalar() bool { return t.Kind == KindScalar }

// IsPointer returns whether t is a pointer or a block pointer type.
func (t Type) IsPointer() bool { return t.Kind == KindPointer || t.Kind == KindBlockPointer }

// Size returns the number of elements of a tensor, 1 for scalars.
func (t Type) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// WithDType returns the same kind and shape, with another element type.
func (t Type) WithDType(dtype dtypes.DType) Type {
	return Type{Kind: t.Kind, DType: dtype, Shape: slices.Clone(t.Shape)}
}

// Equal compares kind, dtype and shape.
func (t Type) Equal(other Type) bool {
	return t.Kind == other.Kind && t.DType == other.DType && slices.Equal(t.Shape, other.Shape)
}

// ElementName returns the MLIR-like name of a dtype: i1, i8, ..., f16, bf16, f32, f64.
func ElementName(dtype dtypes.DType) string {
	switch {
	case dtype == dtypes.Bool:
		return "i1"
	case dtype == dtypes.BFloat16:
		return "bf16"
	case shapes.IsFloat(dtype):
		return fmt.Sprintf("f%d", shapes.BitWidth(dtype))
	case shapes.IsUnsigned(dtype):
		return fmt.Sprintf("ui%d", shapes.BitWidth(dtype))
	case shapes.IsInteger(dtype):
		return fmt.Sprintf("i%d", shapes.BitWidth(dtype))
	}
	return fmt.Sprintf("<%d>", int(dtype))
}

// String implements fmt.Stringer.
func (t Type) String() string {
	dims := func() string {
		var sb strings.Builder
		for _, dim := range t.Shape {
			fmt.Fprintf(&sb, "%dx", dim)
		}
		return sb.String()
	}
	switch t.Kind {
	case KindScalar:
		return ElementName(t.DType)
	case KindTensor:
		return fmt.Sprintf("tensor<%s%s>", dims(), ElementName(t.DType))
	case KindPointer:
		return fmt.Sprintf("!tt.ptr<%s>", ElementName(t.DType))
	case KindBlockPointer:
		return fmt.Sprintf("!tt.ptr<tensor<%s%s>>", dims(), ElementName(t.DType))
	}
	return "<invalid>"
}
