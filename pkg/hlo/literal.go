// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/shapes"
)

// Literal is the scalar value held by an OpConstant node.
type Literal struct {
	DType dtypes.DType
	f     float64
	i     int64
}

// FloatLiteral creates a literal of a float dtype.
func FloatLiteral(dtype dtypes.DType, value float64) Literal {
	return Literal{DType: dtype, f: value, i: int64(value)}
}

// IntLiteral creates a literal of an integer (or bool) dtype.
func IntLiteral(dtype dtypes.DType, value int64) Literal {
	return Literal{DType: dtype, f: float64(value), i: value}
}

// BoolLiteral creates a literal of dtype Bool.
func BoolLiteral(value bool) Literal {
	if value {
		return IntLiteral(dtypes.Bool, 1)
	}
	return IntLiteral(dtypes.Bool, 0)
}

// Float returns the value converted to float64.
func (l Literal) Float() float64 { return l.f }

// Int returns the value converted to int64. Non-finite floats saturate.
func (l Literal) Int() int64 {
	if shapes.IsFloat(l.DType) {
		switch {
		case math.IsNaN(l.f):
			return 0
		case l.f >= math.MaxInt64:
			return math.MaxInt64
		case l.f <= math.MinInt64:
			return math.MinInt64
		}
		return int64(l.f)
	}
	return l.i
}

// String implements fmt.Stringer.
func (l Literal) String() string {
	if shapes.IsFloat(l.DType) {
		return fmt.Sprintf("%g", l.f)
	}
	return fmt.Sprintf("%d", l.i)
}
