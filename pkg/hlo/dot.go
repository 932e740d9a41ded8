// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// DotDimensionNumbers describes which axes of a dot's operands are contracted and which are batch.
// The remaining axes are the non-contracting (cross) ones.
type DotDimensionNumbers struct {
	LhsBatchDims, LhsContractingDims []int
	RhsBatchDims, RhsContractingDims []int
}

// NonContractingDims returns the axes of an operand of the given rank that are neither batch nor
// contracting, in increasing order.
func NonContractingDims(rank int, batchDims, contractingDims []int) []int {
	used := make([]bool, rank)
	for _, axis := range batchDims {
		used[axis] = true
	}
	for _, axis := range contractingDims {
		used[axis] = true
	}
	var result []int
	for axis := range rank {
		if !used[axis] {
			result = append(result, axis)
		}
	}
	return result
}

// Precision of a dot operand.
type Precision int

const (
	PrecisionDefault Precision = iota
	PrecisionHigh
	PrecisionHighest
)

// Algorithm explicitly selects how a dot is computed. AlgorithmUnset lets the compiler choose.
type Algorithm int

const (
	AlgorithmUnset Algorithm = iota
	AlgorithmDotF16F16F32
	AlgorithmDotBF16BF16F32
	AlgorithmDotBF16BF16F32X3
	AlgorithmDotBF16BF16F32X6
	AlgorithmDotTF32TF32F32
	AlgorithmDotF32F32F32
	AlgorithmDotF64F64F64
)

var algorithmNames = map[Algorithm]string{
	AlgorithmUnset:            "ALG_UNSET",
	AlgorithmDotF16F16F32:     "ALG_DOT_F16_F16_F32",
	AlgorithmDotBF16BF16F32:   "ALG_DOT_BF16_BF16_F32",
	AlgorithmDotBF16BF16F32X3: "ALG_DOT_BF16_BF16_F32_X3",
	AlgorithmDotBF16BF16F32X6: "ALG_DOT_BF16_BF16_F32_X6",
	AlgorithmDotTF32TF32F32:   "ALG_DOT_TF32_TF32_F32",
	AlgorithmDotF32F32F32:     "ALG_DOT_F32_F32_F32",
	AlgorithmDotF64F64F64:     "ALG_DOT_F64_F64_F64",
}

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	if name, found := algorithmNames[a]; found {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// AccumulatorType returns the accumulation dtype implied by the algorithm.
// It returns false for AlgorithmUnset.
func (a Algorithm) AccumulatorType() (dtypes.DType, bool) {
	switch a {
	case AlgorithmDotF16F16F32, AlgorithmDotBF16BF16F32, AlgorithmDotBF16BF16F32X3,
		AlgorithmDotBF16BF16F32X6, AlgorithmDotTF32TF32F32, AlgorithmDotF32F32F32:
		return dtypes.Float32, true
	case AlgorithmDotF64F64F64:
		return dtypes.Float64, true
	default:
		return dtypes.InvalidDType, false
	}
}

// HasTF32Input returns whether the algorithm feeds TF32-rounded operands to the dot.
func (a Algorithm) HasTF32Input() bool {
	return a == AlgorithmDotTF32TF32F32
}

// PrecisionConfig of a dot.
type PrecisionConfig struct {
	OperandPrecision []Precision
	Algorithm        Algorithm
}

// AllDefault returns whether all operand precisions are PrecisionDefault.
func (p PrecisionConfig) AllDefault() bool {
	for _, precision := range p.OperandPrecision {
		if precision != PrecisionDefault {
			return false
		}
	}
	return true
}
