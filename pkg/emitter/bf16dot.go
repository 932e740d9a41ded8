// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"k8s.io/klog/v2"
)

// Emulation of f32 dots with bfloat16 dots: each f32 operand is split in 2 or 3 bfloat16 values,
// whose sum approximates it. See https://arxiv.org/pdf/1904.06376.pdf.

// truncateToBF16TowardsZero clears the 16 lower bits of the f32 values, keeping the bits
// representable in bfloat16.
func truncateToBF16TowardsZero(b *tileir.Builder, x *tileir.Value) *tileir.Value {
	asInt := b.Bitcast(x, dtypes.Int32)
	mask := b.ConstInt(asInt.Type(), int64(int32(-65536))) // 0xFFFF0000
	return b.Bitcast(b.Binary(tileir.OpAndI, asInt, mask), dtypes.Float32)
}

// softMiddleEight returns what's left of x after its bfloat16 truncation: the middle 8 bits of
// its mantissa (and the lower ones).
func softMiddleEight(b *tileir.Builder, x *tileir.Value) *tileir.Value {
	return b.Binary(tileir.OpSubF, x, truncateToBF16TowardsZero(b, x))
}

// softLowEight returns the low 8 bits of the mantissa of x: the middle bits of its middle bits.
func softLowEight(b *tileir.Builder, x *tileir.Value) *tileir.Value {
	return softMiddleEight(b, softMiddleEight(b, x))
}

func roundToBF16(b *tileir.Builder, x *tileir.Value) *tileir.Value {
	return cast(b, x, dtypes.BFloat16)
}

// checkFiniteF32 returns whether the elements of x are neither infinite nor NaN.
func checkFiniteF32(b *tileir.Builder, x *tileir.Value) *tileir.Value {
	inf := b.ConstFloat(x.Type(), math.Inf(1))
	return b.Cmp(tileir.OpCmpF, tileir.CmpGT, inf, b.Math(tileir.MathAbsF, x))
}

func checkF32Operands(lhs, rhs, acc *tileir.Value) {
	for _, v := range []*tileir.Value{lhs, rhs, acc} {
		checkf(elementType(v) == dtypes.Float32, "bfloat16 dot emulation requires f32 operands, got %s", v.Type())
	}
}

func bf16Dot(b *tileir.Builder, lhs, rhs, acc *tileir.Value) *tileir.Value {
	return b.Dot(lhs, rhs, acc, tileir.DotData{InputPrecision: tileir.PrecisionIEEE})
}

// zeroNonFinite replaces the non-finite partial results by zeros: the products of the low parts
// of an infinite value (0·∞) are NaN, while only the product of the high parts matters.
func zeroNonFinite(b *tileir.Builder, x *tileir.Value) *tileir.Value {
	return b.Select(checkFiniteF32(b, x), x, zerosLike(b, x))
}

// emit6xBF16MatMul returns acc + lhs·rhs computed with 6 bfloat16 dots.
func emit6xBF16MatMul(b *tileir.Builder, lhs, rhs, acc *tileir.Value) *tileir.Value {
	checkF32Operands(lhs, rhs, acc)
	split := func(x *tileir.Value) (high, middle, low *tileir.Value) {
		high = roundToBF16(b, truncateToBF16TowardsZero(b, x))
		middle = roundToBF16(b, truncateToBF16TowardsZero(b, softMiddleEight(b, x)))
		low = roundToBF16(b, truncateToBF16TowardsZero(b, softLowEight(b, x)))
		return
	}
	lhsHigh, lhsMiddle, lhsLow := split(lhs)
	rhsHigh, rhsMiddle, rhsLow := split(rhs)

	result := bf16Dot(b, lhsMiddle, rhsMiddle, zerosLike(b, acc))
	result = bf16Dot(b, lhsLow, rhsHigh, result)
	result = bf16Dot(b, lhsHigh, rhsLow, result)
	result = bf16Dot(b, lhsMiddle, rhsHigh, result)
	result = bf16Dot(b, lhsHigh, rhsMiddle, result)
	result = zeroNonFinite(b, result)
	result = bf16Dot(b, lhsHigh, rhsHigh, result)
	return b.Binary(tileir.OpAddF, acc, result)
}

// emit3xBF16MatMul returns acc + lhs·rhs computed with 3 bfloat16 dots. It's less accurate than
// emit6xBF16MatMul.
func emit3xBF16MatMul(b *tileir.Builder, lhs, rhs, acc *tileir.Value) *tileir.Value {
	checkF32Operands(lhs, rhs, acc)
	lhsHigh := roundToBF16(b, truncateToBF16TowardsZero(b, lhs))
	lhsLow := roundToBF16(b, softMiddleEight(b, lhs))
	rhsHigh := roundToBF16(b, truncateToBF16TowardsZero(b, rhs))
	rhsLow := roundToBF16(b, softMiddleEight(b, rhs))

	result := bf16Dot(b, lhsLow, rhsHigh, zerosLike(b, acc))
	result = bf16Dot(b, lhsHigh, rhsLow, result)
	result = zeroNonFinite(b, result)
	result = bf16Dot(b, lhsHigh, rhsHigh, result)
	return b.Binary(tileir.OpAddF, acc, result)
}

// dotKind is how the product of the tiles is computed.
type dotKind int

const (
	dotPlain dotKind = iota
	dotBF16x3
	dotBF16x6
)

// selectDotKind picks the emulation of the dot: an explicit algorithm in the precision config
// takes precedence, then the configuration flags for f32 operands.
func selectDotKind(config Config, dot *hlo.Node, lhs, rhs *tileir.Value) dotKind {
	algorithm := dot.PrecisionConfig().Algorithm
	if algorithm != hlo.AlgorithmUnset {
		switch algorithm {
		case hlo.AlgorithmDotBF16BF16F32X6:
			return dotBF16x6
		case hlo.AlgorithmDotBF16BF16F32X3:
			return dotBF16x3
		}
		return dotPlain
	}
	if config.EnableBF16x3 && config.EnableBF16x6 {
		klog.Warningf("Both bfloat16 6-way and 3-way dot emulations are enabled, using the 6-way one.")
	}
	f32Operands := elementType(lhs) == dtypes.Float32 && elementType(rhs) == dtypes.Float32
	switch {
	case config.EnableBF16x6 && f32Operands:
		return dotBF16x6
	case config.EnableBF16x3 && f32Operands:
		return dotBF16x3
	}
	return dotPlain
}

// isTF32Allowed returns whether f32 dot inputs may be rounded to TF32.
func isTF32Allowed(config Config, dot *hlo.Node) bool {
	precision := dot.PrecisionConfig()
	if precision.Algorithm == hlo.AlgorithmUnset {
		return config.EnableTF32 && precision.AllDefault()
	}
	return precision.Algorithm.HasTF32Input()
}
