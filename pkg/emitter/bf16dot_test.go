// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/gomlx/tilefusion/pkg/tileir/interpreter"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dotTestSize = 16

// runDotKernel runs a kernel computing the [16, 16] product of lhs and rhs with the given dot.
func runDotKernel(t *testing.T, lhs, rhs []float64, dot func(b *tileir.Builder, lhs, rhs, acc *tileir.Value) *tileir.Value) []float64 {
	module := tileir.NewModule()
	f32 := tileir.PointerType(dtypes.Float32)
	fn := module.AddFunction("dot", f32, f32, f32)
	b := tileir.NewBuilder(fn.Body)
	load := func(arg *tileir.Value) *tileir.Value {
		i64 := tileir.ScalarType(dtypes.Int64)
		return b.MakeTensorPtr(arg,
			[]*tileir.Value{b.ConstInt(i64, dotTestSize), b.ConstInt(i64, dotTestSize)},
			[]*tileir.Value{b.ConstInt(i64, dotTestSize), b.ConstInt(i64, 1)},
			[]*tileir.Value{b.ConstInt(tileir.ScalarType(dtypes.Int32), 0), b.ConstInt(tileir.ScalarType(dtypes.Int32), 0)},
			[]int{dotTestSize, dotTestSize}, []int{1, 0})
	}
	lhsPtr, rhsPtr, outPtr := load(fn.Arg(0)), load(fn.Arg(1)), load(fn.Arg(2))
	acc := b.Const(tileir.TensorType(dtypes.Float32, dotTestSize, dotTestSize), 0)
	b.Store(outPtr, dot(b, b.Load(lhsPtr, nil), b.Load(rhsPtr, nil), acc), nil)
	b.Return()

	out := interpreter.NewBuffer(dtypes.Float32, dotTestSize*dotTestSize)
	require.NoError(t, interpreter.New().Run(fn, interpreter.Grid{1, 1, 1},
		interpreter.FromFloat64s(dtypes.Float32, lhs), interpreter.FromFloat64s(dtypes.Float32, rhs), out))
	return out.Float64s()
}

func maxAbsError(want, got []float64) float64 {
	var maxErr float64
	for ii := range want {
		maxErr = max(maxErr, math.Abs(want[ii]-got[ii]))
	}
	return maxErr
}

func meanAbsError(want, got []float64) float64 {
	var sum float64
	for ii := range want {
		sum += math.Abs(want[ii] - got[ii])
	}
	return sum / float64(len(want))
}

func TestBF16DotEmulation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	lhs, rhs := make([]float64, dotTestSize*dotTestSize), make([]float64, dotTestSize*dotTestSize)
	for ii := range lhs {
		// Values exactly representable in f32.
		lhs[ii] = float64(float32(rng.Float64()*2 - 1))
		rhs[ii] = float64(float32(rng.Float64()*2 - 1))
	}
	want := refMatMul(lhs, rhs, dotTestSize, dotTestSize, dotTestSize)

	f32Out := runDotKernel(t, lhs, rhs, bf16Dot)
	bf16Out := runDotKernel(t, lhs, rhs, func(b *tileir.Builder, lhs, rhs, acc *tileir.Value) *tileir.Value {
		return bf16Dot(b, roundToBF16(b, lhs), roundToBF16(b, rhs), acc)
	})
	x3Out := runDotKernel(t, lhs, rhs, emit3xBF16MatMul)
	x6Out := runDotKernel(t, lhs, rhs, emit6xBF16MatMul)

	f32, bf16 := meanAbsError(want, f32Out), meanAbsError(want, bf16Out)
	x3, x6 := meanAbsError(want, x3Out), meanAbsError(want, x6Out)
	t.Logf("mean error: f32=%g, bf16=%g, bf16x3=%g, bf16x6=%g", f32, bf16, x3, x6)
	assert.Less(t, f32, x6)
	assert.Less(t, x6, x3)
	assert.Less(t, x3, bf16)
	assert.Less(t, maxAbsError(want, x6Out), 1e-5)
}

func TestBF16DotEmulationNonFinite(t *testing.T) {
	lhs, rhs := make([]float64, dotTestSize*dotTestSize), make([]float64, dotTestSize*dotTestSize)
	for ii := range lhs {
		lhs[ii] = 0.5
		rhs[ii] = 1.25
	}
	lhs[0] = math.Inf(1)
	for name, emulation := range map[string]func(b *tileir.Builder, lhs, rhs, acc *tileir.Value) *tileir.Value{
		"bf16x3": emit3xBF16MatMul, "bf16x6": emit6xBF16MatMul,
	} {
		t.Run(name, func(t *testing.T) {
			got := runDotKernel(t, lhs, rhs, emulation)
			// The first row has the infinite value, the others are finite.
			for col := range dotTestSize {
				assert.Truef(t, math.IsInf(got[col], 1), "row 0, column %d: %g", col, got[col])
				assert.Equal(t, 0.5*1.25*dotTestSize, got[dotTestSize+col])
			}
		})
	}
}

func TestSelectDotKind(t *testing.T) {
	const m, k, n = 16, 16, 16
	numDots := func(c *hlo.Computation, config Config) int {
		fn := emitKernel(t, c, must.M1(iterspec.Canonical(c)), config, EmitMatMul)
		return len(fn.FindOps(tileir.OpDot))
	}
	config := must.M1(ParseConfig("block_m=16,block_n=16,block_k=16,num_warps=1"))
	f32 := buildMatMul(dtypes.Float32, m, k, n)
	assert.Equal(t, 1, numDots(f32, config))
	config.EnableBF16x3 = true
	assert.Equal(t, 3, numDots(f32, config))
	config.EnableBF16x6 = true
	assert.Equal(t, 6, numDots(f32, config))

	// Only f32 operands are emulated.
	assert.Equal(t, 1, numDots(buildMatMul(dtypes.Float16, m, k, n), config))

	// The algorithm takes precedence over the flags.
	c := hlo.NewComputation("x3_algorithm")
	lhs := c.Parameter("lhs", f32.ParameterNode(0).Shape())
	rhs := c.Parameter("rhs", f32.ParameterNode(1).Shape())
	c.SetRoot(c.Dot(lhs, rhs, matMulDotDims(), hlo.PrecisionConfig{Algorithm: hlo.AlgorithmDotBF16BF16F32X3}, dtypes.InvalidDType))
	assert.Equal(t, 3, numDots(c, config))
	config.EnableBF16x3, config.EnableBF16x6 = false, false
	assert.Equal(t, 3, numDots(c, config))
}
