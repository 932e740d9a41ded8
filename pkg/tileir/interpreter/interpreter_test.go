// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i32(b *tileir.Builder, v int64) *tileir.Value {
	return b.ConstInt(tileir.ScalarType(dtypes.Int32), v)
}

func i64(b *tileir.Builder, v int64) *tileir.Value {
	return b.ConstInt(tileir.ScalarType(dtypes.Int64), v)
}

// buildAddKernel adds two vectors of length n in blocks of blockSize elements.
func buildAddKernel(n, blockSize int, check bool) *tileir.Function {
	m := tileir.NewModule()
	f32 := tileir.PointerType(dtypes.Float32)
	fn := m.AddFunction("add", f32, f32, f32)
	b := tileir.NewBuilder(fn.Body)
	offset := b.Binary(tileir.OpMulI, b.ProgramID(0), i32(b, int64(blockSize)))
	var checks []int
	if check {
		checks = []int{0}
	}
	ptrs := make([]*tileir.Value, 3)
	for ii := range ptrs {
		ptrs[ii] = b.MakeTensorPtr(fn.Arg(ii), []*tileir.Value{i64(b, int64(n))}, []*tileir.Value{i64(b, 1)},
			[]*tileir.Value{offset}, []int{blockSize}, []int{0})
	}
	sum := b.Binary(tileir.OpAddF, b.Load(ptrs[0], checks), b.Load(ptrs[1], checks))
	b.Store(ptrs[2], sum, checks)
	b.Return()
	return fn
}

func TestRunVectorAdd(t *testing.T) {
	const n = 100
	x, y := make([]float64, n), make([]float64, n)
	for ii := range x {
		x[ii] = float64(ii)
		y[ii] = 0.5
	}
	out := NewBuffer(dtypes.Float32, n)
	fn := buildAddKernel(n, 32, true)
	require.NoError(t, New().Run(fn, Grid{4, 1, 1}, FromFloat64s(dtypes.Float32, x), FromFloat64s(dtypes.Float32, y), out))
	for ii, v := range out.Float64s() {
		require.Equal(t, float64(ii)+0.5, v)
	}

	// Without the boundary check the last block reads out of bounds.
	fn = buildAddKernel(n, 32, false)
	err := New().WithParallelism(0).Run(fn, Grid{4, 1, 1}, FromFloat64s(dtypes.Float32, x), FromFloat64s(dtypes.Float32, y), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-bounds")
	assert.Contains(t, err.Error(), "[3 0 0]")

	// Wrong buffers.
	require.Error(t, New().Run(fn, Grid{1, 1, 1}, out))
	require.Error(t, New().Run(fn, Grid{1, 1, 1}, out, out, NewBuffer(dtypes.Float64, n)))
	require.Error(t, New().Run(fn, Grid{0, 1, 1}, out, out, out))
}

func TestRunReduceAndLoop(t *testing.T) {
	m := tileir.NewModule()
	fn := m.AddFunction("sum_rows", tileir.PointerType(dtypes.Float64), tileir.PointerType(dtypes.Float64))
	b := tileir.NewBuilder(fn.Body)
	row := b.Convert(tileir.OpExtSI, b.ProgramID(0), dtypes.Int64)
	ptr := b.MakeTensorPtr(b.AddPtr(fn.Arg(0), b.Binary(tileir.OpMulI, row, i64(b, 8))),
		[]*tileir.Value{i64(b, 8)}, []*tileir.Value{i64(b, 1)}, []*tileir.Value{i32(b, 0)}, []int{8}, []int{0})
	sum := b.Reduce(b.Load(ptr, nil), 0, func(rb *tileir.Builder, lhs, rhs *tileir.Value) *tileir.Value {
		return rb.Binary(tileir.OpAddF, lhs, rhs)
	})
	// Doubles the sum 3 times.
	results := b.For(i32(b, 0), i32(b, 3), i32(b, 1), []*tileir.Value{sum},
		func(lb *tileir.Builder, iv *tileir.Value, args []*tileir.Value) []*tileir.Value {
			return []*tileir.Value{lb.Binary(tileir.OpAddF, args[0], args[0])}
		})
	b.Store(b.AddPtr(fn.Arg(1), row), results[0], nil)
	b.Return()

	in := make([]float64, 16)
	for ii := range in {
		in[ii] = float64(ii)
	}
	out := NewBuffer(dtypes.Float64, 2)
	require.NoError(t, New().Run(fn, Grid{2, 1, 1}, FromFloat64s(dtypes.Float64, in), out))
	assert.Equal(t, []float64{8 * 28, 8 * 92}, out.Float64s())
}

// evalKernel builds and runs a kernel storing the scalar built by build.
func evalKernel(t *testing.T, outDType dtypes.DType, build func(b *tileir.Builder) *tileir.Value) float64 {
	m := tileir.NewModule()
	fn := m.AddFunction("eval", tileir.PointerType(outDType))
	b := tileir.NewBuilder(fn.Body)
	b.Store(fn.Arg(0), build(b), nil)
	b.Return()
	out := NewBuffer(outDType, 1)
	require.NoError(t, New().Run(fn, Grid{1, 1, 1}, out))
	return out.Float(0)
}

func TestConversions(t *testing.T) {
	boolTrue := func(b *tileir.Builder) *tileir.Value { return b.ConstInt(tileir.ScalarType(dtypes.Bool), 1) }
	assert.Equal(t, -1.0, evalKernel(t, dtypes.Int32, func(b *tileir.Builder) *tileir.Value {
		return b.Convert(tileir.OpExtSI, boolTrue(b), dtypes.Int32)
	}))
	assert.Equal(t, 1.0, evalKernel(t, dtypes.Int32, func(b *tileir.Builder) *tileir.Value {
		return b.Convert(tileir.OpExtUI, boolTrue(b), dtypes.Int32)
	}))
	assert.Equal(t, 1.0, evalKernel(t, dtypes.Float32, func(b *tileir.Builder) *tileir.Value {
		return b.Convert(tileir.OpUIToFP, boolTrue(b), dtypes.Float32)
	}))
	assert.Equal(t, 44.0, evalKernel(t, dtypes.Int8, func(b *tileir.Builder) *tileir.Value {
		return b.Convert(tileir.OpTruncI, b.ConstInt(tileir.ScalarType(dtypes.Int32), 300), dtypes.Int8)
	}))
	assert.Equal(t, -2.0, evalKernel(t, dtypes.Int32, func(b *tileir.Builder) *tileir.Value {
		return b.Convert(tileir.OpFPToSI, b.ConstFloat(tileir.ScalarType(dtypes.Float32), -2.75), dtypes.Int32)
	}))
	// Truncating the low 16 bits of a float32 gives its bfloat16 rounding towards zero.
	v := evalKernel(t, dtypes.Float32, func(b *tileir.Builder) *tileir.Value {
		x := b.Bitcast(b.ConstFloat(tileir.ScalarType(dtypes.Float32), 1.0+1.0/256+1.0/1024), dtypes.Int32)
		masked := b.Binary(tileir.OpAndI, x, b.ConstInt(tileir.ScalarType(dtypes.Int32), int64(int32(-65536))))
		return b.Bitcast(masked, dtypes.Float32)
	})
	assert.Equal(t, 1.0, v)
	assert.Equal(t, 1.0, evalKernel(t, dtypes.BFloat16, func(b *tileir.Builder) *tileir.Value {
		return b.Convert(tileir.OpTruncF, b.ConstFloat(tileir.ScalarType(dtypes.Float32), 1.0+1.0/1024), dtypes.BFloat16)
	}))
}

func TestArithmeticAndCompare(t *testing.T) {
	nan := math.NaN()
	f := func(b *tileir.Builder, v float64) *tileir.Value { return b.ConstFloat(tileir.ScalarType(dtypes.Float32), v) }
	cmp := func(pred tileir.CmpPredicate, x, y float64) float64 {
		return evalKernel(t, dtypes.Int8, func(b *tileir.Builder) *tileir.Value {
			return b.Convert(tileir.OpExtUI, b.Cmp(tileir.OpCmpF, pred, f(b, x), f(b, y)), dtypes.Int8)
		})
	}
	assert.Equal(t, 0.0, cmp(tileir.CmpNE, nan, 1))
	assert.Equal(t, 1.0, cmp(tileir.CmpUNE, nan, 1))
	assert.Equal(t, 0.0, cmp(tileir.CmpUNE, 1, 1))
	assert.Equal(t, 1.0, cmp(tileir.CmpGT, math.Inf(1), 3))

	assert.True(t, math.IsNaN(evalKernel(t, dtypes.Float32, func(b *tileir.Builder) *tileir.Value {
		return b.Binary(tileir.OpMaximumF, f(b, nan), f(b, 1))
	})))
	assert.Equal(t, -7.0, evalKernel(t, dtypes.Int32, func(b *tileir.Builder) *tileir.Value {
		return b.Binary(tileir.OpMinSI, i32(b, -7), i32(b, 3))
	}))
	assert.Equal(t, 3.0, evalKernel(t, dtypes.Int32, func(b *tileir.Builder) *tileir.Value {
		return b.Binary(tileir.OpMinUI, i32(b, -7), i32(b, 3))
	}))
	assert.Equal(t, -2.0, evalKernel(t, dtypes.Int32, func(b *tileir.Builder) *tileir.Value {
		return b.Binary(tileir.OpDivSI, i32(b, -7), i32(b, 3))
	}))
	assert.InDelta(t, math.Exp(1), evalKernel(t, dtypes.Float32, func(b *tileir.Builder) *tileir.Value {
		return b.ExternElementwise(tileir.ExternData{Symbol: "__nv_expf", Pure: true}, f(b, 1))
	}), 1e-6)
	assert.InDelta(t, math.Erf(0.5), evalKernel(t, dtypes.Float64, func(b *tileir.Builder) *tileir.Value {
		return b.ExternElementwise(tileir.ExternData{Symbol: "__ocml_erf_f64", Pure: true},
			b.ConstFloat(tileir.ScalarType(dtypes.Float64), 0.5))
	}), 1e-12)
	_, err := externFunction("__nv_unknownf")
	require.Error(t, err)
}

func TestDot(t *testing.T) {
	lhs := newTile(dtypes.Float32, []int{2, 3})
	rhs := newTile(dtypes.Float32, []int{3, 2})
	acc := newTile(dtypes.Float32, []int{2, 2})
	for ii := range lhs.f {
		lhs.f[ii] = float64(ii + 1)
		rhs.f[ii] = 1
	}
	acc.f[0] = 10
	out := dot(lhs, rhs, acc, tileir.PrecisionIEEE)
	assert.Equal(t, []float64{16, 6, 15, 15}, out.f)

	// TF32 drops the low 13 bits of the mantissa.
	x := newTile(dtypes.Float32, []int{1, 1})
	x.f[0] = roundTo(dtypes.Float32, 1+1.0/(1<<12))
	one := newTile(dtypes.Float32, []int{1, 1})
	one.f[0] = 1
	zero := newTile(dtypes.Float32, []int{1, 1})
	assert.Equal(t, x.f[0], dot(x, one, zero, tileir.PrecisionIEEE).f[0])
	assert.Equal(t, 1.0, dot(x, one, zero, tileir.PrecisionTF32).f[0])
	assert.Equal(t, 1+1.0/1024, roundToTF32(1+1.0/1024))
}

func TestDensifySparse(t *testing.T) {
	// One row, K=16: 4 groups of 4 elements, 2 values each.
	sparse := newTile(dtypes.Float32, []int{1, 8})
	for ii := range sparse.f {
		sparse.f[ii] = float64(ii + 1)
	}
	meta := newTile(dtypes.Int16, []int{1, 1})
	// Groups select positions (0,1), (2,3), (0,3), (1,2).
	meta.i[0] = wrapInt(dtypes.Int16, 0x0|0x1<<2|(0x2|0x3<<2)<<4|(0x0|0x3<<2)<<8|(0x1|0x2<<2)<<12)
	dense := densifySparse(sparse, meta)
	assert.Equal(t, []float64{1, 2, 0, 0, 0, 0, 3, 4, 5, 0, 0, 6, 0, 7, 8, 0}, dense.f)
}
