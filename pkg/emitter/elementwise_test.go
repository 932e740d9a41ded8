// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/gomlx/tilefusion/pkg/tileir/interpreter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runElementwise emits the computation over rank-1 tiles holding whole parameters, and runs it
// on inputs, one per parameter. It returns the emission error, if any.
func runElementwise(t *testing.T, c *hlo.Computation, inputs ...[]float64) ([]float64, error) {
	size := len(inputs[0])
	root := c.Root()
	var fn *tileir.Function
	err := exceptions.TryCatch[error](func() {
		var argTypes []tileir.Type
		for _, param := range c.Parameters() {
			argTypes = append(argTypes, tileir.PointerType(storageType(checkElementType(param.Shape().DType))))
		}
		argTypes = append(argTypes, tileir.PointerType(storageType(checkElementType(root.Shape().DType))))
		fn = tileir.NewModule().AddFunction("elementwise", argTypes...)
		b := tileir.NewBuilder(fn.Body)
		device := DefaultCUDADevice()
		e := &fusionEmitter{b: b, device: device, libdevicePath: device.LibdevicePath()}
		tilePtr := func(arg *tileir.Value) *tileir.Value {
			return b.MakeTensorPtr(arg,
				[]*tileir.Value{b.ConstInt(tileir.ScalarType(dtypes.Int64), int64(size))},
				[]*tileir.Value{b.ConstInt(tileir.ScalarType(dtypes.Int64), 1)},
				[]*tileir.Value{b.ConstInt(tileir.ScalarType(dtypes.Int32), 0)},
				[]int{size}, []int{0})
		}
		env := newValues(c)
		for _, param := range c.Parameters() {
			env.set(param, cast(b, b.Load(tilePtr(fn.Arg(param.ParameterNumber())), nil), param.Shape().DType))
		}
		result := e.emitScope(nil, iterspec.ScopeOutput, nil, c.PostOrderFrom(root), env)
		b.Store(tilePtr(fn.Arg(c.NumParameters())), cast(b, result, storageType(root.Shape().DType)), nil)
		b.Return()
	})
	if err != nil {
		return nil, err
	}

	var buffers []*interpreter.Buffer
	for ii, param := range c.Parameters() {
		buffers = append(buffers, interpreter.FromFloat64s(storageType(param.Shape().DType), inputs[ii]))
	}
	out := interpreter.NewBuffer(storageType(root.Shape().DType), size)
	require.NoError(t, interpreter.New().Run(fn, interpreter.Grid{1, 1, 1}, append(buffers, out)...))
	return out.Float64s(), nil
}

// binaryOp returns the computation of opcode over two parameters of the dtype.
func binaryOp(dtype dtypes.DType, opcode hlo.Opcode) *hlo.Computation {
	c := hlo.NewComputation(opcode.String())
	x := c.Parameter("x", shapes.Make(dtype, 8))
	y := c.Parameter("y", shapes.Make(dtype, 8))
	c.SetRoot(c.Binary(opcode, x, y))
	return c
}

func TestEmitElementwiseIntegers(t *testing.T) {
	x := []float64{-7, 7, -8, 9, 0, 5, -3, 100}
	y := []float64{2, -2, 3, 4, 1, 5, -3, 7}
	for opcode, want := range map[hlo.Opcode][]float64{
		hlo.OpAdd:       {-5, 5, -5, 13, 1, 10, -6, 107},
		hlo.OpSubtract:  {-9, 9, -11, 5, -1, 0, 0, 93},
		hlo.OpMultiply:  {-14, -14, -24, 36, 0, 25, 9, 700},
		hlo.OpDivide:    {-3, -3, -2, 2, 0, 1, 1, 14},
		hlo.OpRemainder: {-1, 1, -2, 1, 0, 0, 0, 2},
		hlo.OpMaximum:   {2, 7, 3, 9, 1, 5, -3, 100},
		hlo.OpMinimum:   {-7, -2, -8, 4, 0, 5, -3, 7},
		hlo.OpAnd:       {0, 6, 0, 0, 0, 5, -3, 4},
	} {
		t.Run(opcode.String(), func(t *testing.T) {
			got, err := runElementwise(t, binaryOp(dtypes.Int32, opcode), x, y)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	c := hlo.NewComputation("abs_neg")
	param := c.Parameter("x", shapes.Make(dtypes.Int16, 8))
	c.SetRoot(c.Unary(hlo.OpNegate, c.Unary(hlo.OpAbs, param)))
	got, err := runElementwise(t, c, x)
	require.NoError(t, err)
	assert.Equal(t, []float64{-7, -7, -8, -9, 0, -5, -3, -100}, got)

	// Integer powers have no device function.
	_, err = runElementwise(t, binaryOp(dtypes.Int32, hlo.OpPower), x, y)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestEmitElementwiseFloats(t *testing.T) {
	nan := math.NaN()
	x := []float64{-1.5, 2, nan, 0, 4, -0.25, 8, 3}
	y := []float64{1, 2, 1, -1, nan, 0.5, 2, 3}

	got, err := runElementwise(t, binaryOp(dtypes.Float32, hlo.OpMaximum), x, y)
	require.NoError(t, err)
	for _, ii := range []int{2, 4} {
		assert.Truef(t, math.IsNaN(got[ii]), "maximum must propagate NaNs, got %g at %d", got[ii], ii)
		got[ii] = 0
	}
	assert.Equal(t, []float64{1, 2, 0, 0, 0, 0.5, 8, 3}, got)

	// Remainders of floats come from the device library, with the sign of the dividend.
	got, err = runElementwise(t, binaryOp(dtypes.Float32, hlo.OpRemainder), x, y)
	require.NoError(t, err)
	assert.Equal(t, -0.5, got[0])
	assert.Equal(t, 0.0, got[1])
	assert.Equal(t, -0.25, got[5])

	// Not-equal is unordered: true for NaNs.
	c := hlo.NewComputation("compare")
	lhs := c.Parameter("x", shapes.Make(dtypes.Float64, 8))
	rhs := c.Parameter("y", shapes.Make(dtypes.Float64, 8))
	c.SetRoot(c.Compare(hlo.CompareNE, lhs, rhs))
	got, err = runElementwise(t, c, x, y)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 1, 1, 1, 1, 1, 0}, got)

	// Select between x and y where x < y, then truncated to int8.
	c = hlo.NewComputation("select")
	lhs = c.Parameter("x", shapes.Make(dtypes.Float32, 8))
	rhs = c.Parameter("y", shapes.Make(dtypes.Float32, 8))
	selected := c.Select(c.Compare(hlo.CompareLT, lhs, rhs), lhs, rhs)
	c.SetRoot(c.Convert(selected, dtypes.Int8))
	got, err = runElementwise(t, c, []float64{-1.5, 2, 7.9, 0, 4, -0.25, 8, 3}, []float64{1, 2, 1, -1, 5, 0.5, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 2, 1, -1, 4, 0, 2, 3}, got)
}

func TestEmitElementwiseConversions(t *testing.T) {
	convert := func(from, to dtypes.DType) *hlo.Computation {
		c := hlo.NewComputation("convert")
		c.SetRoot(c.Convert(c.Parameter("x", shapes.Make(from, 8)), to))
		return c
	}
	x := []float64{0, 1.5, -2.75, 3, 0.1, -0, 100.5, 7}

	// Floats to booleans: non-zero values are true.
	got, err := runElementwise(t, convert(dtypes.Float32, dtypes.Bool), x)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 1, 1, 0, 1, 1}, got)

	// Float to integer truncates towards zero.
	got, err = runElementwise(t, convert(dtypes.Float32, dtypes.Int32), x)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, -2, 3, 0, 0, 100, 7}, got)

	// bfloat16 goes through f32.
	c := hlo.NewComputation("bf16")
	param := c.Parameter("x", shapes.Make(dtypes.BFloat16, 8))
	c.SetRoot(c.Binary(hlo.OpMultiply, param, param))
	got, err = runElementwise(t, c, []float64{0, 1.5, -2.75, 3, 0.5, -1, 10, 7})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2.25, 7.5625, 9, 0.25, 1, 100, 49}, got)
	emitted := func() *tileir.Function {
		var fn *tileir.Function
		require.NoError(t, exceptions.TryCatch[error](func() {
			fn = tileir.NewModule().AddFunction("f", tileir.PointerType(dtypes.BFloat16))
			b := tileir.NewBuilder(fn.Body)
			v := b.Load(fn.Arg(0), nil)
			cast(b, cast(b, v, dtypes.Int32), dtypes.BFloat16)
		}))
		return fn
	}()
	assert.Len(t, emitted.FindOps(tileir.OpExtF), 1)
	assert.Len(t, emitted.FindOps(tileir.OpTruncF), 1)

	// Unsupported element types.
	u8 := hlo.NewComputation("u8")
	u8.SetRoot(u8.Unary(hlo.OpNegate, u8.Parameter("x", shapes.Make(dtypes.Uint8, 8))))
	_, err = CreateModule(nil, "u8", u8, DefaultCUDADevice(), DefaultConfig(), EmitSoftMax)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestEmitScopeUnsupported(t *testing.T) {
	c := hlo.NewComputation("dot")
	x := c.Parameter("x", shapes.Make(dtypes.Float32, 8))
	y := c.Parameter("y", shapes.Make(dtypes.Float32, 8))
	c.SetRoot(c.Dot(x, y, hlo.DotDimensionNumbers{LhsContractingDims: []int{0}, RhsContractingDims: []int{0}},
		hlo.PrecisionConfig{}, dtypes.InvalidDType))
	_, err := runElementwise(t, c, testValues(8, 1), testValues(8, 2))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestEmitMultiSelect(t *testing.T) {
	for index, want := range map[int64]float64{0: 10, 10: 10, 63: 10, 64: 20, 130: 20, 191: 20, 192: 30, 200: 30} {
		fn := tileir.NewModule().AddFunction("multi_select", tileir.PointerType(dtypes.Int32))
		b := tileir.NewBuilder(fn.Body)
		i32 := tileir.ScalarType(dtypes.Int32)
		cst := func(v int64) *tileir.Value { return b.ConstInt(i32, v) }
		result := emitMultiSelect(b, cst(index), []*tileir.Value{cst(64), cst(192)},
			[]*tileir.Value{cst(10), cst(20), cst(30)})
		b.Store(fn.Arg(0), result, nil)
		b.Return()

		out := interpreter.NewBuffer(dtypes.Int32, 1)
		require.NoError(t, interpreter.New().Run(fn, interpreter.Grid{1, 1, 1}, out))
		assert.Equalf(t, want, out.Float(0), "index %d", index)
	}

	// A single choice needs no selection.
	fn := tileir.NewModule().AddFunction("single", tileir.PointerType(dtypes.Int32))
	b := tileir.NewBuilder(fn.Body)
	choice := b.ConstInt(tileir.ScalarType(dtypes.Int32), 1)
	assert.Equal(t, choice, emitMultiSelect(b, choice, nil, []*tileir.Value{choice}))
	assert.Empty(t, fn.FindOps(tileir.OpSelect))
}
