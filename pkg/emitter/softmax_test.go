// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/gomlx/tilefusion/pkg/tileir/interpreter"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// binaryCombiner returns a reduction combiner of two f32 scalars.
func binaryCombiner(name string, opcode hlo.Opcode) *hlo.Computation {
	c := hlo.NewComputation(name)
	lhs := c.Parameter("lhs", shapes.Scalar(dtypes.Float32))
	rhs := c.Parameter("rhs", shapes.Scalar(dtypes.Float32))
	c.SetRoot(c.Binary(opcode, lhs, rhs))
	return c
}

// buildSoftMax returns the fusion of softmax(x·scale + bias) along the rows of x[rows, rowLen],
// with scale[rowLen] shared by all rows and bias[rows] shared by the elements of each row.
func buildSoftMax(rows, rowLen int) *hlo.Computation {
	c := hlo.NewComputation("softmax")
	shape := shapes.Make(dtypes.Float32, rows, rowLen)
	x := c.Parameter("x", shape)
	scale := c.Parameter("scale", shapes.Make(dtypes.Float32, rowLen))
	bias := c.Parameter("bias", shapes.Make(dtypes.Float32, rows))
	y := c.Binary(hlo.OpMultiply, x, c.Broadcast(scale, shape, []int{1}))
	y = c.Binary(hlo.OpAdd, y, c.Broadcast(bias, shape, []int{0}))

	maxInit := c.Constant(hlo.FloatLiteral(dtypes.Float32, math.Inf(-1)))
	rowMax := c.Reduce(y, maxInit, []int{1}, binaryCombiner("max", hlo.OpMaximum))
	shifted := c.Binary(hlo.OpSubtract, y, c.Broadcast(rowMax, shape, []int{0}))
	exp := c.Unary(hlo.OpExp, shifted)
	sumInit := c.Constant(hlo.FloatLiteral(dtypes.Float32, 0))
	rowSum := c.Reduce(exp, sumInit, []int{1}, binaryCombiner("sum", hlo.OpAdd))
	c.SetRoot(c.Binary(hlo.OpDivide, exp, c.Broadcast(rowSum, shape, []int{0})))
	return c
}

func refSoftMax(x, scale, bias []float64, rows, rowLen int) []float64 {
	out := make([]float64, rows*rowLen)
	for row := range rows {
		y := make([]float64, rowLen)
		rowMax := math.Inf(-1)
		for col := range rowLen {
			y[col] = x[row*rowLen+col]*scale[col] + bias[row]
			rowMax = max(rowMax, y[col])
		}
		var sum float64
		for col := range rowLen {
			y[col] = math.Exp(y[col] - rowMax)
			sum += y[col]
		}
		for col := range rowLen {
			out[row*rowLen+col] = y[col] / sum
		}
	}
	return out
}

func TestEmitSoftMax(t *testing.T) {
	const rows, rowLen = 4, 10
	c := buildSoftMax(rows, rowLen)
	config := DefaultConfig()
	device := DefaultCUDADevice()
	launchDims := must.M1(SoftMaxLaunchDimensions(c, config, device))
	assert.Equal(t, [3]int64{rows, 1, 1}, launchDims.Grid)
	assert.Equal(t, int64(config.NumWarps*device.ThreadsPerWarp), launchDims.ThreadsPerBlock)

	analysis := must.M1(iterspec.CanonicalSoftMax(c))
	fn := emitKernel(t, c, analysis, config, EmitSoftMax)
	x, scale, bias := testValues(rows*rowLen, 3), testValues(rowLen, 7), testValues(rows, 5)
	for ii := range x {
		x[ii] /= 4
	}
	outputs := runKernel(t, c, fn, launchDims,
		interpreter.FromFloat64s(dtypes.Float32, x), interpreter.FromFloat64s(dtypes.Float32, scale),
		interpreter.FromFloat64s(dtypes.Float32, bias))
	want := refSoftMax(x, scale, bias, rows, rowLen)
	got := outputs[0].Float64s()
	for ii := range want {
		require.InDeltaf(t, want[ii], got[ii], 1e-6, "element %d", ii)
	}

	// Rows are padded to 16 elements: loads and stores are checked, and reductions masked.
	for _, checks := range loadBoundaryChecks(fn) {
		if checks != nil {
			assert.Equal(t, []int{0}, checks)
		}
	}
	require.Len(t, fn.FindOps(tileir.OpReduce), 2)
	assert.NotEmpty(t, fn.FindOps(tileir.OpMakeRange))
	assert.Len(t, fn.FindOps(tileir.OpExternElementwise), 1)
}

func TestEmitSoftMaxPowerOfTwoRows(t *testing.T) {
	const rows, rowLen = 3, 32
	c := buildSoftMax(rows, rowLen)
	analysis := must.M1(iterspec.CanonicalSoftMax(c))
	fn := emitKernel(t, c, analysis, DefaultConfig(), EmitSoftMax)
	for _, checks := range loadBoundaryChecks(fn) {
		assert.Empty(t, checks)
	}
	assert.Empty(t, fn.FindOps(tileir.OpMakeRange))

	x, scale, bias := testValues(rows*rowLen, 2), testValues(rowLen, 3), testValues(rows, 4)
	outputs := runKernel(t, c, fn, must.M1(SoftMaxLaunchDimensions(c, DefaultConfig(), DefaultCUDADevice())),
		interpreter.FromFloat64s(dtypes.Float32, x), interpreter.FromFloat64s(dtypes.Float32, scale),
		interpreter.FromFloat64s(dtypes.Float32, bias))
	want := refSoftMax(x, scale, bias, rows, rowLen)
	for ii, value := range outputs[0].Float64s() {
		require.InDeltaf(t, want[ii], value, 1e-6, "element %d", ii)
	}
}

func TestEmitSoftMaxErrors(t *testing.T) {
	c := buildSoftMax(4, 10)
	analysis := must.M1(iterspec.CanonicalSoftMax(c))
	root := c.Root()
	c.SetRoot(c.Tuple(root, root))
	_, err := CreateModule(analysis, c.Name(), c, DefaultCUDADevice(), DefaultConfig(), EmitSoftMax)
	require.ErrorIs(t, err, ErrUnsupported)

	device := DefaultCUDADevice()
	device.BlockDimLimit[0] = 2
	_, err = SoftMaxLaunchDimensions(buildSoftMax(4, 10), DefaultConfig(), device)
	require.ErrorIs(t, err, ErrUncompilableFusion)

	// No reduction.
	noReduce := hlo.NewComputation("no_reduce")
	noReduce.SetRoot(noReduce.Unary(hlo.OpExp, noReduce.Parameter("x", shapes.Make(dtypes.Float32, 4, 10))))
	_, err = SoftMaxLaunchDimensions(noReduce, DefaultConfig(), DefaultCUDADevice())
	require.ErrorIs(t, err, ErrInternal)
}
