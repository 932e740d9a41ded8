// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package iterspec

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matmulDims() hlo.DotDimensionNumbers {
	return hlo.DotDimensionNumbers{LhsContractingDims: []int{1}, RhsContractingDims: []int{0}}
}

func TestTable(t *testing.T) {
	c := hlo.NewComputation("fusion")
	p0 := c.Parameter("p0", shapes.Make(dtypes.Float32, 8, 4))
	p1 := c.Parameter("p1", shapes.Make(dtypes.Float32, 8, 4))
	a := New(c)
	assert.Nil(t, a.IterSpec(ScopeLHS, p0, 0))

	a.Set(ScopeLHS, p1, 0, DimIterationSpec{Contiguous(4, 8)})
	a.SetRowMajor(ScopeLHS, p0, []int{0, 1})
	assert.Equal(t, DimIterationSpec{Contiguous(4, 8)}, a.IterSpec(ScopeLHS, p0, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(1, 4)}, a.IterSpec(ScopeLHS, p0, 1))
	assert.Nil(t, a.IterSpec(ScopeRHS, p0, 0))
	assert.Equal(t, []*hlo.Node{p0, p1}, a.ScopeParameters(ScopeLHS))
	assert.Empty(t, a.ScopeParameters(ScopeOutput))
	assert.Contains(t, a.String(), "p0[1]")

	other := hlo.NewComputation("other")
	foreign := other.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.Panics(t, func() { a.IterSpec(ScopeLHS, foreign, 0) })
}

func TestCanonicalMatMul(t *testing.T) {
	c := hlo.NewComputation("fusion")
	lhs := c.Parameter("lhs", shapes.Make(dtypes.Float32, 32, 16))
	rhs := c.Parameter("rhs", shapes.Make(dtypes.Float32, 16, 64))
	bias := c.Parameter("bias", shapes.Make(dtypes.Float32, 64))
	dot := c.Dot(lhs, rhs, matmulDims(), hlo.PrecisionConfig{}, dtypes.InvalidDType)
	b := c.Broadcast(bias, dot.Shape(), []int{1})
	c.SetRoot(c.Binary(hlo.OpAdd, dot, b))

	a, err := Canonical(c)
	require.NoError(t, err)
	assert.Equal(t, []*hlo.Node{lhs}, a.ScopeParameters(ScopeLHS))
	assert.Equal(t, []*hlo.Node{rhs}, a.ScopeParameters(ScopeRHS))
	assert.Equal(t, []*hlo.Node{bias}, a.ScopeParameters(ScopeOutput))
	assert.Equal(t, DimIterationSpec{Contiguous(16, 32)}, a.IterSpec(ScopeLHS, lhs, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(64, 16)}, a.IterSpec(ScopeRHS, rhs, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(1, 64)}, a.IterSpec(ScopeOutput, bias, 1))
	assert.Nil(t, a.IterSpec(ScopeOutput, bias, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(64, 32)}, a.IterSpec(ScopeOutput, c.Root(), 0))
}

func TestCanonicalSplitK(t *testing.T) {
	c := hlo.NewComputation("fusion")
	lhs := c.Parameter("lhs", shapes.Make(dtypes.Float32, 32, 128))
	rhs := c.Parameter("rhs", shapes.Make(dtypes.Float32, 128, 16))
	splitLHS := c.Bitcast(lhs, shapes.Make(dtypes.Float32, 32, 4, 32))
	splitRHS := c.Bitcast(rhs, shapes.Make(dtypes.Float32, 4, 32, 16))
	dims := hlo.DotDimensionNumbers{
		LhsBatchDims: []int{1}, LhsContractingDims: []int{2},
		RhsBatchDims: []int{0}, RhsContractingDims: []int{1},
	}
	dot := c.Dot(splitLHS, splitRHS, dims, hlo.PrecisionConfig{}, dtypes.InvalidDType)
	require.Equal(t, []int{4, 32, 16}, dot.Shape().Dimensions)

	a, err := Canonical(c)
	require.NoError(t, err)
	// The contracting dimension covers the whole unsplit axis.
	assert.Equal(t, DimIterationSpec{Contiguous(1, 128)}, a.IterSpec(ScopeLHS, lhs, 2))
	assert.Nil(t, a.IterSpec(ScopeLHS, lhs, 1))
	assert.Equal(t, DimIterationSpec{Contiguous(16, 128)}, a.IterSpec(ScopeRHS, rhs, 1))
	assert.Equal(t, DimIterationSpec{Contiguous(32*16, 4)}, a.IterSpec(ScopeOutput, dot, 0))
}

func TestCanonicalSlice(t *testing.T) {
	c := hlo.NewComputation("fusion")
	lhs := c.Parameter("lhs", shapes.Make(dtypes.Float32, 40, 16))
	rhs := c.Parameter("rhs", shapes.Make(dtypes.Float32, 16, 8))
	sliced := c.Slice(lhs, []int{8, 0}, []int{40, 16})
	c.SetRoot(c.Dot(sliced, rhs, matmulDims(), hlo.PrecisionConfig{}, dtypes.InvalidDType))

	a, err := Canonical(c)
	require.NoError(t, err)
	spec := a.IterSpec(ScopeLHS, lhs, 0)
	require.Len(t, spec, 1)
	assert.Equal(t, int64(40), spec[0].Count)
	assert.Equal(t, int64(8), spec[0].SliceStart)
	assert.Equal(t, int64(32), spec[0].SlicedCount)
}

func TestCanonicalErrors(t *testing.T) {
	c := hlo.NewComputation("no_dot")
	x := c.Parameter("x", shapes.Make(dtypes.Float32, 4))
	c.SetRoot(c.Unary(hlo.OpExp, x))
	_, err := Canonical(c)
	require.Error(t, err)

	c = hlo.NewComputation("bad_bitcast")
	lhs := c.Parameter("lhs", shapes.Make(dtypes.Float32, 6, 4))
	rhs := c.Parameter("rhs", shapes.Make(dtypes.Float32, 4, 8))
	reshaped := c.Bitcast(lhs, shapes.Make(dtypes.Float32, 4, 6))
	c.SetRoot(c.Dot(c.Transpose(reshaped, []int{1, 0}), rhs, matmulDims(), hlo.PrecisionConfig{}, dtypes.InvalidDType))
	_, err = Canonical(c)
	require.Error(t, err)
}

func TestCanonicalConcatenate(t *testing.T) {
	c := hlo.NewComputation("fusion")
	p0 := c.Parameter("p0", shapes.Make(dtypes.Float32, 64, 16))
	p1 := c.Parameter("p1", shapes.Make(dtypes.Float32, 128, 16))
	rhs := c.Parameter("rhs", shapes.Make(dtypes.Float32, 16, 32))
	concat := c.Concatenate(0, p0, p1)
	c.SetRoot(c.Dot(concat, rhs, matmulDims(), hlo.PrecisionConfig{}, dtypes.InvalidDType))

	a, err := Canonical(c)
	require.NoError(t, err)
	assert.Equal(t, []*hlo.Node{p0, p1}, a.ScopeParameters(ScopeLHS))
	spec0, spec1 := a.IterSpec(ScopeLHS, p0, 0), a.IterSpec(ScopeLHS, p1, 0)
	assert.Equal(t, int64(0), spec0[0].SliceStart)
	assert.Equal(t, int64(64), spec0[0].SlicedCount)
	assert.Equal(t, int64(-64), spec1[0].SliceStart)
	assert.Equal(t, int64(128), spec1[0].SlicedCount)
	assert.Equal(t, int64(16), spec1[0].Stride)
	assert.Equal(t, DimIterationSpec{Contiguous(1, 16)}, a.IterSpec(ScopeLHS, p1, 1))
}

func TestCanonicalSoftMax(t *testing.T) {
	c := hlo.NewComputation("softmax")
	shape := shapes.Make(dtypes.Float32, 6, 20)
	x := c.Parameter("x", shape)
	bias := c.Parameter("bias", shapes.Make(dtypes.Float32, 6))
	y := c.Binary(hlo.OpAdd, x, c.Broadcast(bias, shape, []int{0}))
	sum := hlo.NewComputation("sum")
	sum.SetRoot(sum.Binary(hlo.OpAdd, sum.Parameter("a", shapes.Scalar(dtypes.Float32)),
		sum.Parameter("b", shapes.Scalar(dtypes.Float32))))
	rowSum := c.Reduce(y, c.Constant(hlo.FloatLiteral(dtypes.Float32, 0)), []int{1}, sum)
	c.SetRoot(c.Binary(hlo.OpDivide, y, c.Broadcast(rowSum, shape, []int{0})))

	a, err := CanonicalSoftMax(c)
	require.NoError(t, err)
	assert.Equal(t, []*hlo.Node{x, bias}, a.ScopeParameters(ScopeOutput))
	// Dimension 0 is the reduced one, dimension 1 enumerates the rows.
	assert.Equal(t, DimIterationSpec{Contiguous(1, 20)}, a.IterSpec(ScopeOutput, x, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(20, 6)}, a.IterSpec(ScopeOutput, x, 1))
	assert.Nil(t, a.IterSpec(ScopeOutput, bias, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(1, 6)}, a.IterSpec(ScopeOutput, bias, 1))
	assert.Nil(t, a.IterSpec(ScopeOutput, rowSum, 0))
	assert.Equal(t, DimIterationSpec{Contiguous(1, 6)}, a.IterSpec(ScopeOutput, rowSum, 1))

	// Reductions are rejected in matmul fusions.
	c = hlo.NewComputation("matmul_reduce")
	lhs := c.Parameter("lhs", shapes.Make(dtypes.Float32, 8, 4))
	rhs := c.Parameter("rhs", shapes.Make(dtypes.Float32, 4, 8))
	dot := c.Dot(lhs, rhs, matmulDims(), hlo.PrecisionConfig{}, dtypes.InvalidDType)
	c.SetRoot(c.Reduce(dot, c.Constant(hlo.FloatLiteral(dtypes.Float32, 0)), []int{1}, sum))
	_, err = Canonical(c)
	require.Error(t, err)

	// Without reductions, or of rank higher than 2.
	c = hlo.NewComputation("no_reduce")
	c.SetRoot(c.Unary(hlo.OpExp, c.Parameter("x", shape)))
	_, err = CanonicalSoftMax(c)
	require.Error(t, err)
	c = hlo.NewComputation("rank3")
	rank3 := shapes.Make(dtypes.Float32, 2, 3, 4)
	p := c.Parameter("x", rank3)
	reduced := c.Reduce(p, c.Constant(hlo.FloatLiteral(dtypes.Float32, 0)), []int{2}, sum)
	c.SetRoot(c.Binary(hlo.OpDivide, p, c.Broadcast(reduced, rank3, []int{0, 1})))
	_, err = CanonicalSoftMax(c)
	require.Error(t, err)
}
