// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 4, 3, 2)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, int64(24), s.Size())
	assert.Equal(t, 2, s.Dim(-1))
	assert.Equal(t, 3, s.MinorDim(1))
	assert.Equal(t, []int64{6, 2, 1}, s.Strides())
	assert.Contains(t, s.String(), "[4 3 2]")
	assert.True(t, s.Equal(s.Clone()))
	assert.False(t, s.Equal(s.WithDType(dtypes.Float64)))
	assert.True(t, s.EqualDimensions(s.WithDType(dtypes.Float64)))
	require.Panics(t, func() { _ = Make(dtypes.Float32, 0) })
	require.Panics(t, func() { _ = s.Dim(3) })

	scalar := Scalar(dtypes.Int32)
	assert.True(t, scalar.IsScalar())
	assert.True(t, scalar.IsEffectiveScalar())
	assert.True(t, Make(dtypes.Int32, 1, 1).IsEffectiveScalar())
}

func TestTupleLeaves(t *testing.T) {
	a := Make(dtypes.Float32, 2)
	b := Make(dtypes.BFloat16, 3, 4)
	tuple := MakeTuple(a, MakeTuple(b, a))
	require.True(t, tuple.IsTuple())
	leaves := tuple.Leaves()
	require.Len(t, leaves, 3)
	assert.True(t, leaves[1].Equal(b))
	assert.Len(t, a.Leaves(), 1)
}

func TestDTypeHelpers(t *testing.T) {
	assert.Equal(t, 1, BitWidth(dtypes.Bool))
	assert.Equal(t, 16, BitWidth(dtypes.BFloat16))
	assert.True(t, IsFloat(dtypes.BFloat16))
	assert.False(t, IsFloat(dtypes.Int8))
	assert.True(t, IsInteger(dtypes.Bool))
	assert.Equal(t, 7, MantissaBits(dtypes.BFloat16))
	assert.Greater(t, MantissaBits(dtypes.Float32), MantissaBits(dtypes.Float16))
}
