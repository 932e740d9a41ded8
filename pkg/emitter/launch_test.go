// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupedProgramID(t *testing.T) {
	const gridM, gridN, groupM = 10, 3, 4
	type tile struct{ m, n int64 }
	want := map[int64]tile{0: {0, 0}, 1: {1, 0}, 3: {3, 0}, 4: {0, 1}, 12: {4, 0}, 24: {8, 0}, 25: {9, 0}, 26: {8, 1}, 29: {9, 2}}
	for pid, tile := range want {
		m, n := GroupedProgramID(pid, gridM, gridN, groupM)
		assert.Equalf(t, tile.m, m, "pid_m of program %d", pid)
		assert.Equalf(t, tile.n, n, "pid_n of program %d", pid)
	}

	// Every tile is computed exactly once.
	seen := make(map[tile]bool)
	for pid := range int64(gridM * gridN) {
		m, n := GroupedProgramID(pid, gridM, gridN, groupM)
		require.True(t, m >= 0 && m < gridM && n >= 0 && n < gridN, "tile (%d, %d) out of the grid", m, n)
		seen[tile{m, n}] = true
	}
	assert.Len(t, seen, gridM*gridN)
}

func TestGroupedProgramIDLastGroup(t *testing.T) {
	// 10 m-tiles in groups of 8: the second group has the last 2.
	const gridM, gridN, groupM = 10, 3, 8
	type tile struct{ m, n int64 }
	want := []tile{
		{0, 0}, {1, 0}, {2, 0}, {3, 0}, {4, 0}, {5, 0}, {6, 0}, {7, 0},
		{0, 1}, {1, 1}, {2, 1}, {3, 1}, {4, 1}, {5, 1}, {6, 1}, {7, 1},
		{0, 2}, {1, 2}, {2, 2}, {3, 2}, {4, 2}, {5, 2}, {6, 2}, {7, 2},
		{8, 0}, {9, 0}, {8, 1}, {9, 1}, {8, 2}, {9, 2},
	}
	require.Len(t, want, gridM*gridN)
	for pid, wantTile := range want {
		m, n := GroupedProgramID(int64(pid), gridM, gridN, groupM)
		assert.Equalf(t, wantTile, tile{m, n}, "program %d", pid)
	}
}

func TestMatMulLaunchDimensions(t *testing.T) {
	config := must.M1(ParseConfig("block_m=32,block_n=32,block_k=32,num_warps=1"))
	device := DefaultCUDADevice()

	c := buildMatMul(dtypes.Float32, 64, 64, 64)
	launchDims := must.M1(GetMatMulLaunchDimensions(must.M1(iterspec.Canonical(c)), c, config, device))
	assert.Equal(t, [3]int64{4, 1, 1}, launchDims.Grid)
	assert.Equal(t, int64(32), launchDims.ThreadsPerBlock)
	assert.Equal(t, int64(4), launchDims.NumBlocks())

	// Batch on the y axis.
	c = buildBatchMatMul(3, 64, 32, 48)
	launchDims = must.M1(GetMatMulLaunchDimensions(must.M1(iterspec.Canonical(c)), c, config, device))
	assert.Equal(t, [3]int64{4, 3, 1}, launchDims.Grid)

	// Split-k on the z axis.
	config.SplitK = 2
	c = buildSplitKMatMul(2, 64, 64, 32)
	launchDims = must.M1(GetMatMulLaunchDimensions(must.M1(iterspec.Canonical(c)), c, config, device))
	assert.Equal(t, [3]int64{2, 1, 2}, launchDims.Grid)

	// Batches beyond the y axis limit go on the x axis.
	config.SplitK = 1
	c = buildBatchMatMul(70000, 16, 16, 16)
	launchConfig := must.M1(newLaunchConfigForTest(c, config, device))
	assert.Equal(t, [3]int64{70000, 1, 1}, launchConfig.LaunchDims.Grid)
	assert.Equal(t, 0, launchConfig.BatchProgramIDDim)
	assert.Equal(t, 1, launchConfig.NoncontractingProgramIDDim)
	c = buildBatchMatMul(100, 16, 16, 16)
	launchConfig = must.M1(newLaunchConfigForTest(c, config, device))
	assert.Equal(t, [3]int64{1, 100, 1}, launchConfig.LaunchDims.Grid)
	assert.Equal(t, 1, launchConfig.BatchProgramIDDim)
	assert.Equal(t, 0, launchConfig.NoncontractingProgramIDDim)

	// Too many program instances: 70000 batches of 256x256 tiles.
	c = buildBatchMatMul(70000, 256*32, 16, 256*32)
	_, err := GetMatMulLaunchDimensions(must.M1(iterspec.Canonical(c)), c, config, device)
	require.ErrorIs(t, err, ErrUncompilableFusion)
	assert.True(t, IsUncompilableFusion(err))

	// No dot.
	noDot := hlo.NewComputation("no_dot")
	noDot.SetRoot(noDot.Parameter("x", shapes.Make(dtypes.Float32, 4)))
	_, err = GetMatMulLaunchDimensions(nil, noDot, config, device)
	require.ErrorIs(t, err, ErrInternal)
}

// newLaunchConfigForTest returns the launch configuration of the matmul fusion c.
func newLaunchConfigForTest(c *hlo.Computation, config Config, device DeviceDescription) (lc *MatMulLaunchConfig, err error) {
	dot := c.FirstWithOpcode(hlo.OpDot)
	dims, err := NewMatMulDims(config, dot, must.M1(iterspec.Canonical(c)))
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { lc = newMatMulLaunchConfig(config, dot, dims, device) })
	return
}

func TestNewMatMulDims(t *testing.T) {
	config := must.M1(ParseConfig("block_m=32,block_n=32,block_k=32"))
	c := buildMatMul(dtypes.Float32, 48, 80, 16)
	dot := c.FirstWithOpcode(hlo.OpDot)
	dims := must.M1(NewMatMulDims(config, dot, must.M1(iterspec.Canonical(c))))
	assert.Equal(t, int64(48), dims.M)
	assert.Equal(t, int64(80), dims.K)
	assert.Equal(t, int64(16), dims.N)
	assert.False(t, dims.HasBatch())
	assert.Equal(t, 0, dims.OutLHSNoncontractingDim)
	assert.Equal(t, 1, dims.OutRHSNoncontractingDim)
	assert.Equal(t, 1, dims.LHSContractingDim)
	assert.Equal(t, 0, dims.RHSContractingDim)
	assert.Equal(t, noDim, dims.OutSplitKDim)

	c = buildBatchMatMul(5, 16, 32, 64)
	dot = c.FirstWithOpcode(hlo.OpDot)
	dims = must.M1(NewMatMulDims(config, dot, must.M1(iterspec.Canonical(c))))
	assert.True(t, dims.HasBatch())
	assert.Equal(t, 0, dims.OutBatchDim)
	assert.Equal(t, 0, dims.LHSBatchDim)
	assert.Equal(t, 2, dims.LHSContractingDim)
	assert.Equal(t, 1, dims.RHSContractingDim)
	assert.Equal(t, int64(32), dims.K)

	config.SplitK = 4
	c = buildSplitKMatMul(4, 32, 128, 32)
	dot = c.FirstWithOpcode(hlo.OpDot)
	dims = must.M1(NewMatMulDims(config, dot, must.M1(iterspec.Canonical(c))))
	assert.Equal(t, 0, dims.OutSplitKDim)
	assert.False(t, dims.HasBatch())
	assert.Equal(t, int64(128), dims.K)
	assert.Equal(t, int64(32), dims.M)
}
