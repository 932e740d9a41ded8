// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/pkg/errors"
)

// blockCountYZLimit is the number of program instances allowed along the y and z grid axes.
// The x axis has a 32-bit limit.
const blockCountYZLimit = 1 << 16

// LaunchDimensions of a kernel: the grid of program instances and the threads per instance.
type LaunchDimensions struct {
	Grid            [3]int64
	ThreadsPerBlock int64
}

// NumBlocks returns the total number of program instances.
func (l LaunchDimensions) NumBlocks() int64 { return l.Grid[0] * l.Grid[1] * l.Grid[2] }

// String implements fmt.Stringer.
func (l LaunchDimensions) String() string {
	return fmt.Sprintf("blocks: {%d, %d, %d}, threads/block: %d", l.Grid[0], l.Grid[1], l.Grid[2], l.ThreadsPerBlock)
}

// MatMulLaunchConfig maps the tiles of a matmul to the launch grid.
type MatMulLaunchConfig struct {
	GridM, GridN int64
	LaunchDims   LaunchDimensions
	// BatchProgramIDDim and NoncontractingProgramIDDim are the grid axes (0 for x, 1 for y)
	// enumerating the batch and the (m, n) tiles. The split-k tiles are always on z.
	BatchProgramIDDim          int
	NoncontractingProgramIDDim int
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// newMatMulLaunchConfig computes the grid: (m, n) tiles on the x axis, batch on y, split-k on z.
// Batches too large for the y axis are moved to x, and the (m, n) tiles to y.
func newMatMulLaunchConfig(config Config, dot *hlo.Node, dims *MatMulDims, device DeviceDescription) *MatMulLaunchConfig {
	lc := &MatMulLaunchConfig{
		GridM: ceilDiv(dims.M, int64(config.BlockM)),
		GridN: ceilDiv(dims.N, int64(config.BlockN)),
	}
	batchSize := int64(1)
	if dims.LHSNoncontractingSplit != 0 {
		batchSize = dims.LHSNoncontractingSplit
	} else if dims.HasBatch() {
		batchSize = int64(dot.Shape().Dimensions[dims.OutBatchDim])
	}
	numTiles := lc.GridM * lc.GridN
	if batchSize*numTiles >= blockCountYZLimit*blockCountYZLimit {
		failf(ErrUncompilableFusion, "%d batches of %d tiles exceed the grid limits", batchSize, numTiles)
	}
	threads := int64(config.NumWarps * device.ThreadsPerWarp)
	if batchSize >= blockCountYZLimit {
		lc.BatchProgramIDDim, lc.NoncontractingProgramIDDim = 0, 1
		lc.LaunchDims = LaunchDimensions{Grid: [3]int64{batchSize, numTiles, int64(config.SplitK)}, ThreadsPerBlock: threads}
	} else {
		lc.BatchProgramIDDim, lc.NoncontractingProgramIDDim = 1, 0
		lc.LaunchDims = LaunchDimensions{Grid: [3]int64{numTiles, batchSize, int64(config.SplitK)}, ThreadsPerBlock: threads}
	}
	return lc
}

// GetMatMulLaunchDimensions returns the launch dimensions of a matmul fusion without emitting it.
func GetMatMulLaunchDimensions(analysis *iterspec.Analysis, fusion *hlo.Computation, config Config,
	device DeviceDescription) (launchDims LaunchDimensions, err error) {
	dot := fusion.FirstWithOpcode(hlo.OpDot)
	if dot == nil {
		return launchDims, errors.Wrapf(ErrInternal, "no dot in fusion %q", fusion.Name())
	}
	err = exceptions.TryCatch[error](func() {
		dims := newMatMulDims(config, dot, analysis)
		launchDims = newMatMulLaunchConfig(config, dot, dims, device).LaunchDims
	})
	return
}

// GroupedProgramID maps the flat (m, n) tile index to the tile coordinates, the same way the
// emitted kernels do: groups of groupM consecutive m-tiles get contiguous program ids, iterating
// along m first within a group. The last group may be shorter.
func GroupedProgramID(pidNC, gridM, gridN, groupM int64) (pidM, pidN int64) {
	width := groupM * gridN
	groupID := pidNC / width
	firstPidM := groupID * groupM
	groupSize := min(gridM-firstPidM, groupM)
	pidM = firstPidM + pidNC%groupSize
	pidN = (pidNC % width) / groupSize
	return
}
