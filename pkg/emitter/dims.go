// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
)

// noDim marks an absent dimension index.
const noDim = -1

// MatMulDims holds the roles of the dimensions of a matmul fusion and its resolved sizes.
//
// Dimension indices refer to the dot operands (Lhs*, Rhs*) or to the dot output (Out*), and are
// noDim (-1) when absent.
type MatMulDims struct {
	OutLHSNoncontractingDim int
	OutRHSNoncontractingDim int
	OutBatchDim             int
	OutSplitKDim            int

	LHSContractingDim    int
	LHSNoncontractingDim int
	LHSBatchDim          int
	RHSContractingDim    int
	RHSNoncontractingDim int
	RHSBatchDim          int

	// LHSNoncontractingSplit is the count of the major fragment of the lhs non-contracting
	// dimension, when it's split in two across the lhs parameters. 0 if not split.
	LHSNoncontractingSplit int64

	M, N, K int64
}

// HasBatch returns whether the matmul has a batch dimension (other than the split-k one).
func (d *MatMulDims) HasBatch() bool { return d.OutBatchDim != noDim }

// String implements fmt.Stringer.
func (d *MatMulDims) String() string {
	return fmt.Sprintf("MatMulDims{m=%d, n=%d, k=%d, out_lhs_nc=%d, out_rhs_nc=%d, out_batch=%d, out_split_k=%d, lhs_nc_split=%d}",
		d.M, d.N, d.K, d.OutLHSNoncontractingDim, d.OutRHSNoncontractingDim, d.OutBatchDim, d.OutSplitKDim,
		d.LHSNoncontractingSplit)
}

// outputNode returns the node whose OUTPUT specs describe the fusion output: the root, or the
// first leaf of a tuple root.
func outputNode(computation *hlo.Computation) *hlo.Node {
	root := computation.Root()
	if root.Opcode() == hlo.OpTuple {
		return root.Operand(0)
	}
	return root
}

// NewMatMulDims derives the matmul dimensions from the dot, the tiling configuration and the
// iteration specs of the fusion.
func NewMatMulDims(config Config, dot *hlo.Node, analysis *iterspec.Analysis) (dims *MatMulDims, err error) {
	err = exceptions.TryCatch[error](func() {
		dims = newMatMulDims(config, dot, analysis)
	})
	return
}

func newMatMulDims(config Config, dot *hlo.Node, analysis *iterspec.Analysis) *MatMulDims {
	dotDims := dot.DotDimensionNumbers()
	lhsShape, rhsShape := dot.Operand(0).Shape(), dot.Operand(1).Shape()
	dims := &MatMulDims{
		OutBatchDim:       noDim,
		OutSplitKDim:      noDim,
		LHSBatchDim:       noDim,
		RHSBatchDim:       noDim,
		LHSContractingDim: dotDims.LhsContractingDims[0],
		RHSContractingDim: dotDims.RhsContractingDims[0],
	}
	lhsNC := hlo.NonContractingDims(lhsShape.Rank(), dotDims.LhsBatchDims, dotDims.LhsContractingDims)
	rhsNC := hlo.NonContractingDims(rhsShape.Rank(), dotDims.RhsBatchDims, dotDims.RhsContractingDims)
	checkf(len(lhsNC) == 1 && len(rhsNC) == 1, "dot %s must have exactly one non-contracting dimension per side", dot.Name())
	dims.LHSNoncontractingDim, dims.RHSNoncontractingDim = lhsNC[0], rhsNC[0]

	numSplitKBatchDims := 0
	if config.SplitK > 1 {
		numSplitKBatchDims = 1
		dims.OutSplitKDim = 0
	}
	if len(dotDims.LhsBatchDims) > numSplitKBatchDims {
		dims.LHSBatchDim = dotDims.LhsBatchDims[len(dotDims.LhsBatchDims)-1]
		dims.RHSBatchDim = dotDims.RhsBatchDims[len(dotDims.RhsBatchDims)-1]
		dims.OutBatchDim = numSplitKBatchDims
	}

	outRank := dot.Shape().Rank()
	dims.OutRHSNoncontractingDim = outRank - 1
	dims.OutLHSNoncontractingDim = outRank - 2

	root := outputNode(dot.Parent())
	rootSpec := func(dim int) iterspec.DimIterationSpec {
		spec := analysis.IterSpec(iterspec.ScopeOutput, root, dim)
		checkf(spec != nil, "no OUTPUT iteration spec for %s, dim %d", root.Name(), dim)
		return spec
	}
	dims.N = rootSpec(dims.OutRHSNoncontractingDim)[0].Count

	// Contracting dimension length.
	if rhs := dot.Operand(1); config.SplitK > 1 && rhs.OperandCount() > 0 && rhs.Operand(0).Opcode() == hlo.OpPad {
		// Split-k with a padded contracting dimension: k is the unpadded size.
		checkf(rhs.Opcode() == hlo.OpBitcast, "split-k padded rhs %s must be bitcast after the pad", rhs.Name())
		pad := rhs.Operand(0)
		dims.K = int64(pad.Operand(0).Shape().Dimensions[dims.RHSContractingDim-1])
	} else {
		dims.K = int64(rhsShape.Dimensions[dims.RHSContractingDim]) * int64(config.SplitK)
	}

	// LHS non-contracting dimension split across the lhs parameters.
	for _, param := range analysis.ScopeParameters(iterspec.ScopeLHS) {
		spec := analysis.IterSpec(iterspec.ScopeLHS, param, dims.LHSNoncontractingDim)
		if spec == nil || len(spec) <= 1 {
			continue
		}
		checkf(len(spec) == 2, "lhs non-contracting dimension of %s split in %d fragments", param.Name(), len(spec))
		if dims.LHSNoncontractingSplit != 0 {
			checkf(dims.LHSNoncontractingSplit == spec[1].Count,
				"inconsistent split of the lhs non-contracting dimension: %d and %d", dims.LHSNoncontractingSplit, spec[1].Count)
		}
		dims.LHSNoncontractingSplit = spec[1].Count
		dims.M = spec[0].Count
	}
	if dims.LHSNoncontractingSplit == 0 {
		dims.M = rootSpec(dims.OutLHSNoncontractingDim)[0].Count
	}

	if dims.HasBatch() && dims.LHSNoncontractingSplit != 0 {
		failf(ErrUnsupported, "batch dimension together with a split lhs non-contracting dimension")
	}
	checkf(dims.M >= 1 && dims.N >= 1, "invalid matmul sizes m=%d, n=%d", dims.M, dims.N)
	return dims
}

// validateMatMulConfig checks the tiling configuration against the dot.
func validateMatMulConfig(config Config, dot *hlo.Node) {
	checkf(config.SplitK >= 1, "split_k must be >= 1, got %d", config.SplitK)
	checkf(config.BlockM >= 16 && config.BlockN >= 16 && config.BlockK >= 16,
		"block sizes must be >= 16, got %d, %d, %d", config.BlockM, config.BlockN, config.BlockK)
	checkf(config.NumWarps >= 1, "num_warps must be >= 1, got %d", config.NumWarps)

	dotDims := dot.DotDimensionNumbers()
	numBatchDims := len(dotDims.LhsBatchDims)
	if config.SplitK > 1 {
		numBatchDims--
	}
	checkf(numBatchDims <= 1, "at most one batch dimension supported, got %d", numBatchDims)
	checkf(len(dotDims.LhsContractingDims) == 1 && len(dotDims.RhsContractingDims) == 1,
		"exactly one contracting dimension per side supported")
	if config.SplitK > 1 {
		// The split-k dimension is the first batch dimension, just before the contracting one.
		lhsSplitKDim := dotDims.LhsContractingDims[0] - 1
		rhsSplitKDim := dotDims.RhsContractingDims[0] - 1
		checkf(len(dotDims.LhsBatchDims) > 0 && dotDims.LhsBatchDims[0] == lhsSplitKDim &&
			len(dotDims.RhsBatchDims) > 0 && dotDims.RhsBatchDims[0] == rhsSplitKDim,
			"split-k dimension must be the first batch dimension, just before the contracting one")
		checkf(dot.Operand(0).Shape().Dimensions[lhsSplitKDim] == config.SplitK &&
			dot.Operand(1).Shape().Dimensions[rhsSplitKDim] == config.SplitK,
			"split-k dimension size must match split_k=%d", config.SplitK)
	}
	wantRank := 2 + numBatchDims
	if config.SplitK > 1 {
		wantRank++
	}
	checkf(dot.Operand(0).Shape().Rank() == wantRank, "lhs of rank %d, expected %d", dot.Operand(0).Shape().Rank(), wantRank)
}
