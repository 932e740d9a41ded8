// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/tileir"
)

// dimProperties describes how one logical dimension is tiled.
type dimProperties struct {
	// index of the logical dimension at the node defining the tiling.
	index int
	// pid is the program id enumerating the tiles of the dimension. It may be nil.
	pid *tileir.Value
	// blockSize is the number of elements of the dimension processed by a program instance.
	blockSize int
	// splitValue is the number of program instances the dimension is interleaved across.
	splitValue int
}

// side groups the tiling of one scope.
type side struct {
	scope     iterspec.Scope
	tiledDims []dimProperties
	batchDim  int
}

// emitMultiSelect returns choices[i] for the first i with index < limits[i], and the last
// choice if there is none. It's branch-free: block pointers can't be built inside conditionals.
func emitMultiSelect(b *tileir.Builder, index *tileir.Value, limits, choices []*tileir.Value) *tileir.Value {
	checkf(len(choices) == len(limits)+1, "multi-select with %d limits and %d choices", len(limits), len(choices))
	result := choices[0]
	for ii, limit := range limits {
		result = b.Select(b.Cmp(tileir.OpCmpI, tileir.CmpLT, index, limit), result, choices[ii+1])
	}
	return result
}

// scopeInputs returns the nodes loaded by a scope, ordered by node ID: its parameters, with the
// parameters of a concatenation replaced by the concatenation itself.
func scopeInputs(analysis *iterspec.Analysis, scope iterspec.Scope) []*hlo.Node {
	var inputs []*hlo.Node
	for _, param := range analysis.ScopeParameters(scope) {
		input := param
		users := param.Users()
		if slices.ContainsFunc(users, func(user *hlo.Node) bool { return user.Opcode() == hlo.OpConcatenate }) {
			checkf(len(users) == 1, "concatenated parameter %s has other users", param.Name())
			input = users[0]
			for _, operand := range input.Operands() {
				checkf(operand.Opcode() == hlo.OpParameter, "concatenation %s of non-parameter %s", input.Name(), operand.Name())
			}
		}
		if !slices.Contains(inputs, input) {
			inputs = append(inputs, input)
		}
	}
	slices.SortFunc(inputs, func(a, b *hlo.Node) int { return a.ID() - b.ID() })
	return inputs
}

// inputArguments returns the kernel arguments holding the buffers of an input: the parameter's,
// or one per operand of a concatenation.
func inputArguments(fn *tileir.Function, input *hlo.Node) []*tileir.Value {
	switch input.Opcode() {
	case hlo.OpParameter:
		return []*tileir.Value{fn.Arg(input.ParameterNumber())}
	case hlo.OpConcatenate:
		args := make([]*tileir.Value, input.OperandCount())
		for ii, operand := range input.Operands() {
			args[ii] = fn.Arg(operand.ParameterNumber())
		}
		return args
	}
	checkf(false, "unexpected input %s", input)
	return nil
}

// matMulEmitter holds what the emission of the parts of a matmul kernel share.
type matMulEmitter struct {
	*fusionEmitter
	dot          *hlo.Node
	analysis     *iterspec.Analysis
	dims         *MatMulDims
	launchConfig *MatMulLaunchConfig
	// indexType is the integer type of memory offsets, Int32 unless some buffer is too large.
	indexType dtypes.DType
}

func (m *matMulEmitter) cst(v int64) *tileir.Value {
	return m.b.ConstInt(tileir.ScalarType(m.indexType), v)
}

func (m *matMulEmitter) cst32(v int64) *tileir.Value {
	return m.b.ConstInt(tileir.ScalarType(dtypes.Int32), v)
}

func (m *matMulEmitter) cst64(v int64) *tileir.Value {
	return m.b.ConstInt(tileir.ScalarType(dtypes.Int64), v)
}

// convertScalar extends an int32 value to the index type.
func (m *matMulEmitter) convertScalar(v *tileir.Value) *tileir.Value {
	if m.indexType == dtypes.Int64 {
		return m.b.Convert(tileir.OpExtSI, v, dtypes.Int64)
	}
	return v
}

// emitTensorPointer returns the pointer to the tile of node processed by the program instance:
// a block pointer over the tiled dimensions node has, or a scalar pointer if it has none.
// bases holds the buffer of each input: one per operand for a concatenation.
//
// It returns the dimensions of the block pointer that need boundary checks.
func (m *matMulEmitter) emitTensorPointer(node *hlo.Node, s side, bases []*tileir.Value, pidK *tileir.Value) (
	ptr *tileir.Value, boundaryChecks []int) {
	b := m.b
	var base *tileir.Value
	var bounds, strides, tensorOffsets, offsets []*tileir.Value
	var blockDims, dimOrder []int

	// A concatenation of parameters is loaded with a single block pointer whose properties are
	// selected by the position of the tile along the concatenated dimension.
	concatDim := noDim
	var concatBoundaries []*tileir.Value
	var concatPidOffset *tileir.Value
	inputs := []*hlo.Node{node}
	if node.Opcode() == hlo.OpConcatenate {
		inputs = node.Operands()
		concatDim = m.dims.RHSNoncontractingDim
		if s.scope == iterspec.ScopeLHS {
			concatDim = m.dims.LHSNoncontractingDim
		}
		idx := slices.IndexFunc(s.tiledDims, func(dim dimProperties) bool { return dim.index == concatDim })
		checkf(idx >= 0, "concatenated dimension %d is not tiled in scope %s", concatDim, s.scope)
		properties := s.tiledDims[idx]
		checkf(len(bases) == node.OperandCount(), "%d buffers for concatenation %s", len(bases), node.Name())
		for _, operand := range inputs[:len(inputs)-1] {
			fragment := m.analysis.IterSpec(s.scope, operand, concatDim)[0]
			if fragment.SlicedCount%int64(properties.blockSize) != 0 {
				failf(ErrUncompilableFusion, "operand %s of %s is not divisible by the block size %d",
					operand.Name(), node.Name(), properties.blockSize)
			}
			concatBoundaries = append(concatBoundaries, m.cst32(-fragment.SliceStart+fragment.SlicedCount))
		}
		concatPidOffset = b.Binary(tileir.OpMulI, properties.pid, m.cst32(int64(properties.blockSize)))
		base = emitMultiSelect(b, concatPidOffset, concatBoundaries, bases)
	} else {
		base = bases[0]
	}

	for _, dim := range s.tiledDims {
		if m.analysis.IterSpec(s.scope, node, dim.index) == nil {
			continue
		}
		pidOffset := m.cst32(0)
		if dim.pid != nil {
			pidOffset = b.Binary(tileir.OpMulI, dim.pid, m.cst32(int64(dim.blockSize)))
		}
		specs := make([]iterspec.DimIterationSpec, len(inputs))
		inputStrides := make([]*tileir.Value, len(inputs))
		inputOffsets := make([]*tileir.Value, len(inputs))
		inputBounds := make([]*tileir.Value, len(inputs))
		for ii, input := range inputs {
			specs[ii] = m.analysis.IterSpec(s.scope, input, dim.index)
			checkf(specs[ii] != nil, "%s has no spec for dimension %d in scope %s", input.Name(), dim.index, s.scope)
			inputStrides[ii] = m.cst64(specs[ii][0].Stride)
			inputOffsets[ii] = b.Binary(tileir.OpAddI, pidOffset, m.cst32(specs[ii][0].SliceStart))
			inputBounds[ii] = m.cst64(specs[ii][0].Count)
		}
		strides = append(strides, emitMultiSelect(b, concatPidOffset, concatBoundaries, inputStrides))
		if dim.index == concatDim {
			offsets = append(offsets, emitMultiSelect(b, pidOffset, concatBoundaries, inputOffsets))
			bounds = append(bounds, emitMultiSelect(b, pidOffset, concatBoundaries, inputBounds))
		} else {
			offsets = append(offsets, pidOffset)
			count := specs[0][0].Count
			if s.scope == iterspec.ScopeOutput && dim.index == m.dims.OutLHSNoncontractingDim &&
				len(specs[0]) == 1 && m.dims.LHSNoncontractingSplit != 0 {
				// The major part of the split dimension is addressed with the batch program id.
				count /= m.dims.LHSNoncontractingSplit
			}
			bounds = append(bounds, m.cst64(count))
			if count%int64(dim.blockSize*dim.splitValue) != 0 {
				boundaryChecks = append(boundaryChecks, len(bounds)-1)
			}
		}
		tensorOffsets = append(tensorOffsets, m.cst32(specs[0][0].SliceStart))
		blockDims = append(blockDims, dim.blockSize)
		dimOrder = slices.Insert(dimOrder, 0, len(dimOrder))
	}

	// Batch offset: the batch dimension, or the major part of a split lhs non-contracting dimension.
	var offsetBatch int64
	hasBatchOffset := false
	batchStride := func(param *hlo.Node) *tileir.Value {
		var stride int64
		if s.scope != iterspec.ScopeRHS && m.dims.LHSNoncontractingSplit != 0 {
			if spec := m.analysis.IterSpec(s.scope, param, s.tiledDims[0].index); spec != nil {
				if len(spec) > 1 {
					stride = spec[1].Stride
				} else {
					stride = spec[0].Stride * (spec[0].Count / m.dims.LHSNoncontractingSplit)
				}
				checkf(stride != 0, "zero batch stride for %s", param.Name())
			}
		} else if s.batchDim != noDim {
			if spec := m.analysis.IterSpec(s.scope, param, s.batchDim); spec != nil {
				stride = spec[0].Stride
				offsetBatch = spec[0].SliceStart
				checkf(stride != 0, "zero batch stride for %s", param.Name())
			}
		}
		hasBatchOffset = hasBatchOffset || stride != 0
		return m.cst(stride)
	}
	batchStrides := make([]*tileir.Value, len(inputs))
	for ii, input := range inputs {
		batchStrides[ii] = batchStride(input)
	}
	if hasBatchOffset {
		stride := emitMultiSelect(b, concatPidOffset, concatBoundaries, batchStrides)
		pidBatch := b.ProgramID(m.launchConfig.BatchProgramIDDim)
		pidOffsetBatch := b.Binary(tileir.OpMulI, b.Binary(tileir.OpAddI, m.cst(offsetBatch), m.convertScalar(pidBatch)), stride)
		base = b.AddPtr(base, pidOffsetBatch)
	}

	// Split-k offset.
	if m.dims.OutSplitKDim != noDim {
		if spec := m.analysis.IterSpec(iterspec.ScopeOutput, node, m.dims.OutSplitKDim); spec != nil {
			checkf(pidK != nil, "split-k spec for %s without split-k program id", node.Name())
			base = b.AddPtr(base, b.Binary(tileir.OpMulI, m.convertScalar(pidK), m.cst(spec[0].Stride)))
		}
	}

	if len(blockDims) == 0 {
		// Scalar.
		return base, nil
	}
	ptr = b.MakeTensorPtr(base, bounds, strides, tensorOffsets, blockDims, dimOrder)
	return b.Advance(ptr, offsets), boundaryChecks
}
