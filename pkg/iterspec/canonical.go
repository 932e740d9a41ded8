// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package iterspec

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/pkg/errors"
)

// Canonical builds the table for a fusion with a single dot, where every buffer is stored in
// row-major order.
//
// The logical dimensions of the LHS, RHS and META scopes are the axes of the corresponding dot
// operand, and those of the OUTPUT scope are the axes of the dot output. They are propagated
// from the dot towards the parameters through elementwise ops, broadcasts, transposes,
// slices of parameters, concatenations of parameters and the bitcast that splits the
// contracting dimension for split-k.
func Canonical(computation *hlo.Computation) (analysis *Analysis, err error) {
	dot := computation.FirstWithOpcode(hlo.OpDot)
	if dot == nil {
		return nil, errors.Errorf("iterspec: no dot in computation %q", computation.Name())
	}
	err = exceptions.TryCatch[error](func() {
		analysis = New(computation)
		operandScopes := []Scope{ScopeLHS, ScopeRHS, ScopeMeta}
		for ii, operand := range dot.Operands() {
			analysis.propagate(operandScopes[ii], operand, identityDims(operand.Shape().Rank()), nil, noReducedDim)
		}
		root := computation.Root()
		analysis.SetRowMajor(ScopeOutput, dot, identityDims(dot.Shape().Rank()))
		if root.Opcode() == hlo.OpTuple {
			for _, leaf := range root.Operands() {
				analysis.propagate(ScopeOutput, leaf, identityDims(leaf.Shape().Rank()), dot, noReducedDim)
			}
		} else {
			analysis.propagate(ScopeOutput, root, identityDims(root.Shape().Rank()), dot, noReducedDim)
		}
	})
	if err != nil {
		return nil, err
	}
	return
}

// CanonicalSoftMax builds the OUTPUT table of a row-major softmax-like fusion: a root of shape
// [rows, row_len] (or [row_len]) computed with reductions along the rows. Logical dimension 0 is
// the reduced (row) dimension and logical dimension 1 enumerates the rows.
func CanonicalSoftMax(computation *hlo.Computation) (analysis *Analysis, err error) {
	if computation.FirstWithOpcode(hlo.OpReduce) == nil {
		return nil, errors.Errorf("iterspec: no reduce in computation %q", computation.Name())
	}
	root := computation.Root()
	var logicalDims []int
	switch root.Shape().Rank() {
	case 1:
		logicalDims = []int{0}
	case 2:
		logicalDims = []int{1, 0}
	default:
		return nil, errors.Errorf("iterspec: softmax root %s must be of rank 1 or 2", root)
	}
	err = exceptions.TryCatch[error](func() {
		analysis = New(computation)
		analysis.propagate(ScopeOutput, root, logicalDims, nil, 0)
	})
	if err != nil {
		return nil, err
	}
	return
}

// noReducedDim disables the propagation through reductions.
const noReducedDim = -1

func identityDims(rank int) []int {
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = ii
	}
	return dims
}

type propagationItem struct {
	node        *hlo.Node
	logicalDims []int
}

// propagate walks from start towards the parameters, with an explicit stack, assigning specs to
// every node reached. The walk doesn't go through stop.
// Reduced axes are given the logical dimension reducedDim, if it's not noReducedDim.
func (a *Analysis) propagate(scope Scope, start *hlo.Node, logicalDims []int, stop *hlo.Node, reducedDim int) {
	visited := make(map[int][]int)
	stack := []propagationItem{{start, logicalDims}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := item.node
		if node == stop {
			continue
		}
		if previous, found := visited[node.ID()]; found {
			if !slices.Equal(previous, item.logicalDims) {
				exceptions.Panicf("iterspec: %s reached with incompatible logical dimensions %v and %v",
					node.Name(), previous, item.logicalDims)
			}
			continue
		}
		visited[node.ID()] = item.logicalDims
		a.SetRowMajor(scope, node, item.logicalDims)
		push := func(operand *hlo.Node, dims []int) {
			stack = append(stack, propagationItem{operand, dims})
		}

		switch op := node.Opcode(); {
		case op == hlo.OpParameter || op == hlo.OpConstant:

		case op.IsElementwise():
			for _, operand := range node.Operands() {
				switch {
				case operand.Shape().Rank() == node.Shape().Rank():
					push(operand, item.logicalDims)
				case operand.Shape().IsScalar():
					push(operand, nil)
				default:
					exceptions.Panicf("iterspec: implicit broadcast of %s into %s", operand.Name(), node.Name())
				}
			}

		case op == hlo.OpBroadcast:
			operandDims := make([]int, len(node.Dimensions()))
			for ii, axis := range node.Dimensions() {
				operandDims[ii] = item.logicalDims[axis]
			}
			push(node.Operand(0), operandDims)

		case op == hlo.OpReduce:
			if reducedDim == noReducedDim || len(node.Dimensions()) != 1 {
				exceptions.Panicf("iterspec: reduction %s not supported in scope %s", node, scope)
			}
			push(node.Operand(0), slices.Insert(slices.Clone(item.logicalDims), node.Dimension(0), reducedDim))
			push(node.Operand(1), nil)

		case op == hlo.OpTranspose:
			operandDims := make([]int, len(item.logicalDims))
			for ii, axis := range node.Dimensions() {
				operandDims[axis] = item.logicalDims[ii]
			}
			push(node.Operand(0), operandDims)

		case op == hlo.OpConcatenate:
			a.setConcatenated(scope, node, item.logicalDims)

		case op == hlo.OpSlice:
			a.setSliced(scope, node, item.logicalDims)

		case op == hlo.OpBitcast || op == hlo.OpReshape:
			push(node.Operand(0), mergedLogicalDims(node, item.logicalDims))

		default:
			exceptions.Panicf("iterspec: %s not supported in scope %s", node, scope)
		}
	}
}

// setSliced registers the specs of the parameter sliced by node.
func (a *Analysis) setSliced(scope Scope, slice *hlo.Node, logicalDims []int) {
	param := slice.Operand(0)
	if param.Opcode() != hlo.OpParameter {
		exceptions.Panicf("iterspec: slice %s of a non-parameter %s", slice.Name(), param.Name())
	}
	strides := param.Shape().Strides()
	for axis, dim := range logicalDims {
		if dim < 0 {
			continue
		}
		start, limit := slice.SliceStarts()[axis], slice.SliceLimits()[axis]
		count := int64(param.Shape().Dimensions[axis])
		a.Set(scope, param, dim, DimIterationSpec{{
			Stride:       strides[axis],
			Count:        count,
			SliceStart:   int64(start),
			SlicedCount:  int64(limit - start),
			Subfragments: []int64{count},
		}})
	}
}

// setConcatenated registers the specs of the parameters concatenated by node. Along the
// concatenated dimension each operand is described by a negative slice start, the offset of the
// operand in the concatenation, and its own size as the sliced count.
func (a *Analysis) setConcatenated(scope Scope, concat *hlo.Node, logicalDims []int) {
	axis := concat.Dimension(0)
	var prefix int64
	for _, param := range concat.Operands() {
		if param.Opcode() != hlo.OpParameter {
			exceptions.Panicf("iterspec: concatenation %s of a non-parameter %s", concat.Name(), param.Name())
		}
		a.SetRowMajor(scope, param, logicalDims)
		dim := logicalDims[axis]
		if dim < 0 {
			continue
		}
		size := int64(param.Shape().Dimensions[axis])
		spec := a.IterSpec(scope, param, dim)
		spec[0].SliceStart = -prefix
		spec[0].SlicedCount = size
		a.Set(scope, param, dim, spec)
		prefix += size
	}
}

// mergedLogicalDims maps the logical dimensions of a bitcast to its operand: either the shapes
// match, or one axis of the operand was split in two (as split-k does with the contracting
// dimension), in which case the merged axis takes the logical dimension of the minor half.
func mergedLogicalDims(node *hlo.Node, logicalDims []int) []int {
	dims := node.Shape().Dimensions
	operandDims := node.Operand(0).Shape().Dimensions
	if slices.Equal(dims, operandDims) {
		return logicalDims
	}
	if len(operandDims) == len(dims)-1 {
		for split := range operandDims {
			if dims[split]*dims[split+1] != operandDims[split] ||
				!slices.Equal(dims[:split], operandDims[:split]) ||
				!slices.Equal(dims[split+2:], operandDims[split+1:]) {
				continue
			}
			merged := slices.Clone(logicalDims[:split])
			merged = append(merged, logicalDims[split+1])
			return append(merged, logicalDims[split+2:]...)
		}
	}
	exceptions.Panicf("iterspec: bitcast %s from %v to %v not supported", node.Name(), operandDims, dims)
	return nil
}
