// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package iterspec holds the iteration specs of a fused computation: for every scope (the inputs
// of the dot's lhs, rhs, sparsity metadata, or the output epilogue), every node and every logical
// dimension, how the logical dimension maps onto physical memory.
//
// The analysis deriving the specs is external: Analysis is a table populated by the caller, and
// treated as an oracle by the emitter. Canonical derives the table for the common row-major case.
package iterspec

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/hlo"
)

// Scope of a fused computation.
type Scope int

const (
	ScopeLHS Scope = iota
	ScopeRHS
	ScopeMeta
	ScopeOutput
	numScopes
)

// String implements fmt.Stringer.
func (s Scope) String() string {
	switch s {
	case ScopeLHS:
		return "LHS"
	case ScopeRHS:
		return "RHS"
	case ScopeMeta:
		return "META"
	case ScopeOutput:
		return "OUTPUT"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// Fragment is one contiguous piece of a logical dimension in memory.
type Fragment struct {
	// Stride in elements between consecutive indices of the fragment.
	Stride int64
	// Count is the number of indices of the fragment.
	Count int64
	// SliceStart is the first index used, when the fragment is sliced.
	SliceStart int64
	// SlicedCount is the number of indices used, when the fragment is sliced.
	SlicedCount int64
	// Subfragments are the sizes of the physical dimensions that were merged into the fragment.
	Subfragments []int64
}

// String implements fmt.Stringer.
func (f Fragment) String() string {
	return fmt.Sprintf("{stride=%d, count=%d, slice_start=%d, sliced_count=%d, subfragments=%v}",
		f.Stride, f.Count, f.SliceStart, f.SlicedCount, f.Subfragments)
}

// Contiguous returns a single unsliced fragment.
func Contiguous(stride, count int64) Fragment {
	return Fragment{Stride: stride, Count: count, SlicedCount: count, Subfragments: []int64{count}}
}

// DimIterationSpec is the ordered list of fragments (minor-most first) of one logical dimension.
type DimIterationSpec []Fragment

type specKey struct {
	nodeID, dim int
}

// Analysis is the iteration spec table of one fused computation.
// Nodes are identified by their arena index, so only nodes of that computation are accepted.
type Analysis struct {
	computation *hlo.Computation
	specs       [numScopes]map[specKey]DimIterationSpec
	parameters  [numScopes][]*hlo.Node
}

// New returns an empty table for the given computation.
func New(computation *hlo.Computation) *Analysis {
	a := &Analysis{computation: computation}
	for ii := range a.specs {
		a.specs[ii] = make(map[specKey]DimIterationSpec)
	}
	return a
}

// Computation returns the computation the table describes.
func (a *Analysis) Computation() *hlo.Computation { return a.computation }

func (a *Analysis) checkNode(node *hlo.Node) {
	if node == nil || node.Parent() != a.computation {
		exceptions.Panicf("iterspec: node %v doesn't belong to computation %q", node, a.computation.Name())
	}
}

// IterSpec returns the spec of the logical dimension dim of node in scope, or nil if the node
// doesn't have that dimension.
func (a *Analysis) IterSpec(scope Scope, node *hlo.Node, dim int) DimIterationSpec {
	a.checkNode(node)
	return a.specs[scope][specKey{node.ID(), dim}]
}

// Set registers the spec of the logical dimension dim of node in scope. Parameters are added to the
// scope parameters.
func (a *Analysis) Set(scope Scope, node *hlo.Node, dim int, spec DimIterationSpec) {
	a.checkNode(node)
	if len(spec) == 0 {
		exceptions.Panicf("iterspec: empty spec for %s, dim %d", node.Name(), dim)
	}
	a.specs[scope][specKey{node.ID(), dim}] = slices.Clone(spec)
	if node.Opcode() == hlo.OpParameter {
		a.AddScopeParameter(scope, node)
	}
}

// SetRowMajor registers single-fragment specs for every axis of node, assuming a row-major
// layout of its shape: axis i is mapped to logical dimension logicalDims[i]; -1 skips the axis.
func (a *Analysis) SetRowMajor(scope Scope, node *hlo.Node, logicalDims []int) {
	strides := node.Shape().Strides()
	if len(logicalDims) != len(strides) {
		exceptions.Panicf("iterspec: %d logical dims given for %s of rank %d", len(logicalDims), node.Name(), len(strides))
	}
	for axis, dim := range logicalDims {
		if dim < 0 {
			continue
		}
		a.Set(scope, node, dim, DimIterationSpec{Contiguous(strides[axis], int64(node.Shape().Dimensions[axis]))})
	}
	if node.Opcode() == hlo.OpParameter {
		a.AddScopeParameter(scope, node)
	}
}

// AddScopeParameter registers a parameter as input of the scope. Parameters are kept sorted by
// parameter number.
func (a *Analysis) AddScopeParameter(scope Scope, param *hlo.Node) {
	a.checkNode(param)
	if param.Opcode() != hlo.OpParameter {
		exceptions.Panicf("iterspec: %s is not a parameter", param.Name())
	}
	if slices.Contains(a.parameters[scope], param) {
		return
	}
	a.parameters[scope] = append(a.parameters[scope], param)
	slices.SortFunc(a.parameters[scope], func(p0, p1 *hlo.Node) int {
		return p0.ParameterNumber() - p1.ParameterNumber()
	})
}

// ScopeParameters returns the parameters read by the scope, ordered by parameter number.
func (a *Analysis) ScopeParameters(scope Scope) []*hlo.Node {
	return a.parameters[scope]
}

// String lists the whole table.
func (a *Analysis) String() string {
	var sb strings.Builder
	for scope := range numScopes {
		keys := make([]specKey, 0, len(a.specs[scope]))
		for key := range a.specs[scope] {
			keys = append(keys, key)
		}
		slices.SortFunc(keys, func(k0, k1 specKey) int {
			if k0.nodeID != k1.nodeID {
				return k0.nodeID - k1.nodeID
			}
			return k0.dim - k1.dim
		})
		fmt.Fprintf(&sb, "%s:\n", scope)
		for _, key := range keys {
			fmt.Fprintf(&sb, "  %s[%d]: %v\n", a.computation.Nodes()[key.nodeID].Name(), key.dim, a.specs[scope][key])
		}
	}
	return sb.String()
}
