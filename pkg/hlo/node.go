// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilefusion/pkg/shapes"
)

// Node is one operation of a Computation. Nodes are immutable once created, except for the
// list of users, which grows as consumers are added to the computation.
type Node struct {
	// id is the arena index of the node in its computation. Nodes are always created after their
	// operands, so the arena order is a valid topological order.
	id          int
	opcode      Opcode
	name        string
	operands    []*Node
	users       []*Node
	shape       shapes.Shape
	computation *Computation

	// Opcode specific attributes.
	parameterNumber int
	literal         Literal
	dimensions      []int
	sliceStarts     []int
	sliceLimits     []int
	padLow, padHigh []int
	dotDims         DotDimensionNumbers
	precision       PrecisionConfig
	sparseOperands  int
	direction       ComparisonDirection
	called          *Computation
}

// ID returns the arena index of the node within its computation.
func (n *Node) ID() int { return n.id }

// Opcode of the node.
func (n *Node) Opcode() Opcode { return n.opcode }

// Name of the node, unique within its computation.
func (n *Node) Name() string { return n.name }

// Shape of the node output.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Parent returns the computation the node belongs to.
func (n *Node) Parent() *Computation { return n.computation }

// Operands returns the node operands. The returned slice must not be modified.
func (n *Node) Operands() []*Node { return n.operands }

// Operand returns the i-th operand.
func (n *Node) Operand(i int) *Node { return n.operands[i] }

// OperandCount returns the number of operands.
func (n *Node) OperandCount() int { return len(n.operands) }

// Users returns the nodes that use this node as operand, in creation order.
func (n *Node) Users() []*Node { return n.users }

// IsRoot returns whether the node is the root of its computation.
func (n *Node) IsRoot() bool { return n.computation != nil && n.computation.Root() == n }

// ParameterNumber of an OpParameter node.
func (n *Node) ParameterNumber() int { return n.parameterNumber }

// Literal of an OpConstant node.
func (n *Node) Literal() Literal { return n.literal }

// Dimensions attribute: broadcast operand-to-output axes mapping, reduced axes, transpose
// permutation or the concatenation axis (as a single element).
func (n *Node) Dimensions() []int { return n.dimensions }

// Dimension returns Dimensions()[i].
func (n *Node) Dimension(i int) int { return n.dimensions[i] }

// SliceStarts and SliceLimits of an OpSlice node.
func (n *Node) SliceStarts() []int { return n.sliceStarts }

// SliceLimits of an OpSlice node.
func (n *Node) SliceLimits() []int { return n.sliceLimits }

// PadLow returns the low padding per axis of an OpPad node.
func (n *Node) PadLow() []int { return n.padLow }

// PadHigh returns the high padding per axis of an OpPad node.
func (n *Node) PadHigh() []int { return n.padHigh }

// DotDimensionNumbers of an OpDot node.
func (n *Node) DotDimensionNumbers() DotDimensionNumbers { return n.dotDims }

// PrecisionConfig of an OpDot node.
func (n *Node) PrecisionConfig() PrecisionConfig { return n.precision }

// SparseOperands returns the number of structured-sparse operands of an OpDot node (0 or 1).
// A sparse dot has a third operand holding the sparsity metadata.
func (n *Node) SparseOperands() int { return n.sparseOperands }

// ComparisonDirection of an OpCompare node.
func (n *Node) ComparisonDirection() ComparisonDirection { return n.direction }

// CalledComputation of an OpFusion (the fused body) or OpReduce (the combiner) node.
func (n *Node) CalledComputation() *Computation { return n.called }

// String returns a one-line description of the node.
func (n *Node) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%%%s = %s %s(", n.name, n.shape, n.opcode)
	for ii, operand := range n.operands {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("%" + operand.name)
	}
	sb.WriteString(")")
	switch n.opcode {
	case OpParameter:
		fmt.Fprintf(&sb, ", parameter_number=%d", n.parameterNumber)
	case OpConstant:
		fmt.Fprintf(&sb, ", value=%s", n.literal)
	case OpCompare:
		fmt.Fprintf(&sb, ", direction=%s", n.direction)
	case OpBroadcast, OpReduce, OpTranspose, OpConcatenate:
		fmt.Fprintf(&sb, ", dimensions=%v", n.dimensions)
	case OpDot:
		fmt.Fprintf(&sb, ", lhs_batch=%v, lhs_contracting=%v, rhs_batch=%v, rhs_contracting=%v",
			n.dotDims.LhsBatchDims, n.dotDims.LhsContractingDims, n.dotDims.RhsBatchDims, n.dotDims.RhsContractingDims)
		if n.precision.Algorithm != AlgorithmUnset {
			fmt.Fprintf(&sb, ", algorithm=%s", n.precision.Algorithm)
		}
	case OpFusion:
		fmt.Fprintf(&sb, ", calls=%s", n.called.name)
	}
	return sb.String()
}
