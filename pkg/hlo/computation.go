// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/shapes"
)

// Computation is an acyclic operator graph with numbered parameters and one root.
//
// Nodes are added with the builder methods (Parameter, Binary, Dot, ...), always after their
// operands, so Nodes() is in topological order. Invalid construction panics (with
// exceptions.Panicf): graphs are assumed to be validated upstream.
type Computation struct {
	name       string
	nodes      []*Node
	parameters []*Node
	root       *Node
	names      map[string]int
}

// NewComputation creates an empty computation.
func NewComputation(name string) *Computation {
	return &Computation{name: name, names: make(map[string]int)}
}

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// Nodes returns all nodes in arena (topological) order. The slice must not be modified.
func (c *Computation) Nodes() []*Node { return c.nodes }

// NumNodes returns the number of nodes: node IDs are in the range [0, NumNodes()).
func (c *Computation) NumNodes() int { return len(c.nodes) }

// NumParameters returns the number of parameters.
func (c *Computation) NumParameters() int { return len(c.parameters) }

// ParameterNode returns the parameter with the given number.
func (c *Computation) ParameterNode(number int) *Node { return c.parameters[number] }

// Parameters returns the parameter nodes ordered by parameter number.
func (c *Computation) Parameters() []*Node { return c.parameters }

// Root of the computation. If not set explicitly it is the last node created.
func (c *Computation) Root() *Node {
	if c.root == nil && len(c.nodes) > 0 {
		return c.nodes[len(c.nodes)-1]
	}
	return c.root
}

// SetRoot sets the root node of the computation and returns it.
func (c *Computation) SetRoot(node *Node) *Node {
	c.checkOwned("SetRoot", node)
	c.root = node
	return node
}

// FirstWithOpcode returns the first node (in arena order) with the given opcode, or nil.
func (c *Computation) FirstWithOpcode(opcode Opcode) *Node {
	for _, node := range c.nodes {
		if node.opcode == opcode {
			return node
		}
	}
	return nil
}

// PostOrder returns all nodes ordered producers before consumers.
func (c *Computation) PostOrder() []*Node {
	return slices.Clone(c.nodes)
}

// PostOrderFrom returns the nodes reachable from node (itself included), ordered producers before
// consumers, operands visited in order. It uses an explicit stack, so deep graphs don't grow the
// goroutine stack.
func (c *Computation) PostOrderFrom(node *Node) []*Node {
	c.checkOwned("PostOrderFrom", node)
	type frame struct {
		node       *Node
		operandIdx int
	}
	visited := make([]bool, len(c.nodes))
	var order []*Node
	stack := []frame{{node: node}}
	visited[node.id] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.operandIdx < len(top.node.operands) {
			operand := top.node.operands[top.operandIdx]
			top.operandIdx++
			if !visited[operand.id] {
				visited[operand.id] = true
				stack = append(stack, frame{node: operand})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

// String returns a multi-line listing of the computation.
func (c *Computation) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s {\n", c.name)
	for _, node := range c.nodes {
		prefix := "  "
		if node == c.Root() {
			prefix = "  ROOT "
		}
		sb.WriteString(prefix + node.String() + "\n")
	}
	sb.WriteString("}")
	return sb.String()
}

func (c *Computation) checkOwned(method string, nodes ...*Node) {
	for ii, node := range nodes {
		if node == nil {
			exceptions.Panicf("%s: operand #%d is nil", method, ii)
		}
		if node.computation != c {
			exceptions.Panicf("%s: operand #%d (%s) belongs to computation %q, not %q",
				method, ii, node.name, node.computation.name, c.name)
		}
	}
}

func (c *Computation) uniqueName(base string) string {
	count := c.names[base]
	c.names[base] = count + 1
	if count == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, count)
}

// newNode adds a node to the arena and registers it as user of its operands.
func (c *Computation) newNode(opcode Opcode, shape shapes.Shape, operands ...*Node) *Node {
	c.checkOwned(opcode.String(), operands...)
	n := &Node{
		id:          len(c.nodes),
		opcode:      opcode,
		name:        c.uniqueName(opcode.String()),
		operands:    slices.Clone(operands),
		shape:       shape,
		computation: c,
	}
	for _, operand := range operands {
		operand.users = append(operand.users, n)
	}
	c.nodes = append(c.nodes, n)
	return n
}

// Parameter adds the next numbered parameter.
func (c *Computation) Parameter(name string, shape shapes.Shape) *Node {
	n := c.newNode(OpParameter, shape)
	if name != "" {
		n.name = c.uniqueName(name)
	}
	n.parameterNumber = len(c.parameters)
	c.parameters = append(c.parameters, n)
	return n
}

// Constant adds a scalar constant.
func (c *Computation) Constant(literal Literal) *Node {
	n := c.newNode(OpConstant, shapes.Scalar(literal.DType))
	n.literal = literal
	return n
}

// Unary adds a unary elementwise operation. For OpConvert use Convert.
func (c *Computation) Unary(opcode Opcode, x *Node) *Node {
	if opcode.Arity() != 1 || opcode == OpConvert {
		exceptions.Panicf("Unary(%s): not a unary elementwise opcode", opcode)
	}
	return c.newNode(opcode, x.shape.Clone(), x)
}

// Copy adds an OpCopy node.
func (c *Computation) Copy(x *Node) *Node {
	return c.Unary(OpCopy, x)
}

// Convert adds a dtype conversion.
func (c *Computation) Convert(x *Node, dtype dtypes.DType) *Node {
	return c.newNode(OpConvert, x.shape.WithDType(dtype), x)
}

// Binary adds a binary elementwise operation. For OpCompare use Compare.
func (c *Computation) Binary(opcode Opcode, lhs, rhs *Node) *Node {
	if opcode.Arity() != 2 || opcode == OpCompare {
		exceptions.Panicf("Binary(%s): not a binary elementwise opcode", opcode)
	}
	if !lhs.shape.Equal(rhs.shape) {
		exceptions.Panicf("Binary(%s): operand shapes differ: %s and %s", opcode, lhs.shape, rhs.shape)
	}
	return c.newNode(opcode, lhs.shape.Clone(), lhs, rhs)
}

// Compare adds an elementwise comparison returning booleans.
func (c *Computation) Compare(direction ComparisonDirection, lhs, rhs *Node) *Node {
	if !lhs.shape.Equal(rhs.shape) {
		exceptions.Panicf("Compare: operand shapes differ: %s and %s", lhs.shape, rhs.shape)
	}
	n := c.newNode(OpCompare, lhs.shape.WithDType(dtypes.Bool), lhs, rhs)
	n.direction = direction
	return n
}

// Select adds an elementwise `pred ? onTrue : onFalse`.
func (c *Computation) Select(pred, onTrue, onFalse *Node) *Node {
	if !onTrue.shape.Equal(onFalse.shape) || !pred.shape.EqualDimensions(onTrue.shape) {
		exceptions.Panicf("Select: incompatible shapes %s, %s, %s", pred.shape, onTrue.shape, onFalse.shape)
	}
	return c.newNode(OpSelect, onTrue.shape.Clone(), pred, onTrue, onFalse)
}

// Broadcast adds a broadcast of x to shape: operand axis i maps to output axis dims[i].
func (c *Computation) Broadcast(x *Node, shape shapes.Shape, dims []int) *Node {
	if len(dims) != x.shape.Rank() {
		exceptions.Panicf("Broadcast: %d dims given for operand of rank %d", len(dims), x.shape.Rank())
	}
	for ii, axis := range dims {
		if axis < 0 || axis >= shape.Rank() || shape.Dimensions[axis] != x.shape.Dimensions[ii] {
			exceptions.Panicf("Broadcast: operand axis %d cannot be mapped to output axis %d of %s", ii, axis, shape)
		}
	}
	n := c.newNode(OpBroadcast, shape.WithDType(x.shape.DType), x)
	n.dimensions = slices.Clone(dims)
	return n
}

// Reduce adds a reduction of x over the given axes, starting from init and combining with the
// combiner computation (two scalar parameters, scalar root).
func (c *Computation) Reduce(x, init *Node, dims []int, combiner *Computation) *Node {
	if combiner == nil || combiner.NumParameters() != 2 {
		exceptions.Panicf("Reduce: combiner must have exactly 2 parameters")
	}
	var outDims []int
	for axis, dim := range x.shape.Dimensions {
		if !slices.Contains(dims, axis) {
			outDims = append(outDims, dim)
		}
	}
	n := c.newNode(OpReduce, shapes.Make(init.shape.DType, outDims...), x, init)
	n.dimensions = slices.Clone(dims)
	n.called = combiner
	return n
}

// Transpose adds a permutation of the axes: output axis i is operand axis permutation[i].
func (c *Computation) Transpose(x *Node, permutation []int) *Node {
	if len(permutation) != x.shape.Rank() {
		exceptions.Panicf("Transpose: permutation %v for rank %d", permutation, x.shape.Rank())
	}
	dims := make([]int, len(permutation))
	for ii, axis := range permutation {
		dims[ii] = x.shape.Dimensions[axis]
	}
	n := c.newNode(OpTranspose, shapes.Make(x.shape.DType, dims...), x)
	n.dimensions = slices.Clone(permutation)
	return n
}

// Slice adds a unit-stride slice [starts, limits) of x.
func (c *Computation) Slice(x *Node, starts, limits []int) *Node {
	if len(starts) != x.shape.Rank() || len(limits) != x.shape.Rank() {
		exceptions.Panicf("Slice: starts/limits must have rank %d", x.shape.Rank())
	}
	dims := make([]int, len(starts))
	for ii := range starts {
		dims[ii] = limits[ii] - starts[ii]
	}
	n := c.newNode(OpSlice, shapes.Make(x.shape.DType, dims...), x)
	n.sliceStarts = slices.Clone(starts)
	n.sliceLimits = slices.Clone(limits)
	return n
}

// Pad adds an edge padding of x with the scalar padValue.
func (c *Computation) Pad(x, padValue *Node, low, high []int) *Node {
	if len(low) != x.shape.Rank() || len(high) != x.shape.Rank() {
		exceptions.Panicf("Pad: low/high must have rank %d", x.shape.Rank())
	}
	dims := make([]int, x.shape.Rank())
	for ii, dim := range x.shape.Dimensions {
		dims[ii] = dim + low[ii] + high[ii]
	}
	n := c.newNode(OpPad, shapes.Make(x.shape.DType, dims...), x, padValue)
	n.padLow = slices.Clone(low)
	n.padHigh = slices.Clone(high)
	return n
}

// Concatenate adds a concatenation of the operands along axis.
func (c *Computation) Concatenate(axis int, operands ...*Node) *Node {
	if len(operands) == 0 {
		exceptions.Panicf("Concatenate: no operands")
	}
	dims := slices.Clone(operands[0].shape.Dimensions)
	for _, operand := range operands[1:] {
		dims[axis] += operand.shape.Dimensions[axis]
	}
	n := c.newNode(OpConcatenate, shapes.Make(operands[0].shape.DType, dims...), operands...)
	n.dimensions = []int{axis}
	return n
}

// dotOutputDims returns batch, lhs non-contracting and rhs non-contracting dimensions, in that order.
func dotOutputDims(lhs, rhs shapes.Shape, dims DotDimensionNumbers) []int {
	var out []int
	for _, axis := range dims.LhsBatchDims {
		out = append(out, lhs.Dimensions[axis])
	}
	for _, axis := range NonContractingDims(lhs.Rank(), dims.LhsBatchDims, dims.LhsContractingDims) {
		out = append(out, lhs.Dimensions[axis])
	}
	for _, axis := range NonContractingDims(rhs.Rank(), dims.RhsBatchDims, dims.RhsContractingDims) {
		out = append(out, rhs.Dimensions[axis])
	}
	return out
}

// Dot adds a general matrix multiplication. If outDType is InvalidDType the lhs dtype is used.
func (c *Computation) Dot(lhs, rhs *Node, dims DotDimensionNumbers, precision PrecisionConfig, outDType dtypes.DType) *Node {
	if len(dims.LhsBatchDims) != len(dims.RhsBatchDims) || len(dims.LhsContractingDims) != len(dims.RhsContractingDims) {
		exceptions.Panicf("Dot: mismatching number of batch or contracting dimensions: %+v", dims)
	}
	if outDType == dtypes.InvalidDType {
		outDType = lhs.shape.DType
	}
	n := c.newNode(OpDot, shapes.Make(outDType, dotOutputDims(lhs.shape, rhs.shape, dims)...), lhs, rhs)
	n.dotDims = dims
	n.precision = precision
	return n
}

// SparseDot adds a dot whose lhs is 2:4 structured-sparse: lhs holds half of the contracting
// elements and meta holds the selection metadata. The logical contracting size is twice the lhs one.
func (c *Computation) SparseDot(lhs, rhs, meta *Node, dims DotDimensionNumbers, precision PrecisionConfig, outDType dtypes.DType) *Node {
	n := c.Dot(lhs, rhs, dims, precision, outDType)
	// Re-register meta as the third operand.
	c.checkOwned("SparseDot", meta)
	n.operands = append(n.operands, meta)
	meta.users = append(meta.users, n)
	n.sparseOperands = 1
	return n
}

// Fusion adds a nested fusion calling body with the given operands as its parameters.
func (c *Computation) Fusion(body *Computation, operands ...*Node) *Node {
	if body.NumParameters() != len(operands) {
		exceptions.Panicf("Fusion: body %q has %d parameters, %d operands given", body.name, body.NumParameters(), len(operands))
	}
	n := c.newNode(OpFusion, body.Root().shape.Clone(), operands...)
	n.called = body
	return n
}

// Bitcast adds a reinterpretation of x with a new shape with the same number of elements.
func (c *Computation) Bitcast(x *Node, shape shapes.Shape) *Node {
	return c.newNode(OpBitcast, shape, x)
}

// Reshape adds a reshape of x.
func (c *Computation) Reshape(x *Node, shape shapes.Shape) *Node {
	if shape.Size() != x.shape.Size() {
		exceptions.Panicf("Reshape: %s and %s have different sizes", x.shape, shape)
	}
	return c.newNode(OpReshape, shape.WithDType(x.shape.DType), x)
}

// Tuple adds a tuple of the operands. It's only valid as a computation root.
func (c *Computation) Tuple(operands ...*Node) *Node {
	elements := make([]shapes.Shape, len(operands))
	for ii, operand := range operands {
		elements[ii] = operand.shape
	}
	return c.newNode(OpTuple, shapes.MakeTuple(elements...), operands...)
}
