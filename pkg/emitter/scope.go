// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"k8s.io/klog/v2"
)

// fusionEmitter holds what's shared by the emission of one kernel.
type fusionEmitter struct {
	b             *tileir.Builder
	device        DeviceDescription
	libdevicePath string
}

// withBuilder returns a copy of the emitter appending to another block.
func (e *fusionEmitter) withBuilder(b *tileir.Builder) *fusionEmitter {
	e2 := *e
	e2.b = b
	return &e2
}

// values is the emission environment of one computation: the tile emitted for each node,
// indexed by node ID. A node may be emitted with a nil value (a tuple root).
type values struct {
	computation *hlo.Computation
	tiles       []*tileir.Value
	emitted     []bool
}

func newValues(computation *hlo.Computation) *values {
	return &values{
		computation: computation,
		tiles:       make([]*tileir.Value, computation.NumNodes()),
		emitted:     make([]bool, computation.NumNodes()),
	}
}

func (v *values) checkNode(node *hlo.Node) {
	checkf(node.Parent() == v.computation, "node %s doesn't belong to computation %q", node.Name(), v.computation.Name())
}

// has returns whether node was emitted.
func (v *values) has(node *hlo.Node) bool {
	v.checkNode(node)
	return v.emitted[node.ID()]
}

// get returns the value of node, which must have been emitted.
func (v *values) get(node *hlo.Node) *tileir.Value {
	checkf(v.has(node), "%s used before being emitted", node)
	return v.tiles[node.ID()]
}

// set records the value of node. Each node can only be emitted once.
func (v *values) set(node *hlo.Node, value *tileir.Value) {
	checkf(!v.has(node), "%s emitted twice", node)
	v.tiles[node.ID()] = value
	v.emitted[node.ID()] = true
}

// scopeFrame is the emission state of one computation: the top level scope or a nested fusion.
type scopeFrame struct {
	analysis  *iterspec.Analysis
	scope     iterspec.Scope
	tiledDims []dimProperties
	nodes     []*hlo.Node
	next      int
	env       *values
}

// emitScope emits nodes, ordered producers before consumers, and returns the value of the last one.
// Parameters (and the concatenations of parameters) must already be in env.
//
// Nested fusions are flattened in place, with an explicit stack of frames: their parameters take
// the values of the fusion operands. analysis may be nil (in nested fusions and reduction regions),
// in which case broadcasts are not supported.
func (e *fusionEmitter) emitScope(analysis *iterspec.Analysis, scope iterspec.Scope, tiledDims []dimProperties,
	nodes []*hlo.Node, env *values) *tileir.Value {
	checkf(len(nodes) > 0, "no nodes to emit in scope %s", scope)
	stack := []*scopeFrame{{analysis: analysis, scope: scope, tiledDims: tiledDims, nodes: nodes, env: env}}
	for {
		frame := stack[len(stack)-1]
		if frame.next == len(frame.nodes) {
			result := frame.env.get(frame.nodes[len(frame.nodes)-1])
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return result
			}
			parent := stack[len(stack)-1]
			fusion := parent.nodes[parent.next]
			parent.env.set(fusion, result)
			klog.V(8).Infof("Emitted %s", fusion)
			parent.next++
			continue
		}

		node := frame.nodes[frame.next]
		if node.Opcode() == hlo.OpFusion {
			stack = append(stack, nestedFusionFrame(node, frame.env))
			continue
		}
		if value, emitted := e.emitNode(frame, node); emitted {
			frame.env.set(node, value)
			klog.V(8).Infof("Emitted %s", node)
		}
		frame.next++
	}
}

// nestedFusionFrame prepares the emission of the body of a nested fusion.
func nestedFusionFrame(fusion *hlo.Node, outer *values) *scopeFrame {
	body := fusion.CalledComputation()
	env := newValues(body)
	var nodes []*hlo.Node
	for _, node := range body.PostOrderFrom(body.Root()) {
		if node.Opcode() == hlo.OpParameter {
			env.set(node, outer.get(fusion.Operand(node.ParameterNumber())))
			continue
		}
		nodes = append(nodes, node)
	}
	checkf(len(nodes) > 0 && nodes[len(nodes)-1] == body.Root(), "nested fusion %s has no root to emit", fusion.Name())
	return &scopeFrame{scope: iterspec.ScopeOutput, nodes: nodes, env: env}
}

// emitNode emits one node other than a nested fusion. It returns false for nodes whose value is
// provided by the caller.
func (e *fusionEmitter) emitNode(frame *scopeFrame, node *hlo.Node) (*tileir.Value, bool) {
	env := frame.env
	switch op := node.Opcode(); {
	case op == hlo.OpConcatenate:
		// Loads of concatenated parameters are handled by the caller.
		checkf(env.has(node), "concatenation %s must be loaded before the scope", node)
		return nil, false

	case op == hlo.OpParameter:
		if users := node.Users(); len(users) > 0 && users[0].Opcode() == hlo.OpConcatenate {
			return nil, false
		}
		checkf(env.has(node), "parameter %s must be loaded before the scope", node)
		return nil, false

	case op == hlo.OpConstant:
		return emitConstant(e.b, node), true

	case op == hlo.OpBroadcast:
		return e.emitBroadcast(frame, node, env.get(node.Operand(0))), true

	case op == hlo.OpReduce:
		return e.emitReduce(node, env.get(node.Operand(0))), true

	case op.IsElementwise():
		inputs := make([]*tileir.Value, node.OperandCount())
		for ii, operand := range node.Operands() {
			inputs[ii] = env.get(operand)
		}
		return e.emitElementwise(node, inputs), true

	case op == hlo.OpTuple:
		checkf(node.IsRoot(), "tuple %s is only supported as the root", node)
		return nil, true

	case op == hlo.OpBitcast, op == hlo.OpTranspose, op == hlo.OpSlice, op == hlo.OpReshape, op == hlo.OpPad:
		// Index transformations are absorbed by the block pointers.
		return env.get(node.Operand(0)), true
	}
	failf(ErrUnsupported, "unsupported operation %s", node)
	return nil, false
}

// emitConstant emits a scalar constant.
func emitConstant(b *tileir.Builder, node *hlo.Node) *tileir.Value {
	checkf(node.Opcode() == hlo.OpConstant && node.Shape().IsScalar(), "%s is not a scalar constant", node)
	dtype := checkElementType(node.Shape().DType)
	literal := node.Literal()
	if shapes.IsInteger(dtype) {
		return b.ConstInt(tileir.ScalarType(dtype), literal.Int())
	}
	return b.ConstFloat(tileir.ScalarType(dtype), literal.Float())
}

// emitBroadcast expands the input tile to the dimensions of the broadcast that are tiled.
func (e *fusionEmitter) emitBroadcast(frame *scopeFrame, broadcast *hlo.Node, input *tileir.Value) *tileir.Value {
	analysis := frame.analysis
	checkf(analysis != nil, "broadcast %s requires iteration specs", broadcast.Name())
	isTiled := func(node *hlo.Node, dim int) bool {
		spec := analysis.IterSpec(frame.scope, node, dim)
		return spec != nil && spec[0].Stride > 0
	}
	var outShape []int
	for _, dim := range frame.tiledDims {
		if isTiled(broadcast, dim.index) {
			outShape = append(outShape, dim.blockSize)
		}
	}
	if !input.Type().IsTensor() {
		if len(outShape) == 0 {
			return input
		}
		return e.b.Splat(input, outShape)
	}
	if len(input.Type().Shape) == len(outShape) {
		return input
	}
	expanded := input
	dimIdx := 0
	for _, dim := range frame.tiledDims {
		if !isTiled(broadcast, dim.index) {
			continue
		}
		if analysis.IterSpec(frame.scope, broadcast.Operand(0), dim.index) == nil {
			expanded = e.b.ExpandDims(expanded, dimIdx)
		}
		dimIdx++
	}
	return e.b.Broadcast(expanded, outShape)
}

// emitReduce emits a reduction of the minor-most axis of the input tile. The tile may be padded
// beyond the length of the row: those elements are replaced by the neutral value of the
// reduction first.
func (e *fusionEmitter) emitReduce(reduce *hlo.Node, input *tileir.Value) *tileir.Value {
	b := e.b
	operand := reduce.Operand(0)
	checkf(reduce.OperandCount() == 2, "reduce %s must have a single input", reduce.Name())
	checkf(len(reduce.Dimensions()) == 1 && reduce.Dimension(0) == operand.Shape().Rank()-1,
		"reduce %s must reduce the minor-most dimension only", reduce.Name())
	checkf(input.Type().IsTensor(), "reduce %s of a scalar tile", reduce.Name())
	inputShape := input.Type().Shape
	blockRow := inputShape[len(inputShape)-1]
	rowLen := operand.Shape().MinorDim(0)
	checkf(blockRow >= rowLen, "reduce %s: tile of %d elements for rows of %d", reduce.Name(), blockRow, rowLen)

	// The neutral value is a constant, or a bf16 constant converted to f32.
	var neutral *tileir.Value
	init := reduce.Operand(1)
	if init.Opcode() == hlo.OpConvert {
		constant := init.Operand(0)
		checkf(constant.Opcode() == hlo.OpConstant && constant.Shape().DType == dtypes.BFloat16 &&
			init.Shape().DType == dtypes.Float32, "reduce %s: unsupported neutral value %s", reduce.Name(), init)
		neutral = cast(b, emitConstant(b, constant), dtypes.Float32)
	} else {
		checkf(init.Opcode() == hlo.OpConstant, "reduce %s: neutral value must be a constant, got %s", reduce.Name(), init)
		neutral = emitConstant(b, init)
	}

	if blockRow != rowLen {
		mask := b.Cmp(tileir.OpCmpI, tileir.CmpLT, b.MakeRange(0, int32(blockRow)),
			b.Splat(b.ConstInt(tileir.ScalarType(dtypes.Int32), int64(rowLen)), []int{blockRow}))
		for range len(inputShape) - 1 {
			mask = b.ExpandDims(mask, 0)
		}
		if len(inputShape) > 1 {
			mask = b.Broadcast(mask, inputShape)
		}
		input = b.Select(mask, input, b.Splat(neutral, inputShape))
	}

	// Reductions are computed in f32.
	combiner := reduce.CalledComputation()
	result := b.Reduce(cast(b, input, dtypes.Float32), len(inputShape)-1,
		func(rb *tileir.Builder, lhs, rhs *tileir.Value) *tileir.Value {
			env := newValues(combiner)
			var nodes []*hlo.Node
			for _, node := range combiner.PostOrderFrom(combiner.Root()) {
				if node.Opcode() == hlo.OpParameter {
					checkf(node.ParameterNumber() < 2, "reduction combiner %q has more than 2 parameters", combiner.Name())
					env.set(node, []*tileir.Value{lhs, rhs}[node.ParameterNumber()])
					continue
				}
				nodes = append(nodes, node)
			}
			return e.withBuilder(rb).emitScope(nil, iterspec.ScopeOutput, nil, nodes, env)
		})
	return cast(b, result, checkElementType(reduce.Shape().DType))
}
