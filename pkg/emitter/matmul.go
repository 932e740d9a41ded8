// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"k8s.io/klog/v2"
)

// checkComplexity rejects tilings too large to be worth compiling.
func checkComplexity(config Config) {
	complexity := (config.BlockM*config.BlockN + (config.BlockM+config.BlockN)*config.BlockK) / config.NumWarps
	klog.V(2).Infof("Tiling complexity of %s: %d (limit %d)", config, complexity, config.ComplexityLimit)
	if config.ComplexityLimit > 0 && complexity > config.ComplexityLimit {
		failf(ErrResourceExhausted, "tiling complexity heuristic exceeded: %d > %d", complexity, config.ComplexityLimit)
	}
}

// is8BitOrLessDotWithF32 returns whether an operand of the dot is computed from an element type
// of 8 bits or less converted to f32: TF32 would lose precision on those.
func is8BitOrLessDotWithF32(dot *hlo.Node) bool {
	computation := dot.Parent()
	for _, operand := range dot.Operands() {
		for _, node := range computation.PostOrderFrom(operand) {
			if node.Opcode() == hlo.OpConvert && node.Shape().DType == dtypes.Float32 &&
				shapes.BitWidth(node.Operand(0).Shape().DType) <= 8 {
				return true
			}
		}
	}
	return false
}

// accumulatorType returns the element type the products are accumulated in.
func accumulatorType(dot *hlo.Node) dtypes.DType {
	if dtype, found := dot.PrecisionConfig().Algorithm.AccumulatorType(); found {
		return dtype
	}
	lhsType := dot.Operand(0).Shape().DType
	outType := dot.Shape().DType
	if lhsType == dtypes.Int8 && outType == dtypes.Int32 {
		return dtypes.Int32
	}
	if outType == dtypes.Float64 && lhsType == dtypes.Float64 && dot.Operand(1).Shape().DType == dtypes.Float64 {
		return dtypes.Float64
	}
	return dtypes.Float32
}

// useInt64Indices returns whether some buffer of the matmul has more elements than int32 can address.
func useInt64Indices(dot *hlo.Node, config Config) bool {
	for _, operand := range dot.Operands()[:2] {
		if operand.Shape().Size() > math.MaxInt32 {
			return true
		}
	}
	return dot.Shape().Size()*int64(config.SplitK) > math.MaxInt32
}

// EmitMatMul emits the body of fn, the kernel computing the matmul fusion: each program instance
// computes one [BlockM, BlockN] tile of the output, iterating over the contracting dimension, and
// applies the epilogue to it before storing it.
//
// fn must take one pointer per fusion parameter followed by one pointer per output, as created by
// CreateModule. libdevicePath is the device math library linked for the transcendental functions.
func EmitMatMul(fn *tileir.Function, libdevicePath string, device DeviceDescription, analysis *iterspec.Analysis,
	computation *hlo.Computation, config Config) error {
	return exceptions.TryCatch[error](func() {
		emitMatMul(tileir.NewBuilder(fn.Body), fn, libdevicePath, device, analysis, computation, config)
	})
}

func emitMatMul(b *tileir.Builder, fn *tileir.Function, libdevicePath string, device DeviceDescription,
	analysis *iterspec.Analysis, computation *hlo.Computation, config Config) {
	checkComplexity(config)
	dot := computation.FirstWithOpcode(hlo.OpDot)
	checkf(dot != nil, "no dot in fusion %q", computation.Name())
	isSparse := dot.SparseOperands() > 0
	validateMatMulConfig(config, dot)
	dims := newMatMulDims(config, dot, analysis)
	launchConfig := newMatMulLaunchConfig(config, dot, dims, device)
	klog.V(6).Infof("Emitting matmul %q with %s:\n%s", computation.Name(), dims, analysis)

	m := &matMulEmitter{
		fusionEmitter: &fusionEmitter{b: b, device: device, libdevicePath: libdevicePath},
		dot:           dot,
		analysis:      analysis,
		dims:          dims,
		launchConfig:  launchConfig,
		indexType:     dtypes.Int32,
	}
	if useInt64Indices(dot, config) {
		m.indexType = dtypes.Int64
	}

	// Tile coordinates, grouped along m.
	pidNC := b.ProgramID(launchConfig.NoncontractingProgramIDDim)
	var pidK *tileir.Value
	if config.SplitK > 1 {
		pidK = b.ProgramID(2)
	}
	groupM := int64(config.GroupM)
	width := m.cst32(groupM * launchConfig.GridN)
	groupID := b.Binary(tileir.OpDivSI, pidNC, width)
	firstPidM := b.Binary(tileir.OpMulI, groupID, m.cst32(groupM))
	sub0 := b.Binary(tileir.OpSubI, m.cst32(launchConfig.GridM), firstPidM)
	groupSize := b.Select(b.Cmp(tileir.OpCmpI, tileir.CmpLT, sub0, m.cst32(groupM)), sub0, m.cst32(groupM))
	pidM := b.Binary(tileir.OpAddI, firstPidM, b.Binary(tileir.OpRemSI, pidNC, groupSize))
	pidN := b.Binary(tileir.OpDivSI, b.Binary(tileir.OpRemSI, pidNC, width), groupSize)

	blockM, blockN, blockK := config.BlockM, config.BlockN, config.BlockK
	sparseFactor := 1
	if isSparse {
		sparseFactor = 2
	}
	sides := []side{
		{
			scope: iterspec.ScopeLHS,
			tiledDims: []dimProperties{
				{index: dims.LHSNoncontractingDim, pid: pidM, blockSize: blockM, splitValue: 1},
				{index: dims.LHSContractingDim, pid: pidK, blockSize: blockK / sparseFactor, splitValue: config.SplitK},
			},
			batchDim: dims.LHSBatchDim,
		},
		{
			scope: iterspec.ScopeRHS,
			tiledDims: []dimProperties{
				{index: dims.RHSContractingDim, pid: pidK, blockSize: blockK, splitValue: config.SplitK},
				{index: dims.RHSNoncontractingDim, pid: pidN, blockSize: blockN, splitValue: 1},
			},
			batchDim: dims.RHSBatchDim,
		},
	}
	if isSparse {
		checkf(blockK%16 == 0, "sparse dot requires block_k multiple of 16, got %d", blockK)
		sides = append(sides, side{
			scope: iterspec.ScopeMeta,
			tiledDims: []dimProperties{
				{index: dims.LHSNoncontractingDim, pid: pidM, blockSize: blockM, splitValue: 1},
				{index: dims.LHSContractingDim, pid: pidK, blockSize: blockK / 16, splitValue: config.SplitK},
			},
			batchDim: dims.LHSBatchDim,
		})
	}
	outSide := side{
		scope: iterspec.ScopeOutput,
		tiledDims: []dimProperties{
			{index: dims.OutLHSNoncontractingDim, pid: pidM, blockSize: blockM, splitValue: 1},
			{index: dims.OutRHSNoncontractingDim, pid: pidN, blockSize: blockN, splitValue: 1},
		},
		batchDim: dims.OutBatchDim,
	}

	// Pointers to the first tiles of the inputs, carried through the loop over k.
	type loopInput struct {
		sideIdx        int
		node           *hlo.Node
		boundaryChecks []int
	}
	var loopInputs []loopInput
	var iterArgs []*tileir.Value
	for sideIdx, s := range sides {
		for _, input := range scopeInputs(analysis, s.scope) {
			ptr, checks := m.emitTensorPointer(input, s, inputArguments(fn, input), pidK)
			loopInputs = append(loopInputs, loopInput{sideIdx: sideIdx, node: input, boundaryChecks: checks})
			iterArgs = append(iterArgs, ptr)
		}
	}
	accType := accumulatorType(dot)
	iterArgs = append(iterArgs, b.Const(tileir.TensorType(accType, blockM, blockN), 0))

	contractingDim := func(s side) int {
		if s.scope == iterspec.ScopeRHS {
			return dims.RHSContractingDim
		}
		return dims.LHSContractingDim
	}
	blockKStep := int64(blockK * config.SplitK)
	allowTF32 := isTF32Allowed(config, dot) && !is8BitOrLessDotWithF32(dot)

	results := b.For(m.cst32(0), m.cst32(dims.K), m.cst32(blockKStep), iterArgs,
		func(lb *tileir.Builder, ki *tileir.Value, args []*tileir.Value) []*tileir.Value {
			lm := *m
			lm.fusionEmitter = m.withBuilder(lb)
			envs := make([]*values, len(sides))
			for ii := range envs {
				envs[ii] = newValues(computation)
			}
			nextArgs := make([]*tileir.Value, 0, len(args))
			for ii, input := range loopInputs {
				s := sides[input.sideIdx]
				ptr := args[ii]
				loaded := lb.Load(ptr, input.boundaryChecks)
				dtype := checkElementType(input.node.Shape().DType)
				if s.scope == iterspec.ScopeMeta {
					dtype = dtypes.Int16
				}
				envs[input.sideIdx].set(input.node, cast(lb, loaded, dtype))

				if ptr.Type().Kind == tileir.KindBlockPointer {
					var increments []*tileir.Value
					for _, dim := range s.tiledDims {
						spec := analysis.IterSpec(s.scope, input.node, dim.index)
						if spec == nil {
							continue
						}
						increment := int64(0)
						if dim.index == contractingDim(s) && spec[0].Stride != 0 {
							increment = int64(dim.blockSize * dim.splitValue)
						}
						increments = append(increments, lm.cst32(increment))
					}
					ptr = lb.Advance(ptr, increments)
				}
				nextArgs = append(nextArgs, ptr)
			}

			makeInput := func(sideIdx int) *tileir.Value {
				s := sides[sideIdx]
				input := lm.emitScope(analysis, s.scope, s.tiledDims, computation.PostOrderFrom(dot.Operand(sideIdx)), envs[sideIdx])
				if dims.K%blockKStep == 0 || s.scope == iterspec.ScopeMeta {
					return input
				}
				// Zero the elements of the last tiles beyond the contracting dimension.
				denom, expandAxis := int64(1), 1
				if s.scope == iterspec.ScopeLHS {
					denom, expandAxis = int64(sparseFactor), 0
				}
				checkf(input.Type().IsTensor() && len(input.Type().Shape) == 2, "dot operand tile %s is not a matrix", input.Type())
				tileK := int32(int64(blockK) / denom)
				kiInSide := ki
				if denom > 1 {
					kiInSide = lb.Binary(tileir.OpDivSI, ki, lm.cst32(denom))
				}
				elements := lb.Binary(tileir.OpSubI, lm.cst32(dims.K/denom), kiInSide)
				kRange := lb.MakeRange(0, tileK)
				if pidK != nil {
					offset := lb.Binary(tileir.OpMulI, pidK, lm.cst32(int64(tileK)))
					kRange = lb.Binary(tileir.OpAddI, kRange, lb.Splat(offset, []int{int(tileK)}))
				}
				mask := lb.Cmp(tileir.OpCmpI, tileir.CmpLT, lb.ExpandDims(kRange, expandAxis),
					lb.Splat(elements, shapeWithAxis(int(tileK), expandAxis)))
				mask = lb.Broadcast(mask, input.Type().Shape)
				return lb.Select(mask, input, zerosLike(lb, input))
			}
			lhs, rhs := makeInput(0), makeInput(1)
			acc := args[len(args)-1]

			var next *tileir.Value
			if isSparse {
				meta := makeInput(2)
				next = lb.SparseDot(lhs, rhs, acc, meta)
			} else {
				switch selectDotKind(config, dot, lhs, rhs) {
				case dotBF16x6:
					next = emit6xBF16MatMul(lb, lhs, rhs, acc)
				case dotBF16x3:
					next = emit3xBF16MatMul(lb, lhs, rhs, acc)
				default:
					precision := tileir.PrecisionIEEE
					if allowTF32 && elementType(lhs) == dtypes.Float32 && elementType(rhs) == dtypes.Float32 {
						precision = tileir.PrecisionTF32
					}
					next = lb.Dot(lhs, rhs, acc, tileir.DotData{InputPrecision: precision})
				}
			}
			return append(nextArgs, next)
		})
	acc := results[len(results)-1]

	// Epilogue: the nodes of the fusion after the dot, applied to the accumulated tile.
	env := newValues(computation)
	env.set(dot, cast(b, acc, checkElementType(dot.Shape().DType)))
	if epilogue := epilogueNodes(computation, dot); len(epilogue) > 0 {
		for _, input := range scopeInputs(analysis, iterspec.ScopeOutput) {
			ptr, checks := m.emitTensorPointer(input, outSide, inputArguments(fn, input), pidK)
			env.set(input, cast(b, b.Load(ptr, checks), checkElementType(input.Shape().DType)))
		}
		m.emitScope(analysis, iterspec.ScopeOutput, outSide.tiledDims, epilogue, env)
	}

	// Stores of the outputs.
	root := computation.Root()
	outputs := []*hlo.Node{root}
	if root.Opcode() == hlo.OpTuple {
		outputs = root.Operands()
	}
	numParams := computation.NumParameters()
	for ii, output := range outputs {
		ptr, checks := m.emitTensorPointer(output, outSide, []*tileir.Value{fn.Arg(numParams + ii)}, pidK)
		value := cast(b, env.get(output), storageType(checkElementType(output.Shape().DType)))
		b.Store(ptr, value, checks)
	}
}

// shapeWithAxis returns the shape of a range of n elements expanded at axis 0 or 1.
func shapeWithAxis(n, axis int) []int {
	if axis == 0 {
		return []int{1, n}
	}
	return []int{n, 1}
}

// epilogueNodes returns the nodes computed from the dot up to the root, not including the dot,
// ordered producers before consumers.
func epilogueNodes(computation *hlo.Computation, dot *hlo.Node) []*hlo.Node {
	reached := make([]bool, computation.NumNodes())
	queue := []*hlo.Node{computation.Root()}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == dot || reached[node.ID()] {
			continue
		}
		reached[node.ID()] = true
		queue = append(queue, node.Operands()...)
	}
	return slices.DeleteFunc(computation.PostOrder(), func(node *hlo.Node) bool { return !reached[node.ID()] })
}
