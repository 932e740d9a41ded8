// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/pkg/errors"
)

// softMaxRowLength returns the reduction of a softmax fusion and the length of the reduced rows.
func softMaxRowLength(computation *hlo.Computation) (reduce *hlo.Node, rowLen int) {
	reduce = computation.FirstWithOpcode(hlo.OpReduce)
	checkf(reduce != nil, "no reduce in fusion %q", computation.Name())
	operandShape := reduce.Operand(0).Shape()
	checkf(len(reduce.Dimensions()) == 1, "reduce %s must have a single dimension", reduce.Name())
	checkf(reduce.Dimension(0) == operandShape.Rank()-1, "reduce %s must reduce the minor-most dimension", reduce.Name())
	return reduce, operandShape.MinorDim(0)
}

// nextPowerOfTwo returns the smallest power of 2 >= n.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// SoftMaxLaunchDimensions returns the launch dimensions of a softmax fusion: one program instance
// per row.
func SoftMaxLaunchDimensions(computation *hlo.Computation, config Config, device DeviceDescription) (
	launchDims LaunchDimensions, err error) {
	err = exceptions.TryCatch[error](func() {
		reduce, rowLen := softMaxRowLength(computation)
		numRows := reduce.Operand(0).Shape().Size() / int64(rowLen)
		if numRows > device.BlockDimLimit[0] && device.BlockDimLimit[0] > 0 {
			failf(ErrUncompilableFusion, "%d rows exceed the grid limit %d", numRows, device.BlockDimLimit[0])
		}
		launchDims = LaunchDimensions{
			Grid:            [3]int64{numRows, 1, 1},
			ThreadsPerBlock: int64(config.NumWarps * device.ThreadsPerWarp),
		}
	})
	return
}

// EmitSoftMax emits the body of fn, the kernel computing a softmax-like fusion: each program
// instance loads one row of every parameter, computes the fusion on it, and stores one row of
// the output.
//
// In the OUTPUT scope of the analysis, logical dimension 0 is the reduced one and logical
// dimension 1 enumerates the rows.
func EmitSoftMax(fn *tileir.Function, libdevicePath string, device DeviceDescription, analysis *iterspec.Analysis,
	computation *hlo.Computation, config Config) error {
	if computation.Root().Opcode() == hlo.OpTuple {
		return errors.Wrapf(ErrUnsupported, "softmax fusion %q with multiple outputs", computation.Name())
	}
	return exceptions.TryCatch[error](func() {
		e := &fusionEmitter{b: tileir.NewBuilder(fn.Body), device: device, libdevicePath: libdevicePath}
		e.emitSoftMax(fn, analysis, computation)
	})
}

func (e *fusionEmitter) emitSoftMax(fn *tileir.Function, analysis *iterspec.Analysis, computation *hlo.Computation) {
	b := e.b
	_, rowLen := softMaxRowLength(computation)
	i64 := tileir.ScalarType(dtypes.Int64)
	i32 := tileir.ScalarType(dtypes.Int32)
	pid := b.Convert(tileir.OpExtSI, b.ProgramID(0), dtypes.Int64)
	rowOffset := b.Binary(tileir.OpMulI, pid, b.ConstInt(i64, int64(rowLen)))

	blockRow := nextPowerOfTwo(rowLen)
	var boundaryChecks []int
	if blockRow != rowLen {
		boundaryChecks = []int{0}
	}

	env := newValues(computation)
	for _, param := range computation.Parameters() {
		reduceSpec := analysis.IterSpec(iterspec.ScopeOutput, param, 0)
		batchSpec := analysis.IterSpec(iterspec.ScopeOutput, param, 1)
		checkf(analysis.IterSpec(iterspec.ScopeOutput, param, 2) == nil, "parameter %s of softmax with a third dimension", param.Name())
		base := fn.Arg(param.ParameterNumber())
		if batchSpec != nil {
			base = b.AddPtr(base, b.Binary(tileir.OpMulI, pid, b.ConstInt(i64, batchSpec[0].Stride)))
		}
		dtype := checkElementType(param.Shape().DType)

		if reduceSpec == nil {
			// Broadcast along the row: a single value per row.
			env.set(param, cast(b, b.Load(base, nil), dtype))
			continue
		}
		checkf(len(reduceSpec) == 1, "reduced dimension of %s in %d fragments", param.Name(), len(reduceSpec))
		fragment := reduceSpec[0]
		checkf(fragment.Count == int64(rowLen), "reduced dimension of %s has %d elements, rows have %d", param.Name(),
			fragment.Count, rowLen)
		checkf(len(fragment.Subfragments) == 1, "reduced dimension of %s is not contiguous", param.Name())
		ptr := b.MakeTensorPtr(base,
			[]*tileir.Value{b.ConstInt(i64, fragment.Count)},
			[]*tileir.Value{b.ConstInt(i64, fragment.Stride)},
			[]*tileir.Value{b.ConstInt(i32, fragment.SliceStart)},
			[]int{blockRow}, []int{0})
		env.set(param, cast(b, b.Load(ptr, boundaryChecks), dtype))
	}

	tiledDims := []dimProperties{{index: 0, pid: pid, blockSize: blockRow, splitValue: 1}}
	root := computation.Root()
	result := e.emitScope(analysis, iterspec.ScopeOutput, tiledDims, computation.PostOrderFrom(root), env)

	out := b.AddPtr(fn.Arg(computation.NumParameters()), rowOffset)
	ptr := b.MakeTensorPtr(out,
		[]*tileir.Value{b.ConstInt(i64, int64(rowLen))},
		[]*tileir.Value{b.ConstInt(i64, 1)},
		[]*tileir.Value{b.ConstInt(i32, 0)},
		[]int{blockRow}, []int{0})
	if !result.Type().IsTensor() {
		result = b.Splat(result, []int{blockRow})
	}
	b.Store(ptr, cast(b, result, storageType(checkElementType(root.Shape().DType))), []int{0})
}
