// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/emitter"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir/interpreter"
	"github.com/pkg/errors"
)

var dtypeNames = map[string]dtypes.DType{
	"f64":  dtypes.Float64,
	"f32":  dtypes.Float32,
	"f16":  dtypes.Float16,
	"bf16": dtypes.BFloat16,
}

func parseDType(name string) (dtypes.DType, error) {
	if dtype, found := dtypeNames[name]; found {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are f64, f32, f16 and bf16", name)
}

// fusion is one of the fusions the tool can emit, with its reference implementation.
type fusion struct {
	computation *hlo.Computation
	analysis    *iterspec.Analysis
	emit        emitter.EmitFunc
	launchDims  func(config emitter.Config, device emitter.DeviceDescription) (emitter.LaunchDimensions, error)
	// reference computes the output from the inputs, in float64, for the given configuration.
	reference func(inputs [][]float64, config emitter.Config) []float64
}

// newMatMulFusion returns the fusion of lhs[batch, m, k]·rhs[batch, k, n] followed by an optional
// activation. The batch axis is omitted if batch is 1. With splitK > 1 the contracting dimension
// is split, and the output has the partial products along its first axis: the blocks of block_k
// elements of the contracting dimension are assigned to the partial products round-robin.
func newMatMulFusion(dtype dtypes.DType, batch, m, k, n, splitK int, activation string) (*fusion, error) {
	if splitK > 1 && (batch > 1 || k%splitK != 0) {
		return nil, errors.Errorf("split_k=%d requires no batch and k=%d divisible by it", splitK, k)
	}
	c := hlo.NewComputation(fmt.Sprintf("gemm_%dx%dx%dx%d", batch, m, k, n))
	lhsDims, rhsDims := []int{m, k}, []int{k, n}
	dims := hlo.DotDimensionNumbers{LhsContractingDims: []int{1}, RhsContractingDims: []int{0}}
	if batch > 1 {
		lhsDims, rhsDims = []int{batch, m, k}, []int{batch, k, n}
		dims = hlo.DotDimensionNumbers{
			LhsBatchDims: []int{0}, LhsContractingDims: []int{2},
			RhsBatchDims: []int{0}, RhsContractingDims: []int{1},
		}
	}
	lhs := c.Parameter("lhs", shapes.Make(dtype, lhsDims...))
	rhs := c.Parameter("rhs", shapes.Make(dtype, rhsDims...))
	if splitK > 1 {
		lhs = c.Bitcast(lhs, shapes.Make(dtype, m, splitK, k/splitK))
		rhs = c.Bitcast(rhs, shapes.Make(dtype, splitK, k/splitK, n))
		dims = hlo.DotDimensionNumbers{
			LhsBatchDims: []int{1}, LhsContractingDims: []int{2},
			RhsBatchDims: []int{0}, RhsContractingDims: []int{1},
		}
	}
	root := c.Dot(lhs, rhs, dims, hlo.PrecisionConfig{}, dtypes.InvalidDType)
	var activationFn func(float64) float64
	switch activation {
	case "":
	case "tanh":
		root = c.Unary(hlo.OpTanh, root)
		activationFn = math.Tanh
	case "relu":
		zero := c.Constant(hlo.FloatLiteral(dtype, 0))
		root = c.Binary(hlo.OpMaximum, root, c.Broadcast(zero, root.Shape(), nil))
		activationFn = func(x float64) float64 { return max(x, 0) }
	default:
		return nil, errors.Errorf("unknown activation %q, valid values are tanh and relu", activation)
	}
	c.SetRoot(root)

	analysis, err := iterspec.Canonical(c)
	if err != nil {
		return nil, err
	}
	return &fusion{
		computation: c,
		analysis:    analysis,
		emit:        emitter.EmitMatMul,
		launchDims: func(config emitter.Config, device emitter.DeviceDescription) (emitter.LaunchDimensions, error) {
			return emitter.GetMatMulLaunchDimensions(analysis, c, config, device)
		},
		reference: func(inputs [][]float64, config emitter.Config) []float64 {
			out := make([]float64, 0, batch*m*n*splitK)
			for b := range batch {
				for part := range splitK {
					for row := range m {
						for col := range n {
							var sum float64
							for kk := range k {
								if (kk/config.BlockK)%splitK != part {
									continue
								}
								sum += inputs[0][b*m*k+row*k+kk] * inputs[1][b*k*n+kk*n+col]
							}
							if activationFn != nil {
								sum = activationFn(sum)
							}
							out = append(out, sum)
						}
					}
				}
			}
			return out
		},
	}, nil
}

// newSoftMaxFusion returns the fusion of softmax(x) along the rows of x[rows, rowLen].
func newSoftMaxFusion(dtype dtypes.DType, rows, rowLen int) (*fusion, error) {
	c := hlo.NewComputation(fmt.Sprintf("softmax_%dx%d", rows, rowLen))
	shape := shapes.Make(dtype, rows, rowLen)
	x := c.Parameter("x", shape)
	combiner := func(name string, opcode hlo.Opcode) *hlo.Computation {
		r := hlo.NewComputation(name)
		r.SetRoot(r.Binary(opcode, r.Parameter("lhs", shapes.Scalar(dtypes.Float32)),
			r.Parameter("rhs", shapes.Scalar(dtypes.Float32))))
		return r
	}
	// Reductions are computed in f32.
	y := c.Convert(x, dtypes.Float32)
	f32Shape := shapes.Make(dtypes.Float32, rows, rowLen)
	rowMax := c.Reduce(y, c.Constant(hlo.FloatLiteral(dtypes.Float32, math.Inf(-1))), []int{1},
		combiner("max", hlo.OpMaximum))
	exp := c.Unary(hlo.OpExp, c.Binary(hlo.OpSubtract, y, c.Broadcast(rowMax, f32Shape, []int{0})))
	rowSum := c.Reduce(exp, c.Constant(hlo.FloatLiteral(dtypes.Float32, 0)), []int{1}, combiner("sum", hlo.OpAdd))
	c.SetRoot(c.Convert(c.Binary(hlo.OpDivide, exp, c.Broadcast(rowSum, f32Shape, []int{0})), dtype))

	analysis, err := iterspec.CanonicalSoftMax(c)
	if err != nil {
		return nil, err
	}
	return &fusion{
		computation: c,
		analysis:    analysis,
		emit:        emitter.EmitSoftMax,
		launchDims: func(config emitter.Config, device emitter.DeviceDescription) (emitter.LaunchDimensions, error) {
			return emitter.SoftMaxLaunchDimensions(c, config, device)
		},
		reference: func(inputs [][]float64, _ emitter.Config) []float64 {
			out := make([]float64, rows*rowLen)
			for row := range rows {
				values := inputs[0][row*rowLen : (row+1)*rowLen]
				rowMax := math.Inf(-1)
				for _, v := range values {
					rowMax = max(rowMax, v)
				}
				var sum float64
				for col, v := range values {
					out[row*rowLen+col] = math.Exp(v - rowMax)
					sum += out[row*rowLen+col]
				}
				for col := range values {
					out[row*rowLen+col] /= sum
				}
			}
			return out
		},
	}, nil
}

// randomInputs returns one buffer per parameter of the fusion, with normally distributed values
// rounded to the parameter dtype.
func (f *fusion) randomInputs(seed int64) []*interpreter.Buffer {
	rng := rand.New(rand.NewSource(seed))
	var buffers []*interpreter.Buffer
	for _, param := range f.computation.Parameters() {
		values := make([]float64, param.Shape().Size())
		for ii := range values {
			values[ii] = rng.NormFloat64()
		}
		buffers = append(buffers, interpreter.FromFloat64s(param.Shape().DType, values))
	}
	return buffers
}
