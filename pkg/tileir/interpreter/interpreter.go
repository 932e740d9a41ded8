// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interpreter executes tileir kernels on the CPU, one goroutine per program instance of
// the launch grid (up to a parallelism limit).
//
// It's meant for testing: it checks memory accesses (out-of-bounds accesses that are not masked
// by a boundary check are errors) and models the numerics of the element types, including
// the reduced precision of TF32 dots.
package interpreter

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/internal/workerspool"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Interpreter of tileir functions.
type Interpreter struct {
	pool *workerspool.Pool
}

// New creates an interpreter running program instances in parallel, up to the number of CPUs.
func New() *Interpreter {
	return &Interpreter{pool: workerspool.New()}
}

// WithParallelism sets the maximum number of program instances executed in parallel.
// 0 runs them sequentially in the calling goroutine.
func (it *Interpreter) WithParallelism(parallelism int) *Interpreter {
	it.pool.SetMaxParallelism(parallelism)
	return it
}

// Grid is the number of program instances along each axis.
type Grid [3]int

// Size returns the total number of program instances.
func (g Grid) Size() int { return g[0] * g[1] * g[2] }

// Run executes fn once for every program instance of the grid. buffers are bound to the function
// arguments, in order, and must have the dtype of the arguments' pointee.
func (it *Interpreter) Run(fn *tileir.Function, grid Grid, buffers ...*Buffer) error {
	args := fn.Args()
	if len(args) != len(buffers) {
		return errors.Errorf("interpreter: function %q takes %d arguments, %d buffers given", fn.Name, len(args), len(buffers))
	}
	for ii, arg := range args {
		if arg.Type().Kind != tileir.KindPointer || arg.Type().DType != buffers[ii].DType {
			return errors.Errorf("interpreter: argument #%d of %q is %s, got buffer %s", ii, fn.Name, arg.Type(), buffers[ii])
		}
	}
	for axis, n := range grid {
		if n <= 0 {
			return errors.Errorf("interpreter: grid %v has an empty axis %d", grid, axis)
		}
	}
	klog.V(2).Infof("interpreter: running %q on grid %v", fn.Name, grid)
	return it.pool.ForEach(grid.Size(), func(i int) error {
		pid := [3]int{i % grid[0], (i / grid[0]) % grid[1], i / (grid[0] * grid[1])}
		err := exceptions.TryCatch[error](func() {
			p := &program{pid: pid, buffers: buffers, env: make(map[*tileir.Value]any)}
			for ii, arg := range args {
				p.env[arg] = pointer{buffer: ii}
			}
			p.runBlock(fn.Body)
		})
		if err != nil {
			return errors.WithMessagef(err, "program instance %v of %q", pid, fn.Name)
		}
		return nil
	})
}

// program is the state of one program instance.
type program struct {
	pid     [3]int
	buffers []*Buffer
	env     map[*tileir.Value]any
}

func (p *program) value(v *tileir.Value) any {
	value, found := p.env[v]
	if !found {
		exceptions.Panicf("interpreter: value of type %s used before being defined", v.Type())
	}
	return value
}

func (p *program) tile(v *tileir.Value) *tile {
	t, ok := p.value(v).(*tile)
	if !ok {
		exceptions.Panicf("interpreter: expected a scalar or tensor, got %T", p.value(v))
	}
	return t
}

// runBlock executes the ops of the block, and returns the values passed to its terminator.
func (p *program) runBlock(block *tileir.Block) []any {
	for _, op := range block.Ops {
		if op.Code.IsTerminator() {
			results := make([]any, len(op.Operands))
			for ii, operand := range op.Operands {
				results[ii] = p.value(operand)
			}
			return results
		}
		p.runOp(op)
	}
	return nil
}

func (p *program) set(op *tileir.Op, value any) {
	p.env[op.Result()] = value
}

func (p *program) runOp(op *tileir.Op) {
	switch op.Code {
	case tileir.OpConstant:
		data := op.Data.(tileir.ConstantData)
		t := newTileOfType(op.Result().Type())
		for ii := range t.size() {
			if t.isFloat() {
				t.setFloat(ii, data.Float)
			} else {
				t.setInt(ii, data.Int)
			}
		}
		p.set(op, t)

	case tileir.OpSplat:
		x := p.tile(op.Operands[0])
		t := newTileOfType(op.Result().Type())
		for ii := range t.size() {
			if t.isFloat() {
				t.f[ii] = x.f[0]
			} else {
				t.i[ii] = x.i[0]
			}
		}
		p.set(op, t)

	case tileir.OpBroadcast:
		p.set(op, broadcast(p.tile(op.Operands[0]), op.Result().Type().Shape))

	case tileir.OpExpandDims:
		x := p.tile(op.Operands[0])
		p.set(op, &tile{dtype: x.dtype, shape: op.Result().Type().Shape, f: x.f, i: x.i})

	case tileir.OpMakeRange:
		data := op.Data.(tileir.RangeData)
		t := newTileOfType(op.Result().Type())
		for ii := range t.i {
			t.i[ii] = int64(data.Start) + int64(ii)
		}
		p.set(op, t)

	case tileir.OpNegF:
		x := p.tile(op.Operands[0])
		t := newTileOfType(op.Result().Type())
		for ii := range t.f {
			t.f[ii] = -x.f[ii]
		}
		p.set(op, t)

	case tileir.OpCmpF, tileir.OpCmpI:
		p.set(op, compare(op.Code, op.Data.(tileir.CmpPredicate), p.tile(op.Operands[0]), p.tile(op.Operands[1])))

	case tileir.OpSelect:
		if op.Operands[1].Type().IsPointer() {
			// Selection of a buffer: the condition is a scalar.
			chosen := op.Operands[2]
			if p.tile(op.Operands[0]).int(0) != 0 {
				chosen = op.Operands[1]
			}
			p.env[op.Result()] = p.value(chosen)
			return
		}
		cond, onTrue, onFalse := p.tile(op.Operands[0]), p.tile(op.Operands[1]), p.tile(op.Operands[2])
		t := newTileOfType(op.Result().Type())
		for ii := range t.size() {
			chosen := onFalse
			if cond.int(ii) != 0 {
				chosen = onTrue
			}
			if t.isFloat() {
				t.f[ii] = chosen.f[ii]
			} else {
				t.i[ii] = chosen.i[ii]
			}
		}
		p.set(op, t)

	case tileir.OpExtF, tileir.OpTruncF, tileir.OpExtSI, tileir.OpExtUI, tileir.OpTruncI,
		tileir.OpSIToFP, tileir.OpUIToFP, tileir.OpFPToSI, tileir.OpFPToUI:
		p.set(op, convert(op.Code, p.tile(op.Operands[0]), op.Result().Type()))

	case tileir.OpBitcast:
		p.set(op, bitcast(p.tile(op.Operands[0]), op.Result().Type()))

	case tileir.OpMath:
		fn := op.Data.(tileir.MathFn)
		p.set(op, p.elementwiseFloat(op, mathFunctions[fn]))

	case tileir.OpExternElementwise:
		data := op.Data.(tileir.ExternData)
		fn, err := externFunction(data.Symbol)
		if err != nil {
			panic(err)
		}
		p.set(op, p.elementwiseFloat(op, fn))

	case tileir.OpReduce:
		p.set(op, p.reduce(op))

	case tileir.OpDot:
		data := op.Data.(tileir.DotData)
		p.set(op, dot(p.tile(op.Operands[0]), p.tile(op.Operands[1]), p.tile(op.Operands[2]), data.InputPrecision))

	case tileir.OpSparseDot:
		lhs := densifySparse(p.tile(op.Operands[0]), p.tile(op.Operands[3]))
		p.set(op, dot(lhs, p.tile(op.Operands[1]), p.tile(op.Operands[2]), tileir.PrecisionIEEE))

	case tileir.OpGetProgramID:
		p.set(op, scalarTile(op.Result().Type().DType, int64(p.pid[op.Data.(int)])))

	case tileir.OpAddPtr, tileir.OpMakeTensorPtr, tileir.OpAdvance, tileir.OpLoad, tileir.OpStore:
		p.runMemoryOp(op)

	case tileir.OpFor:
		p.runFor(op)

	default:
		if op.Code >= tileir.OpAddF && op.Code <= tileir.OpXOrI {
			p.set(op, arithmetic(op.Code, p.tile(op.Operands[0]), p.tile(op.Operands[1])))
			return
		}
		exceptions.Panicf("interpreter: op %s not supported", op.Code)
	}
}

func broadcast(x *tile, shape []int) *tile {
	t := newTile(x.dtype, shape)
	operandIndex := make([]int, len(shape))
	forEachIndex(shape, func(linear int, index []int) {
		for axis := range index {
			if x.shape[axis] == 1 {
				operandIndex[axis] = 0
			} else {
				operandIndex[axis] = index[axis]
			}
		}
		src := linearIndex(x.shape, operandIndex)
		if t.isFloat() {
			t.f[linear] = x.f[src]
		} else {
			t.i[linear] = x.i[src]
		}
	})
	return t
}

func arithmetic(code tileir.OpCode, lhs, rhs *tile) *tile {
	t := newTile(lhs.dtype, lhs.shape)
	for ii := range t.size() {
		if t.isFloat() {
			a, b := lhs.f[ii], rhs.f[ii]
			var r float64
			switch code {
			case tileir.OpAddF:
				r = a + b
			case tileir.OpSubF:
				r = a - b
			case tileir.OpMulF:
				r = a * b
			case tileir.OpDivF:
				r = a / b
			case tileir.OpRemF:
				r = math.Mod(a, b)
			case tileir.OpMaximumF:
				r = math.Max(a, b)
			case tileir.OpMinimumF:
				r = math.Min(a, b)
			default:
				exceptions.Panicf("interpreter: %s on float values", code)
			}
			t.setFloat(ii, r)
			continue
		}

		a, b := lhs.i[ii], rhs.i[ii]
		ua, ub := unsignedBits(lhs.dtype, a), unsignedBits(lhs.dtype, b)
		sa, sb := signedValue(lhs.dtype, a), signedValue(lhs.dtype, b)
		var r int64
		switch code {
		case tileir.OpAddI:
			r = a + b
		case tileir.OpSubI:
			r = a - b
		case tileir.OpMulI:
			r = a * b
		case tileir.OpDivSI, tileir.OpRemSI:
			if sb == 0 {
				exceptions.Panicf("interpreter: integer division by zero")
			}
			if code == tileir.OpDivSI {
				r = sa / sb
			} else {
				r = sa % sb
			}
		case tileir.OpDivUI, tileir.OpRemUI:
			if ub == 0 {
				exceptions.Panicf("interpreter: integer division by zero")
			}
			if code == tileir.OpDivUI {
				r = int64(ua / ub)
			} else {
				r = int64(ua % ub)
			}
		case tileir.OpMaxSI:
			r = max(sa, sb)
		case tileir.OpMinSI:
			r = min(sa, sb)
		case tileir.OpMaxUI:
			r = int64(max(ua, ub))
		case tileir.OpMinUI:
			r = int64(min(ua, ub))
		case tileir.OpAndI:
			r = a & b
		case tileir.OpOrI:
			r = a | b
		case tileir.OpXOrI:
			r = a ^ b
		default:
			exceptions.Panicf("interpreter: %s on integer values", code)
		}
		t.setInt(ii, r)
	}
	return t
}

func compare(code tileir.OpCode, predicate tileir.CmpPredicate, lhs, rhs *tile) *tile {
	t := newTile(dtypes.Bool, lhs.shape)
	for ii := range t.i {
		var r bool
		if code == tileir.OpCmpF {
			a, b := lhs.f[ii], rhs.f[ii]
			unordered := math.IsNaN(a) || math.IsNaN(b)
			switch predicate {
			case tileir.CmpEQ:
				r = !unordered && a == b
			case tileir.CmpNE:
				r = !unordered && a != b
			case tileir.CmpLT:
				r = !unordered && a < b
			case tileir.CmpLE:
				r = !unordered && a <= b
			case tileir.CmpGT:
				r = !unordered && a > b
			case tileir.CmpGE:
				r = !unordered && a >= b
			case tileir.CmpUNE:
				r = unordered || a != b
			default:
				exceptions.Panicf("interpreter: predicate %s of cmpf not supported", predicate)
			}
		} else {
			a, b := signedValue(lhs.dtype, lhs.i[ii]), signedValue(lhs.dtype, rhs.i[ii])
			ua, ub := unsignedBits(lhs.dtype, lhs.i[ii]), unsignedBits(lhs.dtype, rhs.i[ii])
			switch predicate {
			case tileir.CmpEQ:
				r = ua == ub
			case tileir.CmpNE:
				r = ua != ub
			case tileir.CmpLT:
				r = a < b
			case tileir.CmpLE:
				r = a <= b
			case tileir.CmpGT:
				r = a > b
			case tileir.CmpGE:
				r = a >= b
			case tileir.CmpULT:
				r = ua < ub
			case tileir.CmpULE:
				r = ua <= ub
			case tileir.CmpUGT:
				r = ua > ub
			case tileir.CmpUGE:
				r = ua >= ub
			default:
				exceptions.Panicf("interpreter: predicate %s of cmpi not supported", predicate)
			}
		}
		if r {
			t.i[ii] = 1
		}
	}
	return t
}

func (p *program) elementwiseFloat(op *tileir.Op, fn func(args ...float64) float64) *tile {
	operands := make([]*tile, len(op.Operands))
	for ii, operand := range op.Operands {
		operands[ii] = p.tile(operand)
	}
	t := newTileOfType(op.Result().Type())
	args := make([]float64, len(operands))
	for ii := range t.size() {
		if !t.isFloat() {
			// Only absi is defined on integers.
			t.setInt(ii, abs(signedValue(t.dtype, operands[0].i[ii])))
			continue
		}
		for jj, operand := range operands {
			args[jj] = operand.f[ii]
		}
		t.setFloat(ii, fn(args...))
	}
	return t
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// reduce folds the elements along the axis with the combiner region, starting from the first.
func (p *program) reduce(op *tileir.Op) *tile {
	x := p.tile(op.Operands[0])
	axis := op.Data.(int)
	t := newTileOfType(op.Result().Type())
	region := op.Region
	outShape := slices.Delete(slices.Clone(x.shape), axis, axis+1)
	xIndex := make([]int, len(x.shape))
	element := func(index []int) *tile {
		e := newTile(x.dtype, nil)
		src := linearIndex(x.shape, index)
		if x.isFloat() {
			e.f[0] = x.f[src]
		} else {
			e.i[0] = x.i[src]
		}
		return e
	}
	forEachIndex(outShape, func(linear int, index []int) {
		copy(xIndex[:axis], index[:axis])
		copy(xIndex[axis+1:], index[axis:])
		xIndex[axis] = 0
		acc := element(xIndex)
		for k := 1; k < x.shape[axis]; k++ {
			xIndex[axis] = k
			p.env[region.Args[0]] = acc
			p.env[region.Args[1]] = element(xIndex)
			acc = p.runBlock(region)[0].(*tile)
		}
		if t.isFloat() {
			t.f[linear] = acc.f[0]
		} else {
			t.i[linear] = acc.i[0]
		}
	})
	return t
}

// dot computes acc + lhs·rhs in float64, rounding the result to the accumulator type.
func dot(lhs, rhs, acc *tile, precision tileir.InputPrecision) *tile {
	m, k, n := lhs.shape[0], lhs.shape[1], rhs.shape[1]
	t := newTile(acc.dtype, acc.shape)
	input := func(x *tile, i int) float64 {
		v := x.float(i)
		if precision == tileir.PrecisionTF32 && shapes.IsFloat(x.dtype) {
			return roundToTF32(v)
		}
		return v
	}
	for row := range m {
		for col := range n {
			if !t.isFloat() {
				sum := acc.i[row*n+col]
				for kk := range k {
					sum += lhs.int(row*k+kk) * rhs.int(kk*n+col)
				}
				t.setInt(row*n+col, sum)
				continue
			}
			sum := acc.f[row*n+col]
			for kk := range k {
				sum += input(lhs, row*k+kk) * input(rhs, kk*n+col)
			}
			t.setFloat(row*n+col, sum)
		}
	}
	return t
}

// densifySparse expands a 2:4 structured sparse lhs of shape [M, K/2] into [M, K], using the
// metadata of shape [M, K/16]: each int16 describes 4 groups of 4 elements, 4 bits per group,
// holding the two 2-bit positions of the stored values within the group.
func densifySparse(sparse, meta *tile) *tile {
	m, half := sparse.shape[0], sparse.shape[1]
	k := 2 * half
	dense := newTile(sparse.dtype, []int{m, k})
	for row := range m {
		for group := range k / 4 {
			bits := unsignedBits(meta.dtype, meta.int(row*(k/16)+group/4)) >> (4 * (group % 4))
			positions := [2]int{int(bits & 3), int((bits >> 2) & 3)}
			if positions[0] == positions[1] {
				exceptions.Panicf("interpreter: sparse metadata selects element %d of group %d twice", positions[0], group)
			}
			for jj, pos := range positions {
				dense.setFloat(row*k+4*group+pos, sparse.float(row*half+2*group+jj))
			}
		}
	}
	return dense
}

func (p *program) runFor(op *tileir.Op) {
	lower, upper, step := p.tile(op.Operands[0]), p.tile(op.Operands[1]), p.tile(op.Operands[2])
	if step.int(0) <= 0 {
		exceptions.Panicf("interpreter: for loop with non-positive step %d", step.int(0))
	}
	region := op.Region
	carried := make([]any, len(op.Operands)-3)
	for ii, init := range op.Operands[3:] {
		carried[ii] = p.value(init)
	}
	ivType := region.Args[0].Type().DType
	for iv := lower.int(0); iv < upper.int(0); iv += step.int(0) {
		p.env[region.Args[0]] = scalarTile(ivType, iv)
		for ii, arg := range region.Args[1:] {
			p.env[arg] = carried[ii]
		}
		carried = p.runBlock(region)
	}
	for ii, result := range op.Results {
		p.env[result] = carried[ii]
	}
}

// String implements fmt.Stringer for debugging.
func (t *tile) String() string {
	if t.isFloat() {
		return fmt.Sprintf("%s%v:%v", tileir.ElementName(t.dtype), t.shape, t.f)
	}
	return fmt.Sprintf("%s%v:%v", tileir.ElementName(t.dtype), t.shape, t.i)
}
