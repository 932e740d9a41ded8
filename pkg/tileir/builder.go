// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/shapes"
)

// Builder appends ops to a block. Invalid constructions panic with an error (see
// github.com/gomlx/exceptions).
type Builder struct {
	block *Block
}

// NewBuilder returns a builder appending to block.
func NewBuilder(block *Block) *Builder {
	return &Builder{block: block}
}

// Block returns the current insertion block.
func (b *Builder) Block() *Block { return b.block }

// SetInsertionBlock changes where new ops are appended.
func (b *Builder) SetInsertionBlock(block *Block) { b.block = block }

// emit appends a new op.
func (b *Builder) emit(code OpCode, data any, region *Block, resultTypes []Type, operands ...*Value) *Op {
	if b.block.Terminator() != nil {
		exceptions.Panicf("tileir: appending %s after the block terminator", code)
	}
	for ii, operand := range operands {
		if operand == nil {
			exceptions.Panicf("tileir: %s operand #%d is nil", code, ii)
		}
	}
	op := &Op{Code: code, Data: data, Region: region, Operands: slices.Clone(operands), parent: b.block}
	for _, t := range resultTypes {
		op.Results = append(op.Results, &Value{typ: t, def: op})
	}
	if region != nil {
		region.parent = op
	}
	b.block.Ops = append(b.block.Ops, op)
	return op
}

func (b *Builder) emit1(code OpCode, data any, resultType Type, operands ...*Value) *Value {
	return b.emit(code, data, nil, []Type{resultType}, operands...).Result()
}

// ConstFloat creates a constant of a float scalar or tensor type, with every element set to value.
func (b *Builder) ConstFloat(t Type, value float64) *Value {
	if !shapes.IsFloat(t.DType) {
		exceptions.Panicf("tileir: ConstFloat of non-float type %s", t)
	}
	return b.emit1(OpConstant, ConstantData{Float: value}, t)
}

// ConstInt creates a constant of an integer scalar or tensor type, with every element set to value.
func (b *Builder) ConstInt(t Type, value int64) *Value {
	if !shapes.IsInteger(t.DType) {
		exceptions.Panicf("tileir: ConstInt of non-integer type %s", t)
	}
	return b.emit1(OpConstant, ConstantData{Int: value}, t)
}

// Const creates a constant of any element type: value is truncated for integer types.
func (b *Builder) Const(t Type, value float64) *Value {
	if shapes.IsFloat(t.DType) {
		return b.ConstFloat(t, value)
	}
	return b.ConstInt(t, int64(value))
}

// Splat creates a tensor of the given shape with every element set to the scalar x.
func (b *Builder) Splat(x *Value, shape []int) *Value {
	if !x.typ.IsScalar() {
		exceptions.Panicf("tileir: splat of non-scalar %s", x.typ)
	}
	return b.emit1(OpSplat, nil, TensorType(x.typ.DType, shape...), x)
}

// Broadcast expands the dimensions of size 1 of x to shape.
func (b *Builder) Broadcast(x *Value, shape []int) *Value {
	if !x.typ.IsTensor() || len(x.typ.Shape) != len(shape) {
		exceptions.Panicf("tileir: broadcast of %s to %v", x.typ, shape)
	}
	for ii, dim := range x.typ.Shape {
		if dim != 1 && dim != shape[ii] {
			exceptions.Panicf("tileir: broadcast of %s to %v", x.typ, shape)
		}
	}
	return b.emit1(OpBroadcast, nil, TensorType(x.typ.DType, shape...), x)
}

// ExpandDims inserts a dimension of size 1 at axis.
func (b *Builder) ExpandDims(x *Value, axis int) *Value {
	if !x.typ.IsTensor() || axis < 0 || axis > len(x.typ.Shape) {
		exceptions.Panicf("tileir: expand_dims of %s at axis %d", x.typ, axis)
	}
	shape := slices.Insert(slices.Clone(x.typ.Shape), axis, 1)
	return b.emit1(OpExpandDims, axis, TensorType(x.typ.DType, shape...), x)
}

// MakeRange creates the int32 tensor [start, start+1, ..., end-1].
func (b *Builder) MakeRange(start, end int32) *Value {
	if end <= start {
		exceptions.Panicf("tileir: empty range [%d, %d)", start, end)
	}
	return b.emit1(OpMakeRange, RangeData{Start: start, End: end}, TensorType(dtypes.Int32, int(end-start)))
}

// Binary creates an elementwise binary arithmetic op: both operands must have the same type.
func (b *Builder) Binary(code OpCode, lhs, rhs *Value) *Value {
	if code < OpAddF || code > OpXOrI {
		exceptions.Panicf("tileir: %s is not a binary arithmetic op", code)
	}
	if !lhs.typ.Equal(rhs.typ) {
		exceptions.Panicf("tileir: %s of mismatched types %s and %s", code, lhs.typ, rhs.typ)
	}
	return b.emit1(code, nil, lhs.typ, lhs, rhs)
}

// NegF negates a float value.
func (b *Builder) NegF(x *Value) *Value {
	return b.emit1(OpNegF, nil, x.typ, x)
}

// Cmp creates an OpCmpF or OpCmpI comparison, returning i1 values of the same shape.
func (b *Builder) Cmp(code OpCode, predicate CmpPredicate, lhs, rhs *Value) *Value {
	if code != OpCmpF && code != OpCmpI {
		exceptions.Panicf("tileir: %s is not a comparison", code)
	}
	if !lhs.typ.Equal(rhs.typ) {
		exceptions.Panicf("tileir: %s of mismatched types %s and %s", code, lhs.typ, rhs.typ)
	}
	return b.emit1(code, predicate, lhs.typ.WithDType(dtypes.Bool), lhs, rhs)
}

// Select returns onTrue where cond is set, onFalse elsewhere. cond is i1, either scalar or with
// the shape of the values.
func (b *Builder) Select(cond, onTrue, onFalse *Value) *Value {
	if !onTrue.typ.Equal(onFalse.typ) || cond.typ.DType != dtypes.Bool ||
		(!cond.typ.IsScalar() && !slices.Equal(cond.typ.Shape, onTrue.typ.Shape)) {
		exceptions.Panicf("tileir: select(%s, %s, %s) of incompatible types", cond.typ, onTrue.typ, onFalse.typ)
	}
	return b.emit1(OpSelect, nil, onTrue.typ, cond, onTrue, onFalse)
}

// Convert creates a conversion op (OpExtF ... OpFPToUI) of x to dtype.
func (b *Builder) Convert(code OpCode, x *Value, dtype dtypes.DType) *Value {
	if code < OpExtF || code > OpFPToUI {
		exceptions.Panicf("tileir: %s is not a conversion", code)
	}
	return b.emit1(code, nil, x.typ.WithDType(dtype), x)
}

// Bitcast reinterprets the bits of x as dtype, which must have the same bit width.
func (b *Builder) Bitcast(x *Value, dtype dtypes.DType) *Value {
	if shapes.BitWidth(x.typ.DType) != shapes.BitWidth(dtype) {
		exceptions.Panicf("tileir: bitcast of %s to %s changes the bit width", x.typ, ElementName(dtype))
	}
	return b.emit1(OpBitcast, nil, x.typ.WithDType(dtype), x)
}

// Math applies a math function elementwise.
func (b *Builder) Math(fn MathFn, operands ...*Value) *Value {
	if len(operands) != fn.Arity() {
		exceptions.Panicf("tileir: math.%s takes %d operands, %d given", fn, fn.Arity(), len(operands))
	}
	for _, operand := range operands[1:] {
		if !operand.typ.Equal(operands[0].typ) {
			exceptions.Panicf("tileir: math.%s of mismatched types", fn)
		}
	}
	return b.emit1(OpMath, fn, operands[0].typ, operands...)
}

// ExternElementwise calls an external device library function elementwise.
func (b *Builder) ExternElementwise(data ExternData, operands ...*Value) *Value {
	if len(operands) == 0 {
		exceptions.Panicf("tileir: extern_elementwise %s without operands", data.Symbol)
	}
	return b.emit1(OpExternElementwise, data, operands[0].typ, operands...)
}

// Reduce reduces x along axis. The combiner is called once, to build the reduction region.
func (b *Builder) Reduce(x *Value, axis int, combiner func(b *Builder, lhs, rhs *Value) *Value) *Value {
	if !x.typ.IsTensor() || axis < 0 || axis >= len(x.typ.Shape) {
		exceptions.Panicf("tileir: reduce of %s along axis %d", x.typ, axis)
	}
	scalar := ScalarType(x.typ.DType)
	region := newBlock(scalar, scalar)
	rb := NewBuilder(region)
	result := combiner(rb, region.Args[0], region.Args[1])
	if !result.typ.Equal(scalar) {
		exceptions.Panicf("tileir: reduce combiner returned %s, wanted %s", result.typ, scalar)
	}
	rb.emit(OpReduceReturn, nil, nil, nil, result)
	shape := slices.Delete(slices.Clone(x.typ.Shape), axis, axis+1)
	return b.emit(OpReduce, axis, region, []Type{TensorType(x.typ.DType, shape...)}, x).Result()
}

func checkMatrix(name string, v *Value) {
	if !v.typ.IsTensor() || len(v.typ.Shape) != 2 {
		exceptions.Panicf("tileir: dot %s must be a 2D tensor, got %s", name, v.typ)
	}
}

// Dot computes acc + a·b, with a of shape [M, K], b of shape [K, N] and acc of shape [M, N].
func (b *Builder) Dot(a, bMat, acc *Value, data DotData) *Value {
	checkMatrix("lhs", a)
	checkMatrix("rhs", bMat)
	checkMatrix("accumulator", acc)
	if a.typ.Shape[1] != bMat.typ.Shape[0] || acc.typ.Shape[0] != a.typ.Shape[0] || acc.typ.Shape[1] != bMat.typ.Shape[1] {
		exceptions.Panicf("tileir: dot of incompatible shapes %s x %s + %s", a.typ, bMat.typ, acc.typ)
	}
	return b.emit1(OpDot, data, acc.typ, a, bMat, acc)
}

// SparseDot computes acc + a·b where a holds 2 out of every 4 elements of the [M, K] lhs along
// K, with shape [M, K/2], and meta has the int16 selection metadata with shape [M, K/16]: each
// group of 4 elements of the lhs is described by 4 bits, two 2-bit indices.
func (b *Builder) SparseDot(a, bMat, acc, meta *Value) *Value {
	checkMatrix("lhs", a)
	checkMatrix("rhs", bMat)
	checkMatrix("accumulator", acc)
	checkMatrix("metadata", meta)
	k := bMat.typ.Shape[0]
	if 2*a.typ.Shape[1] != k || k%16 != 0 || meta.typ.Shape[1] != k/16 || meta.typ.Shape[0] != a.typ.Shape[0] ||
		acc.typ.Shape[0] != a.typ.Shape[0] || acc.typ.Shape[1] != bMat.typ.Shape[1] {
		exceptions.Panicf("tileir: sparse dot of incompatible shapes %s x %s + %s (meta %s)", a.typ, bMat.typ, acc.typ, meta.typ)
	}
	return b.emit1(OpSparseDot, nil, acc.typ, a, bMat, acc, meta)
}

// ProgramID returns the index of the program instance along the grid axis (0, 1 or 2), as int32.
func (b *Builder) ProgramID(axis int) *Value {
	if axis < 0 || axis > 2 {
		exceptions.Panicf("tileir: invalid program id axis %d", axis)
	}
	return b.emit1(OpGetProgramID, axis, ScalarType(dtypes.Int32))
}

// AddPtr offsets a pointer by a number of elements.
func (b *Builder) AddPtr(ptr, offset *Value) *Value {
	if ptr.typ.Kind != KindPointer || !offset.typ.IsScalar() || !shapes.IsInteger(offset.typ.DType) {
		exceptions.Panicf("tileir: addptr(%s, %s)", ptr.typ, offset.typ)
	}
	return b.emit1(OpAddPtr, nil, ptr.typ, ptr, offset)
}

// MakeTensorPtr creates a block pointer into the buffer at base, with the given shape and
// strides (int64 scalars), of a block of blockShape elements starting at offsets (int32 scalars).
// order lists the dimensions from the minor-most.
func (b *Builder) MakeTensorPtr(base *Value, shape, strides, offsets []*Value, blockShape, order []int) *Value {
	rank := len(blockShape)
	if base.typ.Kind != KindPointer || len(shape) != rank || len(strides) != rank || len(offsets) != rank || len(order) != rank {
		exceptions.Panicf("tileir: make_tensor_ptr with inconsistent ranks: base %s, %d shape, %d strides, %d offsets, block %v, order %v",
			base.typ, len(shape), len(strides), len(offsets), blockShape, order)
	}
	operands := []*Value{base}
	operands = append(operands, shape...)
	operands = append(operands, strides...)
	operands = append(operands, offsets...)
	return b.emit1(OpMakeTensorPtr, slices.Clone(order), BlockPointerType(base.typ.DType, blockShape...), operands...)
}

// Advance moves a block pointer by offsets (int32 scalars), one per dimension.
func (b *Builder) Advance(ptr *Value, offsets []*Value) *Value {
	if ptr.typ.Kind != KindBlockPointer || len(offsets) != len(ptr.typ.Shape) {
		exceptions.Panicf("tileir: advance of %s by %d offsets", ptr.typ, len(offsets))
	}
	return b.emit1(OpAdvance, nil, ptr.typ, append([]*Value{ptr}, offsets...)...)
}

func checkBoundaryDims(ptr *Value, boundaryCheck []int) {
	if ptr.typ.Kind == KindPointer && len(boundaryCheck) > 0 {
		exceptions.Panicf("tileir: boundary check on a scalar pointer")
	}
	for _, dim := range boundaryCheck {
		if dim < 0 || dim >= len(ptr.typ.Shape) {
			exceptions.Panicf("tileir: boundary check of dim %d of %s", dim, ptr.typ)
		}
	}
}

// Load reads a scalar from a pointer, or a tile from a block pointer.
func (b *Builder) Load(ptr *Value, boundaryCheck []int) *Value {
	checkBoundaryDims(ptr, boundaryCheck)
	var t Type
	switch ptr.typ.Kind {
	case KindPointer:
		t = ScalarType(ptr.typ.DType)
	case KindBlockPointer:
		t = TensorType(ptr.typ.DType, ptr.typ.Shape...)
	default:
		exceptions.Panicf("tileir: load from non-pointer %s", ptr.typ)
	}
	return b.emit1(OpLoad, MemoryData{BoundaryCheck: slices.Clone(boundaryCheck)}, t, ptr)
}

// Store writes a scalar to a pointer, or a tile to a block pointer.
func (b *Builder) Store(ptr, value *Value, boundaryCheck []int) {
	checkBoundaryDims(ptr, boundaryCheck)
	if !ptr.typ.IsPointer() || value.typ.DType != ptr.typ.DType || !slices.Equal(value.typ.Shape, ptr.typ.Shape) {
		exceptions.Panicf("tileir: store of %s to %s", value.typ, ptr.typ)
	}
	b.emit(OpStore, MemoryData{BoundaryCheck: slices.Clone(boundaryCheck)}, nil, nil, ptr, value)
}

// For creates a loop from lower (inclusive) to upper (exclusive) by step, carrying the values
// inits. body is called once to build the loop body: it receives the induction variable and the
// carried values and returns the values for the next iteration. For returns the final values.
func (b *Builder) For(lower, upper, step *Value, inits []*Value,
	body func(b *Builder, iv *Value, iterArgs []*Value) []*Value) []*Value {
	if !lower.typ.Equal(upper.typ) || !lower.typ.Equal(step.typ) || !lower.typ.IsScalar() {
		exceptions.Panicf("tileir: for loop bounds of types %s, %s, %s", lower.typ, upper.typ, step.typ)
	}
	argTypes := []Type{lower.typ}
	resultTypes := make([]Type, len(inits))
	for ii, init := range inits {
		argTypes = append(argTypes, init.typ)
		resultTypes[ii] = init.typ
	}
	region := newBlock(argTypes...)
	rb := NewBuilder(region)
	yielded := body(rb, region.Args[0], region.Args[1:])
	if len(yielded) != len(inits) {
		exceptions.Panicf("tileir: for body yielded %d values, %d are carried", len(yielded), len(inits))
	}
	for ii, v := range yielded {
		if !v.typ.Equal(resultTypes[ii]) {
			exceptions.Panicf("tileir: for body yielded %s for carried value #%d of type %s", v.typ, ii, resultTypes[ii])
		}
	}
	rb.emit(OpYield, nil, nil, nil, yielded...)
	operands := append([]*Value{lower, upper, step}, inits...)
	return b.emit(OpFor, nil, region, resultTypes, operands...).Results
}

// Return terminates the function body.
func (b *Builder) Return() {
	b.emit(OpReturn, nil, nil, nil)
}
