// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileir

import (
	"github.com/gomlx/exceptions"
)

// OpCode of an Op.
type OpCode int

const (
	OpInvalid OpCode = iota

	// Constants and tensor construction.
	OpConstant
	OpSplat
	OpBroadcast
	OpExpandDims
	OpMakeRange

	// Integer and float arithmetic.
	OpAddF
	OpAddI
	OpSubF
	OpSubI
	OpMulF
	OpMulI
	OpDivF
	OpDivSI
	OpDivUI
	OpRemF
	OpRemSI
	OpRemUI
	OpMaximumF
	OpMinimumF
	OpMaxSI
	OpMinSI
	OpMaxUI
	OpMinUI
	OpAndI
	OpOrI
	OpXOrI
	OpNegF
	OpCmpF
	OpCmpI
	OpSelect

	// Conversions.
	OpExtF
	OpTruncF
	OpExtSI
	OpExtUI
	OpTruncI
	OpSIToFP
	OpUIToFP
	OpFPToSI
	OpFPToUI
	OpBitcast

	// Math functions.
	OpMath
	OpExternElementwise

	// Tensor operations.
	OpReduce
	OpReduceReturn
	OpDot
	OpSparseDot

	// Memory and program.
	OpGetProgramID
	OpAddPtr
	OpMakeTensorPtr
	OpAdvance
	OpLoad
	OpStore

	// Control flow.
	OpFor
	OpYield
	OpReturn

	opLast
)

var opCodeNames = [...]string{
	OpInvalid:           "invalid",
	OpConstant:          "arith.constant",
	OpSplat:             "tt.splat",
	OpBroadcast:         "tt.broadcast",
	OpExpandDims:        "tt.expand_dims",
	OpMakeRange:         "tt.make_range",
	OpAddF:              "arith.addf",
	OpAddI:              "arith.addi",
	OpSubF:              "arith.subf",
	OpSubI:              "arith.subi",
	OpMulF:              "arith.mulf",
	OpMulI:              "arith.muli",
	OpDivF:              "arith.divf",
	OpDivSI:             "arith.divsi",
	OpDivUI:             "arith.divui",
	OpRemF:              "arith.remf",
	OpRemSI:             "arith.remsi",
	OpRemUI:             "arith.remui",
	OpMaximumF:          "arith.maximumf",
	OpMinimumF:          "arith.minimumf",
	OpMaxSI:             "arith.maxsi",
	OpMinSI:             "arith.minsi",
	OpMaxUI:             "arith.maxui",
	OpMinUI:             "arith.minui",
	OpAndI:              "arith.andi",
	OpOrI:               "arith.ori",
	OpXOrI:              "arith.xori",
	OpNegF:              "arith.negf",
	OpCmpF:              "arith.cmpf",
	OpCmpI:              "arith.cmpi",
	OpSelect:            "arith.select",
	OpExtF:              "arith.extf",
	OpTruncF:            "arith.truncf",
	OpExtSI:             "arith.extsi",
	OpExtUI:             "arith.extui",
	OpTruncI:            "arith.trunci",
	OpSIToFP:            "arith.sitofp",
	OpUIToFP:            "arith.uitofp",
	OpFPToSI:            "arith.fptosi",
	OpFPToUI:            "arith.fptoui",
	OpBitcast:           "tt.bitcast",
	OpMath:              "math",
	OpExternElementwise: "tt.extern_elementwise",
	OpReduce:            "tt.reduce",
	OpReduceReturn:      "tt.reduce.return",
	OpDot:               "tt.dot",
	OpSparseDot:         "triton_gpu.sparse_dot",
	OpGetProgramID:      "tt.get_program_id",
	OpAddPtr:            "tt.addptr",
	OpMakeTensorPtr:     "tt.make_tensor_ptr",
	OpAdvance:           "tt.advance",
	OpLoad:              "tt.load",
	OpStore:             "tt.store",
	OpFor:               "scf.for",
	OpYield:             "scf.yield",
	OpReturn:            "tt.return",
}

// String returns the MLIR-like name of the operation.
func (op OpCode) String() string {
	if op < 0 || op >= opLast {
		return "unknown"
	}
	return opCodeNames[op]
}

// IsTerminator returns whether the op ends a block.
func (op OpCode) IsTerminator() bool {
	return op == OpYield || op == OpReturn || op == OpReduceReturn
}

// CmpPredicate of OpCmpF and OpCmpI. Float predicates are the ordered ones, except UNE.
type CmpPredicate int

const (
	CmpEQ CmpPredicate = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
	// CmpUNE is the unordered not-equal for floats: true if either operand is NaN.
	CmpUNE
	// CmpULT, CmpULE, CmpUGT, CmpUGE are unsigned integer comparisons.
	CmpULT
	CmpULE
	CmpUGT
	CmpUGE
)

var cmpNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge", "une", "ult", "ule", "ugt", "uge"}

// String implements fmt.Stringer.
func (p CmpPredicate) String() string {
	if p < 0 || int(p) >= len(cmpNames) {
		return "unknown"
	}
	return cmpNames[p]
}

// MathFn selects the function of an OpMath.
type MathFn int

const (
	MathAbsF MathFn = iota
	MathAbsI
	MathExp
	MathExpm1
	MathLog
	MathLog1p
	MathSqrt
	MathRsqrt
	MathCbrt
	MathSin
	MathCos
	MathTan
	MathTanh
	MathErf
	MathPowF
	MathAtan2
)

var mathNames = [...]string{"absf", "absi", "exp", "expm1", "log", "log1p", "sqrt", "rsqrt", "cbrt",
	"sin", "cos", "tan", "tanh", "erf", "powf", "atan2"}

// String implements fmt.Stringer.
func (fn MathFn) String() string {
	if fn < 0 || int(fn) >= len(mathNames) {
		return "unknown"
	}
	return mathNames[fn]
}

// Arity returns the number of operands of the function.
func (fn MathFn) Arity() int {
	if fn == MathPowF || fn == MathAtan2 {
		return 2
	}
	return 1
}

// InputPrecision of a dot.
type InputPrecision int

const (
	// PrecisionIEEE multiplies the inputs in their own type.
	PrecisionIEEE InputPrecision = iota
	// PrecisionTF32 rounds float32 inputs to tensor-float-32 (10 bits of mantissa) first.
	PrecisionTF32
)

// String implements fmt.Stringer.
func (p InputPrecision) String() string {
	if p == PrecisionTF32 {
		return "tf32"
	}
	return "ieee"
}

// ConstantData is the Op.Data of OpConstant: Float is used for float types, Int otherwise.
type ConstantData struct {
	Float float64
	Int   int64
}

// RangeData is the Op.Data of OpMakeRange: the half-open [Start, End) interval.
type RangeData struct {
	Start, End int32
}

// ExternData is the Op.Data of OpExternElementwise.
type ExternData struct {
	LibName, LibPath, Symbol string
	Pure                     bool
}

// DotData is the Op.Data of OpDot.
type DotData struct {
	InputPrecision     InputPrecision
	MaxNumImpreciseAcc int
}

// MemoryData is the Op.Data of OpLoad and OpStore: the block pointer dimensions whose bounds are
// checked. Out-of-bounds elements are read as zero and not written.
type MemoryData struct {
	BoundaryCheck []int
}

// Value is the result of an Op or the argument of a Block.
type Value struct {
	typ Type
	// def is the op producing the value, nil for block arguments.
	def *Op
	// owner is the block of which the value is an argument, nil for op results.
	owner    *Block
	argIndex int
}

// Type of the value.
func (v *Value) Type() Type { return v.typ }

// DefiningOp returns the op producing the value, or nil for block arguments.
func (v *Value) DefiningOp() *Op { return v.def }

// Op is one operation of a Block.
type Op struct {
	Code     OpCode
	Operands []*Value
	Results  []*Value
	// Data holds op specific attributes: CmpPredicate, MathFn, ConstantData, RangeData, ExternData,
	// DotData, MemoryData, or an int (axis) for OpExpandDims, OpReduce and OpGetProgramID,
	// and a []int (dimension order) for OpMakeTensorPtr.
	Data any
	// Region is the body of OpReduce and OpFor.
	Region *Block

	parent *Block
}

// Result returns the single result of the op.
func (op *Op) Result() *Value {
	if len(op.Results) != 1 {
		exceptions.Panicf("tileir: %s has %d results", op.Code, len(op.Results))
	}
	return op.Results[0]
}

// Parent returns the block holding the op.
func (op *Op) Parent() *Block { return op.parent }

// Block is a sequence of ops with arguments.
type Block struct {
	Args []*Value
	Ops  []*Op

	parent *Op
}

func newBlock(argTypes ...Type) *Block {
	block := &Block{}
	for ii, t := range argTypes {
		block.Args = append(block.Args, &Value{typ: t, owner: block, argIndex: ii})
	}
	return block
}

// Terminator returns the last op if it's a terminator, or nil.
func (b *Block) Terminator() *Op {
	if len(b.Ops) == 0 || !b.Ops[len(b.Ops)-1].Code.IsTerminator() {
		return nil
	}
	return b.Ops[len(b.Ops)-1]
}

// Walk calls fn for every op of the block, recursively for regions, in program order.
func (b *Block) Walk(fn func(op *Op)) {
	for _, op := range b.Ops {
		fn(op)
		if op.Region != nil {
			op.Region.Walk(fn)
		}
	}
}

// ArgAttributes of a function argument.
type ArgAttributes struct {
	// Divisibility, if > 0, asserts the pointer is aligned to that many bytes.
	Divisibility int
}

// Function is a kernel: its arguments are the pointers to the buffers it reads and writes.
type Function struct {
	Name     string
	ArgAttrs []ArgAttributes
	Body     *Block
}

// Args returns the function arguments.
func (f *Function) Args() []*Value { return f.Body.Args }

// Arg returns the i-th function argument.
func (f *Function) Arg(i int) *Value { return f.Body.Args[i] }

// Module holds kernel functions.
type Module struct {
	Functions []*Function
}

// NewModule creates an empty module.
func NewModule() *Module { return &Module{} }

// AddFunction creates a new function with the given argument types, and an empty body.
func (m *Module) AddFunction(name string, argTypes ...Type) *Function {
	fn := &Function{Name: name, Body: newBlock(argTypes...), ArgAttrs: make([]ArgAttributes, len(argTypes))}
	m.Functions = append(m.Functions, fn)
	return fn
}

// Function returns the function with the given name, or nil.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// FindOps returns all ops with the given code, in program order, including nested regions.
func (f *Function) FindOps(code OpCode) []*Op {
	var ops []*Op
	f.Body.Walk(func(op *Op) {
		if op.Code == code {
			ops = append(ops, op)
		}
	})
	return ops
}
