// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import "fmt"

// Opcode enumerates the operations an operator graph can hold.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpParameter
	OpConstant
	OpBroadcast
	OpReduce
	OpTranspose
	OpSlice
	OpPad
	OpConcatenate
	OpDot
	OpFusion
	OpBitcast
	OpReshape
	OpTuple

	// Unary elementwise.
	OpCopy
	OpConvert
	OpAbs
	OpNegate
	OpNot
	OpExp
	OpExpm1
	OpLog
	OpLog1p
	OpSqrt
	OpRsqrt
	OpCbrt
	OpSin
	OpCos
	OpTan
	OpTanh
	OpErf

	// Binary elementwise.
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpRemainder
	OpPower
	OpAtan2
	OpMaximum
	OpMinimum
	OpAnd
	OpOr
	OpXor
	OpCompare

	// Ternary elementwise.
	OpSelect

	opLast
)

var opcodeNames = [...]string{
	OpInvalid:     "invalid",
	OpParameter:   "parameter",
	OpConstant:    "constant",
	OpBroadcast:   "broadcast",
	OpReduce:      "reduce",
	OpTranspose:   "transpose",
	OpSlice:       "slice",
	OpPad:         "pad",
	OpConcatenate: "concatenate",
	OpDot:         "dot",
	OpFusion:      "fusion",
	OpBitcast:     "bitcast",
	OpReshape:     "reshape",
	OpTuple:       "tuple",
	OpCopy:        "copy",
	OpConvert:     "convert",
	OpAbs:         "abs",
	OpNegate:      "negate",
	OpNot:         "not",
	OpExp:         "exponential",
	OpExpm1:       "exponential-minus-one",
	OpLog:         "log",
	OpLog1p:       "log-plus-one",
	OpSqrt:        "sqrt",
	OpRsqrt:       "rsqrt",
	OpCbrt:        "cbrt",
	OpSin:         "sine",
	OpCos:         "cosine",
	OpTan:         "tan",
	OpTanh:        "tanh",
	OpErf:         "erf",
	OpAdd:         "add",
	OpSubtract:    "subtract",
	OpMultiply:    "multiply",
	OpDivide:      "divide",
	OpRemainder:   "remainder",
	OpPower:       "power",
	OpAtan2:       "atan2",
	OpMaximum:     "maximum",
	OpMinimum:     "minimum",
	OpAnd:         "and",
	OpOr:          "or",
	OpXor:         "xor",
	OpCompare:     "compare",
	OpSelect:      "select",
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	if op < 0 || op >= opLast {
		return fmt.Sprintf("Opcode(%d)", int(op))
	}
	return opcodeNames[op]
}

// IsElementwise returns whether the opcode is applied independently to each element.
func (op Opcode) IsElementwise() bool {
	return op >= OpCopy && op <= OpSelect
}

// Arity returns the number of operands of an elementwise opcode, or -1 for other opcodes.
func (op Opcode) Arity() int {
	switch {
	case op >= OpCopy && op <= OpErf:
		return 1
	case op >= OpAdd && op <= OpCompare:
		return 2
	case op == OpSelect:
		return 3
	default:
		return -1
	}
}

// ComparisonDirection of an OpCompare node.
type ComparisonDirection int

const (
	CompareEQ ComparisonDirection = iota
	CompareNE
	CompareGE
	CompareGT
	CompareLE
	CompareLT
)

// String implements fmt.Stringer.
func (d ComparisonDirection) String() string {
	switch d {
	case CompareEQ:
		return "EQ"
	case CompareNE:
		return "NE"
	case CompareGE:
		return "GE"
	case CompareGT:
		return "GT"
	case CompareLE:
		return "LE"
	case CompareLT:
		return "LT"
	}
	return fmt.Sprintf("ComparisonDirection(%d)", int(d))
}
