// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
)

// checkElementType fails for the element types the emitter can't handle.
func checkElementType(dtype dtypes.DType) dtypes.DType {
	switch dtype {
	case dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int64, dtypes.Int32, dtypes.Int16, dtypes.Int8, dtypes.Bool:
		return dtype
	}
	failf(ErrUnsupported, "element type %s not supported yet", dtype)
	return dtypes.InvalidDType
}

// storageType returns the element type used in memory: booleans are stored as bytes.
func storageType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.Bool {
		return dtypes.Int8
	}
	return dtype
}

func elementType(v *tileir.Value) dtypes.DType { return v.Type().DType }

func isFloatValue(v *tileir.Value) bool { return shapes.IsFloat(elementType(v)) }

func zerosLike(b *tileir.Builder, v *tileir.Value) *tileir.Value {
	return b.Const(v.Type(), 0)
}

// allOnesLike returns a value of the type of v with every bit set.
func allOnesLike(b *tileir.Builder, v *tileir.Value) *tileir.Value {
	if elementType(v) == dtypes.Bool {
		return b.ConstInt(v.Type(), 1)
	}
	return b.ConstInt(v.Type(), -1)
}

// cast converts v (scalar or tensor) to the element type dst.
func cast(b *tileir.Builder, v *tileir.Value, dst dtypes.DType) *tileir.Value {
	src := elementType(v)
	if src == dst {
		return v
	}

	// bf16 arithmetic goes through f32.
	if src == dtypes.BFloat16 {
		return cast(b, b.Convert(tileir.OpExtF, v, dtypes.Float32), dst)
	}
	if dst == dtypes.BFloat16 && src != dtypes.Int8 {
		return b.Convert(tileir.OpTruncF, cast(b, v, dtypes.Float32), dst)
	}

	srcFloat, dstFloat := shapes.IsFloat(src), shapes.IsFloat(dst)
	srcInt, dstInt := shapes.IsInteger(src), shapes.IsInteger(dst)
	switch {
	case srcFloat && dstFloat:
		if shapes.MantissaBits(src) > shapes.MantissaBits(dst) {
			return b.Convert(tileir.OpTruncF, v, dst)
		}
		return b.Convert(tileir.OpExtF, v, dst)

	case srcInt && dstInt:
		if shapes.BitWidth(src) < shapes.BitWidth(dst) {
			if src == dtypes.Bool {
				return b.Convert(tileir.OpExtUI, v, dst)
			}
			return b.Convert(tileir.OpExtSI, v, dst)
		}
		return b.Convert(tileir.OpTruncI, v, dst)

	case srcInt && dstFloat:
		if src == dtypes.Bool {
			return b.Convert(tileir.OpUIToFP, v, dst)
		}
		return b.Convert(tileir.OpSIToFP, v, dst)

	case srcFloat && dstInt:
		if dst == dtypes.Bool {
			return b.Cmp(tileir.OpCmpF, tileir.CmpUNE, v, zerosLike(b, v))
		}
		return b.Convert(tileir.OpFPToSI, v, dst)
	}
	failf(ErrUnsupported, "type conversion %s -> %s not supported", src, dst)
	return nil
}

// compare emits the comparison of lhs and rhs. Integer comparisons are signed, except for
// booleans. The float not-equal is unordered.
func compare(b *tileir.Builder, direction hlo.ComparisonDirection, lhs, rhs *tileir.Value) *tileir.Value {
	if isFloatValue(lhs) {
		predicates := map[hlo.ComparisonDirection]tileir.CmpPredicate{
			hlo.CompareEQ: tileir.CmpEQ, hlo.CompareNE: tileir.CmpUNE,
			hlo.CompareLT: tileir.CmpLT, hlo.CompareLE: tileir.CmpLE,
			hlo.CompareGT: tileir.CmpGT, hlo.CompareGE: tileir.CmpGE,
		}
		return b.Cmp(tileir.OpCmpF, predicates[direction], lhs, rhs)
	}
	predicates := map[hlo.ComparisonDirection]tileir.CmpPredicate{
		hlo.CompareEQ: tileir.CmpEQ, hlo.CompareNE: tileir.CmpNE,
		hlo.CompareLT: tileir.CmpLT, hlo.CompareLE: tileir.CmpLE,
		hlo.CompareGT: tileir.CmpGT, hlo.CompareGE: tileir.CmpGE,
	}
	if elementType(lhs) == dtypes.Bool {
		predicates[hlo.CompareLT] = tileir.CmpULT
		predicates[hlo.CompareLE] = tileir.CmpULE
		predicates[hlo.CompareGT] = tileir.CmpUGT
		predicates[hlo.CompareGE] = tileir.CmpUGE
	}
	return b.Cmp(tileir.OpCmpI, predicates[direction], lhs, rhs)
}

// maxOrMin emits the NaN-propagating maximum (or minimum) of lhs and rhs.
func maxOrMin(b *tileir.Builder, isMax bool, lhs, rhs *tileir.Value) *tileir.Value {
	if isFloatValue(lhs) {
		if isMax {
			return b.Binary(tileir.OpMaximumF, lhs, rhs)
		}
		return b.Binary(tileir.OpMinimumF, lhs, rhs)
	}
	direction := hlo.CompareLE
	if isMax {
		direction = hlo.CompareGE
	}
	return b.Select(compare(b, direction, lhs, rhs), lhs, rhs)
}

// deviceFunctions maps the opcodes computed by the device math library to their base name.
var deviceFunctions = map[hlo.Opcode]string{
	hlo.OpAtan2:     "atan2",
	hlo.OpCos:       "cos",
	hlo.OpExp:       "exp",
	hlo.OpExpm1:     "expm1",
	hlo.OpRemainder: "fmod",
	hlo.OpLog:       "log",
	hlo.OpLog1p:     "log1p",
	hlo.OpPower:     "pow",
	hlo.OpRsqrt:     "rsqrt",
	hlo.OpSin:       "sin",
	hlo.OpSqrt:      "sqrt",
	hlo.OpTan:       "tan",
	hlo.OpTanh:      "tanh",
	hlo.OpCbrt:      "cbrt",
	hlo.OpErf:       "erf",
}

// deviceFunctionName returns the device library symbol of the opcode for f32 or f64 operands.
func deviceFunctionName(opcode hlo.Opcode, dtype dtypes.DType, vendor Vendor) (string, bool) {
	name, found := deviceFunctions[opcode]
	if !found || (dtype != dtypes.Float32 && dtype != dtypes.Float64) {
		return "", false
	}
	if vendor == VendorROCm {
		return fmt.Sprintf("__ocml_%s_f%d", name, shapes.BitWidth(dtype)), true
	}
	if dtype == dtypes.Float32 {
		return "__nv_" + name + "f", true
	}
	return "__nv_" + name, true
}

// emitElementwise emits an elementwise node over the tiles of its operands.
func (e *fusionEmitter) emitElementwise(node *hlo.Node, inputs []*tileir.Value) *tileir.Value {
	b := e.b
	if symbol, found := deviceFunctionName(node.Opcode(), elementType(inputs[0]), e.device.Vendor); found {
		return b.ExternElementwise(tileir.ExternData{
			LibName: "libdevice",
			LibPath: e.libdevicePath,
			Symbol:  symbol,
			Pure:    true,
		}, inputs...)
	}

	isInteger := !isFloatValue(inputs[0])
	switch node.Opcode() {
	case hlo.OpCopy:
		// Layout changes are handled by the block pointers.
		return inputs[0]
	case hlo.OpAbs:
		if isInteger {
			return b.Math(tileir.MathAbsI, inputs[0])
		}
		return b.Math(tileir.MathAbsF, inputs[0])
	case hlo.OpNot:
		return b.Binary(tileir.OpXOrI, inputs[0], allOnesLike(b, inputs[0]))
	case hlo.OpNegate:
		if isInteger {
			return b.Binary(tileir.OpSubI, zerosLike(b, inputs[0]), inputs[0])
		}
		return b.Binary(tileir.OpSubF, zerosLike(b, inputs[0]), inputs[0])
	case hlo.OpConvert:
		return cast(b, inputs[0], checkElementType(node.Shape().DType))
	case hlo.OpAdd:
		if isInteger {
			return b.Binary(tileir.OpAddI, inputs[0], inputs[1])
		}
		return b.Binary(tileir.OpAddF, inputs[0], inputs[1])
	case hlo.OpSubtract:
		if isInteger {
			return b.Binary(tileir.OpSubI, inputs[0], inputs[1])
		}
		return b.Binary(tileir.OpSubF, inputs[0], inputs[1])
	case hlo.OpMultiply:
		if isInteger {
			return b.Binary(tileir.OpMulI, inputs[0], inputs[1])
		}
		return b.Binary(tileir.OpMulF, inputs[0], inputs[1])
	case hlo.OpMaximum:
		return maxOrMin(b, true, inputs[0], inputs[1])
	case hlo.OpMinimum:
		return maxOrMin(b, false, inputs[0], inputs[1])
	case hlo.OpAnd:
		return b.Binary(tileir.OpAndI, inputs[0], inputs[1])
	case hlo.OpOr:
		return b.Binary(tileir.OpOrI, inputs[0], inputs[1])
	case hlo.OpXor:
		return b.Binary(tileir.OpXOrI, inputs[0], inputs[1])
	case hlo.OpDivide:
		if isInteger {
			return b.Binary(tileir.OpDivSI, inputs[0], inputs[1])
		}
		return b.Binary(tileir.OpDivF, inputs[0], inputs[1])
	case hlo.OpRemainder:
		if isInteger {
			return b.Binary(tileir.OpRemSI, inputs[0], inputs[1])
		}
	case hlo.OpCompare:
		return compare(b, node.ComparisonDirection(), inputs[0], inputs[1])
	case hlo.OpSelect:
		pred := compare(b, hlo.CompareNE, inputs[0], zerosLike(b, inputs[0]))
		return b.Select(pred, inputs[1], inputs[2])
	}
	failf(ErrUnsupported, "unsupported elementwise operation %s", node)
	return nil
}
