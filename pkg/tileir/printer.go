// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileir

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilefusion/pkg/shapes"
)

type printer struct {
	sb    strings.Builder
	names map[*Value]string
	next  int
}

func (p *printer) name(v *Value) string {
	if name, found := p.names[v]; found {
		return name
	}
	return "%<undefined>"
}

func (p *printer) define(v *Value, prefix string) string {
	var name string
	if prefix == "" {
		name = fmt.Sprintf("%%%d", p.next)
	} else {
		name = fmt.Sprintf("%%%s%d", prefix, p.next)
	}
	p.next++
	p.names[v] = name
	return name
}

func (p *printer) names2(values []*Value) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = p.name(v)
	}
	return strings.Join(parts, ", ")
}

func (p *printer) indent(depth int) {
	p.sb.WriteString(strings.Repeat("  ", depth))
}

// String prints the module in an MLIR-like textual form.
func (m *Module) String() string {
	p := &printer{names: make(map[*Value]string)}
	p.sb.WriteString("module {\n")
	for _, fn := range m.Functions {
		p.function(fn)
	}
	p.sb.WriteString("}\n")
	return p.sb.String()
}

// String prints the function in an MLIR-like textual form.
func (f *Function) String() string {
	p := &printer{names: make(map[*Value]string)}
	p.function(f)
	return p.sb.String()
}

func (p *printer) function(fn *Function) {
	p.indent(1)
	fmt.Fprintf(&p.sb, "tt.func @%s(", fn.Name)
	for ii, arg := range fn.Args() {
		if ii > 0 {
			p.sb.WriteString(", ")
		}
		name := fmt.Sprintf("%%arg%d", ii)
		p.names[arg] = name
		fmt.Fprintf(&p.sb, "%s: %s", name, arg.typ)
		if fn.ArgAttrs[ii].Divisibility > 0 {
			fmt.Fprintf(&p.sb, " {tt.divisibility = %d : i32}", fn.ArgAttrs[ii].Divisibility)
		}
	}
	p.sb.WriteString(") {\n")
	p.block(fn.Body, 2)
	p.indent(1)
	p.sb.WriteString("}\n")
}

func (p *printer) block(block *Block, depth int) {
	for _, op := range block.Ops {
		p.op(op, depth)
	}
}

var gridAxes = []string{"x", "y", "z"}

func (p *printer) op(op *Op, depth int) {
	p.indent(depth)
	var results []string
	for _, result := range op.Results {
		results = append(results, p.define(result, ""))
	}
	if len(results) > 0 {
		p.sb.WriteString(strings.Join(results, ", "))
		p.sb.WriteString(" = ")
	}
	operands := p.names2(op.Operands)
	switch op.Code {
	case OpConstant:
		data := op.Data.(ConstantData)
		if shapes.IsFloat(op.Result().typ.DType) {
			fmt.Fprintf(&p.sb, "%s %g : %s\n", op.Code, data.Float, op.Result().typ)
		} else {
			fmt.Fprintf(&p.sb, "%s %d : %s\n", op.Code, data.Int, op.Result().typ)
		}
	case OpMakeRange:
		data := op.Data.(RangeData)
		fmt.Fprintf(&p.sb, "%s {end = %d : i32, start = %d : i32} : %s\n", op.Code, data.End, data.Start, op.Result().typ)
	case OpGetProgramID:
		fmt.Fprintf(&p.sb, "%s %s : %s\n", op.Code, gridAxes[op.Data.(int)], op.Result().typ)
	case OpExpandDims:
		fmt.Fprintf(&p.sb, "%s %s {axis = %d : i32} : %s -> %s\n", op.Code, operands, op.Data.(int), op.Operands[0].typ, op.Result().typ)
	case OpCmpF, OpCmpI:
		fmt.Fprintf(&p.sb, "%s %s, %s : %s\n", op.Code, op.Data.(CmpPredicate), operands, op.Operands[0].typ)
	case OpMath:
		fmt.Fprintf(&p.sb, "math.%s %s : %s\n", op.Data.(MathFn), operands, op.Result().typ)
	case OpExternElementwise:
		data := op.Data.(ExternData)
		fmt.Fprintf(&p.sb, "%s %s {libname = %q, libpath = %q, pure = %t, symbol = %q} : %s\n",
			op.Code, operands, data.LibName, data.LibPath, data.Pure, data.Symbol, op.Result().typ)
	case OpDot:
		data := op.Data.(DotData)
		fmt.Fprintf(&p.sb, "%s %s, inputPrecision = %s : %s * %s -> %s\n",
			op.Code, operands, data.InputPrecision, op.Operands[0].typ, op.Operands[1].typ, op.Result().typ)
	case OpReduce:
		region := op.Region
		fmt.Fprintf(&p.sb, "%s(%s) <{axis = %d : i32}> ({\n", op.Code, operands, op.Data.(int))
		p.indent(depth + 1)
		fmt.Fprintf(&p.sb, "^bb0(%s: %s, %s: %s):\n", p.define(region.Args[0], "a"), region.Args[0].typ,
			p.define(region.Args[1], "a"), region.Args[1].typ)
		p.block(region, depth+2)
		p.indent(depth)
		fmt.Fprintf(&p.sb, "}) : (%s) -> %s\n", op.Operands[0].typ, op.Result().typ)
	case OpFor:
		region := op.Region
		fmt.Fprintf(&p.sb, "%s %s = %s to %s step %s", op.Code, p.define(region.Args[0], "iv"),
			p.name(op.Operands[0]), p.name(op.Operands[1]), p.name(op.Operands[2]))
		if len(op.Results) > 0 {
			p.sb.WriteString(" iter_args(")
			for ii, arg := range region.Args[1:] {
				if ii > 0 {
					p.sb.WriteString(", ")
				}
				fmt.Fprintf(&p.sb, "%s = %s", p.define(arg, "it"), p.name(op.Operands[3+ii]))
			}
			p.sb.WriteString(") -> (")
			for ii, result := range op.Results {
				if ii > 0 {
					p.sb.WriteString(", ")
				}
				p.sb.WriteString(result.typ.String())
			}
			p.sb.WriteString(")")
		}
		p.sb.WriteString(" {\n")
		p.block(region, depth+1)
		p.indent(depth)
		p.sb.WriteString("}\n")
	case OpLoad, OpStore:
		data := op.Data.(MemoryData)
		fmt.Fprintf(&p.sb, "%s %s", op.Code, operands)
		if len(data.BoundaryCheck) > 0 {
			fmt.Fprintf(&p.sb, " {boundaryCheck = array<i32: %s>, padding = zero}", intsString(data.BoundaryCheck))
		}
		fmt.Fprintf(&p.sb, " : %s\n", op.Operands[0].typ)
	case OpMakeTensorPtr:
		rank := (len(op.Operands) - 1) / 3
		fmt.Fprintf(&p.sb, "%s %s, [%s], [%s], [%s] {order = array<i32: %s>} : %s\n", op.Code,
			p.name(op.Operands[0]), p.names2(op.Operands[1:1+rank]), p.names2(op.Operands[1+rank:1+2*rank]),
			p.names2(op.Operands[1+2*rank:]), intsString(op.Data.([]int)), op.Result().typ)
	case OpYield, OpReduceReturn, OpReturn:
		p.sb.WriteString(op.Code.String())
		if len(op.Operands) > 0 {
			fmt.Fprintf(&p.sb, " %s :", operands)
			for ii, operand := range op.Operands {
				if ii > 0 {
					p.sb.WriteString(",")
				}
				fmt.Fprintf(&p.sb, " %s", operand.typ)
			}
		}
		p.sb.WriteString("\n")
	default:
		fmt.Fprintf(&p.sb, "%s %s", op.Code, operands)
		if len(op.Results) > 0 {
			if len(op.Operands) > 0 && !op.Operands[0].typ.Equal(op.Result().typ) {
				fmt.Fprintf(&p.sb, " : %s -> %s", op.Operands[0].typ, op.Result().typ)
			} else {
				fmt.Fprintf(&p.sb, " : %s", op.Result().typ)
			}
		}
		p.sb.WriteString("\n")
	}
}

func intsString(values []int) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
