// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func convert(code tileir.OpCode, x *tile, to tileir.Type) *tile {
	t := newTileOfType(to)
	for ii := range t.size() {
		switch code {
		case tileir.OpExtF, tileir.OpTruncF:
			t.setFloat(ii, x.f[ii])
		case tileir.OpExtSI, tileir.OpTruncI:
			t.setInt(ii, signedValue(x.dtype, x.i[ii]))
		case tileir.OpExtUI:
			t.setInt(ii, int64(unsignedBits(x.dtype, x.i[ii])))
		case tileir.OpSIToFP:
			t.setFloat(ii, float64(signedValue(x.dtype, x.i[ii])))
		case tileir.OpUIToFP:
			t.setFloat(ii, float64(unsignedBits(x.dtype, x.i[ii])))
		case tileir.OpFPToSI, tileir.OpFPToUI:
			v := x.f[ii]
			if math.IsNaN(v) {
				v = 0
			}
			t.setInt(ii, int64(math.Trunc(v)))
		}
	}
	return t
}

// bitcast reinterprets the bits of float or integer elements.
func bitcast(x *tile, to tileir.Type) *tile {
	t := newTileOfType(to)
	for ii := range t.size() {
		var bits uint64
		if x.isFloat() {
			v := x.f[ii]
			switch x.dtype {
			case dtypes.Float16:
				bits = uint64(float16.Fromfloat32(float32(v)))
			case dtypes.BFloat16:
				bits = uint64(bfloat16.FromFloat32(float32(v)))
			case dtypes.Float32:
				bits = uint64(math.Float32bits(float32(v)))
			default:
				bits = math.Float64bits(v)
			}
		} else {
			bits = unsignedBits(x.dtype, x.i[ii])
		}
		if !t.isFloat() {
			t.setInt(ii, int64(bits))
			continue
		}
		switch t.dtype {
		case dtypes.Float16:
			t.f[ii] = float64(float16.Float16(bits).Float32())
		case dtypes.BFloat16:
			t.f[ii] = float64(bfloat16.BFloat16(bits).Float32())
		case dtypes.Float32:
			t.f[ii] = float64(math.Float32frombits(uint32(bits)))
		default:
			t.f[ii] = math.Float64frombits(bits)
		}
	}
	return t
}

var mathFunctions = map[tileir.MathFn]func(args ...float64) float64{
	tileir.MathAbsF:  func(args ...float64) float64 { return math.Abs(args[0]) },
	tileir.MathAbsI:  nil,
	tileir.MathExp:   func(args ...float64) float64 { return math.Exp(args[0]) },
	tileir.MathExpm1: func(args ...float64) float64 { return math.Expm1(args[0]) },
	tileir.MathLog:   func(args ...float64) float64 { return math.Log(args[0]) },
	tileir.MathLog1p: func(args ...float64) float64 { return math.Log1p(args[0]) },
	tileir.MathSqrt:  func(args ...float64) float64 { return math.Sqrt(args[0]) },
	tileir.MathRsqrt: func(args ...float64) float64 { return 1 / math.Sqrt(args[0]) },
	tileir.MathCbrt:  func(args ...float64) float64 { return math.Cbrt(args[0]) },
	tileir.MathSin:   func(args ...float64) float64 { return math.Sin(args[0]) },
	tileir.MathCos:   func(args ...float64) float64 { return math.Cos(args[0]) },
	tileir.MathTan:   func(args ...float64) float64 { return math.Tan(args[0]) },
	tileir.MathTanh:  func(args ...float64) float64 { return math.Tanh(args[0]) },
	tileir.MathErf:   func(args ...float64) float64 { return math.Erf(args[0]) },
	tileir.MathPowF:  func(args ...float64) float64 { return math.Pow(args[0], args[1]) },
	tileir.MathAtan2: func(args ...float64) float64 { return math.Atan2(args[0], args[1]) },
}

// externFunctions maps the base names of device library functions.
var externFunctions = map[string]func(args ...float64) float64{
	"exp":   mathFunctions[tileir.MathExp],
	"expm1": mathFunctions[tileir.MathExpm1],
	"log":   mathFunctions[tileir.MathLog],
	"log1p": mathFunctions[tileir.MathLog1p],
	"sqrt":  mathFunctions[tileir.MathSqrt],
	"rsqrt": mathFunctions[tileir.MathRsqrt],
	"cbrt":  mathFunctions[tileir.MathCbrt],
	"sin":   mathFunctions[tileir.MathSin],
	"cos":   mathFunctions[tileir.MathCos],
	"tan":   mathFunctions[tileir.MathTan],
	"tanh":  mathFunctions[tileir.MathTanh],
	"erf":   mathFunctions[tileir.MathErf],
	"pow":   mathFunctions[tileir.MathPowF],
	"atan2": mathFunctions[tileir.MathAtan2],
	"fabs":  mathFunctions[tileir.MathAbsF],
	"fmod":  func(args ...float64) float64 { return math.Mod(args[0], args[1]) },
}

// externFunction resolves a CUDA libdevice ("__nv_expf", "__nv_exp") or ROCm device library
// ("__ocml_exp_f32") symbol.
func externFunction(symbol string) (func(args ...float64) float64, error) {
	var name string
	switch {
	case strings.HasPrefix(symbol, "__nv_"):
		name = strings.TrimPrefix(symbol, "__nv_")
		if _, found := externFunctions[name]; !found {
			name = strings.TrimSuffix(name, "f")
		}
	case strings.HasPrefix(symbol, "__ocml_"):
		name = strings.TrimPrefix(symbol, "__ocml_")
		name = strings.TrimSuffix(strings.TrimSuffix(name, "_f32"), "_f64")
	}
	fn, found := externFunctions[name]
	if !found {
		return nil, errors.Errorf("interpreter: unknown device library function %q", symbol)
	}
	return fn, nil
}
