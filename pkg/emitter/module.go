// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/hlo"
	"github.com/gomlx/tilefusion/pkg/iterspec"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// pointerDivisibility is the alignment, in bytes, asserted on the buffers passed to the kernels.
const pointerDivisibility = 16

// EmitFunc emits the body of a kernel function: EmitMatMul or EmitSoftMax.
type EmitFunc func(fn *tileir.Function, libdevicePath string, device DeviceDescription, analysis *iterspec.Analysis,
	computation *hlo.Computation, config Config) error

// CreateModule creates a module with one kernel function named name, computing the fusion with
// emit. The function takes one pointer per parameter of the computation, followed by one pointer
// per output (per leaf of a tuple root). Booleans are stored as int8.
func CreateModule(analysis *iterspec.Analysis, name string, computation *hlo.Computation, device DeviceDescription,
	config Config, emit EmitFunc) (module *tileir.Module, err error) {
	err = exceptions.TryCatch[error](func() {
		var argTypes []tileir.Type
		for _, param := range computation.Parameters() {
			argTypes = append(argTypes, tileir.PointerType(storageType(checkElementType(param.Shape().DType))))
		}
		for _, leaf := range computation.Root().Shape().Leaves() {
			argTypes = append(argTypes, tileir.PointerType(storageType(checkElementType(leaf.DType))))
		}
		module = tileir.NewModule()
		fn := module.AddFunction(name, argTypes...)
		for ii := range fn.ArgAttrs {
			fn.ArgAttrs[ii].Divisibility = pointerDivisibility
		}
		if err := emit(fn, device.LibdevicePath(), device, analysis, computation, config); err != nil {
			panic(err)
		}
		tileir.NewBuilder(fn.Body).Return()
		klog.V(6).Infof("Module of %q:\n%s", computation.Name(), module)
	})
	if err != nil {
		return nil, err
	}
	return
}

// CompileResult is what Wrap needs from the compilation of a module.
type CompileResult struct {
	// SharedMemBytes is the shared memory used by one program instance.
	SharedMemBytes int64
	// ClusterDims are the dimensions of the cluster of program instances.
	ClusterDims [3]int
}

// Compiler compiles modules of kernels for a device.
type Compiler interface {
	Compile(module *tileir.Module, config Config, device DeviceDescription) (CompileResult, error)
}

// Kernel is a compiled kernel, ready to be launched.
type Kernel struct {
	Module         *tileir.Module
	Name           string
	SharedMemBytes int64
	// ClusterDims is only set when the kernel is launched in clusters of more than one program instance.
	ClusterDims *[3]int
}

// Wrap creates the module of the fusion and compiles it with compiler, checking the resources
// the kernel requires against the device.
func Wrap(compiler Compiler, analysis *iterspec.Analysis, name string, computation *hlo.Computation,
	device DeviceDescription, config Config, emit EmitFunc) (*Kernel, error) {
	if device.IsCUDA() && !device.ComputeCapability.IsAtLeastAmpere() {
		return nil, errors.Wrapf(ErrFailedPrecondition, "tiled kernels require an Ampere or newer GPU, got compute capability %s",
			device.ComputeCapability)
	}
	module, err := CreateModule(analysis, name, computation, device, config, emit)
	if err != nil {
		return nil, err
	}
	klog.V(3).Infof("Compiling fusion:\n%s", computation)
	klog.V(2).Infof("Tiling configuration: %s", config)

	result, err := compiler.Compile(module, config, device)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile kernel %q", name)
	}
	klog.V(2).Infof("Shared memory usage of %q: %s", name, humanize.Bytes(uint64(result.SharedMemBytes)))
	if device.IsCUDA() && result.SharedMemBytes > device.SharedMemoryPerBlockOptin {
		return nil, errors.Wrapf(ErrResourceExhausted, "shared memory size limit exceeded: requested %s, available %s",
			humanize.Bytes(uint64(result.SharedMemBytes)), humanize.Bytes(uint64(device.SharedMemoryPerBlockOptin)))
	}

	kernel := &Kernel{Module: module, Name: name, SharedMemBytes: result.SharedMemBytes}
	isCluster := result.ClusterDims[0] > 1 || result.ClusterDims[1] > 1 || result.ClusterDims[2] > 1
	if config.NumCTAs > 1 && isCluster {
		clusterDims := result.ClusterDims
		kernel.ClusterDims = &clusterDims
	} else if isCluster {
		return nil, errors.Wrapf(ErrInternal, "cluster dimensions %v without num_ctas > 1", result.ClusterDims)
	}
	return kernel, nil
}

// EstimatingCompiler is a Compiler that doesn't generate code: it estimates the shared memory
// from the dots of the kernels, whose operand tiles are staged NumStages times.
type EstimatingCompiler struct{}

// Compile implements Compiler.
func (EstimatingCompiler) Compile(module *tileir.Module, config Config, device DeviceDescription) (CompileResult, error) {
	var tileBytes int64
	for _, fn := range module.Functions {
		dots := append(fn.FindOps(tileir.OpDot), fn.FindOps(tileir.OpSparseDot)...)
		for _, op := range dots {
			var bytes int64
			for _, operand := range op.Operands[:2] {
				t := operand.Type()
				bytes += int64(t.Size()) * int64(max(shapes.BitWidth(t.DType), 8)) / 8
			}
			tileBytes = max(tileBytes, bytes)
		}
	}
	return CompileResult{
		SharedMemBytes: int64(max(config.NumStages, 1)) * tileBytes,
		ClusterDims:    [3]int{max(config.NumCTAs, 1), 1, 1},
	}, nil
}
