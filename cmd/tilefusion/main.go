// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilefusion emits the tiled kernel of a matmul or softmax fusion, prints its IR and launch
// configuration, and optionally runs it on the CPU interpreter against a float64 reference.
//
// Example:
//
//	tilefusion -fusion=matmul -m=256 -k=512 -n=128 -config="block_m=64,block_n=64,block_k=32,bf16x3" -run
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/emitter"
	"github.com/gomlx/tilefusion/pkg/tileir"
	"github.com/gomlx/tilefusion/pkg/tileir/interpreter"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagFusion = flag.String("fusion", "matmul", "Fusion to emit: matmul or softmax.")
	flagDType  = flag.String("dtype", "f32", "Element type of the fusion parameters: f64, f32, f16 or bf16.")
	flagConfig = flag.String("config", "", "Tiling configuration, e.g. \"block_m=32,block_n=32,block_k=32,num_warps=2,bf16x6\". "+
		"See emitter.ParseConfig for the full list of options.")
	flagDevice     = flag.String("device", "cuda", "Device to emit for: cuda or rocm.")
	flagCUDADir    = flag.String("cuda_dir", "", "Root of the CUDA installation, where the libdevice math library is found.")
	flagIR         = flag.Bool("ir", false, "Print the emitted IR.")
	flagRun        = flag.Bool("run", false, "Run the kernel on the interpreter and compare it to a float64 reference.")
	flagSweep      = flag.Bool("sweep", false, "Emit the fusion with a range of block sizes and warps over -config, and report which ones can be used.")
	flagSeed       = flag.Int64("seed", 42, "Seed of the random inputs used by -run.")
	flagParallel   = flag.Int("parallelism", -1, "Program instances run in parallel by -run: -1 for the number of CPUs, 0 to run sequentially.")
	flagTolerance  = flag.Float64("tolerance", 1e-3, "Maximum relative error accepted by -run.")
	flagBatch      = flag.Int("batch", 1, "Batch size of a matmul.")
	flagM          = flag.Int("m", 128, "Rows of the lhs of a matmul.")
	flagK          = flag.Int("k", 128, "Contracting dimension of a matmul.")
	flagN          = flag.Int("n", 128, "Columns of the rhs of a matmul.")
	flagActivation = flag.String("activation", "", "Activation applied to the matmul result: tanh or relu.")
	flagRows       = flag.Int("rows", 64, "Number of rows of a softmax.")
	flagRowLen     = flag.Int("row_len", 100, "Length of the rows of a softmax.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func deviceFromFlags() (emitter.DeviceDescription, error) {
	var device emitter.DeviceDescription
	switch *flagDevice {
	case "cuda":
		device = emitter.DefaultCUDADevice()
		device.CUDADataDir = *flagCUDADir
	case "rocm":
		device = emitter.DefaultROCmDevice()
	default:
		return device, errors.Errorf("unknown device %q, valid values are cuda and rocm", *flagDevice)
	}
	return device, nil
}

// fusionFromFlags builds the fusion. Invalid dimensions make the graph construction panic, which
// is reported as an error.
func fusionFromFlags(config emitter.Config) (f *fusion, err error) {
	dtype, err := parseDType(*flagDType)
	if err != nil {
		return nil, err
	}
	buildErr := exceptions.TryCatch[error](func() {
		switch *flagFusion {
		case "matmul":
			f, err = newMatMulFusion(dtype, *flagBatch, *flagM, *flagK, *flagN, config.SplitK, *flagActivation)
		case "softmax":
			f, err = newSoftMaxFusion(dtype, *flagRows, *flagRowLen)
		default:
			err = errors.Errorf("unknown fusion %q, valid values are matmul and softmax", *flagFusion)
		}
	})
	if buildErr != nil {
		return nil, buildErr
	}
	return
}

func run() error {
	config, err := emitter.ParseConfig(*flagConfig)
	if err != nil {
		return err
	}
	device, err := deviceFromFlags()
	if err != nil {
		return err
	}
	f, err := fusionFromFlags(config)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Fusion:\n%s", f.computation)
	if *flagSweep {
		return sweep(f, config, device)
	}

	name := f.computation.Name()
	kernel, err := emitter.Wrap(emitter.EstimatingCompiler{}, f.analysis, name, f.computation, device, config, f.emit)
	if err != nil {
		if emitter.IsUncompilableFusion(err) {
			return errors.WithMessagef(err, "configuration %q can't be used for %q, try another one", config, name)
		}
		return err
	}
	launchDims, err := f.launchDims(config, device)
	if err != nil {
		return err
	}
	if *flagIR {
		fmt.Println(kernel.Module)
	}

	fmt.Println(titleStyle.Render("Kernel"))
	table := newTable()
	table.Row(false, "fusion", name)
	table.Row(false, "device", device.String())
	table.Row(false, "config", config.String())
	table.Row(false, "grid", fmt.Sprintf("%v (%s program instances)", launchDims.Grid, humanize.Comma(launchDims.NumBlocks())))
	table.Row(false, "threads per block", humanize.Comma(launchDims.ThreadsPerBlock))
	table.Row(false, "shared memory", humanize.Bytes(uint64(kernel.SharedMemBytes)))
	if kernel.ClusterDims != nil {
		table.Row(false, "cluster", fmt.Sprintf("%v", *kernel.ClusterDims))
	}
	fn := kernel.Module.Function(name)
	table.Row(false, "dots", humanize.Comma(int64(len(fn.FindOps(tileir.OpDot))+len(fn.FindOps(tileir.OpSparseDot)))))
	fmt.Println(table.Table.Render())

	if !*flagRun {
		return nil
	}
	return runOnInterpreter(f, fn, config, launchDims)
}

func runOnInterpreter(f *fusion, fn *tileir.Function, config emitter.Config, launchDims emitter.LaunchDimensions) error {
	inputs := f.randomInputs(*flagSeed)
	var values [][]float64
	for _, input := range inputs {
		values = append(values, input.Float64s())
	}
	root := f.computation.Root().Shape()
	dtype := root.DType
	output := interpreter.NewBuffer(dtype, int(root.Size()))
	grid := interpreter.Grid{int(launchDims.Grid[0]), int(launchDims.Grid[1]), int(launchDims.Grid[2])}

	it := interpreter.New()
	if *flagParallel >= 0 {
		it = it.WithParallelism(*flagParallel)
	}
	start := time.Now()
	if err := it.Run(fn, grid, append(inputs, output)...); err != nil {
		return err
	}
	elapsed := time.Since(start)

	want := f.reference(values, config)
	got := output.Float64s()
	var maxErr, maxRelErr float64
	for ii := range want {
		diff := math.Abs(want[ii] - got[ii])
		maxErr = max(maxErr, diff)
		maxRelErr = max(maxRelErr, diff/max(math.Abs(want[ii]), 1))
	}
	fmt.Println(titleStyle.Render("Interpreter"))
	table := newTable()
	table.Row(false, "elements", humanize.Comma(int64(len(got))))
	table.Row(false, "time", elapsed.String())
	table.Row(false, "max abs error", fmt.Sprintf("%.3g", maxErr))
	failed := maxRelErr > *flagTolerance || math.IsNaN(maxRelErr)
	table.Row(failed, "max rel error", fmt.Sprintf("%.3g", maxRelErr))
	fmt.Println(table.Table.Render())
	if failed {
		return errors.Errorf("relative error %g above tolerance %g", maxRelErr, *flagTolerance)
	}
	return nil
}
