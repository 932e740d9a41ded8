// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilefusion/pkg/emitter"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// sweepConfigs returns the tiling configurations tried by -sweep: every combination of the block
// sizes and number of warps, over the base configuration.
func sweepConfigs(base emitter.Config) []emitter.Config {
	var configs []emitter.Config
	for _, blockMN := range []int{16, 32, 64, 128} {
		for _, blockK := range []int{16, 32, 64} {
			for _, numWarps := range []int{1, 2, 4, 8} {
				config := base
				config.BlockM, config.BlockN, config.BlockK = blockMN, blockMN, blockK
				config.NumWarps = numWarps
				configs = append(configs, config)
			}
		}
	}
	return configs
}

// sweepResult is the outcome of one configuration.
type sweepResult struct {
	config         emitter.Config
	err            error
	sharedMemBytes int64
	numBlocks      int64
	elapsed        time.Duration
}

// sweep emits the fusion with every configuration of sweepConfigs, and reports which ones can
// be used: the ones rejected are highlighted, with the reason.
func sweep(f *fusion, base emitter.Config, device emitter.DeviceDescription) error {
	configs := sweepConfigs(base)
	out := termenv.NewOutput(os.Stdout)
	out.HideCursor()
	defer out.ShowCursor()
	bar := progressbar.NewOptions(len(configs),
		progressbar.OptionSetDescription("Emitting"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("configs"),
		progressbar.OptionShowIts(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWriter(os.Stderr),
	)

	name := f.computation.Name()
	results := make([]sweepResult, 0, len(configs))
	for _, config := range configs {
		result := sweepResult{config: config}
		start := time.Now()
		kernel, err := emitter.Wrap(emitter.EstimatingCompiler{}, f.analysis, name, f.computation, device, config, f.emit)
		result.elapsed = time.Since(start)
		if err == nil {
			result.sharedMemBytes = kernel.SharedMemBytes
			var launchDims emitter.LaunchDimensions
			launchDims, err = f.launchDims(config, device)
			result.numBlocks = launchDims.NumBlocks()
		}
		result.err = err
		if err != nil && !errors.Is(err, emitter.ErrResourceExhausted) && !emitter.IsUncompilableFusion(err) {
			// Other errors don't depend on the configuration.
			_ = bar.Finish()
			return errors.WithMessagef(err, "configuration %s", config)
		}
		klog.V(1).Infof("Configuration %s: %v", config, err)
		results = append(results, result)
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Sweep of %q", name)))
	table := newTable("block_m/n", "block_k", "warps", "blocks", "shared memory", "emission", "status")
	var numValid int
	for _, result := range results {
		status := "ok"
		if result.err != nil {
			status = result.err.Error()
		} else {
			numValid++
		}
		table.Row(result.err != nil,
			fmt.Sprint(result.config.BlockM), fmt.Sprint(result.config.BlockK), fmt.Sprint(result.config.NumWarps),
			humanize.Comma(result.numBlocks), humanize.Bytes(uint64(result.sharedMemBytes)),
			result.elapsed.Round(time.Microsecond).String(), status)
	}
	fmt.Println(table.Table.Render())
	fmt.Printf("%d out of %d configurations can be used.\n", numValid, len(results))
	if numValid == 0 {
		return errors.Errorf("no configuration can be used for %q", name)
	}
	return nil
}
