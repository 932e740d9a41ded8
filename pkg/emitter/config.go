// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config is the tiling configuration of a kernel, usually chosen by an autotuner.
type Config struct {
	// BlockM, BlockN and BlockK are the tile sizes along the lhs non-contracting (m), the rhs
	// non-contracting (n) and the contracting (k) dimensions.
	BlockM, BlockN, BlockK int

	// SplitK is the number of program instances the contracting dimension is split across.
	SplitK int

	NumStages int
	NumWarps  int
	// NumCTAs is the cluster size. Cluster dimensions are only reported if > 1.
	NumCTAs int

	// EnableBF16x3 and EnableBF16x6 emulate f32 dots with 3 or 6 bfloat16 dots, when the
	// precision config of the dot doesn't select an algorithm. If both are set, 6 is used.
	EnableBF16x3, EnableBF16x6 bool

	// EnableTF32 allows f32 dots to use TF32 inputs, if the precision config of the dot allows it.
	EnableTF32 bool

	// ComplexityLimit is the maximum of (BlockM·BlockN + (BlockM+BlockN)·BlockK) / NumWarps: larger
	// configurations are rejected with ErrResourceExhausted. 0 disables the check.
	ComplexityLimit int

	// GroupM is the number of consecutive tiles along m assigned to contiguous program ids.
	GroupM int
}

// DefaultConfig returns the configuration used as a base by ParseConfig.
func DefaultConfig() Config {
	return Config{
		BlockM:          64,
		BlockN:          64,
		BlockK:          32,
		SplitK:          1,
		NumStages:       3,
		NumWarps:        4,
		NumCTAs:         1,
		EnableTF32:      true,
		ComplexityLimit: 9000,
		GroupM:          8,
	}
}

// ParseConfig parses a comma-separated list of options over DefaultConfig.
//
// Integer options are given as "key=value": block_m, block_n, block_k, split_k, num_stages,
// num_warps, num_ctas, complexity_limit and group_m. Boolean options are given by their name
// alone, or as "key=true|false": bf16x3, bf16x6 and tf32.
//
// Example: "block_m=32,block_n=32,block_k=32,num_warps=1,bf16x6,tf32=false"
func ParseConfig(config string) (Config, error) {
	c := DefaultConfig()
	ints := map[string]*int{
		"block_m": &c.BlockM, "block_n": &c.BlockN, "block_k": &c.BlockK, "split_k": &c.SplitK,
		"num_stages": &c.NumStages, "num_warps": &c.NumWarps, "num_ctas": &c.NumCTAs,
		"complexity_limit": &c.ComplexityLimit, "group_m": &c.GroupM,
	}
	bools := map[string]*bool{"bf16x3": &c.EnableBF16x3, "bf16x6": &c.EnableBF16x6, "tf32": &c.EnableTF32}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		if ptr, found := bools[key]; found {
			if !hasValue {
				*ptr = true
				continue
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return c, errors.Wrapf(err, "invalid value for option %q", key)
			}
			*ptr = b
			continue
		}
		ptr, found := ints[key]
		if !found {
			return c, errors.Errorf("unknown configuration option %q", part)
		}
		if !hasValue {
			return c, errors.Errorf("option %q requires a value", key)
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return c, errors.Wrapf(err, "invalid value for option %q", key)
		}
		*ptr = v
	}
	for name, ptr := range ints {
		if *ptr < 0 || (*ptr == 0 && name != "complexity_limit" && name != "num_stages") {
			return c, errors.Errorf("invalid configuration: %s=%d", name, *ptr)
		}
	}
	return c, nil
}

// String returns the configuration in the format accepted by ParseConfig.
func (c Config) String() string {
	parts := []string{
		fmt.Sprintf("block_m=%d", c.BlockM), fmt.Sprintf("block_n=%d", c.BlockN), fmt.Sprintf("block_k=%d", c.BlockK),
		fmt.Sprintf("split_k=%d", c.SplitK), fmt.Sprintf("num_stages=%d", c.NumStages),
		fmt.Sprintf("num_warps=%d", c.NumWarps), fmt.Sprintf("num_ctas=%d", c.NumCTAs),
		fmt.Sprintf("complexity_limit=%d", c.ComplexityLimit), fmt.Sprintf("group_m=%d", c.GroupM),
		fmt.Sprintf("bf16x3=%t", c.EnableBF16x3), fmt.Sprintf("bf16x6=%t", c.EnableBF16x6),
		fmt.Sprintf("tf32=%t", c.EnableTF32),
	}
	return strings.Join(parts, ",")
}
