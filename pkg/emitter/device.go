// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"fmt"
	"path/filepath"
)

// Vendor of the target device.
type Vendor int

const (
	VendorCUDA Vendor = iota
	VendorROCm
)

// String implements fmt.Stringer.
func (v Vendor) String() string {
	if v == VendorROCm {
		return "ROCm"
	}
	return "CUDA"
}

// ComputeCapability of a CUDA device.
type ComputeCapability struct {
	Major, Minor int
}

// IsAtLeastAmpere returns whether the device is an Ampere (8.0) or newer.
func (cc ComputeCapability) IsAtLeastAmpere() bool { return cc.Major >= 8 }

// IsAtLeastHopper returns whether the device is a Hopper (9.0) or newer.
func (cc ComputeCapability) IsAtLeastHopper() bool { return cc.Major >= 9 }

// String implements fmt.Stringer.
func (cc ComputeCapability) String() string { return fmt.Sprintf("%d.%d", cc.Major, cc.Minor) }

// DeviceDescription holds the device capabilities the emitter depends on.
type DeviceDescription struct {
	Vendor            Vendor
	ComputeCapability ComputeCapability
	// GCNArchName is the ROCm architecture name, e.g. "gfx90a".
	GCNArchName string

	ThreadsPerWarp int

	// SharedMemoryPerBlockOptin is the maximum shared memory (in bytes) a block can use.
	SharedMemoryPerBlockOptin int64

	// BlockDimLimit is the maximum number of program instances along each grid axis.
	BlockDimLimit [3]int64

	// CUDADataDir is the root of the CUDA installation holding the device math library.
	CUDADataDir string
}

// DefaultCUDADevice returns the description of an Ampere (A100) device.
func DefaultCUDADevice() DeviceDescription {
	return DeviceDescription{
		Vendor:                    VendorCUDA,
		ComputeCapability:         ComputeCapability{8, 0},
		ThreadsPerWarp:            32,
		SharedMemoryPerBlockOptin: 163 << 10,
		BlockDimLimit:             [3]int64{1<<31 - 1, 65535, 65535},
	}
}

// DefaultROCmDevice returns the description of an MI200 device.
func DefaultROCmDevice() DeviceDescription {
	return DeviceDescription{
		Vendor:                    VendorROCm,
		GCNArchName:               "gfx90a",
		ThreadsPerWarp:            64,
		SharedMemoryPerBlockOptin: 64 << 10,
		BlockDimLimit:             [3]int64{1<<31 - 1, 65535, 65535},
	}
}

// IsCUDA returns whether the device is an NVIDIA one.
func (d DeviceDescription) IsCUDA() bool { return d.Vendor == VendorCUDA }

// LibdevicePath returns the path of the device math library linked into the kernels, or "" if
// the vendor's toolchain finds it on its own.
func (d DeviceDescription) LibdevicePath() string {
	if !d.IsCUDA() {
		return ""
	}
	dataDir := d.CUDADataDir
	if dataDir == "" {
		dataDir = "/usr/local/cuda"
	}
	return filepath.Join(dataDir, "nvvm", "libdevice", "libdevice.10.bc")
}

// String implements fmt.Stringer.
func (d DeviceDescription) String() string {
	if d.IsCUDA() {
		return fmt.Sprintf("CUDA (compute capability %s)", d.ComputeCapability)
	}
	return fmt.Sprintf("ROCm (%s)", d.GCNArchName)
}
