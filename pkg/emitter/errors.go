// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emitter

import (
	"github.com/pkg/errors"
)

// Error kinds returned by the emitter. Use errors.Is to test for them: returned errors wrap them
// with a description of the failure.
var (
	// ErrInternal is a violated precondition on the fusion, assumed to be prevented by the
	// validation of the fusion done upstream.
	ErrInternal = errors.New("internal error")

	// ErrUnsupported is a pattern the emitter doesn't handle: unknown opcode, unsupported
	// reduction or concatenation.
	ErrUnsupported = errors.New("unsupported")

	// ErrUncompilableFusion is a failure that depends on the tiling configuration: the caller
	// should retry with a different one.
	ErrUncompilableFusion = errors.New("uncompilable fusion")

	// ErrResourceExhausted is returned when the tiling configuration is too large: either for the
	// complexity heuristic or for the shared memory of the device.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrFailedPrecondition is returned when the device can't run the emitted kernels.
	ErrFailedPrecondition = errors.New("failed precondition")
)

// IsUncompilableFusion returns whether the error is an ErrUncompilableFusion.
func IsUncompilableFusion(err error) bool {
	return errors.Is(err, ErrUncompilableFusion)
}

// failf aborts the emission with an error of the given kind. It's recovered (and returned) by
// the public entry points.
func failf(kind error, format string, args ...any) {
	panic(errors.Wrapf(kind, format, args...))
}

// checkf aborts the emission with an ErrInternal if the condition doesn't hold.
func checkf(condition bool, format string, args ...any) {
	if !condition {
		failf(ErrInternal, format, args...)
	}
}
