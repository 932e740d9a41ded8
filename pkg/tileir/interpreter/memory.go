// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilefusion/pkg/shapes"
	"github.com/gomlx/tilefusion/pkg/tileir"
)

func (p *program) scalarInts(values []*tileir.Value) []int64 {
	ints := make([]int64, len(values))
	for ii, v := range values {
		t := p.tile(v)
		ints[ii] = signedValue(t.dtype, t.int(0))
	}
	return ints
}

func (p *program) runMemoryOp(op *tileir.Op) {
	switch op.Code {
	case tileir.OpAddPtr:
		ptr := p.value(op.Operands[0]).(pointer)
		offset := p.scalarInts(op.Operands[1:2])[0]
		p.set(op, pointer{buffer: ptr.buffer, offset: ptr.offset + offset})

	case tileir.OpMakeTensorPtr:
		ptr := p.value(op.Operands[0]).(pointer)
		rank := len(op.Result().Type().Shape)
		ints := p.scalarInts(op.Operands[1:])
		p.set(op, &blockPointer{
			buffer:  ptr.buffer,
			base:    ptr.offset,
			shape:   ints[:rank],
			strides: ints[rank : 2*rank],
			offsets: ints[2*rank:],
			block:   op.Result().Type().Shape,
		})

	case tileir.OpAdvance:
		bp := p.value(op.Operands[0]).(*blockPointer)
		deltas := p.scalarInts(op.Operands[1:])
		advanced := *bp
		advanced.offsets = slices.Clone(bp.offsets)
		for ii, delta := range deltas {
			advanced.offsets[ii] += delta
		}
		p.set(op, &advanced)

	case tileir.OpLoad:
		checks := op.Data.(tileir.MemoryData).BoundaryCheck
		t := newTileOfType(op.Result().Type())
		switch ptr := p.value(op.Operands[0]).(type) {
		case pointer:
			p.loadElement(t, 0, ptr.buffer, ptr.offset)
		case *blockPointer:
			forEachIndex(ptr.block, func(linear int, index []int) {
				if address, ok := p.address(ptr, index, checks); ok {
					p.loadElement(t, linear, ptr.buffer, address)
				}
			})
		}
		p.set(op, t)

	case tileir.OpStore:
		checks := op.Data.(tileir.MemoryData).BoundaryCheck
		value := p.tile(op.Operands[1])
		switch ptr := p.value(op.Operands[0]).(type) {
		case pointer:
			p.storeElement(value, 0, ptr.buffer, ptr.offset)
		case *blockPointer:
			forEachIndex(ptr.block, func(linear int, index []int) {
				if address, ok := p.address(ptr, index, checks); ok {
					p.storeElement(value, linear, ptr.buffer, address)
				}
			})
		}
	}
}

// address returns the element offset in the buffer of the element index of the block.
// It returns false if the element is out of the tensor bounds in a checked dimension; an
// out-of-bounds element in an unchecked dimension is an error.
func (p *program) address(ptr *blockPointer, index []int, checks []int) (int64, bool) {
	address := ptr.base
	for axis, i := range index {
		coord := ptr.offsets[axis] + int64(i)
		if coord < 0 || coord >= ptr.shape[axis] {
			if slices.Contains(checks, axis) {
				return 0, false
			}
			exceptions.Panicf("interpreter: unchecked out-of-bounds access at coordinate %d of axis %d (bound %d), block offsets %v",
				coord, axis, ptr.shape[axis], ptr.offsets)
		}
		address += coord * ptr.strides[axis]
	}
	return address, true
}

func (p *program) checkAddress(buffer int, address int64) *Buffer {
	b := p.buffers[buffer]
	if address < 0 || address >= int64(b.Len()) {
		exceptions.Panicf("interpreter: access to element %d of argument #%d, %s", address, buffer, b)
	}
	return b
}

func (p *program) loadElement(t *tile, i int, buffer int, address int64) {
	b := p.checkAddress(buffer, address)
	if shapes.IsFloat(t.dtype) {
		t.setFloat(i, b.Float(int(address)))
	} else {
		t.setInt(i, b.Int(int(address)))
	}
}

func (p *program) storeElement(value *tile, i int, buffer int, address int64) {
	b := p.checkAddress(buffer, address)
	if value.isFloat() {
		b.SetFloat(int(address), value.float(i))
	} else {
		b.SetInt(int(address), value.int(i))
	}
}
