//
// Copyright 2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package program

import (
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
)

// Number of scratch memory words available to a program.
const scratchWords = 16

// BPF_LD | BPF_W | BPF_LEN
const opLoadLen = 0x80

func invalid(pc int, format string, args ...interface{}) error {
	args = append([]interface{}{pc}, args...)
	return errors.Wrapf(domain.ErrInvalidProgram, "insn %d: "+format, args...)
}

// validate checks every decoded instruction and the program's control flow.
// Jumps are forward-only, so a program that passes validation always
// terminates within len(insns) steps.
func validate(
	raw []bpf.RawInstruction,
	insns []bpf.Instruction,
	shape *domain.RecordShape) error {

	n := len(insns)

	for pc, insn := range insns {
		if err := validateInsn(pc, raw[pc], insn, n, shape); err != nil {
			return err
		}
	}

	switch insns[n-1].(type) {
	case bpf.RetA, bpf.RetConstant:
	default:
		return invalid(n-1, "last instruction must be a return")
	}

	return validateScratch(insns)
}

func validateInsn(
	pc int,
	ri bpf.RawInstruction,
	insn bpf.Instruction,
	n int,
	shape *domain.RecordShape) error {

	jumpOk := func(skip uint32) bool {
		return uint64(pc)+1+uint64(skip) < uint64(n)
	}

	switch i := insn.(type) {

	case bpf.LoadConstant, bpf.TAX, bpf.TXA, bpf.NegateA, bpf.RetA, bpf.RetConstant:
		return nil

	case bpf.LoadAbsolute:
		if i.Size != 4 {
			return invalid(pc, "only 32-bit loads allowed (size %d)", i.Size)
		}
		if !shape.ValidOffset(i.Off) {
			return invalid(pc, "load offset %d outside call record", i.Off)
		}

	case bpf.LoadExtension:
		// Only "ld len" is a record load; ancillary offsets decode to
		// extensions as well and lie outside the call record.
		if i.Num != bpf.ExtLen || ri.Op != opLoadLen {
			return invalid(pc, "unsupported extension load (op %#x, k %#x)", ri.Op, ri.K)
		}

	case bpf.LoadScratch:
		if i.N < 0 || i.N >= scratchWords {
			return invalid(pc, "scratch index %d out of range", i.N)
		}

	case bpf.StoreScratch:
		if i.N < 0 || i.N >= scratchWords {
			return invalid(pc, "scratch index %d out of range", i.N)
		}

	case bpf.ALUOpConstant:
		switch i.Op {
		case bpf.ALUOpDiv, bpf.ALUOpMod:
			if i.Val == 0 {
				return invalid(pc, "constant division by zero")
			}
		case bpf.ALUOpShiftLeft, bpf.ALUOpShiftRight:
			if i.Val >= 32 {
				return invalid(pc, "shift by %d", i.Val)
			}
		}

	case bpf.ALUOpX:
		return nil

	case bpf.Jump:
		if !jumpOk(i.Skip) {
			return invalid(pc, "jump out of program")
		}

	case bpf.JumpIf:
		if !jumpOk(uint32(i.SkipTrue)) || !jumpOk(uint32(i.SkipFalse)) {
			return invalid(pc, "jump out of program")
		}

	case bpf.JumpIfX:
		if !jumpOk(uint32(i.SkipTrue)) || !jumpOk(uint32(i.SkipFalse)) {
			return invalid(pc, "jump out of program")
		}

	case bpf.LoadIndirect, bpf.LoadMemShift:
		return invalid(pc, "packet-relative loads not allowed")

	default:
		return invalid(pc, "unknown instruction %v", insn)
	}

	return nil
}

// validateScratch makes sure every scratch load is preceded by a store to the
// same word on every path leading to it. valid holds one bit per word; masks
// accumulates the words known to be written at each jump target.
func validateScratch(insns []bpf.Instruction) error {
	var valid uint16

	masks := make([]uint16, len(insns))
	for i := range masks {
		masks[i] = 0xffff
	}

	for pc, insn := range insns {
		valid &= masks[pc]

		switch i := insn.(type) {
		case bpf.StoreScratch:
			valid |= 1 << uint(i.N)

		case bpf.LoadScratch:
			if valid&(1<<uint(i.N)) == 0 {
				return invalid(pc, "scratch word %d read before written", i.N)
			}

		case bpf.Jump:
			masks[pc+1+int(i.Skip)] &= valid
			valid = 0xffff

		case bpf.JumpIf:
			masks[pc+1+int(i.SkipTrue)] &= valid
			masks[pc+1+int(i.SkipFalse)] &= valid
			valid = 0xffff

		case bpf.JumpIfX:
			masks[pc+1+int(i.SkipTrue)] &= valid
			masks[pc+1+int(i.SkipFalse)] &= valid
			valid = 0xffff

		case bpf.RetA, bpf.RetConstant:
			valid = 0xffff
		}
	}

	return nil
}
