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
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/net/bpf"
)

// Program is a validated, immutable filter program. A single Program may be
// shared by any number of filter chains.
type Program struct {
	raw    []bpf.RawInstruction
	insns  []bpf.Instruction
	shape  *domain.RecordShape
	digest string
}

// New validates the given raw instructions against the record shape and the
// per-program limits, and returns a ready to evaluate Program.
func New(
	raw []bpf.RawInstruction,
	shape *domain.RecordShape,
	limits domain.Limits) (*Program, error) {

	if shape == nil {
		shape = domain.LittleEndianShape
	}

	if len(raw) == 0 {
		return nil, errors.Wrapf(domain.ErrInvalidProgram, "empty program")
	}
	if len(raw) > limits.MaxProgInsns {
		return nil, errors.Wrapf(domain.ErrInvalidProgram,
			"program too long (%d > %d instructions)", len(raw), limits.MaxProgInsns)
	}

	insns := make([]bpf.Instruction, len(raw))
	for i, ri := range raw {
		insns[i] = ri.Disassemble()
	}

	if err := validate(raw, insns, shape); err != nil {
		return nil, err
	}

	p := &Program{
		raw:   append([]bpf.RawInstruction(nil), raw...),
		insns: insns,
		shape: shape,
	}
	p.digest = digest(p.raw)

	return p, nil
}

// Assemble is a convenience wrapper that builds a Program out of x/net/bpf
// instruction values.
func Assemble(
	insns []bpf.Instruction,
	shape *domain.RecordShape,
	limits domain.Limits) (*Program, error) {

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrInvalidProgram, "%v", err)
	}

	return New(raw, shape, limits)
}

func (p *Program) Len() int {
	return len(p.raw)
}

func (p *Program) Raw() []bpf.RawInstruction {
	return append([]bpf.RawInstruction(nil), p.raw...)
}

// Digest returns a base58 rendered blake3 hash of the raw program.
func (p *Program) Digest() string {
	return p.digest
}

// String returns a disassembly listing of the program.
func (p *Program) String() string {
	var sb strings.Builder

	for i, insn := range p.insns {
		fmt.Fprintf(&sb, "%04d: %v\n", i, insn)
	}

	return sb.String()
}

func digest(raw []bpf.RawInstruction) string {
	buf := make([]byte, 8)
	h := blake3.New()

	for _, ri := range raw {
		binary.LittleEndian.PutUint16(buf[0:2], ri.Op)
		buf[2] = ri.Jt
		buf[3] = ri.Jf
		binary.LittleEndian.PutUint32(buf[4:8], ri.K)
		h.Write(buf)
	}

	return base58.Encode(h.Sum(nil))
}
