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
	"golang.org/x/net/bpf"
)

// Evaluate runs the program against a call record and returns the raw
// verdict code. Evaluation is pure and never fails: a division by a zero
// index register ends the program with a kill verdict.
func (p *Program) Evaluate(data *domain.SeccompData) uint32 {
	var (
		a, x    uint32
		scratch [scratchWords]uint32
	)

	for pc := 0; pc < len(p.insns); pc++ {

		switch i := p.insns[pc].(type) {

		case bpf.LoadConstant:
			if i.Dst == bpf.RegA {
				a = i.Val
			} else {
				x = i.Val
			}

		case bpf.LoadAbsolute:
			a, _ = p.shape.Word(data, i.Off)

		case bpf.LoadExtension:
			a = p.shape.Size()

		case bpf.LoadScratch:
			if i.Dst == bpf.RegA {
				a = scratch[i.N]
			} else {
				x = scratch[i.N]
			}

		case bpf.StoreScratch:
			if i.Src == bpf.RegA {
				scratch[i.N] = a
			} else {
				scratch[i.N] = x
			}

		case bpf.ALUOpConstant:
			a = aluOp(i.Op, a, i.Val)

		case bpf.ALUOpX:
			if (i.Op == bpf.ALUOpDiv || i.Op == bpf.ALUOpMod) && x == 0 {
				return domain.RetKill
			}
			a = aluOp(i.Op, a, x)

		case bpf.NegateA:
			a = -a

		case bpf.TAX:
			x = a

		case bpf.TXA:
			a = x

		case bpf.Jump:
			pc += int(i.Skip)

		case bpf.JumpIf:
			if jumpTest(i.Cond, a, i.Val) {
				pc += int(i.SkipTrue)
			} else {
				pc += int(i.SkipFalse)
			}

		case bpf.JumpIfX:
			if jumpTest(i.Cond, a, x) {
				pc += int(i.SkipTrue)
			} else {
				pc += int(i.SkipFalse)
			}

		case bpf.RetA:
			return a

		case bpf.RetConstant:
			return i.Val
		}
	}

	// Unreachable for validated programs.
	return domain.RetKill
}

func aluOp(op bpf.ALUOp, a, v uint32) uint32 {
	switch op {
	case bpf.ALUOpAdd:
		return a + v
	case bpf.ALUOpSub:
		return a - v
	case bpf.ALUOpMul:
		return a * v
	case bpf.ALUOpDiv:
		return a / v
	case bpf.ALUOpMod:
		return a % v
	case bpf.ALUOpOr:
		return a | v
	case bpf.ALUOpAnd:
		return a & v
	case bpf.ALUOpXor:
		return a ^ v
	case bpf.ALUOpShiftLeft:
		return a << v
	case bpf.ALUOpShiftRight:
		return a >> v
	}
	return a
}

func jumpTest(cond bpf.JumpTest, a, v uint32) bool {
	switch cond {
	case bpf.JumpEqual:
		return a == v
	case bpf.JumpNotEqual:
		return a != v
	case bpf.JumpGreaterThan:
		return a > v
	case bpf.JumpLessThan:
		return a < v
	case bpf.JumpGreaterOrEqual:
		return a >= v
	case bpf.JumpLessOrEqual:
		return a <= v
	case bpf.JumpBitsSet:
		return a&v != 0
	case bpf.JumpBitsNotSet:
		return a&v == 0
	}
	return false
}
