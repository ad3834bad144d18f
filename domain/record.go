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

package domain

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Number of syscall argument words carried by every call record.
const SyscallArgs = 6

// Size (in bytes) of the call record as seen by filter programs.
const SeccompDataSize = 64

// Offsets of the call-record fields within the program's view of it.
const (
	SeccompDataNrOff   = 0
	SeccompDataArchOff = 4
	SeccompDataIPOff   = 8
	SeccompDataArgsOff = 16
)

// Architecture tags accepted by the engine. The values are opaque to the
// engine itself and only compared by filter programs.
const (
	ArchX86_64  uint32 = unix.AUDIT_ARCH_X86_64
	ArchI386    uint32 = unix.AUDIT_ARCH_I386
	ArchAARCH64 uint32 = unix.AUDIT_ARCH_AARCH64
	ArchARM     uint32 = unix.AUDIT_ARCH_ARM
)

// SeccompData describes one intercepted system call. It is immutable for the
// duration of an evaluation.
type SeccompData struct {
	Nr                 int32               // syscall number
	Arch               uint32              // architecture tag (AUDIT_ARCH_*)
	InstructionPointer uint64              // address of the calling instruction
	Args               [SyscallArgs]uint64 // syscall arguments
}

// SyscallArgOffset returns the offset of the low word of the i-th argument.
func SyscallArgOffset(i int) uint32 {
	return uint32(SeccompDataArgsOff + 8*i)
}

// RecordShape describes how 64-bit fields of the call record are laid out as
// 32-bit words. It is selected once at startup and shared by every program.
type RecordShape struct {
	Name  string
	Order binary.ByteOrder
}

var (
	LittleEndianShape = &RecordShape{Name: "le", Order: binary.LittleEndian}
	BigEndianShape    = &RecordShape{Name: "be", Order: binary.BigEndian}
)

// RecordShapeByName resolves a shape descriptor from its configuration name.
func RecordShapeByName(name string) (*RecordShape, bool) {
	switch name {
	case "", LittleEndianShape.Name:
		return LittleEndianShape, true
	case BigEndianShape.Name:
		return BigEndianShape, true
	}
	return nil, false
}

// Size returns the number of bytes addressable by absolute loads.
func (s *RecordShape) Size() uint32 {
	return SeccompDataSize
}

// ValidOffset reports whether a 32-bit load at off hits a field of the record.
func (s *RecordShape) ValidOffset(off uint32) bool {
	return off%4 == 0 && off < s.Size()
}

// Word returns the 32-bit word found at offset off of the given record.
func (s *RecordShape) Word(d *SeccompData, off uint32) (uint32, bool) {
	if !s.ValidOffset(off) {
		return 0, false
	}

	switch off {
	case SeccompDataNrOff:
		return uint32(d.Nr), true
	case SeccompDataArchOff:
		return d.Arch, true
	}

	var val uint64
	if off < SeccompDataArgsOff {
		val = d.InstructionPointer
	} else {
		val = d.Args[(off-SeccompDataArgsOff)/8]
	}

	// The lower address holds the low word on little-endian shapes and the
	// high word on big-endian ones.
	lowFirst := s.Order == binary.LittleEndian
	if (off%8 == 0) == lowFirst {
		return uint32(val), true
	}
	return uint32(val >> 32), true
}
