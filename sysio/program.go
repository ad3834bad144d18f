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

package sysio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Encodings of a filter program on disk.
type Format int

const (
	FormatAuto   Format = iota // picked from the file name, text otherwise
	FormatBinary               // raw array of struct sock_filter, native endianness
	FormatText                 // tcpdump -ddd / bpf_asm output: count, then "op jt jf k" lines
)

func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	}
	return "unknown"
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "auto":
		return FormatAuto, nil
	case "binary", "bin":
		return FormatBinary, nil
	case "text", "ddd":
		return FormatText, nil
	}
	return FormatAuto, fmt.Errorf("unknown program format %q", s)
}

const sockFilterSize = 8

// Program I/O service, reading and writing filter programs through an afero
// filesystem.
type IOService struct {
	fs afero.Fs
}

func NewIOService(fs afero.Fs) *IOService {
	return &IOService{fs: fs}
}

// ReadProgram loads the program stored at path.
func (s *IOService) ReadProgram(path string, f Format) ([]bpf.RawInstruction, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read program %s", path)
	}

	if f == FormatAuto {
		f = formatOf(path)
	}

	var raw []bpf.RawInstruction

	switch f {
	case FormatBinary:
		raw, err = DecodeBinary(data)
	default:
		raw, err = DecodeText(bytes.NewReader(data))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "program %s", path)
	}

	logrus.Debugf("Loaded %d instructions from %s (%v)", len(raw), path, f)

	return raw, nil
}

// WriteProgram stores raw at path.
func (s *IOService) WriteProgram(path string, f Format, raw []bpf.RawInstruction) error {
	if f == FormatAuto {
		f = formatOf(path)
	}

	var buf bytes.Buffer

	switch f {
	case FormatBinary:
		buf.Write(EncodeBinary(raw))
	default:
		if err := EncodeText(&buf, raw); err != nil {
			return err
		}
	}

	return afero.WriteFile(s.fs, path, buf.Bytes(), 0644)
}

func formatOf(path string) Format {
	switch filepath.Ext(path) {
	case ".bpf", ".bin":
		return FormatBinary
	}
	return FormatText
}

func DecodeBinary(data []byte) ([]bpf.RawInstruction, error) {
	if len(data)%sockFilterSize != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of %d", len(data), sockFilterSize)
	}

	filters := make([]unix.SockFilter, len(data)/sockFilterSize)
	if err := binary.Read(bytes.NewReader(data), binary.NativeEndian, filters); err != nil {
		return nil, err
	}

	raw := make([]bpf.RawInstruction, len(filters))
	for i, f := range filters {
		raw[i] = bpf.RawInstruction{Op: f.Code, Jt: f.Jt, Jf: f.Jf, K: f.K}
	}

	return raw, nil
}

func EncodeBinary(raw []bpf.RawInstruction) []byte {
	filters := make([]unix.SockFilter, len(raw))
	for i, ri := range raw {
		filters[i] = unix.SockFilter{Code: ri.Op, Jt: ri.Jt, Jf: ri.Jf, K: ri.K}
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.NativeEndian, filters)

	return buf.Bytes()
}

// DecodeText parses the decimal "-ddd" listing. Blank lines and lines
// starting with '#' are skipped.
func DecodeText(r io.Reader) ([]bpf.RawInstruction, error) {
	var (
		raw    []bpf.RawInstruction
		count  = -1
		lineNo int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		if count < 0 {
			if len(fields) != 1 {
				return nil, fmt.Errorf("line %d: expected instruction count", lineNo)
			}
			n, err := strconv.ParseUint(fields[0], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid instruction count: %v", lineNo, err)
			}
			count = int(n)
			raw = make([]bpf.RawInstruction, 0, count)
			continue
		}

		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: expected \"op jt jf k\"", lineNo)
		}

		ri, err := parseInsn(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineNo, err)
		}
		raw = append(raw, ri)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if count < 0 {
		return nil, fmt.Errorf("empty program listing")
	}
	if len(raw) != count {
		return nil, fmt.Errorf("listing has %d instructions, header says %d", len(raw), count)
	}

	return raw, nil
}

func parseInsn(fields []string) (bpf.RawInstruction, error) {
	var vals [4]uint64

	bits := [4]int{16, 8, 8, 32}
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, bits[i])
		if err != nil {
			return bpf.RawInstruction{}, err
		}
		vals[i] = v
	}

	return bpf.RawInstruction{
		Op: uint16(vals[0]),
		Jt: uint8(vals[1]),
		Jf: uint8(vals[2]),
		K:  uint32(vals[3]),
	}, nil
}

func EncodeText(w io.Writer, raw []bpf.RawInstruction) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(raw)); err != nil {
		return err
	}

	for _, ri := range raw {
		if _, err := fmt.Fprintf(w, "%d %d %d %d\n", ri.Op, ri.Jt, ri.Jf, ri.K); err != nil {
			return err
		}
	}

	return nil
}
