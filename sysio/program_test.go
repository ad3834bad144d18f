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

package sysio_test

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/nestybox/sysbox-seccomp/sysio"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

// ld [0]; jeq #39, ret errno(1); ret allow
var sampleProg = []bpf.RawInstruction{
	{Op: 0x20, Jt: 0, Jf: 0, K: 0},
	{Op: 0x15, Jt: 0, Jf: 1, K: 39},
	{Op: 0x06, Jt: 0, Jf: 0, K: 0x00050001},
	{Op: 0x06, Jt: 0, Jf: 0, K: 0x7fff0000},
}

const sampleText = `4
32 0 0 0
21 0 1 39
6 0 0 327681
6 0 0 2147418112
`

func TestDecodeText(t *testing.T) {

	tests := []struct {
		name    string
		input   string
		want    []bpf.RawInstruction
		wantErr bool
	}{
		{"1", sampleText, sampleProg, false},
		{"2", "# getpid filter\n\n" + sampleText + "\n", sampleProg, false},
		{"3", "0\n", []bpf.RawInstruction{}, false},
		{"4", "", nil, true},
		{"5", "2\n6 0 0 0\n", nil, true},
		{"6", "1\n6 0 0\n", nil, true},
		{"7", "1\n6 0 256 0\n", nil, true},
		{"8", "1\n6 0 0 4294967296\n", nil, true},
		{"9", "x\n", nil, true},
		{"10", "1 2\n", nil, true},
		{"11", "1\n6 0 0 0\n6 0 0 0\n", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sysio.DecodeText(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sysio.EncodeText(&buf, sampleProg))
	assert.Equal(t, sampleText, buf.String())
}

func TestBinary(t *testing.T) {
	data := sysio.EncodeBinary(sampleProg)
	require.Len(t, data, 8*len(sampleProg))

	// struct sock_filter { u16 code; u8 jt; u8 jf; u32 k; }
	assert.Equal(t, uint16(0x15), binary.NativeEndian.Uint16(data[8:]))
	assert.Equal(t, uint8(1), data[8+3])
	assert.Equal(t, uint32(39), binary.NativeEndian.Uint32(data[8+4:]))

	got, err := sysio.DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, sampleProg, got)

	_, err = sysio.DecodeBinary(data[:7])
	assert.Error(t, err)
}

func TestReadProgram(t *testing.T) {
	fs := afero.NewMemMapFs()
	ios := sysio.NewIOService(fs)

	require.NoError(t, afero.WriteFile(fs, "/etc/filters/getpid.txt", []byte(sampleText), 0644))
	require.NoError(t, afero.WriteFile(fs, "/etc/filters/getpid.bpf", sysio.EncodeBinary(sampleProg), 0644))
	require.NoError(t, afero.WriteFile(fs, "/etc/filters/bad.txt", []byte("3\n"), 0644))

	tests := []struct {
		name    string
		path    string
		format  sysio.Format
		wantErr bool
	}{
		{"1", "/etc/filters/getpid.txt", sysio.FormatAuto, false},
		{"2", "/etc/filters/getpid.bpf", sysio.FormatAuto, false},
		{"3", "/etc/filters/getpid.txt", sysio.FormatText, false},
		{"4", "/etc/filters/getpid.bpf", sysio.FormatBinary, false},
		{"5", "/etc/filters/getpid.txt", sysio.FormatBinary, true},
		{"6", "/etc/filters/bad.txt", sysio.FormatAuto, true},
		{"7", "/etc/filters/missing.txt", sysio.FormatAuto, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ios.ReadProgram(tt.path, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sampleProg, got)
		})
	}
}

func TestWriteProgram(t *testing.T) {
	ios := sysio.NewIOService(afero.NewMemMapFs())

	for _, path := range []string{"/tmp/p.txt", "/tmp/p.bin"} {
		require.NoError(t, ios.WriteProgram(path, sysio.FormatAuto, sampleProg))

		got, err := ios.ReadProgram(path, sysio.FormatAuto)
		require.NoError(t, err)
		assert.Equal(t, sampleProg, got, path)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]sysio.Format{
		"":       sysio.FormatAuto,
		"auto":   sysio.FormatAuto,
		"binary": sysio.FormatBinary,
		"bin":    sysio.FormatBinary,
		"text":   sysio.FormatText,
		"ddd":    sysio.FormatText,
	} {
		got, err := sysio.ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := sysio.ParseFormat("hex")
	assert.Error(t, err)
}
