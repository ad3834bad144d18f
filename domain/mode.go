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

// Mode is the filtering mode of a task. Values match the ones reported by the
// seccomp mode query.
type Mode int

const (
	ModeDisabled Mode = iota // unrestricted
	ModeStrict               // fixed minimal syscall set, anything else is fatal
	ModeFilter               // filter chain attached; never reverts
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeStrict:
		return "strict"
	case ModeFilter:
		return "filter"
	}
	return "unknown"
}

// Operations accepted by the seccomp syscall surface.
const (
	SetModeStrict uint32 = 0
	SetModeFilter uint32 = 1
)

// Flags accepted by filter attachment.
const (
	FilterFlagTsync uint32 = 1 << 0

	FilterFlagMask = FilterFlagTsync
)

// Limits bounds the size of programs and filter chains.
type Limits struct {
	MaxProgInsns  int // max instructions per program
	MaxChainInsns int // max instructions along a chain, penalties included
	ChainPenalty  int // instructions charged per attached program
}

// DefaultLimits mirrors the historical kernel values.
var DefaultLimits = Limits{
	MaxProgInsns:  4096,
	MaxChainInsns: 32768,
	ChainPenalty:  4,
}
