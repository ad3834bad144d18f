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

import "fmt"

// Action is the action band of a raw verdict code.
type Action uint32

// Raw action bands. Lower action values take precedence in the chain.
const (
	ActionKill  Action = 0x00000000 // kill the task immediately
	ActionTrap  Action = 0x00030000 // disallow and force a SIGSYS
	ActionErrno Action = 0x00050000 // return an errno
	ActionTrace Action = 0x7ff00000 // pass to a supervisor or disallow
	ActionAllow Action = 0x7fff0000 // allow
)

// Masks for the sections of a raw verdict code.
const (
	RetActionMask uint32 = 0x7fff0000
	RetDataMask   uint32 = 0x0000ffff
)

// Raw verdict codes, as returned by filter programs.
const (
	RetKill  = uint32(ActionKill)
	RetTrap  = uint32(ActionTrap)
	RetErrno = uint32(ActionErrno)
	RetTrace = uint32(ActionTrace)
	RetAllow = uint32(ActionAllow)
)

func (a Action) String() string {
	switch a {
	case ActionKill:
		return "kill"
	case ActionTrap:
		return "trap"
	case ActionErrno:
		return "errno"
	case ActionTrace:
		return "trace"
	case ActionAllow:
		return "allow"
	}
	return fmt.Sprintf("unknown(%#x)", uint32(a))
}

// Precedence ranks actions: kill > trap > errno > trace > allow.
func (a Action) Precedence() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionTrace:
		return 1
	case ActionErrno:
		return 2
	case ActionTrap:
		return 3
	}
	return 4
}

// Verdict is the decoded outcome of a filter (or a whole chain) for one call.
type Verdict struct {
	Action Action
	Data   uint16 // errno value (errno) or opaque message (trace)
}

// ParseVerdict decodes a raw verdict code. Codes outside the five known
// action bands are treated as kill.
func ParseVerdict(raw uint32) Verdict {
	action := Action(raw & RetActionMask)

	if raw&^(RetActionMask|RetDataMask) != 0 {
		return Verdict{Action: ActionKill}
	}

	switch action {
	case ActionTrap, ActionErrno, ActionTrace, ActionAllow:
		return Verdict{Action: action, Data: uint16(raw & RetDataMask)}
	}

	return Verdict{Action: ActionKill}
}

// Raw re-encodes the verdict.
func (v Verdict) Raw() uint32 {
	return uint32(v.Action) | uint32(v.Data)
}

// Outranks reports whether v must replace w when combining chain results.
func (v Verdict) Outranks(w Verdict) bool {
	return v.Action.Precedence() > w.Action.Precedence()
}

func (v Verdict) String() string {
	switch v.Action {
	case ActionErrno, ActionTrace:
		return fmt.Sprintf("%s(%#x)", v.Action, v.Data)
	}
	return v.Action.String()
}
