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

import "golang.org/x/sys/unix"

// NoCall is the syscall number a supervisor substitutes to skip a call. Any
// negative number has the same effect.
const NoCall int32 = -1

// TraceOptions enable supervisor interception features.
type TraceOptions uint32

const (
	TraceOptSeccomp TraceOptions = 0x80
)

// TraceEvent is delivered to a supervisor each time one of its tracees is
// suspended by a trace verdict.
type TraceEvent struct {
	Tracee uint32      // suspended task
	Msg    uint16      // opaque message carried by the trace verdict
	Data   SeccompData // call record, as seen by the filter chain
}

type ResumeAction int

const (
	ResumeContinue   ResumeAction = iota // run the original call
	ResumeSubstitute                     // run (or skip) a substituted call
	ResumeKill                           // kill the tracee
)

// Resumption is the supervisor's answer to a trace event.
type Resumption struct {
	Action ResumeAction
	Nr     int32 // substituted syscall number (NoCall skips the call)
	RetVal int64 // return value observed by the tracee when the call is skipped
}

type CallDisposition int

const (
	CallProceed CallDisposition = iota // execute Nr
	CallReturn                         // do not execute; return RetVal / Errno
	CallTrap                           // do not execute; SIGSYS delivered
	CallKill                           // calling task was killed
)

func (d CallDisposition) String() string {
	switch d {
	case CallProceed:
		return "proceed"
	case CallReturn:
		return "return"
	case CallTrap:
		return "trap"
	case CallKill:
		return "kill"
	}
	return "unknown"
}

// SigsysInfo is the signal information delivered with a trap verdict.
type SigsysInfo struct {
	Signo    unix.Signal
	Errno    uint16 // verdict data
	Syscall  int32
	Arch     uint32
	CallAddr uint64
}

// CallResult tells the syscall-entry hook how to complete one call.
type CallResult struct {
	Disposition CallDisposition
	Verdict     Verdict
	Nr          int32 // call to execute when Disposition is CallProceed
	RetVal      int64
	Errno       unix.Errno
	Sigsys      *SigsysInfo
}
