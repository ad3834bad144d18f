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

package ipc

import (
	"context"
	"fmt"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// TaskRequest carries task lifecycle events reported by the host. Parent is
// only meaningful for clone and fork. When Seeded is set the credentials
// below are used as-is instead of being read from the host.
type TaskRequest struct {
	Tid      uint32 `json:"tid"`
	Parent   uint32 `json:"parent,omitempty"`
	Uid      uint32 `json:"uid,omitempty"`
	Gid      uint32 `json:"gid,omitempty"`
	SysAdmin bool   `json:"sysAdmin,omitempty"`
	Seeded   bool   `json:"seeded,omitempty"`
}

// SeccompRequest mirrors the seccomp() system call. A nil Program stands for
// a bad program address.
type SeccompRequest struct {
	Tid     uint32               `json:"tid"`
	Op      uint32               `json:"op"`
	Flags   uint32               `json:"flags"`
	Program []bpf.RawInstruction `json:"program"`
}

type ModeResponse struct {
	Status
	Mode       domain.Mode `json:"mode"`
	NoNewPrivs bool        `json:"noNewPrivs"`
}

type EvaluateRequest struct {
	Tid  uint32             `json:"tid"`
	Data domain.SeccompData `json:"data"`
}

type EvaluateResponse struct {
	Status
	Result domain.CallResult `json:"result"`
}

// TracerRequest addresses a tracee on behalf of a supervisor.
type TracerRequest struct {
	Tracee     uint32              `json:"tracee"`
	Supervisor uint32              `json:"supervisor"`
	Options    domain.TraceOptions `json:"options,omitempty"`
	Resumption domain.Resumption   `json:"resumption"`
}

type EventResponse struct {
	Status
	Event domain.TraceEvent `json:"event"`
	Msg   uint16            `json:"msg,omitempty"`
}

// Status reports the outcome of every call. A zero Errno means success.
type Status struct {
	Errno       int32  `json:"errno,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Error       string `json:"error,omitempty"`
	DivergedTid uint32 `json:"divergedTid,omitempty"`
}

var errorKinds = []struct {
	kind string
	err  error
}{
	{"invalid-program", domain.ErrInvalidProgram},
	{"budget-exceeded", domain.ErrBudgetExceeded},
	{"mode-locked", domain.ErrModeLocked},
	{"permission-denied", domain.ErrPermissionDenied},
	{"no-supervisor", domain.ErrNoSupervisor},
	{"unknown-supervisor", domain.ErrUnknownSupervisor},
	{"invalid-argument", domain.ErrInvalidArgument},
	{"fault", domain.ErrFault},
	{"no-such-task", domain.ErrNoSuchTask},
	{"task-exited", domain.ErrTaskExited},
	{"already-attached", domain.ErrAlreadyAttached},
	{"not-attached", domain.ErrNotAttached},
	{"not-suspended", domain.ErrNotSuspended},
	{"canceled", context.Canceled},
	{"deadline-exceeded", context.DeadlineExceeded},
}

const kindDiverged = "diverged"

// RemoteError is reported for failures the engine could not classify.
type RemoteError struct {
	Errno unix.Errno
	Msg   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%v): %s", e.Errno, e.Msg)
}

// wireError carries a classified engine error across the wire.
type wireError struct {
	cause error
	msg   string
}

func (e *wireError) Error() string { return e.msg }
func (e *wireError) Cause() error  { return e.cause }
func (e *wireError) Unwrap() error { return e.cause }

func statusOf(err error) Status {
	if err == nil {
		return Status{}
	}

	st := Status{
		Errno: int32(domain.Errno(err)),
		Error: err.Error(),
	}

	if tid, ok := domain.DivergedTid(err); ok {
		st.Kind = kindDiverged
		st.DivergedTid = tid
		return st
	}

	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			st.Kind = k.kind
			break
		}
	}

	return st
}

// Err rebuilds the error described by the status, so that errors.Is() and
// errors.As() behave on the client as they do on the engine.
func (st *Status) Err() error {
	if st.Errno == 0 && st.Kind == "" {
		return nil
	}

	if st.Kind == kindDiverged {
		return &domain.DivergedError{Tid: st.DivergedTid}
	}

	for _, k := range errorKinds {
		if k.kind == st.Kind {
			return &wireError{cause: k.err, msg: st.Error}
		}
	}

	return &RemoteError{Errno: unix.Errno(st.Errno), Msg: st.Error}
}
