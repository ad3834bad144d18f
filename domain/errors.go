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
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Error kinds reported by the engine. Callers match them with errors.Is().
var (
	ErrInvalidProgram    = errors.New("invalid filter program")
	ErrBudgetExceeded    = errors.New("filter chain instruction budget exceeded")
	ErrModeLocked        = errors.New("seccomp mode locked")
	ErrPermissionDenied  = errors.New("no_new_privs or CAP_SYS_ADMIN required")
	ErrNoSupervisor      = errors.New("no supervisor attached")
	ErrUnknownSupervisor = errors.New("supervisor not allowed by tracee")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrFault             = errors.New("bad program address")
	ErrNoSuchTask        = errors.New("no such task")
	ErrTaskExited        = errors.New("task exited")
	ErrAlreadyAttached   = errors.New("tracee already has a supervisor")
	ErrNotAttached       = errors.New("supervisor not attached to tracee")
	ErrNotSuspended      = errors.New("tracee not suspended")
)

// DivergedError is returned by a thread-group synchronized attachment when a
// sibling thread carries a filter chain the caller's chain does not descend
// from.
type DivergedError struct {
	Tid uint32
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("thread %d diverged from caller's filter chain", e.Tid)
}

// DivergedTid extracts the diverging thread id from err, if any.
func DivergedTid(err error) (uint32, bool) {
	var de *DivergedError
	if errors.As(err, &de) {
		return de.Tid, true
	}
	return 0, false
}

var errnoTable = []struct {
	err   error
	errno unix.Errno
}{
	{ErrInvalidProgram, unix.EINVAL},
	{ErrBudgetExceeded, unix.ENOMEM},
	{ErrModeLocked, unix.EINVAL},
	{ErrPermissionDenied, unix.EACCES},
	{ErrNoSupervisor, unix.ENOSYS},
	{ErrUnknownSupervisor, unix.EPERM},
	{ErrInvalidArgument, unix.EINVAL},
	{ErrFault, unix.EFAULT},
	{ErrNoSuchTask, unix.ESRCH},
	{ErrTaskExited, unix.ESRCH},
	{ErrAlreadyAttached, unix.EPERM},
	{ErrNotAttached, unix.ESRCH},
	{ErrNotSuspended, unix.ESRCH},
}

// Errno maps an engine error to the errno a syscall-style caller would see.
// Unknown errors map to EINVAL.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if _, ok := DivergedTid(err); ok {
		return unix.ESRCH
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	if errno, ok := errors.Cause(err).(unix.Errno); ok {
		return errno
	}
	return unix.EINVAL
}
