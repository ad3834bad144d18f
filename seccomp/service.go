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

package seccomp

import (
	"context"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/nestybox/sysbox-seccomp/program"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Largest errno value an errno verdict can report.
const maxErrno = 4095

// Syscalls allowed in strict mode by default (x86_64 numbering): read,
// write, exit and rt_sigreturn.
var DefaultStrictSyscalls = []int32{0, 1, 60, 15}

// Seccomp's policy-engine service struct. External packages will solely rely
// on this struct for their syscall-filtering demands.
type SeccompService struct {
	tss    domain.TaskStateServiceIface  // for task-state interactions
	sps    domain.SupervisorServiceIface // for supervisor interposition
	shape  *domain.RecordShape           // call-record layout seen by programs
	limits domain.Limits                 // program / chain size limits
	strict map[int32]struct{}            // syscalls allowed in strict mode
}

func NewSeccompService() *SeccompService {
	return &SeccompService{}
}

func (ss *SeccompService) Setup(
	tss domain.TaskStateServiceIface,
	sps domain.SupervisorServiceIface,
	shape *domain.RecordShape,
	limits domain.Limits,
	strictSyscalls []int32) {

	if shape == nil {
		shape = domain.LittleEndianShape
	}
	if strictSyscalls == nil {
		strictSyscalls = DefaultStrictSyscalls
	}

	ss.tss = tss
	ss.sps = sps
	ss.shape = shape
	ss.limits = limits
	ss.strict = make(map[int32]struct{}, len(strictSyscalls))

	for _, nr := range strictSyscalls {
		ss.strict[nr] = struct{}{}
	}
}

func (ss *SeccompService) Tasks() domain.TaskStateServiceIface {
	return ss.tss
}

func (ss *SeccompService) Supervisors() domain.SupervisorServiceIface {
	return ss.sps
}

func (ss *SeccompService) Shape() *domain.RecordShape {
	return ss.shape
}

func (ss *SeccompService) Limits() domain.Limits {
	return ss.limits
}

func (ss *SeccompService) task(tid uint32) (domain.TaskIface, error) {
	t := ss.tss.TaskLookup(tid)
	if t == nil {
		return nil, errors.Wrapf(domain.ErrNoSuchTask, "tid %d", tid)
	}
	return t, nil
}

// LoadProgram validates raw instructions against the service's record shape
// and limits.
func (ss *SeccompService) LoadProgram(raw []bpf.RawInstruction) (*program.Program, error) {
	return program.New(raw, ss.shape, ss.limits)
}

func (ss *SeccompService) Attach(tid uint32, prog domain.ProgramIface, flags uint32) error {
	t, err := ss.task(tid)
	if err != nil {
		return err
	}

	return ss.tss.AttachFilter(t, prog, flags)
}

func (ss *SeccompService) EnterStrictMode(tid uint32) error {
	t, err := ss.task(tid)
	if err != nil {
		return err
	}

	return ss.tss.EnterStrict(t)
}

func (ss *SeccompService) QueryMode(tid uint32) (domain.Mode, error) {
	t, err := ss.task(tid)
	if err != nil {
		return domain.ModeDisabled, err
	}

	return t.Mode(), nil
}

func (ss *SeccompService) SetNoNewPrivs(tid uint32) error {
	t, err := ss.task(tid)
	if err != nil {
		return err
	}

	return ss.tss.SetNoNewPrivs(t)
}

func (ss *SeccompService) NoNewPrivs(tid uint32) (bool, error) {
	t, err := ss.task(tid)
	if err != nil {
		return false, err
	}

	return t.NoNewPrivs(), nil
}

// Seccomp is the syscall-style entry point: op selects strict or filter
// mode, flags are only meaningful for filter mode, and raw is the program to
// attach (nil standing for a bad program address).
func (ss *SeccompService) Seccomp(
	tid uint32,
	op uint32,
	flags uint32,
	raw []bpf.RawInstruction) error {

	switch op {
	case domain.SetModeStrict:
		if flags != 0 || raw != nil {
			return errors.Wrapf(domain.ErrInvalidArgument, "strict mode takes no flags nor program")
		}
		return ss.EnterStrictMode(tid)

	case domain.SetModeFilter:
		if flags&^domain.FilterFlagMask != 0 {
			return errors.Wrapf(domain.ErrInvalidArgument, "unknown filter flags %#x", flags)
		}
		if raw == nil {
			return errors.Wrapf(domain.ErrFault, "no program")
		}

		prog, err := ss.LoadProgram(raw)
		if err != nil {
			logrus.Warnf("Invalid program from tid %d: %v", tid, err)
			return err
		}

		return ss.Attach(tid, prog, flags)
	}

	return errors.Wrapf(domain.ErrInvalidArgument, "unknown seccomp operation %d", op)
}

// TaskExit tears down all state of an exiting task, including any tracer
// session where it takes part as tracee or supervisor.
func (ss *SeccompService) TaskExit(tid uint32) error {
	t, err := ss.task(tid)
	if err != nil {
		return err
	}

	ss.tss.TaskExit(t)
	ss.sps.TraceeExit(tid)
	ss.sps.SupervisorExit(tid)

	return nil
}

// EvaluateCall decides how the call described by data, issued by task tid,
// must be completed. The only errors reported concern the task itself
// (unknown, or gone while suspended) and context cancellation.
func (ss *SeccompService) EvaluateCall(
	ctx context.Context,
	tid uint32,
	data *domain.SeccompData) (domain.CallResult, error) {

	t, err := ss.task(tid)
	if err != nil {
		return domain.CallResult{}, err
	}

	switch t.Mode() {
	case domain.ModeDisabled:
		return proceed(data.Nr, domain.Verdict{Action: domain.ActionAllow}), nil

	case domain.ModeStrict:
		if _, ok := ss.strict[data.Nr]; ok {
			return proceed(data.Nr, domain.Verdict{Action: domain.ActionAllow}), nil
		}
		logrus.Warnf("Syscall %d not allowed in strict mode: tid %d", data.Nr, tid)
		return ss.kill(t, domain.Verdict{Action: domain.ActionKill}), nil
	}

	return ss.evaluateFilter(ctx, t, data, false)
}

// evaluateFilter runs the task's chain. When recheck is set the call has
// already been through a supervisor, and a trace verdict lets it proceed.
func (ss *SeccompService) evaluateFilter(
	ctx context.Context,
	t domain.TaskIface,
	data *domain.SeccompData,
	recheck bool) (domain.CallResult, error) {

	f := t.Filter()
	if f == nil {
		return proceed(data.Nr, domain.Verdict{Action: domain.ActionAllow}), nil
	}

	v := f.Decide(data)

	logrus.Debugf("Syscall %d from tid %d: %v", data.Nr, t.Tid(), v)

	switch v.Action {
	case domain.ActionAllow:
		return proceed(data.Nr, v), nil

	case domain.ActionErrno:
		errno := int(v.Data)
		if errno > maxErrno {
			errno = maxErrno
		}
		if errno == 0 {
			return domain.CallResult{Disposition: domain.CallReturn, Verdict: v, Nr: data.Nr}, nil
		}
		return domain.CallResult{
			Disposition: domain.CallReturn,
			Verdict:     v,
			Nr:          data.Nr,
			RetVal:      -1,
			Errno:       unix.Errno(errno),
		}, nil

	case domain.ActionTrap:
		return domain.CallResult{
			Disposition: domain.CallTrap,
			Verdict:     v,
			Nr:          data.Nr,
			Sigsys: &domain.SigsysInfo{
				Signo:    unix.SIGSYS,
				Errno:    v.Data,
				Syscall:  data.Nr,
				Arch:     data.Arch,
				CallAddr: data.InstructionPointer,
			},
		}, nil

	case domain.ActionTrace:
		if recheck {
			return proceed(data.Nr, v), nil
		}
		return ss.trace(ctx, t, data, v)
	}

	return ss.kill(t, v), nil
}

func (ss *SeccompService) trace(
	ctx context.Context,
	t domain.TaskIface,
	data *domain.SeccompData,
	v domain.Verdict) (domain.CallResult, error) {

	r, err := ss.sps.Intercept(ctx, t, data, v.Data)
	if err != nil {
		if errors.Is(err, domain.ErrNoSupervisor) {
			return domain.CallResult{
				Disposition: domain.CallReturn,
				Verdict:     v,
				Nr:          data.Nr,
				RetVal:      -1,
				Errno:       unix.ENOSYS,
			}, nil
		}
		return domain.CallResult{}, err
	}

	switch r.Action {
	case domain.ResumeContinue:
		// Supervisor may have changed task state: re-evaluate.
		return ss.evaluateFilter(ctx, t, data, true)

	case domain.ResumeSubstitute:
		// Any negative number skips the call.
		if r.Nr < 0 {
			return domain.CallResult{
				Disposition: domain.CallReturn,
				Verdict:     v,
				Nr:          domain.NoCall,
				RetVal:      r.RetVal,
			}, nil
		}
		sub := *data
		sub.Nr = r.Nr
		return ss.evaluateFilter(ctx, t, &sub, true)
	}

	logrus.Warnf("Tid %d killed on resume (supervisor gone)", t.Tid())

	return ss.kill(t, domain.Verdict{Action: domain.ActionKill}), nil
}

func (ss *SeccompService) kill(t domain.TaskIface, v domain.Verdict) domain.CallResult {
	ss.tss.TaskKill(t)
	ss.sps.TraceeExit(t.Tid())
	ss.sps.SupervisorExit(t.Tid())

	return domain.CallResult{Disposition: domain.CallKill, Verdict: v}
}

func proceed(nr int32, v domain.Verdict) domain.CallResult {
	return domain.CallResult{Disposition: domain.CallProceed, Verdict: v, Nr: nr}
}
