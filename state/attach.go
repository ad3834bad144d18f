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

package state

import (
	"github.com/nestybox/sysbox-seccomp/chain"
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AttachFilter prepends prog to the task's filter chain. With the TSYNC flag
// the resulting chain is installed on every thread of the task's group, or
// on none of them. Failures leave all state untouched.
func (tss *taskStateService) AttachFilter(
	t domain.TaskIface,
	prog domain.ProgramIface,
	flags uint32) error {

	tk, err := tss.taskOf(t)
	if err != nil {
		return err
	}

	if prog == nil {
		return errors.Wrapf(domain.ErrFault, "nil program")
	}

	if flags&^domain.FilterFlagMask != 0 {
		return errors.Wrapf(domain.ErrInvalidArgument, "unknown filter flags %#x", flags)
	}

	g := tk.group
	g.Lock()
	defer g.Unlock()

	if tk.exited.Load() {
		return errors.Wrapf(domain.ErrTaskExited, "tid %d", tk.tid)
	}

	if err := tss.checkAttach(tk); err != nil {
		logrus.Warnf("Filter attach rejected for tid %d: %v", tk.tid, err)
		return err
	}

	head, err := chain.Attach(tk.filter.Load(), prog, tss.limits)
	if err != nil {
		logrus.Warnf("Filter attach rejected for tid %d: %v", tk.tid, err)
		return err
	}

	if flags&domain.FilterFlagTsync != 0 {
		if err := tss.tsync(tk, head); err != nil {
			logrus.Warnf("Filter sync rejected for tid %d: %v", tk.tid, err)
			return err
		}
	}

	tk.install(head)

	logrus.Infof("Filter %s attached: %v", prog.Digest(), tk)

	return nil
}

// Caller must hold the task's group lock.
func (tss *taskStateService) checkAttach(tk *task) error {

	if tk.Mode() == domain.ModeStrict {
		return errors.Wrapf(domain.ErrModeLocked, "tid %d in strict mode", tk.tid)
	}

	if !tk.nnp.Load() && !tk.proc.IsSysAdminCapabilitySet() {
		return errors.Wrapf(domain.ErrPermissionDenied, "tid %d", tk.tid)
	}

	return nil
}

// EnterStrict switches an unrestricted task to strict mode. Entering strict
// mode twice is allowed; a task with a filter chain can't.
func (tss *taskStateService) EnterStrict(t domain.TaskIface) error {

	tk, err := tss.taskOf(t)
	if err != nil {
		return err
	}

	g := tk.group
	g.Lock()
	defer g.Unlock()

	if tk.exited.Load() {
		return errors.Wrapf(domain.ErrTaskExited, "tid %d", tk.tid)
	}

	switch tk.Mode() {
	case domain.ModeStrict:
		return nil
	case domain.ModeFilter:
		logrus.Warnf("Strict mode rejected for tid %d: filter attached", tk.tid)
		return errors.Wrapf(domain.ErrModeLocked, "tid %d in filter mode", tk.tid)
	}

	tk.mode.Store(int32(domain.ModeStrict))

	logrus.Infof("Strict mode entered: %v", tk)

	return nil
}

// SetNoNewPrivs sets the (one-way) no-new-privs attribute of the task.
func (tss *taskStateService) SetNoNewPrivs(t domain.TaskIface) error {

	tk, err := tss.taskOf(t)
	if err != nil {
		return err
	}

	g := tk.group
	g.Lock()
	defer g.Unlock()

	if tk.exited.Load() {
		return errors.Wrapf(domain.ErrTaskExited, "tid %d", tk.tid)
	}

	tk.nnp.Store(true)

	return nil
}
