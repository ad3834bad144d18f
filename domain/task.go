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

import "context"

// ProgramIface is a validated filter program. Programs are immutable once
// built and may be shared by any number of filter chains.
type ProgramIface interface {
	Len() int
	Evaluate(data *SeccompData) uint32
	Digest() string
}

// FilterIface is the (read-only) filter chain attached to a task.
type FilterIface interface {
	// Number of programs in the chain.
	Count() int
	// Instructions charged against the chain budget, penalties included.
	Len() int
	// Combined verdict of every program in the chain.
	Decide(data *SeccompData) Verdict
}

// Task interface. A task is a single thread of execution; tasks sharing an
// address space belong to the same thread group.
type TaskIface interface {
	Tid() uint32
	Tgid() uint32
	Mode() Mode
	NoNewPrivs() bool
	Exited() bool
	Filter() FilterIface
	Process() ProcessIface
	String() string
}

// TaskStateServiceIface defines the APIs that engine components must utilize
// to create tasks and to mutate their filtering state.
type TaskStateServiceIface interface {
	Setup(prs ProcessServiceIface, limits Limits)

	ThreadGroupCreate(tgid uint32, proc ProcessIface) (TaskIface, error)
	TaskClone(parent TaskIface, tid uint32) (TaskIface, error)
	TaskFork(parent TaskIface, pid uint32, proc ProcessIface) (TaskIface, error)
	TaskExit(t TaskIface)
	TaskKill(t TaskIface)
	TaskLookup(tid uint32) TaskIface
	ThreadGroupTasks(tgid uint32) []TaskIface

	SetNoNewPrivs(t TaskIface) error
	EnterStrict(t TaskIface) error
	AttachFilter(t TaskIface, prog ProgramIface, flags uint32) error
}

// SupervisorServiceIface defines the supervisor interposition protocol.
type SupervisorServiceIface interface {
	AllowTracer(tracee TaskIface, supervisor uint32) error
	SupervisorAttach(tracee TaskIface, supervisor uint32) error
	SetOptions(tracee uint32, supervisor uint32, opts TraceOptions) error
	Intercept(ctx context.Context, tracee TaskIface, data *SeccompData, msg uint16) (Resumption, error)

	WaitEvent(ctx context.Context, supervisor uint32) (TraceEvent, error)
	EventMessage(tracee uint32, supervisor uint32) (uint16, error)
	Resume(tracee uint32, supervisor uint32, r Resumption) error
	Detach(tracee uint32, supervisor uint32) error
	SupervisorExit(supervisor uint32)
	TraceeExit(tracee uint32)
}
