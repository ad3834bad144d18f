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
	"fmt"
	"sync/atomic"

	"github.com/nestybox/sysbox-seccomp/chain"
	"github.com/nestybox/sysbox-seccomp/domain"
)

// Task state. The filtering attributes (chain, mode, no-new-privs) are only
// mutated while holding the thread-group lock, and are read lock-free from
// the syscall evaluation path.
type task struct {
	tid    uint32
	group  *threadGroup
	proc   domain.ProcessIface
	filter atomic.Pointer[chain.Filter]
	mode   atomic.Int32
	nnp    atomic.Bool
	exited atomic.Bool
}

func (t *task) Tid() uint32 {
	return t.tid
}

func (t *task) Tgid() uint32 {
	return t.group.tgid
}

func (t *task) Mode() domain.Mode {
	return domain.Mode(t.mode.Load())
}

func (t *task) NoNewPrivs() bool {
	return t.nnp.Load()
}

func (t *task) Exited() bool {
	return t.exited.Load()
}

func (t *task) Process() domain.ProcessIface {
	return t.proc
}

func (t *task) Filter() domain.FilterIface {
	f := t.filter.Load()
	if f == nil {
		return nil
	}
	return f
}

func (t *task) String() string {
	return fmt.Sprintf("tid = %d, tgid = %d, mode = %s, filters = %d, nnp = %t",
		t.tid, t.group.tgid, t.Mode(), t.filter.Load().Count(), t.NoNewPrivs())
}

// inherit copies the filtering attributes of parent into t. Caller must
// hold parent's thread-group lock.
func (t *task) inherit(parent *task) {
	t.filter.Store(parent.filter.Load())
	t.mode.Store(parent.mode.Load())
	t.nnp.Store(parent.nnp.Load())
}

// install makes head the task's filter chain. Caller must hold the
// thread-group lock.
func (t *task) install(head *chain.Filter) {
	t.filter.Store(head)
	t.mode.Store(int32(domain.ModeFilter))
}
