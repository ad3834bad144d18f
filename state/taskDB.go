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
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Lock ordering: a thread-group lock may be held while acquiring the service
// lock, never the other way around.
type taskStateService struct {
	sync.RWMutex

	// Index of all live tasks (tid -> *task).
	tasks *iradix.Tree

	// Thread groups indexed by tgid.
	groups map[uint32]*threadGroup

	// Pointer to the service providing process-handling capabilities.
	prs domain.ProcessServiceIface

	// Program and chain size limits.
	limits domain.Limits
}

func NewTaskStateService() domain.TaskStateServiceIface {

	newTSS := &taskStateService{
		tasks:  iradix.New(),
		groups: make(map[uint32]*threadGroup),
		limits: domain.DefaultLimits,
	}

	return newTSS
}

func (tss *taskStateService) Setup(
	prs domain.ProcessServiceIface,
	limits domain.Limits) {

	tss.prs = prs
	tss.limits = limits
}

func (tss *taskStateService) ThreadGroupCreate(
	tgid uint32,
	proc domain.ProcessIface) (domain.TaskIface, error) {

	if proc == nil {
		if tss.prs == nil {
			return nil, errors.Wrapf(domain.ErrInvalidArgument,
				"no process for thread group %d", tgid)
		}
		proc = tss.prs.ProcessCreate(tgid, 0, 0)
	}

	g := newThreadGroup(tgid)
	t := &task{
		tid:   tgid,
		group: g,
		proc:  proc,
	}
	t.nnp.Store(proc.NoNewPrivs())

	g.Lock()
	defer g.Unlock()

	if err := tss.register(t, true); err != nil {
		return nil, err
	}
	g.add(t)

	logrus.Infof("Thread group created: %v", t)

	return t, nil
}

func (tss *taskStateService) TaskClone(
	parent domain.TaskIface,
	tid uint32) (domain.TaskIface, error) {

	p, err := tss.taskOf(parent)
	if err != nil {
		return nil, err
	}

	g := p.group
	g.Lock()
	defer g.Unlock()

	if p.exited.Load() {
		return nil, errors.Wrapf(domain.ErrTaskExited, "clone from tid %d", p.tid)
	}

	t := &task{
		tid:   tid,
		group: g,
		proc:  p.proc,
	}
	t.inherit(p)

	if err := tss.register(t, false); err != nil {
		return nil, err
	}
	g.add(t)

	logrus.Debugf("Task cloned from tid %d: %v", p.tid, t)

	return t, nil
}

func (tss *taskStateService) TaskFork(
	parent domain.TaskIface,
	pid uint32,
	proc domain.ProcessIface) (domain.TaskIface, error) {

	p, err := tss.taskOf(parent)
	if err != nil {
		return nil, err
	}

	if proc == nil {
		if tss.prs == nil {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "no process for pid %d", pid)
		}
		pp := p.proc
		proc = tss.prs.ProcessCreateSeeded(pid, pp.Uid(), pp.Gid(),
			pp.IsSysAdminCapabilitySet())
	}

	pg := p.group
	pg.Lock()
	defer pg.Unlock()

	if p.exited.Load() {
		return nil, errors.Wrapf(domain.ErrTaskExited, "fork from tid %d", p.tid)
	}

	g := newThreadGroup(pid)
	t := &task{
		tid:   pid,
		group: g,
		proc:  proc,
	}
	t.inherit(p)

	// Child group is not reachable by anyone else yet.
	g.Lock()
	defer g.Unlock()

	if err := tss.register(t, true); err != nil {
		return nil, err
	}
	g.add(t)

	logrus.Debugf("Task forked from tid %d: %v", p.tid, t)

	return t, nil
}

func (tss *taskStateService) TaskExit(t domain.TaskIface) {
	tk, err := tss.taskOf(t)
	if err != nil {
		return
	}

	g := tk.group
	g.Lock()
	defer g.Unlock()

	if tk.exited.Swap(true) {
		return
	}
	g.remove(tk.tid)

	tss.Lock()
	tss.tasks, _, _ = tss.tasks.Delete(tidKey(tk.tid))
	if g.len() == 0 && tss.groups[g.tgid] == g {
		delete(tss.groups, g.tgid)
	}
	tss.Unlock()

	logrus.Debugf("Task exited: tid = %d", tk.tid)
}

func (tss *taskStateService) TaskKill(t domain.TaskIface) {
	if t == nil {
		return
	}

	logrus.Warnf("Killing task: %v", t)

	tss.TaskExit(t)
}

func (tss *taskStateService) TaskLookup(tid uint32) domain.TaskIface {
	tss.RLock()
	defer tss.RUnlock()

	v, ok := tss.tasks.Get(tidKey(tid))
	if !ok {
		return nil
	}

	return v.(*task)
}

func (tss *taskStateService) ThreadGroupTasks(tgid uint32) []domain.TaskIface {
	tss.RLock()
	g, ok := tss.groups[tgid]
	tss.RUnlock()

	if !ok {
		return nil
	}

	g.Lock()
	members := g.tasks()
	g.Unlock()

	tasks := make([]domain.TaskIface, 0, len(members))
	for _, t := range members {
		tasks = append(tasks, t)
	}

	return tasks
}

// register adds t to the task index (and its group to the group table for
// group leaders).
func (tss *taskStateService) register(t *task, leader bool) error {
	tss.Lock()
	defer tss.Unlock()

	key := tidKey(t.tid)

	if _, ok := tss.tasks.Get(key); ok {
		logrus.Errorf("Task addition error: tid %d already present", t.tid)
		return errors.Wrapf(domain.ErrInvalidArgument, "tid %d already present", t.tid)
	}

	if leader {
		if _, ok := tss.groups[t.tid]; ok {
			logrus.Errorf("Task addition error: thread group %d already present", t.tid)
			return errors.Wrapf(domain.ErrInvalidArgument,
				"thread group %d already present", t.tid)
		}
		tss.groups[t.tid] = t.group
	}

	tss.tasks, _, _ = tss.tasks.Insert(key, t)

	return nil
}

func (tss *taskStateService) taskOf(t domain.TaskIface) (*task, error) {
	tk, ok := t.(*task)
	if !ok || tk == nil {
		return nil, errors.Wrapf(domain.ErrNoSuchTask, "unknown task %v", t)
	}
	return tk, nil
}
