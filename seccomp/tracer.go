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
	"sync"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type sessionState int

const (
	sessionDetached sessionState = iota
	sessionAttaching
	sessionAttached
)

func (s sessionState) String() string {
	switch s {
	case sessionDetached:
		return "detached"
	case sessionAttaching:
		return "attaching"
	case sessionAttached:
		return "attached"
	}
	return "unknown"
}

// traceeSession holds state associated to every supervised tracee.
type traceeSession struct {
	tracee     uint32              // tid of the tracee
	supervisor uint32              // identity of the attached supervisor
	state      sessionState        // attachment state
	options    domain.TraceOptions // interception options
	lastMsg    uint16              // message of the most recent trace event
	resumeCh   chan resumeMsg      // non-nil while the tracee is suspended
}

type resumeMsg struct {
	r   domain.Resumption
	err error
}

// supervisorQueue holds the events pending delivery to one supervisor.
type supervisorQueue struct {
	events []domain.TraceEvent
	notify chan struct{}
	gone   chan struct{}
}

// Supervisor interposition tracer. Tracees suspended by a trace verdict block
// in Intercept() until their supervisor resumes them, detaches, or exits.
type syscallTracer struct {
	mu          sync.Mutex
	ptracers    map[uint32]uint32           // tracee -> allowed supervisor
	sessions    map[uint32]*traceeSession   // tracee -> session
	supervisors map[uint32]*supervisorQueue // supervisor -> pending events
	tidTrk      *tidTracker                 // one outstanding event per tracee
}

func NewSupervisorService() domain.SupervisorServiceIface {
	return newSyscallTracer()
}

// syscallTracer constructor.
func newSyscallTracer() *syscallTracer {
	return &syscallTracer{
		ptracers:    make(map[uint32]uint32),
		sessions:    make(map[uint32]*traceeSession),
		supervisors: make(map[uint32]*supervisorQueue),
		tidTrk:      newTidTracker(),
	}
}

func liveTask(t domain.TaskIface) error {
	if t == nil {
		return errors.Wrapf(domain.ErrNoSuchTask, "nil tracee")
	}
	if t.Exited() {
		return errors.Wrapf(domain.ErrTaskExited, "tid %d", t.Tid())
	}
	return nil
}

// AllowTracer records the single supervisor identity allowed to attach to
// the tracee. A zero identity clears it.
func (t *syscallTracer) AllowTracer(tracee domain.TaskIface, supervisor uint32) error {
	if err := liveTask(tracee); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if supervisor == 0 {
		delete(t.ptracers, tracee.Tid())
	} else {
		t.ptracers[tracee.Tid()] = supervisor
	}

	logrus.Debugf("Tracer allowed for tid %d: %d", tracee.Tid(), supervisor)

	return nil
}

func (t *syscallTracer) SupervisorAttach(tracee domain.TaskIface, supervisor uint32) error {
	if err := liveTask(tracee); err != nil {
		return err
	}
	tid := tracee.Tid()

	t.mu.Lock()
	defer t.mu.Unlock()

	if allowed, ok := t.ptracers[tid]; !ok || allowed != supervisor {
		logrus.Warnf("Supervisor %d not allowed to attach to tid %d", supervisor, tid)
		return errors.Wrapf(domain.ErrUnknownSupervisor, "supervisor %d, tid %d", supervisor, tid)
	}

	if s, ok := t.sessions[tid]; ok && s.state != sessionDetached {
		return errors.Wrapf(domain.ErrAlreadyAttached,
			"tid %d (supervisor %d)", tid, s.supervisor)
	}

	t.sessions[tid] = &traceeSession{
		tracee:     tid,
		supervisor: supervisor,
		state:      sessionAttaching,
	}
	t.queueFor(supervisor)

	logrus.Infof("Supervisor %d attaching to tid %d", supervisor, tid)

	return nil
}

// SetOptions completes the attachment handshake and sets the interception
// options of the session.
func (t *syscallTracer) SetOptions(
	tracee uint32,
	supervisor uint32,
	opts domain.TraceOptions) error {

	if opts&^domain.TraceOptSeccomp != 0 {
		return errors.Wrapf(domain.ErrInvalidArgument, "unknown trace options %#x", opts)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.session(tracee, supervisor)
	if err != nil {
		return err
	}

	s.options = opts
	if s.state == sessionAttaching {
		s.state = sessionAttached
		logrus.Infof("Supervisor %d attached to tid %d", supervisor, tracee)
	}

	return nil
}

// Intercept suspends the tracee and hands the call over to its supervisor.
// It returns the supervisor's resumption, or ErrNoSupervisor when nobody is
// attached and intercepting.
func (t *syscallTracer) Intercept(
	ctx context.Context,
	tracee domain.TaskIface,
	data *domain.SeccompData,
	msg uint16) (domain.Resumption, error) {

	if err := liveTask(tracee); err != nil {
		return domain.Resumption{}, err
	}
	tid := tracee.Tid()

	t.tidTrk.Lock(tid)
	defer t.tidTrk.Unlock(tid)

	t.mu.Lock()

	s, ok := t.sessions[tid]
	if !ok || s.state != sessionAttached || s.options&domain.TraceOptSeccomp == 0 {
		t.mu.Unlock()
		return domain.Resumption{}, domain.ErrNoSupervisor
	}

	ch := make(chan resumeMsg, 1)
	s.resumeCh = ch
	s.lastMsg = msg

	q := t.queueFor(s.supervisor)
	q.events = append(q.events, domain.TraceEvent{Tracee: tid, Msg: msg, Data: *data})
	select {
	case q.notify <- struct{}{}:
	default:
	}

	t.mu.Unlock()

	logrus.Debugf("Tid %d suspended (msg %#x, supervisor %d)", tid, msg, s.supervisor)

	select {
	case m := <-ch:
		return m.r, m.err

	case <-ctx.Done():
		t.mu.Lock()
		if s.resumeCh == ch {
			s.resumeCh = nil
			t.dropEvents(s.supervisor, tid)
		}
		t.mu.Unlock()

		// A resumption may have raced with the cancellation.
		select {
		case m := <-ch:
			return m.r, m.err
		default:
		}

		return domain.Resumption{}, ctx.Err()
	}
}

// WaitEvent blocks until one of the supervisor's tracees is suspended.
func (t *syscallTracer) WaitEvent(
	ctx context.Context,
	supervisor uint32) (domain.TraceEvent, error) {

	for {
		t.mu.Lock()
		q := t.queueFor(supervisor)
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			t.mu.Unlock()
			return ev, nil
		}
		notify, gone := q.notify, q.gone
		t.mu.Unlock()

		select {
		case <-notify:
		case <-gone:
			return domain.TraceEvent{}, errors.Wrapf(domain.ErrNotAttached,
				"supervisor %d exited", supervisor)
		case <-ctx.Done():
			return domain.TraceEvent{}, ctx.Err()
		}
	}
}

// EventMessage returns the message carried by the most recent trace event of
// the tracee.
func (t *syscallTracer) EventMessage(tracee uint32, supervisor uint32) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.session(tracee, supervisor)
	if err != nil {
		return 0, err
	}

	return s.lastMsg, nil
}

func (t *syscallTracer) Resume(
	tracee uint32,
	supervisor uint32,
	r domain.Resumption) error {

	switch r.Action {
	case domain.ResumeContinue, domain.ResumeSubstitute, domain.ResumeKill:
	default:
		return errors.Wrapf(domain.ErrInvalidArgument, "resume action %d", r.Action)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.session(tracee, supervisor)
	if err != nil {
		return err
	}

	if s.resumeCh == nil {
		return errors.Wrapf(domain.ErrNotSuspended, "tid %d", tracee)
	}

	t.wake(s, resumeMsg{r: r})

	logrus.Debugf("Tid %d resumed by supervisor %d: %+v", tracee, supervisor, r)

	return nil
}

// Detach ends the session. A suspended tracee is resumed with a kill.
func (t *syscallTracer) Detach(tracee uint32, supervisor uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.session(tracee, supervisor)
	if err != nil {
		return err
	}

	t.detach(s)

	return nil
}

// SupervisorExit detaches every session of the supervisor and releases its
// waiters.
func (t *syscallTracer) SupervisorExit(supervisor uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		if s.supervisor == supervisor {
			t.detach(s)
		}
	}

	if q, ok := t.supervisors[supervisor]; ok {
		close(q.gone)
		delete(t.supervisors, supervisor)
	}
}

// TraceeExit releases a suspended tracee and drops all of its tracer state.
func (t *syscallTracer) TraceeExit(tracee uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.ptracers, tracee)

	s, ok := t.sessions[tracee]
	if !ok {
		return
	}

	if s.resumeCh != nil {
		t.wake(s, resumeMsg{err: errors.Wrapf(domain.ErrTaskExited, "tid %d", tracee)})
	}
	delete(t.sessions, tracee)

	logrus.Debugf("Removed session for tracee %d", tracee)
}

// Caller must hold t.mu.
func (t *syscallTracer) session(tracee uint32, supervisor uint32) (*traceeSession, error) {
	s, ok := t.sessions[tracee]
	if !ok || s.supervisor != supervisor || s.state == sessionDetached {
		return nil, errors.Wrapf(domain.ErrNotAttached,
			"supervisor %d, tid %d", supervisor, tracee)
	}
	return s, nil
}

// Caller must hold t.mu.
func (t *syscallTracer) detach(s *traceeSession) {
	if s.resumeCh != nil {
		t.wake(s, resumeMsg{r: domain.Resumption{Action: domain.ResumeKill}})
	}

	s.state = sessionDetached
	delete(t.sessions, s.tracee)

	logrus.Infof("Supervisor %d detached from tid %d", s.supervisor, s.tracee)
}

// Caller must hold t.mu.
func (t *syscallTracer) wake(s *traceeSession, m resumeMsg) {
	s.resumeCh <- m
	s.resumeCh = nil
	t.dropEvents(s.supervisor, s.tracee)
}

// Caller must hold t.mu.
func (t *syscallTracer) queueFor(supervisor uint32) *supervisorQueue {
	q, ok := t.supervisors[supervisor]
	if !ok {
		q = &supervisorQueue{
			notify: make(chan struct{}, 1),
			gone:   make(chan struct{}),
		}
		t.supervisors[supervisor] = q
	}
	return q
}

// dropEvents discards undelivered events of a tracee that's no longer
// suspended. Caller must hold t.mu.
func (t *syscallTracer) dropEvents(supervisor uint32, tracee uint32) {
	q, ok := t.supervisors[supervisor]
	if !ok {
		return
	}

	events := q.events[:0]
	for _, ev := range q.events {
		if ev.Tracee != tracee {
			events = append(events, ev)
		}
	}
	q.events = events
}
