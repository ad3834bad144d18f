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
	"io/ioutil"
	"testing"
	"time"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/nestybox/sysbox-seccomp/process"
	"github.com/nestybox/sysbox-seccomp/state"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

const supervisorID = 7

func newTracee(t *testing.T, tid uint32) (domain.TaskStateServiceIface, domain.TaskIface) {
	prs := process.NewProcessService()
	prs.Setup(afero.NewMemMapFs())

	tss := state.NewTaskStateService()
	tss.Setup(prs, domain.DefaultLimits)

	tk, err := tss.ThreadGroupCreate(tid, prs.ProcessCreateSeeded(tid, 1000, 1000, false))
	require.NoError(t, err)

	return tss, tk
}

// Tracer with tk attached to supervisorID and interception enabled.
func attachedTracer(t *testing.T, tk domain.TaskIface) *syscallTracer {
	tr := newSyscallTracer()
	require.NoError(t, tr.AllowTracer(tk, supervisorID))
	require.NoError(t, tr.SupervisorAttach(tk, supervisorID))
	require.NoError(t, tr.SetOptions(tk.Tid(), supervisorID, domain.TraceOptSeccomp))
	return tr
}

type interceptResult struct {
	r   domain.Resumption
	err error
}

func interceptAsync(tr *syscallTracer, ctx context.Context, tk domain.TaskIface, msg uint16) chan interceptResult {
	done := make(chan interceptResult, 1)
	go func() {
		r, err := tr.Intercept(ctx, tk, &domain.SeccompData{Nr: 39}, msg)
		done <- interceptResult{r, err}
	}()
	return done
}

func waitResult(t *testing.T, done chan interceptResult) interceptResult {
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("tracee still suspended")
	}
	return interceptResult{}
}

func TestSupervisorAttach(t *testing.T) {
	_, tk := newTracee(t, 100)

	tests := []struct {
		name       string
		allowed    uint32
		supervisor uint32
		wantErr    error
	}{
		{"1", 0, supervisorID, domain.ErrUnknownSupervisor},
		{"2", supervisorID + 1, supervisorID, domain.ErrUnknownSupervisor},
		{"3", supervisorID, supervisorID, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newSyscallTracer()
			require.NoError(t, tr.AllowTracer(tk, tt.allowed))

			err := tr.SupervisorAttach(tk, tt.supervisor)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)

			// Second attachment.
			err = tr.SupervisorAttach(tk, tt.supervisor)
			assert.True(t, errors.Is(err, domain.ErrAlreadyAttached))
		})
	}
}

func TestSessionStates(t *testing.T) {
	_, tk := newTracee(t, 100)
	tr := newSyscallTracer()

	require.NoError(t, tr.AllowTracer(tk, supervisorID))
	require.NoError(t, tr.SupervisorAttach(tk, supervisorID))
	assert.Equal(t, sessionAttaching, tr.sessions[100].state)

	// Not intercepting until the handshake completes.
	_, err := tr.Intercept(context.Background(), tk, &domain.SeccompData{}, 1)
	assert.True(t, errors.Is(err, domain.ErrNoSupervisor))

	err = tr.SetOptions(100, supervisorID+1, domain.TraceOptSeccomp)
	assert.True(t, errors.Is(err, domain.ErrNotAttached))
	err = tr.SetOptions(100, supervisorID, 1<<20)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	// Attached, but interception disabled.
	require.NoError(t, tr.SetOptions(100, supervisorID, 0))
	assert.Equal(t, sessionAttached, tr.sessions[100].state)
	_, err = tr.Intercept(context.Background(), tk, &domain.SeccompData{}, 1)
	assert.True(t, errors.Is(err, domain.ErrNoSupervisor))

	require.NoError(t, tr.Detach(100, supervisorID))
	assert.Nil(t, tr.sessions[100])

	err = tr.Detach(100, supervisorID)
	assert.True(t, errors.Is(err, domain.ErrNotAttached))

	// Allow-list survives detach.
	assert.NoError(t, tr.SupervisorAttach(tk, supervisorID))
}

func TestInterceptResume(t *testing.T) {
	_, tk := newTracee(t, 100)
	tr := attachedTracer(t, tk)

	tests := []struct {
		name string
		msg  uint16
		r    domain.Resumption
	}{
		{"1", 0x1001, domain.Resumption{Action: domain.ResumeContinue}},
		{"2", 0x1002, domain.Resumption{Action: domain.ResumeSubstitute, Nr: 102}},
		{"3", 0x1003, domain.Resumption{Action: domain.ResumeSubstitute, Nr: domain.NoCall, RetVal: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := interceptAsync(tr, context.Background(), tk, tt.msg)

			ev, err := tr.WaitEvent(context.Background(), supervisorID)
			require.NoError(t, err)
			assert.Equal(t, uint32(100), ev.Tracee)
			assert.Equal(t, tt.msg, ev.Msg)
			assert.Equal(t, int32(39), ev.Data.Nr)

			msg, err := tr.EventMessage(100, supervisorID)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, msg)

			require.NoError(t, tr.Resume(100, supervisorID, tt.r))

			res := waitResult(t, done)
			assert.NoError(t, res.err)
			assert.Equal(t, tt.r, res.r)
		})
	}

	// Nothing suspended anymore.
	err := tr.Resume(100, supervisorID, domain.Resumption{})
	assert.True(t, errors.Is(err, domain.ErrNotSuspended))
	assert.Equal(t, 0, tr.tidTrk.len())
}

func TestDetachWhileSuspended(t *testing.T) {
	_, tk := newTracee(t, 100)
	tr := attachedTracer(t, tk)

	done := interceptAsync(tr, context.Background(), tk, 0x1001)

	_, err := tr.WaitEvent(context.Background(), supervisorID)
	require.NoError(t, err)
	require.NoError(t, tr.Detach(100, supervisorID))

	res := waitResult(t, done)
	assert.NoError(t, res.err)
	assert.Equal(t, domain.ResumeKill, res.r.Action)
}

func TestSupervisorExitWhileSuspended(t *testing.T) {
	_, tk := newTracee(t, 100)
	tr := attachedTracer(t, tk)

	done := interceptAsync(tr, context.Background(), tk, 0x1001)

	ev, err := tr.WaitEvent(context.Background(), supervisorID)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1001), ev.Msg)

	tr.SupervisorExit(supervisorID)

	res := waitResult(t, done)
	assert.NoError(t, res.err)
	assert.Equal(t, domain.ResumeKill, res.r.Action)

	_, err = tr.EventMessage(100, supervisorID)
	assert.True(t, errors.Is(err, domain.ErrNotAttached))
}

func TestSupervisorExitReleasesWaiter(t *testing.T) {
	tr := newSyscallTracer()

	waiter := make(chan error, 1)
	go func() {
		_, err := tr.WaitEvent(context.Background(), supervisorID)
		waiter <- err
	}()

	var err error
	require.Eventually(t, func() bool {
		tr.SupervisorExit(supervisorID)
		select {
		case err = <-waiter:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	assert.True(t, errors.Is(err, domain.ErrNotAttached))
}

func TestTraceeExitWhileSuspended(t *testing.T) {
	tss, tk := newTracee(t, 100)
	tr := attachedTracer(t, tk)

	done := interceptAsync(tr, context.Background(), tk, 0x1001)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.supervisors[supervisorID].events) == 1
	}, 5*time.Second, time.Millisecond)

	tss.TaskExit(tk)
	tr.TraceeExit(100)

	res := waitResult(t, done)
	assert.True(t, errors.Is(res.err, domain.ErrTaskExited))

	// Stale event is gone, and so is the allow-list entry.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.WaitEvent(ctx, supervisorID)
	assert.Equal(t, context.DeadlineExceeded, err)

	_, tk2 := newTracee(t, 100)
	err = tr.SupervisorAttach(tk2, supervisorID)
	assert.True(t, errors.Is(err, domain.ErrUnknownSupervisor))
}

func TestInterceptCancel(t *testing.T) {
	_, tk := newTracee(t, 100)
	tr := attachedTracer(t, tk)

	ctx, cancel := context.WithCancel(context.Background())
	done := interceptAsync(tr, ctx, tk, 0x1001)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.supervisors[supervisorID].events) == 1
	}, 5*time.Second, time.Millisecond)

	cancel()

	res := waitResult(t, done)
	assert.Equal(t, context.Canceled, res.err)

	err := tr.Resume(100, supervisorID, domain.Resumption{})
	assert.True(t, errors.Is(err, domain.ErrNotSuspended))
}

func TestResumeInvalid(t *testing.T) {
	_, tk := newTracee(t, 100)
	tr := attachedTracer(t, tk)

	err := tr.Resume(100, supervisorID, domain.Resumption{Action: 42})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	err = tr.Resume(100, supervisorID+1, domain.Resumption{})
	assert.True(t, errors.Is(err, domain.ErrNotAttached))

	err = tr.Resume(101, supervisorID, domain.Resumption{})
	assert.True(t, errors.Is(err, domain.ErrNotAttached))
}

func TestTidTracker(t *testing.T) {
	trk := newTidTracker()

	trk.Lock(1)
	trk.Lock(2)
	assert.Equal(t, 2, trk.len())

	locked := make(chan struct{})
	go func() {
		trk.Lock(1)
		close(locked)
		trk.Unlock(1)
	}()

	select {
	case <-locked:
		t.Fatal("tid 1 locked twice")
	case <-time.After(20 * time.Millisecond):
	}

	trk.Unlock(1)
	<-locked
	trk.Unlock(2)

	require.Eventually(t, func() bool { return trk.len() == 0 }, time.Second, time.Millisecond)
}
