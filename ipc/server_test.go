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

package ipc_test

import (
	"context"
	"io/ioutil"
	"net"
	"testing"
	"time"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/nestybox/sysbox-seccomp/ipc"
	"github.com/nestybox/sysbox-seccomp/process"
	"github.com/nestybox/sysbox-seccomp/seccomp"
	"github.com/nestybox/sysbox-seccomp/state"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	nrGetpid  = 39
	nrGetppid = 110

	supervisorID = 7
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

func newTestClient(t *testing.T) *ipc.Client {
	return newTestClientFs(t, afero.NewMemMapFs())
}

// newTestClientFs serves an engine whose host processes are read from fs.
func newTestClientFs(t *testing.T, fs afero.Fs) *ipc.Client {
	prs := process.NewProcessService()
	prs.Setup(fs)

	tss := state.NewTaskStateService()
	tss.Setup(prs, domain.DefaultLimits)

	ss := seccomp.NewSeccompService()
	ss.Setup(tss, seccomp.NewSupervisorService(), nil, domain.DefaultLimits, nil)

	srv := ipc.NewIpcService()
	srv.Setup(ss, prs)

	lis := bufconn.Listen(1 << 20)
	go srv.Init(lis)
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}

	c, err := ipc.Dial(context.Background(), "bufnet", grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func newTask(t *testing.T, c *ipc.Client, tid uint32) {
	ctx := context.Background()
	require.NoError(t, c.ThreadGroupCreate(ctx,
		&ipc.TaskRequest{Tid: tid, Uid: 1000, Gid: 1000, Seeded: true}))
	require.NoError(t, c.SetNoNewPrivs(ctx, tid))
}

func asm(t *testing.T, insns ...bpf.Instruction) []bpf.RawInstruction {
	raw, err := bpf.Assemble(insns)
	require.NoError(t, err)
	return raw
}

// Returns code for syscall nr, allow for anything else.
func matchProg(t *testing.T, nr uint32, code uint32) []bpf.RawInstruction {
	return asm(t,
		bpf.LoadAbsolute{Off: domain.SeccompDataNrOff, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: nr, SkipFalse: 1},
		bpf.RetConstant{Val: code},
		bpf.RetConstant{Val: domain.RetAllow},
	)
}

func TestTaskLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	newTask(t, c, 100)

	mode, nnp, err := c.QueryMode(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDisabled, mode)
	assert.True(t, nnp)

	require.NoError(t, c.Seccomp(ctx, 100, domain.SetModeFilter, 0,
		matchProg(t, nrGetpid, domain.RetErrno|uint32(unix.EPERM))))

	require.NoError(t, c.TaskClone(ctx, 100, 101))
	require.NoError(t, c.TaskFork(ctx, 100, 200, nil))

	for _, tid := range []uint32{100, 101, 200} {
		mode, nnp, err := c.QueryMode(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, domain.ModeFilter, mode, "tid %d", tid)
		assert.True(t, nnp, "tid %d", tid)
	}

	require.NoError(t, c.TaskExit(ctx, 101))

	_, _, err = c.QueryMode(ctx, 101)
	assert.True(t, errors.Is(err, domain.ErrNoSuchTask))

	err = c.TaskClone(ctx, 999, 300)
	assert.True(t, errors.Is(err, domain.ErrNoSuchTask))
	assert.Equal(t, unix.ESRCH, domain.Errno(err))
}

func TestHostProcess(t *testing.T) {
	fs := afero.NewMemMapFs()
	status := "Name:\ttest\nUid:\t0\t1000\t0\t0\nGid:\t0\t1000\t0\t0\nNoNewPrivs:\t1\n"
	require.NoError(t, afero.WriteFile(fs, "/proc/300/status", []byte(status), 0644))

	c := newTestClientFs(t, fs)
	ctx := context.Background()

	// Request credentials are ignored when not seeded.
	require.NoError(t, c.ThreadGroupCreate(ctx, &ipc.TaskRequest{Tid: 300, Uid: 5, Gid: 5}))

	_, nnp, err := c.QueryMode(ctx, 300)
	require.NoError(t, err)
	assert.True(t, nnp)

	// no_new_privs read from the host lets the task attach.
	require.NoError(t, c.Seccomp(ctx, 300, domain.SetModeFilter, 0,
		matchProg(t, nrGetpid, domain.RetKill)))

	err = c.ThreadGroupCreate(ctx, &ipc.TaskRequest{Tid: 301})
	assert.True(t, errors.Is(err, domain.ErrNoSuchTask), "got %v", err)
	assert.Equal(t, unix.ESRCH, domain.Errno(err))

	_, _, err = c.QueryMode(ctx, 301)
	assert.True(t, errors.Is(err, domain.ErrNoSuchTask))
}

func TestRemoteErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ThreadGroupCreate(ctx,
		&ipc.TaskRequest{Tid: 100, Uid: 1000, Gid: 1000, Seeded: true}))

	tests := []struct {
		name    string
		op      uint32
		flags   uint32
		raw     []bpf.RawInstruction
		wantErr error
		errno   unix.Errno
	}{
		{"1", 3, 0, nil, domain.ErrInvalidArgument, unix.EINVAL},
		{"2", domain.SetModeFilter, 0, nil, domain.ErrFault, unix.EFAULT},
		{"3", domain.SetModeFilter, 0, []bpf.RawInstruction{}, domain.ErrInvalidProgram, unix.EINVAL},
		{"4", domain.SetModeFilter, 0, matchProg(t, nrGetpid, domain.RetKill),
			domain.ErrPermissionDenied, unix.EACCES},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Seccomp(ctx, 100, tt.op, tt.flags, tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, tt.errno, domain.Errno(err))
		})
	}
}

func TestRemoteDiverged(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	newTask(t, c, 100)
	require.NoError(t, c.TaskClone(ctx, 100, 101))

	// Sibling installs its own chain.
	require.NoError(t, c.Seccomp(ctx, 101, domain.SetModeFilter, 0,
		matchProg(t, nrGetpid, domain.RetKill)))

	err := c.Seccomp(ctx, 100, domain.SetModeFilter, domain.FilterFlagTsync,
		matchProg(t, nrGetppid, domain.RetKill))
	tid, ok := domain.DivergedTid(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, uint32(101), tid)

	mode, _, err := c.QueryMode(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDisabled, mode)
}

func TestRemoteEvaluate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	newTask(t, c, 100)
	require.NoError(t, c.Seccomp(ctx, 100, domain.SetModeFilter, 0,
		asm(t,
			bpf.LoadAbsolute{Off: domain.SeccompDataNrOff, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: nrGetpid, SkipFalse: 1},
			bpf.RetConstant{Val: domain.RetErrno | uint32(unix.EPERM)},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: nrGetppid, SkipFalse: 1},
			bpf.RetConstant{Val: domain.RetTrap | 0x42},
			bpf.RetConstant{Val: domain.RetAllow},
		)))

	res, err := c.EvaluateCall(ctx, 100, &domain.SeccompData{Nr: nrGetpid})
	require.NoError(t, err)
	assert.Equal(t, domain.CallReturn, res.Disposition)
	assert.Equal(t, int64(-1), res.RetVal)
	assert.Equal(t, unix.EPERM, res.Errno)

	data := &domain.SeccompData{
		Nr:                 nrGetppid,
		Arch:               domain.ArchX86_64,
		InstructionPointer: 0x7fff1234,
	}
	res, err = c.EvaluateCall(ctx, 100, data)
	require.NoError(t, err)
	assert.Equal(t, domain.CallTrap, res.Disposition)
	require.NotNil(t, res.Sigsys)
	assert.Equal(t, unix.SIGSYS, res.Sigsys.Signo)
	assert.Equal(t, uint16(0x42), res.Sigsys.Errno)
	assert.Equal(t, int32(nrGetppid), res.Sigsys.Syscall)
	assert.Equal(t, domain.ArchX86_64, res.Sigsys.Arch)
	assert.Equal(t, uint64(0x7fff1234), res.Sigsys.CallAddr)

	res, err = c.EvaluateCall(ctx, 100, &domain.SeccompData{Nr: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.CallProceed, res.Disposition)
	assert.Equal(t, int32(1), res.Nr)

	_, err = c.EvaluateCall(ctx, 555, &domain.SeccompData{Nr: 1})
	assert.True(t, errors.Is(err, domain.ErrNoSuchTask))
}

func TestRemoteSupervisor(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	newTask(t, c, 100)
	require.NoError(t, c.Seccomp(ctx, 100, domain.SetModeFilter, 0,
		matchProg(t, nrGetpid, domain.RetTrace|0x1001)))

	err := c.SupervisorAttach(ctx, 100, supervisorID)
	assert.True(t, errors.Is(err, domain.ErrUnknownSupervisor), "got %v", err)

	require.NoError(t, c.AllowTracer(ctx, 100, supervisorID))
	require.NoError(t, c.SupervisorAttach(ctx, 100, supervisorID))
	require.NoError(t, c.SetOptions(ctx, 100, supervisorID, domain.TraceOptSeccomp))

	type evalResult struct {
		res domain.CallResult
		err error
	}
	done := make(chan evalResult, 1)
	go func() {
		res, err := c.EvaluateCall(ctx, 100, &domain.SeccompData{Nr: nrGetpid})
		done <- evalResult{res, err}
	}()

	ev, err := c.WaitEvent(ctx, supervisorID)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), ev.Tracee)
	assert.Equal(t, uint16(0x1001), ev.Msg)
	assert.Equal(t, int32(nrGetpid), ev.Data.Nr)

	msg, err := c.EventMessage(ctx, 100, supervisorID)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1001), msg)

	require.NoError(t, c.Resume(ctx, 100, supervisorID, domain.Resumption{
		Action: domain.ResumeSubstitute,
		Nr:     domain.NoCall,
		RetVal: 42,
	}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, domain.CallReturn, r.res.Disposition)
		assert.Equal(t, int64(42), r.res.RetVal)
	case <-time.After(5 * time.Second):
		t.Fatal("tracee still suspended")
	}

	err = c.Resume(ctx, 100, supervisorID, domain.Resumption{Action: domain.ResumeContinue})
	assert.True(t, errors.Is(err, domain.ErrNotSuspended), "got %v", err)

	require.NoError(t, c.Detach(ctx, 100, supervisorID))

	err = c.Detach(ctx, 100, supervisorID)
	assert.True(t, errors.Is(err, domain.ErrNotAttached), "got %v", err)

	// With no supervisor left, traced calls fail with ENOSYS.
	res, err := c.EvaluateCall(ctx, 100, &domain.SeccompData{Nr: nrGetpid})
	require.NoError(t, err)
	assert.Equal(t, domain.CallReturn, res.Disposition)
	assert.Equal(t, unix.ENOSYS, res.Errno)
}

func TestRemoteWaitEventDeadline(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.WaitEvent(ctx, supervisorID)
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))

	require.NoError(t, c.SupervisorExit(context.Background(), supervisorID))
}
