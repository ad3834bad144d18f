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
	"net"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/nestybox/sysbox-seccomp/seccomp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const serviceName = "sysboxSeccomp.Engine"

type engineServer interface {
	domain.IpcServiceIface
}

// IpcService exposes a SeccompService over gRPC.
type IpcService struct {
	grpcServer *grpc.Server
	ss         *seccomp.SeccompService
	prs        domain.ProcessServiceIface
}

func NewIpcService() *IpcService {
	return &IpcService{}
}

func (s *IpcService) Setup(
	ss *seccomp.SeccompService,
	prs domain.ProcessServiceIface) {

	s.ss = ss
	s.prs = prs
	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(codec{}),
		grpc.UnaryInterceptor(logInterceptor),
	)
	s.grpcServer.RegisterService(&engineServiceDesc, s)
}

// Init serves requests on lis until Stop() is called.
func (s *IpcService) Init(lis net.Listener) error {
	logrus.Infof("Listening on %v", lis.Addr())

	return s.grpcServer.Serve(lis)
}

// Stop closes all connections. Outstanding WaitEvent() calls are cancelled.
func (s *IpcService) Stop() {
	s.grpcServer.Stop()
}

func logInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {

	logrus.Debugf("Received %s request: %+v", info.FullMethod, req)

	return handler(ctx, req)
}

// unary adapts an IpcService method to a grpc method descriptor.
func unary[Req any, Resp any](
	name string,
	fn func(*IpcService, context.Context, *Req) *Resp) grpc.MethodDesc {

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(
			srv interface{},
			ctx context.Context,
			dec func(interface{}) error,
			interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(*IpcService), ctx, req.(*Req)), nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + name,
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*engineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ThreadGroupCreate", (*IpcService).threadGroupCreate),
		unary("TaskClone", (*IpcService).taskClone),
		unary("TaskFork", (*IpcService).taskFork),
		unary("TaskExit", (*IpcService).taskExit),
		unary("Seccomp", (*IpcService).seccomp),
		unary("SetNoNewPrivs", (*IpcService).setNoNewPrivs),
		unary("QueryMode", (*IpcService).queryMode),
		unary("EvaluateCall", (*IpcService).evaluateCall),
		unary("AllowTracer", (*IpcService).allowTracer),
		unary("SupervisorAttach", (*IpcService).supervisorAttach),
		unary("SetOptions", (*IpcService).setOptions),
		unary("WaitEvent", (*IpcService).waitEvent),
		unary("EventMessage", (*IpcService).eventMessage),
		unary("Resume", (*IpcService).resume),
		unary("Detach", (*IpcService).detach),
		unary("SupervisorExit", (*IpcService).supervisorExit),
	},
	Streams: []grpc.StreamDesc{},
}

// process returns the request's seeded credentials, or the host's view of
// the process when the request doesn't seed them.
func (s *IpcService) process(req *TaskRequest) (domain.ProcessIface, error) {
	if req.Seeded {
		return s.prs.ProcessCreateSeeded(req.Tid, req.Uid, req.Gid, req.SysAdmin), nil
	}

	proc, err := s.prs.ProcessCreateFromStatus(req.Tid)
	if err != nil {
		logrus.Warnf("No host process for pid %d: %v", req.Tid, err)
		return nil, errors.Wrapf(domain.ErrNoSuchTask, "pid %d: %v", req.Tid, err)
	}

	return proc, nil
}

func (s *IpcService) task(tid uint32) (domain.TaskIface, error) {
	t := s.ss.Tasks().TaskLookup(tid)
	if t == nil {
		return nil, errors.Wrapf(domain.ErrNoSuchTask, "tid %d", tid)
	}
	return t, nil
}

func (s *IpcService) threadGroupCreate(
	ctx context.Context,
	req *TaskRequest) *Status {

	proc, err := s.process(req)
	if err == nil {
		_, err = s.ss.Tasks().ThreadGroupCreate(req.Tid, proc)
	}
	st := statusOf(err)

	return &st
}

func (s *IpcService) taskClone(ctx context.Context, req *TaskRequest) *Status {
	parent, err := s.task(req.Parent)
	if err == nil {
		_, err = s.ss.Tasks().TaskClone(parent, req.Tid)
	}
	st := statusOf(err)

	return &st
}

// taskFork creates the child's process from the parent's credentials unless
// the request seeds them.
func (s *IpcService) taskFork(ctx context.Context, req *TaskRequest) *Status {
	var proc domain.ProcessIface
	if req.Seeded {
		proc = s.prs.ProcessCreateSeeded(req.Tid, req.Uid, req.Gid, req.SysAdmin)
	}

	parent, err := s.task(req.Parent)
	if err == nil {
		_, err = s.ss.Tasks().TaskFork(parent, req.Tid, proc)
	}
	st := statusOf(err)

	return &st
}

func (s *IpcService) taskExit(ctx context.Context, req *TaskRequest) *Status {
	st := statusOf(s.ss.TaskExit(req.Tid))
	return &st
}

func (s *IpcService) seccomp(ctx context.Context, req *SeccompRequest) *Status {
	st := statusOf(s.ss.Seccomp(req.Tid, req.Op, req.Flags, req.Program))
	return &st
}

func (s *IpcService) setNoNewPrivs(ctx context.Context, req *TaskRequest) *Status {
	st := statusOf(s.ss.SetNoNewPrivs(req.Tid))
	return &st
}

func (s *IpcService) queryMode(ctx context.Context, req *TaskRequest) *ModeResponse {
	t, err := s.task(req.Tid)
	if err != nil {
		return &ModeResponse{Status: statusOf(err)}
	}

	return &ModeResponse{Mode: t.Mode(), NoNewPrivs: t.NoNewPrivs()}
}

func (s *IpcService) evaluateCall(
	ctx context.Context,
	req *EvaluateRequest) *EvaluateResponse {

	res, err := s.ss.EvaluateCall(ctx, req.Tid, &req.Data)

	return &EvaluateResponse{Status: statusOf(err), Result: res}
}

func (s *IpcService) allowTracer(ctx context.Context, req *TracerRequest) *Status {
	t, err := s.task(req.Tracee)
	if err == nil {
		err = s.ss.Supervisors().AllowTracer(t, req.Supervisor)
	}
	st := statusOf(err)

	return &st
}

func (s *IpcService) supervisorAttach(ctx context.Context, req *TracerRequest) *Status {
	t, err := s.task(req.Tracee)
	if err == nil {
		err = s.ss.Supervisors().SupervisorAttach(t, req.Supervisor)
	}
	st := statusOf(err)

	return &st
}

func (s *IpcService) setOptions(ctx context.Context, req *TracerRequest) *Status {
	err := s.ss.Supervisors().SetOptions(req.Tracee, req.Supervisor, req.Options)
	st := statusOf(err)

	return &st
}

func (s *IpcService) waitEvent(ctx context.Context, req *TracerRequest) *EventResponse {
	ev, err := s.ss.Supervisors().WaitEvent(ctx, req.Supervisor)

	return &EventResponse{Status: statusOf(err), Event: ev, Msg: ev.Msg}
}

func (s *IpcService) eventMessage(ctx context.Context, req *TracerRequest) *EventResponse {
	msg, err := s.ss.Supervisors().EventMessage(req.Tracee, req.Supervisor)

	return &EventResponse{Status: statusOf(err), Msg: msg}
}

func (s *IpcService) resume(ctx context.Context, req *TracerRequest) *Status {
	err := s.ss.Supervisors().Resume(req.Tracee, req.Supervisor, req.Resumption)
	st := statusOf(err)

	return &st
}

func (s *IpcService) detach(ctx context.Context, req *TracerRequest) *Status {
	st := statusOf(s.ss.Supervisors().Detach(req.Tracee, req.Supervisor))
	return &st
}

func (s *IpcService) supervisorExit(ctx context.Context, req *TracerRequest) *Status {
	s.ss.Supervisors().SupervisorExit(req.Supervisor)
	return &Status{}
}
