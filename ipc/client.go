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

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client drives a remote engine. Hosts use it to report task events and ask
// for call verdicts; supervisors use it to wait for and resume their tracees.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the engine at target. Extra options are appended to the
// defaults (plaintext transport, JSON codec).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}, opts...)

	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", target)
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

func (c *Client) status(ctx context.Context, method string, req interface{}) error {
	var st Status
	if err := c.call(ctx, method, req, &st); err != nil {
		return err
	}
	return st.Err()
}

func (c *Client) ThreadGroupCreate(ctx context.Context, req *TaskRequest) error {
	return c.status(ctx, "ThreadGroupCreate", req)
}

func (c *Client) TaskClone(ctx context.Context, parent, tid uint32) error {
	return c.status(ctx, "TaskClone", &TaskRequest{Tid: tid, Parent: parent})
}

// TaskFork registers a new thread group. A nil req inherits the parent's
// credentials.
func (c *Client) TaskFork(ctx context.Context, parent, pid uint32, req *TaskRequest) error {
	if req == nil {
		req = &TaskRequest{}
	}
	r := *req
	r.Tid = pid
	r.Parent = parent

	return c.status(ctx, "TaskFork", &r)
}

func (c *Client) TaskExit(ctx context.Context, tid uint32) error {
	return c.status(ctx, "TaskExit", &TaskRequest{Tid: tid})
}

func (c *Client) Seccomp(
	ctx context.Context,
	tid uint32,
	op uint32,
	flags uint32,
	raw []bpf.RawInstruction) error {

	return c.status(ctx, "Seccomp", &SeccompRequest{
		Tid:     tid,
		Op:      op,
		Flags:   flags,
		Program: raw,
	})
}

func (c *Client) SetNoNewPrivs(ctx context.Context, tid uint32) error {
	return c.status(ctx, "SetNoNewPrivs", &TaskRequest{Tid: tid})
}

// QueryMode returns the task's mode and its no-new-privs flag.
func (c *Client) QueryMode(ctx context.Context, tid uint32) (domain.Mode, bool, error) {
	var resp ModeResponse
	if err := c.call(ctx, "QueryMode", &TaskRequest{Tid: tid}, &resp); err != nil {
		return domain.ModeDisabled, false, err
	}
	if err := resp.Err(); err != nil {
		return domain.ModeDisabled, false, err
	}

	return resp.Mode, resp.NoNewPrivs, nil
}

func (c *Client) EvaluateCall(
	ctx context.Context,
	tid uint32,
	data *domain.SeccompData) (domain.CallResult, error) {

	var resp EvaluateResponse
	req := &EvaluateRequest{Tid: tid, Data: *data}
	if err := c.call(ctx, "EvaluateCall", req, &resp); err != nil {
		return domain.CallResult{}, err
	}
	if err := resp.Err(); err != nil {
		return domain.CallResult{}, err
	}

	return resp.Result, nil
}

func (c *Client) AllowTracer(ctx context.Context, tracee, supervisor uint32) error {
	return c.status(ctx, "AllowTracer", &TracerRequest{Tracee: tracee, Supervisor: supervisor})
}

func (c *Client) SupervisorAttach(ctx context.Context, tracee, supervisor uint32) error {
	return c.status(ctx, "SupervisorAttach",
		&TracerRequest{Tracee: tracee, Supervisor: supervisor})
}

func (c *Client) SetOptions(
	ctx context.Context,
	tracee uint32,
	supervisor uint32,
	opts domain.TraceOptions) error {

	return c.status(ctx, "SetOptions",
		&TracerRequest{Tracee: tracee, Supervisor: supervisor, Options: opts})
}

func (c *Client) WaitEvent(ctx context.Context, supervisor uint32) (domain.TraceEvent, error) {
	var resp EventResponse
	if err := c.call(ctx, "WaitEvent", &TracerRequest{Supervisor: supervisor}, &resp); err != nil {
		return domain.TraceEvent{}, err
	}
	if err := resp.Err(); err != nil {
		return domain.TraceEvent{}, err
	}

	return resp.Event, nil
}

func (c *Client) EventMessage(ctx context.Context, tracee, supervisor uint32) (uint16, error) {
	var resp EventResponse
	req := &TracerRequest{Tracee: tracee, Supervisor: supervisor}
	if err := c.call(ctx, "EventMessage", req, &resp); err != nil {
		return 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, err
	}

	return resp.Msg, nil
}

func (c *Client) Resume(
	ctx context.Context,
	tracee uint32,
	supervisor uint32,
	r domain.Resumption) error {

	return c.status(ctx, "Resume",
		&TracerRequest{Tracee: tracee, Supervisor: supervisor, Resumption: r})
}

func (c *Client) Detach(ctx context.Context, tracee, supervisor uint32) error {
	return c.status(ctx, "Detach", &TracerRequest{Tracee: tracee, Supervisor: supervisor})
}

func (c *Client) SupervisorExit(ctx context.Context, supervisor uint32) error {
	return c.status(ctx, "SupervisorExit", &TracerRequest{Supervisor: supervisor})
}
