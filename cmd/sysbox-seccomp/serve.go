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

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/nestybox/sysbox-seccomp/config"
	"github.com/nestybox/sysbox-seccomp/ipc"
	"github.com/nestybox/sysbox-seccomp/process"
	"github.com/nestybox/sysbox-seccomp/seccomp"
	"github.com/nestybox/sysbox-seccomp/state"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Run the engine and its control endpoint",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "control endpoint (unix://<path> or tcp://<host:port>), overrides config",
		},
	},
	Action: serve,
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	path := ctx.GlobalString("config")
	if path == "" {
		return config.Default(), nil
	}

	return config.Load(appFs, path)
}

// listen opens the control endpoint, replacing any stale unix socket.
func listen(fs afero.Fs, cfg *config.Config) (net.Listener, error) {
	network, addr, err := cfg.ListenAddr()
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		if err := fs.MkdirAll(filepath.Dir(addr), 0755); err != nil {
			return nil, err
		}
		if err := fs.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to remove stale socket %s", addr)
		}
	}

	return net.Listen(network, addr)
}

func serve(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if l := ctx.String("listen"); l != "" {
		cfg.Listen = l
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	limits := cfg.DomainLimits()

	// Initialize sysbox-seccomp's services.

	var processService = process.NewProcessService()
	processService.Setup(appFs)

	var taskStateService = state.NewTaskStateService()
	taskStateService.Setup(processService, limits)

	var seccompService = seccomp.NewSeccompService()
	seccompService.Setup(
		taskStateService,
		seccomp.NewSupervisorService(),
		cfg.Shape(),
		limits,
		cfg.StrictSyscalls,
	)

	var ipcService = ipc.NewIpcService()
	ipcService.Setup(seccompService, processService)

	lis, err := listen(appFs, cfg)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		return ipcService.Init(lis)
	})

	// Exit handler.
	g.Go(func() error {
		<-gctx.Done()
		logrus.Warnf("Shutting down: %v", context.Cause(gctx))
		ipcService.Stop()
		return nil
	})

	logrus.Infof("Ready (record shape %s, limits %+v)", cfg.Shape().Name, limits)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.Warnf("Unable to notify systemd: %v", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logrus.Info("Exiting.")

	return nil
}
