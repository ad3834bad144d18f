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
	"fmt"
	"log"
	"os"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
)

const (
	usage = `sysbox-seccomp syscall-filtering engine

sysbox-seccomp is a daemon that enforces per-task syscall filter programs on
behalf of the hosts that register their tasks with it, and hands traced calls
over to external supervisors.
`
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id of sysbox superproject
	builtAt  string // build time
	builtBy  string // build owner
)

// Filesystem holding config and program files.
var appFs afero.Fs = afero.NewOsFs()

var prof interface{ Stop() }

func newApp() *cli.App {

	app := cli.NewApp()
	app.Name = "sysbox-seccomp"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log",
			Value: "/dev/stdout",
			Usage: "log file path",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML configuration file",
		},
		cli.BoolFlag{
			Name:  "cpu-profiling",
			Usage: "enable cpu-profiling data collection",
		},
		cli.BoolFlag{
			Name:  "memory-profiling",
			Usage: "enable memory-profiling data collection",
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("sysbox-seccomp\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Commands = []cli.Command{
		serveCommand,
		checkCommand,
		evalCommand,
		convertCommand,
	}

	// Define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		// Create/set the log-file destination.
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(
				path,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
				0666,
			)
			if err != nil {
				logrus.Errorf("Error opening log file %v: %v", path, err)
				return err
			}

			// Set a proper logging formatter.
			logrus.SetFormatter(&logrus.TextFormatter{
				ForceColors:     true,
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
			logrus.SetOutput(f)
			log.SetOutput(f)
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				return fmt.Errorf("log-level option '%v' not recognized", logLevel)
			}
		} else {
			// Set 'info' as our default log-level.
			logrus.SetLevel(logrus.InfoLevel)
		}

		// Profiling data is dumped into the working directory.
		switch {
		case ctx.GlobalBool("cpu-profiling"):
			prof = profile.Start(
				profile.CPUProfile,
				profile.ProfilePath("."),
				profile.NoShutdownHook,
			)
		case ctx.GlobalBool("memory-profiling"):
			prof = profile.Start(
				profile.MemProfile,
				profile.ProfilePath("."),
				profile.NoShutdownHook,
			)
		}

		return nil
	}

	app.After = func(ctx *cli.Context) error {
		if prof != nil {
			prof.Stop()
			prof = nil
		}
		return nil
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
