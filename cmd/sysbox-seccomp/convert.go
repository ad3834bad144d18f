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

	"github.com/nestybox/sysbox-seccomp/program"
	"github.com/nestybox/sysbox-seccomp/sysio"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var convertCommand = cli.Command{
	Name:      "convert",
	Usage:     "Validate a filter program and rewrite it in another format",
	ArgsUsage: "SOURCE TARGET",
	Flags: []cli.Flag{
		formatFlag,
		cli.StringFlag{
			Name:  "output-format, o",
			Value: "auto",
			Usage: "target file format (auto, binary, text)",
		},
	},
	Action: convert,
}

func convert(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("expected source and target program files")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	in, err := sysio.ParseFormat(ctx.String("format"))
	if err != nil {
		return err
	}
	out, err := sysio.ParseFormat(ctx.String("output-format"))
	if err != nil {
		return err
	}

	src, dst := ctx.Args().Get(0), ctx.Args().Get(1)

	ios := sysio.NewIOService(appFs)

	raw, err := ios.ReadProgram(src, in)
	if err != nil {
		return err
	}

	// Only valid programs are written out.
	prog, err := program.New(raw, cfg.Shape(), cfg.DomainLimits())
	if err != nil {
		return errors.Wrapf(err, "program %s", src)
	}

	if err := ios.WriteProgram(dst, out, prog.Raw()); err != nil {
		return errors.Wrapf(err, "failed to write program %s", dst)
	}

	fmt.Fprintf(ctx.App.Writer, "%s: %d instructions, digest %s\n",
		dst, prog.Len(), prog.Digest())

	return nil
}
