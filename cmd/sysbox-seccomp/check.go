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

	"github.com/nestybox/sysbox-seccomp/chain"
	"github.com/nestybox/sysbox-seccomp/config"
	"github.com/nestybox/sysbox-seccomp/program"
	"github.com/nestybox/sysbox-seccomp/sysio"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var formatFlag = cli.StringFlag{
	Name:  "format, f",
	Value: "auto",
	Usage: "program file format (auto, binary, text)",
}

var checkCommand = cli.Command{
	Name:      "check",
	Usage:     "Validate filter programs and report their digests",
	ArgsUsage: "PROGRAM...",
	Flags: []cli.Flag{
		formatFlag,
		cli.BoolFlag{
			Name:  "dump, d",
			Usage: "print each program's disassembly",
		},
	},
	Action: check,
}

// loadChain validates every program file and attaches them in order, the
// last file ending up as the newest filter.
func loadChain(ctx *cli.Context, cfg *config.Config) (*chain.Filter, []*program.Program, error) {
	if ctx.NArg() == 0 {
		return nil, nil, fmt.Errorf("no program file given")
	}

	format, err := sysio.ParseFormat(ctx.String("format"))
	if err != nil {
		return nil, nil, err
	}

	ios := sysio.NewIOService(appFs)

	var (
		head  *chain.Filter
		progs []*program.Program
	)

	limits := cfg.DomainLimits()

	for _, path := range ctx.Args() {
		raw, err := ios.ReadProgram(path, format)
		if err != nil {
			return nil, nil, err
		}

		prog, err := program.New(raw, cfg.Shape(), limits)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "program %s", path)
		}

		head, err = chain.Attach(head, prog, limits)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "program %s", path)
		}

		progs = append(progs, prog)
	}

	return head, progs, nil
}

func check(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	head, progs, err := loadChain(ctx, cfg)
	if err != nil {
		return err
	}

	w := ctx.App.Writer

	for i, prog := range progs {
		fmt.Fprintf(w, "%s: %d instructions, digest %s\n",
			ctx.Args().Get(i), prog.Len(), prog.Digest())
		if ctx.Bool("dump") {
			fmt.Fprint(w, prog)
		}
	}

	fmt.Fprintf(w, "chain: %d programs, %d of %d instructions\n",
		head.Count(), head.Len(), cfg.Limits.MaxChainInsns)

	return nil
}
