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
	"strconv"

	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
	libseccomp "github.com/seccomp/libseccomp-golang"
	"github.com/urfave/cli"
)

var evalCommand = cli.Command{
	Name:      "eval",
	Usage:     "Evaluate a call record against a chain of filter programs",
	ArgsUsage: "PROGRAM...",
	Flags: []cli.Flag{
		formatFlag,
		cli.StringFlag{
			Name:  "syscall, s",
			Usage: "syscall name, resolved for --arch",
		},
		cli.IntFlag{
			Name:  "nr, n",
			Value: -1,
			Usage: "syscall number (instead of --syscall)",
		},
		cli.StringFlag{
			Name:  "arch, a",
			Value: "x86_64",
			Usage: "architecture of the call (x86, x86_64, arm, arm64)",
		},
		cli.StringSliceFlag{
			Name:  "arg",
			Usage: "syscall argument, in order (repeatable, up to 6)",
		},
		cli.StringFlag{
			Name:  "ip",
			Value: "0",
			Usage: "address of the calling instruction",
		},
	},
	Action: eval,
}

var auditArch = map[libseccomp.ScmpArch]uint32{
	libseccomp.ArchX86:   domain.ArchI386,
	libseccomp.ArchAMD64: domain.ArchX86_64,
	libseccomp.ArchARM:   domain.ArchARM,
	libseccomp.ArchARM64: domain.ArchAARCH64,
}

func archOf(name string) (libseccomp.ScmpArch, uint32, error) {
	arch, err := libseccomp.GetArchFromString(name)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "arch %q", name)
	}

	tag, ok := auditArch[arch]
	if !ok {
		return 0, 0, fmt.Errorf("unsupported arch %q", name)
	}

	return arch, tag, nil
}

func parseWord(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// callRecord builds the record described by the command's flags.
func callRecord(ctx *cli.Context) (*domain.SeccompData, error) {
	arch, tag, err := archOf(ctx.String("arch"))
	if err != nil {
		return nil, err
	}

	data := &domain.SeccompData{Arch: tag}

	switch name, nr := ctx.String("syscall"), ctx.Int("nr"); {
	case name != "" && nr >= 0:
		return nil, fmt.Errorf("--syscall and --nr are mutually exclusive")

	case name != "":
		sc, err := libseccomp.GetSyscallFromNameByArch(name, arch)
		if err != nil {
			return nil, errors.Wrapf(err, "syscall %q", name)
		}
		data.Nr = int32(sc)

	case nr >= 0:
		data.Nr = int32(nr)

	default:
		return nil, fmt.Errorf("one of --syscall or --nr is required")
	}

	args := ctx.StringSlice("arg")
	if len(args) > domain.SyscallArgs {
		return nil, fmt.Errorf("at most %d arguments", domain.SyscallArgs)
	}
	for i, a := range args {
		v, err := parseWord(a)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		data.Args[i] = v
	}

	ip, err := parseWord(ctx.String("ip"))
	if err != nil {
		return nil, errors.Wrapf(err, "instruction pointer")
	}
	data.InstructionPointer = ip

	return data, nil
}

func eval(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	data, err := callRecord(ctx)
	if err != nil {
		return err
	}

	head, progs, err := loadChain(ctx, cfg)
	if err != nil {
		return err
	}

	w := ctx.App.Writer

	for i, prog := range progs {
		raw := prog.Evaluate(data)
		fmt.Fprintf(w, "%s: 0x%08x %v\n", ctx.Args().Get(i), raw, domain.ParseVerdict(raw))
	}

	fmt.Fprintf(w, "verdict: %v\n", head.Decide(data))

	return nil
}
