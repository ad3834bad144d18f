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

package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/nestybox/sysbox-seccomp/seccomp"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const DefaultListen = "unix:///run/sysbox/sysbox-seccomp.sock"

// Config holds the engine's tunables, as found in its TOML file.
type Config struct {
	Listen         string  `toml:"listen"`
	RecordShape    string  `toml:"record_shape"`
	StrictSyscalls []int32 `toml:"strict_syscalls"`
	Limits         Limits  `toml:"limits"`
}

type Limits struct {
	MaxProgInsns  int `toml:"max_prog_insns"`
	MaxChainInsns int `toml:"max_chain_insns"`
	ChainPenalty  int `toml:"chain_penalty"`
}

func Default() *Config {
	strict := make([]int32, len(seccomp.DefaultStrictSyscalls))
	copy(strict, seccomp.DefaultStrictSyscalls)

	return &Config{
		Listen:         DefaultListen,
		RecordShape:    domain.LittleEndianShape.Name,
		StrictSyscalls: strict,
		Limits: Limits{
			MaxProgInsns:  domain.DefaultLimits.MaxProgInsns,
			MaxChainInsns: domain.DefaultLimits.MaxChainInsns,
			ChainPenalty:  domain.DefaultLimits.ChainPenalty,
		},
	}
}

// Load reads the TOML file at path over the defaults. Unknown keys are
// rejected.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	cfg := Default()

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Errorf("unknown keys in config file %s: %s",
			path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config file %s", path)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	l := c.Limits

	if l.MaxProgInsns <= 0 {
		return fmt.Errorf("max_prog_insns must be positive (%d)", l.MaxProgInsns)
	}
	if l.MaxChainInsns < l.MaxProgInsns {
		return fmt.Errorf("max_chain_insns (%d) below max_prog_insns (%d)",
			l.MaxChainInsns, l.MaxProgInsns)
	}
	if l.ChainPenalty < 0 {
		return fmt.Errorf("chain_penalty must not be negative (%d)", l.ChainPenalty)
	}

	if _, ok := domain.RecordShapeByName(c.RecordShape); !ok {
		return fmt.Errorf("unknown record shape %q", c.RecordShape)
	}

	if _, _, err := c.ListenAddr(); err != nil {
		return err
	}

	return nil
}

func (c *Config) Shape() *domain.RecordShape {
	shape, ok := domain.RecordShapeByName(c.RecordShape)
	if !ok {
		return domain.LittleEndianShape
	}
	return shape
}

func (c *Config) DomainLimits() domain.Limits {
	return domain.Limits{
		MaxProgInsns:  c.Limits.MaxProgInsns,
		MaxChainInsns: c.Limits.MaxChainInsns,
		ChainPenalty:  c.Limits.ChainPenalty,
	}
}

// ListenAddr splits the listen setting into the network and address
// expected by net.Listen(). Supported forms are unix://<path> and
// tcp://<host:port>.
func (c *Config) ListenAddr() (string, string, error) {
	for _, network := range []string{"unix", "tcp"} {
		prefix := network + "://"
		if strings.HasPrefix(c.Listen, prefix) {
			addr := strings.TrimPrefix(c.Listen, prefix)
			if addr == "" {
				break
			}
			return network, addr, nil
		}
	}

	return "", "", fmt.Errorf("invalid listen address %q", c.Listen)
}
