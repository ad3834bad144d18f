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

package domain

import "github.com/spf13/afero"

type ProcessIface interface {
	Pid() uint32
	Uid() uint32
	Gid() uint32
	IsSysAdminCapabilitySet() bool
	NoNewPrivs() bool
}

type ProcessServiceIface interface {
	Setup(fs afero.Fs)

	// Process backed by the host's procfs.
	ProcessCreate(pid uint32, uid uint32, gid uint32) ProcessIface

	// Host-backed process whose effective uid/gid are read from its status
	// file.
	ProcessCreateFromStatus(pid uint32) (ProcessIface, error)

	// Process with caller-declared credentials (no host lookups).
	ProcessCreateSeeded(pid uint32, uid uint32, gid uint32, sysAdmin bool) ProcessIface
}
