//
// Copyright 2019-2022 Nestybox, Inc.
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

package process

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/moby/sys/capability"
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var space = regexp.MustCompile(`\s+`)

type processService struct {
	fs afero.Fs
}

func NewProcessService() domain.ProcessServiceIface {
	return &processService{
		fs: afero.NewOsFs(),
	}
}

func (ps *processService) Setup(fs afero.Fs) {
	if fs != nil {
		ps.fs = fs
	}
}

func (ps *processService) ProcessCreate(
	pid uint32,
	uid uint32,
	gid uint32) domain.ProcessIface {

	return &process{
		pid: pid,
		uid: uid,
		gid: gid,
		ps:  ps,
	}
}

// ProcessCreateFromStatus creates a host-backed process whose credentials are
// read from its status file.
func (ps *processService) ProcessCreateFromStatus(pid uint32) (domain.ProcessIface, error) {

	p := &process{
		pid: pid,
		ps:  ps,
	}

	if err := p.getInfo(); err != nil {
		return nil, err
	}

	return p, nil
}

func (ps *processService) ProcessCreateSeeded(
	pid uint32,
	uid uint32,
	gid uint32,
	sysAdmin bool) domain.ProcessIface {

	return &process{
		pid:    pid,
		uid:    uid,
		gid:    gid,
		seeded: true,
		admin:  sysAdmin,
		ps:     ps,
	}
}

type process struct {
	pid    uint32                  // process id
	uid    uint32                  // effective uid
	gid    uint32                  // effective gid
	seeded bool                    // credentials declared by caller
	admin  bool                    // CAP_SYS_ADMIN (seeded processes only)
	cap    capability.Capabilities // process capabilities
	status map[string]string       // process status fields
	ps     *processService         // pointer to parent processService
}

func (p *process) Pid() uint32 {
	return p.pid
}

func (p *process) Uid() uint32 {
	return p.uid
}

func (p *process) Gid() uint32 {
	return p.gid
}

func (p *process) IsSysAdminCapabilitySet() bool {
	if p.seeded {
		return p.admin
	}
	return p.isCapabilitySet(capability.EFFECTIVE, capability.CAP_SYS_ADMIN)
}

// NoNewPrivs reports the no_new_privs attribute the host kernel holds for the
// process. Seeded processes always start without it.
func (p *process) NoNewPrivs() bool {
	if p.seeded {
		return false
	}

	if err := p.getStatus([]string{"NoNewPrivs"}); err != nil {
		logrus.Debugf("Could not read status of pid %d: %v", p.pid, err)
		return false
	}

	return strings.TrimSpace(p.status["NoNewPrivs"]) == "1"
}

// Simple wrapper method to determine capability settings.
func (p *process) isCapabilitySet(which capability.CapType, what capability.Cap) bool {

	if p.cap == nil {
		if err := p.initCapability(); err != nil {
			logrus.Debugf("Could not load capabilities of pid %d: %v", p.pid, err)
			return false
		}
	}

	return p.cap.Get(which, what)
}

// initCapability method retrieves process capabilities from kernel and store
// them within 'capability' data-struct.
func (p *process) initCapability() error {

	c, err := capability.NewPid2(int(p.pid))
	if err != nil {
		return err
	}

	if err = c.Load(); err != nil {
		return err
	}

	p.cap = c

	return nil
}

// getInfo refreshes the effective uid/gid from the process status file.
func (p *process) getInfo() error {

	fields := []string{"Uid", "Gid"}
	if err := p.getStatus(fields); err != nil {
		return err
	}

	euid, err := effectiveID(p.status["Uid"])
	if err != nil {
		return fmt.Errorf("invalid uid status: %v", err)
	}

	egid, err := effectiveID(p.status["Gid"])
	if err != nil {
		return fmt.Errorf("invalid gid status: %v", err)
	}

	p.uid = euid
	p.gid = egid

	return nil
}

// effectiveID picks the effective id out of a "real effective saved fs"
// status line.
func effectiveID(line string) (uint32, error) {
	str := space.ReplaceAllString(line, " ")
	str = strings.TrimSpace(str)

	ids := strings.Split(str, " ")
	if len(ids) != 4 {
		return 0, fmt.Errorf("%+v", ids)
	}

	id, err := strconv.ParseUint(ids[1], 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(id), nil
}

// getStatus retrieves process status info obtained from the
// /proc/[pid]/status file.
func (p *process) getStatus(fields []string) error {

	filename := fmt.Sprintf("/proc/%d/status", p.pid)
	f, err := p.ps.fs.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(f)

	status := make(map[string]string)
	for s.Scan() {
		text := s.Text()
		parts := strings.SplitN(text, ":", 2)

		for _, f := range fields {
			if parts[0] == f {
				if len(parts) > 1 {
					status[f] = parts[1]
				} else {
					status[f] = ""
				}
			}
		}
	}

	if err := s.Err(); err != nil {
		return err
	}

	p.status = status

	return nil
}
