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

package state

import (
	"github.com/nestybox/sysbox-seccomp/chain"
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/sirupsen/logrus"
)

// tsync installs head on every live sibling of caller. A sibling can only be
// synchronized if it's unrestricted, or if its chain is an ancestor of the
// caller's current chain; otherwise the first such sibling is reported and
// nothing is changed. Caller must hold the group lock, and is responsible
// for installing head on itself.
func (tss *taskStateService) tsync(caller *task, head *chain.Filter) error {

	siblings := caller.group.tasks()
	current := caller.filter.Load()

	// Phase 1: convergence check.
	for _, sib := range siblings {
		if sib == caller || sib.exited.Load() {
			continue
		}

		switch sib.Mode() {
		case domain.ModeDisabled:
			continue
		case domain.ModeFilter:
			if sib.filter.Load().IsAncestorOf(current) {
				continue
			}
		}

		return &domain.DivergedError{Tid: sib.tid}
	}

	// Phase 2: commit.
	nnp := caller.nnp.Load()

	for _, sib := range siblings {
		if sib == caller || sib.exited.Load() {
			continue
		}

		if nnp {
			sib.nnp.Store(true)
		}
		sib.install(head)

		logrus.Debugf("Filter synced to tid %d from tid %d", sib.tid, caller.tid)
	}

	return nil
}
