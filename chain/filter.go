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

package chain

import (
	"github.com/nestybox/sysbox-seccomp/domain"
	"github.com/pkg/errors"
)

// Filter is one node of a filter chain. A task's chain is a pointer to its
// newest node; older nodes are reached through prev. Nodes are never mutated
// after creation, so chains are freely shared across forked tasks and
// threads: attaching on one task creates a new head that no one else sees.
type Filter struct {
	prog    domain.ProgramIface
	prev    *Filter
	pathLen int
}

// Attach returns a new chain head with prog in front of head. A nil head
// denotes an empty chain.
func Attach(head *Filter, prog domain.ProgramIface, limits domain.Limits) (*Filter, error) {

	// Programs already in the chain are charged the penalty, the new one
	// only its length.
	total := head.Len() + prog.Len()

	if total > limits.MaxChainInsns {
		return nil, errors.Wrapf(domain.ErrBudgetExceeded,
			"chain would reach %d instructions (max %d)", total, limits.MaxChainInsns)
	}

	return &Filter{
		prog:    prog,
		prev:    head,
		pathLen: total + limits.ChainPenalty,
	}, nil
}

// Decide evaluates every program in the chain, newest first, and combines
// their results. A verdict replaces the running one only if its action has
// strictly higher precedence, so among equal actions the newest program's
// data wins. An empty chain allows.
func Decide(head *Filter, data *domain.SeccompData) domain.Verdict {
	result := domain.Verdict{Action: domain.ActionAllow}

	for f := head; f != nil; f = f.prev {
		v := domain.ParseVerdict(f.prog.Evaluate(data))
		if f == head || v.Outranks(result) {
			result = v
		}
	}

	return result
}

// Decide is the method form of the package-level Decide.
func (f *Filter) Decide(data *domain.SeccompData) domain.Verdict {
	return Decide(f, data)
}

// Len returns the instructions charged along the chain, penalties included.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return f.pathLen
}

// Count returns the number of programs in the chain.
func (f *Filter) Count() int {
	var n int
	for ; f != nil; f = f.prev {
		n++
	}
	return n
}

// IsAncestorOf reports whether f is other or an older node of other's chain.
// The empty chain is an ancestor of every chain.
func (f *Filter) IsAncestorOf(other *Filter) bool {
	if f == nil {
		return true
	}
	for ; other != nil; other = other.prev {
		if other == f {
			return true
		}
	}
	return false
}
