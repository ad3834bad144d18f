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
	"encoding/binary"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Tids are stored big-endian so that tree walks visit them in numeric order.
func tidKey(tid uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, tid)
	return key
}

// A thread group is the set of tasks sharing an address space. Its lock
// serializes every filter attachment made by its members, which makes
// single-thread attachments and synchronized ones linearizable.
type threadGroup struct {
	sync.Mutex
	tgid    uint32
	members *iradix.Tree // tid -> *task
}

func newThreadGroup(tgid uint32) *threadGroup {
	return &threadGroup{
		tgid:    tgid,
		members: iradix.New(),
	}
}

// Caller must hold the group lock.
func (g *threadGroup) add(t *task) {
	g.members, _, _ = g.members.Insert(tidKey(t.tid), t)
}

// Caller must hold the group lock.
func (g *threadGroup) remove(tid uint32) {
	g.members, _, _ = g.members.Delete(tidKey(tid))
}

func (g *threadGroup) len() int {
	return g.members.Len()
}

// tasks returns a snapshot of the group members in tid order. Caller must
// hold the group lock.
func (g *threadGroup) tasks() []*task {
	var tasks []*task

	g.members.Root().Walk(func(k []byte, v interface{}) bool {
		tasks = append(tasks, v.(*task))
		return false
	})

	return tasks
}
