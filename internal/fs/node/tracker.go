// Copyright 2024 The scopefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
)

// Tracker is the registry of live nodes for one mount. It owns the mapping
// from the opaque identifiers handed to the kernel back to live nodes, and
// it is the authority on whether an identifier still names anything at all.
//
// All methods require the mount lock.
type Tracker struct {
	// INVARIANT: For all keys k, live[k].ID() == k
	live map[fuseops.InodeID]*Node

	// The next ID to mint. Assumed never to overflow; at 4 GHz it would take
	// over a century.
	nextID fuseops.InodeID

	// Creation sequence numbers, used as the deterministic tie-break between
	// children whose names are case-insensitively equal.
	nextSeq uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		live:   make(map[fuseops.InodeID]*Node),
		nextID: fuseops.RootInodeID,
	}
}

// Get returns the live node for id, or nil.
func (t *Tracker) Get(id fuseops.InodeID) *Node {
	return t.live[id]
}

// CheckTracked returns the live node for id, panicking if there is none.
// An untracked identifier at the translation boundary means the transport
// layer violated the forget protocol or the identifier is forged; continuing
// would dereference a destroyed node, so this is fatal.
func (t *Tracker) CheckTracked(id fuseops.InodeID) *Node {
	n := t.live[id]
	if n == nil {
		panic(fmt.Sprintf("node %d is not tracked", id))
	}
	return n
}

// Len returns the number of live nodes.
func (t *Tracker) Len() int {
	return len(t.live)
}

func (t *Tracker) nodeCreated(n *Node) {
	if _, ok := t.live[n.id]; ok {
		panic(fmt.Sprintf("node %d created twice", n.id))
	}
	t.live[n.id] = n
}

func (t *Tracker) nodeDeleted(n *Node) {
	if _, ok := t.live[n.id]; !ok {
		panic(fmt.Sprintf("node %d deleted but not tracked", n.id))
	}
	delete(t.live, n.id)
}

func (t *Tracker) mintID() fuseops.InodeID {
	id := t.nextID
	t.nextID++
	return id
}

func (t *Tracker) mintSeq() uint64 {
	seq := t.nextSeq
	t.nextSeq++
	return seq
}
