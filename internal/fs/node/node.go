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

// Package node implements the in-memory tree of mediated filesystem entries
// and the kernel lookup-reference protocol that governs their lifetime.
//
// A node stays alive exactly as long as the kernel holds lookup references to
// it. Children are ordered by case-folded name so that lookups are
// case-insensitive, with the creation sequence number as a deterministic
// tie-break between children whose names fold equal.
//
// Nothing here locks: every method requires the mount lock, which the
// dispatch layer holds across each find-and-acquire sequence so a node cannot
// be destroyed between being found and being handed out.
package node

import (
	"sort"
	"strings"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/scopefs/scopefs/internal/logger"
)

// A FileOpen is what a node knows about one open file handle on it: whether
// the open uses the kernel page cache. Registered by the dispatch layer on
// open and removed on release.
type FileOpen interface {
	Cached() bool
}

// Node is one filesystem entry in the mediated namespace.
type Node struct {
	tracker *Tracker
	id      fuseops.InodeID
	seq     uint64

	name   string
	folded string

	parent *Node

	// Ordered by (folded, seq). May hold several children whose names are
	// case-insensitively equal; may hold deleted children until the kernel
	// forgets them.
	children []*Node

	// Count of outstanding kernel lookup references, plus the creation
	// reference, plus one reference per attached child, plus (for the root)
	// one permanent self-reference.
	refCount uint32

	// Whether the node has been destroyed. Guards against double destruction
	// when a forced teardown races a cascading release.
	destroyed bool

	// Whether the entry has been unlinked. A deleted node is invisible to
	// lookups but stays attached so existing handles remain valid.
	deleted bool

	fileOpens []FileOpen
	dirOpens  int

	// Last-known redaction state of the kernel page cache for this file.
	// Consulted by the open algorithm to decide when cached pages are stale.
	redactedCache bool
}

// NewRoot creates the root node. Its name is the absolute path of the backing
// storage root. The single reference it starts with is permanent: the root is
// never collected.
func NewRoot(t *Tracker, name string) *Node {
	n := &Node{
		tracker:  t,
		id:       t.mintID(),
		seq:      t.mintSeq(),
		name:     name,
		folded:   fold(name),
		refCount: 1,
	}
	t.nodeCreated(n)
	return n
}

// NewChild creates a node attached to parent, reference count 1 (held by the
// caller, typically about to be handed to the kernel). The parent gains one
// reference per attached child so it stays alive while it has any.
func NewChild(t *Tracker, parent *Node, name string) *Node {
	n := &Node{
		tracker:  t,
		id:       t.mintID(),
		seq:      t.mintSeq(),
		name:     name,
		folded:   fold(name),
		parent:   parent,
		refCount: 1,
	}
	parent.insertChild(n)
	parent.Acquire()
	t.nodeCreated(n)
	return n
}

func fold(name string) string {
	return strings.ToLower(name)
}

func (n *Node) ID() fuseops.InodeID { return n.id }

func (n *Node) Name() string { return n.name }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) RefCount() uint32 { return n.refCount }

func (n *Node) IsDeleted() bool { return n.deleted }

// SetDeleted makes the node unreachable from subsequent lookups. It stays in
// its parent's child collection, fully functional for already-open handles,
// until the kernel forgets it.
func (n *Node) SetDeleted() {
	n.deleted = true
}

// Acquire adds one kernel lookup reference. Called whenever the node is about
// to be handed to the kernel.
func (n *Node) Acquire() {
	n.refCount++
}

// Release drops count references. Destroys the node when the count reaches
// exactly zero, detaching it from its parent, which releases the reference it
// held for this child (possibly cascading). Returns whether destruction
// occurred; afterwards the node must not be dereferenced.
//
// A count exceeding the current reference count is a protocol violation from
// the kernel side: it is logged and ignored rather than underflowing.
func (n *Node) Release(count uint32) (destroyed bool) {
	if count > n.refCount {
		logger.Errorf("node %d (%q): release of %d exceeds reference count %d",
			n.id, n.name, count, n.refCount)
		return false
	}

	n.refCount -= count
	if n.refCount > 0 {
		return false
	}

	n.destroy()
	return true
}

func (n *Node) destroy() {
	if n.destroyed {
		return
	}
	n.destroyed = true

	parent := n.parent
	if parent != nil {
		parent.removeChild(n)
		n.parent = nil
	}

	n.tracker.nodeDeleted(n)

	if parent != nil {
		parent.Release(1)
	}
}

// LookupChildByName returns the first live child whose name folds equal to
// name, in (folded name, creation sequence) order, or nil. Deleted children
// are skipped. When acquire is set the match gains a lookup reference as part
// of the same critical section, so a concurrent Release cannot destroy it
// between lookup and use.
func (n *Node) LookupChildByName(name string, acquire bool) *Node {
	folded := fold(name)
	for i := n.lowerBound(folded); i < len(n.children); i++ {
		c := n.children[i]
		if c.folded != folded {
			break
		}
		if c.deleted {
			continue
		}
		if acquire {
			c.Acquire()
		}
		return c
	}
	return nil
}

// CaseMatches returns the number of live children whose names fold equal to
// name. More than one means a lookup of name is ambiguous and kernel entry
// caching must be suppressed for it.
func (n *Node) CaseMatches(name string) int {
	folded := fold(name)
	count := 0
	for i := n.lowerBound(folded); i < len(n.children); i++ {
		c := n.children[i]
		if c.folded != folded {
			break
		}
		if !c.deleted {
			count++
		}
	}
	return count
}

// Rename moves the node to newParent (which may be its current parent) under
// newName. The child collection is keyed by name, so even a pure name change
// removes and reinserts the node. Renaming the root simply replaces its name.
func (n *Node) Rename(newName string, newParent *Node) {
	if n.parent == nil {
		n.name = newName
		n.folded = fold(newName)
		return
	}

	oldParent := n.parent
	oldParent.removeChild(n)

	n.name = newName
	n.folded = fold(newName)
	n.parent = newParent
	newParent.insertChild(n)

	if newParent != oldParent {
		newParent.Acquire()
		oldParent.Release(1)
	}
}

// BuildPath reconstructs the node's absolute path by walking parent links to
// the root.
func (n *Node) BuildPath() string {
	if n.parent == nil {
		return n.name
	}

	var segments []string
	for cur := n; cur != nil; cur = cur.parent {
		segments = append(segments, cur.name)
	}

	var sb strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		if i < len(segments)-1 {
			sb.WriteByte('/')
		}
		sb.WriteString(segments[i])
	}
	return sb.String()
}

// LookupAbsolutePath resolves path relative to root by walking child lookups
// without acquiring. Empty segments from repeated separators are ignored.
// Returns nil when any segment is missing.
func LookupAbsolutePath(root *Node, path string) *Node {
	cur := root
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		cur = cur.LookupChildByName(segment, false)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// DeleteTree destroys the whole subtree rooted at n, regardless of
// outstanding references. Used when the mount or an ancestor is torn down.
// The child collection is snapshotted before recursing since destruction
// mutates it.
func DeleteTree(n *Node) {
	children := append([]*Node(nil), n.children...)
	for _, c := range children {
		DeleteTree(c)
	}
	n.destroy()
}

// ChildCount returns the number of attached children, deleted ones included.
func (n *Node) ChildCount() int {
	return len(n.children)
}

////////////////////////////////////////////////////////////////////////
// Open-handle registration
////////////////////////////////////////////////////////////////////////

func (n *Node) AddFileOpen(h FileOpen) {
	n.fileOpens = append(n.fileOpens, h)
}

func (n *Node) RemoveFileOpen(h FileOpen) {
	for i, o := range n.fileOpens {
		if o == h {
			n.fileOpens = append(n.fileOpens[:i], n.fileOpens[i+1:]...)
			return
		}
	}
}

// HasCachedOpen reports whether any registered file open uses the kernel page
// cache.
func (n *Node) HasCachedOpen() bool {
	for _, o := range n.fileOpens {
		if o.Cached() {
			return true
		}
	}
	return false
}

func (n *Node) FileOpenCount() int { return len(n.fileOpens) }

func (n *Node) AddDirOpen() { n.dirOpens++ }

func (n *Node) RemoveDirOpen() { n.dirOpens-- }

func (n *Node) DirOpenCount() int { return n.dirOpens }

// RedactedCache is the last-known redaction state of the kernel page cache
// for this file.
func (n *Node) RedactedCache() bool { return n.redactedCache }

func (n *Node) SetRedactedCache(v bool) { n.redactedCache = v }

////////////////////////////////////////////////////////////////////////
// Child collection
////////////////////////////////////////////////////////////////////////

// lowerBound returns the index of the first child whose folded name is >=
// folded.
func (n *Node) lowerBound(folded string) int {
	return sort.Search(len(n.children), func(i int) bool {
		return n.children[i].folded >= folded
	})
}

func (n *Node) insertChild(c *Node) {
	i := sort.Search(len(n.children), func(i int) bool {
		o := n.children[i]
		if o.folded != c.folded {
			return o.folded > c.folded
		}
		return o.seq > c.seq
	})
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
}

func (n *Node) removeChild(c *Node) {
	for i, o := range n.children {
		if o == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}
