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
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*Tracker, *Node) {
	t.Helper()
	tr := NewTracker()
	root := NewRoot(tr, "/backing/root")
	require.Equal(t, fuseops.InodeID(fuseops.RootInodeID), root.ID())
	return tr, root
}

func TestRootIsNeverCollected(t *testing.T) {
	tr, root := newTestTree(t)

	// The root's single starting reference is permanent.
	assert.Equal(t, uint32(1), root.RefCount())
	assert.False(t, root.Release(0))
	assert.Equal(t, 1, tr.Len())
}

func TestCreateAttachAndRelease(t *testing.T) {
	tr, root := newTestTree(t)

	child := NewChild(tr, root, "a")

	// Child starts with one reference; the root gained one for the child.
	assert.Equal(t, uint32(1), child.RefCount())
	assert.Equal(t, uint32(2), root.RefCount())
	assert.Equal(t, 2, tr.Len())

	destroyed := child.Release(1)

	assert.True(t, destroyed)
	assert.Equal(t, uint32(1), root.RefCount())
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 0, root.ChildCount())
}

func TestReleaseNeverUnderflows(t *testing.T) {
	tr, root := newTestTree(t)
	child := NewChild(tr, root, "a")

	// Releasing more than the current count is a protocol violation from the
	// kernel: a logged no-op that reports non-destruction.
	assert.False(t, child.Release(5))
	assert.Equal(t, uint32(1), child.RefCount())
	assert.Equal(t, 2, tr.Len())

	assert.True(t, child.Release(1))
}

func TestDestroyExactlyAtZero(t *testing.T) {
	tr, root := newTestTree(t)
	child := NewChild(tr, root, "a")

	child.Acquire()
	child.Acquire()
	require.Equal(t, uint32(3), child.RefCount())

	assert.False(t, child.Release(2))
	assert.Equal(t, 2, tr.Len())
	assert.True(t, child.Release(1))
	assert.Equal(t, 1, tr.Len())
}

func TestParentRefCountEqualsChildrenPlusAcquires(t *testing.T) {
	tr, root := newTestTree(t)

	dir := NewChild(tr, root, "dir")
	NewChild(tr, dir, "f1")
	NewChild(tr, dir, "f2")
	dir.Acquire()

	// 0 base (non-root) + 2 children + 2 acquires (creation + explicit).
	assert.Equal(t, uint32(4), dir.RefCount())

	// 1 base (root) + 1 child; dir's creation reference counts on dir
	// itself, not on root.
	assert.Equal(t, uint32(2), root.RefCount())
}

func TestCascadingRelease(t *testing.T) {
	tr, root := newTestTree(t)

	dir := NewChild(tr, root, "dir")
	file := NewChild(tr, dir, "f")

	// Drop the creation reference on dir: it survives because the child
	// still holds one reference on it.
	assert.False(t, dir.Release(1))
	require.Equal(t, uint32(1), dir.RefCount())

	// Destroying the file cascades into destroying the directory.
	assert.True(t, file.Release(1))
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, uint32(1), root.RefCount())
}

func TestCaseInsensitiveLookupWithVariants(t *testing.T) {
	tr, root := newTestTree(t)

	first := NewChild(tr, root, "FoO")
	second := NewChild(tr, root, "fOo")

	// Both resolvable via "foo"; creation order is the deterministic
	// tie-break, so the earlier child wins.
	got := root.LookupChildByName("foo", false)
	require.NotNil(t, got)
	assert.Same(t, first, got)
	assert.Equal(t, 2, root.CaseMatches("FOO"))

	// After deleting the first match, the second becomes the sole result.
	first.SetDeleted()
	got = root.LookupChildByName("foo", false)
	require.NotNil(t, got)
	assert.Same(t, second, got)
	assert.Equal(t, 1, root.CaseMatches("foo"))

	// After both are deleted, lookup returns not-found.
	second.SetDeleted()
	assert.Nil(t, root.LookupChildByName("foo", false))
	assert.Equal(t, 0, root.CaseMatches("foo"))
}

func TestLookupWithAcquire(t *testing.T) {
	tr, root := newTestTree(t)
	child := NewChild(tr, root, "a")
	_ = tr

	got := root.LookupChildByName("A", true)

	require.Same(t, child, got)
	assert.Equal(t, uint32(2), child.RefCount())
	require.False(t, child.Release(1))
	assert.True(t, child.Release(1))
}

func TestDeletedChildStaysAttached(t *testing.T) {
	tr, root := newTestTree(t)
	child := NewChild(tr, root, "a")

	child.SetDeleted()

	// Invisible to lookups, but still linked and still tracked so existing
	// handles stay valid.
	assert.Nil(t, root.LookupChildByName("a", false))
	assert.Equal(t, 1, root.ChildCount())
	assert.Equal(t, 2, tr.Len())

	assert.True(t, child.Release(1))
	assert.Equal(t, 0, root.ChildCount())
}

func TestBuildPathRoundTrip(t *testing.T) {
	tr, root := newTestTree(t)

	a := NewChild(tr, root, "a")
	b := NewChild(tr, a, "b")
	c := NewChild(tr, b, "c.txt")

	assert.Equal(t, "/backing/root", root.BuildPath())
	assert.Equal(t, "/backing/root/a/b/c.txt", c.BuildPath())

	assert.Same(t, c, LookupAbsolutePath(root, "a/b/c.txt"))
	assert.Same(t, c, LookupAbsolutePath(root, "//a///b/c.txt"))
	assert.Nil(t, LookupAbsolutePath(root, "a/missing/c.txt"))
}

func TestRenameWithinParent(t *testing.T) {
	tr, root := newTestTree(t)
	child := NewChild(tr, root, "old")
	_ = tr

	child.Rename("new", root)

	assert.Nil(t, root.LookupChildByName("old", false))
	assert.Same(t, child, root.LookupChildByName("NEW", false))
	assert.Equal(t, "/backing/root/new", child.BuildPath())
	assert.Equal(t, uint32(2), root.RefCount())
}

func TestRenameAcrossParents(t *testing.T) {
	tr, root := newTestTree(t)
	src := NewChild(tr, root, "src")
	dst := NewChild(tr, root, "dst")
	child := NewChild(tr, src, "f")
	_ = tr

	srcBefore := src.RefCount()
	dstBefore := dst.RefCount()

	child.Rename("f2", dst)

	assert.Equal(t, srcBefore-1, src.RefCount())
	assert.Equal(t, dstBefore+1, dst.RefCount())
	assert.Nil(t, src.LookupChildByName("f", false))
	assert.Same(t, child, dst.LookupChildByName("f2", false))
	assert.Equal(t, "/backing/root/dst/f2", child.BuildPath())
}

func TestRenameRoot(t *testing.T) {
	_, root := newTestTree(t)

	root.Rename("/other/root", nil)

	assert.Equal(t, "/other/root", root.BuildPath())
}

func TestDeleteTree(t *testing.T) {
	tr, root := newTestTree(t)

	subdir := NewChild(tr, root, "subdir")
	NewChild(tr, subdir, "s1")
	s2 := NewChild(tr, subdir, "s2")
	NewChild(tr, s2, "sc2")
	require.Equal(t, 5, tr.Len())

	DeleteTree(subdir)

	assert.Nil(t, root.LookupChildByName("subdir", false))
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, uint32(1), root.RefCount())
	assert.Equal(t, 0, root.ChildCount())
}

func TestTrackerCheckTrackedPanicsOnStaleID(t *testing.T) {
	tr, root := newTestTree(t)
	child := NewChild(tr, root, "a")
	id := child.ID()

	require.Same(t, child, tr.CheckTracked(id))
	child.Release(1)

	assert.Panics(t, func() { tr.CheckTracked(id) })
}

type fakeOpen struct {
	cached bool
}

func (f *fakeOpen) Cached() bool { return f.cached }

func TestFileOpenRegistration(t *testing.T) {
	tr, root := newTestTree(t)
	n := NewChild(tr, root, "f")

	direct := &fakeOpen{cached: false}
	cached := &fakeOpen{cached: true}

	n.AddFileOpen(direct)
	assert.False(t, n.HasCachedOpen())

	n.AddFileOpen(cached)
	assert.True(t, n.HasCachedOpen())
	assert.Equal(t, 2, n.FileOpenCount())

	n.RemoveFileOpen(cached)
	assert.False(t, n.HasCachedOpen())
	n.RemoveFileOpen(direct)
	assert.Equal(t, 0, n.FileOpenCount())
}
