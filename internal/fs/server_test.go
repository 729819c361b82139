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

package fs

import (
	"context"
	"os"
	"path"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopefs/scopefs/internal/authority"
	"github.com/scopefs/scopefs/internal/redaction"
)

var someTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newSimulatedClock(t time.Time) *timeutil.SimulatedClock {
	c := &timeutil.SimulatedClock{}
	c.SetTime(t)
	return c
}

func opCtx(uid uint32) fuseops.OpContext {
	return fuseops.OpContext{Pid: 1234, Uid: uid}
}

type testEnv struct {
	dir   string
	auth  *authority.Fake
	clock *timeutil.SimulatedClock
	fs    *fileSystem
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithInvalidator(t, nil)
}

func newTestEnvWithInvalidator(t *testing.T, inv Invalidator) *testEnv {
	t.Helper()

	dir := t.TempDir()
	auth := authority.NewFake()
	clock := newSimulatedClock(someTime)

	fsys, err := NewFileSystem(&ServerConfig{
		BackingRoot:   dir,
		Authority:     auth,
		CacheClock:    clock,
		EntryCacheTTL: time.Minute,
		AttrCacheTTL:  time.Minute,
		Invalidator:   inv,
	})
	require.NoError(t, err)

	raw := fsys.(*fileSystem)
	t.Cleanup(raw.Destroy)

	return &testEnv{dir: dir, auth: auth, clock: clock, fs: raw}
}

func (e *testEnv) writeFile(t *testing.T, rel string, contents []byte) string {
	t.Helper()
	p := path.Join(e.dir, rel)
	require.NoError(t, os.MkdirAll(path.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, contents, 0644))
	return p
}

func (e *testEnv) lookup(parent fuseops.InodeID, name string, uid uint32) (*fuseops.LookUpInodeOp, error) {
	op := &fuseops.LookUpInodeOp{
		Parent:    parent,
		Name:      name,
		OpContext: opCtx(uid),
	}
	return op, e.fs.LookUpInode(context.Background(), op)
}

func (e *testEnv) mustLookup(t *testing.T, parent fuseops.InodeID, name string) *fuseops.LookUpInodeOp {
	t.Helper()
	op, err := e.lookup(parent, name, 10010)
	require.NoError(t, err)
	return op
}

func (e *testEnv) openFile(inode fuseops.InodeID, uid uint32, forWrite bool) (*fuseops.OpenFileOp, error) {
	op := &fuseops.OpenFileOp{
		Inode:     inode,
		OpContext: opCtx(uid),
	}
	// The zero value is a read-only open.
	if forWrite {
		op.OpenFlags = syscall.O_RDWR
	}
	return op, e.fs.OpenFile(context.Background(), op)
}

////////////////////////////////////////////////////////////////////////
// Lookup and attributes
////////////////////////////////////////////////////////////////////////

func TestLookUpFile(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "song.mp3", make([]byte, 42))

	op := e.mustLookup(t, fuseops.RootInodeID, "song.mp3")

	assert.NotEqual(t, fuseops.InodeID(0), op.Entry.Child)
	assert.Equal(t, uint64(42), op.Entry.Attributes.Size)
	assert.Equal(t, someTime.Add(time.Minute), op.Entry.EntryExpiration)
	assert.Equal(t, someTime.Add(time.Minute), op.Entry.AttributesExpiration)
}

func TestLookUpAppPrivatePathNeverCached(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "0/Android/data/com.example.app/cache/tmp.bin", []byte("x"))

	profile := e.mustLookup(t, fuseops.RootInodeID, "0")
	android := e.mustLookup(t, profile.Entry.Child, "Android")
	data := e.mustLookup(t, android.Entry.Child, "data")
	pkg := e.mustLookup(t, data.Entry.Child, "com.example.app")

	// The path down to the sandbox is cacheable, the sandbox itself and
	// everything below it is not.
	assert.Equal(t, someTime.Add(time.Minute), android.Entry.EntryExpiration)
	assert.Equal(t, someTime, data.Entry.EntryExpiration)
	assert.Equal(t, someTime, data.Entry.AttributesExpiration)
	assert.Equal(t, someTime, pkg.Entry.EntryExpiration)

	attrOp := &fuseops.GetInodeAttributesOp{
		Inode:     pkg.Entry.Child,
		OpContext: opCtx(10010),
	}
	require.NoError(t, e.fs.GetInodeAttributes(context.Background(), attrOp))
	assert.Equal(t, someTime, attrOp.AttributesExpiration)
}

func TestLookUpMissing(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.lookup(fuseops.RootInodeID, "nope", 10010)

	assert.Equal(t, fuse.ENOENT, err)
}

func TestLookUpHiddenProfileReportsNotFound(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "7/secret.txt", []byte("x"))
	e.auth.DenyLookupForUser(7)

	// Existence hiding: the reply is not-found, never forbidden.
	_, err := e.lookup(fuseops.RootInodeID, "7", 10010)

	assert.Equal(t, fuse.ENOENT, err)
}

func TestGetInodeAttributes(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "f.bin", make([]byte, 100))
	op := e.mustLookup(t, fuseops.RootInodeID, "f.bin")

	getOp := &fuseops.GetInodeAttributesOp{Inode: op.Entry.Child, OpContext: opCtx(10010)}
	require.NoError(t, e.fs.GetInodeAttributes(context.Background(), getOp))

	assert.Equal(t, uint64(100), getOp.Attributes.Size)
}

func TestSetInodeAttributesTruncate(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "f.bin", make([]byte, 100))
	op := e.mustLookup(t, fuseops.RootInodeID, "f.bin")

	size := uint64(10)
	setOp := &fuseops.SetInodeAttributesOp{
		Inode:     op.Entry.Child,
		Size:      &size,
		OpContext: opCtx(10010),
	}
	require.NoError(t, e.fs.SetInodeAttributes(context.Background(), setOp))

	assert.Equal(t, uint64(10), setOp.Attributes.Size)
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(10), fi.Size())
}

func TestSetInodeAttributesTruncateDenied(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "f.bin", make([]byte, 100))
	op := e.mustLookup(t, fuseops.RootInodeID, "f.bin")
	e.auth.DenyWrite(p, syscall.EACCES)

	size := uint64(10)
	setOp := &fuseops.SetInodeAttributesOp{
		Inode:     op.Entry.Child,
		Size:      &size,
		OpContext: opCtx(10010),
	}
	err := e.fs.SetInodeAttributes(context.Background(), setOp)

	assert.Equal(t, syscall.EACCES, err)
}

////////////////////////////////////////////////////////////////////////
// Forget
////////////////////////////////////////////////////////////////////////

func TestForgetDestroysNode(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "f.txt", []byte("x"))
	op := e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	require.Equal(t, 2, e.fs.tracker.Len())

	forget := &fuseops.ForgetInodeOp{Inode: op.Entry.Child, N: 1}
	require.NoError(t, e.fs.ForgetInode(context.Background(), forget))

	assert.Equal(t, 1, e.fs.tracker.Len())
	assert.Panics(t, func() {
		getOp := &fuseops.GetInodeAttributesOp{Inode: op.Entry.Child}
		_ = e.fs.GetInodeAttributes(context.Background(), getOp)
	})
	// The handler panicked between Lock and Unlock; release the lock so
	// the deferred teardown can run.
	e.fs.mu.Unlock()
}

func TestForgetAccumulatedLookups(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "f.txt", []byte("x"))

	op1 := e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	op2 := e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	require.Equal(t, op1.Entry.Child, op2.Entry.Child)

	forget := &fuseops.ForgetInodeOp{Inode: op1.Entry.Child, N: 1}
	require.NoError(t, e.fs.ForgetInode(context.Background(), forget))
	assert.Equal(t, 2, e.fs.tracker.Len())

	require.NoError(t, e.fs.ForgetInode(context.Background(), forget))
	assert.Equal(t, 1, e.fs.tracker.Len())
}

func TestBatchForget(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "a.txt", []byte("x"))
	e.writeFile(t, "b.txt", []byte("x"))

	a := e.mustLookup(t, fuseops.RootInodeID, "a.txt")
	b := e.mustLookup(t, fuseops.RootInodeID, "b.txt")
	require.Equal(t, 3, e.fs.tracker.Len())

	op := &fuseops.BatchForgetOp{
		Entries: []fuseops.BatchForgetEntry{
			{Inode: a.Entry.Child, N: 1},
			{Inode: b.Entry.Child, N: 1},
		},
	}
	require.NoError(t, e.fs.BatchForget(context.Background(), op))

	assert.Equal(t, 1, e.fs.tracker.Len())
}

func TestForgetToleratesUnknownInode(t *testing.T) {
	e := newTestEnv(t)

	forget := &fuseops.ForgetInodeOp{Inode: 999, N: 1}

	assert.NoError(t, e.fs.ForgetInode(context.Background(), forget))
}

////////////////////////////////////////////////////////////////////////
// Namespace mutation
////////////////////////////////////////////////////////////////////////

func TestMkDir(t *testing.T) {
	e := newTestEnv(t)

	op := &fuseops.MkDirOp{
		Parent:    fuseops.RootInodeID,
		Name:      "pics",
		Mode:      os.ModeDir | 0755,
		OpContext: opCtx(10010),
	}
	require.NoError(t, e.fs.MkDir(context.Background(), op))

	fi, err := os.Stat(path.Join(e.dir, "pics"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.NotEqual(t, fuseops.InodeID(0), op.Entry.Child)
}

func TestMkDirDenied(t *testing.T) {
	e := newTestEnv(t)
	e.auth.DenyMkdir(path.Join(e.dir, "pics"), syscall.EACCES)

	op := &fuseops.MkDirOp{
		Parent:    fuseops.RootInodeID,
		Name:      "pics",
		Mode:      os.ModeDir | 0755,
		OpContext: opCtx(10010),
	}
	err := e.fs.MkDir(context.Background(), op)

	assert.Equal(t, syscall.EACCES, err)
	_, statErr := os.Stat(path.Join(e.dir, "pics"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRmDir(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.Mkdir(path.Join(e.dir, "old"), 0755))
	e.mustLookup(t, fuseops.RootInodeID, "old")

	op := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "old", OpContext: opCtx(10010)}
	require.NoError(t, e.fs.RmDir(context.Background(), op))

	_, err := os.Stat(path.Join(e.dir, "old"))
	assert.True(t, os.IsNotExist(err))
	_, lookupErr := e.lookup(fuseops.RootInodeID, "old", 10010)
	assert.Equal(t, fuse.ENOENT, lookupErr)
}

func TestRmDirDenied(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.Mkdir(path.Join(e.dir, "keep"), 0755))
	e.auth.DenyRmdir(path.Join(e.dir, "keep"), syscall.EPERM)

	op := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "keep", OpContext: opCtx(10010)}
	err := e.fs.RmDir(context.Background(), op)

	assert.Equal(t, syscall.EPERM, err)
	_, statErr := os.Stat(path.Join(e.dir, "keep"))
	assert.NoError(t, statErr)
}

func TestCreateFile(t *testing.T) {
	e := newTestEnv(t)

	op := &fuseops.CreateFileOp{
		Parent:    fuseops.RootInodeID,
		Name:      "new.txt",
		Mode:      0644,
		OpContext: opCtx(10010),
	}
	require.NoError(t, e.fs.CreateFile(context.Background(), op))

	p := path.Join(e.dir, "new.txt")
	assert.Contains(t, e.auth.Inserted(), p)
	_, err := os.Stat(p)
	assert.NoError(t, err)

	// The returned handle is live: write then read back through it.
	writeOp := &fuseops.WriteFileOp{
		Inode:  op.Entry.Child,
		Handle: op.Handle,
		Data:   []byte("hello"),
	}
	require.NoError(t, e.fs.WriteFile(context.Background(), writeOp))

	readOp := &fuseops.ReadFileOp{
		Inode:  op.Entry.Child,
		Handle: op.Handle,
		Dst:    make([]byte, 5),
		Size:   5,
	}
	require.NoError(t, e.fs.ReadFile(context.Background(), readOp))
	assert.Equal(t, 5, readOp.BytesRead)
	assert.Equal(t, []byte("hello"), readOp.Dst)
}

func TestCreateFileInsertDenied(t *testing.T) {
	e := newTestEnv(t)
	p := path.Join(e.dir, "new.txt")
	e.auth.FailInsert(p, syscall.EACCES)

	op := &fuseops.CreateFileOp{
		Parent:    fuseops.RootInodeID,
		Name:      "new.txt",
		Mode:      0644,
		OpContext: opCtx(10010),
	}
	err := e.fs.CreateFile(context.Background(), op)

	assert.Equal(t, syscall.EACCES, err)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateFileRollsBackInsertOnPhysicalFailure(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "taken.txt", []byte("x"))

	// O_EXCL fails against the pre-existing file; the metadata insert must
	// be compensated.
	op := &fuseops.CreateFileOp{
		Parent:    fuseops.RootInodeID,
		Name:      "taken.txt",
		Mode:      0644,
		OpContext: opCtx(10010),
	}
	err := e.fs.CreateFile(context.Background(), op)

	assert.Equal(t, syscall.EEXIST, err)
	assert.Contains(t, e.auth.Inserted(), p)
	assert.Contains(t, e.auth.Deleted(), p)
}

func TestMkNodeRegularFileOnly(t *testing.T) {
	e := newTestEnv(t)

	op := &fuseops.MkNodeOp{
		Parent:    fuseops.RootInodeID,
		Name:      "fifo",
		Mode:      os.ModeNamedPipe | 0644,
		OpContext: opCtx(10010),
	}
	err := e.fs.MkNode(context.Background(), op)

	assert.Equal(t, fuse.EINVAL, err)
}

func TestMkNode(t *testing.T) {
	e := newTestEnv(t)

	op := &fuseops.MkNodeOp{
		Parent:    fuseops.RootInodeID,
		Name:      "plain.txt",
		Mode:      0644,
		OpContext: opCtx(10010),
	}
	require.NoError(t, e.fs.MkNode(context.Background(), op))

	p := path.Join(e.dir, "plain.txt")
	assert.Contains(t, e.auth.Inserted(), p)
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size())
}

func TestUnlinkKeepsOpenHandleWorking(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "doomed.txt", []byte("still here"))
	look := e.mustLookup(t, fuseops.RootInodeID, "doomed.txt")
	open, err := e.openFile(look.Entry.Child, 10010, false)
	require.NoError(t, err)

	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "doomed.txt", OpContext: opCtx(10010)}
	require.NoError(t, e.fs.Unlink(context.Background(), unlink))

	assert.Contains(t, e.auth.Deleted(), p)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))

	// Lookup no longer resolves, but the open handle still reads.
	_, lookupErr := e.lookup(fuseops.RootInodeID, "doomed.txt", 10010)
	assert.Equal(t, fuse.ENOENT, lookupErr)

	readOp := &fuseops.ReadFileOp{
		Inode:  look.Entry.Child,
		Handle: open.Handle,
		Dst:    make([]byte, 10),
		Size:   10,
	}
	require.NoError(t, e.fs.ReadFile(context.Background(), readOp))
	assert.Equal(t, []byte("still here"), readOp.Dst[:readOp.BytesRead])

	// Attributes of the unlinked node come through the open descriptor.
	getOp := &fuseops.GetInodeAttributesOp{Inode: look.Entry.Child}
	require.NoError(t, e.fs.GetInodeAttributes(context.Background(), getOp))
	assert.Equal(t, uint64(10), getOp.Attributes.Size)
}

func TestRename(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "a/f.txt", []byte("payload"))
	require.NoError(t, os.Mkdir(path.Join(e.dir, "b"), 0755))

	dirA := e.mustLookup(t, fuseops.RootInodeID, "a")
	dirB := e.mustLookup(t, fuseops.RootInodeID, "b")
	e.mustLookup(t, dirA.Entry.Child, "f.txt")

	op := &fuseops.RenameOp{
		OldParent: dirA.Entry.Child,
		OldName:   "f.txt",
		NewParent: dirB.Entry.Child,
		NewName:   "g.txt",
		OpContext: opCtx(10010),
	}
	require.NoError(t, e.fs.Rename(context.Background(), op))

	assert.Equal(t, [][2]string{{path.Join(e.dir, "a/f.txt"), path.Join(e.dir, "b/g.txt")}},
		e.auth.Renamed())
	contents, err := os.ReadFile(path.Join(e.dir, "b/g.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), contents)

	moved := e.mustLookup(t, dirB.Entry.Child, "g.txt")
	assert.NotEqual(t, fuseops.InodeID(0), moved.Entry.Child)
	_, oldErr := e.lookup(dirA.Entry.Child, "f.txt", 10010)
	assert.Equal(t, fuse.ENOENT, oldErr)
}

func TestRenameDeniedLeavesTreeUntouched(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "f.txt", []byte("x"))
	e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	e.auth.FailRename(p, syscall.EACCES)

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "f.txt",
		NewParent: fuseops.RootInodeID,
		NewName:   "g.txt",
		OpContext: opCtx(10010),
	}
	err := e.fs.Rename(context.Background(), op)

	assert.Equal(t, syscall.EACCES, err)
	still := e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	assert.NotEqual(t, fuseops.InodeID(0), still.Entry.Child)
	_, newErr := e.lookup(fuseops.RootInodeID, "g.txt", 10010)
	assert.Equal(t, fuse.ENOENT, newErr)
}

func TestRenameMissingSource(t *testing.T) {
	e := newTestEnv(t)

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "ghost",
		NewParent: fuseops.RootInodeID,
		NewName:   "g.txt",
		OpContext: opCtx(10010),
	}
	err := e.fs.Rename(context.Background(), op)

	assert.Equal(t, fuse.ENOENT, err)
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func TestOpenDirDenied(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.Mkdir(path.Join(e.dir, "private"), 0755))
	look := e.mustLookup(t, fuseops.RootInodeID, "private")
	e.auth.DenyOpendir(path.Join(e.dir, "private"), syscall.EACCES)

	op := &fuseops.OpenDirOp{Inode: look.Entry.Child, OpContext: opCtx(10010)}
	err := e.fs.OpenDir(context.Background(), op)

	assert.Equal(t, syscall.EACCES, err)
}

func TestDirHandleLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "a.txt", []byte("x"))
	e.writeFile(t, "b.txt", []byte("x"))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID, OpContext: opCtx(10010)}
	require.NoError(t, e.fs.OpenDir(context.Background(), openOp))
	assert.False(t, openOp.CacheDir)

	readOp := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: openOp.Handle,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, e.fs.ReadDir(context.Background(), readOp))
	assert.Greater(t, readOp.BytesRead, 0)

	releaseOp := &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}
	require.NoError(t, e.fs.ReleaseDirHandle(context.Background(), releaseOp))

	// The handle is gone; reusing it is a transport bug.
	assert.Panics(t, func() {
		_ = e.fs.ReadDir(context.Background(), readOp)
	})
	e.fs.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Open and the cache-mode decision
////////////////////////////////////////////////////////////////////////

func TestOpenFileDenied(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "f.txt", []byte("x"))
	look := e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	e.auth.DenyOpen(p, syscall.EACCES)

	_, err := e.openFile(look.Entry.Child, 10010, false)

	assert.Equal(t, syscall.EACCES, err)
}

func TestOpenFileUnredactedKeepsCache(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "f.txt", []byte("plain"))
	look := e.mustLookup(t, fuseops.RootInodeID, "f.txt")

	op1, err := e.openFile(look.Entry.Child, 10010, false)
	require.NoError(t, err)
	op2, err := e.openFile(look.Entry.Child, 10020, false)
	require.NoError(t, err)

	assert.False(t, op1.UseDirectIO)
	assert.True(t, op1.KeepPageCache)
	assert.False(t, op2.UseDirectIO)
	assert.True(t, op2.KeepPageCache)
}

// Two sequential opens of the same file where the first view is redacted and
// the second is not: the redaction flip with a live cached reader must force
// direct I/O, and the initial flip must purge stale pages.
func TestOpenFileRedactionFlipForcesDirectIO(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "v.dat", seqContents(100))
	look := e.mustLookup(t, fuseops.RootInodeID, "v.dat")

	e.auth.SetRedaction(p, redaction.Range{Start: 1, End: 10})

	// First open: redaction state flips from the node's default; no cached
	// reader exists yet, so the kernel purges and this open stays cached.
	op1, err := e.openFile(look.Entry.Child, 10010, false)
	require.NoError(t, err)
	assert.False(t, op1.UseDirectIO)
	assert.False(t, op1.KeepPageCache)

	// Second open with an unredacted view while the cached redacted reader
	// is live: must bypass the cache entirely.
	e.auth.SetRedaction(p)
	op2, err := e.openFile(look.Entry.Child, 10020, false)
	require.NoError(t, err)
	assert.True(t, op2.UseDirectIO)

	// Redacted reader sees zeroes; unredacted reader sees file bytes.
	read1 := &fuseops.ReadFileOp{
		Handle: op1.Handle, Dst: make([]byte, 20), Size: 20,
	}
	require.NoError(t, e.fs.ReadFile(context.Background(), read1))
	assert.Equal(t, make([]byte, 9), read1.Dst[1:10])

	read2 := &fuseops.ReadFileOp{
		Handle: op2.Handle, Dst: make([]byte, 20), Size: 20,
	}
	require.NoError(t, e.fs.ReadFile(context.Background(), read2))
	assert.Equal(t, seqContents(100)[:20], read2.Dst)
}

func TestOpenFileRedactionFlipWithoutCachedReaderPurges(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "v.dat", seqContents(100))
	look := e.mustLookup(t, fuseops.RootInodeID, "v.dat")

	e.auth.SetRedaction(p, redaction.Range{Start: 1, End: 10})
	op1, err := e.openFile(look.Entry.Child, 10010, false)
	require.NoError(t, err)
	release := &fuseops.ReleaseFileHandleOp{Handle: op1.Handle}
	require.NoError(t, e.fs.ReleaseFileHandle(context.Background(), release))

	// No cached reader remains; flipping back purges instead of going
	// direct.
	e.auth.SetRedaction(p)
	op2, err := e.openFile(look.Entry.Child, 10020, false)
	require.NoError(t, err)

	assert.False(t, op2.UseDirectIO)
	assert.False(t, op2.KeepPageCache)

	// A further open with the same view keeps the cache.
	op3, err := e.openFile(look.Entry.Child, 10020, false)
	require.NoError(t, err)
	assert.False(t, op3.UseDirectIO)
	assert.True(t, op3.KeepPageCache)
}

func TestOpenFileWriteIntentNeverRedacts(t *testing.T) {
	e := newTestEnv(t)
	p := e.writeFile(t, "v.dat", seqContents(100))
	look := e.mustLookup(t, fuseops.RootInodeID, "v.dat")
	e.auth.SetRedaction(p, redaction.Range{Start: 1, End: 10})

	op, err := e.openFile(look.Entry.Child, 10010, true)
	require.NoError(t, err)

	readOp := &fuseops.ReadFileOp{
		Handle: op.Handle, Dst: make([]byte, 20), Size: 20,
	}
	require.NoError(t, e.fs.ReadFile(context.Background(), readOp))
	assert.Equal(t, seqContents(100)[:20], readOp.Dst)
}

func TestSyncAndFlush(t *testing.T) {
	e := newTestEnv(t)
	e.writeFile(t, "f.txt", []byte("x"))
	look := e.mustLookup(t, fuseops.RootInodeID, "f.txt")
	op, err := e.openFile(look.Entry.Child, 10010, true)
	require.NoError(t, err)

	syncOp := &fuseops.SyncFileOp{Inode: look.Entry.Child, Handle: op.Handle}
	assert.NoError(t, e.fs.SyncFile(context.Background(), syncOp))

	flushOp := &fuseops.FlushFileOp{Inode: look.Entry.Child, Handle: op.Handle}
	assert.NoError(t, e.fs.FlushFile(context.Background(), flushOp))
}

////////////////////////////////////////////////////////////////////////
// Case-insensitive resolution
////////////////////////////////////////////////////////////////////////

type invalidationRecorder struct {
	ch chan invalidation
}

func (r *invalidationRecorder) InvalidateEntry(parent fuseops.InodeID, name string) error {
	r.ch <- invalidation{parent: parent, name: name}
	return nil
}

func TestLookUpCaseVariantInvalidatesAsync(t *testing.T) {
	rec := &invalidationRecorder{ch: make(chan invalidation, 4)}
	e := newTestEnvWithInvalidator(t, rec)
	e.writeFile(t, "Photo.JPG", []byte("x"))

	exact := e.mustLookup(t, fuseops.RootInodeID, "Photo.JPG")

	variant, err := e.lookup(fuseops.RootInodeID, "photo.jpg", 10010)
	require.NoError(t, err)

	// Same node, but the reply must not be cached and the stale spelling
	// must be invalidated off-thread.
	assert.Equal(t, exact.Entry.Child, variant.Entry.Child)
	assert.Equal(t, someTime, variant.Entry.EntryExpiration)

	select {
	case msg := <-rec.ch:
		assert.Equal(t, fuseops.InodeID(fuseops.RootInodeID), msg.parent)
		assert.Equal(t, "photo.jpg", msg.name)
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation arrived")
	}
}

////////////////////////////////////////////////////////////////////////
// StatFS and teardown
////////////////////////////////////////////////////////////////////////

func TestStatFS(t *testing.T) {
	e := newTestEnv(t)

	op := &fuseops.StatFSOp{}
	require.NoError(t, e.fs.StatFS(context.Background(), op))

	assert.Greater(t, op.BlockSize, uint32(0))
	assert.Greater(t, op.Blocks, uint64(0))
}

func TestDestroyClosesEverything(t *testing.T) {
	dir := t.TempDir()
	auth := authority.NewFake()
	fsys, err := NewFileSystem(&ServerConfig{
		BackingRoot: dir,
		Authority:   auth,
		CacheClock:  newSimulatedClock(someTime),
	})
	require.NoError(t, err)
	raw := fsys.(*fileSystem)

	require.NoError(t, os.WriteFile(path.Join(dir, "f.txt"), []byte("x"), 0644))
	look := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "f.txt", OpContext: opCtx(10010)}
	require.NoError(t, raw.LookUpInode(context.Background(), look))

	open := &fuseops.OpenFileOp{Inode: look.Entry.Child, OpContext: opCtx(10010)}
	require.NoError(t, raw.OpenFile(context.Background(), open))

	openDir := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID, OpContext: opCtx(10010)}
	require.NoError(t, raw.OpenDir(context.Background(), openDir))

	raw.Destroy()

	assert.Equal(t, 0, raw.tracker.Len())
	assert.Empty(t, raw.fileHandles)
	assert.Empty(t, raw.dirHandles)
}

func seqContents(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) + 1
	}
	return b
}
