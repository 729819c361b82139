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

// Package fs translates kernel filesystem requests into tree operations and
// authority decisions over a backing directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/scopefs/scopefs/internal/authority"
	"github.com/scopefs/scopefs/internal/fadviser"
	"github.com/scopefs/scopefs/internal/fs/handle"
	"github.com/scopefs/scopefs/internal/fs/node"
	"github.com/scopefs/scopefs/internal/locker"
	"github.com/scopefs/scopefs/internal/logger"
	"github.com/scopefs/scopefs/internal/redaction"
)

type ServerConfig struct {
	// The directory whose contents are mediated.
	BackingRoot string

	// The policy authority consulted before every operation. Calls may
	// block; the filesystem never makes one while holding its lock.
	Authority authority.Authority

	// Aggregates I/O byte counts and bounds page-cache double-buffering.
	// May be nil to disable advisory hints.
	Adviser *fadviser.FAdviser

	// Clock used for cache expiration timestamps.
	CacheClock timeutil.Clock

	// How long the kernel may cache entries and attributes that resolved
	// unambiguously. Zero or negative means always revalidate.
	EntryCacheTTL time.Duration
	AttrCacheTTL  time.Duration

	// Sink for asynchronous dentry invalidations. May be nil.
	Invalidator Invalidator
}

// NewFileSystem creates a filesystem mediating cfg.BackingRoot.
func NewFileSystem(cfg *ServerConfig) (fuseutil.FileSystem, error) {
	if cfg.Authority == nil {
		return nil, errors.New("an Authority is required")
	}

	root, err := filepathAbs(cfg.BackingRoot)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Lstat(root, &st); err != nil {
		return nil, fmt.Errorf("stat backing root %q: %w", root, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("backing root %q is not a directory", root)
	}

	clock := cfg.CacheClock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	tracker := node.NewTracker()
	fs := &fileSystem{
		authority:   cfg.Authority,
		adviser:     cfg.Adviser,
		clock:       clock,
		notifier:    newNotifier(cfg.Invalidator),
		backingRoot: root,
		entryTTL:    cfg.EntryCacheTTL,
		attrTTL:     cfg.AttrCacheTTL,
		tracker:     tracker,
		root:        node.NewRoot(tracker, root),
		fileHandles: make(map[fuseops.HandleID]*fileHandleState),
		dirHandles:  make(map[fuseops.HandleID]*dirHandleState),
	}

	fs.mu = locker.New("FS", fs.checkInvariants)

	return fs, nil
}

// NewServer wraps the filesystem for serving a mount, with request counting.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := NewFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(WithMonitoring(fs)), nil
}

func filepathAbs(p string) (string, error) {
	if p == "" {
		return "", errors.New("a backing root is required")
	}
	if !path.IsAbs(p) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		p = path.Join(wd, p)
	}
	return path.Clean(p), nil
}

////////////////////////////////////////////////////////////////////////
// fileSystem
////////////////////////////////////////////////////////////////////////

// A handle's node association, kept so release can deregister the open.
type fileHandleState struct {
	fh   *handle.FileHandle
	node *node.Node
}

type dirHandleState struct {
	dh   *handle.DirHandle
	node *node.Node
}

// LOCK ORDERING
//
// There is exactly one lock, fs.mu, guarding the tree, reference counts,
// handle maps, and per-node open lists. Authority calls and blocking OS calls
// are made with the lock released; a handler re-resolves whatever state it
// needs after re-acquiring.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	authority authority.Authority
	adviser   *fadviser.FAdviser
	clock     timeutil.Clock
	notifier  *notifier

	/////////////////////////
	// Constant data
	/////////////////////////

	backingRoot string
	entryTTL    time.Duration
	attrTTL     time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.Locker

	// The tree and the registry of live inode IDs.
	//
	// GUARDED_BY(mu)
	tracker *node.Tracker
	root    *node.Node

	// Open handles, keyed by the IDs echoed back by the kernel.
	//
	// GUARDED_BY(mu)
	fileHandles  map[fuseops.HandleID]*fileHandleState
	dirHandles   map[fuseops.HandleID]*dirHandleState
	nextHandleID fuseops.HandleID
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) checkInvariants() {
	if fs.tracker.Get(fs.root.ID()) != fs.root {
		panic("root is not tracked")
	}

	for id, st := range fs.fileHandles {
		if fs.tracker.Get(st.node.ID()) != st.node {
			panic(fmt.Sprintf("file handle %d references untracked node %d", id, st.node.ID()))
		}
	}

	for id, st := range fs.dirHandles {
		if fs.tracker.Get(st.node.ID()) != st.node {
			panic(fmt.Sprintf("dir handle %d references untracked node %d", id, st.node.ID()))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func requester(c fuseops.OpContext) authority.Identity {
	return authority.Identity{UID: c.Uid, PID: c.Pid}
}

// nodeOrDie translates an inode ID handed to us by the kernel. An unknown ID
// is a protocol integrity violation, not a recoverable error.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) nodeOrDie(id fuseops.InodeID) *node.Node {
	return fs.tracker.CheckTracked(id)
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) fileHandleOrDie(id fuseops.HandleID) *fileHandleState {
	st := fs.fileHandles[id]
	if st == nil {
		panic(fmt.Sprintf("file handle %d is not registered", id))
	}
	return st
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) dirHandleOrDie(id fuseops.HandleID) *dirHandleState {
	st := fs.dirHandles[id]
	if st == nil {
		panic(fmt.Sprintf("dir handle %d is not registered", id))
	}
	return st
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) mintHandleID() fuseops.HandleID {
	id := fs.nextHandleID
	fs.nextHandleID++
	return id
}

// authorityErrno maps an authority result to the errno to reply with,
// logging and counting transport faults. Denials pass through silently.
func authorityErrno(opName string, err error) error {
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		logger.Errorf("%s: authority fault: %v", opName, err)
		countAuthorityFault()
	}

	return authority.Errno(err)
}

// osErrno unwraps the errno from a failed OS call so the kernel receives the
// native code untranslated.
func osErrno(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return err
}

// ownerUserID derives the user profile that owns a path from its first
// component under the backing root: per-profile subtrees are laid out as
// <root>/<profile>/... . Paths outside that layout belong to profile zero.
func (fs *fileSystem) ownerUserID(p string) uint32 {
	rel := strings.TrimPrefix(p, fs.backingRoot)
	rel = strings.TrimLeft(rel, "/")
	seg, _, _ := strings.Cut(rel, "/")
	if n, err := strconv.ParseUint(seg, 10, 32); err == nil {
		return uint32(n)
	}
	return 0
}

// appPrivatePath reports whether p lies inside an application-private sandbox
// subtree (<root>/<profile>/Android/{data,obb}/...). What a caller sees there
// depends on who is asking, so replies for such paths must never be cached by
// the kernel.
func (fs *fileSystem) appPrivatePath(p string) bool {
	rel := strings.TrimPrefix(p, fs.backingRoot)
	rel = strings.TrimLeft(rel, "/")
	seg := strings.SplitN(rel, "/", 4)
	if len(seg) < 3 || seg[1] != "Android" {
		return false
	}
	return seg[2] == "data" || seg[2] == "obb"
}

// cacheExpirations returns the attribute and entry expiration timestamps for
// a reply. strict forces immediate revalidation regardless of the configured
// TTLs.
func (fs *fileSystem) cacheExpirations(strict bool) (attr, entry time.Time) {
	now := fs.clock.Now()
	attr, entry = now, now
	if strict {
		return
	}
	if fs.attrTTL > 0 {
		attr = now.Add(fs.attrTTL)
	}
	if fs.entryTTL > 0 {
		entry = now.Add(fs.entryTTL)
	}
	return
}

func convertAttributes(st *unix.Stat_t) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  fuse.ConvertFileMode(st.Mode),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Uid:   st.Uid,
		Gid:   st.Gid,
	}
}

// holdsAdvisoryLock reports whether any other descriptor currently holds an
// open-file-description lock on the file behind fd. The authority places such
// locks when it hands a file out through a side channel; reads and writes
// through this mount must then bypass the page cache.
func holdsAdvisoryLock(fd int) bool {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
	}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_OFD_GETLK, &lk); err != nil {
		logger.Warnf("F_OFD_GETLK on fd %d: %v", fd, err)
		return false
	}
	return lk.Type != unix.F_UNLCK
}

// statThroughHandle stats an unlinked-but-open node via one of its open
// descriptors.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) statThroughHandle(n *node.Node) (unix.Stat_t, bool) {
	for _, st := range fs.fileHandles {
		if st.node != n {
			continue
		}
		var s unix.Stat_t
		if err := unix.Fstat(st.fh.FD(), &s); err == nil {
			return s, true
		}
	}
	return unix.Stat_t{}, false
}

////////////////////////////////////////////////////////////////////////
// General ops
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.backingRoot, &st); err != nil {
		return osErrno(err)
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	op.IoSize = uint32(st.Bsize)

	return nil
}

// Destroy tears the mount down: every outstanding handle is closed and the
// whole tree is released, regardless of lookup counts still notionally held
// by the kernel.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Destroy() {
	fs.mu.Lock()

	for id, st := range fs.fileHandles {
		st.node.RemoveFileOpen(st.fh)
		if fs.adviser != nil {
			fs.adviser.Close(st.fh.FD())
		}
		if err := st.fh.Destroy(); err != nil {
			logger.Warnf("Destroy: closing file handle %d: %v", id, err)
		}
		delete(fs.fileHandles, id)
	}

	for id, st := range fs.dirHandles {
		st.node.RemoveDirOpen()
		st.dh.Destroy()
		delete(fs.dirHandles, id)
	}

	node.DeleteTree(fs.root)
	fs.mu.Unlock()

	fs.notifier.Stop()
}

////////////////////////////////////////////////////////////////////////
// Inode ops
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	parent := fs.nodeOrDie(op.Parent)
	parentPath := parent.BuildPath()
	known := parent.LookupChildByName(op.Name, false)
	fs.mu.Unlock()

	// Prefer the on-disk spelling the tree already knows for this name.
	actualName := op.Name
	if known != nil {
		actualName = known.Name()
	}
	childPath := path.Join(parentPath, actualName)

	// Existence hiding: a caller that may not learn of this owner's entries
	// sees not-found, never forbidden.
	allowed, err := fs.authority.ShouldAllowLookup(ctx, id, fs.ownerUserID(childPath))
	if err != nil {
		return authorityErrno("LookUpInode", err)
	}
	if !allowed {
		return fuse.ENOENT
	}

	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err != nil {
		if err != unix.ENOENT || actualName == op.Name {
			return osErrno(err)
		}
		// The known case variant vanished on disk; fall back to the
		// requested spelling.
		actualName = op.Name
		childPath = path.Join(parentPath, actualName)
		if err := unix.Lstat(childPath, &st); err != nil {
			return osErrno(err)
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Find-and-acquire must be atomic with respect to a concurrent forget
	// of the same node.
	child := parent.LookupChildByName(op.Name, true)
	if child == nil {
		child = node.NewChild(fs.tracker, parent, actualName)
	}

	caseMismatch := child.Name() != op.Name
	ambiguous := parent.CaseMatches(op.Name) > 1

	op.Entry.Child = child.ID()
	op.Entry.Attributes = convertAttributes(&st)
	op.Entry.AttributesExpiration, op.Entry.EntryExpiration =
		fs.cacheExpirations(caseMismatch || ambiguous ||
			child.RedactedCache() || fs.appPrivatePath(childPath))

	if caseMismatch {
		// The kernel cached the requested spelling against this entry;
		// discard it off-thread so stale case variants do not linger.
		fs.notifier.EnqueueEntryInvalidation(op.Parent, op.Name)
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	n := fs.nodeOrDie(op.Inode)
	p := n.BuildPath()
	fs.mu.Unlock()

	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		// An unlinked node stays stattable through its open descriptors.
		fs.mu.Lock()
		s, ok := fs.statThroughHandle(n)
		fs.mu.Unlock()
		if !ok {
			return osErrno(err)
		}
		st = s
	}

	op.Attributes = convertAttributes(&st)
	op.AttributesExpiration, _ = fs.cacheExpirations(n.RedactedCache() || fs.appPrivatePath(p))

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	n := fs.nodeOrDie(op.Inode)
	p := n.BuildPath()
	fs.mu.Unlock()

	// Changing the size is a write to file contents; everything else is
	// plain metadata.
	if op.Size != nil {
		if err := authorityErrno("SetInodeAttributes",
			fs.authority.IsOpenAllowed(ctx, p, id, true)); err != nil {
			return err
		}
		if err := os.Truncate(p, int64(*op.Size)); err != nil {
			return osErrno(err)
		}
	}

	if op.Mode != nil {
		if err := os.Chmod(p, *op.Mode); err != nil {
			return osErrno(err)
		}
	}

	if op.Uid != nil || op.Gid != nil {
		uid, gid := -1, -1
		if op.Uid != nil {
			uid = int(*op.Uid)
		}
		if op.Gid != nil {
			gid = int(*op.Gid)
		}
		if err := os.Lchown(p, uid, gid); err != nil {
			return osErrno(err)
		}
	}

	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return osErrno(err)
	}

	if op.Atime != nil || op.Mtime != nil {
		atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
		mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := os.Chtimes(p, atime, mtime); err != nil {
			return osErrno(err)
		}
		if err := unix.Lstat(p, &st); err != nil {
			return osErrno(err)
		}
	}

	op.Attributes = convertAttributes(&st)
	op.AttributesExpiration, _ = fs.cacheExpirations(n.RedactedCache() || fs.appPrivatePath(p))

	return nil
}

// ForgetInode drops kernel lookup references. Unlike every other handler it
// tolerates an untracked ID: during unmount teardown the kernel may still
// flush forgets for nodes the tree has already released.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.tracker.Get(op.Inode)
	if n == nil {
		logger.Debugf("ForgetInode: node %d already gone", op.Inode)
		return nil
	}

	n.Release(uint32(op.N))
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, e := range op.Entries {
		n := fs.tracker.Get(e.Inode)
		if n == nil {
			logger.Debugf("BatchForget: node %d already gone", e.Inode)
			continue
		}
		n.Release(uint32(e.N))
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Namespace mutation
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	parent := fs.nodeOrDie(op.Parent)
	parentPath := parent.BuildPath()
	fs.mu.Unlock()

	childPath := path.Join(parentPath, op.Name)

	if err := authorityErrno("MkDir",
		fs.authority.IsCreatingDirAllowed(ctx, childPath, id)); err != nil {
		return err
	}

	if err := os.Mkdir(childPath, op.Mode.Perm()); err != nil {
		return osErrno(err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err != nil {
		return osErrno(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	child := node.NewChild(fs.tracker, parent, op.Name)
	op.Entry.Child = child.ID()
	op.Entry.Attributes = convertAttributes(&st)
	op.Entry.AttributesExpiration, op.Entry.EntryExpiration = fs.cacheExpirations(false)

	return nil
}

// MkNode supports regular files only; the mediated area has no place for
// device nodes or pipes.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	if op.Mode&os.ModeType != 0 {
		return fuse.EINVAL
	}

	id := requester(op.OpContext)

	fs.mu.Lock()
	parent := fs.nodeOrDie(op.Parent)
	parentPath := parent.BuildPath()
	fs.mu.Unlock()

	childPath := path.Join(parentPath, op.Name)

	if err := authorityErrno("MkNode",
		fs.authority.InsertFile(ctx, childPath, id)); err != nil {
		return err
	}

	f, err := os.OpenFile(childPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, op.Mode.Perm())
	if err != nil {
		fs.rollbackInsert(ctx, "MkNode", childPath, id)
		return osErrno(err)
	}
	f.Close()

	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err != nil {
		return osErrno(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	child := node.NewChild(fs.tracker, parent, op.Name)
	op.Entry.Child = child.ID()
	op.Entry.Attributes = convertAttributes(&st)
	op.Entry.AttributesExpiration, op.Entry.EntryExpiration = fs.cacheExpirations(false)

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	parent := fs.nodeOrDie(op.Parent)
	parentPath := parent.BuildPath()
	fs.mu.Unlock()

	childPath := path.Join(parentPath, op.Name)

	// The metadata entry is registered before the physical file exists; a
	// failed create must compensate with a delete so no dangling entry
	// remains.
	if err := authorityErrno("CreateFile",
		fs.authority.InsertFile(ctx, childPath, id)); err != nil {
		return err
	}

	f, err := os.OpenFile(childPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, op.Mode.Perm())
	if err != nil {
		fs.rollbackInsert(ctx, "CreateFile", childPath, id)
		return osErrno(err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err != nil {
		f.Close()
		fs.rollbackInsert(ctx, "CreateFile", childPath, id)
		return osErrno(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	child := node.NewChild(fs.tracker, parent, op.Name)

	// The creator writes its own bytes; never redacted, caching permitted.
	fh := handle.NewFileHandle(f, nil, true, id)
	child.AddFileOpen(fh)

	hid := fs.mintHandleID()
	fs.fileHandles[hid] = &fileHandleState{fh: fh, node: child}

	op.Handle = hid
	op.Entry.Child = child.ID()
	op.Entry.Attributes = convertAttributes(&st)
	op.Entry.AttributesExpiration, op.Entry.EntryExpiration = fs.cacheExpirations(false)

	return nil
}

func (fs *fileSystem) rollbackInsert(ctx context.Context, opName, p string, id authority.Identity) {
	if err := fs.authority.DeleteFile(ctx, p, id); err != nil {
		logger.Errorf("%s: rolling back insert of %q: %v", opName, p, err)
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	parent := fs.nodeOrDie(op.Parent)
	parentPath := parent.BuildPath()
	fs.mu.Unlock()

	childPath := path.Join(parentPath, op.Name)

	if err := authorityErrno("RmDir",
		fs.authority.IsDeletingDirAllowed(ctx, childPath, id)); err != nil {
		return err
	}

	if err := unix.Rmdir(childPath); err != nil {
		return osErrno(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if child := parent.LookupChildByName(op.Name, false); child != nil {
		child.SetDeleted()
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	parent := fs.nodeOrDie(op.Parent)
	parentPath := parent.BuildPath()
	fs.mu.Unlock()

	childPath := path.Join(parentPath, op.Name)

	// The authority owns the metadata entry and may perform the physical
	// unlink itself.
	if err := authorityErrno("Unlink",
		fs.authority.DeleteFile(ctx, childPath, id)); err != nil {
		return err
	}

	if err := unix.Unlink(childPath); err != nil && err != unix.ENOENT {
		return osErrno(err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// The node stays linked and tracked so open handles keep working.
	if child := parent.LookupChildByName(op.Name, false); child != nil {
		child.SetDeleted()
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	oldParent := fs.nodeOrDie(op.OldParent)
	newParent := fs.nodeOrDie(op.NewParent)
	oldParentPath := oldParent.BuildPath()
	newParentPath := newParent.BuildPath()

	// Acquire the child across the unlocked authority call so a concurrent
	// forget cannot destroy it mid-rename.
	child := oldParent.LookupChildByName(op.OldName, true)
	fs.mu.Unlock()

	if child == nil {
		return fuse.ENOENT
	}

	release := func() {
		fs.mu.Lock()
		child.Release(1)
		fs.mu.Unlock()
	}

	// Both ends must still be accessible to the caller.
	if err := authorityErrno("Rename",
		fs.authority.IsOpendirAllowed(ctx, oldParentPath, id)); err != nil {
		release()
		return err
	}
	if err := authorityErrno("Rename",
		fs.authority.IsOpendirAllowed(ctx, newParentPath, id)); err != nil {
		release()
		return err
	}

	oldPath := path.Join(oldParentPath, child.Name())
	newPath := path.Join(newParentPath, op.NewName)

	// The authority moves both the metadata entry and the backing file. On
	// failure the tree is left untouched.
	if err := authorityErrno("Rename",
		fs.authority.Rename(ctx, oldPath, newPath, id)); err != nil {
		release()
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// A replaced destination entry becomes invisible but keeps serving its
	// open handles.
	if dst := newParent.LookupChildByName(op.NewName, false); dst != nil && dst != child {
		dst.SetDeleted()
	}

	child.Rename(op.NewName, newParent)
	child.Release(1)

	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	n := fs.nodeOrDie(op.Inode)
	p := n.BuildPath()
	fs.mu.Unlock()

	if err := authorityErrno("OpenDir",
		fs.authority.IsOpendirAllowed(ctx, p, id)); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dh := handle.NewDirHandle(p, fs.authority, id)
	n.AddDirOpen()

	hid := fs.mintHandleID()
	fs.dirHandles[hid] = &dirHandleState{dh: dh, node: n}
	op.Handle = hid

	// Listings are filtered per identity; the kernel must not share them.
	op.CacheDir = false
	op.KeepCache = false

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	st := fs.dirHandleOrDie(op.Handle)
	fs.mu.Unlock()

	// The handle consults the authority; no lock may be held here.
	return st.dh.ReadDir(ctx, op)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st := fs.dirHandleOrDie(op.Handle)
	delete(fs.dirHandles, op.Handle)
	st.node.RemoveDirOpen()
	st.dh.Destroy()

	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// OpenFile decides, per open, whether the kernel page cache may serve this
// file. The decision is the crux of correctness: cached unredacted bytes must
// never leak to a reader whose view is redacted, and vice versa.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	id := requester(op.OpContext)

	fs.mu.Lock()
	n := fs.nodeOrDie(op.Inode)
	p := n.BuildPath()
	fs.mu.Unlock()

	forWrite := !op.OpenFlags.IsReadOnly()

	if err := authorityErrno("OpenFile",
		fs.authority.IsOpenAllowed(ctx, p, id, forWrite)); err != nil {
		return err
	}

	osFlags := os.O_RDONLY
	switch {
	case op.OpenFlags.IsReadWrite():
		osFlags = os.O_RDWR
	case op.OpenFlags.IsWriteOnly():
		osFlags = os.O_WRONLY
	}
	if uint32(op.OpenFlags)&uint32(syscall.O_APPEND) != 0 {
		osFlags |= os.O_APPEND
	}

	f, err := os.OpenFile(p, osFlags, 0)
	if err != nil {
		return osErrno(err)
	}

	// A write-intent open never redacts; a read-intent open asks the
	// authority what this identity may not see.
	var info *redaction.Info
	if !forWrite {
		raw, err := fs.authority.GetRedactionRanges(ctx, p, id)
		if err != nil {
			f.Close()
			return authorityErrno("OpenFile", err)
		}
		info = redaction.NewInfo(raw)
	}
	needsRedaction := info != nil && info.Needed()

	// Probe before taking the lock; the fcntl call can touch the disk.
	lockedElsewhere := holdsAdvisoryLock(int(f.Fd()))

	fs.mu.Lock()
	defer fs.mu.Unlock()

	hadCachedHandle := n.HasCachedOpen()
	redactionChanged := needsRedaction != n.RedactedCache()

	keepCache := true
	useDirectIO := false

	switch {
	case !hadCachedHandle && redactionChanged:
		// No cached reader to disturb: flip the node's redaction state
		// and have the kernel purge pages cached under the old state.
		n.SetRedactedCache(needsRedaction)
		keepCache = false

	case hadCachedHandle && redactionChanged:
		// A cached reader with the opposite view is live. This open
		// bypasses the cache entirely so neither view contaminates the
		// other.
		useDirectIO = true
	}

	if lockedElsewhere {
		useDirectIO = true
	}

	cached := !useDirectIO
	fh := handle.NewFileHandle(f, info, cached, id)
	n.AddFileOpen(fh)

	hid := fs.mintHandleID()
	fs.fileHandles[hid] = &fileHandleState{fh: fh, node: n}

	op.Handle = hid
	op.KeepPageCache = cached && keepCache
	op.UseDirectIO = useDirectIO

	logger.Tracef("OpenFile(%q) by uid %d: redacted=%v directIO=%v keepCache=%v",
		p, id.UID, needsRedaction, useDirectIO, op.KeepPageCache)

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	st := fs.fileHandleOrDie(op.Handle)
	fs.mu.Unlock()

	dst := op.Dst
	if int64(len(dst)) > op.Size {
		dst = dst[:op.Size]
	}

	n, err := st.fh.ReadAt(dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return osErrno(err)
	}

	if fs.adviser != nil {
		fs.adviser.Record(st.fh.FD(), int64(n))
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	st := fs.fileHandleOrDie(op.Handle)
	fs.mu.Unlock()

	n, err := st.fh.WriteAt(op.Data, op.Offset)
	if err != nil {
		return osErrno(err)
	}

	if fs.adviser != nil {
		fs.adviser.Record(st.fh.FD(), int64(n))
	}

	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.mu.Lock()
	st := fs.fileHandleOrDie(op.Handle)
	fs.mu.Unlock()

	return osErrno(st.fh.Sync())
}

// FlushFile is sent on every close(2) of a descriptor. Data reaches the
// backing file synchronously in WriteFile, so there is nothing to flush.
func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	st := fs.fileHandleOrDie(op.Handle)
	delete(fs.fileHandles, op.Handle)
	st.node.RemoveFileOpen(st.fh)
	fd := st.fh.FD()
	fs.mu.Unlock()

	if fs.adviser != nil {
		fs.adviser.Close(fd)
	}

	return osErrno(st.fh.Destroy())
}
