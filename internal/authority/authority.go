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

// Package authority defines the contract with the external access-control
// authority: the process that owns visibility, redaction, and metadata policy
// for the mediated storage area. The daemon never decides policy itself; every
// dispatch handler consults this interface before touching the tree or the
// backing filesystem.
package authority

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/scopefs/scopefs/internal/redaction"
)

// Identity names the requester of a filesystem operation, as reported by the
// kernel with each request.
type Identity struct {
	UID uint32
	PID uint32
}

// PerUserRange is the size of the uid range allotted to one user profile.
// uid / PerUserRange yields the profile a caller belongs to.
const PerUserRange = 100000

// UserID returns the user profile the identity belongs to.
func (id Identity) UserID() uint32 {
	return id.UID / PerUserRange
}

// EntryType distinguishes directory entries returned by the authority.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDirectory
)

// DirEntry is one directory entry as the authority wants it presented.
type DirEntry struct {
	Name string
	Type EntryType
}

// Authority is the access-control collaborator. Every method either succeeds
// (nil error), denies with a POSIX errno (syscall.Errno), or fails with a
// transport fault that the dispatch layer maps to EIO.
//
// Calls may block awaiting the authority process and must never be made while
// holding the filesystem lock.
type Authority interface {
	// IsOpenAllowed reports whether id may open the file at path with the
	// given write intent.
	IsOpenAllowed(ctx context.Context, path string, id Identity, forWrite bool) error

	// IsOpendirAllowed reports whether id may list the directory at path.
	IsOpendirAllowed(ctx context.Context, path string, id Identity) error

	// IsCreatingDirAllowed reports whether id may create the directory at
	// path.
	IsCreatingDirAllowed(ctx context.Context, path string, id Identity) error

	// IsDeletingDirAllowed reports whether id may remove the directory at
	// path.
	IsDeletingDirAllowed(ctx context.Context, path string, id Identity) error

	// InsertFile registers a new metadata entry for path before the physical
	// file is created. A creation that subsequently fails must be compensated
	// with DeleteFile.
	InsertFile(ctx context.Context, path string, id Identity) error

	// DeleteFile removes the metadata entry for path.
	DeleteFile(ctx context.Context, path string, id Identity) error

	// Rename moves the entry and its backing file from oldPath to newPath.
	// On success the physical rename has been performed.
	Rename(ctx context.Context, oldPath, newPath string, id Identity) error

	// GetRedactionRanges returns the raw, possibly unsorted and overlapping,
	// byte ranges of path that must be hidden from id.
	GetRedactionRanges(ctx context.Context, path string, id Identity) ([]redaction.Range, error)

	// GetDirectoryEntries filters and orders the locally-listed entries of
	// path according to what id may see.
	GetDirectoryEntries(ctx context.Context, path string, id Identity, local []DirEntry) ([]DirEntry, error)

	// IsUidForPackage reports whether uid belongs to the named package.
	IsUidForPackage(ctx context.Context, pkg string, uid uint32) (bool, error)

	// ShouldAllowLookup reports whether id may learn of the existence of
	// entries owned by the given user profile.
	ShouldAllowLookup(ctx context.Context, id Identity, ownerUserID uint32) (bool, error)
}

// FaultError marks an unexpected runtime failure of the authority transport,
// as opposed to a policy denial. The dispatch layer maps it to EIO and never
// lets it crash a request-handling goroutine.
type FaultError struct {
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("authority fault: %v", e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Errno translates an Authority method result into the errno to reply with.
// nil stays nil, policy denials pass through unmodified, and anything else is
// a fault surfaced as EIO.
func Errno(err error) error {
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return syscall.EIO
}
