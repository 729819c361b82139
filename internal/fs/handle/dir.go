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

package handle

import (
	"context"
	"fmt"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/scopefs/scopefs/internal/authority"
)

// DirHandle is the state for one open directory: a snapshot of its entries,
// filtered through the authority for the identity that opened it.
//
// The snapshot is taken lazily on the first read and retaken whenever the
// kernel rewinds to offset zero, matching rewinddir semantics.
type DirHandle struct {
	path  string
	auth  authority.Authority
	owner authority.Identity

	// nil until the first read at offset zero.
	entries []fuseutil.Dirent
	fetched bool
}

// NewDirHandle creates a handle for the directory at the given backing path,
// reading on behalf of owner.
func NewDirHandle(path string, auth authority.Authority, owner authority.Identity) *DirHandle {
	return &DirHandle{
		path:  path,
		auth:  auth,
		owner: owner,
	}
}

// Owner returns the identity the directory was opened on behalf of.
func (dh *DirHandle) Owner() authority.Identity { return dh.owner }

// fetchEntries lists the backing directory and lets the authority filter and
// augment the result for dh.owner.
func (dh *DirHandle) fetchEntries(ctx context.Context) error {
	listing, err := os.ReadDir(dh.path)
	if err != nil {
		return fmt.Errorf("ReadDir(%q): %w", dh.path, err)
	}

	local := make([]authority.DirEntry, 0, len(listing))
	for _, e := range listing {
		t := authority.TypeFile
		if e.IsDir() {
			t = authority.TypeDirectory
		}
		local = append(local, authority.DirEntry{Name: e.Name(), Type: t})
	}

	visible, err := dh.auth.GetDirectoryEntries(ctx, dh.path, dh.owner, local)
	if err != nil {
		return err
	}

	dh.entries = make([]fuseutil.Dirent, 0, len(visible))
	for i, e := range visible {
		dt := fuseutil.DT_File
		if e.Type == authority.TypeDirectory {
			dt = fuseutil.DT_Directory
		}

		dh.entries = append(dh.entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i) + 1,
			// The kernel resolves real inode numbers through lookup;
			// readdir only needs a non-zero placeholder.
			Inode: fuseops.RootInodeID + 1,
			Name:  e.Name,
			Type:  dt,
		})
	}

	dh.fetched = true
	return nil
}

// ReadDir serves one readdir request out of the snapshot, filling op.Dst.
//
// Offset zero invalidates the snapshot; any other offset not covered by the
// snapshot is the kernel using a stale cookie, answered with EINVAL.
func (dh *DirHandle) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Offset == 0 {
		dh.entries = nil
		dh.fetched = false
	}

	if !dh.fetched {
		if err := dh.fetchEntries(ctx); err != nil {
			return err
		}
	}

	index := int(op.Offset)
	if index > len(dh.entries) {
		return fuse.EINVAL
	}

	for i := index; i < len(dh.entries); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dh.entries[i])
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	return nil
}

// Destroy releases the handle. Directory handles hold no kernel resources
// beyond the snapshot.
func (dh *DirHandle) Destroy() {
	dh.entries = nil
	dh.fetched = false
}
