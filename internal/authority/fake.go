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

package authority

import (
	"context"
	"os"
	"sync"

	"github.com/scopefs/scopefs/internal/redaction"
)

// Fake is an in-process Authority that allows everything by default. Tests
// (and the --authority=fake development mode) layer denials, redaction plans,
// and faults on top. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	openErr    map[string]error
	writeErr   map[string]error
	opendirErr map[string]error
	mkdirErr   map[string]error
	rmdirErr   map[string]error
	insertErr  map[string]error
	deleteErr  map[string]error
	renameErr  map[string]error

	redactions map[string][]redaction.Range
	hidden     map[string]bool
	deniedUser map[uint32]bool
	pkgUIDs    map[string]uint32

	inserted []string
	deleted  []string
	renamed  [][2]string
}

var _ Authority = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		openErr:    make(map[string]error),
		writeErr:   make(map[string]error),
		opendirErr: make(map[string]error),
		mkdirErr:   make(map[string]error),
		rmdirErr:   make(map[string]error),
		insertErr:  make(map[string]error),
		deleteErr:  make(map[string]error),
		renameErr:  make(map[string]error),
		redactions: make(map[string][]redaction.Range),
		hidden:     make(map[string]bool),
		deniedUser: make(map[uint32]bool),
		pkgUIDs:    make(map[string]uint32),
	}
}

// DenyOpen makes read opens of path fail with err.
func (f *Fake) DenyOpen(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[path] = err
}

// DenyWrite makes write-intent opens of path fail with err.
func (f *Fake) DenyWrite(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr[path] = err
}

// DenyOpendir makes listing path fail with err.
func (f *Fake) DenyOpendir(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opendirErr[path] = err
}

// DenyMkdir makes directory creation at path fail with err.
func (f *Fake) DenyMkdir(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirErr[path] = err
}

// DenyRmdir makes directory removal at path fail with err.
func (f *Fake) DenyRmdir(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rmdirErr[path] = err
}

// FailInsert makes InsertFile for path fail with err.
func (f *Fake) FailInsert(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertErr[path] = err
}

// FailDelete makes DeleteFile for path fail with err.
func (f *Fake) FailDelete(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr[path] = err
}

// FailRename makes Rename from oldPath fail with err.
func (f *Fake) FailRename(oldPath string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameErr[oldPath] = err
}

// SetRedaction installs the raw redaction ranges returned for path.
func (f *Fake) SetRedaction(path string, ranges ...redaction.Range) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redactions[path] = ranges
}

// Hide removes the named entry from every directory listing.
func (f *Fake) Hide(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden[path] = true
}

// DenyLookupForUser makes ShouldAllowLookup return false for entries owned by
// the given user profile.
func (f *Fake) DenyLookupForUser(userID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deniedUser[userID] = true
}

// SetPackageUID registers the uid owning pkg.
func (f *Fake) SetPackageUID(pkg string, uid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pkgUIDs[pkg] = uid
}

// Inserted returns the paths InsertFile has been called with, in order.
func (f *Fake) Inserted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inserted...)
}

// Deleted returns the paths DeleteFile has been called with, in order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Renamed returns the (old, new) path pairs Rename has been called with.
func (f *Fake) Renamed() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.renamed...)
}

func (f *Fake) IsOpenAllowed(ctx context.Context, path string, id Identity, forWrite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if forWrite {
		if err := f.writeErr[path]; err != nil {
			return err
		}
	}
	return f.openErr[path]
}

func (f *Fake) IsOpendirAllowed(ctx context.Context, path string, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opendirErr[path]
}

func (f *Fake) IsCreatingDirAllowed(ctx context.Context, path string, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mkdirErr[path]
}

func (f *Fake) IsDeletingDirAllowed(ctx context.Context, path string, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rmdirErr[path]
}

func (f *Fake) InsertFile(ctx context.Context, path string, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.insertErr[path]; err != nil {
		return err
	}
	f.inserted = append(f.inserted, path)
	return nil
}

func (f *Fake) DeleteFile(ctx context.Context, path string, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[path]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, path)
	return nil
}

// Rename performs the physical move itself, per the Authority contract.
func (f *Fake) Rename(ctx context.Context, oldPath, newPath string, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.renameErr[oldPath]; err != nil {
		return err
	}
	if _, err := os.Lstat(oldPath); err == nil {
		if err := os.Rename(oldPath, newPath); err != nil {
			return &FaultError{Err: err}
		}
	}
	f.renamed = append(f.renamed, [2]string{oldPath, newPath})
	return nil
}

func (f *Fake) GetRedactionRanges(ctx context.Context, path string, id Identity) ([]redaction.Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redaction.Range(nil), f.redactions[path]...), nil
}

func (f *Fake) GetDirectoryEntries(ctx context.Context, path string, id Identity, local []DirEntry) ([]DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]DirEntry, 0, len(local))
	for _, e := range local {
		if f.hidden[path+"/"+e.Name] || f.hidden[e.Name] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *Fake) IsUidForPackage(ctx context.Context, pkg string, uid uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pkgUIDs[pkg] == uid, nil
}

func (f *Fake) ShouldAllowLookup(ctx context.Context, id Identity, ownerUserID uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.deniedUser[ownerUserID], nil
}
