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
	"os"
	"path"
	"testing"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopefs/scopefs/internal/authority"
)

func makeTestDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(path.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(path.Join(dir, "sub"), 0755))
	return dir
}

// readAll drains a DirHandle the way the kernel does, one buffer at a time.
func readAll(t *testing.T, dh *DirHandle, bufSize int) []string {
	t.Helper()

	var names []string
	var offset fuseops.DirOffset
	for {
		op := &fuseops.ReadDirOp{
			Offset: offset,
			Dst:    make([]byte, bufSize),
		}
		require.NoError(t, dh.ReadDir(context.Background(), op))
		if op.BytesRead == 0 {
			return names
		}

		for p := 0; p < op.BytesRead; {
			// struct fuse_dirent: ino(8) off(8) namelen(4) type(4) name, padded to 8.
			nameLen := int(uint32(op.Dst[p+16]) | uint32(op.Dst[p+17])<<8 |
				uint32(op.Dst[p+18])<<16 | uint32(op.Dst[p+19])<<24)
			names = append(names, string(op.Dst[p+24:p+24+nameLen]))
			recLen := 24 + nameLen
			p += (recLen + 7) &^ 7
			offset++
		}
	}
}

func TestReadDirListsVisibleEntries(t *testing.T) {
	dir := makeTestDir(t, "a.txt", "b.txt")
	auth := authority.NewFake()

	dh := NewDirHandle(dir, auth, authority.Identity{UID: 10001})
	names := readAll(t, dh, 4096)

	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "sub"}, names)
}

func TestReadDirFiltersHiddenEntries(t *testing.T) {
	dir := makeTestDir(t, "visible.txt", "secret.txt")
	auth := authority.NewFake()
	auth.Hide(path.Join(dir, "secret.txt"))

	dh := NewDirHandle(dir, auth, authority.Identity{UID: 10001})
	names := readAll(t, dh, 4096)

	assert.ElementsMatch(t, []string{"visible.txt", "sub"}, names)
}

func TestReadDirSmallBuffers(t *testing.T) {
	dir := makeTestDir(t, "a.txt", "b.txt", "c.txt", "d.txt")

	dh := NewDirHandle(dir, authority.NewFake(), authority.Identity{})

	// A buffer that fits roughly one entry at a time still yields the
	// complete listing across requests.
	names := readAll(t, dh, 64)
	assert.Len(t, names, 5)
}

func TestReadDirRewindRetakesSnapshot(t *testing.T) {
	dir := makeTestDir(t, "a.txt")
	dh := NewDirHandle(dir, authority.NewFake(), authority.Identity{})

	first := readAll(t, dh, 4096)
	require.ElementsMatch(t, []string{"a.txt", "sub"}, first)

	// A file created after the snapshot appears once the kernel rewinds.
	require.NoError(t, os.WriteFile(path.Join(dir, "new.txt"), nil, 0644))
	second := readAll(t, dh, 4096)
	assert.ElementsMatch(t, []string{"a.txt", "new.txt", "sub"}, second)
}

func TestReadDirStaleOffset(t *testing.T) {
	dir := makeTestDir(t)
	dh := NewDirHandle(dir, authority.NewFake(), authority.Identity{})

	// Prime the snapshot.
	readAll(t, dh, 4096)

	op := &fuseops.ReadDirOp{
		Offset: 100,
		Dst:    make([]byte, 4096),
	}
	err := dh.ReadDir(context.Background(), op)

	assert.Equal(t, fuse.EINVAL, err)
}

func TestReadDirBackingError(t *testing.T) {
	dir := makeTestDir(t)

	dh := NewDirHandle(path.Join(dir, "missing"), authority.NewFake(), authority.Identity{})
	op := &fuseops.ReadDirOp{Dst: make([]byte, 4096)}
	err := dh.ReadDir(context.Background(), op)

	assert.Error(t, err)
}
