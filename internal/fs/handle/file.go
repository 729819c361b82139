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

// Package handle holds per-open state for files and directories. A handle
// outlives renames and unlinks of the node it was opened on; it is destroyed
// only when the kernel releases it.
package handle

import (
	"io"
	"os"

	"github.com/scopefs/scopefs/internal/authority"
	"github.com/scopefs/scopefs/internal/monitor"
	"github.com/scopefs/scopefs/internal/redaction"
)

// MaxReadSize is the largest read the kernel will send us in one request.
const MaxReadSize = 1 << 20

// Shared source for redacted segments. Never written after init.
var zeroes = make([]byte, MaxReadSize)

// FileHandle is the state for one open file: the backing descriptor, the
// redaction decision made at open time, and whether the open was granted the
// page cache.
type FileHandle struct {
	file      *os.File
	redaction *redaction.Info
	cached    bool
	owner     authority.Identity
}

// NewFileHandle creates a handle wrapping f. info may be nil or empty when
// the opener sees the file unredacted.
func NewFileHandle(f *os.File, info *redaction.Info, cached bool, owner authority.Identity) *FileHandle {
	return &FileHandle{
		file:      f,
		redaction: info,
		cached:    cached,
		owner:     owner,
	}
}

// Cached tells whether this open is allowed to populate the page cache.
func (fh *FileHandle) Cached() bool { return fh.cached }

// Owner returns the identity the file was opened on behalf of.
func (fh *FileHandle) Owner() authority.Identity { return fh.owner }

// FD returns the backing file descriptor.
func (fh *FileHandle) FD() int { return int(fh.file.Fd()) }

// Redacted tells whether any byte range is hidden from this handle.
func (fh *FileHandle) Redacted() bool {
	return fh.redaction != nil && fh.redaction.Needed()
}

// ReadAt fills dst from the backing file, substituting zeroes for any byte
// that falls inside a redacted range. Short reads at end of file are
// reported by count, not error.
func (fh *FileHandle) ReadAt(dst []byte, offset int64) (int, error) {
	var segments []redaction.ReadRange
	if fh.redaction != nil {
		segments = fh.redaction.ReadRanges(offset, int64(len(dst)))
	}

	if segments == nil {
		n, err := fh.file.ReadAt(dst, offset)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}

	var total int
	for _, s := range segments {
		lo := s.Offset - offset
		buf := dst[lo : lo+s.Size]

		if s.Redacted {
			for copied := 0; copied < len(buf); {
				copied += copy(buf[copied:], zeroes)
			}
			total += len(buf)
			monitor.RedactedBytes.Add(float64(len(buf)))
			continue
		}

		n, err := fh.file.ReadAt(buf, s.Offset)
		total += n
		if err == io.EOF {
			// The file ends inside this segment; nothing beyond it
			// can be read either.
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// WriteAt writes data at offset. Writes are never redacted: a caller that
// may not see the full file is never granted a writable open in the first
// place.
func (fh *FileHandle) WriteAt(data []byte, offset int64) (int, error) {
	return fh.file.WriteAt(data, offset)
}

// Sync flushes file contents to stable storage.
func (fh *FileHandle) Sync() error {
	return fh.file.Sync()
}

// Destroy closes the backing descriptor. The handle must not be used
// afterwards.
func (fh *FileHandle) Destroy() error {
	return fh.file.Close()
}
