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
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/scopefs/scopefs/internal/redaction"
)

// Wire methods understood by the authority process.
const (
	methodIsOpenAllowed        = "IsOpenAllowed"
	methodIsOpendirAllowed     = "IsOpendirAllowed"
	methodIsCreatingDirAllowed = "IsCreatingDirAllowed"
	methodIsDeletingDirAllowed = "IsDeletingDirAllowed"
	methodInsertFile           = "InsertFile"
	methodDeleteFile           = "DeleteFile"
	methodRename               = "Rename"
	methodGetRedactionRanges   = "GetRedactionRanges"
	methodGetDirectoryEntries  = "GetDirectoryEntries"
	methodIsUidForPackage      = "IsUidForPackage"
	methodShouldAllowLookup    = "ShouldAllowLookup"
)

// maxFrameSize bounds a single response frame. Directory listings dominate;
// 16 MiB is far beyond any legitimate reply.
const maxFrameSize = 16 << 20

type wireRequest struct {
	// RequestID correlates a frame with the authority's own audit log.
	RequestID string `cbor:"d"`

	Method   string     `cbor:"m"`
	Path     string     `cbor:"p,omitempty"`
	Path2    string     `cbor:"q,omitempty"`
	Package  string     `cbor:"k,omitempty"`
	UID      uint32     `cbor:"u"`
	PID      uint32     `cbor:"i"`
	ForWrite bool       `cbor:"w,omitempty"`
	OwnerUID uint32     `cbor:"o,omitempty"`
	Entries  []DirEntry `cbor:"e,omitempty"`
}

type wireResponse struct {
	// Errno carries the POSIX result: 0 for success.
	Errno   int32      `cbor:"n"`
	Allowed bool       `cbor:"a,omitempty"`
	Ranges  [][2]int64 `cbor:"r,omitempty"`
	Entries []DirEntry `cbor:"e,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("authority: CBOR encoder initialization failed: " + err.Error())
	}
}

// Client speaks length-prefixed CBOR frames to the authority process over a
// unix domain socket. One request is in flight at a time; the authority
// serializes policy decisions anyway, and a single connection keeps the
// failure model simple (any framing error tears the connection down and the
// next call redials).
type Client struct {
	socketPath string
	timeout    time.Duration

	mu   sync.Mutex
	conn net.Conn
}

var _ Authority = (*Client)(nil)

// NewClient returns a client for the authority listening on socketPath.
// timeout bounds each round trip; zero means no bound beyond the context's.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) call(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	req.RequestID = uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.callLocked(ctx, req)
	if err != nil {
		// The conn is in an unknown framing state; drop it so the next
		// call redials.
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		return nil, &FaultError{Err: fmt.Errorf("request %s: %w", req.RequestID, err)}
	}
	return resp, nil
}

func (c *Client) callLocked(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	if c.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.socketPath)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.socketPath, err)
		}
		c.conn = conn
	}

	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	body, err := encMode.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", req.Method, err)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}

	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("oversized response frame: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var resp wireResponse
	if err := cbor.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal %s response: %w", req.Method, err)
	}
	return &resp, nil
}

// status converts a decision-only call into its error form.
func (c *Client) status(ctx context.Context, req *wireRequest) error {
	resp, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return syscall.Errno(resp.Errno)
	}
	return nil
}

func (c *Client) IsOpenAllowed(ctx context.Context, path string, id Identity, forWrite bool) error {
	return c.status(ctx, &wireRequest{
		Method:   methodIsOpenAllowed,
		Path:     path,
		UID:      id.UID,
		PID:      id.PID,
		ForWrite: forWrite,
	})
}

func (c *Client) IsOpendirAllowed(ctx context.Context, path string, id Identity) error {
	return c.status(ctx, &wireRequest{
		Method: methodIsOpendirAllowed,
		Path:   path,
		UID:    id.UID,
		PID:    id.PID,
	})
}

func (c *Client) IsCreatingDirAllowed(ctx context.Context, path string, id Identity) error {
	return c.status(ctx, &wireRequest{
		Method: methodIsCreatingDirAllowed,
		Path:   path,
		UID:    id.UID,
		PID:    id.PID,
	})
}

func (c *Client) IsDeletingDirAllowed(ctx context.Context, path string, id Identity) error {
	return c.status(ctx, &wireRequest{
		Method: methodIsDeletingDirAllowed,
		Path:   path,
		UID:    id.UID,
		PID:    id.PID,
	})
}

func (c *Client) InsertFile(ctx context.Context, path string, id Identity) error {
	return c.status(ctx, &wireRequest{
		Method: methodInsertFile,
		Path:   path,
		UID:    id.UID,
		PID:    id.PID,
	})
}

func (c *Client) DeleteFile(ctx context.Context, path string, id Identity) error {
	return c.status(ctx, &wireRequest{
		Method: methodDeleteFile,
		Path:   path,
		UID:    id.UID,
		PID:    id.PID,
	})
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string, id Identity) error {
	return c.status(ctx, &wireRequest{
		Method: methodRename,
		Path:   oldPath,
		Path2:  newPath,
		UID:    id.UID,
		PID:    id.PID,
	})
}

func (c *Client) GetRedactionRanges(ctx context.Context, path string, id Identity) ([]redaction.Range, error) {
	resp, err := c.call(ctx, &wireRequest{
		Method: methodGetRedactionRanges,
		Path:   path,
		UID:    id.UID,
		PID:    id.PID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Errno != 0 {
		return nil, syscall.Errno(resp.Errno)
	}

	ranges := make([]redaction.Range, 0, len(resp.Ranges))
	for _, r := range resp.Ranges {
		ranges = append(ranges, redaction.Range{Start: r[0], End: r[1]})
	}
	return ranges, nil
}

func (c *Client) GetDirectoryEntries(ctx context.Context, path string, id Identity, local []DirEntry) ([]DirEntry, error) {
	resp, err := c.call(ctx, &wireRequest{
		Method:  methodGetDirectoryEntries,
		Path:    path,
		UID:     id.UID,
		PID:     id.PID,
		Entries: local,
	})
	if err != nil {
		return nil, err
	}
	if resp.Errno != 0 {
		return nil, syscall.Errno(resp.Errno)
	}
	return resp.Entries, nil
}

func (c *Client) IsUidForPackage(ctx context.Context, pkg string, uid uint32) (bool, error) {
	resp, err := c.call(ctx, &wireRequest{
		Method:  methodIsUidForPackage,
		Package: pkg,
		UID:     uid,
	})
	if err != nil {
		return false, err
	}
	if resp.Errno != 0 {
		return false, syscall.Errno(resp.Errno)
	}
	return resp.Allowed, nil
}

func (c *Client) ShouldAllowLookup(ctx context.Context, id Identity, ownerUserID uint32) (bool, error) {
	resp, err := c.call(ctx, &wireRequest{
		Method:   methodShouldAllowLookup,
		UID:      id.UID,
		PID:      id.PID,
		OwnerUID: ownerUserID,
	})
	if err != nil {
		return false, err
	}
	if resp.Errno != 0 {
		return false, syscall.Errno(resp.Errno)
	}
	return resp.Allowed, nil
}
