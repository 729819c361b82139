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
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scopefs/scopefs/internal/monitor"
)

var (
	counterRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopefs_fs_requests",
			Help: "Number of requests per file system API.",
		},
		[]string{"method"},
	)
	counterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopefs_fs_errors",
			Help: "Number of failed requests per file system API.",
		},
		[]string{"method"},
	)
	latencyOpenFile = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "scopefs_fs_open_file_latency",
			Help: "The latency of OpenFile requests in ms.",
		},
	)
	latencyReadFile = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "scopefs_fs_read_file_latency",
			Help: "The latency of ReadFile requests in ms.",
		},
	)
)

func countAuthorityFault() {
	monitor.AuthorityFaults.Inc()
}

func record(method string, err error) error {
	counterRequests.WithLabelValues(method).Inc()
	if err != nil {
		counterErrors.WithLabelValues(method).Inc()
	}
	return err
}

func recordLatency(metric prometheus.Histogram, start time.Time) {
	metric.Observe(float64(time.Since(start).Milliseconds()))
}

// WithMonitoring wraps a file system with per-API request and error counts.
func WithMonitoring(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return &monitoringFileSystem{FileSystem: wrapped}
}

type monitoringFileSystem struct {
	fuseutil.FileSystem
}

func (m *monitoringFileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return record("StatFS", m.FileSystem.StatFS(ctx, op))
}

func (m *monitoringFileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return record("LookUpInode", m.FileSystem.LookUpInode(ctx, op))
}

func (m *monitoringFileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return record("GetInodeAttributes", m.FileSystem.GetInodeAttributes(ctx, op))
}

func (m *monitoringFileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return record("SetInodeAttributes", m.FileSystem.SetInodeAttributes(ctx, op))
}

func (m *monitoringFileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return record("ForgetInode", m.FileSystem.ForgetInode(ctx, op))
}

func (m *monitoringFileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return record("BatchForget", m.FileSystem.BatchForget(ctx, op))
}

func (m *monitoringFileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return record("MkDir", m.FileSystem.MkDir(ctx, op))
}

func (m *monitoringFileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	return record("MkNode", m.FileSystem.MkNode(ctx, op))
}

func (m *monitoringFileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return record("CreateFile", m.FileSystem.CreateFile(ctx, op))
}

func (m *monitoringFileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return record("Rename", m.FileSystem.Rename(ctx, op))
}

func (m *monitoringFileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return record("RmDir", m.FileSystem.RmDir(ctx, op))
}

func (m *monitoringFileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return record("Unlink", m.FileSystem.Unlink(ctx, op))
}

func (m *monitoringFileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return record("OpenDir", m.FileSystem.OpenDir(ctx, op))
}

func (m *monitoringFileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return record("ReadDir", m.FileSystem.ReadDir(ctx, op))
}

func (m *monitoringFileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return record("ReleaseDirHandle", m.FileSystem.ReleaseDirHandle(ctx, op))
}

func (m *monitoringFileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	defer recordLatency(latencyOpenFile, time.Now())
	return record("OpenFile", m.FileSystem.OpenFile(ctx, op))
}

func (m *monitoringFileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	defer recordLatency(latencyReadFile, time.Now())
	return record("ReadFile", m.FileSystem.ReadFile(ctx, op))
}

func (m *monitoringFileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return record("WriteFile", m.FileSystem.WriteFile(ctx, op))
}

func (m *monitoringFileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return record("SyncFile", m.FileSystem.SyncFile(ctx, op))
}

func (m *monitoringFileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return record("FlushFile", m.FileSystem.FlushFile(ctx, op))
}

func (m *monitoringFileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return record("ReleaseFileHandle", m.FileSystem.ReleaseFileHandle(ctx, op))
}

func (m *monitoringFileSystem) Destroy() {
	record("Destroy", nil)
	m.FileSystem.Destroy()
}
