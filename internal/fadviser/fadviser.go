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

// Package fadviser bounds double-buffering between the daemon and the kernel
// page cache. Reads and writes through the daemon populate the page cache a
// second time; once the bytes observed across open descriptors pass a high
// water mark, the busiest descriptors are advised out of the cache until the
// total falls below a low water mark.
package fadviser

import (
	"golang.org/x/sys/unix"

	"github.com/scopefs/scopefs/internal/logger"
	"github.com/scopefs/scopefs/internal/monitor"
)

const (
	// DefaultHighWater is the observed-byte total that triggers eviction.
	DefaultHighWater = 64 << 20

	// DefaultLowWater is the total eviction drives the bookkeeping down to.
	DefaultLowWater = 32 << 20
)

type opKind int

const (
	opRecord opKind = iota
	opClose
)

type message struct {
	kind opKind
	fd   int
	size int64
}

// FAdviser aggregates per-descriptor I/O byte counts and issues
// "drop from cache" hints. Record and Close may be called from any number of
// goroutines; all bookkeeping runs on a single consumer goroutine so the hot
// I/O path takes no lock beyond the channel send.
type FAdviser struct {
	queue chan message
	done  chan struct{}

	high int64
	low  int64

	// advise hints the OS to drop cached pages for fd. Swapped in tests.
	advise func(fd int)

	// Consumer-private state.
	total int64
	byFD  map[int]int64
}

// New returns a running FAdviser with the default watermarks.
func New() *FAdviser {
	return newWithOptions(DefaultHighWater, DefaultLowWater, dropCaches)
}

// NewWithWatermarks is New with explicit eviction watermarks.
func NewWithWatermarks(high, low int64) *FAdviser {
	return newWithOptions(high, low, dropCaches)
}

func newWithOptions(high, low int64, advise func(fd int)) *FAdviser {
	f := &FAdviser{
		queue:  make(chan message, 512),
		done:   make(chan struct{}),
		high:   high,
		low:    low,
		advise: advise,
		byFD:   make(map[int]int64),
	}
	go f.consume()
	return f
}

// Record notes that size bytes were read from or written to fd.
func (f *FAdviser) Record(fd int, size int64) {
	f.queue <- message{kind: opRecord, fd: fd, size: size}
}

// Close drops bookkeeping for fd without issuing an advisory hint; the OS
// already discards cached pages when the descriptor closes.
func (f *FAdviser) Close(fd int) {
	f.queue <- message{kind: opClose, fd: fd}
}

// Stop shuts down the consumer after draining queued messages. No Record or
// Close may be in flight or issued afterwards.
func (f *FAdviser) Stop() {
	close(f.queue)
	<-f.done
}

func (f *FAdviser) consume() {
	defer close(f.done)

	for m := range f.queue {
		switch m.kind {
		case opRecord:
			f.byFD[m.fd] += m.size
			f.total += m.size
			if f.total > f.high {
				f.evict()
			}

		case opClose:
			f.total -= f.byFD[m.fd]
			delete(f.byFD, m.fd)
		}
	}
}

// evict repeatedly advises the descriptor with the largest accumulated count
// out of the page cache until the running total falls below the low water
// mark.
func (f *FAdviser) evict() {
	for f.total > f.low && len(f.byFD) > 0 {
		maxFD := -1
		var maxCount int64
		for fd, count := range f.byFD {
			if count > maxCount || maxFD < 0 {
				maxFD, maxCount = fd, count
			}
		}

		f.advise(maxFD)
		monitor.CacheEvictions.Inc()
		f.total -= maxCount
		delete(f.byFD, maxFD)
	}
}

func dropCaches(fd int) {
	if err := unix.Fadvise(fd, 0, 0, unix.FADV_DONTNEED); err != nil {
		logger.Warnf("fadvise(%d, DONTNEED): %v", fd, err)
	}
}
