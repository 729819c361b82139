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
	"github.com/jacobsa/fuse/fuseops"

	"github.com/scopefs/scopefs/internal/logger"
	"github.com/scopefs/scopefs/internal/monitor"
)

// Invalidator pushes a dentry invalidation back to the kernel. Implementations
// re-enter the kernel and may block, so calls are made only from the notifier
// goroutine, never from a request handler holding the filesystem lock.
type Invalidator interface {
	InvalidateEntry(parent fuseops.InodeID, name string) error
}

type invalidation struct {
	parent fuseops.InodeID
	name   string
}

// notifier drains queued dentry invalidations on its own goroutine.
// Invalidations are best effort: entries that resolve ambiguously are also
// replied with a zero cache timeout, so a dropped invalidation cannot cause a
// stale name to be trusted.
type notifier struct {
	queue chan invalidation
	done  chan struct{}

	// May be nil, in which case invalidations are counted and dropped.
	inv Invalidator
}

func newNotifier(inv Invalidator) *notifier {
	n := &notifier{
		queue: make(chan invalidation, 128),
		done:  make(chan struct{}),
		inv:   inv,
	}
	go n.consume()
	return n
}

// EnqueueEntryInvalidation schedules the kernel's cached mapping for
// (parent, name) to be discarded. Never blocks; safe to call while holding
// the filesystem lock.
func (n *notifier) EnqueueEntryInvalidation(parent fuseops.InodeID, name string) {
	select {
	case n.queue <- invalidation{parent: parent, name: name}:
	default:
		logger.Warnf("notifier queue full, dropping invalidation of %q", name)
	}
}

// Stop drains the queue and shuts the goroutine down. No enqueue may be in
// flight or issued afterwards.
func (n *notifier) Stop() {
	close(n.queue)
	<-n.done
}

func (n *notifier) consume() {
	defer close(n.done)

	for msg := range n.queue {
		monitor.DentryInvalidations.Inc()
		if n.inv == nil {
			continue
		}
		if err := n.inv.InvalidateEntry(msg.parent, msg.name); err != nil {
			logger.Debugf("invalidate entry (%d, %q): %v", msg.parent, msg.name, err)
		}
	}
}
