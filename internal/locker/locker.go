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

// Package locker provides sync.Locker implementations with optional invariant
// checking and debug utilities.
package locker

import (
	"runtime"
	"sync"
	"time"

	"github.com/scopefs/scopefs/internal/logger"
)

var (
	gEnableInvariantsCheck bool
	gEnableDebugMessages   bool
)

// EnableInvariantsCheck runs the supplied check function on every lock and
// unlock of lockers created afterwards.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages logs a stack trace whenever a locker created afterwards
// is held for more than 5 seconds.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

type Locker interface {
	sync.Locker
}

// New returns a locker, wrapped with invariant checking and deadlock
// debugging when enabled. check runs while the lock is held.
func New(name string, check func()) Locker {
	var l Locker = &sync.Mutex{}

	if gEnableInvariantsCheck && check != nil {
		l = &checker{
			locker: l,
			check:  check,
		}
	}

	if gEnableDebugMessages {
		l = &debugger{
			locker: l,
			name:   name,
		}
	}

	return l
}

type checker struct {
	locker Locker
	check  func()
}

func (c *checker) Lock() {
	c.locker.Lock()
	c.check()
}

func (c *checker) Unlock() {
	c.check()
	c.locker.Unlock()
}

const holdWarningThreshold = 5 * time.Second

type debugger struct {
	locker Locker
	name   string
	holder string
	timer  *time.Timer
}

func (d *debugger) Lock() {
	d.locker.Lock()

	buf := make([]byte, 2048)
	buf = buf[:runtime.Stack(buf, false)]
	d.holder = string(buf)

	d.timer = time.AfterFunc(holdWarningThreshold, func() {
		logger.Warnf("locker %q held for more than %v, holder:\n%s",
			d.name, holdWarningThreshold, d.holder)
	})
}

func (d *debugger) Unlock() {
	d.timer.Stop()
	d.timer = nil
	d.holder = ""

	d.locker.Unlock()
}
