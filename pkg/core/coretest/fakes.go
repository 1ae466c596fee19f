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

// Package coretest provides deterministic fakes for pkg/core's Clock and
// Random interfaces, shared across the module's test suites.
package coretest

import (
	"fmt"
	"sync"
	"time"
)

// FakeClock is a manually-advanced core.Clock for deterministic TTL and
// timestamp tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set pins the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// FakeRandom is a deterministic core.Random that returns sequential,
// prefixed identifiers instead of real UUIDs.
type FakeRandom struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFakeRandom returns a FakeRandom whose generated ids are
// "<prefix>-1", "<prefix>-2", etc.
func NewFakeRandom(prefix string) *FakeRandom {
	return &FakeRandom{prefix: prefix}
}

func (r *FakeRandom) UUID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return fmt.Sprintf("%s-%d", r.prefix, r.n)
}
