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

// Package memory implements the Memory Stores (C3) and Memory Manager
// (C4): a volatile per-workflow store, a PostgreSQL-backed persistent
// store, and a single coordinator exposing dual writes, tenant-scoped
// reads, and archival.
package memory

import (
	"context"

	"github.com/pipewise-ai/pipewise/pkg/core"
)

// Store is the common interface both the volatile and persistent
// backends implement.
type Store interface {
	Save(ctx context.Context, record core.MemoryRecord) error
	Get(ctx context.Context, id string) (core.MemoryRecord, bool, error)
	Query(ctx context.Context, filter core.QueryFilter) ([]core.MemoryRecord, error)
	Delete(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// Config configures the Memory Stores, with SetDefaults in the teacher's
// style so a zero-valued Config loaded from partial YAML still behaves
// sensibly.
type Config struct {
	DefaultTTLSeconds   int `yaml:"default_ttl_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// SetDefaults applies the defaults named in the external interfaces
// configuration list: default_ttl_seconds=3600, sweep_interval_seconds=60.
func (c *Config) SetDefaults() {
	if c.DefaultTTLSeconds <= 0 {
		c.DefaultTTLSeconds = 3600
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 60
	}
}
