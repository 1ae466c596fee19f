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

package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/core/coretest"
	"github.com/pipewise-ai/pipewise/pkg/memory"
)

// fakePersistentStore is an in-memory stand-in for PostgresStore, used
// so Manager tests exercise dual-write semantics without a database.
type fakePersistentStore struct {
	mu      sync.Mutex
	records map[string]core.MemoryRecord
}

func newFakePersistentStore() *fakePersistentStore {
	return &fakePersistentStore{records: make(map[string]core.MemoryRecord)}
}

func (f *fakePersistentStore) Save(ctx context.Context, r core.MemoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
	return nil
}

func (f *fakePersistentStore) Get(ctx context.Context, id string) (core.MemoryRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok, nil
}

func (f *fakePersistentStore) Query(ctx context.Context, filter core.QueryFilter) ([]core.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.MemoryRecord
	for _, r := range f.records {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		if filter.TenantID != "" && r.Tenant() != filter.TenantID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakePersistentStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakePersistentStore) CleanupExpired(ctx context.Context) (int, error) { return 0, nil }

var _ memory.Store = (*fakePersistentStore)(nil)

func newTestManager(clock core.Clock) (*memory.Manager, *fakePersistentStore) {
	persistent := newFakePersistentStore()
	mgr := memory.NewManager(memory.Deps{
		Volatile:   memory.NewVolatileStore(clock),
		Persistent: persistent,
		Clock:      clock,
		Random:     coretest.NewFakeRandom("rec"),
		DefaultTTL: time.Hour,
	})
	return mgr, persistent
}

func TestSaveBothWritesVolatileThenPersistent(t *testing.T) {
	clock := coretest.NewFakeClock(time.Now())
	mgr, persistent := newTestManager(clock)
	ctx := context.Background()

	rec, err := mgr.SaveBoth(ctx, "coordinator", "wf-1", map[string]any{"hello": "world"}, []string{"handoff"}, map[string]any{"tenant_id": "t1"})
	require.NoError(t, err)

	_, ok, err := persistent.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok, "persistent store must contain the record after SaveBoth")

	vol, pers, err := mgr.AgentContext(ctx, "t1", "coordinator", "wf-1")
	require.NoError(t, err)
	assert.Len(t, vol, 1)
	assert.Len(t, pers, 1)
}

func TestAgentContextFiltersByTenant(t *testing.T) {
	clock := coretest.NewFakeClock(time.Now())
	mgr, _ := newTestManager(clock)
	ctx := context.Background()

	_, err := mgr.SaveBoth(ctx, "coordinator", "wf-1", map[string]any{}, nil, map[string]any{"tenant_id": "t1"})
	require.NoError(t, err)
	_, err = mgr.SaveBoth(ctx, "coordinator", "wf-1", map[string]any{}, nil, map[string]any{"tenant_id": "t2"})
	require.NoError(t, err)

	vol, _, err := mgr.AgentContext(ctx, "t1", "coordinator", "wf-1")
	require.NoError(t, err)
	assert.Len(t, vol, 1)
}

func TestArchiveIsIdempotent(t *testing.T) {
	clock := coretest.NewFakeClock(time.Now())
	mgr, persistent := newTestManager(clock)
	ctx := context.Background()

	_, err := mgr.SaveVolatile(ctx, "meeting_scheduler", "wf-2", map[string]any{"url": "https://example.test"}, []string{"meeting_scheduled"}, map[string]any{"tenant_id": "t1"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, mgr.Archive(ctx, "wf-2"))
	firstCount := len(persistent.records)
	require.NoError(t, mgr.Archive(ctx, "wf-2"))
	assert.Equal(t, firstCount, len(persistent.records), "second archive call must not duplicate records")

	vol, _, err := mgr.WorkflowContext(ctx, "t1", "wf-2")
	require.NoError(t, err)
	assert.Empty(t, vol, "volatile records must be gone after archive")
}
