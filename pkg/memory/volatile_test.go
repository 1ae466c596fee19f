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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/core/coretest"
	"github.com/pipewise-ai/pipewise/pkg/memory"
)

func TestVolatileStoreTTLExpiry(t *testing.T) {
	clock := coretest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewVolatileStore(clock)
	ctx := context.Background()

	rec := core.MemoryRecord{
		ID:         "r1",
		AgentID:    "lead_qualifier",
		WorkflowID: "wf-1",
		Content:    map[string]any{"k": "v"},
		CreatedAt:  clock.Now(),
		UpdatedAt:  clock.Now(),
		ExpiresAt:  clock.Now().Add(10 * time.Second),
	}
	require.NoError(t, store.Save(ctx, rec))

	got, ok, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Content, got.Content)

	clock.Advance(11 * time.Second)
	_, ok, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok, "expired record must not be returned from Get")

	results, err := store.Query(ctx, core.QueryFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Empty(t, results, "expired record must not be returned from Query")
}

func TestVolatileStoreCleanupExpired(t *testing.T) {
	clock := coretest.NewFakeClock(time.Now())
	store := memory.NewVolatileStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, core.MemoryRecord{
		ID: "expired", WorkflowID: "wf", CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Second),
	}))
	require.NoError(t, store.Save(ctx, core.MemoryRecord{
		ID: "fresh", WorkflowID: "wf", CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	}))

	clock.Advance(2 * time.Second)
	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := store.Get(ctx, "fresh")
	assert.True(t, ok)
}

func TestVolatileStoreTenantIsolation(t *testing.T) {
	clock := coretest.NewFakeClock(time.Now())
	store := memory.NewVolatileStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, core.MemoryRecord{
		ID: "a", AgentID: "coordinator", WorkflowID: "wf", CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour), Metadata: map[string]any{"tenant_id": "tenant-a"},
	}))
	require.NoError(t, store.Save(ctx, core.MemoryRecord{
		ID: "b", AgentID: "coordinator", WorkflowID: "wf", CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour), Metadata: map[string]any{"tenant_id": "tenant-b"},
	}))

	results, err := store.Query(ctx, core.QueryFilter{WorkflowID: "wf", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}
