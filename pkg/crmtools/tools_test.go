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

package crmtools_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/core/coretest"
	"github.com/pipewise-ai/pipewise/pkg/crmtools"
	"github.com/pipewise-ai/pipewise/pkg/memory"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

func newTestMemory(t *testing.T) (memory.Context, core.Clock) {
	t.Helper()
	clock := coretest.NewFakeClock(time.Now())
	persistent := memory.NewVolatileStore(clock) // acts as a stand-in persistent store for these tests
	mgr := memory.NewManager(memory.Deps{
		Volatile:   memory.NewVolatileStore(clock),
		Persistent: persistent,
		Clock:      clock,
		Random:     coretest.NewFakeRandom("rec"),
		DefaultTTL: time.Hour,
	})
	return mgr, clock
}

func newRegistry(t *testing.T) (*tool.Registry, memory.Context) {
	t.Helper()
	reg := tool.NewRegistry()
	mem, clock := newTestMemory(t)
	require.NoError(t, crmtools.Register(reg, mem, clock, coretest.NewFakeRandom("call"), crmtools.Config{}))
	return reg, mem
}

func invoke(t *testing.T, reg *tool.Registry, name string, args map[string]any, tenant, agent string, workflow core.WorkflowID) core.ToolResult {
	t.Helper()
	spec, err := reg.Resolve(name)
	require.NoError(t, err)
	ctx := tool.Context{
		Context:    context.Background(),
		Tenant:     core.TenantContext{TenantID: tenant},
		AgentID:    agent,
		WorkflowID: workflow,
	}
	return spec.Invoke(ctx, args)
}

func TestUpdateThenGetLeadByID(t *testing.T) {
	reg, _ := newRegistry(t)

	res := invoke(t, reg, "update_lead_qualification", map[string]any{
		"lead_id": "L-001", "qualified": true, "reason": "team of 25, ready to buy",
	}, "t1", "lead_qualifier", "wf-1")
	require.True(t, res.Success)

	res = invoke(t, reg, "get_lead_by_id", map[string]any{"lead_id": "L-001"}, "t1", "lead_qualifier", "wf-1")
	require.True(t, res.Success)
	body := res.Result.(map[string]any)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, true, body["qualified"])
}

func TestGetLeadByIDNotFound(t *testing.T) {
	reg, _ := newRegistry(t)
	res := invoke(t, reg, "get_lead_by_id", map[string]any{"lead_id": "unknown"}, "t1", "lead_qualifier", "wf-1")
	require.True(t, res.Success)
	body := res.Result.(map[string]any)
	assert.Equal(t, false, body["found"])
}

func TestScheduleMeetingForLeadRejectsUnknownEventType(t *testing.T) {
	reg, _ := newRegistry(t)
	res := invoke(t, reg, "schedule_meeting_for_lead", map[string]any{
		"lead_id": "L-002", "event_type": "Carrier Pigeon",
	}, "t1", "meeting_scheduler", "wf-2")
	require.False(t, res.Success)
	assert.Equal(t, core.ErrorKindSchema, res.ErrorKind)
}

func TestScheduleMeetingForLeadProducesURL(t *testing.T) {
	reg, _ := newRegistry(t)
	res := invoke(t, reg, "schedule_meeting_for_lead", map[string]any{
		"lead_id": "L-002", "event_type": "Demo", "fallback": true,
	}, "t1", "meeting_scheduler", "wf-2")
	require.True(t, res.Success)
	body := res.Result.(map[string]any)
	assert.NotEmpty(t, body["meeting_url"])
	assert.Equal(t, true, body["fallback"])
}
