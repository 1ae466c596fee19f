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

package handoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/core/coretest"
	"github.com/pipewise-ai/pipewise/pkg/handoff"
	"github.com/pipewise-ai/pipewise/pkg/memory"
)

type fakeAgent struct {
	id      string
	allowed map[string]bool
}

func (a fakeAgent) ID() string { return a.id }
func (a fakeAgent) AllowsHandoffTo(to string) bool {
	return a.allowed[to]
}

func newTestEngine(t *testing.T) (*handoff.Engine, memory.Context, core.Clock) {
	t.Helper()
	clock := coretest.NewFakeClock(time.Now())
	random := coretest.NewFakeRandom("mem")
	mem := memory.NewManager(memory.Deps{
		Volatile:   memory.NewVolatileStore(clock),
		Persistent: memory.NewVolatileStore(clock),
		Clock:      clock,
		Random:     random,
		DefaultTTL: time.Hour,
	})
	return handoff.NewEngine(mem, clock, random, nil), mem, clock
}

func TestPerformHandoffRejectsIllegalTarget(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	from := fakeAgent{id: "lead_qualifier", allowed: map[string]bool{"meeting_scheduler": true}}

	workflow := &core.Workflow{ID: "wf-1"}
	ctx := handoff.HandoffContext{Context: context.Background(), Workflow: workflow, TenantID: "t1"}

	_, err := engine.PerformHandoff(ctx, from, core.HandoffRequest{From: "lead_qualifier", To: "outbound_contact"})
	require.Error(t, err)
	assert.Equal(t, core.KindIllegalHandoff, core.KindOf(err))
	assert.Empty(t, workflow.HandoffChain)
}

func TestPerformHandoffAppendsChainAndWritesMemory(t *testing.T) {
	engine, mem, clock := newTestEngine(t)
	from := fakeAgent{id: "lead_qualifier", allowed: map[string]bool{"meeting_scheduler": true}}

	workflow := &core.Workflow{ID: "wf-2"}
	ctx := handoff.HandoffContext{
		Context:      context.Background(),
		Workflow:     workflow,
		TenantID:     "t1",
		Conversation: core.Conversation{{Role: core.RoleUser, Content: "hello"}},
	}

	outcome, err := engine.PerformHandoff(ctx, from, core.HandoffRequest{
		From:   "lead_qualifier",
		To:     "meeting_scheduler",
		Reason: "lead is qualified",
	})
	require.NoError(t, err)
	assert.Equal(t, "meeting_scheduler", outcome.NextAgent)
	require.Len(t, outcome.CarriedContext, 1)

	require.Len(t, workflow.HandoffChain, 1)
	assert.Equal(t, "lead_qualifier", workflow.HandoffChain[0].From)
	assert.Equal(t, clock.Now(), workflow.HandoffChain[0].Timestamp)

	records, err := mem.Query(context.Background(), false, core.QueryFilter{WorkflowID: "wf-2", Tags: []string{"handoff"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "meeting_scheduler", records[0].Content["to"])
}

func TestPerformHandoffCarriesAdditionalContextAndSourceRecords(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	from := fakeAgent{id: "lead_qualifier", allowed: map[string]bool{"meeting_scheduler": true}}
	workflow := &core.Workflow{ID: "wf-3"}

	ctx := handoff.HandoffContext{
		Context:      context.Background(),
		Workflow:     workflow,
		TenantID:     "t1",
		Conversation: core.Conversation{{Role: core.RoleUser, Content: "hello"}},
		SourceAgentRecords: []core.MemoryRecord{
			{ID: "r1", Tags: []string{"lead"}, Content: map[string]any{"lead_id": "L-1"}},
		},
	}

	outcome, err := engine.PerformHandoff(ctx, from, core.HandoffRequest{
		From:              "lead_qualifier",
		To:                "meeting_scheduler",
		Reason:            "qualified",
		AdditionalContext: map[string]any{"urgency": "high"},
	})
	require.NoError(t, err)
	require.Len(t, outcome.CarriedContext, 3)
	assert.Equal(t, core.RoleSystem, outcome.CarriedContext[1].Role)
	assert.Contains(t, outcome.CarriedContext[1].Content, "urgency")
	assert.Equal(t, core.RoleSystem, outcome.CarriedContext[2].Role)
	assert.Contains(t, outcome.CarriedContext[2].Content, "L-1")
}

func TestPreAndPostHandoffCallbacksFire(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	from := fakeAgent{id: "a", allowed: map[string]bool{"b": true}}
	workflow := &core.Workflow{ID: "wf-4"}

	var preFired, postFired bool
	var postElapsed time.Duration
	engine.OnPreHandoff("a", "b", func(from, to, reason string, elapsed time.Duration) {
		preFired = true
	})
	engine.OnPostHandoff("a", "b", func(from, to, reason string, elapsed time.Duration) {
		postFired = true
		postElapsed = elapsed
	})

	ctx := handoff.HandoffContext{Context: context.Background(), Workflow: workflow, TenantID: "t1"}
	_, err := engine.PerformHandoff(ctx, from, core.HandoffRequest{From: "a", To: "b", Reason: "r"})
	require.NoError(t, err)
	assert.True(t, preFired)
	assert.False(t, postFired)

	engine.FirePostHandoff("a", "b", "r", 250*time.Millisecond)
	assert.True(t, postFired)
	assert.Equal(t, 250*time.Millisecond, postElapsed)
}

func TestCanHandoff(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	from := fakeAgent{id: "a", allowed: map[string]bool{"b": true}}
	assert.True(t, engine.CanHandoff(from, "b"))
	assert.False(t, engine.CanHandoff(from, "c"))
}
