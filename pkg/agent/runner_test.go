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

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/llm"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

// fakeLLM returns one scripted response (or error) per call, in order.
type fakeLLM struct {
	mu    sync.Mutex
	calls int
	steps []func(req llm.Request) (llm.AssistantMessage, error)
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (llm.AssistantMessage, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.steps) {
		return llm.AssistantMessage{}, fmt.Errorf("fakeLLM: no script for call %d", i)
	}
	return f.steps[i](req)
}

func noSleep(r *Runner) { r.sleep = func(context.Context, time.Duration) error { return nil } }

func newTestRegistryWithEcho(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Spec{
		Name: "echo",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"text"},
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		Locality: tool.LocalityLocal,
		Invoke: func(_ tool.Context, args map[string]any) core.ToolResult {
			return core.ToolResult{Success: true, Result: args["text"]}
		},
	}))
	return reg
}

func newTestDescriptor(t *testing.T, reg *tool.Registry, allowedTools, allowedNext []string, outputSchema map[string]any, maxIterations int) *Descriptor {
	t.Helper()
	known := map[string]bool{"coordinator": true, "lead_qualifier": true, "meeting_scheduler": true}
	d, err := NewDescriptor(Spec{
		ID:           "coordinator",
		Name:         "Coordinator",
		Instructions: "route the conversation",
		AllowedTools: allowedTools,
		AllowedNext:  allowedNext,
		OutputSchema: outputSchema,
		Params:       ModelParams{Model: "test-model", MaxIterations: maxIterations},
	}, reg, known)
	require.NoError(t, err)
	return d
}

func TestRunFinalOutput(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	schema := map[string]any{
		"type":     "object",
		"required": []any{"qualified"},
		"properties": map[string]any{
			"qualified": map[string]any{"type": "boolean"},
		},
	}
	d := newTestDescriptor(t, reg, []string{"echo"}, nil, schema, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{Content: `{"qualified": true}`}, nil
		},
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{TenantID: "t1"}, core.WorkflowID("wf-1"))
	require.Equal(t, OutcomeFinal, out.Kind)
	assert.Equal(t, true, out.Output["qualified"])
}

func TestRunToolCallOrderPreserved(t *testing.T) {
	reg := tool.NewRegistry()
	var order []string
	var mu sync.Mutex
	makeSlowEcho := func(name string, delay time.Duration) tool.Spec {
		return tool.Spec{
			Name:     name,
			Schema:   map[string]any{"type": "object"},
			Locality: tool.LocalityLocal,
			Invoke: func(_ tool.Context, _ map[string]any) core.ToolResult {
				time.Sleep(delay)
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return core.ToolResult{Success: true, Result: name}
			},
		}
	}
	require.NoError(t, reg.Register(makeSlowEcho("slow", 20*time.Millisecond)))
	require.NoError(t, reg.Register(makeSlowEcho("fast", 0)))

	d := newTestDescriptor(t, reg, []string{"slow", "fast"}, nil, nil, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "slow", ArgumentsRaw: "{}"},
				{ID: "c2", Name: "fast", ArgumentsRaw: "{}"},
			}}, nil
		},
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{Content: "{}"}, nil
		},
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-2"))
	require.Equal(t, OutcomeFinal, out.Kind)

	// fast completed before slow, but results must appear in emission order.
	assert.Equal(t, []string{"fast", "slow"}, order)
	var toolMsgs []core.Message
	for _, m := range out.Conversation {
		if m.Role == core.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "c1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "c2", toolMsgs[1].ToolCallID)
}

func TestRunIterationLimit(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	d := newTestDescriptor(t, reg, []string{"echo"}, nil, nil, 1)

	var calls int32
	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			atomic.AddInt32(&calls, 1)
			return llm.AssistantMessage{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", ArgumentsRaw: `{"text":"hi"}`}}}, nil
		},
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-3"))
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, core.KindIterationLimit, out.FailureKind)
	assert.EqualValues(t, 1, calls)
}

func TestRunHandoffPendingTerminatesImmediately(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	d := newTestDescriptor(t, reg, []string{"echo"}, []string{"lead_qualifier"}, nil, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(req llm.Request) (llm.AssistantMessage, error) {
			foundHandoffTool := false
			for _, ts := range req.Tools {
				if ts.Name == "handoff_to_lead_qualifier" {
					foundHandoffTool = true
				}
			}
			assert.True(t, foundHandoffTool, "expected synthetic handoff tool in request")
			return llm.AssistantMessage{ToolCalls: []llm.ToolCall{
				{ID: "h1", Name: "handoff_to_lead_qualifier", ArgumentsRaw: `{"reason":"looks qualified","priority":"high"}`},
				{ID: "c2", Name: "echo", ArgumentsRaw: `{"text":"should not run"}`},
			}}, nil
		},
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-4"))
	require.Equal(t, OutcomeHandoffPending, out.Kind)
	assert.Equal(t, "coordinator", out.Handoff.From)
	assert.Equal(t, "lead_qualifier", out.Handoff.To)
	assert.Equal(t, "looks qualified", out.Handoff.Reason)
	assert.Equal(t, core.PriorityHigh, out.Handoff.Priority)
}

func TestRunRetriesTransientLLMFailure(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	d := newTestDescriptor(t, reg, nil, nil, nil, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{}, &llm.Error{Kind: llm.FailureTransient, Err: fmt.Errorf("connection reset")}
		},
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{Content: "{}"}, nil
		},
	}}
	r := NewRunner(reg, client, nil)
	noSleep(r)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-5"))
	require.Equal(t, OutcomeFinal, out.Kind)
	assert.Equal(t, 2, client.calls)
}

func TestRunPermanentLLMFailureSurfacesImmediately(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	d := newTestDescriptor(t, reg, nil, nil, nil, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{}, &llm.Error{Kind: llm.FailurePermanent, Err: fmt.Errorf("bad api key")}
		},
	}}
	r := NewRunner(reg, client, nil)
	noSleep(r)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-6"))
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, core.KindUpstreamError, out.FailureKind)
	assert.Equal(t, 1, client.calls)
}

func TestRunDecodeCorrectiveRetrySucceedsOnce(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	schema := map[string]any{
		"type":     "object",
		"required": []any{"qualified"},
		"properties": map[string]any{
			"qualified": map[string]any{"type": "boolean"},
		},
	}
	d := newTestDescriptor(t, reg, nil, nil, schema, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{Content: `not even json`}, nil
		},
		func(req llm.Request) (llm.AssistantMessage, error) {
			last := req.Messages[len(req.Messages)-1]
			assert.Contains(t, last.Content, "did not match the required schema")
			return llm.AssistantMessage{Content: `{"qualified": false}`}, nil
		},
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-7"))
	require.Equal(t, OutcomeFinal, out.Kind)
	assert.Equal(t, false, out.Output["qualified"])
	assert.Equal(t, 2, client.calls)
}

func TestRunDecodeFailureTwiceIsTerminal(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	schema := map[string]any{
		"type":     "object",
		"required": []any{"qualified"},
	}
	d := newTestDescriptor(t, reg, nil, nil, schema, 4)

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) { return llm.AssistantMessage{Content: "nope"}, nil },
		func(llm.Request) (llm.AssistantMessage, error) { return llm.AssistantMessage{Content: "still nope"}, nil },
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-8"))
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, core.KindDecodeError, out.FailureKind)
	assert.Equal(t, 2, client.calls)
}

func TestRunRejectsDisallowedTool(t *testing.T) {
	reg := newTestRegistryWithEcho(t)
	d := newTestDescriptor(t, reg, nil, nil, nil, 4) // echo not in AllowedTools

	client := &fakeLLM{steps: []func(llm.Request) (llm.AssistantMessage, error){
		func(llm.Request) (llm.AssistantMessage, error) {
			return llm.AssistantMessage{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", ArgumentsRaw: `{"text":"hi"}`}}}, nil
		},
		func(req llm.Request) (llm.AssistantMessage, error) {
			toolMsg := req.Messages[len(req.Messages)-1]
			assert.Contains(t, toolMsg.Content, "not permitted")
			return llm.AssistantMessage{Content: "{}"}, nil
		},
	}}
	r := NewRunner(reg, client, nil)

	out := r.Run(context.Background(), d, nil, core.TenantContext{}, core.WorkflowID("wf-9"))
	require.Equal(t, OutcomeFinal, out.Kind)
}
