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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/decode"
	"github.com/pipewise-ai/pipewise/pkg/llm"
	"github.com/pipewise-ai/pipewise/pkg/logger"
	"github.com/pipewise-ai/pipewise/pkg/telemetry"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

const handoffToolPrefix = "handoff_to_"

// handoffToolName builds the synthetic tool name offered to the model
// for a handoff target, per spec.md §4.7 step 1.
func handoffToolName(agentID string) string { return handoffToolPrefix + agentID }

// handoffTarget extracts the target agent id from a synthetic handoff
// tool name, reporting ok=false for any other tool name.
func handoffTarget(toolName string) (string, bool) {
	if !strings.HasPrefix(toolName, handoffToolPrefix) {
		return "", false
	}
	return strings.TrimPrefix(toolName, handoffToolPrefix), true
}

// handoffArgsSchema is the parameter schema every synthetic handoff tool
// declares: a reason (required, surfaced in the handoff chain and
// telemetry), an optional priority, and a free-form additional-context
// object carried into the next agent's conversation.
var handoffArgsSchema = map[string]any{
	"type":     "object",
	"required": []any{"reason"},
	"properties": map[string]any{
		"reason": map[string]any{
			"type":        "string",
			"description": "Short explanation for why control is being handed off.",
		},
		"priority": map[string]any{
			"type": "string",
			"enum": []any{"low", "normal", "high"},
		},
		"additional_context": map[string]any{
			"type":        "object",
			"description": "Extra context the next agent needs.",
		},
	},
}

// OutcomeKind classifies what an Agent Runner's Run call produced.
type OutcomeKind string

const (
	OutcomeFinal          OutcomeKind = "final"
	OutcomeHandoffPending OutcomeKind = "handoff_pending"
	OutcomeFailed         OutcomeKind = "failed"
)

// Outcome is the result of one Run call: exactly one of Output or
// Handoff is meaningful, keyed by Kind. Conversation always carries the
// full transcript built during the run, including the tail the caller
// did not ask for (useful for diagnostics on a Failed outcome).
type Outcome struct {
	Kind         OutcomeKind
	Output       map[string]any
	Handoff      core.HandoffRequest
	FailureKind  core.Kind
	Err          error
	Conversation core.Conversation
}

// Final builds a terminal, successful Outcome.
func Final(output map[string]any, conv core.Conversation) Outcome {
	return Outcome{Kind: OutcomeFinal, Output: output, Conversation: conv}
}

// HandoffPending builds an Outcome asking the orchestrator to perform a
// handoff via the Handoff Engine.
func HandoffPending(req core.HandoffRequest, conv core.Conversation) Outcome {
	return Outcome{Kind: OutcomeHandoffPending, Handoff: req, Conversation: conv}
}

// Failed builds a terminal, unsuccessful Outcome.
func Failed(kind core.Kind, err error, conv core.Conversation) Outcome {
	return Outcome{Kind: OutcomeFailed, FailureKind: kind, Err: err, Conversation: conv}
}

// Runner is the C7 Agent Runner: the tool-calling loop that drives one
// agent's contribution to a workflow, per spec.md §4.7.
type Runner struct {
	tools  *tool.Registry
	client llm.Client
	log    *slog.Logger
	sink   telemetry.Sink

	toolResultMaxBytes int
	retryBackoffs      []time.Duration
	sleep              func(ctx context.Context, d time.Duration) error
}

// SetSink wires the telemetry sink used to emit tool-invoked and
// llm-retry events. Defaults to telemetry.NoopSink, so wiring it is
// optional.
func (r *Runner) SetSink(sink telemetry.Sink) { r.sink = sink }

// NewRunner builds a Runner over the shared tool registry (local and MCP
// tools alike — pkg/mcpclient registers remote proxies into the same
// *tool.Registry a local tool is registered into) and an LLM client
// adapter.
func NewRunner(tools *tool.Registry, client llm.Client, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		tools:              tools,
		client:             client,
		log:                log,
		sink:               telemetry.NoopSink{},
		toolResultMaxBytes: defaultToolResultMaxBytes,
		retryBackoffs:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
		sleep:              ctxSleep,
	}
}

// SetToolResultMaxBytes overrides the default 16 KiB tool-result
// truncation bound.
func (r *Runner) SetToolResultMaxBytes(n int) { r.toolResultMaxBytes = n }

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the reasoning loop for one agent over one turn of a
// workflow, implementing the six numbered steps of spec.md §4.7.
func (r *Runner) Run(ctx context.Context, d *Descriptor, conversationPrefix core.Conversation, tenant core.TenantContext, workflowID core.WorkflowID) Outcome {
	conv := conversationPrefix.Clone()
	params := d.Params()
	handoffIDs := d.AllowedHandoffIDs()
	decodeRetried := false
	rlog := logger.AgentScoped(logger.WorkflowScoped(r.log, string(workflowID)), d.ID())

	for iteration := 0; iteration < params.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return Failed(core.KindCancelled, err, conv)
		}

		req := r.composeRequest(d, conv, handoffIDs)
		assistant, err := r.generateWithRetry(ctx, rlog, req)
		if err != nil {
			return Failed(core.KindUpstreamError, err, conv)
		}
		conv = append(conv, assistantToCoreMessage(assistant))

		if idx, target, ok := firstHandoffCall(assistant.ToolCalls); ok {
			for i := 0; i < idx; i++ {
				tc := assistant.ToolCalls[i]
				result := r.dispatchOne(ctx, d, tenant, workflowID, tc)
				conv = append(conv, r.toolResultMessage(tc, result))
			}
			handoffReq, err := parseHandoffArgs(d.ID(), target, assistant.ToolCalls[idx].ArgumentsRaw)
			if err != nil {
				return Failed(core.KindInvalidInput, err, conv)
			}
			return HandoffPending(handoffReq, conv)
		}

		if !assistant.HasToolCalls() {
			res, decErr := decode.Decode(assistant.Content, d.OutputSchema())
			if decErr != nil {
				if decodeRetried {
					return Failed(core.KindDecodeError, decErr, conv)
				}
				decodeRetried = true
				conv = append(conv, core.Message{Role: core.RoleUser, Content: decode.CorrectiveMessage(decErr)})
				continue
			}
			return Final(res.Output, conv)
		}

		results := make([]core.ToolResult, len(assistant.ToolCalls))
		g, gctx := errgroup.WithContext(ctx)
		for i, tc := range assistant.ToolCalls {
			i, tc := i, tc
			g.Go(func() error {
				results[i] = r.dispatchOne(gctx, d, tenant, workflowID, tc)
				return nil
			})
		}
		_ = g.Wait()
		for i, tc := range assistant.ToolCalls {
			conv = append(conv, r.toolResultMessage(tc, results[i]))
		}
	}

	return Failed(core.KindIterationLimit,
		fmt.Errorf("agent %q exceeded max_iterations=%d", d.ID(), params.MaxIterations), conv)
}

// composeRequest builds the adapter-neutral request for one loop turn:
// the agent's instructions as system prompt, the conversation so far,
// the tool schemas visible to this agent, and a synthetic handoff tool
// per allowed target.
func (r *Runner) composeRequest(d *Descriptor, conv core.Conversation, handoffIDs []string) llm.Request {
	specs := r.tools.SchemasFor(d)
	tools := make([]llm.ToolSchema, 0, len(specs)+len(handoffIDs))
	for _, s := range specs {
		tools = append(tools, llm.ToolSchema{
			Name:        s.Name,
			Description: schemaDescription(s.Schema),
			Parameters:  s.Schema,
		})
	}
	for _, id := range handoffIDs {
		tools = append(tools, llm.ToolSchema{
			Name:        handoffToolName(id),
			Description: fmt.Sprintf("Hand off the conversation to the %s agent.", id),
			Parameters:  handoffArgsSchema,
		})
	}

	params := d.Params()
	return llm.Request{
		System:      d.Instructions(),
		Messages:    toLLMMessages(conv),
		Tools:       tools,
		Model:       params.Model,
		Temperature: params.Temperature,
	}
}

// schemaDescription pulls a top-level "description" string out of a
// tool's parameter schema, if the tool author set one; tool.Spec itself
// carries no separate description field.
func schemaDescription(schema map[string]any) string {
	if schema == nil {
		return ""
	}
	if desc, ok := schema["description"].(string); ok {
		return desc
	}
	return ""
}

// generateWithRetry calls the LLM client, retrying Transient and
// RateLimited failures with the configured backoff schedule (spec.md
// §4.7 step 6, §4.9). A Permanent failure surfaces immediately.
func (r *Runner) generateWithRetry(ctx context.Context, rlog *slog.Logger, req llm.Request) (llm.AssistantMessage, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := r.client.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if llm.KindOf(err) == llm.FailurePermanent {
			return llm.AssistantMessage{}, err
		}
		if attempt >= len(r.retryBackoffs) {
			return llm.AssistantMessage{}, err
		}

		wait := r.retryBackoffs[attempt]
		if llm.KindOf(err) == llm.FailureRateLimited {
			if ra := llm.RetryAfterOf(err); ra > wait {
				wait = ra
			}
		}
		rlog.Warn("llm generate failed, retrying", "attempt", attempt+1, "wait", wait, "err", err)
		r.sink.Emit(ctx, telemetry.Event{Name: telemetry.LLMRetry, Attrs: map[string]any{
			"attempt": attempt + 1, "wait": wait.String(), "kind": string(llm.KindOf(err)),
		}})
		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return llm.AssistantMessage{}, sleepErr
		}
	}
	return llm.AssistantMessage{}, lastErr
}

// firstHandoffCall scans calls in emission order and reports the index
// and target of the first synthetic handoff tool call, if any.
func firstHandoffCall(calls []llm.ToolCall) (idx int, target string, ok bool) {
	for i, tc := range calls {
		if t, isHandoff := handoffTarget(tc.Name); isHandoff {
			return i, t, true
		}
	}
	return 0, "", false
}

// parseHandoffArgs decodes a synthetic handoff tool call's arguments
// into a core.HandoffRequest.
func parseHandoffArgs(from, to, argumentsRaw string) (core.HandoffRequest, error) {
	var parsed struct {
		Reason            string         `json:"reason"`
		Priority          string         `json:"priority"`
		AdditionalContext map[string]any `json:"additional_context"`
	}
	if strings.TrimSpace(argumentsRaw) != "" {
		if err := json.Unmarshal([]byte(argumentsRaw), &parsed); err != nil {
			return core.HandoffRequest{}, fmt.Errorf("invalid handoff arguments: %w", err)
		}
	}
	priority := core.PriorityNormal
	switch core.Priority(parsed.Priority) {
	case core.PriorityLow, core.PriorityHigh:
		priority = core.Priority(parsed.Priority)
	}
	return core.HandoffRequest{
		From:              from,
		To:                to,
		Reason:            parsed.Reason,
		Priority:          priority,
		AdditionalContext: parsed.AdditionalContext,
	}, nil
}

// dispatchOne validates and invokes a single tool call, translating any
// failure into a ToolResult rather than aborting the run — per spec.md
// §7, tool failures are injected into the conversation and the loop
// continues.
func (r *Runner) dispatchOne(ctx context.Context, d *Descriptor, tenant core.TenantContext, workflowID core.WorkflowID, tc llm.ToolCall) core.ToolResult {
	if !d.AllowedTools()[tc.Name] {
		return core.ToolResult{
			ToolCallID: tc.ID, Success: false, ErrorKind: core.ErrorKindSchema,
			Message: fmt.Sprintf("tool %q is not permitted for agent %q", tc.Name, d.ID()),
		}
	}

	spec, err := r.tools.Resolve(tc.Name)
	if err != nil {
		return core.ToolResult{ToolCallID: tc.ID, Success: false, ErrorKind: core.ErrorKindSchema, Message: err.Error()}
	}

	var args map[string]any
	if strings.TrimSpace(tc.ArgumentsRaw) != "" {
		if err := json.Unmarshal([]byte(tc.ArgumentsRaw), &args); err != nil {
			return core.ToolResult{
				ToolCallID: tc.ID, Success: false, ErrorKind: core.ErrorKindSchema,
				Message: "invalid JSON arguments: " + err.Error(),
			}
		}
	}
	if err := tool.ValidateArgs(spec, args); err != nil {
		return core.ToolResult{ToolCallID: tc.ID, Success: false, ErrorKind: core.ErrorKindSchema, Message: err.Error()}
	}

	toolCtx := tool.Context{Context: ctx, Tenant: tenant, AgentID: d.ID(), WorkflowID: workflowID}
	result := spec.Invoke(toolCtx, args)
	result.ToolCallID = tc.ID
	r.sink.Emit(ctx, telemetry.Event{Name: telemetry.ToolInvoked, Attrs: map[string]any{
		"tool_name": tc.Name, "agent_id": d.ID(), "success": result.Success,
	}})
	return result
}

// toolResultMessage renders a ToolResult into the tool-role conversation
// message the next request will carry, truncated to the configured
// byte bound.
func (r *Runner) toolResultMessage(tc llm.ToolCall, result core.ToolResult) core.Message {
	text := renderToolResult(result)
	text = truncateToolResultText(text, r.toolResultMaxBytes, isNaturalLanguageResult(result))
	return core.Message{Role: core.RoleTool, Content: text, ToolCallID: tc.ID}
}

func renderToolResult(result core.ToolResult) string {
	if !result.Success {
		if result.Message != "" {
			return fmt.Sprintf("error (%s): %s", result.ErrorKind, result.Message)
		}
		return fmt.Sprintf("error (%s)", result.ErrorKind)
	}
	if s, ok := result.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Sprintf("%v", result.Result)
	}
	return string(b)
}

// isNaturalLanguageResult reports whether a result's text is prose
// worth token-aware truncation, versus a structured/opaque payload
// where a plain byte cut is just as good.
func isNaturalLanguageResult(result core.ToolResult) bool {
	if !result.Success {
		return true
	}
	_, ok := result.Result.(string)
	return ok
}

// toLLMMessages converts a Conversation into the adapter-neutral
// message shape Client.Generate expects.
func toLLMMessages(conv core.Conversation) []llm.Message {
	out := make([]llm.Message, 0, len(conv))
	for _, m := range conv {
		lm := llm.Message{Role: llm.Role(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			argsRaw, _ := json.Marshal(tc.Args)
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, ArgumentsRaw: string(argsRaw)})
		}
		out = append(out, lm)
	}
	return out
}

// assistantToCoreMessage converts an adapter response into the
// Conversation's own Message shape, so the Runner's memory of the
// conversation is provider-independent.
func assistantToCoreMessage(a llm.AssistantMessage) core.Message {
	m := core.Message{Role: core.RoleAssistant, Content: a.Content}
	for _, tc := range a.ToolCalls {
		var args map[string]any
		if strings.TrimSpace(tc.ArgumentsRaw) != "" {
			_ = json.Unmarshal([]byte(tc.ArgumentsRaw), &args)
		}
		m.ToolCalls = append(m.ToolCalls, core.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}
	return m
}
