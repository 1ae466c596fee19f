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

// Package handoff implements the Handoff Engine (C5): legality checks
// against each agent's allowed-handoff set, the context-carrying
// control transfer, and pre/post instrumentation callbacks.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/logger"
	"github.com/pipewise-ai/pipewise/pkg/memory"
	"github.com/pipewise-ai/pipewise/pkg/telemetry"
)

// AllowedHandoffs is implemented by pkg/agent.Descriptor; the Handoff
// Engine depends on this narrow view rather than the concrete type so
// pkg/handoff never imports pkg/agent.
type AllowedHandoffs interface {
	ID() string
	AllowsHandoffTo(agentID string) bool
}

// Callback is a pre- or post-handoff instrumentation hook. It must not
// block indefinitely; a failing callback is logged and does not abort
// the handoff.
type Callback func(from, to, reason string, elapsed time.Duration)

// Outcome is returned by PerformHandoff on success.
type Outcome struct {
	NextAgent      string
	CarriedContext core.Conversation
}

// Engine is the C5 Handoff Engine.
type Engine struct {
	memory memory.Context
	clock  core.Clock
	random core.Random
	log    *slog.Logger

	preCallbacks  map[string]Callback // keyed by "from\x00to"
	postCallbacks map[string]Callback

	sink telemetry.Sink
}

// SetSink wires the telemetry sink used to emit handoff-performed
// events. Defaults to telemetry.NoopSink, so wiring it is optional.
func (e *Engine) SetSink(sink telemetry.Sink) { e.sink = sink }

// NewEngine constructs an Engine. Logger defaults to slog.Default() if nil.
func NewEngine(mem memory.Context, clock core.Clock, random core.Random, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		memory:        mem,
		clock:         clock,
		random:        random,
		log:           log,
		preCallbacks:  make(map[string]Callback),
		postCallbacks: make(map[string]Callback),
		sink:          telemetry.NoopSink{},
	}
}

func pairKey(from, to string) string { return from + "\x00" + to }

// OnPreHandoff registers a callback fired after legality/logging but
// before the caller takes over the new agent (step 4 of perform_handoff).
func (e *Engine) OnPreHandoff(from, to string, cb Callback) {
	e.preCallbacks[pairKey(from, to)] = cb
}

// OnPostHandoff registers a callback fired after the new agent completes
// its contribution, with timing (step 6).
func (e *Engine) OnPostHandoff(from, to string, cb Callback) {
	e.postCallbacks[pairKey(from, to)] = cb
}

// CanHandoff reports whether from is permitted to hand control to to.
func (e *Engine) CanHandoff(from AllowedHandoffs, to string) bool {
	return from.AllowsHandoffTo(to)
}

// PerformHandoff executes steps 1-5 of §4.5: legality check, chain
// append, dual memory write, pre-handoff callback, and carried-context
// assembly. The caller is responsible for invoking the post-handoff
// callback once the new agent's contribution completes (see
// FirePostHandoff) — perform_handoff itself cannot know that outcome.
func (e *Engine) PerformHandoff(ctx HandoffContext, from AllowedHandoffs, req core.HandoffRequest) (Outcome, error) {
	if !e.CanHandoff(from, req.To) {
		return Outcome{}, core.NewError("handoff.PerformHandoff", core.KindIllegalHandoff,
			illegalHandoffError{from: req.From, to: req.To})
	}

	startedAt := e.clock.Now()
	entry := core.HandoffEntry{From: req.From, To: req.To, Timestamp: startedAt, Reason: req.Reason}
	ctx.Workflow.HandoffChain = append(ctx.Workflow.HandoffChain, entry)

	content := map[string]any{
		"from":               req.From,
		"to":                 req.To,
		"reason":             req.Reason,
		"priority":           string(req.Priority),
		"additional_context": req.AdditionalContext,
		"started_at":         startedAt.Format(time.RFC3339Nano),
	}
	metadata := map[string]any{"tenant_id": ctx.TenantID}
	if _, err := e.memory.SaveBoth(ctx, req.From, ctx.Workflow.ID, content, []string{"handoff"}, metadata); err != nil {
		return Outcome{}, core.NewError("handoff.PerformHandoff", core.KindToolExecution, err)
	}

	e.fireCallback(e.preCallbacks, req.From, req.To, req.Reason, 0)

	carried := assembleCarriedContext(ctx.Conversation, req, ctx.SourceAgentRecords)

	hlog := logger.AgentScoped(logger.WorkflowScoped(e.log, string(ctx.Workflow.ID)), req.From)
	hlog.Info("handoff performed", "from", req.From, "to", req.To, "reason", req.Reason)
	e.sink.Emit(ctx, telemetry.Event{Name: telemetry.HandoffPerformed, Attrs: map[string]any{
		"from": req.From, "to": req.To, "reason": req.Reason, "priority": string(req.Priority),
	}})
	return Outcome{NextAgent: req.To, CarriedContext: carried}, nil
}

// FirePostHandoff invokes the registered post-handoff callback for
// (from, to), passing elapsed as the time the new agent spent producing
// its contribution. Safe to call even if no callback was registered.
func (e *Engine) FirePostHandoff(from, to, reason string, elapsed time.Duration) {
	e.fireCallback(e.postCallbacks, from, to, reason, elapsed)
}

func (e *Engine) fireCallback(set map[string]Callback, from, to, reason string, elapsed time.Duration) {
	cb, ok := set[pairKey(from, to)]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handoff callback panicked", "from", from, "to", to, "recover", r)
		}
	}()
	cb(from, to, reason, elapsed)
}

func assembleCarriedContext(conversation core.Conversation, req core.HandoffRequest, sourceRecords []core.MemoryRecord) core.Conversation {
	carried := conversation.Clone()
	if len(req.AdditionalContext) > 0 {
		carried = append(carried, core.Message{
			Role:    core.RoleSystem,
			Content: renderAdditionalContext(req.AdditionalContext),
		})
	}
	if len(sourceRecords) > 0 {
		carried = append(carried, core.Message{
			Role:    core.RoleSystem,
			Content: renderSourceRecords(sourceRecords),
		})
	}
	return carried
}

// HandoffContext bundles the per-call collaborators PerformHandoff
// needs beyond (from, req): the workflow being mutated, its tenant id,
// the conversation to carry forward, and the source agent's most recent
// memory records (per §4.5 step 5). It embeds context.Context so it can
// be passed directly anywhere a context.Context is expected.
type HandoffContext struct {
	context.Context
	Workflow           *core.Workflow
	TenantID           string
	Conversation       core.Conversation
	SourceAgentRecords []core.MemoryRecord
}

func renderAdditionalContext(additional map[string]any) string {
	b, err := json.Marshal(additional)
	if err != nil {
		return "additional_context: <unencodable>"
	}
	return "additional_context: " + string(b)
}

func renderSourceRecords(records []core.MemoryRecord) string {
	var sb strings.Builder
	sb.WriteString("prior agent memory:\n")
	for _, r := range records {
		b, err := json.Marshal(r.Content)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", strings.Join(r.Tags, ","), string(b))
	}
	return sb.String()
}

type illegalHandoffError struct{ from, to string }

func (e illegalHandoffError) Error() string {
	return "illegal handoff: " + e.from + " -> " + e.to
}
