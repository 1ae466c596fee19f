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

// Package orchestrator implements the Workflow Orchestrator (C8): the
// top-level entry point that mints a workflow, selects the initial
// agent, and drives the handoff loop across one or more Agent Runner
// invocations until a terminal status is reached.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewise-ai/pipewise/pkg/agent"
	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/handoff"
	"github.com/pipewise-ai/pipewise/pkg/logger"
	"github.com/pipewise-ai/pipewise/pkg/memory"
	"github.com/pipewise-ai/pipewise/pkg/telemetry"
)

// Config carries the workflow-level tuning named in spec.md §6.
type Config struct {
	MaxHandoffs     int
	WorkflowTimeout time.Duration
	ArchiveTimeout  time.Duration
}

// SetDefaults fills unset fields per spec.md §6's defaults.
func (c *Config) SetDefaults() {
	if c.MaxHandoffs <= 0 {
		c.MaxHandoffs = 8
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = 10 * time.Minute
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 5 * time.Second
	}
}

// systemActor is the agent id the orchestrator records its own
// workflow-start entry under; the agent ids below are the ones
// selectInitialAgent can route to (spec.md §4.8 step 2).
const (
	systemActor = "orchestrator"

	agentCoordinator      = "coordinator"
	agentLeadQualifier    = "lead_qualifier"
	agentMeetingScheduler = "meeting_scheduler"
)

// Deps wires the Orchestrator's collaborators; all are constructor
// injected, matching the "no global singletons" design note.
type Deps struct {
	Roster   *agent.Roster
	Runners  map[string]*agent.Runner // keyed by agent id; each bound to that agent's configured model/client
	Handoffs *handoff.Engine
	Memory   memory.Context
	Clock    core.Clock
	Random   core.Random
	Log      *slog.Logger
	Sink     telemetry.Sink
	Config   Config
}

// Orchestrator is the C8 Workflow Orchestrator.
type Orchestrator struct {
	roster   *agent.Roster
	runners  map[string]*agent.Runner
	handoffs *handoff.Engine
	mem      memory.Context
	clock    core.Clock
	random   core.Random
	log      *slog.Logger
	sink     telemetry.Sink
	cfg      Config

	mu      sync.Mutex
	cancels map[core.WorkflowID]context.CancelFunc
}

// New constructs an Orchestrator. Logger defaults to slog.Default() and
// Sink to telemetry.NoopSink when unset.
func New(d Deps) *Orchestrator {
	d.Config.SetDefaults()
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	sink := d.Sink
	if sink == nil {
		sink = telemetry.NoopSink{}
	}
	return &Orchestrator{
		roster:   d.Roster,
		runners:  d.Runners,
		handoffs: d.Handoffs,
		mem:      d.Memory,
		clock:    d.Clock,
		random:   d.Random,
		log:      log,
		sink:     sink,
		cfg:      d.Config,
		cancels:  make(map[core.WorkflowID]context.CancelFunc),
	}
}

// pendingPostHandoff tracks a just-performed handoff until the agent it
// transferred control to completes its contribution, so FirePostHandoff
// can report how long that contribution took (spec.md §4.5 step 6).
type pendingPostHandoff struct {
	from, to, reason string
	startedAt        time.Time
}

// Run is the C8 entry operation: run(incoming_event, tenant_context) ->
// WorkflowResult, implementing the five numbered steps of spec.md §4.8.
func (o *Orchestrator) Run(ctx context.Context, event core.IncomingEvent, tenant core.TenantContext) core.WorkflowResult {
	workflowID := core.WorkflowID(o.random.UUID())
	startedAt := o.clock.Now()

	workflow := &core.Workflow{
		ID:        workflowID,
		Tenant:    tenant,
		Status:    core.WorkflowRunning,
		StartedAt: startedAt,
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	o.registerCancel(workflowID, cancel)
	defer o.unregisterCancel(workflowID)
	defer cancel()

	wlog := logger.WorkflowScoped(o.log, string(workflowID))

	o.sink.Emit(runCtx, telemetry.Event{Name: telemetry.WorkflowStarted, Attrs: map[string]any{
		"workflow_id": string(workflowID), "channel": string(event.Channel), "tenant_id": tenant.TenantID,
	}})

	startContent := map[string]any{
		"channel":    string(event.Channel),
		"text":       event.Text,
		"started_at": startedAt.Format(time.RFC3339Nano),
	}
	if event.Lead != nil {
		startContent["lead_id"] = event.Lead.ID
	}
	if _, err := o.mem.SaveBoth(runCtx, systemActor, workflowID, startContent, []string{"workflow-start"},
		map[string]any{"tenant_id": tenant.TenantID}); err != nil {
		wlog.Error("failed to persist workflow-start record", "error", err)
	}

	currentAgentID := selectInitialAgent(event)
	workflow.CurrentAgent = currentAgentID
	conv := initialConversation(event)

	result := o.loop(runCtx, wlog, workflow, conv, currentAgentID)

	o.sink.Emit(runCtx, telemetry.Event{Name: telemetry.WorkflowCompleted, Attrs: map[string]any{
		"workflow_id": string(workflowID), "status": string(result.Status),
		"duration_ms": o.clock.Now().Sub(startedAt).Milliseconds(),
	}})

	return result
}

// loop runs steps 4-5 of spec.md §4.8: drive C7 for the current agent,
// act on its Outcome, and repeat across handoffs until a terminal
// status or a workflow-level cap is reached.
func (o *Orchestrator) loop(ctx context.Context, wlog *slog.Logger, workflow *core.Workflow, conv core.Conversation, currentAgentID string) core.WorkflowResult {
	var pending *pendingPostHandoff

	for {
		alog := logger.AgentScoped(wlog, currentAgentID)

		descriptor, err := o.roster.Resolve(currentAgentID)
		if err != nil {
			return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(core.KindUnknownAgent))
		}

		runner, ok := o.runners[currentAgentID]
		if !ok {
			return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(core.KindUnknownAgent))
		}

		outcome := runner.Run(ctx, descriptor, conv, workflow.Tenant, workflow.ID)

		if pending != nil {
			o.handoffs.FirePostHandoff(pending.from, pending.to, pending.reason, o.clock.Now().Sub(pending.startedAt))
			pending = nil
		}

		switch outcome.Kind {
		case agent.OutcomeFinal:
			if _, err := o.mem.SaveBoth(ctx, currentAgentID, workflow.ID, outcome.Output, []string{"workflow-end"},
				map[string]any{"tenant_id": workflow.Tenant.TenantID}); err != nil {
				alog.Error("failed to persist workflow-end record", "error", err)
			}
			return o.finish(ctx, wlog, workflow, core.WorkflowCompleted, outcome.Output, "")

		case agent.OutcomeHandoffPending:
			if len(workflow.HandoffChain) >= o.cfg.MaxHandoffs {
				return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(core.KindHandoffLimit))
			}

			req := outcome.Handoff
			sourceRecords := o.sourceAgentRecords(ctx, alog, workflow, currentAgentID)
			handoffCtx := handoff.HandoffContext{
				Context:            ctx,
				Workflow:           workflow,
				TenantID:           workflow.Tenant.TenantID,
				Conversation:       outcome.Conversation,
				SourceAgentRecords: sourceRecords,
			}

			result, err := o.handoffs.PerformHandoff(handoffCtx, descriptor, req)
			if err != nil {
				if core.KindOf(err) == core.KindIllegalHandoff {
					return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(core.KindIllegalHandoff))
				}
				return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(core.KindToolExecution))
			}

			pending = &pendingPostHandoff{from: req.From, to: req.To, reason: req.Reason, startedAt: o.clock.Now()}
			currentAgentID = result.NextAgent
			workflow.CurrentAgent = currentAgentID
			conv = result.CarriedContext

		case agent.OutcomeFailed:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(core.KindDeadline))
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return o.finish(ctx, wlog, workflow, core.WorkflowCancelled, nil, string(core.KindCancelled))
			}
			return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, string(outcome.FailureKind))

		default:
			return o.finish(ctx, wlog, workflow, core.WorkflowFailed, nil, fmt.Sprintf("unrecognized outcome kind %q", outcome.Kind))
		}
	}
}

// sourceAgentRecords fetches the outgoing agent's most recent memory
// records for §4.5 step 5's carried-context assembly.
func (o *Orchestrator) sourceAgentRecords(ctx context.Context, alog *slog.Logger, workflow *core.Workflow, agentID string) []core.MemoryRecord {
	volatile, persistent, err := o.mem.AgentContext(ctx, workflow.Tenant.TenantID, agentID, workflow.ID)
	if err != nil {
		alog.Warn("failed to load source agent records for handoff", "error", err)
		return nil
	}
	records := make([]core.MemoryRecord, 0, len(volatile)+len(persistent))
	records = append(records, volatile...)
	records = append(records, persistent...)
	return records
}

// finish marks workflow terminal, archives its volatile records using a
// timeout independent of the (possibly already-expired) workflow
// context, and builds the returned WorkflowResult.
func (o *Orchestrator) finish(ctx context.Context, wlog *slog.Logger, workflow *core.Workflow, status core.WorkflowStatus, output map[string]any, reason string) core.WorkflowResult {
	workflow.Status = status
	workflow.FinishedAt = o.clock.Now()

	if a, ok := o.mem.(archiver); ok {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ArchiveTimeout)
		defer cancel()
		if err := a.Archive(archiveCtx, workflow.ID); err != nil {
			wlog.Error("failed to archive workflow", "status", string(status), "error", err)
		}
	}

	return core.WorkflowResult{
		WorkflowID:   workflow.ID,
		Status:       status,
		Output:       output,
		Reason:       reason,
		HandoffChain: workflow.HandoffChain,
	}
}

// archiver is the narrow view of *memory.Manager's Archive method this
// package depends on, so Deps.Memory can stay the memory.Context
// interface everywhere else while still giving the Orchestrator access
// to archival.
type archiver interface {
	Archive(ctx context.Context, workflow core.WorkflowID) error
}

// Cancel requests cooperative cancellation of a running workflow. Safe
// to call for an unknown or already-finished workflow id (no-op).
func (o *Orchestrator) Cancel(workflowID core.WorkflowID) {
	o.mu.Lock()
	cancel, ok := o.cancels[workflowID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) registerCancel(id core.WorkflowID, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[id] = cancel
}

func (o *Orchestrator) unregisterCancel(id core.WorkflowID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, id)
}

// selectInitialAgent implements spec.md §4.8 step 2: explicit caller
// intent wins over the channel default.
func selectInitialAgent(event core.IncomingEvent) string {
	switch event.Intent {
	case core.IntentScheduling:
		return agentMeetingScheduler
	case core.IntentQualification:
		return agentLeadQualifier
	}
	return agentCoordinator
}

// initialConversation builds the one user-role Message spec.md §4.8
// step 3 describes: the event's text plus any structured lead payload
// rendered as JSON.
func initialConversation(event core.IncomingEvent) core.Conversation {
	content := event.Text
	if event.Lead != nil {
		if b, err := json.Marshal(event.Lead); err == nil {
			content = fmt.Sprintf("%s\n\nlead: %s", content, string(b))
		}
	}
	return core.Conversation{{Role: core.RoleUser, Content: content}}
}
