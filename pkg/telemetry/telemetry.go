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

// Package telemetry defines the Sink every other component emits its
// named lifecycle events through: workflow-started, workflow-completed,
// handoff-performed, tool-invoked, mcp-disconnected, mcp-reconnected,
// memory-record-saved, llm-retry.
package telemetry

import "context"

// Event is one named occurrence, carrying whatever attributes its
// emitter considered useful. Attrs values are restricted by convention
// to strings, bools, numeric types, and time.Duration so every Sink
// implementation can render them without reflection.
type Event struct {
	Name  string
	Attrs map[string]any
}

// Sink receives Events. Implementations must not block the caller for
// long or panic; Emit is called from hot paths (the runner's tool-call
// loop, the MCP pool's health loop).
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Names of the eight telemetry events this module defines.
const (
	WorkflowStarted   = "workflow-started"
	WorkflowCompleted = "workflow-completed"
	HandoffPerformed  = "handoff-performed"
	ToolInvoked       = "tool-invoked"
	MCPDisconnected   = "mcp-disconnected"
	MCPReconnected    = "mcp-reconnected"
	MemoryRecordSaved = "memory-record-saved"
	LLMRetry          = "llm-retry"
)

// NoopSink discards every event. The zero value of every collaborator
// that accepts a Sink defaults to this, so telemetry wiring is always
// optional.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) {}

// MultiSink fans one Emit call out to every wrapped Sink, in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}
