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

package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/telemetry"
)

// Manager is the C4 Memory Manager: the single coordinator of dual
// writes, tenant-scoped reads, and archival between the volatile and
// persistent stores. It is the only thing pkg/crmtools and pkg/agent
// talk to; neither ever touches a Store directly.
type Manager struct {
	volatile   Store
	persistent Store
	clock      core.Clock
	random     core.Random
	log        *slog.Logger
	defaultTTL time.Duration
	sink       telemetry.Sink
}

// SetSink wires the telemetry sink used to emit memory-record-saved
// events. Defaults to telemetry.NoopSink, so wiring it is optional.
func (m *Manager) SetSink(sink telemetry.Sink) { m.sink = sink }

// Deps wires Manager's collaborators; all are constructor-injected per
// the "no global singletons" design note.
type Deps struct {
	Volatile   Store
	Persistent Store
	Clock      core.Clock
	Random     core.Random
	Logger     *slog.Logger
	DefaultTTL time.Duration
}

// NewManager constructs a Manager. Logger defaults to slog.Default() if nil.
func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := d.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		volatile:   d.Volatile,
		persistent: d.Persistent,
		clock:      d.Clock,
		random:     d.Random,
		log:        logger,
		defaultTTL: ttl,
		sink:       telemetry.NoopSink{},
	}
}

// Context is the collaborator interface pkg/crmtools depends on rather
// than the concrete *Manager, so built-in tools stay testable without a
// real database.
type Context interface {
	SaveVolatile(ctx context.Context, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any, ttl time.Duration) (core.MemoryRecord, error)
	SavePersistent(ctx context.Context, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any) (core.MemoryRecord, error)
	SaveBoth(ctx context.Context, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any) (core.MemoryRecord, error)
	AgentContext(ctx context.Context, tenantID, agent string, workflow core.WorkflowID) (volatile, persistent []core.MemoryRecord, err error)
	WorkflowContext(ctx context.Context, tenantID string, workflow core.WorkflowID) (volatile, persistent []core.MemoryRecord, err error)
	Query(ctx context.Context, persistentStore bool, filter core.QueryFilter) ([]core.MemoryRecord, error)
}

var _ Context = (*Manager)(nil)

func newRecord(clock core.Clock, random core.Random, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any) core.MemoryRecord {
	now := clock.Now()
	return core.MemoryRecord{
		ID:         random.UUID(),
		AgentID:    agent,
		WorkflowID: workflow,
		Content:    content,
		Tags:       tags,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SaveVolatile writes a new record to the volatile store with the given
// ttl (or the configured default when ttl <= 0).
func (m *Manager) SaveVolatile(ctx context.Context, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any, ttl time.Duration) (core.MemoryRecord, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	r := newRecord(m.clock, m.random, agent, workflow, content, tags, metadata)
	r.ExpiresAt = r.CreatedAt.Add(ttl)
	if err := m.volatile.Save(ctx, r); err != nil {
		return core.MemoryRecord{}, core.NewError("memory.SaveVolatile", core.KindToolExecution, err)
	}
	m.log.Debug("memory record saved", "store", "volatile", "agent_id", agent, "workflow_id", string(workflow))
	m.emitSaved(ctx, "volatile", agent, workflow)
	return r, nil
}

// SavePersistent writes a new record directly to the persistent store,
// bypassing volatile entirely (used for records with no workflow-local
// utility, e.g. long-term audit entries).
func (m *Manager) SavePersistent(ctx context.Context, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any) (core.MemoryRecord, error) {
	r := newRecord(m.clock, m.random, agent, workflow, content, tags, metadata)
	if err := m.persistent.Save(ctx, r); err != nil {
		return core.MemoryRecord{}, core.NewError("memory.SavePersistent", core.KindToolExecution, err)
	}
	m.log.Debug("memory record saved", "store", "persistent", "agent_id", agent, "workflow_id", string(workflow))
	m.emitSaved(ctx, "persistent", agent, workflow)
	return r, nil
}

// SaveBoth writes to volatile first, so subsequent calls within the same
// workflow observe the write immediately, then to persistent. A
// persistent write failure is retried once, then logged and swallowed —
// the workflow must not fail because the archival store is slow.
func (m *Manager) SaveBoth(ctx context.Context, agent string, workflow core.WorkflowID, content map[string]any, tags []string, metadata map[string]any) (core.MemoryRecord, error) {
	r := newRecord(m.clock, m.random, agent, workflow, content, tags, metadata)
	r.ExpiresAt = r.CreatedAt.Add(m.defaultTTL)

	if err := m.volatile.Save(ctx, r); err != nil {
		return core.MemoryRecord{}, core.NewError("memory.SaveBoth", core.KindToolExecution, err)
	}

	persisted := r
	persisted.ExpiresAt = time.Time{}
	if err := m.persistent.Save(ctx, persisted); err != nil {
		if err2 := m.persistent.Save(ctx, persisted); err2 != nil {
			m.log.Error("persistent write failed after retry, continuing with volatile only",
				"agent_id", agent, "workflow_id", string(workflow), "error", err2)
		}
	}
	m.log.Debug("memory record saved", "store", "both", "agent_id", agent, "workflow_id", string(workflow))
	m.emitSaved(ctx, "both", agent, workflow)
	return r, nil
}

func (m *Manager) emitSaved(ctx context.Context, store, agent string, workflow core.WorkflowID) {
	m.sink.Emit(ctx, telemetry.Event{Name: telemetry.MemoryRecordSaved, Attrs: map[string]any{
		"store": store, "agent_id": agent,
	}})
}

// AgentContext returns volatile and persistent records for (agent,
// workflow), filtered to tenantID. Expired volatile records are always
// excluded by the underlying store.
func (m *Manager) AgentContext(ctx context.Context, tenantID, agent string, workflow core.WorkflowID) (volatile, persistent []core.MemoryRecord, err error) {
	filter := core.QueryFilter{AgentID: agent, WorkflowID: workflow, TenantID: tenantID}
	return m.dualQuery(ctx, filter)
}

// WorkflowContext returns volatile and persistent records for the whole
// workflow, filtered to tenantID.
func (m *Manager) WorkflowContext(ctx context.Context, tenantID string, workflow core.WorkflowID) (volatile, persistent []core.MemoryRecord, err error) {
	filter := core.QueryFilter{WorkflowID: workflow, TenantID: tenantID}
	return m.dualQuery(ctx, filter)
}

func (m *Manager) dualQuery(ctx context.Context, filter core.QueryFilter) (volatile, persistent []core.MemoryRecord, err error) {
	volatile, err = m.volatile.Query(ctx, filter)
	if err != nil {
		return nil, nil, core.NewError("memory.Query", core.KindToolExecution, err)
	}
	persistent, err = m.persistent.Query(ctx, filter)
	if err != nil {
		return nil, nil, core.NewError("memory.Query", core.KindToolExecution, err)
	}
	return volatile, persistent, nil
}

// Query runs filter against either the persistent or volatile store,
// for callers that don't need the dual-store shape (e.g. a tool looking
// up a lead by a content key).
func (m *Manager) Query(ctx context.Context, persistentStore bool, filter core.QueryFilter) ([]core.MemoryRecord, error) {
	store := m.volatile
	if persistentStore {
		store = m.persistent
	}
	records, err := store.Query(ctx, filter)
	if err != nil {
		return nil, core.NewError("memory.Query", core.KindToolExecution, err)
	}
	return records, nil
}

// Archive copies every volatile record of workflow into persistent
// storage tagged with an archived_at metadata key, then deletes the
// volatile copies. Idempotent: a second call finds nothing left in
// volatile and is a no-op beyond the (cheap) query.
func (m *Manager) Archive(ctx context.Context, workflow core.WorkflowID) error {
	records, err := m.volatile.Query(ctx, core.QueryFilter{WorkflowID: workflow})
	if err != nil {
		return core.NewError("memory.Archive", core.KindToolExecution, err)
	}
	archivedAt := m.clock.Now()
	for _, r := range records {
		archived := r
		archived.ExpiresAt = time.Time{}
		metadata := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		metadata["archived_at"] = archivedAt.Format(time.RFC3339Nano)
		archived.Metadata = metadata

		if err := m.persistent.Save(ctx, archived); err != nil {
			return core.NewError("memory.Archive", core.KindToolExecution, err)
		}
		if err := m.volatile.Delete(ctx, r.ID); err != nil {
			return core.NewError("memory.Archive", core.KindToolExecution, err)
		}
	}
	m.log.Info("workflow archived", "workflow_id", string(workflow), "records", len(records))
	return nil
}
