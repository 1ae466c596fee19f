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
	"sync"
	"time"

	"github.com/pipewise-ai/pipewise/pkg/core"
)

// VolatileStore is the in-process, TTL-bounded store. All state is
// guarded by one RWMutex; secondary indices are maintained under the
// same lock, matching the single-internal-lock concurrency rule.
type VolatileStore struct {
	clock core.Clock

	mu      sync.RWMutex
	records map[string]core.MemoryRecord
	byWorkflow map[core.WorkflowID]map[string]struct{}
	byAgentWorkflow map[string]map[string]struct{} // key: agentID + "\x00" + workflowID
	byTag   map[string]map[string]struct{}
}

// NewVolatileStore returns an empty VolatileStore using clock for TTL
// and timestamp decisions.
func NewVolatileStore(clock core.Clock) *VolatileStore {
	return &VolatileStore{
		clock:           clock,
		records:         make(map[string]core.MemoryRecord),
		byWorkflow:      make(map[core.WorkflowID]map[string]struct{}),
		byAgentWorkflow: make(map[string]map[string]struct{}),
		byTag:           make(map[string]map[string]struct{}),
	}
}

func agentWorkflowKey(agent string, workflow core.WorkflowID) string {
	return agent + "\x00" + string(workflow)
}

func (s *VolatileStore) Save(ctx context.Context, record core.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.ID]; ok {
		s.unindexLocked(existing)
		if !record.UpdatedAt.After(existing.UpdatedAt) {
			record.UpdatedAt = s.clock.Now()
		}
	}
	s.records[record.ID] = record
	s.indexLocked(record)
	return nil
}

func (s *VolatileStore) indexLocked(r core.MemoryRecord) {
	if _, ok := s.byWorkflow[r.WorkflowID]; !ok {
		s.byWorkflow[r.WorkflowID] = make(map[string]struct{})
	}
	s.byWorkflow[r.WorkflowID][r.ID] = struct{}{}

	awKey := agentWorkflowKey(r.AgentID, r.WorkflowID)
	if _, ok := s.byAgentWorkflow[awKey]; !ok {
		s.byAgentWorkflow[awKey] = make(map[string]struct{})
	}
	s.byAgentWorkflow[awKey][r.ID] = struct{}{}

	for _, tag := range r.Tags {
		if _, ok := s.byTag[tag]; !ok {
			s.byTag[tag] = make(map[string]struct{})
		}
		s.byTag[tag][r.ID] = struct{}{}
	}
}

func (s *VolatileStore) unindexLocked(r core.MemoryRecord) {
	delete(s.byWorkflow[r.WorkflowID], r.ID)
	delete(s.byAgentWorkflow[agentWorkflowKey(r.AgentID, r.WorkflowID)], r.ID)
	for _, tag := range r.Tags {
		delete(s.byTag[tag], r.ID)
	}
}

func (s *VolatileStore) Get(ctx context.Context, id string) (core.MemoryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok || r.Expired(s.clock.Now()) {
		return core.MemoryRecord{}, false, nil
	}
	return r, true, nil
}

func (s *VolatileStore) Query(ctx context.Context, filter core.QueryFilter) ([]core.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidateIDsLocked(filter)
	now := s.clock.Now()
	out := make([]core.MemoryRecord, 0, len(candidates))
	for id := range candidates {
		r, ok := s.records[id]
		if !ok || r.Expired(now) {
			continue
		}
		if matchesFilter(r, filter) {
			out = append(out, r)
		}
	}
	return out, nil
}

// candidateIDsLocked narrows the scan using whichever index is most
// selective for the filter; falls back to a full scan otherwise.
func (s *VolatileStore) candidateIDsLocked(filter core.QueryFilter) map[string]struct{} {
	switch {
	case filter.AgentID != "" && filter.WorkflowID != "":
		ids := s.byAgentWorkflow[agentWorkflowKey(filter.AgentID, filter.WorkflowID)]
		return cloneSet(ids)
	case filter.WorkflowID != "":
		ids := s.byWorkflow[filter.WorkflowID]
		return cloneSet(ids)
	case len(filter.Tags) > 0:
		return cloneSet(s.byTag[filter.Tags[0]])
	default:
		all := make(map[string]struct{}, len(s.records))
		for id := range s.records {
			all[id] = struct{}{}
		}
		return all
	}
}

func cloneSet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

func (s *VolatileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil
	}
	s.unindexLocked(r)
	delete(s.records, id)
	return nil
}

// CleanupExpired sweeps expired records, acquiring the lock briefly per
// batch (here: once, since the volatile store is in-process and a single
// pass is cheap). Invoked by the sweeper goroutine on a ticker.
func (s *VolatileStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, r := range s.records {
		if r.Expired(now) {
			s.unindexLocked(r)
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Sweep runs CleanupExpired on interval until ctx is cancelled. It is
// started once by the process bootstrapper.
func (s *VolatileStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.CleanupExpired(ctx)
		}
	}
}

func matchesFilter(r core.MemoryRecord, f core.QueryFilter) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TenantID != "" && r.Tenant() != f.TenantID {
		return false
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	if f.ContentKey != "" {
		if r.Content == nil {
			return false
		}
		if _, ok := r.Content[f.ContentKey]; !ok {
			return false
		}
	}
	if f.MetadataKey != "" {
		if r.Metadata == nil {
			return false
		}
		v, ok := r.Metadata[f.MetadataKey]
		if !ok {
			return false
		}
		if f.MetadataValue != nil && v != f.MetadataValue {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && r.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && r.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

var _ Store = (*VolatileStore)(nil)
