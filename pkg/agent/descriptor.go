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

// Package agent implements the Agent Descriptor (C6) and Agent Runner
// (C7): the immutable identity of a registered agent, and the
// tool-calling loop that drives one agent's contribution to a workflow.
package agent

import (
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/registry"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

// ModelParams carries the LLM call tuning a descriptor fixes at
// registration: which model to target, sampling temperature, and the
// reasoning-loop iteration cap.
type ModelParams struct {
	Model         string
	Temperature   float64
	MaxIterations int
}

// SetDefaults fills MaxIterations with a safe loop bound when unset.
func (m *ModelParams) SetDefaults() {
	if m.MaxIterations <= 0 {
		m.MaxIterations = 8
	}
}

// Descriptor is the C6 Agent Descriptor: a registered agent's immutable
// identity. Constructed once at process start via NewDescriptor, which
// validates it against the tool and agent registries it references.
type Descriptor struct {
	id           string
	name         string
	instructions string
	allowedTools map[string]bool
	allowedNext  map[string]bool
	outputSchema map[string]any
	params       ModelParams
}

// Spec is the plain-data shape NewDescriptor validates and freezes into
// a Descriptor.
type Spec struct {
	ID            string
	Name          string
	Instructions  string
	AllowedTools  []string
	AllowedNext   []string
	OutputSchema  map[string]any
	Params        ModelParams
}

// NewDescriptor validates spec against tools (every AllowedTools entry
// must already be registered) and against the set of agent ids that
// will exist once the whole roster is registered (knownAgents — callers
// building a roster pass every id they intend to register, including
// spec.ID itself, so forward references within one roster validate).
// It enforces spec.md §4.6: allowed-tools ⊆ C1's registered names,
// allowed-handoffs ⊆ registered agents, output schema well-formed,
// max-iterations ≥ 1 (SetDefaults fills the zero value first).
func NewDescriptor(spec Spec, tools *tool.Registry, knownAgents map[string]bool) (*Descriptor, error) {
	if spec.ID == "" {
		return nil, core.NewError("agent.NewDescriptor", core.KindInvalidInput, fmt.Errorf("id is required"))
	}

	allowedTools := make(map[string]bool, len(spec.AllowedTools))
	for _, name := range spec.AllowedTools {
		if _, err := tools.Resolve(name); err != nil {
			return nil, core.NewError("agent.NewDescriptor", core.KindInvalidInput,
				fmt.Errorf("agent %q allows unregistered tool %q: %w", spec.ID, name, err))
		}
		allowedTools[name] = true
	}

	allowedNext := make(map[string]bool, len(spec.AllowedNext))
	for _, id := range spec.AllowedNext {
		if !knownAgents[id] {
			return nil, core.NewError("agent.NewDescriptor", core.KindInvalidInput,
				fmt.Errorf("agent %q allows handoff to unregistered agent %q", spec.ID, id))
		}
		allowedNext[id] = true
	}

	if spec.OutputSchema != nil {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", spec.OutputSchema); err != nil {
			return nil, core.NewError("agent.NewDescriptor", core.KindInvalidSchema, err)
		}
		if _, err := c.Compile("schema.json"); err != nil {
			return nil, core.NewError("agent.NewDescriptor", core.KindInvalidSchema, err)
		}
	}

	spec.Params.SetDefaults()
	if spec.Params.MaxIterations < 1 {
		return nil, core.NewError("agent.NewDescriptor", core.KindInvalidInput, fmt.Errorf("max_iterations must be >= 1"))
	}

	return &Descriptor{
		id:           spec.ID,
		name:         spec.Name,
		instructions: spec.Instructions,
		allowedTools: allowedTools,
		allowedNext:  allowedNext,
		outputSchema: spec.OutputSchema,
		params:       spec.Params,
	}, nil
}

// ID returns the descriptor's stable identifier. Satisfies
// handoff.AllowedHandoffs.
func (d *Descriptor) ID() string { return d.id }

// Name returns the descriptor's human-readable name.
func (d *Descriptor) Name() string { return d.name }

// Instructions returns the system-prompt body for this agent.
func (d *Descriptor) Instructions() string { return d.instructions }

// OutputSchema returns the declared typed output schema, or nil if this
// agent's final answer is unconstrained free text.
func (d *Descriptor) OutputSchema() map[string]any { return d.outputSchema }

// Params returns the model tuning fixed at registration.
func (d *Descriptor) Params() ModelParams { return d.params }

// AllowedTools satisfies tool.SchemaVisible.
func (d *Descriptor) AllowedTools() map[string]bool { return d.allowedTools }

// AllowsHandoffTo satisfies handoff.AllowedHandoffs.
func (d *Descriptor) AllowsHandoffTo(agentID string) bool { return d.allowedNext[agentID] }

// AllowedHandoffIDs returns the sorted set of agent ids this descriptor
// may hand off to, used to build synthetic handoff tool schemas (§4.7
// step 1).
func (d *Descriptor) AllowedHandoffIDs() []string {
	out := make([]string, 0, len(d.allowedNext))
	for id := range d.allowedNext {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Roster is the C6 registry of every Descriptor known to the process,
// constructed once at start-up and read-only thereafter.
type Roster struct {
	base *registry.BaseRegistry[*Descriptor]
}

// NewRoster returns an empty Roster.
func NewRoster() *Roster {
	return &Roster{base: registry.NewBaseRegistry[*Descriptor]()}
}

// Register adds d to the roster.
func (r *Roster) Register(d *Descriptor) error {
	if err := r.base.Register(d.ID(), d); err != nil {
		return core.NewError("agent.Roster.Register", core.KindInvalidInput, err)
	}
	return nil
}

// Resolve looks up a registered Descriptor by id.
func (r *Roster) Resolve(id string) (*Descriptor, error) {
	d, ok := r.base.Get(id)
	if !ok {
		return nil, core.NewError("agent.Roster.Resolve", core.KindUnknownAgent, fmt.Errorf("agent %q not registered", id))
	}
	return d, nil
}

// IDs returns every registered agent id, used to validate AllowedNext
// sets across a whole roster build.
func (r *Roster) IDs() map[string]bool {
	out := make(map[string]bool, r.base.Count())
	for _, d := range r.base.List() {
		out[d.ID()] = true
	}
	return out
}
