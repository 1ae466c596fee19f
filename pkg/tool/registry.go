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

package tool

import (
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/registry"
)

// Registry holds Specs indexed by name. It is read-mostly: all writes
// happen at process start via Register; after that, reads require no
// locking beyond what the underlying BaseRegistry already provides.
type Registry struct {
	base *registry.BaseRegistry[Spec]
}

// NewRegistry returns an empty tool Registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Spec]()}
}

// Register adds spec to the registry. Fails with core.KindDuplicateTool
// if the name is already taken, or core.KindInvalidSchema if the
// parameter schema does not compile as a JSON-schema document.
func (r *Registry) Register(spec Spec) error {
	if err := validateSchema(spec.Schema); err != nil {
		return core.NewError("tool.Register", core.KindInvalidSchema, err)
	}
	if err := r.base.Register(spec.Name, spec); err != nil {
		return core.NewError("tool.Register", core.KindDuplicateTool, err)
	}
	return nil
}

// Resolve looks up a registered Spec by name.
func (r *Registry) Resolve(name string) (Spec, error) {
	spec, ok := r.base.Get(name)
	if !ok {
		return Spec{}, core.NewError("tool.Resolve", core.KindUnknownTool, fmt.Errorf("tool %q not registered", name))
	}
	return spec, nil
}

// Remove unregisters a tool, used by the MCP client pool when a server's
// manifest changes (Pool.Invalidate). Pool.Close removes no tools.
func (r *Registry) Remove(name string) error {
	return r.base.Remove(name)
}

// SchemaVisible is anything that can report the tool names an agent may
// invoke. pkg/agent.Descriptor satisfies this without pkg/tool needing
// to import pkg/agent.
type SchemaVisible interface {
	AllowedTools() map[string]bool
}

// SchemasFor returns the subset of registered tool specs visible to the
// given agent, sorted alphabetically by name so prompt caching on the
// LLM side is effective across repeated calls with the same tool set.
func (r *Registry) SchemasFor(agent SchemaVisible) []Spec {
	allowed := agent.AllowedTools()
	all := r.base.List()
	out := make([]Spec, 0, len(all))
	for _, spec := range all {
		if allowed[spec.Name] {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every registered spec, for diagnostics. Order is
// unspecified.
func (r *Registry) All() []Spec {
	return r.base.List()
}

// Count reports the number of registered tools.
func (r *Registry) Count() int { return r.base.Count() }

func validateSchema(schema map[string]any) error {
	if schema == nil {
		// A tool with no parameters is valid: nothing to compile.
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// ValidateArgs validates args against spec's declared schema, returning
// a core.KindInvalidInput error describing the offending path on
// mismatch. Called by the Agent Runner before dispatching a tool call.
func ValidateArgs(spec Spec, args map[string]any) error {
	if spec.Schema == nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", spec.Schema); err != nil {
		return core.NewError("tool.ValidateArgs", core.KindInvalidSchema, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return core.NewError("tool.ValidateArgs", core.KindInvalidSchema, err)
	}
	if err := compiled.Validate(map[string]any(args)); err != nil {
		return core.NewError("tool.ValidateArgs", core.KindInvalidInput, err)
	}
	return nil
}
