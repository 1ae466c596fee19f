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

// Package tool defines the Tool Registry (C1): the capability set every
// callable tool implements, and the registry that indexes ToolSpecs by
// name and scopes them per agent.
package tool

import (
	"context"

	"github.com/pipewise-ai/pipewise/pkg/core"
)

// Locality identifies where a tool is actually implemented.
type Locality string

const (
	LocalityLocal Locality = "local"
	mcpPrefix              = "mcp:"
)

// MCPLocality builds the locality string for a tool proxied from the
// named MCP server.
func MCPLocality(server string) Locality {
	return Locality(mcpPrefix + server)
}

// Context is the per-call context handed to an Invoker: cancellation,
// the tenant that issued the call, and an opaque handle to collaborators
// a tool implementation needs (the memory manager, principally). The
// handle is typed loosely (any) deliberately — pkg/tool must not import
// pkg/memory, or the dependency would cycle back through pkg/crmtools.
type Context struct {
	context.Context
	Tenant     core.TenantContext
	AgentID    string
	WorkflowID core.WorkflowID
	Deps       any
}

// Invoker executes a tool call. It receives arguments already validated
// against the tool's JSON schema.
type Invoker func(ctx Context, args map[string]any) core.ToolResult

// Spec is the C1 ToolSpec: a registered tool's identity, schema, and
// invoker. Immutable once registered.
type Spec struct {
	Name     string
	Schema   map[string]any
	Locality Locality
	Invoke   Invoker
}

// IsLocal reports whether this spec is implemented in-process.
func (s Spec) IsLocal() bool { return s.Locality == LocalityLocal }

// IsRemote reports whether this spec is an MCP proxy, and if so returns
// the server name it was registered under.
func (s Spec) IsRemote() (server string, ok bool) {
	if len(s.Locality) > len(mcpPrefix) && string(s.Locality[:len(mcpPrefix)]) == mcpPrefix {
		return string(s.Locality[len(mcpPrefix):]), true
	}
	return "", false
}
