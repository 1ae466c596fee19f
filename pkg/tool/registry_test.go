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

package tool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

type fakeAgent struct{ allowed map[string]bool }

func (f fakeAgent) AllowedTools() map[string]bool { return f.allowed }

func echoSpec(name string) tool.Spec {
	return tool.Spec{
		Name:     name,
		Locality: tool.LocalityLocal,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
			"required": []any{"value"},
		},
		Invoke: func(ctx tool.Context, args map[string]any) core.ToolResult {
			return core.ToolResult{Success: true, Result: args["value"]}
		},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoSpec("zeta")))
	require.NoError(t, r.Register(echoSpec("alpha")))

	spec, err := r.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", spec.Name)

	_, err = r.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, core.KindUnknownTool, core.KindOf(err))
}

func TestRegistryDuplicateName(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoSpec("dup")))
	err := r.Register(echoSpec("dup"))
	require.Error(t, err)
	assert.Equal(t, core.KindDuplicateTool, core.KindOf(err))
}

func TestRegistryInvalidSchema(t *testing.T) {
	r := tool.NewRegistry()
	spec := echoSpec("bad")
	spec.Schema = map[string]any{"type": 123} // not a valid schema keyword value
	err := r.Register(spec)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidSchema, core.KindOf(err))
}

func TestSchemasForIsAlphabeticalAndFiltered(t *testing.T) {
	r := tool.NewRegistry()
	require.NoError(t, r.Register(echoSpec("zeta")))
	require.NoError(t, r.Register(echoSpec("alpha")))
	require.NoError(t, r.Register(echoSpec("middle")))

	agent := fakeAgent{allowed: map[string]bool{"zeta": true, "alpha": true}}
	specs := r.SchemasFor(agent)
	require.Len(t, specs, 2)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "zeta", specs[1].Name)
}

func TestValidateArgsRejectsMissingRequired(t *testing.T) {
	spec := echoSpec("needs-value")
	err := tool.ValidateArgs(spec, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))

	err = tool.ValidateArgs(spec, map[string]any{"value": "ok"})
	require.NoError(t, err)
}
