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

package decode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/decode"
)

var leadSchema = map[string]any{
	"type":     "object",
	"required": []any{"lead_id", "qualified"},
	"properties": map[string]any{
		"lead_id":   map[string]any{"type": "string"},
		"qualified": map[string]any{"type": "boolean"},
	},
}

func TestDecodePlainJSON(t *testing.T) {
	res, err := decode.Decode(`{"lead_id":"L-1","qualified":true}`, leadSchema)
	require.NoError(t, err)
	assert.Equal(t, "L-1", res.Output["lead_id"])
	assert.Equal(t, true, res.Output["qualified"])
}

func TestDecodeStripsCodeFence(t *testing.T) {
	text := "```json\n{\"lead_id\":\"L-2\",\"qualified\":false}\n```"
	res, err := decode.Decode(text, leadSchema)
	require.NoError(t, err)
	assert.Equal(t, "L-2", res.Output["lead_id"])
}

func TestDecodeInvalidJSONReturnsDecodeError(t *testing.T) {
	_, err := decode.Decode("not json at all", leadSchema)
	require.Error(t, err)
	assert.Equal(t, core.KindDecodeError, core.KindOf(err))
}

func TestDecodeSchemaMismatchReturnsPathInCorrectiveMessage(t *testing.T) {
	_, err := decode.Decode(`{"lead_id":"L-3"}`, leadSchema)
	require.Error(t, err)
	assert.Equal(t, core.KindDecodeError, core.KindOf(err))

	msg := decode.CorrectiveMessage(err)
	assert.Contains(t, msg, "did not match the required schema")
	assert.Contains(t, msg, "re-emit valid JSON")
}

func TestDecodeNoSchemaSkipsValidation(t *testing.T) {
	res, err := decode.Decode(`{"anything":"goes"}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "goes", res.Output["anything"])
}

func TestDecodeNonObjectIsDecodeError(t *testing.T) {
	_, err := decode.Decode(`"just a string"`, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindDecodeError, core.KindOf(err))
}
