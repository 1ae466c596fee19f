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

// Package decode implements the Structured Output Decoder (C10): it
// turns an agent's final assistant text into a typed value validated
// against the agent's declared output schema, per spec.md §4.10.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pipewise-ai/pipewise/pkg/core"
)

// Result is the decoded, schema-validated output of a final assistant
// message.
type Result struct {
	Output map[string]any
	Raw    string
}

// Decode strips an optional code fence from text, parses it as JSON, and
// validates the result against schema. On success it returns the parsed
// value; on a parse or validation failure it returns a *core.Error with
// Kind core.KindDecodeError, suitable for CorrectiveMessage (a schema
// validation failure also names the offending JSON path). A schema that
// does not compile yields core.KindInvalidSchema instead.
func Decode(text string, schema map[string]any) (Result, error) {
	cleaned := stripCodeFence(text)

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return Result{}, core.NewError("decode.Decode", core.KindDecodeError, fmt.Errorf("invalid JSON: %w", err))
	}

	if schema != nil {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", schema); err != nil {
			return Result{}, core.NewError("decode.Decode", core.KindInvalidSchema, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return Result{}, core.NewError("decode.Decode", core.KindInvalidSchema, err)
		}
		if err := compiled.Validate(value); err != nil {
			return Result{}, core.NewError("decode.Decode", core.KindDecodeError, validationError{path: pathOf(err), cause: err})
		}
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return Result{}, core.NewError("decode.Decode", core.KindDecodeError, fmt.Errorf("output must decode to a JSON object, got %T", value))
	}
	return Result{Output: obj, Raw: cleaned}, nil
}

// CorrectiveMessage renders the single retry prompt the Agent Runner
// injects into the conversation after the first decode failure, per
// spec.md §4.10. It uses PathOf on the error (if it wraps a
// validationError) to fill in the offending path; an empty path still
// produces a usable message for plain JSON-parse failures.
func CorrectiveMessage(err error) string {
	path := PathOf(err)
	if path == "" {
		return "Your last response did not match the required schema; please re-emit valid JSON."
	}
	return fmt.Sprintf("Your last response did not match the required schema at %s; please re-emit valid JSON.", path)
}

// PathOf extracts the JSON path a decode failure was reported at, or ""
// if err did not originate from a schema validation failure.
func PathOf(err error) string {
	var v validationError
	if errors.As(err, &v) {
		return v.path
	}
	return ""
}

// validationError carries the JSON path a jsonschema validation error
// was reported at, alongside the underlying cause for %w-unwrapping.
type validationError struct {
	path  string
	cause error
}

func (v validationError) Error() string { return v.cause.Error() }
func (v validationError) Unwrap() error { return v.cause }

// pathOf extracts an instance-location path from a jsonschema
// validation error, falling back to "" when the library's error shape
// doesn't expose one (e.g. a schema-load failure rather than a
// per-instance mismatch).
func pathOf(err error) string {
	var verr *jsonschema.ValidationError
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		verr = ve
	}
	if verr == nil {
		return ""
	}
	loc := verr.InstanceLocation
	if len(loc) == 0 {
		return "$"
	}
	return "$/" + strings.Join(loc, "/")
}

// stripCodeFence removes a single surrounding ``` or ```json fence, if
// present, so models that wrap structured output in markdown still
// decode cleanly.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(trimmed[:nl])
		if firstLine == "" || isLanguageTag(firstLine) {
			trimmed = trimmed[nl+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
