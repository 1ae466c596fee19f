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

// Package crmtools implements the built-in local CRM tools named in the
// external interfaces list: get_lead_by_id, update_lead_qualification,
// and schedule_meeting_for_lead. Each tool's argument schema is derived
// from its Go argument struct, so the struct is the single source of
// truth for both the schema shown to the model and the type the
// invoker unmarshals into.
package crmtools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema reflects a Go struct into the flat parameter-object
// shape the Agent Runner's tool-calling loop expects: a top-level
// "object" schema with "properties" and "required", no $schema/$id/$ref
// noise.
func generateSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("crmtools: reflect schema for %T: %v", *new(T), err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("crmtools: decode schema for %T: %v", *new(T), err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func argsTo[T any](raw map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal args: %w", err)
	}
	return out, nil
}
