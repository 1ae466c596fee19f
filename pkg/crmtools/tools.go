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

package crmtools

import (
	"fmt"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/memory"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

// Config configures the built-in CRM tools.
type Config struct {
	// FallbackMeetingBaseURL is the host of every meeting URL
	// schedule_meeting_for_lead produces, whether or not the caller marks
	// the request as a fallback; the fallback flag is only recorded
	// alongside the URL.
	FallbackMeetingBaseURL string `yaml:"fallback_meeting_base_url"`
}

// SetDefaults applies defaults in the teacher's style.
func (c *Config) SetDefaults() {
	if c.FallbackMeetingBaseURL == "" {
		c.FallbackMeetingBaseURL = "https://meetings.pipewise.internal"
	}
}

var eventTypes = map[string]bool{
	"Sales Call":              true,
	"Demo":                    true,
	"Executive Consultation":  true,
	"Discovery Call":          true,
	"Technical Demo":          true,
}

// GetLeadByIDArgs is the argument struct for get_lead_by_id.
type GetLeadByIDArgs struct {
	LeadID string `json:"lead_id" jsonschema:"required,description=Identifier of the lead to look up"`
}

// UpdateLeadQualificationArgs is the argument struct for update_lead_qualification.
type UpdateLeadQualificationArgs struct {
	LeadID    string `json:"lead_id" jsonschema:"required,description=Identifier of the lead being qualified"`
	Qualified bool   `json:"qualified" jsonschema:"required,description=Whether the lead qualifies for further engagement"`
	Reason    string `json:"reason" jsonschema:"required,description=Non-empty justification for the qualification decision"`
}

// ScheduleMeetingForLeadArgs is the argument struct for schedule_meeting_for_lead.
type ScheduleMeetingForLeadArgs struct {
	LeadID    string `json:"lead_id" jsonschema:"required,description=Identifier of the lead the meeting is for"`
	EventType string `json:"event_type" jsonschema:"required,description=One of: Sales Call, Demo, Executive Consultation, Discovery Call, Technical Demo"`
	Fallback  bool   `json:"fallback,omitempty" jsonschema:"description=Set true when invoked because the primary MCP scheduling tool was unavailable"`
}

// Register builds the three CRM Specs and adds them to reg. deps backs
// the memory reads/writes the tools perform; cfg controls the fallback
// meeting URL host.
func Register(reg *tool.Registry, deps memory.Context, clock core.Clock, random core.Random, cfg Config) error {
	cfg.SetDefaults()

	if err := reg.Register(tool.Spec{
		Name:     "get_lead_by_id",
		Locality: tool.LocalityLocal,
		Schema:   generateSchema[GetLeadByIDArgs](),
		Invoke:   getLeadByID(deps),
	}); err != nil {
		return err
	}

	if err := reg.Register(tool.Spec{
		Name:     "update_lead_qualification",
		Locality: tool.LocalityLocal,
		Schema:   generateSchema[UpdateLeadQualificationArgs](),
		Invoke:   updateLeadQualification(deps, clock, random),
	}); err != nil {
		return err
	}

	if err := reg.Register(tool.Spec{
		Name:     "schedule_meeting_for_lead",
		Locality: tool.LocalityLocal,
		Schema:   generateSchema[ScheduleMeetingForLeadArgs](),
		Invoke:   scheduleMeetingForLead(deps, clock, random, cfg),
	}); err != nil {
		return err
	}

	return nil
}

func leadFilter(tenant, leadID string) core.QueryFilter {
	return core.QueryFilter{
		TenantID:      tenant,
		Tags:          []string{"lead"},
		MetadataKey:   "lead_id",
		MetadataValue: leadID,
	}
}

func getLeadByID(deps memory.Context) tool.Invoker {
	return func(ctx tool.Context, args map[string]any) core.ToolResult {
		a, err := argsTo[GetLeadByIDArgs](args)
		if err != nil {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindSchema, Message: err.Error()}
		}

		persistent, err := deps.Query(ctx, true, leadFilter(ctx.Tenant.TenantID, a.LeadID))
		if err != nil {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindRemote, Message: err.Error()}
		}
		if len(persistent) == 0 {
			return core.ToolResult{
				Success: true,
				Result:  map[string]any{"lead_id": a.LeadID, "found": false},
			}
		}

		latest := persistent[len(persistent)-1]
		result := map[string]any{"lead_id": a.LeadID, "found": true}
		for k, v := range latest.Content {
			result[k] = v
		}
		return core.ToolResult{Success: true, Result: result}
	}
}

func updateLeadQualification(deps memory.Context, clock core.Clock, random core.Random) tool.Invoker {
	return func(ctx tool.Context, args map[string]any) core.ToolResult {
		a, err := argsTo[UpdateLeadQualificationArgs](args)
		if err != nil {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindSchema, Message: err.Error()}
		}
		if a.Reason == "" {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindSchema, Message: "reason must be non-empty"}
		}

		workflow := ctx.WorkflowID
		content := map[string]any{
			"lead_id":   a.LeadID,
			"qualified": a.Qualified,
			"reason":    a.Reason,
		}
		metadata := map[string]any{"tenant_id": ctx.Tenant.TenantID, "lead_id": a.LeadID}

		rec, err := deps.SaveBoth(ctx, ctx.AgentID, workflow, content, []string{"lead", "qualification"}, metadata)
		if err != nil {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindRemote, Message: err.Error()}
		}
		return core.ToolResult{Success: true, Result: map[string]any{"record_id": rec.ID, "lead_id": a.LeadID, "qualified": a.Qualified}}
	}
}

func scheduleMeetingForLead(deps memory.Context, clock core.Clock, random core.Random, cfg Config) tool.Invoker {
	return func(ctx tool.Context, args map[string]any) core.ToolResult {
		a, err := argsTo[ScheduleMeetingForLeadArgs](args)
		if err != nil {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindSchema, Message: err.Error()}
		}
		if !eventTypes[a.EventType] {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindSchema, Message: fmt.Sprintf("unknown event_type %q", a.EventType)}
		}

		workflow := ctx.WorkflowID
		bookingID := random.UUID()
		meetingURL := fmt.Sprintf("%s/book/%s", cfg.FallbackMeetingBaseURL, bookingID)

		content := map[string]any{
			"lead_id":     a.LeadID,
			"event_type":  a.EventType,
			"meeting_url": meetingURL,
			"fallback":    a.Fallback,
		}
		metadata := map[string]any{"tenant_id": ctx.Tenant.TenantID, "lead_id": a.LeadID}

		rec, err := deps.SaveVolatile(ctx, ctx.AgentID, workflow, content, []string{"meeting_scheduled"}, metadata, 0)
		if err != nil {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindRemote, Message: err.Error()}
		}
		return core.ToolResult{Success: true, Result: map[string]any{
			"record_id":   rec.ID,
			"meeting_url": meetingURL,
			"event_type":  a.EventType,
			"fallback":    a.Fallback,
		}}
	}
}

