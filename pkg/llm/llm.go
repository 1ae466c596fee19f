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

// Package llm defines the adapter-neutral LLM Client Adapter (C9): a
// narrow request/response surface that pkg/llm/anthropic,
// pkg/llm/openai, and pkg/llm/bedrock each implement by translating to
// and from their provider's wire shape.
package llm

import (
	"context"
	"errors"
	"time"
)

// Role mirrors core.Role for the subset relevant to LLM requests.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID           string
	Name         string
	ArgumentsRaw string // raw JSON, as emitted by the provider
}

// Message is one entry in a Request's conversation.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // populated on assistant messages that call tools
	ToolCallID string     // populated on tool-role messages, correlating to ToolCall.ID
}

// ToolSchema describes one tool available to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema
}

// Request is the adapter-neutral input to Client.Generate.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Model       string
	Temperature float64
	MaxTokens   int
}

// AssistantMessage is the adapter-neutral output of Client.Generate.
type AssistantMessage struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// HasToolCalls reports whether the model requested any tool invocations.
func (m AssistantMessage) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Usage carries token accounting, when the provider reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client is the narrow surface every provider adapter implements.
type Client interface {
	// Generate issues one request and returns the complete assistant
	// message (including all tool calls), buffering internally if the
	// underlying transport streams.
	Generate(ctx context.Context, req Request) (AssistantMessage, error)
}

// FailureKind classifies a Client.Generate error for the Agent Runner's
// retry policy (spec.md §4.9).
type FailureKind string

const (
	// FailureTransient covers network errors and 5xx responses; the
	// runner retries these with backoff.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers auth failures and invalid requests; the
	// runner surfaces these immediately as UpstreamError.
	FailurePermanent FailureKind = "permanent"
	// FailureRateLimited covers 429 responses; the runner honours
	// RetryAfter and blocks the workflow's task for that duration.
	FailureRateLimited FailureKind = "rate_limited"
)

// Error wraps a provider failure with its classification. Adapters
// should always return one of these (or a plain error, which the
// runner treats as Permanent) rather than a bare provider SDK error.
type Error struct {
	Kind       FailureKind
	Provider   string
	Model      string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the FailureKind from err, defaulting to
// FailurePermanent for errors that did not originate from an adapter
// (unclassified failures are treated conservatively: don't retry).
func KindOf(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return FailurePermanent
}

// RetryAfterOf extracts the retry-after hint, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
