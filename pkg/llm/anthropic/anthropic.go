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

// Package anthropic implements llm.Client on top of the Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pipewise-ai/pipewise/pkg/llm"
)

// MessagesClient is the subset of the Anthropic SDK used by Client,
// satisfied by *sdk.MessageService so tests can supply a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config configures the adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`

	// HTTPClient, when set, replaces the SDK's default transport — used
	// to route calls through pkg/httpclient's retry/backoff/rate-limit
	// handling instead of a bare http.Client.
	HTTPClient *http.Client
}

// SetDefaults applies the teacher's convention of zero-value-safe defaults.
func (c *Config) SetDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}

// Client implements llm.Client against the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// New builds a Client from an explicit MessagesClient, useful for tests.
func New(msg MessagesClient, cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{msg: msg, defaultModel: cfg.DefaultModel, maxTokens: cfg.MaxTokens}
}

// NewFromConfig constructs a Client backed by the real Anthropic SDK client.
func NewFromConfig(cfg Config) *Client {
	cfg.SetDefaults()
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	sc := sdk.NewClient(opts...)
	return New(&sc.Messages, cfg)
}

var _ llm.Client = (*Client)(nil)

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.AssistantMessage, error) {
	params := c.prepareRequest(req)

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llm.AssistantMessage{}, c.classify(err, req.Model)
	}
	return translateResponse(msg), nil
}

func (c *Client) prepareRequest(req llm.Request) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  encodeMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params
}

func encodeMessages(msgs []llm.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args any
				_ = json.Unmarshal([]byte(tc.ArgumentsRaw), &args)
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case llm.RoleSystem:
			// folded into params.System by the caller
		}
	}
	return out
}

func encodeTools(tools []llm.ToolSchema) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Parameters}, t.Name)
		if t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateResponse(msg *sdk.Message) llm.AssistantMessage {
	var out llm.AssistantMessage
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:           block.ID,
				Name:         block.Name,
				ArgumentsRaw: string(block.Input),
			})
		}
	}
	out.Usage = llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out
}

func (c *Client) classify(err error, model string) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return &llm.Error{Kind: llm.FailurePermanent, Provider: "anthropic", Model: model, Err: err}
	}

	e := &llm.Error{Provider: "anthropic", Model: model, StatusCode: apiErr.StatusCode, Err: err}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		e.Kind = llm.FailureRateLimited
		e.RetryAfter = defaultRateLimitRetryAfter
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden, apiErr.StatusCode == http.StatusBadRequest:
		e.Kind = llm.FailurePermanent
	default:
		e.Kind = llm.FailureTransient
	}
	return e
}

// defaultRateLimitRetryAfter is used when the provider response doesn't
// carry a parseable Retry-After header.
const defaultRateLimitRetryAfter = 2 * time.Second
