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

// Package openai implements llm.Client on top of the OpenAI Chat
// Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/pipewise-ai/pipewise/pkg/llm"
)

// ChatClient is the subset of the OpenAI SDK used by Client, satisfied
// by the real client's Chat.Completions field so tests can supply a fake.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config configures the adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string `yaml:"default_model"`

	// HTTPClient, when set, replaces the SDK's default transport — used
	// to route calls through pkg/httpclient's retry/backoff/rate-limit
	// handling instead of a bare http.Client.
	HTTPClient *http.Client
}

// SetDefaults applies the teacher's zero-value-safe convention.
func (c *Config) SetDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = openai.ChatModelGPT4o
	}
}

// Client implements llm.Client against OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds a Client from an explicit ChatClient, useful for tests.
func New(chat ChatClient, cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{chat: chat, defaultModel: cfg.DefaultModel}
}

// NewFromConfig constructs a Client backed by the real OpenAI SDK client.
func NewFromConfig(cfg Config) *Client {
	cfg.SetDefaults()
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	oc := openai.NewClient(opts...)
	return New(oc.Chat.Completions, cfg)
}

var _ llm.Client = (*Client)(nil)

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.AssistantMessage, error) {
	params := c.prepareRequest(req)

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return llm.AssistantMessage{}, c.classify(err, req.Model)
	}
	return translateResponse(resp), nil
}

func (c *Client) prepareRequest(req llm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: encodeMessages(req),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params
}

func encodeMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.ArgumentsRaw,
					},
				})
			}
			asst := openai.AssistantMessage(m.Content)
			asst.OfAssistant.ToolCalls = calls
			out = append(out, asst)
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		}
	}
	return out
}

func encodeTools(tools []llm.ToolSchema) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

func translateResponse(resp *openai.ChatCompletion) llm.AssistantMessage {
	var out llm.AssistantMessage
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:           tc.ID,
				Name:         tc.Function.Name,
				ArgumentsRaw: tc.Function.Arguments,
			})
		}
	}
	out.Usage = llm.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	return out
}

func (c *Client) classify(err error, model string) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &llm.Error{Kind: llm.FailurePermanent, Provider: "openai", Model: model, Err: err}
	}

	e := &llm.Error{Provider: "openai", Model: model, StatusCode: apiErr.StatusCode, Err: err}
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

const defaultRateLimitRetryAfter = 2 * time.Second
