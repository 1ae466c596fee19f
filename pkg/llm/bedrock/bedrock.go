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

// Package bedrock implements llm.Client on top of the AWS Bedrock
// Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/pipewise-ai/pipewise/pkg/llm"
)

// RuntimeClient is the subset of the Bedrock runtime SDK used by Client,
// satisfied by *bedrockruntime.Client so tests can supply a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Config configures the adapter.
type Config struct {
	Region       string
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
	Temperature  float64

	// HTTPClient, when set, replaces the AWS SDK's default transport —
	// used to route calls through pkg/httpclient's retry/backoff/
	// rate-limit handling instead of a bare http.Client.
	HTTPClient *http.Client
}

// SetDefaults applies the teacher's zero-value-safe convention.
func (c *Config) SetDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}

// Client implements llm.Client against the Bedrock Converse API.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds a Client from an explicit RuntimeClient, useful for tests.
func New(runtime RuntimeClient, cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{runtime: runtime, defaultModel: cfg.DefaultModel, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}
}

// NewFromConfig constructs a Client backed by the real Bedrock runtime
// client, loading credentials from the default AWS credential chain.
func NewFromConfig(ctx context.Context, cfg Config) (*Client, error) {
	cfg.SetDefaults()
	var opts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awscfg.WithRegion(cfg.Region))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, awscfg.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

var _ llm.Client = (*Client)(nil)

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.AssistantMessage, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return llm.AssistantMessage{}, &llm.Error{Kind: llm.FailurePermanent, Provider: "bedrock", Model: req.Model, Err: err}
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return llm.AssistantMessage{}, c.classify(err, req.Model)
	}
	return translateResponse(out)
}

func (c *Client) prepareRequest(req llm.Request) (*bedrockruntime.ConverseInput, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages, system, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeTools(req.Tools)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	var inference brtypes.InferenceConfiguration
	if maxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temperature > 0 {
		inference.Temperature = aws.Float32(float32(temperature))
	}
	if inference.MaxTokens != nil || inference.Temperature != nil {
		input.InferenceConfig = &inference
	}
	return input, nil
}

func encodeMessages(req llm.Request) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	if req.System != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}

	conversation := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		case llm.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case llm.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     toDocument(tc.ArgumentsRaw),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
		case llm.RoleTool:
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
				}}},
			})
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(tools []llm.ToolSchema) *brtypes.ToolConfiguration {
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(t.Parameters)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: specs}
}

// toDocument bridges an adapter-neutral JSON value (a raw-JSON string, a
// map[string]any, or anything else json.Marshal accepts) into Bedrock's
// smithy document type.
func toDocument(v any) document.Interface {
	switch val := v.(type) {
	case nil:
		return document.NewLazyDocument(map[string]any{"type": "object"})
	case string:
		if val == "" {
			return document.NewLazyDocument(map[string]any{"type": "object"})
		}
		var decoded any
		if err := json.Unmarshal([]byte(val), &decoded); err != nil {
			return document.NewLazyDocument(map[string]any{"type": "object"})
		}
		return document.NewLazyDocument(decoded)
	default:
		return document.NewLazyDocument(val)
	}
}

// decodeDocument reverses toDocument, extracting the raw JSON payload
// Bedrock returned for a tool_use block's input.
func decodeDocument(doc document.Interface) string {
	if doc == nil {
		return ""
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return ""
	}
	return string(data)
}

func translateResponse(out *bedrockruntime.ConverseOutput) (llm.AssistantMessage, error) {
	if out == nil {
		return llm.AssistantMessage{}, errors.New("bedrock: nil response")
	}
	var result llm.AssistantMessage
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				result.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				var id, name string
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
					ID:           id,
					Name:         name,
					ArgumentsRaw: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if out.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     int(ptrValue(out.Usage.InputTokens)),
			CompletionTokens: int(ptrValue(out.Usage.OutputTokens)),
			TotalTokens:      int(ptrValue(out.Usage.TotalTokens)),
		}
	}
	return result, nil
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

func (c *Client) classify(err error, model string) error {
	e := &llm.Error{Provider: "bedrock", Model: model, Err: err}

	if isRateLimited(err) {
		e.Kind = llm.FailureRateLimited
		e.RetryAfter = defaultRateLimitRetryAfter
		return e
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		e.StatusCode = respErr.HTTPStatusCode()
		switch e.StatusCode {
		case 401, 403, 400:
			e.Kind = llm.FailurePermanent
		default:
			e.Kind = llm.FailureTransient
		}
		return e
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "AccessDeniedException":
			e.Kind = llm.FailurePermanent
		default:
			e.Kind = llm.FailureTransient
		}
		return e
	}

	e.Kind = llm.FailurePermanent
	return e
}

// isRateLimited reports whether err represents a provider throttling
// response, via either the smithy error code or the raw HTTP status.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

const defaultRateLimitRetryAfter = 2 * time.Second
