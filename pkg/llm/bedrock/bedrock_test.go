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

package bedrock

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/llm"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	resp      *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.resp, s.err
}

type throttlingError struct{}

func (throttlingError) Error() string             { return "throttled" }
func (throttlingError) ErrorCode() string          { return "ThrottlingException" }
func (throttlingError) ErrorMessage() string       { return "throttled" }
func (throttlingError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestGenerateTextOnly(t *testing.T) {
	stub := &stubRuntimeClient{resp: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello back"},
			}},
		},
		Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5), TotalTokens: aws.Int32(15)},
	}}
	c := New(stub, Config{DefaultModel: "anthropic.claude-sonnet-4-20250514-v1:0"})

	resp, err := c.Generate(context.Background(), llm.Request{
		System:   "be concise",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Content)
	assert.False(t, resp.HasToolCalls())
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.NotNil(t, stub.lastInput)
	assert.Equal(t, "anthropic.claude-sonnet-4-20250514-v1:0", aws.ToString(stub.lastInput.ModelId))
}

func TestGenerateWithToolCall(t *testing.T) {
	stub := &stubRuntimeClient{resp: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("call_1"),
					Name:      aws.String("get_lead_by_id"),
					Input:     toDocument(`{"lead_id":"L-1"}`),
				}},
			}},
		},
	}}
	c := New(stub, Config{DefaultModel: "anthropic.claude-sonnet-4-20250514-v1:0"})

	resp, err := c.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "look up L-1"}},
		Tools:    []llm.ToolSchema{{Name: "get_lead_by_id", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "get_lead_by_id", resp.ToolCalls[0].Name)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"lead_id":"L-1"}`, resp.ToolCalls[0].ArgumentsRaw)
}

func TestGenerateClassifiesRateLimit(t *testing.T) {
	stub := &stubRuntimeClient{err: throttlingError{}}
	c := New(stub, Config{DefaultModel: "anthropic.claude-sonnet-4-20250514-v1:0"})

	_, err := c.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, llm.FailureRateLimited, llm.KindOf(err))
	assert.Greater(t, llm.RetryAfterOf(err), time.Duration(0))
}

func TestGenerateClassifiesValidationAsPermanent(t *testing.T) {
	stub := &stubRuntimeClient{err: validationError{}}
	c := New(stub, Config{DefaultModel: "anthropic.claude-sonnet-4-20250514-v1:0"})

	_, err := c.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, llm.FailurePermanent, llm.KindOf(err))
}

type validationError struct{}

func (validationError) Error() string                { return "invalid request" }
func (validationError) ErrorCode() string             { return "ValidationException" }
func (validationError) ErrorMessage() string          { return "invalid request" }
func (validationError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
