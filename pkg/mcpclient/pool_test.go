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

package mcpclient

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

type fakeMCPClient struct {
	tools      []mcp.Tool
	callResult *mcp.CallToolResult
	callErr    error
	pingErr    error
	closed     bool
}

func (f *fakeMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeMCPClient) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeMCPClient) Close() error                   { f.closed = true; return nil }

func newPoolWithFake(t *testing.T, fake *fakeMCPClient) (*Pool, *tool.Registry) {
	t.Helper()
	reg := tool.NewRegistry()
	pool := NewPool(reg, func(cfg ServerConfig) (mcpClient, error) { return fake, nil }, nil)
	return pool, reg
}

func TestConnectRegistersProxyTools(t *testing.T) {
	fake := &fakeMCPClient{tools: []mcp.Tool{{Name: "schedule_meeting", InputSchema: mcp.ToolInputSchema{Type: "object"}}}}
	pool, reg := newPoolWithFake(t, fake)

	err := pool.Connect(context.Background(), ServerConfig{Name: "calendly", URL: "https://calendly.example/mcp"})
	require.NoError(t, err)

	spec, err := reg.Resolve("calendly.schedule_meeting")
	require.NoError(t, err)
	server, ok := spec.IsRemote()
	require.True(t, ok)
	assert.Equal(t, "calendly", server)
}

func TestConnectUnconfiguredServerDegradesNotFails(t *testing.T) {
	pool, _ := newPoolWithFake(t, &fakeMCPClient{})
	err := pool.Connect(context.Background(), ServerConfig{Name: "salesforce"})
	require.Error(t, err)
	assert.Equal(t, core.KindMCPUnavailable, core.KindOf(err))
}

func TestInvokeSurfacesRemoteError(t *testing.T) {
	fake := &fakeMCPClient{
		tools:      []mcp.Tool{{Name: "ping_lead"}},
		callResult: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Text: "lead not found"}}},
	}
	pool, reg := newPoolWithFake(t, fake)
	require.NoError(t, pool.Connect(context.Background(), ServerConfig{Name: "pipedrive", URL: "https://pipedrive.example"}))

	spec, err := reg.Resolve("pipedrive.ping_lead")
	require.NoError(t, err)

	result := spec.Invoke(tool.Context{Context: context.Background()}, map[string]any{})
	assert.False(t, result.Success)
	assert.Equal(t, core.ErrorKindRemote, result.ErrorKind)
	assert.Equal(t, "lead not found", result.Message)
}

func TestInvokeUnavailableWhenDisconnected(t *testing.T) {
	fake := &fakeMCPClient{tools: []mcp.Tool{{Name: "book"}}}
	pool, reg := newPoolWithFake(t, fake)
	require.NoError(t, pool.Connect(context.Background(), ServerConfig{Name: "calendly", URL: "https://calendly.example"}))

	pool.mu.RLock()
	state := pool.servers["calendly"]
	pool.mu.RUnlock()
	state.connected.Store(false)

	spec, err := reg.Resolve("calendly.book")
	require.NoError(t, err)
	result := spec.Invoke(tool.Context{Context: context.Background()}, map[string]any{})
	assert.False(t, result.Success)
	assert.Equal(t, core.ErrorKindUnavailable, result.ErrorKind)
}

func TestInvalidateRefreshesToolManifest(t *testing.T) {
	fake := &fakeMCPClient{tools: []mcp.Tool{{Name: "schedule_meeting"}, {Name: "cancel_meeting"}}}
	pool, reg := newPoolWithFake(t, fake)
	require.NoError(t, pool.Connect(context.Background(), ServerConfig{Name: "calendly", URL: "https://calendly.example"}))

	_, err := reg.Resolve("calendly.cancel_meeting")
	require.NoError(t, err)

	fake.tools = []mcp.Tool{{Name: "schedule_meeting"}, {Name: "reschedule_meeting"}}
	require.NoError(t, pool.Invalidate(context.Background(), "calendly"))

	_, err = reg.Resolve("calendly.reschedule_meeting")
	require.NoError(t, err)

	_, err = reg.Resolve("calendly.cancel_meeting")
	assert.Error(t, err, "tool dropped from the manifest must be removed from the registry")

	_, err = reg.Resolve("calendly.schedule_meeting")
	require.NoError(t, err, "tool still present in the manifest must remain registered")
}

func TestInvalidateUnknownServer(t *testing.T) {
	pool, _ := newPoolWithFake(t, &fakeMCPClient{})
	err := pool.Invalidate(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, core.KindMCPUnavailable, core.KindOf(err))
}

func TestReconnectResetsAttempts(t *testing.T) {
	fake := &fakeMCPClient{tools: nil, pingErr: errors.New("down")}
	pool, _ := newPoolWithFake(t, fake)
	require.NoError(t, pool.Connect(context.Background(), ServerConfig{Name: "zoho", URL: "https://zoho.example"}))

	fake.pingErr = nil
	require.NoError(t, pool.Reconnect(context.Background(), "zoho"))
	assert.True(t, pool.IsConnected("zoho"))
}
