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

// Package mcpclient implements the MCP Client Pool (C2): one long-lived
// SSE connection per configured remote server, tool-manifest discovery
// and caching, invocation with timeout, and reconnection with
// exponential backoff on connection loss.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclientlib "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/telemetry"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

const (
	healthCheckInterval = 30 * time.Second
	initialBackoff      = 2 * time.Second
	maxReconnectAttempts = 10
)

// ServerConfig configures one remote MCP server connection.
type ServerConfig struct {
	Name                      string            `yaml:"-"`
	URL                       string            `yaml:"url"`
	Headers                   map[string]string `yaml:"headers"`
	CallTimeoutSeconds        int               `yaml:"call_timeout_seconds"`
	ReconnectBackoffCapSeconds int              `yaml:"reconnect_backoff_cap_seconds"`
}

// SetDefaults fills call_timeout_seconds=30 and
// reconnect_backoff_cap_seconds=60 per the configuration list.
func (c *ServerConfig) SetDefaults() {
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
	if c.ReconnectBackoffCapSeconds <= 0 {
		c.ReconnectBackoffCapSeconds = 60
	}
}

// mcpClient is the subset of *mcp-go/client.Client the pool depends on,
// so tests can substitute a fake transport.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a transport-level mcpClient for a server config. The
// production Dialer wraps mcpclientlib.NewSSEMCPClient; tests inject a
// fake.
type Dialer func(cfg ServerConfig) (mcpClient, error)

// SSEDialer is the production Dialer: one SSE connection per server via
// github.com/mark3labs/mcp-go/client.
func SSEDialer(cfg ServerConfig) (mcpClient, error) {
	var opts []mcpclientlib.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, mcpclientlib.WithHeaders(cfg.Headers))
	}
	c, err := mcpclientlib.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type connState struct {
	cfg       ServerConfig
	client    mcpClient
	connected atomic.Bool
	toolNames []string
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Pool is the C2 MCP Client Pool.
type Pool struct {
	registry *tool.Registry
	dial     Dialer
	log      *slog.Logger
	sink     telemetry.Sink

	mu      sync.RWMutex
	servers map[string]*connState
}

// NewPool constructs a Pool that registers discovered tools into
// registry. dial defaults to SSEDialer if nil.
func NewPool(registry *tool.Registry, dial Dialer, log *slog.Logger) *Pool {
	if dial == nil {
		dial = SSEDialer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		registry: registry,
		dial:     dial,
		log:      log,
		sink:     telemetry.NoopSink{},
		servers:  make(map[string]*connState),
	}
}

// SetSink wires the telemetry sink used to emit tool-invoked,
// mcp-disconnected, and mcp-reconnected events. Defaults to
// telemetry.NoopSink, so wiring it is optional.
func (p *Pool) SetSink(sink telemetry.Sink) { p.sink = sink }

// Connect opens the named server's connection, performs the MCP
// handshake, discovers its tool manifest, and registers a proxy
// tool.Spec for each tool under "<server>.<tool>". Connection failure
// (including "no such server" — unconfigured credentials) is
// non-fatal: Connect returns a KindMCPUnavailable error, registers no
// tools for the server, and the caller runs with whatever tools are
// already available. This realizes the "degrades, does not fail"
// rule in §4.2.
func (p *Pool) Connect(ctx context.Context, cfg ServerConfig) error {
	cfg.SetDefaults()
	if cfg.URL == "" {
		p.log.Warn("mcp server unconfigured, skipping", "server", cfg.Name)
		return core.NewError("mcpclient.Connect", core.KindMCPUnavailable, fmt.Errorf("no such server: %s", cfg.Name))
	}

	client, err := p.dial(cfg)
	if err != nil {
		p.log.Warn("mcp server dial failed", "server", cfg.Name, "error", err)
		return core.NewError("mcpclient.Connect", core.KindMCPUnavailable, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "pipewise", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return core.NewError("mcpclient.Connect", core.KindMCPUnavailable, fmt.Errorf("initialize %s: %w", cfg.Name, err))
	}

	manifest, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return core.NewError("mcpclient.Connect", core.KindMCPUnavailable, fmt.Errorf("list-tools %s: %w", cfg.Name, err))
	}

	state := &connState{cfg: cfg, client: client}
	state.connected.Store(true)

	var registered []string
	for _, t := range manifest.Tools {
		name := cfg.Name + "." + t.Name
		spec := tool.Spec{
			Name:     name,
			Schema:   convertSchema(t.InputSchema),
			Locality: tool.MCPLocality(cfg.Name),
			Invoke:   p.invoker(cfg.Name, t.Name, cfg.CallTimeoutSeconds),
		}
		if err := p.registry.Register(spec); err != nil {
			p.log.Warn("mcp tool registration skipped", "server", cfg.Name, "tool", t.Name, "error", err)
			continue
		}
		registered = append(registered, name)
	}
	state.toolNames = registered

	hctx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel

	p.mu.Lock()
	p.servers[cfg.Name] = state
	p.mu.Unlock()

	go p.healthLoop(hctx, state)

	p.log.Info("mcp server connected", "server", cfg.Name, "tools", len(registered))
	return nil
}

func (p *Pool) invoker(server, toolName string, timeoutSeconds int) tool.Invoker {
	return func(ctx tool.Context, args map[string]any) core.ToolResult {
		p.mu.RLock()
		state, ok := p.servers[server]
		p.mu.RUnlock()
		if !ok || !state.connected.Load() {
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindUnavailable, Message: fmt.Sprintf("mcp server %q unavailable", server)}
		}

		callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()

		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = args

		resp, err := state.client.CallTool(callCtx, req)
		p.sink.Emit(ctx, telemetry.Event{Name: telemetry.ToolInvoked, Attrs: map[string]any{
			"server": server, "tool_name": toolName, "success": err == nil,
		}})
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return core.ToolResult{Success: false, ErrorKind: core.ErrorKindTimeout, Message: err.Error()}
			}
			return core.ToolResult{Success: false, ErrorKind: core.ErrorKindRemote, Message: err.Error()}
		}
		return parseCallToolResult(resp)
	}
}

func parseCallToolResult(resp *mcp.CallToolResult) core.ToolResult {
	texts := make([]string, 0, len(resp.Content))
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if resp.IsError {
		msg := "remote tool returned an error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return core.ToolResult{Success: false, ErrorKind: core.ErrorKindRemote, Message: msg}
	}
	var result any
	switch len(texts) {
	case 0:
		result = nil
	case 1:
		result = texts[0]
	default:
		result = texts
	}
	return core.ToolResult{Success: true, Result: result}
}

// convertSchema marshals the MCP-declared input schema and decodes it
// back into a plain map, matching the shape tool.Spec.Schema expects
// (and the shape the Structured Output Decoder / jsonschema/v6 compile
// happily).
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// healthLoop pings the server every 30s; a failed ping marks the
// connection degraded and triggers tryReconnect with exponential
// backoff (2s base, capped per-server, 10 attempts before the server
// is left degraded until a manual Reconnect call).
func (p *Pool) healthLoop(ctx context.Context, state *connState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := state.client.Ping(ctx); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					state.connected.Store(true)
					continue
				}
				wasConnected := state.connected.Swap(false)
				if wasConnected {
					p.log.Warn("mcp server disconnected", "server", state.cfg.Name, "error", err)
					p.sink.Emit(ctx, telemetry.Event{Name: telemetry.MCPDisconnected, Attrs: map[string]any{
						"server": state.cfg.Name, "error": err.Error(),
					}})
				}
				p.tryReconnect(ctx, state)
			} else {
				state.connected.Store(true)
				state.mu.Lock()
				state.reconnAttempts = 0
				state.mu.Unlock()
			}
		}
	}
}

func (p *Pool) tryReconnect(ctx context.Context, state *connState) {
	state.mu.Lock()
	if state.reconnAttempts >= maxReconnectAttempts {
		state.mu.Unlock()
		return
	}
	state.reconnAttempts++
	attempt := state.reconnAttempts
	state.mu.Unlock()

	backoffCap := time.Duration(state.cfg.ReconnectBackoffCapSeconds) * time.Second
	backoff := initialBackoff * time.Duration(uint(1)<<uint(attempt-1))
	if backoff > backoffCap {
		backoff = backoffCap
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := state.client.Ping(ctx); err == nil {
		state.connected.Store(true)
		state.mu.Lock()
		state.reconnAttempts = 0
		state.mu.Unlock()
		p.log.Info("mcp server reconnected", "server", state.cfg.Name)
		p.sink.Emit(ctx, telemetry.Event{Name: telemetry.MCPReconnected, Attrs: map[string]any{
			"server": state.cfg.Name, "attempt": attempt,
		}})
	}
}

// Invalidate clears the cached tool manifest for server and re-fetches
// it via a fresh ListTools call, registering any tool added since the
// last Connect/Invalidate and removing ones that disappeared. This is
// the manual cache-invalidation hook spec.md §4.2 requires: a caller
// that knows a server's manifest changed (e.g. the config watcher
// observed new MCP credentials) can refresh its tools without tearing
// down and re-dialing the whole connection.
func (p *Pool) Invalidate(ctx context.Context, server string) error {
	p.mu.RLock()
	state, ok := p.servers[server]
	p.mu.RUnlock()
	if !ok {
		return core.NewError("mcpclient.Invalidate", core.KindMCPUnavailable, fmt.Errorf("no such server: %s", server))
	}

	manifest, err := state.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return core.NewError("mcpclient.Invalidate", core.KindMCPUnavailable, fmt.Errorf("list-tools %s: %w", server, err))
	}

	state.mu.Lock()
	stale := state.toolNames
	state.mu.Unlock()

	fresh := make(map[string]bool, len(manifest.Tools))
	var registered []string
	for _, t := range manifest.Tools {
		name := server + "." + t.Name
		fresh[name] = true
		spec := tool.Spec{
			Name:     name,
			Schema:   convertSchema(t.InputSchema),
			Locality: tool.MCPLocality(server),
			Invoke:   p.invoker(server, t.Name, state.cfg.CallTimeoutSeconds),
		}
		if err := p.registry.Register(spec); err != nil {
			// already registered from a prior Connect/Invalidate; replace
			// its spec in case the schema changed upstream.
			_ = p.registry.Remove(name)
			if err := p.registry.Register(spec); err != nil {
				p.log.Warn("mcp tool re-registration failed", "server", server, "tool", t.Name, "error", err)
				continue
			}
		}
		registered = append(registered, name)
	}

	for _, name := range stale {
		if !fresh[name] {
			_ = p.registry.Remove(name)
		}
	}

	state.mu.Lock()
	state.toolNames = registered
	state.mu.Unlock()

	p.log.Info("mcp tool manifest invalidated", "server", server, "tools", len(registered))
	return nil
}

// Reconnect forces a manual reconnection attempt for server, bypassing
// the attempt ceiling. Used by operators after fixing credentials.
func (p *Pool) Reconnect(ctx context.Context, server string) error {
	p.mu.RLock()
	state, ok := p.servers[server]
	p.mu.RUnlock()
	if !ok {
		return core.NewError("mcpclient.Reconnect", core.KindMCPUnavailable, fmt.Errorf("no such server: %s", server))
	}
	state.mu.Lock()
	state.reconnAttempts = 0
	state.mu.Unlock()
	p.tryReconnect(ctx, state)
	return nil
}

// IsConnected reports the last-known health of a server.
func (p *Pool) IsConnected(server string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.servers[server]
	return ok && state.connected.Load()
}

// Close tears down every connection, cancelling health loops.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, state := range p.servers {
		if state.cancel != nil {
			state.cancel()
		}
		_ = state.client.Close()
	}
	p.servers = make(map[string]*connState)
}
