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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipewise-ai/pipewise/pkg/agent"
	"github.com/pipewise-ai/pipewise/pkg/config"
	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/crmtools"
	"github.com/pipewise-ai/pipewise/pkg/handoff"
	"github.com/pipewise-ai/pipewise/pkg/httpclient"
	"github.com/pipewise-ai/pipewise/pkg/llm"
	"github.com/pipewise-ai/pipewise/pkg/llm/anthropic"
	"github.com/pipewise-ai/pipewise/pkg/llm/bedrock"
	"github.com/pipewise-ai/pipewise/pkg/llm/openai"
	"github.com/pipewise-ai/pipewise/pkg/mcpclient"
	"github.com/pipewise-ai/pipewise/pkg/memory"
	"github.com/pipewise-ai/pipewise/pkg/orchestrator"
	"github.com/pipewise-ai/pipewise/pkg/telemetry"
	"github.com/pipewise-ai/pipewise/pkg/tool"
)

// agentCoreIDs are the four agents SPEC_FULL.md §4 names; every
// config.yaml must register all four under these exact ids.
var agentCoreIDs = []string{"coordinator", "lead_qualifier", "meeting_scheduler", "outbound_contact"}

// app bundles every wired collaborator a subcommand needs.
type app struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	sink       telemetry.Sink
	db         *sql.DB
	pool       *mcpclient.Pool
	orch       *orchestrator.Orchestrator
}

// buildApp loads cfg from path and wires the full dependency graph
// described in DESIGN.md's cmd/pipewise section: config -> logging ->
// telemetry -> memory -> tools/crmtools -> MCP pool -> agent roster ->
// per-agent runners -> handoff engine -> orchestrator.
func buildApp(ctx context.Context, configPath string, log *slog.Logger) (*app, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sink := buildSink(cfg, log)

	db, err := sql.Open("postgres", cfg.Persistent.DSN)
	if err != nil {
		return nil, fmt.Errorf("open persistent store: %w", err)
	}

	clock := core.SystemClock{}
	random := core.UUIDRandom{}

	volatile := memory.NewVolatileStore(clock)
	persistent := memory.NewPostgresStore(db)
	mem := memory.NewManager(memory.Deps{
		Volatile:   volatile,
		Persistent: persistent,
		Clock:      clock,
		Random:     random,
		Logger:     log,
		DefaultTTL: time.Duration(cfg.Volatile.DefaultTTLSeconds) * time.Second,
	})
	mem.SetSink(sink)

	reg := tool.NewRegistry()
	if err := crmtools.Register(reg, mem, clock, random, crmtools.Config{
		FallbackMeetingBaseURL: cfg.CRMTools.FallbackMeetingBaseURL,
	}); err != nil {
		return nil, fmt.Errorf("register crm tools: %w", err)
	}

	pool := mcpclient.NewPool(reg, nil, log)
	pool.SetSink(sink)
	for name, serverCfg := range cfg.MCP {
		sc := mcpclient.ServerConfig{
			Name:                       name,
			URL:                       serverCfg.URL,
			Headers:                    map[string]string{},
			CallTimeoutSeconds:         serverCfg.CallTimeoutSeconds,
			ReconnectBackoffCapSeconds: serverCfg.ReconnectBackoffCapSeconds,
		}
		if serverCfg.APIKey != "" {
			sc.Headers["Authorization"] = "Bearer " + serverCfg.APIKey
		}
		// Connect degrades rather than fails per §4.2: a server that is
		// down at boot is left out with its tools unregistered. The pool's
		// reconnect loop covers only servers that connected; a failed one
		// is tried again only when watchMCPConfig sees the file rewritten.
		if err := pool.Connect(ctx, sc); err != nil {
			log.Warn("mcp server unavailable at startup", "server", name, "error", err)
		}
	}

	roster, err := buildRoster(cfg, reg)
	if err != nil {
		return nil, err
	}

	runners, err := buildRunners(cfg, reg, log, sink)
	if err != nil {
		return nil, err
	}

	engine := handoff.NewEngine(mem, clock, random, log)
	engine.SetSink(sink)

	orchCfg := orchestrator.Config{
		MaxHandoffs:     cfg.Workflow.MaxHandoffs,
		WorkflowTimeout: time.Duration(cfg.Workflow.TimeoutSeconds) * time.Second,
		ArchiveTimeout:  time.Duration(cfg.Workflow.ArchiveTimeoutSeconds) * time.Second,
	}
	orch := orchestrator.New(orchestrator.Deps{
		Roster:   roster,
		Runners:  runners,
		Handoffs: engine,
		Memory:   mem,
		Clock:    clock,
		Random:   random,
		Log:      log,
		Sink:     sink,
		Config:   orchCfg,
	})

	return &app{cfg: cfg, configPath: configPath, log: log, sink: sink, db: db, pool: pool, orch: orch}, nil
}

func (a *app) Close() {
	a.pool.Close()
	if a.db != nil {
		_ = a.db.Close()
	}
}

// watchMCPConfig runs SPEC_FULL.md's optional live-reload of the MCP
// server credentials section: it watches the config file on disk and,
// on every rewrite, reconnects any server whose credentials newly
// appeared and invalidates the tool-manifest cache of any server
// already connected (picking up added/removed remote tools without a
// full process restart). Only the `mcp:` section is live; every other
// setting still requires a restart. Callers run this in its own
// goroutine for the lifetime of the command's context.
func (a *app) watchMCPConfig(ctx context.Context) error {
	reloader := config.NewMCPReloader(a.configPath, func(servers map[string]*config.MCPServerConfig) {
		for name, sc := range servers {
			cfg := mcpclient.ServerConfig{
				Name:                       name,
				URL:                        sc.URL,
				Headers:                    map[string]string{},
				CallTimeoutSeconds:         sc.CallTimeoutSeconds,
				ReconnectBackoffCapSeconds: sc.ReconnectBackoffCapSeconds,
			}
			if sc.APIKey != "" {
				cfg.Headers["Authorization"] = "Bearer " + sc.APIKey
			}

			if !a.pool.IsConnected(name) {
				if err := a.pool.Connect(ctx, cfg); err != nil {
					a.log.Warn("mcp server still unavailable after config reload", "server", name, "error", err)
				}
				continue
			}
			if err := a.pool.Invalidate(ctx, name); err != nil {
				a.log.Warn("mcp tool manifest invalidation failed after config reload", "server", name, "error", err)
			}
		}
	}, a.log)
	return reloader.Watch(ctx)
}

// buildSink assembles the telemetry fan-out named in SPEC_FULL.md's
// ambient stack: structured logging always on, Prometheus and span
// events gated by configuration.
func buildSink(cfg *config.Config, log *slog.Logger) telemetry.Sink {
	sinks := telemetry.MultiSink{telemetry.NewSlogSink(log)}
	if cfg.Telemetry.MetricsEnabled {
		sinks = append(sinks, telemetry.NewPrometheusSink(prometheus.NewRegistry(), "pipewise"))
	}
	if cfg.Telemetry.TracingEnabled {
		sinks = append(sinks, telemetry.SpanEventSink{})
	}
	return sinks
}

// buildRoster constructs one Descriptor per configured agent and
// registers it. cfg.Agents must name every id in agentCoreIDs.
func buildRoster(cfg *config.Config, reg *tool.Registry) (*agent.Roster, error) {
	known := make(map[string]bool, len(cfg.Agents))
	for id := range cfg.Agents {
		known[id] = true
	}

	roster := agent.NewRoster()
	for _, id := range agentCoreIDs {
		ac, ok := cfg.Agents[id]
		if !ok {
			return nil, fmt.Errorf("config is missing required agent %q", id)
		}
		desc, err := agent.NewDescriptor(agent.Spec{
			ID:           id,
			Name:         ac.Name,
			Instructions: ac.Instructions,
			AllowedTools: ac.AllowedTools,
			AllowedNext:  ac.AllowedNext,
			OutputSchema: outputSchemaFor(id),
			Params: agent.ModelParams{
				Model:         ac.Model,
				Temperature:   ac.Temperature,
				MaxIterations: ac.MaxIterations,
			},
		}, reg, known)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", id, err)
		}
		if err := roster.Register(desc); err != nil {
			return nil, fmt.Errorf("agent %q: %w", id, err)
		}
	}
	return roster, nil
}

// outputSchemaFor returns the structured-output contract SPEC_FULL.md
// §4 fixes for the two agents whose result is consumed programmatically
// by the orchestrator's workflow-end record; Coordinator and Outbound
// Contact are free-text and carry no schema.
func outputSchemaFor(agentID string) map[string]any {
	switch agentID {
	case "lead_qualifier":
		return map[string]any{
			"type":     "object",
			"required": []any{"qualified", "reason"},
			"properties": map[string]any{
				"qualified": map[string]any{"type": "boolean"},
				"reason":    map[string]any{"type": "string"},
			},
		}
	case "meeting_scheduler":
		return map[string]any{
			"type":     "object",
			"required": []any{"meeting_url", "event_type"},
			"properties": map[string]any{
				"meeting_url": map[string]any{"type": "string"},
				"event_type":  map[string]any{"type": "string"},
			},
		}
	default:
		return nil
	}
}

// buildRunners constructs one Runner per agent id, each bound to the
// llm.Client its configured model resolves to (spec.md §4.9's per-agent
// model selection).
func buildRunners(cfg *config.Config, reg *tool.Registry, log *slog.Logger, sink telemetry.Sink) (map[string]*agent.Runner, error) {
	clients := make(map[string]llm.Client, len(cfg.LLMs))
	for name, llmCfg := range cfg.LLMs {
		client, err := buildLLMClient(*llmCfg)
		if err != nil {
			return nil, fmt.Errorf("llm %q: %w", name, err)
		}
		clients[name] = client
	}

	runners := make(map[string]*agent.Runner, len(cfg.Agents))
	for id, ac := range cfg.Agents {
		client, ok := clients[ac.Model]
		if !ok {
			return nil, fmt.Errorf("agent %q names undefined llm %q", id, ac.Model)
		}
		r := agent.NewRunner(reg, client, log)
		r.SetSink(sink)
		r.SetToolResultMaxBytes(cfg.ToolResult.MaxBytes)
		runners[id] = r
	}
	return runners, nil
}

// llmHTTPClient wraps pkg/httpclient's retry/backoff/rate-limit handling
// as the transport every provider SDK sends requests through, timed to
// this LLM binding's own configured timeout.
func llmHTTPClient(cfg config.LLMConfig) *http.Client {
	retrying := httpclient.New(
		httpclient.WithMaxRetries(cfg.RetryTransientAttempts),
	)
	return &http.Client{
		Transport: retrying,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func buildLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	httpClient := llmHTTPClient(cfg)
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewFromConfig(anthropic.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			HTTPClient:   httpClient,
		}), nil
	case "openai":
		return openai.NewFromConfig(openai.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			HTTPClient:   httpClient,
		}), nil
	case "bedrock":
		client, err := bedrock.NewFromConfig(context.Background(), bedrock.Config{
			Region:       cfg.Region,
			DefaultModel: cfg.Model,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("build bedrock client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
