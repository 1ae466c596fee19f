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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipewise-ai/pipewise/pkg/core"
	"github.com/pipewise-ai/pipewise/pkg/logger"
)

// RunCmd processes exactly one IncomingEvent through the Workflow
// Orchestrator and prints the resulting WorkflowResult as JSON.
type RunCmd struct {
	Event       string `arg:"" name:"event" help:"Path to a JSON-encoded runEventInput document, or '-' for stdin." placeholder:"PATH"`
	Pretty      bool   `help:"Pretty-print the JSON result."`
	WatchConfig bool   `name:"watch-config" help:"Live-reload the mcp: section of the config file while the workflow runs."`
}

// runEventInput is the on-disk/stdin shape a caller supplies: the
// inbound event plus the tenant it belongs to. Kept separate from
// core.IncomingEvent/core.TenantContext so the wire format can evolve
// independently of the domain types.
type runEventInput struct {
	Channel    string            `json:"channel"`
	Sender     string            `json:"sender"`
	Text       string            `json:"text"`
	Lead       *core.LeadPayload `json:"lead,omitempty"`
	PriorConvo string            `json:"prior_convo,omitempty"`
	Intent     string            `json:"intent,omitempty"`

	TenantID string          `json:"tenant_id"`
	UserID   string          `json:"user_id,omitempty"`
	Premium  bool            `json:"premium,omitempty"`
	Features map[string]bool `json:"features,omitempty"`
	Quotas   map[string]int  `json:"quotas,omitempty"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Warn("received shutdown signal, cancelling workflow")
		cancel()
	}()

	var data []byte
	var err error
	if c.Event == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.Event)
	}
	if err != nil {
		return fmt.Errorf("read event input: %w", err)
	}

	var in runEventInput
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse event input: %w", err)
	}

	a, err := buildApp(ctx, cli.Config, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer a.Close()

	if c.WatchConfig {
		go func() {
			if err := a.watchMCPConfig(ctx); err != nil {
				a.log.Warn("mcp config watcher stopped", "error", err)
			}
		}()
	}

	event := core.IncomingEvent{
		Channel:    core.Channel(in.Channel),
		Sender:     in.Sender,
		Text:       in.Text,
		Lead:       in.Lead,
		PriorConvo: in.PriorConvo,
		Intent:     core.Intent(in.Intent),
	}
	tenant := core.TenantContext{
		TenantID: in.TenantID,
		UserID:   in.UserID,
		Premium:  in.Premium,
		Features: in.Features,
		Quotas:   in.Quotas,
	}

	deadline := time.Duration(a.cfg.Workflow.TimeoutSeconds) * time.Second
	runCtx, runCancel := context.WithTimeout(ctx, deadline)
	defer runCancel()

	result := a.orch.Run(runCtx, event, tenant)

	enc := json.NewEncoder(os.Stdout)
	if c.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if result.Status == core.WorkflowFailed {
		return fmt.Errorf("workflow failed: %s", result.Reason)
	}
	return nil
}
