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

// Package config defines the PipeWise process configuration: every
// recognized option named in spec.md §6, loaded from a single YAML
// document with environment-variable expansion.
package config

import "fmt"

// VolatileConfig tunes the in-process volatile memory store.
type VolatileConfig struct {
	DefaultTTLSeconds     int `yaml:"default_ttl_seconds,omitempty"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds,omitempty"`
}

// SetDefaults fills unset fields per spec.md §6.
func (c *VolatileConfig) SetDefaults() {
	if c.DefaultTTLSeconds <= 0 {
		c.DefaultTTLSeconds = 3600
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 60
	}
}

// WorkflowConfig tunes the Workflow Orchestrator.
type WorkflowConfig struct {
	MaxHandoffs       int `yaml:"max_handoffs,omitempty"`
	TimeoutSeconds    int `yaml:"timeout_seconds,omitempty"`
	ArchiveTimeoutSeconds int `yaml:"archive_timeout_seconds,omitempty"`
}

// SetDefaults fills unset fields per spec.md §6 and §5.
func (c *WorkflowConfig) SetDefaults() {
	if c.MaxHandoffs <= 0 {
		c.MaxHandoffs = 8
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 600
	}
	if c.ArchiveTimeoutSeconds <= 0 {
		c.ArchiveTimeoutSeconds = 5
	}
}

// AgentConfig is one named agent's registration — instruction text lives
// here (per spec.md §9's design note) alongside the model binding and
// loop tuning, so a descriptor is swappable by editing YAML only.
type AgentConfig struct {
	Name              string   `yaml:"name,omitempty"`
	Instructions      string   `yaml:"instructions,omitempty"`
	InstructionVariant string  `yaml:"instruction_variant,omitempty"` // coordinator only: reactive|proactive
	Model             string   `yaml:"model,omitempty"`
	Temperature       float64  `yaml:"temperature,omitempty"`
	MaxIterations     int      `yaml:"max_iterations,omitempty"`
	AllowedTools      []string `yaml:"allowed_tools,omitempty"`
	AllowedNext       []string `yaml:"allowed_next,omitempty"`
}

// SetDefaults fills unset fields per spec.md §6.
func (c *AgentConfig) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.InstructionVariant == "" {
		c.InstructionVariant = "reactive"
	}
}

// Validate checks invariants SetDefaults cannot repair.
func (c *AgentConfig) Validate() error {
	switch c.InstructionVariant {
	case "reactive", "proactive":
	default:
		return fmt.Errorf("instruction_variant must be %q or %q, got %q", "reactive", "proactive", c.InstructionVariant)
	}
	return nil
}

// LLMConfig selects and tunes one provider adapter.
type LLMConfig struct {
	Provider          string `yaml:"provider,omitempty"` // anthropic | openai | bedrock
	Model             string `yaml:"model,omitempty"`
	APIKey            string `yaml:"api_key,omitempty"`
	BaseURL           string `yaml:"base_url,omitempty"`
	Region            string `yaml:"region,omitempty"` // bedrock only
	TimeoutSeconds    int    `yaml:"timeout_seconds,omitempty"`
	RetryTransientAttempts int `yaml:"retry_transient_attempts,omitempty"`
}

// SetDefaults fills unset fields per spec.md §6.
func (c *LLMConfig) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 60
	}
	if c.RetryTransientAttempts <= 0 {
		c.RetryTransientAttempts = 2
	}
}

// Validate checks invariants SetDefaults cannot repair.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("llm provider must be one of anthropic, openai, bedrock, got %q", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

// MCPServerConfig configures one MCP server connection.
type MCPServerConfig struct {
	URL                          string `yaml:"url,omitempty"`
	APIKey                       string `yaml:"api_key,omitempty"`
	CallTimeoutSeconds           int    `yaml:"call_timeout_seconds,omitempty"`
	ReconnectBackoffCapSeconds   int    `yaml:"reconnect_backoff_cap_seconds,omitempty"`
}

// SetDefaults fills unset fields per spec.md §6.
func (c *MCPServerConfig) SetDefaults() {
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
	if c.ReconnectBackoffCapSeconds <= 0 {
		c.ReconnectBackoffCapSeconds = 60
	}
}

// Validate checks invariants SetDefaults cannot repair.
func (c *MCPServerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("mcp server url is required")
	}
	return nil
}

// ToolResultConfig tunes Agent Runner tool-result truncation.
type ToolResultConfig struct {
	MaxBytes int `yaml:"max_bytes,omitempty"`
}

// SetDefaults fills unset fields per spec.md §6.
func (c *ToolResultConfig) SetDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 16384
	}
}

// CRMToolsConfig tunes the built-in local CRM tools (pkg/crmtools).
type CRMToolsConfig struct {
	FallbackMeetingBaseURL string `yaml:"fallback_meeting_base_url,omitempty"`
}

// SetDefaults fills unset fields matching pkg/crmtools.Config's own default.
func (c *CRMToolsConfig) SetDefaults() {
	if c.FallbackMeetingBaseURL == "" {
		c.FallbackMeetingBaseURL = "https://meetings.pipewise.internal"
	}
}

// PersistentStoreConfig configures the Postgres-backed persistent memory store.
type PersistentStoreConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// Validate checks invariants SetDefaults cannot repair.
func (c *PersistentStoreConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("persistent store dsn is required")
	}
	return nil
}

// LoggingConfig tunes the structured logging handler.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug | info | warn | error
	Format string `yaml:"format,omitempty"` // text | json
}

// SetDefaults fills unset fields.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// TelemetryConfig toggles the telemetry sinks wired at bootstrap.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled,omitempty"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty"`
	TracingEnabled bool   `yaml:"tracing_enabled,omitempty"`
}

// SetDefaults fills unset fields.
func (c *TelemetryConfig) SetDefaults() {
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Config is the complete process configuration, the single YAML document
// root (spec.md §6's "Configuration" list plus the ambient sections
// SPEC_FULL.md §1.1 requires).
type Config struct {
	Volatile   VolatileConfig             `yaml:"volatile,omitempty"`
	Workflow   WorkflowConfig             `yaml:"workflow,omitempty"`
	Agents     map[string]*AgentConfig    `yaml:"agents,omitempty"`
	LLMs       map[string]*LLMConfig      `yaml:"llms,omitempty"`
	MCP        map[string]*MCPServerConfig `yaml:"mcp,omitempty"`
	ToolResult ToolResultConfig           `yaml:"tool_result,omitempty"`
	CRMTools   CRMToolsConfig             `yaml:"crm_tools,omitempty"`
	Persistent PersistentStoreConfig      `yaml:"persistent,omitempty"`
	Logging    LoggingConfig              `yaml:"logging,omitempty"`
	Telemetry  TelemetryConfig            `yaml:"telemetry,omitempty"`
}

// SetDefaults applies defaults to the root config and every named
// sub-config, matching the teacher's recursive SetDefaults pattern.
func (c *Config) SetDefaults() {
	c.Volatile.SetDefaults()
	c.Workflow.SetDefaults()
	c.ToolResult.SetDefaults()
	c.CRMTools.SetDefaults()
	c.Logging.SetDefaults()
	c.Telemetry.SetDefaults()

	for _, a := range c.Agents {
		if a != nil {
			a.SetDefaults()
		}
	}
	for _, l := range c.LLMs {
		if l != nil {
			l.SetDefaults()
		}
	}
	for _, m := range c.MCP {
		if m != nil {
			m.SetDefaults()
		}
	}
}

// Validate checks the configuration for errors SetDefaults cannot repair.
func (c *Config) Validate() error {
	for name, a := range c.Agents {
		if a == nil {
			continue
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
	}
	for name, l := range c.LLMs {
		if l == nil {
			continue
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	for name, m := range c.MCP {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mcp server %q: %w", name, err)
		}
	}
	if err := c.Persistent.Validate(); err != nil {
		return err
	}
	return nil
}
