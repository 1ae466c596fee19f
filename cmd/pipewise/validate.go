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
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pipewise-ai/pipewise/pkg/config"
)

// ValidateCmd loads and validates a configuration file without
// connecting to any backing store or LLM provider.
type ValidateCmd struct {
	Format      string `short:"f" help:"Output format: compact or json." default:"compact" enum:"compact,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return printValidateError(c.Format, cli.Config, err)
	}

	for _, id := range agentCoreIDs {
		if _, ok := cfg.Agents[id]; !ok {
			return printValidateError(c.Format, cli.Config, fmt.Errorf("missing required agent %q", id))
		}
	}

	if c.PrintConfig {
		return printExpandedConfig(c.Format, cfg)
	}
	printValidateSuccess(c.Format, cli.Config)
	return nil
}

func printValidateError(format, file string, err error) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"valid": false, "file": file, "error": err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "%s: invalid: %s\n", file, err.Error())
	}
	return fmt.Errorf("config validation failed")
}

func printValidateSuccess(format, file string) {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"valid": true, "file": file})
		return
	}
	fmt.Fprintf(os.Stdout, "%s: valid\n", file)
}

func printExpandedConfig(format string, cfg *config.Config) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
