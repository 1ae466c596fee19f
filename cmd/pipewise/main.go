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

// Command pipewise runs one inbound-lead workflow per invocation, or
// validates a configuration file.
//
// Usage:
//
//	pipewise run --config config.yaml event.json
//	pipewise validate --config config.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/pipewise-ai/pipewise/pkg/config"
	"github.com/pipewise-ai/pipewise/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Process one incoming event through the workflow orchestrator."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file without running anything."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"pipewise.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	parseCtx := kong.Parse(&cli,
		kong.Name("pipewise"),
		kong.Description("PipeWise - inbound lead qualification and scheduling orchestrator"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, os.Stderr, cli.LogFormat)
	slog.SetDefault(logger.GetLogger())

	err = parseCtx.Run(&cli)
	parseCtx.FatalIfErrorf(err)
}
