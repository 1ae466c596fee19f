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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadFile reads path, expands `${VAR}`/`${VAR:-default}` references
// against the current process environment, unmarshals the YAML document,
// applies defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes is LoadFile without the filesystem read, for callers that
// already have the document in memory (e.g. a test or a fetched secret).
func LoadBytes(data []byte) (*Config, error) {
	expanded := expandEnvVarsInBytes(data)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// MCPReloader watches a config file for changes and invokes onReload with
// the freshly-parsed MCP server section whenever the file is rewritten.
// Only the `mcp:` section is live-reloadable (spec.md's Non-goals exclude
// reloading prompt/instruction text); other sections require a process
// restart to take effect.
type MCPReloader struct {
	path     string
	onReload func(map[string]*MCPServerConfig)
	log      *slog.Logger
}

// NewMCPReloader builds a reloader for path. log defaults to
// slog.Default() if nil.
func NewMCPReloader(path string, onReload func(map[string]*MCPServerConfig), log *slog.Logger) *MCPReloader {
	if log == nil {
		log = slog.Default()
	}
	return &MCPReloader{path: path, onReload: onReload, log: log}
}

// Watch blocks, reacting to writes to r.path until ctx is cancelled.
// Callers run it in its own goroutine.
func (r *MCPReloader) Watch(ctx context.Context) error {
	absPath, err := filepath.Abs(r.path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(absPath)
	file := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	reload := func() {
		cfg, err := LoadFile(absPath)
		if err != nil {
			r.log.Error("mcp config reload failed, keeping previous servers", "path", absPath, "error", err)
			return
		}
		r.log.Info("mcp config reloaded", "path", absPath, "servers", len(cfg.MCP))
		r.onReload(cfg.MCP)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Error("config watcher error", "error", err)
		}
	}
}
