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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseReloadDoc = `
persistent:
  dsn: "postgres://localhost/pipewise"
llms:
  main:
    provider: anthropic
    model: claude-sonnet-4
agents:
  coordinator:
    model: main
`

func TestMCPReloaderPicksUpRewrittenServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseReloadDoc), 0o644))

	reloaded := make(chan map[string]*MCPServerConfig, 1)
	reloader := NewMCPReloader(path, func(servers map[string]*MCPServerConfig) {
		reloaded <- servers
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- reloader.Watch(ctx) }()

	// Give the watcher time to register its fsnotify directory watch
	// before the rewrite, otherwise the event can be missed.
	time.Sleep(50 * time.Millisecond)

	withMCP := baseReloadDoc + `
mcp:
  calendly:
    url: "https://calendly.example/mcp"
    api_key: "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(withMCP), 0o644))

	select {
	case servers := <-reloaded:
		require.Contains(t, servers, "calendly")
		require.Equal(t, "https://calendly.example/mcp", servers["calendly"].URL)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback was not invoked after config rewrite")
	}

	cancel()
	select {
	case err := <-watchErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}

func TestMCPReloaderIgnoresUnrelatedFileWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseReloadDoc), 0o644))

	reloaded := make(chan map[string]*MCPServerConfig, 1)
	reloader := NewMCPReloader(path, func(servers map[string]*MCPServerConfig) {
		reloaded <- servers
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reloader.Watch(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.yaml"), []byte("noop: true"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for a write to an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
