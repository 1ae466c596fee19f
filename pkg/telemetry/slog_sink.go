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

package telemetry

import (
	"context"
	"log/slog"
	"sort"
)

// SlogSink renders every Event as one structured log line. The CLI
// bootstrap always includes it in its fan-out; components built without
// a Sink still default to NoopSink.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink builds a SlogSink. log defaults to slog.Default() if nil.
func NewSlogSink(log *slog.Logger) SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return SlogSink{log: log}
}

func (s SlogSink) Emit(_ context.Context, event Event) {
	args := make([]any, 0, len(event.Attrs)*2+2)
	args = append(args, "event", event.Name)
	keys := make([]string, 0, len(event.Attrs))
	for k := range event.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, event.Attrs[k])
	}
	s.log.Info("telemetry", args...)
}
