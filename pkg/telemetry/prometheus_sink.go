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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts every Event by name, with a secondary detail
// label taken from the first well-known attribute key present, checked
// in the order agent_id, tool_name, server, kind, reason. So
// memory-record-saved and runner-issued tool-invoked break down by
// agent, pool-issued tool-invoked by tool, and mcp events by server,
// without one counter per event kind. Events carrying none of these keys
// (workflow-started, workflow-completed) get an empty detail.
type PrometheusSink struct {
	events *prometheus.CounterVec
}

// NewPrometheusSink registers its counter into registry and returns the
// Sink. registry must not be nil.
func NewPrometheusSink(registry *prometheus.Registry, namespace string) PrometheusSink {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "events_total",
			Help:      "Total count of telemetry events by name and detail label.",
		},
		[]string{"event", "detail"},
	)
	registry.MustRegister(events)
	return PrometheusSink{events: events}
}

func (p PrometheusSink) Emit(_ context.Context, event Event) {
	p.events.WithLabelValues(event.Name, detailLabel(event)).Inc()
}

// detailLabel extracts one human-meaningful label value per event kind,
// falling back to "" so the label set never grows per-workflow (that
// would explode cardinality — workflow and record ids never become
// label values here).
func detailLabel(event Event) string {
	for _, key := range []string{"agent_id", "tool_name", "server", "kind", "reason"} {
		if v, ok := event.Attrs[key]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
