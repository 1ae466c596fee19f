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

package telemetry_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewise-ai/pipewise/pkg/telemetry"
)

type recordingSink struct {
	events []telemetry.Event
}

func (r *recordingSink) Emit(_ context.Context, e telemetry.Event) { r.events = append(r.events, e) }

func TestMultiSinkFansOutToEveryWrapped(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := telemetry.MultiSink{a, b}

	multi.Emit(context.Background(), telemetry.Event{Name: telemetry.ToolInvoked})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, telemetry.ToolInvoked, a.events[0].Name)
}

func TestNoopSinkDiscardsEvents(t *testing.T) {
	var sink telemetry.Sink = telemetry.NoopSink{}
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), telemetry.Event{Name: telemetry.WorkflowStarted})
	})
}

func TestPrometheusSinkCountsByEventAndDetail(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := telemetry.NewPrometheusSink(reg, "pipewise_test")

	sink.Emit(context.Background(), telemetry.Event{Name: telemetry.ToolInvoked, Attrs: map[string]any{"tool_name": "echo"}})
	sink.Emit(context.Background(), telemetry.Event{Name: telemetry.ToolInvoked, Attrs: map[string]any{"tool_name": "echo"}})

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "pipewise_test_telemetry_events_total" {
			found = mf
		}
	}
	require.NotNil(t, found, "expected pipewise_test_telemetry_events_total to be registered")
	require.Len(t, found.Metric, 1)
	assert.Equal(t, float64(2), found.Metric[0].GetCounter().GetValue())
}

func TestSlogSinkDoesNotPanicOnEmptyAttrs(t *testing.T) {
	sink := telemetry.NewSlogSink(nil)
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), telemetry.Event{Name: telemetry.MemoryRecordSaved})
	})
}

func TestSpanEventSinkIsSafeWithoutActiveSpan(t *testing.T) {
	sink := telemetry.SpanEventSink{}
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), telemetry.Event{Name: telemetry.LLMRetry, Attrs: map[string]any{"attempt": 1}})
	})
}
