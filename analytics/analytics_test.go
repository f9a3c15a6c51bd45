/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package analytics

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/api/types/metrics"
	"github.com/rulego/deltaflow/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testDeltaFile() *types.DeltaFile {
	deltaFile := types.NewDeltaFile("did-1", "input.txt", "rest", testNow)
	deltaFile.Annotations.PutValue("batch", "7")
	return deltaFile
}

type published struct {
	topic string
	data  []byte
}

type fakePublisher struct {
	messages []published
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.messages = append(p.messages, published{topic: subject, data: data})
	return p.err
}

type fakeMQTT struct{ fakePublisher }

func (p *fakeMQTT) Publish(topic string, _ byte, data []byte) error {
	return p.fakePublisher.Publish(topic, data)
}

func TestNewEvent(t *testing.T) {
	event := NewEvent(KindError, testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	assert.Equal(t, "did-1", event.DID)
	assert.Equal(t, "rest", event.DataSource)
	assert.Equal(t, map[string]string{"batch": "7"}, event.Annotations)

	data, err := event.Marshal()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["kind"])
	assert.Equal(t, "DATA_SINK", decoded["flowType"])

	assert.Empty(t, NewEvent(KindFilter, nil, "f", types.FlowTypeTransform, "a", "c", testNow).DID)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	sink.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	sink.RecordFilter(testDeltaFile(), "sink", types.FlowTypeDataSink, "format", "duplicate", testNow)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `msg="deltaFile error"`)
	assert.Contains(t, lines[0], "cause=refused")
	assert.Contains(t, lines[1], `msg="deltaFile filter"`)
	assert.Contains(t, lines[1], "action=format")
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	sink.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	sink.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	sink.RecordFilter(testDeltaFile(), "sink", types.FlowTypeDataSink, "format", "duplicate", testNow)

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.errors.WithLabelValues("rest", "sink", "egress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.filters.WithLabelValues("rest", "sink", "format")))

	_, err = NewPrometheusSink(reg)
	assert.Error(t, err, "counters are already registered")
}

func TestEngineCollector(t *testing.T) {
	collector := NewEngineCollector(func() metrics.EngineMetrics {
		return metrics.EngineMetrics{Total: 10, Applied: 6, Dropped: 2, Ignored: 1, Failed: 1, Conflicts: 4, Current: 1}
	})
	assert.Equal(t, 7, testutil.CollectAndCount(collector))

	expected := `
# HELP deltaflow_version_conflicts_total DeltaFile saves retried after a version conflict.
# TYPE deltaflow_version_conflicts_total counter
deltaflow_version_conflicts_total 4
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "deltaflow_version_conflicts_total"))
}

func TestQueueCollector(t *testing.T) {
	q := queue.NewMemoryQueue(func() time.Time { return testNow })
	defer q.Close()
	require.NoError(t, q.Put(t.Context(), "org.example.Egress", []byte("a"), testNow))
	require.NoError(t, q.Put(t.Context(), "org.example.Egress", []byte("b"), testNow))

	collector := NewQueueCollector(q, func() []string { return []string{"org.example.Egress", "org.example.Format"} })
	expected := `
# HELP deltaflow_queue_size Items waiting in an action queue.
# TYPE deltaflow_queue_size gauge
deltaflow_queue_size{queue="org.example.Egress"} 2
deltaflow_queue_size{queue="org.example.Format"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
}

func TestMQTTSink(t *testing.T) {
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, "", 1, types.DiscardLogger())
	sink.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	sink.RecordFilter(testDeltaFile(), "sink", types.FlowTypeDataSink, "format", "duplicate", testNow)

	require.Len(t, client.messages, 2)
	assert.Equal(t, "deltaflow/error", client.messages[0].topic)
	assert.Equal(t, "deltaflow/filter", client.messages[1].topic)
	var event Event
	require.NoError(t, json.Unmarshal(client.messages[1].data, &event))
	assert.Equal(t, "duplicate", event.Cause)

	client.err = errors.New("not connected")
	sink.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	assert.Len(t, client.messages, 3)
}

func TestNATSSink(t *testing.T) {
	conn := &fakePublisher{}
	sink := NewNATSSink(conn, "analytics", types.DiscardLogger())
	sink.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	sink.RecordFilter(nil, "sink", types.FlowTypeDataSink, "format", "duplicate", testNow)

	require.Len(t, conn.messages, 2)
	assert.Equal(t, "analytics.error.rest", conn.messages[0].topic)
	assert.Equal(t, "analytics.filter", conn.messages[1].topic)
}

func TestMulti(t *testing.T) {
	first, second := &fakePublisher{}, &fakePublisher{}
	multi := Multi{NewNATSSink(first, "", nil), NewNATSSink(second, "", nil)}
	multi.RecordError(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	multi.RecordFilter(testDeltaFile(), "sink", types.FlowTypeDataSink, "egress", "refused", testNow)
	assert.Len(t, first.messages, 2)
	assert.Len(t, second.messages, 2)
}
