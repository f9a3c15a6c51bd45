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
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/api/types/metrics"
)

const namespace = "deltaflow"

var outcomeLabels = []string{"data_source", "flow", "action"}

// PrometheusSink counts errors and filters per data source, flow and action.
type PrometheusSink struct {
	errors  *prometheus.CounterVec
	filters *prometheus.CounterVec
}

var _ types.Analytics = (*PrometheusSink)(nil)

// NewPrometheusSink creates the counters and registers them on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "The number of actions that ended in ERROR, including routing errors.",
		}, outcomeLabels),
		filters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filtered_total",
			Help:      "The number of actions that FILTERED a DeltaFile.",
		}, outcomeLabels),
	}
	for _, c := range []prometheus.Collector{s.errors, s.filters} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) RecordError(deltaFile *types.DeltaFile, flowName string, _ types.FlowType, actionName, _ string, _ time.Time) {
	s.errors.WithLabelValues(dataSource(deltaFile), flowName, actionName).Inc()
}

func (s *PrometheusSink) RecordFilter(deltaFile *types.DeltaFile, flowName string, _ types.FlowType, actionName, _ string, _ time.Time) {
	s.filters.WithLabelValues(dataSource(deltaFile), flowName, actionName).Inc()
}

func dataSource(deltaFile *types.DeltaFile) string {
	if deltaFile == nil {
		return ""
	}
	return deltaFile.DataSource
}

// EngineCollector exports the engine event counters.
type EngineCollector struct {
	stats      func() metrics.EngineMetrics
	events     *prometheus.Desc
	inProgress *prometheus.Desc
	conflicts  *prometheus.Desc
}

// NewEngineCollector creates a collector reading stats on every scrape.
func NewEngineCollector(stats func() metrics.EngineMetrics) *EngineCollector {
	return &EngineCollector{
		stats: stats,
		events: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "action_events_total"),
			"Action events handled by the engine, by outcome. Dropped events were inconsistent or undecodable.",
			[]string{"outcome"}, nil),
		inProgress: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "action_events_in_progress"),
			"Action events being applied.", nil, nil),
		conflicts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "version_conflicts_total"),
			"DeltaFile saves retried after a version conflict.", nil, nil),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.inProgress
	ch <- c.conflicts
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.stats()
	for outcome, value := range map[string]int64{
		"received": m.Total,
		"applied":  m.Applied,
		"dropped":  m.Dropped,
		"ignored":  m.Ignored,
		"failed":   m.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(value), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.inProgress, prometheus.GaugeValue, float64(m.Current))
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, float64(m.Conflicts))
}

// QueueCollector exports the depth of the action queues named by keys.
type QueueCollector struct {
	queue types.Queue
	keys  func() []string
	size  *prometheus.Desc
}

// NewQueueCollector creates a collector sizing every queue returned by keys on each scrape.
func NewQueueCollector(queue types.Queue, keys func() []string) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		keys:  keys,
		size: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queue_size"),
			"Items waiting in an action queue.", []string{"queue"}, nil),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, key := range c.keys() {
		size, err := c.queue.Size(ctx, key)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.size, err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(size), key)
	}
}
