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

package metrics

import (
	"sync/atomic"
)

// EngineMetrics counts what the engine did with incoming action events.
type EngineMetrics struct {
	Current   int64 // Events being applied right now
	Total     int64 // Events received
	Applied   int64 // Events applied and saved
	Dropped   int64 // Events rejected as consistency errors
	Ignored   int64 // Late events for terminal or cancelled actions
	Conflicts int64 // Version conflicts retried
	Failed    int64 // Events that failed for other reasons
}

// NewEngineMetrics creates a new instance of EngineMetrics.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{}
}

// IncrementCurrent increases the count of events being applied.
func (m *EngineMetrics) IncrementCurrent() {
	atomic.AddInt64(&m.Current, 1)
}

// DecrementCurrent decreases the count of events being applied.
func (m *EngineMetrics) DecrementCurrent() {
	atomic.AddInt64(&m.Current, -1)
}

func (m *EngineMetrics) IncrementTotal() {
	atomic.AddInt64(&m.Total, 1)
}

func (m *EngineMetrics) IncrementApplied() {
	atomic.AddInt64(&m.Applied, 1)
}

func (m *EngineMetrics) IncrementDropped() {
	atomic.AddInt64(&m.Dropped, 1)
}

func (m *EngineMetrics) IncrementIgnored() {
	atomic.AddInt64(&m.Ignored, 1)
}

func (m *EngineMetrics) IncrementConflicts() {
	atomic.AddInt64(&m.Conflicts, 1)
}

func (m *EngineMetrics) IncrementFailed() {
	atomic.AddInt64(&m.Failed, 1)
}

// Get returns a copy of the current metrics.
func (m *EngineMetrics) Get() EngineMetrics {
	return EngineMetrics{
		Current:   atomic.LoadInt64(&m.Current),
		Total:     atomic.LoadInt64(&m.Total),
		Applied:   atomic.LoadInt64(&m.Applied),
		Dropped:   atomic.LoadInt64(&m.Dropped),
		Ignored:   atomic.LoadInt64(&m.Ignored),
		Conflicts: atomic.LoadInt64(&m.Conflicts),
		Failed:    atomic.LoadInt64(&m.Failed),
	}
}

// Reset resets all metrics to zero.
func (m *EngineMetrics) Reset() {
	atomic.StoreInt64(&m.Current, 0)
	atomic.StoreInt64(&m.Total, 0)
	atomic.StoreInt64(&m.Applied, 0)
	atomic.StoreInt64(&m.Dropped, 0)
	atomic.StoreInt64(&m.Ignored, 0)
	atomic.StoreInt64(&m.Conflicts, 0)
	atomic.StoreInt64(&m.Failed, 0)
}
