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

// Package topic maintains the topic registry: topic definitions and the subscribers
// listening on each topic, served from an immutable snapshot.
package topic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
)

const (
	MissingTopicCause  = "Missing topic"
	ErroredByFilter    = "Errored by topic filter rules"
	FilteredByFilter   = "Filtered by topic filter rules"
	missingTopicFormat = "Missing topic with an id of %s"
)

// Snapshot is an immutable view of the flows and topics at refresh time.
type Snapshot struct {
	topics      map[string]*types.Topic
	flows       map[string]*types.Flow
	subscribers map[string][]*types.Flow
}

var emptySnapshot = newSnapshot(nil, nil)

func newSnapshot(flows []*types.Flow, topics []*types.Topic) *Snapshot {
	s := &Snapshot{
		topics:      make(map[string]*types.Topic, len(topics)),
		flows:       make(map[string]*types.Flow, len(flows)),
		subscribers: make(map[string][]*types.Flow),
	}
	for _, t := range topics {
		s.topics[t.Name] = t.Copy()
	}
	for _, f := range flows {
		flow := f.Copy()
		s.flows[flow.Name] = flow
		if !flow.IsSubscriber() || !flow.Active() {
			continue
		}
		seen := make(map[string]bool)
		for _, rule := range flow.SubscribeRules {
			if seen[rule.Topic] {
				continue
			}
			seen[rule.Topic] = true
			s.subscribers[rule.Topic] = append(s.subscribers[rule.Topic], flow)
		}
	}
	for _, subscribers := range s.subscribers {
		sort.Slice(subscribers, func(i, j int) bool { return subscribers[i].Name < subscribers[j].Name })
	}
	return s
}

// Topic returns the topic definition.
func (s *Snapshot) Topic(name string) (*types.Topic, bool) {
	t, ok := s.topics[name]
	return t, ok
}

// Flow returns a flow definition, whatever its state.
func (s *Snapshot) Flow(name string) (*types.Flow, bool) {
	f, ok := s.flows[name]
	return f, ok
}

// Subscribers returns the running or paused subscriber flows with a rule on topic, ordered by name.
// The returned flows are shared and must not be modified.
func (s *Snapshot) Subscribers(topic string) []*types.Flow {
	return append([]*types.Flow(nil), s.subscribers[topic]...)
}

// Topics returns the registered topics ordered by name.
func (s *Snapshot) Topics() []*types.Topic {
	out := make([]*types.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Flows returns every flow ordered by name.
func (s *Snapshot) Flows() []*types.Flow {
	out := make([]*types.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Verdict is the outcome of running a DeltaFile through a topic's filters.
type Verdict struct {
	Allowed bool
	// Policy is what a rejection turns into, DROP rejections leave no trace.
	Policy  types.TopicFilterPolicy
	Cause   string
	Context string
}

// Registry serves the current Snapshot. Refreshes rebuild the snapshot wholesale and swap it
// atomically, readers never see a partially built one but may see a stale one.
// Registry 提供当前快照。刷新时整体重建快照并原子替换。
type Registry struct {
	flows     types.FlowRepository
	topics    types.TopicRepository
	evaluator *condition.Evaluator
	logger    types.Logger
	clock     types.Clock
	snapshot  atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	listeners []func(*Snapshot)
}

// NewRegistry creates a registry serving an empty snapshot until RefreshCache is called.
func NewRegistry(config types.Config, flows types.FlowRepository, topics types.TopicRepository, evaluator *condition.Evaluator) *Registry {
	r := &Registry{
		flows:     flows,
		topics:    topics,
		evaluator: evaluator,
		logger:    types.NewLogger(config.Logger),
		clock:     config.Now,
	}
	r.snapshot.Store(emptySnapshot)
	return r
}

// OnRefresh registers a listener called with every new snapshot. Not safe to call concurrently with RefreshCache.
func (r *Registry) OnRefresh(listener func(*Snapshot)) {
	r.listeners = append(r.listeners, listener)
}

// RefreshCache rebuilds the snapshot from the repositories.
// RefreshCache 从仓库重建快照。
func (r *Registry) RefreshCache(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	flows, err := r.flows.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load flows: %w", err)
	}
	topics, err := r.topics.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}
	snapshot := newSnapshot(flows, topics)
	r.snapshot.Store(snapshot)
	r.logger.Debug("topic registry refreshed", "flows", len(flows), "topics", len(topics))
	for _, listener := range r.listeners {
		listener(snapshot)
	}
	return nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// GetTopic returns a topic from the current snapshot.
func (r *Registry) GetTopic(name string) (*types.Topic, bool) {
	return r.Snapshot().Topic(name)
}

// GetFlow returns a flow definition from the current snapshot.
func (r *Registry) GetFlow(name string) (*types.Flow, bool) {
	return r.Snapshot().Flow(name)
}

// GetSubscribers returns the subscribers on topic from the current snapshot.
func (r *Registry) GetSubscribers(topic string) []*types.Flow {
	return r.Snapshot().Subscribers(topic)
}

// Check runs view through the filters of the named topic without side effects.
// An unknown topic is rejected with ERROR.
func (r *Registry) Check(topicName string, view condition.View) Verdict {
	t, ok := r.GetTopic(topicName)
	if !ok {
		return Verdict{Policy: types.FilterPolicyError, Cause: MissingTopicCause, Context: fmt.Sprintf(missingTopicFormat, topicName)}
	}
	return r.checkTopic(t, view)
}

func (r *Registry) checkTopic(t *types.Topic, view condition.View) Verdict {
	for _, filter := range t.Filters {
		if filter == "" || !r.evaluator.EvaluateText(filter, view) {
			continue
		}
		policy := t.Policy()
		v := Verdict{Policy: policy, Context: t.String()}
		switch policy {
		case types.FilterPolicyError:
			v.Cause = ErroredByFilter
		case types.FilterPolicyFilter:
			v.Cause = FilteredByFilter
		}
		return v
	}
	return Verdict{Allowed: true}
}

// TopicAllowsDeltaFile reports whether the DeltaFile published by flow may go to the named topic.
// A rejection is recorded on flow as a synthetic action according to the topic filter policy:
// ERROR and missing topics error the flow, FILTER filters it, DROP records nothing.
// TopicAllowsDeltaFile 判断 flow 发布的 DeltaFile 能否进入指定主题，拒绝时按主题过滤策略记录合成动作。
func (r *Registry) TopicAllowsDeltaFile(topicName string, deltaFile *types.DeltaFile, flow *types.DeltaFileFlow) bool {
	verdict := r.Check(topicName, condition.FlowView(deltaFile, flow))
	if verdict.Allowed {
		return true
	}
	r.Reject(verdict, deltaFile, flow)
	return false
}

// Reject records a rejection verdict on flow and returns the synthetic action, nil for DROP.
func (r *Registry) Reject(verdict Verdict, deltaFile *types.DeltaFile, flow *types.DeltaFileFlow) *types.Action {
	now := r.clock()
	switch verdict.Policy {
	case types.FilterPolicyError:
		return flow.AddSyntheticAction(types.NoSubscribersAction, types.ActionStateError, verdict.Cause, verdict.Context, now)
	case types.FilterPolicyFilter:
		return flow.AddSyntheticAction(types.NoSubscribersAction, types.ActionStateFiltered, verdict.Cause, verdict.Context, now)
	default:
		r.logger.Debug("topic dropped deltaFile", "did", deltaFile.DID, "flow", flow.Name)
		return nil
	}
}
