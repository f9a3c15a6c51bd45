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

// Package pubsub routes a DeltaFile from a flow that finished processing to the
// subscriber flows that accept it.
//
// A publisher evaluates its publish rules to find topics, every running or paused
// subscriber with a subscribe rule on one of those topics whose condition holds
// becomes a new flow on the DeltaFile. When nobody accepts the DeltaFile the
// publisher's default rule decides between publishing to a fallback topic once,
// filtering and erroring. Either way the completed flow ends with at least one
// successor or exactly one synthetic NO_SUBSCRIBERS action.
package pubsub

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
	"github.com/rulego/deltaflow/topic"
)

// Router computes the successor flows of a completed flow.
// Router 计算已完成流程的后继流程。
type Router struct {
	registry  *topic.Registry
	evaluator *condition.Evaluator
	analytics types.Analytics
	logger    types.Logger
	clock     types.Clock
	// strictTopics rejects topics that are not registered instead of treating them as filterless.
	strictTopics bool
}

// Option configures a Router.
type Option func(*Router)

// WithStrictTopics makes unregistered topics reject the DeltaFile with a "Missing topic" error.
func WithStrictTopics() Option {
	return func(r *Router) {
		r.strictTopics = true
	}
}

// NewRouter creates a router. analytics may be nil.
// NewRouter 创建路由器。analytics 可以为 nil。
func NewRouter(config types.Config, registry *topic.Registry, evaluator *condition.Evaluator, analytics types.Analytics, opts ...Option) *Router {
	r := &Router{
		registry:  registry,
		evaluator: evaluator,
		analytics: analytics,
		logger:    types.NewLogger(config.Logger),
		clock:     config.Now,
	}
	if r.analytics == nil {
		r.analytics = noAnalytics{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithAnalytics returns a copy of the router reporting to analytics.
func (r *Router) WithAnalytics(analytics types.Analytics) *Router {
	c := *r
	c.analytics = analytics
	if c.analytics == nil {
		c.analytics = noAnalytics{}
	}
	return &c
}

// Subscribers appends a new flow to deltaFile for every subscriber that accepts the DeltaFile
// published by completed, and returns them ordered by subscriber name. When none accepts it a
// synthetic ERROR or FILTERED action is recorded on completed instead and nil is returned.
// Routing problems are never returned as errors, an error means flow cannot publish at all.
// Subscribers 返回接收该 DeltaFile 的订阅流程，按订阅者名称排序。
// 没有订阅者接收时，在 completed 上记录合成的 ERROR 或 FILTERED 动作并返回 nil。
func (r *Router) Subscribers(flow *types.Flow, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow) ([]*types.DeltaFileFlow, error) {
	if flow == nil {
		return nil, fmt.Errorf("%w: nil flow", types.ErrUnexpectedFlowKind)
	}
	switch kind := flow.Kind(); kind {
	case types.KindDataSource:
		return r.dataSourceSubscribers(flow, deltaFile, completed), nil
	case types.KindPublisher, types.KindPublisherSubscriber:
		return r.publisherSubscribers(flow, deltaFile, completed), nil
	case types.KindSubscriber, types.KindUnknown:
		return nil, fmt.Errorf("%w: flow %s of type %s is a %s", types.ErrUnexpectedFlowKind, flow.Name, flow.Type, kind)
	default:
		return nil, fmt.Errorf("%w: flow %s has kind %d", types.ErrUnexpectedFlowKind, flow.Name, kind)
	}
}

// MatchingTopics evaluates publish rules against view. With FIRST_MATCHING it returns the topic of
// the first matching rule in declaration order, otherwise the topics of every matching rule.
// The result is sorted and free of duplicates.
// MatchingTopics 根据 view 计算发布规则匹配的主题，结果已排序且不重复。
func (r *Router) MatchingTopics(rules *types.PublishRules, view condition.View) []string {
	if rules == nil || len(rules.Rules) == 0 {
		return []string{}
	}
	if rules.Policy() == types.FirstMatching {
		for _, rule := range rules.Rules {
			if r.evaluator.Evaluate(rule.Condition, view) {
				return []string{rule.Topic}
			}
		}
		return []string{}
	}
	set := make(map[string]struct{})
	for _, rule := range rules.Rules {
		if r.evaluator.Evaluate(rule.Condition, view) {
			set[rule.Topic] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func (r *Router) dataSourceSubscribers(dataSource *types.Flow, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow) []*types.DeltaFileFlow {
	view := condition.FlowView(deltaFile, completed)
	completed.PublishTopics = []string{dataSource.Topic}
	var rejections []topic.Verdict
	subscribers := r.route(completed.PublishTopics, deltaFile, completed, view, &rejections)
	if len(subscribers) > 0 {
		return subscribers
	}
	if r.rejectByTopic(rejections, deltaFile, completed) {
		return nil
	}
	cause := fmt.Sprintf("No subscribers found for data source '%s' on topic '%s'", dataSource.Name, dataSource.Topic)
	r.errorFlow(deltaFile, completed, cause, cause)
	return nil
}

func (r *Router) publisherSubscribers(publisher *types.Flow, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow) []*types.DeltaFileFlow {
	view := condition.FlowView(deltaFile, completed)
	publishTopics := r.MatchingTopics(publisher.PublishRules, view)
	completed.PublishTopics = publishTopics
	var rejections []topic.Verdict
	subscribers := r.route(publishTopics, deltaFile, completed, view, &rejections)
	if len(subscribers) > 0 {
		return subscribers
	}
	return r.handleNoMatches(publisher, deltaFile, completed, publishTopics, view, rejections)
}

// handleNoMatches applies the default rule. A PUBLISH default is tried once, if its topic
// yields no subscriber either the DeltaFile is errored, even when a topic filter rejected it.
func (r *Router) handleNoMatches(publisher *types.Flow, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow,
	publishTopics []string, view condition.View, rejections []topic.Verdict) []*types.DeltaFileFlow {
	defaultRule := publisher.PublishRules.Default()
	behavior := defaultRule.DefaultBehavior
	if behavior == types.DefaultBehaviorPublish {
		var fallbackRejections []topic.Verdict
		subscribers := r.route([]string{defaultRule.Topic}, deltaFile, completed, view, &fallbackRejections)
		if len(subscribers) > 0 {
			completed.PublishTopics = []string{defaultRule.Topic}
			return subscribers
		}
		behavior = types.DefaultBehaviorError
	} else if r.rejectByTopic(rejections, deltaFile, completed) {
		return nil
	}

	context := "No subscribers found from flow '" + publisher.Name + "' "
	if len(publishTopics) == 0 {
		context += "because no topics matched the criteria."
	} else {
		context += "listening on matching topics: " + strings.Join(publishTopics, ", ")
	}
	context += "\nWith rules:\n" + publisher.PublishRules.String()

	if behavior == types.DefaultBehaviorFilter {
		r.filterFlow(deltaFile, completed, types.NoSubscribersCause, context)
	} else {
		r.errorFlow(deltaFile, completed, types.NoSubscribersCause, context)
	}
	return nil
}

// route resolves the subscribers of topics and creates a flow for each one that accepts the
// DeltaFile. Topics rejected by their filters are skipped and appended to rejections.
func (r *Router) route(topics []string, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow,
	view condition.View, rejections *[]topic.Verdict) []*types.DeltaFileFlow {
	allowed := make(map[string]struct{}, len(topics))
	candidates := make(map[string]*types.Flow)
	for _, name := range topics {
		if _, registered := r.registry.GetTopic(name); registered || r.strictTopics {
			if verdict := r.registry.Check(name, view); !verdict.Allowed {
				*rejections = append(*rejections, verdict)
				continue
			}
		}
		allowed[name] = struct{}{}
		for _, subscriber := range r.registry.GetSubscribers(name) {
			candidates[subscriber.Name] = subscriber
		}
	}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	var flows []*types.DeltaFileFlow
	for _, name := range names {
		subscriber := candidates[name]
		matched := r.matchedTopics(subscriber, allowed, view)
		if len(matched) == 0 {
			continue
		}
		flows = append(flows, r.newFlow(subscriber, deltaFile, completed, matched))
	}
	return flows
}

// matchedTopics returns the topics of the subscriber's rules that target an allowed topic
// and whose condition holds.
func (r *Router) matchedTopics(subscriber *types.Flow, allowed map[string]struct{}, view condition.View) []string {
	matched := make(map[string]struct{})
	for _, rule := range subscriber.SubscribeRules {
		if _, ok := allowed[rule.Topic]; !ok {
			continue
		}
		if _, ok := matched[rule.Topic]; ok {
			continue
		}
		if r.evaluator.Evaluate(rule.Condition, view) {
			matched[rule.Topic] = struct{}{}
		}
	}
	return sortedKeys(matched)
}

func (r *Router) newFlow(subscriber *types.Flow, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow, sourceTopics []string) *types.DeltaFileFlow {
	now := r.clock()
	flow := deltaFile.AddFlow(subscriber.Name, subscriber.Type, completed, sourceTopics, now)
	flow.ActionConfigurations = make([]types.ActionConfiguration, 0, len(subscriber.Actions))
	for _, a := range subscriber.Actions {
		flow.ActionConfigurations = append(flow.ActionConfigurations, a.Copy())
	}
	flow.PendingActions = subscriber.ActionNames()
	if subscriber.TestMode {
		flow.TestMode = true
		flow.TestModeReason = subscriber.Name
	}
	if flow.TestMode {
		deltaFile.TestMode = true
	}
	if subscriber.Paused() {
		flow.State = types.FlowStatePaused
	}
	return flow
}

// rejectByTopic records the first ERROR or FILTER topic rejection, if any.
func (r *Router) rejectByTopic(rejections []topic.Verdict, deltaFile *types.DeltaFile, completed *types.DeltaFileFlow) bool {
	for _, verdict := range rejections {
		if verdict.Policy == types.FilterPolicyDrop {
			continue
		}
		action := r.registry.Reject(verdict, deltaFile, completed)
		r.recordOutcome(deltaFile, completed, action)
		return true
	}
	return false
}

func (r *Router) errorFlow(deltaFile *types.DeltaFile, completed *types.DeltaFileFlow, cause, context string) {
	action := completed.AddSyntheticAction(types.NoSubscribersAction, types.ActionStateError, cause, context, r.clock())
	r.recordOutcome(deltaFile, completed, action)
}

func (r *Router) filterFlow(deltaFile *types.DeltaFile, completed *types.DeltaFileFlow, cause, context string) {
	action := completed.AddSyntheticAction(types.NoSubscribersAction, types.ActionStateFiltered, cause, context, r.clock())
	r.recordOutcome(deltaFile, completed, action)
}

func (r *Router) recordOutcome(deltaFile *types.DeltaFile, completed *types.DeltaFileFlow, action *types.Action) {
	now := r.clock()
	deltaFile.UpdateStage(now)
	switch action.State {
	case types.ActionStateFiltered:
		r.logger.Info("deltaFile filtered", "did", deltaFile.DID, "flow", completed.Name, "cause", action.FilteredCause)
		r.analytics.RecordFilter(deltaFile, completed.Name, completed.Type, action.Name, action.FilteredCause, now)
	default:
		r.logger.Info("deltaFile errored", "did", deltaFile.DID, "flow", completed.Name, "cause", action.ErrorCause)
		r.analytics.RecordError(deltaFile, completed.Name, completed.Type, action.Name, action.ErrorCause, now)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type noAnalytics struct{}

func (noAnalytics) RecordError(*types.DeltaFile, string, types.FlowType, string, string, time.Time) {}
func (noAnalytics) RecordFilter(*types.DeltaFile, string, types.FlowType, string, string, time.Time) {}
