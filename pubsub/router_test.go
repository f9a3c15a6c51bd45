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

package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
	"github.com/rulego/deltaflow/store"
	"github.com/rulego/deltaflow/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordedEvent struct {
	kind   string
	flow   string
	action string
	cause  string
}

type recordingAnalytics struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (a *recordingAnalytics) RecordError(_ *types.DeltaFile, flowName string, _ types.FlowType, actionName, cause string, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{kind: "error", flow: flowName, action: actionName, cause: cause})
}

func (a *recordingAnalytics) RecordFilter(_ *types.DeltaFile, flowName string, _ types.FlowType, actionName, cause string, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{kind: "filter", flow: flowName, action: actionName, cause: cause})
}

type fixture struct {
	registry  *topic.Registry
	router    *Router
	analytics *recordingAnalytics
}

func newFixture(t *testing.T, flows []*types.Flow, topics []*types.Topic, opts ...Option) *fixture {
	ctx := context.Background()
	config := types.NewConfig(types.WithLogger(types.DiscardLogger()), types.WithClock(func() time.Time { return testNow }))
	evaluator := condition.NewEvaluator(config)
	t.Cleanup(evaluator.Close)
	flowRepo := store.NewMemoryFlowRepository()
	topicRepo := store.NewMemoryTopicRepository()
	for _, f := range flows {
		_, err := flowRepo.Save(ctx, f)
		require.NoError(t, err)
	}
	for _, tp := range topics {
		_, err := topicRepo.Save(ctx, tp)
		require.NoError(t, err)
	}
	registry := topic.NewRegistry(config, flowRepo, topicRepo, evaluator)
	require.NoError(t, registry.RefreshCache(ctx))
	analytics := &recordingAnalytics{}
	return &fixture{
		registry:  registry,
		router:    NewRouter(config, registry, evaluator, analytics, opts...),
		analytics: analytics,
	}
}

func publisher(name string, rules *types.PublishRules) *types.Flow {
	return &types.Flow{Name: name, Type: types.FlowTypeTransform, State: types.FlowRunning, PublishRules: rules}
}

func subscriber(name string, rules ...types.Rule) *types.Flow {
	return &types.Flow{
		Name:           name,
		Type:           types.FlowTypeDataSink,
		State:          types.FlowRunning,
		SubscribeRules: rules,
		Actions: []types.ActionConfiguration{
			{Name: name + "-format", Type: "org.example.Format", ActionType: types.ActionTypeTransform},
			{Name: name + "-egress", Type: "org.example.Egress", ActionType: types.ActionTypeEgress},
		},
	}
}

// completedFlow returns a DeltaFile whose only flow finished with content of the given media type.
func completedFlow(name string, flowType types.FlowType, mediaType string) (*types.DeltaFile, *types.DeltaFileFlow) {
	d := types.NewDeltaFile("did", "file", "ds", testNow)
	f := d.AddFlow(name, flowType, nil, nil, testNow)
	f.Input.Metadata = types.Metadata{"source": "sensor"}
	action := f.AddAction("transform", types.ActionTypeTransform, types.ActionStateQueued, testNow)
	action.Complete(testNow, testNow, []types.Content{{Name: "out", MediaType: mediaType}}, nil, nil, testNow)
	f.UpdateState(testNow)
	return d, f
}

func cond(s string) *string { return &s }

func jsonRules() *types.PublishRules {
	return &types.PublishRules{
		MatchingPolicy: types.AllMatching,
		Rules:          []types.Rule{{Topic: "t1", Condition: cond("hasMediaType('application/json')")}},
	}
}

func TestScenarioAMatchingPublisher(t *testing.T) {
	p := publisher("p", jsonRules())
	s1 := subscriber("s1", types.NewRule("t1", ""))
	fx := newFixture(t, []*types.Flow{p, s1}, nil)

	d, completed := completedFlow("p", types.FlowTypeTransform, "application/json")
	flows, err := fx.router.Subscribers(p, d, completed)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, []string{"t1"}, completed.PublishTopics)

	next := flows[0]
	assert.Equal(t, "s1", next.Name)
	assert.Equal(t, []string{"t1"}, next.SourceTopics)
	assert.Equal(t, []string{"s1-format", "s1-egress"}, next.PendingActions)
	assert.Equal(t, types.FlowStateNew, next.State)
	assert.Equal(t, types.Metadata{"source": "sensor"}, next.Input.Metadata)
	assert.Equal(t, []types.Content{{Name: "out", MediaType: "application/json"}}, next.Input.Content)
	assert.Len(t, next.ActionConfigurations, 2)
	assert.Len(t, d.Flows, 2)
	assert.Empty(t, completed.Actions[len(completed.Actions)-1].ErrorCause)
	assert.Empty(t, fx.analytics.events)
}

func TestScenarioBNoMatchErrors(t *testing.T) {
	p := publisher("p", jsonRules())
	fx := newFixture(t, []*types.Flow{p, subscriber("s1", types.NewRule("t1", ""))}, nil)

	d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
	flows, err := fx.router.Subscribers(p, d, completed)
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Empty(t, completed.PublishTopics)
	assert.NotNil(t, completed.PublishTopics)

	require.Len(t, completed.Actions, 2)
	synthetic := completed.Actions[1]
	assert.Equal(t, types.NoSubscribersAction, synthetic.Name)
	assert.Equal(t, types.ActionTypePublish, synthetic.Type)
	assert.Equal(t, types.ActionStateError, synthetic.State)
	assert.Equal(t, types.NoSubscribersCause, synthetic.ErrorCause)
	assert.Equal(t, "No subscribers found from flow 'p' because no topics matched the criteria.\nWith rules:\n"+
		"matchingPolicy: ALL_MATCHING\ndefaultRule: ERROR\nrules:\n  - topic: t1, condition: hasMediaType('application/json')",
		synthetic.ErrorContext)
	assert.Equal(t, []types.Content{{Name: "out", MediaType: "text/plain"}}, synthetic.Content)
	assert.Equal(t, types.FlowStateError, completed.State)
	assert.Equal(t, types.StageError, d.Stage)
	assert.Equal(t, []recordedEvent{{kind: "error", flow: "p", action: types.NoSubscribersAction, cause: types.NoSubscribersCause}}, fx.analytics.events)
}

func TestScenarioCDataSourceWithoutSubscribers(t *testing.T) {
	ds := &types.Flow{Name: "D", Type: types.FlowTypeRestDataSource, State: types.FlowRunning, Topic: "raw-ingress",
		PublishRules: &types.PublishRules{DefaultRule: &types.DefaultRule{DefaultBehavior: types.DefaultBehaviorFilter}}}
	fx := newFixture(t, []*types.Flow{ds, subscriber("elsewhere", types.NewRule("other", ""))}, nil)

	d, completed := completedFlow("D", types.FlowTypeRestDataSource, "text/plain")
	flows, err := fx.router.Subscribers(ds, d, completed)
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Equal(t, []string{"raw-ingress"}, completed.PublishTopics)
	synthetic := completed.LastAction()
	assert.Equal(t, types.ActionStateError, synthetic.State, "data sources never use a default rule")
	assert.Contains(t, synthetic.ErrorCause, "'D'")
	assert.Contains(t, synthetic.ErrorCause, "'raw-ingress'")
}

func TestDataSourceRoutes(t *testing.T) {
	ds := &types.Flow{Name: "D", Type: types.FlowTypeTimedDataSource, State: types.FlowRunning, Topic: "raw"}
	fx := newFixture(t, []*types.Flow{ds, subscriber("s", types.NewRule("raw", "metadata['source'] == 'sensor'"))}, nil)
	d, completed := completedFlow("D", types.FlowTypeTimedDataSource, "text/plain")
	flows, err := fx.router.Subscribers(ds, d, completed)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, []string{"raw"}, flows[0].SourceTopics)
}

func TestMatchingTopics(t *testing.T) {
	fx := newFixture(t, nil, nil)
	view := condition.NewView(map[string]string{"k": "v"}, nil, []types.Content{{Name: "c", MediaType: "application/json"}})
	yes, no := "true", "false"

	t.Run("firstMatching", func(t *testing.T) {
		for k := 0; k < 4; k++ {
			rules := &types.PublishRules{MatchingPolicy: types.FirstMatching}
			for i := 0; i < 4; i++ {
				// rules before k never match, rules after k always match
				c := &no
				if i >= k {
					c = &yes
				}
				rules.Rules = append(rules.Rules, types.Rule{Topic: fmt.Sprintf("t%d", i), Condition: c})
			}
			assert.Equal(t, []string{fmt.Sprintf("t%d", k)}, fx.router.MatchingTopics(rules, view))
		}
	})

	t.Run("allMatching", func(t *testing.T) {
		rules := &types.PublishRules{Rules: []types.Rule{
			{Topic: "b", Condition: &yes},
			{Topic: "a", Condition: cond("hasMetadataValue('k', 'v')")},
			{Topic: "b"},
			{Topic: "c", Condition: &no},
			{Topic: "d", Condition: cond("broken(")},
		}}
		assert.Equal(t, []string{"a", "b"}, fx.router.MatchingTopics(rules, view))
		rules.MatchingPolicy = types.AllMatching
		assert.Equal(t, []string{"a", "b"}, fx.router.MatchingTopics(rules, view))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, fx.router.MatchingTopics(nil, view))
		assert.Empty(t, fx.router.MatchingTopics(&types.PublishRules{MatchingPolicy: types.FirstMatching}, view))
		assert.Empty(t, fx.router.MatchingTopics(&types.PublishRules{MatchingPolicy: types.FirstMatching,
			Rules: []types.Rule{{Topic: "x", Condition: &no}}}, view))
	})
}

func TestSubscriberAcceptance(t *testing.T) {
	p := publisher("p", &types.PublishRules{Rules: []types.Rule{types.NewRule("t1", ""), types.NewRule("t2", "")}})
	both := subscriber("both", types.NewRule("t1", ""), types.NewRule("t2", "hasMediaType('application/json')"))
	onlyFalse := subscriber("onlyFalse", types.NewRule("t1", "false"))
	otherTopic := subscriber("otherTopic", types.NewRule("t3", ""))
	fx := newFixture(t, []*types.Flow{p, both, onlyFalse, otherTopic}, nil)

	d, completed := completedFlow("p", types.FlowTypeTransform, "application/json")
	flows, err := fx.router.Subscribers(p, d, completed)
	require.NoError(t, err)
	require.Len(t, flows, 1, "one flow per subscriber, not per topic")
	assert.Equal(t, "both", flows[0].Name)
	assert.Equal(t, []string{"t1", "t2"}, flows[0].SourceTopics)
}

func TestSoleMatchingRuleTurnedFalse(t *testing.T) {
	p := publisher("p", &types.PublishRules{Rules: []types.Rule{types.NewRule("t1", "")}})
	s := subscriber("s", types.NewRule("t1", "true"))
	fx := newFixture(t, []*types.Flow{p, s}, nil)
	d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
	flows, err := fx.router.Subscribers(p, d, completed)
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	s.SubscribeRules = []types.Rule{types.NewRule("t1", "false")}
	_, err = fx.registry.SaveFlow(context.Background(), s)
	require.NoError(t, err)
	d, completed = completedFlow("p", types.FlowTypeTransform, "text/plain")
	flows, err = fx.router.Subscribers(p, d, completed)
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestDefaultRules(t *testing.T) {
	noMatch := func(defaultRule *types.DefaultRule) *types.Flow {
		return publisher("p", &types.PublishRules{
			DefaultRule: defaultRule,
			Rules:       []types.Rule{types.NewRule("t1", "false")},
		})
	}

	t.Run("publishFallback", func(t *testing.T) {
		p := noMatch(&types.DefaultRule{DefaultBehavior: types.DefaultBehaviorPublish, Topic: "fallback"})
		fx := newFixture(t, []*types.Flow{p, subscriber("s", types.NewRule("fallback", ""))}, nil)
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		require.Len(t, flows, 1)
		assert.Equal(t, []string{"fallback"}, flows[0].SourceTopics)
		assert.Equal(t, []string{"fallback"}, completed.PublishTopics)
		assert.Len(t, completed.Actions, 1)
	})

	t.Run("publishFallbackWithoutSubscribersErrors", func(t *testing.T) {
		p := noMatch(&types.DefaultRule{DefaultBehavior: types.DefaultBehaviorPublish, Topic: "nobody"})
		fx := newFixture(t, []*types.Flow{p}, nil)
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Empty(t, flows)
		require.Len(t, completed.Actions, 2, "exactly one synthetic action")
		assert.Equal(t, types.ActionStateError, completed.Actions[1].State)
		assert.Equal(t, types.FlowStateError, completed.State)
	})

	t.Run("publishFallbackFilteredByTopicErrors", func(t *testing.T) {
		p := noMatch(&types.DefaultRule{DefaultBehavior: types.DefaultBehaviorPublish, Topic: "fallback"})
		fx := newFixture(t, []*types.Flow{p, subscriber("s", types.NewRule("fallback", ""))},
			[]*types.Topic{{Name: "fallback", Filters: []string{"true"}, FilterPolicy: types.FilterPolicyFilter}})
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Empty(t, flows)
		require.Len(t, completed.Actions, 2, "exactly one synthetic action")
		synthetic := completed.LastAction()
		assert.Equal(t, types.ActionStateError, synthetic.State)
		assert.Equal(t, types.NoSubscribersCause, synthetic.ErrorCause)
		assert.Equal(t, types.FlowStateError, completed.State)
		assert.False(t, d.Filtered)
	})

	t.Run("filter", func(t *testing.T) {
		p := noMatch(&types.DefaultRule{DefaultBehavior: types.DefaultBehaviorFilter})
		fx := newFixture(t, []*types.Flow{p}, nil)
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Empty(t, flows)
		synthetic := completed.LastAction()
		assert.Equal(t, types.ActionStateFiltered, synthetic.State)
		assert.Equal(t, types.NoSubscribersCause, synthetic.FilteredCause)
		assert.Equal(t, types.FlowStateFiltered, completed.State)
		assert.True(t, d.Filtered)
		assert.Equal(t, types.StageComplete, d.Stage)
		assert.Equal(t, "filter", fx.analytics.events[0].kind)
	})

	t.Run("matchedTopicsWithoutSubscribers", func(t *testing.T) {
		p := publisher("p", &types.PublishRules{Rules: []types.Rule{types.NewRule("a", ""), types.NewRule("b", "")}})
		fx := newFixture(t, []*types.Flow{p}, nil)
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		_, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Contains(t, completed.LastAction().ErrorContext, "listening on matching topics: a, b")
	})
}

func TestPausedAndTestModeSubscribers(t *testing.T) {
	p := publisher("p", &types.PublishRules{Rules: []types.Rule{types.NewRule("t", "")}})
	paused := subscriber("paused", types.NewRule("t", ""))
	paused.State = types.FlowPaused
	testMode := subscriber("testing", types.NewRule("t", ""))
	testMode.TestMode = true
	stopped := subscriber("stopped", types.NewRule("t", ""))
	stopped.State = types.FlowStopped
	fx := newFixture(t, []*types.Flow{p, paused, testMode, stopped}, nil)

	d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
	flows, err := fx.router.Subscribers(p, d, completed)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "paused", flows[0].Name)
	assert.Equal(t, types.FlowStatePaused, flows[0].State)
	assert.False(t, flows[0].TestMode)
	assert.Equal(t, "testing", flows[1].Name)
	assert.True(t, flows[1].TestMode)
	assert.Equal(t, "testing", flows[1].TestModeReason)
	assert.True(t, d.TestMode)
}

func TestTopicFilters(t *testing.T) {
	rules := &types.PublishRules{Rules: []types.Rule{types.NewRule("guarded", "")}}

	t.Run("drop", func(t *testing.T) {
		p := publisher("p", rules)
		fx := newFixture(t, []*types.Flow{p, subscriber("s", types.NewRule("guarded", ""))},
			[]*types.Topic{{Name: "guarded", Filters: []string{"hasMediaType('text/plain')"}}})
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Empty(t, flows)
		assert.Equal(t, types.NoSubscribersCause, completed.LastAction().ErrorCause)
	})

	t.Run("filterPolicy", func(t *testing.T) {
		p := publisher("p", rules)
		fx := newFixture(t, []*types.Flow{p, subscriber("s", types.NewRule("guarded", ""))},
			[]*types.Topic{{Name: "guarded", Filters: []string{"hasMediaType('text/plain')"}, FilterPolicy: types.FilterPolicyFilter}})
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Empty(t, flows)
		require.Len(t, completed.Actions, 2)
		assert.Equal(t, topic.FilteredByFilter, completed.LastAction().FilteredCause)
	})

	t.Run("allowed", func(t *testing.T) {
		p := publisher("p", rules)
		fx := newFixture(t, []*types.Flow{p, subscriber("s", types.NewRule("guarded", ""))},
			[]*types.Topic{{Name: "guarded", Filters: []string{"hasMediaType('text/plain')"}, FilterPolicy: types.FilterPolicyError}})
		d, completed := completedFlow("p", types.FlowTypeTransform, "application/json")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Len(t, flows, 1)
	})

	t.Run("strictMissingTopic", func(t *testing.T) {
		p := publisher("p", rules)
		fx := newFixture(t, []*types.Flow{p, subscriber("s", types.NewRule("guarded", ""))}, nil, WithStrictTopics())
		d, completed := completedFlow("p", types.FlowTypeTransform, "text/plain")
		flows, err := fx.router.Subscribers(p, d, completed)
		require.NoError(t, err)
		assert.Empty(t, flows)
		assert.Equal(t, topic.MissingTopicCause, completed.LastAction().ErrorCause)
	})
}

func TestUnexpectedFlowKind(t *testing.T) {
	fx := newFixture(t, nil, nil)
	d, completed := completedFlow("sink", types.FlowTypeDataSink, "text/plain")
	_, err := fx.router.Subscribers(&types.Flow{Name: "sink", Type: types.FlowTypeDataSink}, d, completed)
	assert.ErrorIs(t, err, types.ErrUnexpectedFlowKind)
	_, err = fx.router.Subscribers(&types.Flow{Name: "odd", Type: "ODD"}, d, completed)
	assert.ErrorIs(t, err, types.ErrUnexpectedFlowKind)
	_, err = fx.router.Subscribers(nil, d, completed)
	assert.ErrorIs(t, err, types.ErrUnexpectedFlowKind)
	assert.Len(t, completed.Actions, 1, "no synthetic outcome for a programming error")
}
