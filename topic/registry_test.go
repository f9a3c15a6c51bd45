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

package topic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
	"github.com/rulego/deltaflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	config := types.NewConfig(types.WithLogger(types.DiscardLogger()), types.WithClock(func() time.Time { return testNow }))
	evaluator := condition.NewEvaluator(config)
	t.Cleanup(evaluator.Close)
	return NewRegistry(config, store.NewMemoryFlowRepository(), store.NewMemoryTopicRepository(), evaluator)
}

func sink(name string, state types.FlowState, topics ...string) *types.Flow {
	f := &types.Flow{Name: name, Type: types.FlowTypeDataSink, State: state}
	for _, topic := range topics {
		f.SubscribeRules = append(f.SubscribeRules, types.NewRule(topic, ""))
	}
	return f
}

func TestRefreshCache(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	assert.Empty(t, r.GetSubscribers("t1"))

	_, err := r.SaveFlow(ctx, sink("b", types.FlowRunning, "t1", "t1", "t2"))
	require.NoError(t, err)
	_, err = r.SaveFlow(ctx, sink("a", types.FlowPaused, "t1"))
	require.NoError(t, err)
	_, err = r.SaveFlow(ctx, sink("stopped", types.FlowStopped, "t1"))
	require.NoError(t, err)
	_, err = r.SaveFlow(ctx, &types.Flow{Name: "ds", Type: types.FlowTypeRestDataSource, State: types.FlowRunning, Topic: "t1"})
	require.NoError(t, err)

	subscribers := r.GetSubscribers("t1")
	require.Len(t, subscribers, 2)
	assert.Equal(t, "a", subscribers[0].Name)
	assert.Equal(t, "b", subscribers[1].Name)
	assert.Len(t, r.GetSubscribers("t2"), 1)

	flow, ok := r.GetFlow("stopped")
	assert.True(t, ok)
	assert.Equal(t, types.FlowStopped, flow.State)

	_, err = r.SetFlowState(ctx, "stopped", types.FlowRunning)
	require.NoError(t, err)
	assert.Len(t, r.GetSubscribers("t1"), 3)

	require.NoError(t, r.DeleteFlow(ctx, "b"))
	assert.Empty(t, r.GetSubscribers("t2"))
}

func TestSnapshotIsImmutable(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.SaveFlow(ctx, sink("a", types.FlowRunning, "t1"))
	require.NoError(t, err)

	before := r.Snapshot()
	_, err = r.SaveFlow(ctx, sink("b", types.FlowRunning, "t1"))
	require.NoError(t, err)

	assert.Len(t, before.Subscribers("t1"), 1)
	assert.Len(t, r.Snapshot().Subscribers("t1"), 2)
}

func TestConcurrentReadsDuringRefresh(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				subscribers := r.GetSubscribers("t1")
				for _, s := range subscribers {
					assert.NotEmpty(t, s.Name)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, r.RefreshCache(ctx))
	}
	wg.Wait()
}

func TestTopicAllowsDeltaFile(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.SaveTopic(ctx, &types.Topic{Name: "open"})
	require.NoError(t, err)
	_, err = r.SaveTopic(ctx, &types.Topic{Name: "drop", Filters: []string{"hasMediaType('text/plain')"}})
	require.NoError(t, err)
	_, err = r.SaveTopic(ctx, &types.Topic{Name: "filter", Filters: []string{"false", "hasMediaType('text/plain')"}, FilterPolicy: types.FilterPolicyFilter})
	require.NoError(t, err)
	_, err = r.SaveTopic(ctx, &types.Topic{Name: "error", Filters: []string{"hasMediaType('text/plain')"}, FilterPolicy: types.FilterPolicyError})
	require.NoError(t, err)

	newFlow := func() (*types.DeltaFile, *types.DeltaFileFlow) {
		d := types.NewDeltaFile("did", "n", "ds", testNow)
		f := d.AddFlow("ds", types.FlowTypeRestDataSource, nil, nil, testNow)
		f.Input.Content = []types.Content{{Name: "c", MediaType: "text/plain"}}
		f.State = types.FlowStateComplete
		return d, f
	}

	tests := []struct {
		topic   string
		allowed bool
		state   types.DeltaFileFlowState
		cause   string
	}{
		{topic: "open", allowed: true, state: types.FlowStateComplete},
		{topic: "drop", allowed: false, state: types.FlowStateComplete},
		{topic: "filter", allowed: false, state: types.FlowStateFiltered, cause: FilteredByFilter},
		{topic: "error", allowed: false, state: types.FlowStateError, cause: ErroredByFilter},
		{topic: "missing", allowed: false, state: types.FlowStateError, cause: MissingTopicCause},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			d, f := newFlow()
			assert.Equal(t, tt.allowed, r.TopicAllowsDeltaFile(tt.topic, d, f))
			assert.Equal(t, tt.state, f.State)
			if tt.cause == "" {
				assert.Empty(t, f.Actions)
				return
			}
			require.Len(t, f.Actions, 1)
			assert.Equal(t, types.NoSubscribersAction, f.Actions[0].Name)
			assert.Equal(t, tt.cause, f.ErrorOrFilterCause)
			assert.Equal(t, []types.Content{{Name: "c", MediaType: "text/plain"}}, f.Actions[0].Content)
		})
	}
}
