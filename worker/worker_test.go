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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/content"
	"github.com/rulego/deltaflow/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newInput(class string, params map[string]any, contents ...types.Content) types.ActionInput {
	return types.ActionInput{
		QueueName: class,
		ActionContext: types.ActionContext{
			DID:           "did-1",
			FlowName:      "sink",
			FlowID:        "flow-1",
			ActionName:    "work",
			ActionClass:   class,
			Attempt:       1,
			ReturnAddress: types.DefaultCoreQueue,
		},
		ActionParameters: params,
		Message: types.DeltaFileMessage{
			Metadata: types.Metadata{"origin": "test"},
			Content:  contents,
		},
	}
}

func newRunner(t *testing.T) (*Runner, *queue.MemoryQueue) {
	q := queue.NewMemoryQueue(func() time.Time { return testNow })
	t.Cleanup(func() { _ = q.Close() })
	config := types.NewConfig(types.WithLogger(types.DiscardLogger()), types.WithClock(func() time.Time { return testNow }))
	return NewRunner(config, q, "worker-1", WithHeartbeatInterval(10*time.Millisecond)), q
}

func takeEvent(t *testing.T, q *queue.MemoryQueue) *types.ActionEvent {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := q.Take(ctx, types.DefaultCoreQueue)
	require.NoError(t, err)
	event := &types.ActionEvent{}
	require.NoError(t, json.Unmarshal(data, event))
	return event
}

func TestExecuteOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		action ActionFunc
		check  func(t *testing.T, event *types.ActionEvent)
	}{
		{
			name: "complete",
			action: func(context.Context, types.ActionInput) (Result, error) {
				return Result{Metadata: map[string]string{"k": "v"}, Annotations: map[string]string{"a": "b"}}, nil
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.Equal(t, types.EventComplete, event.Type)
				assert.Equal(t, "v", event.Metadata["k"])
				assert.Equal(t, "b", event.Annotations["a"])
				assert.False(t, event.Content.IsSet())
			},
		},
		{
			name: "nullContent",
			action: func(context.Context, types.ActionInput) (Result, error) {
				return Result{Content: types.NullField[[]types.Content]()}, nil
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.True(t, event.Content.IsNull())
			},
		},
		{
			name: "children",
			action: func(context.Context, types.ActionInput) (Result, error) {
				return Result{Children: []types.ChildEvent{{Name: "a"}, {Name: "b"}}}, nil
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.Equal(t, types.EventComplete, event.Type)
				require.Len(t, event.Children, 2)
				assert.Equal(t, "b", event.Children[1].Name)
			},
		},
		{
			name: "actionError",
			action: func(context.Context, types.ActionInput) (Result, error) {
				return Result{}, &Error{Cause: "Bad input", Context: "line 3"}
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.Equal(t, types.EventError, event.Type)
				assert.Equal(t, &types.ErrorEvent{Cause: "Bad input", Context: "line 3"}, event.Error)
			},
		},
		{
			name: "plainError",
			action: func(context.Context, types.ActionInput) (Result, error) {
				return Result{}, errors.New("connection refused")
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.Equal(t, "connection refused", event.Error.Cause)
			},
		},
		{
			name: "panic",
			action: func(context.Context, types.ActionInput) (Result, error) {
				panic("nil map")
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.Equal(t, types.EventError, event.Type)
				assert.Equal(t, ExecutionExceptionCause, event.Error.Cause)
				assert.Equal(t, "nil map", event.Error.Context)
			},
		},
		{
			name: "filter",
			action: func(context.Context, types.ActionInput) (Result, error) {
				return Result{Filter: &types.FilterEvent{Message: "duplicate"}}, nil
			},
			check: func(t *testing.T, event *types.ActionEvent) {
				assert.Equal(t, types.EventFilter, event.Type)
				assert.Equal(t, "duplicate", event.Filter.Message)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, q := newRunner(t)
			runner.Execute(context.Background(), newInput("org.example.Work", nil), tt.action)
			event := takeEvent(t, q)
			assert.Equal(t, "did-1", event.DID)
			assert.Equal(t, "flow-1", event.FlowID)
			assert.Equal(t, "work", event.ActionName)
			tt.check(t, event)

			tasks, err := q.LongRunningTasks(context.Background())
			require.NoError(t, err)
			assert.Empty(t, tasks)
		})
	}
}

func TestExecuteHeartbeatsLongRunningTask(t *testing.T) {
	runner, q := newRunner(t)
	started := make(chan struct{})
	release := make(chan struct{})
	go runner.Execute(context.Background(), newInput("org.example.Slow", nil), ActionFunc(func(context.Context, types.ActionInput) (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	}))
	<-started
	assert.Eventually(t, func() bool {
		tasks, err := q.LongRunningTasks(context.Background())
		return err == nil && len(tasks) == 1 && tasks[0].AppName == "worker-1"
	}, time.Second, 5*time.Millisecond)
	close(release)
	assert.Equal(t, types.EventComplete, takeEvent(t, q).Type)
}

func TestRun(t *testing.T) {
	runner, q := newRunner(t)
	assert.Error(t, runner.Run(context.Background()), "nothing registered")

	runner.Register(PassThroughClass, PassThrough(), 2)
	assert.Equal(t, []string{PassThroughClass}, runner.ActionClasses())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	data, err := json.Marshal(newInput(PassThroughClass, map[string]any{"metadata": map[string]any{"seen": "yes"}}))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, PassThroughClass, data, testNow))
	require.NoError(t, q.Put(ctx, PassThroughClass, []byte("garbage"), testNow))

	event := takeEvent(t, q)
	assert.Equal(t, types.EventComplete, event.Type)
	assert.Equal(t, "yes", event.Metadata["seen"])
	assert.Eventually(t, func() bool {
		heartbeats, err := q.Heartbeats(context.Background())
		return err == nil && heartbeats[PassThroughClass].Equal(testNow)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	runner, q := newRunner(t)
	runner.Register("org.example.Work", PassThrough(), 1)
	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestScriptTransform(t *testing.T) {
	ctx := context.Background()
	storage := content.NewMemoryStorage()
	stored, err := storage.Save(ctx, "did-1", "name.txt", "text/plain", strings.NewReader("world"))
	require.NoError(t, err)
	action := NewScriptTransform(storage, time.Minute, types.DiscardLogger())

	run := func(script string) (Result, error) {
		return action.Execute(ctx, newInput(ScriptTransformClass, map[string]any{"script": script, "maxExecutionTime": "1s"}, stored))
	}

	result, err := run(`function transform(input) {
		return {
			content: [{name: "greeting.txt", mediaType: "text/plain", text: "hello " + input.content[0].text}],
			metadata: {origin: input.metadata.origin + "-seen", flow: input.context.flowName},
			deleteMetadataKeys: ["tmp"]
		};
	}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"origin": "test-seen", "flow": "sink"}, result.Metadata)
	assert.Equal(t, []string{"tmp"}, result.DeleteMetadataKeys)
	out, ok := result.Content.Value()
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, "greeting.txt", out[0].Name)
	data, err := content.ReadAll(ctx, storage, out[0])
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	result, err = run(`function transform(input) {}`)
	require.NoError(t, err)
	assert.False(t, result.Content.IsSet())

	result, err = run(`function transform(input) { return {content: null}; }`)
	require.NoError(t, err)
	assert.True(t, result.Content.IsNull())

	result, err = run(`function transform(input) { return {filter: "not interesting"}; }`)
	require.NoError(t, err)
	assert.Equal(t, "not interesting", result.Filter.Message)

	result, err = run(`function transform(input) {
		return {children: input.content[0].text.split("").slice(0, 2).map(function (c) {
			return {name: c + ".txt", content: [{name: c + ".txt", mediaType: "text/plain", text: c}], metadata: {letter: c}};
		})};
	}`)
	require.NoError(t, err)
	assert.False(t, result.Content.IsSet())
	require.Len(t, result.Children, 2)
	assert.Equal(t, "o.txt", result.Children[1].Name)
	assert.Equal(t, map[string]string{"letter": "w"}, result.Children[0].Metadata)
	data, err = content.ReadAll(ctx, storage, result.Children[0].Content[0])
	require.NoError(t, err)
	assert.Equal(t, "w", string(data))

	_, err = run(`function transform(input) { throw new Error("boom"); }`)
	var actionErr *Error
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "Script error", actionErr.Cause)
	assert.Contains(t, actionErr.Context, "boom")

	_, err = run(`function transform(`)
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "Script compilation failed", actionErr.Cause)

	_, err = action.Execute(ctx, newInput(ScriptTransformClass, nil))
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "Invalid parameters", actionErr.Cause)
}
