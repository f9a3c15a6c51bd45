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

// Package worker executes actions. A Runner takes ActionInputs from the queues of the action
// classes registered on it, runs them and posts the resulting ActionEvent to the return
// address of the input.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
)

const (
	// ExecutionExceptionCause is the error cause of an action that panicked.
	ExecutionExceptionCause = "Action execution exception"
	// DefaultHeartbeatInterval is how often the runner heartbeats its queues and running actions.
	DefaultHeartbeatInterval = 10 * time.Second
)

// Result is what an action produced.
type Result struct {
	// Content replaces the flow content when set, an explicit null clears it.
	Content            types.Field[[]types.Content]
	Metadata           map[string]string
	DeleteMetadataKeys []string
	Annotations        map[string]string
	// Filter filters the DeltaFile instead of completing the action.
	Filter *types.FilterEvent
	// Children splits the DeltaFile, Content is then ignored.
	Children []types.ChildEvent
}

// Action executes one ActionInput.
type Action interface {
	Execute(ctx context.Context, input types.ActionInput) (Result, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, input types.ActionInput) (Result, error)

func (f ActionFunc) Execute(ctx context.Context, input types.ActionInput) (Result, error) {
	return f(ctx, input)
}

// Error is an action failure with a cause and a context. Other errors become an ERROR event
// whose cause is the error text.
type Error struct {
	Cause   string
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Cause
	}
	return e.Cause + ": " + e.Context
}

// Runner runs registered actions.
type Runner struct {
	queue             types.Queue
	appName           string
	logger            types.Logger
	clock             types.Clock
	heartbeatInterval time.Duration

	mu      sync.RWMutex
	actions map[string]registration
}

type registration struct {
	action  Action
	threads int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHeartbeatInterval sets how often queues and running actions are heartbeated.
func WithHeartbeatInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.heartbeatInterval = interval
		}
	}
}

// NewRunner creates a runner named appName in the long running task records.
func NewRunner(config types.Config, queue types.Queue, appName string, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:             queue,
		appName:           appName,
		logger:            types.NewLogger(config.Logger),
		clock:             config.Now,
		heartbeatInterval: DefaultHeartbeatInterval,
		actions:           make(map[string]registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register runs action for the inputs queued under actionClass on threads goroutines.
func (r *Runner) Register(actionClass string, action Action, threads int) {
	if threads < 1 {
		threads = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[actionClass] = registration{action: action, threads: threads}
}

// ActionClasses returns the registered action classes.
func (r *Runner) ActionClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.actions))
	for class := range r.actions {
		classes = append(classes, class)
	}
	return classes
}

// Run listens on every registered action class until ctx is done or the queue closes.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.RLock()
	actions := make(map[string]registration, len(r.actions))
	for class, reg := range r.actions {
		actions[class] = reg
	}
	r.mu.RUnlock()
	if len(actions) == 0 {
		return errors.New("no actions registered")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	for class, reg := range actions {
		r.logger.Info("starting action", "class", class, "threads", reg.threads)
		for i := 0; i < reg.threads; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.listen(ctx, class, reg.action); err != nil {
					select {
					case errs <- err:
					default:
					}
					cancel()
				}
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatQueues(ctx, actions)
	}()
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (r *Runner) listen(ctx context.Context, class string, action Action) error {
	for {
		data, err := r.queue.Take(ctx, class)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, types.ErrQueueClosed) {
				return err
			}
			r.logger.Error("failed to take action input", "class", class, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		var input types.ActionInput
		if err := json.Unmarshal(data, &input); err != nil {
			r.logger.Error("dropping undecodable action input", "class", class, "error", err)
			continue
		}
		r.Execute(ctx, input, action)
	}
}

func (r *Runner) heartbeatQueues(ctx context.Context, actions map[string]registration) {
	beat := func() {
		for class := range actions {
			if err := r.queue.SetHeartbeat(ctx, class); err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to heartbeat queue", "class", class, "error", err)
			}
		}
	}
	beat()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Execute runs action on input and posts the result to the input return address. The action
// is recorded as a long running task and heartbeated while it runs.
func (r *Runner) Execute(ctx context.Context, input types.ActionInput, action Action) {
	actionContext := input.ActionContext
	start := r.clock()
	task := types.LongRunningTask{
		DID:         actionContext.DID,
		FlowName:    actionContext.FlowName,
		FlowID:      actionContext.FlowID,
		ActionName:  actionContext.ActionName,
		ActionClass: actionContext.ActionClass,
		Attempt:     actionContext.Attempt,
		AppName:     r.appName,
		StartTime:   start,
		Heartbeat:   start,
	}
	if err := r.queue.RecordLongRunningTask(ctx, task); err != nil {
		r.logger.Warn("failed to record long running task", "did", task.DID, "action", task.ActionName, "error", err)
	}
	done, stopped := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(stopped)
		r.heartbeatTask(ctx, task, done)
	}()

	result, err := r.run(ctx, input, action)
	close(done)
	<-stopped
	if err := r.queue.RemoveLongRunningTask(ctx, task.Key()); err != nil {
		r.logger.Warn("failed to remove long running task", "did", task.DID, "action", task.ActionName, "error", err)
	}

	event := &types.ActionEvent{
		DID:        actionContext.DID,
		FlowName:   actionContext.FlowName,
		FlowID:     actionContext.FlowID,
		ActionName: actionContext.ActionName,
		Start:      start,
		Stop:       r.clock(),
	}
	var actionErr *Error
	switch {
	case errors.As(err, &actionErr):
		event.Type = types.EventError
		event.Error = &types.ErrorEvent{Cause: actionErr.Cause, Context: actionErr.Context}
	case err != nil:
		event.Type = types.EventError
		event.Error = &types.ErrorEvent{Cause: err.Error()}
	case result.Filter != nil:
		event.Type = types.EventFilter
		event.Filter = result.Filter
		event.Annotations = result.Annotations
	default:
		event.Type = types.EventComplete
		event.Content = result.Content
		event.Metadata = result.Metadata
		event.DeleteMetadataKeys = result.DeleteMetadataKeys
		event.Annotations = result.Annotations
		event.Children = result.Children
	}
	if event.Type == types.EventError {
		r.logger.Error("action failed", "did", event.DID, "flow", event.FlowName, "action", event.ActionName, "cause", event.Error.Cause)
	}

	data, err := json.Marshal(event)
	if err == nil {
		err = r.queue.Put(ctx, actionContext.ReturnAddress, data, event.Stop)
	}
	if err != nil {
		r.logger.Error("failed to send action event", "did", event.DID, "action", event.ActionName, "queue", actionContext.ReturnAddress, "error", err)
	}
}

func (r *Runner) run(ctx context.Context, input types.ActionInput, action Action) (result Result, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = &Error{Cause: ExecutionExceptionCause, Context: fmt.Sprint(caught)}
		}
	}()
	return action.Execute(ctx, input)
}

func (r *Runner) heartbeatTask(ctx context.Context, task types.LongRunningTask, done <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			task.Heartbeat = r.clock()
			if err := r.queue.RecordLongRunningTask(ctx, task); err != nil {
				r.logger.Warn("failed to heartbeat long running task", "did", task.DID, "action", task.ActionName, "error", err)
			}
		}
	}
}
