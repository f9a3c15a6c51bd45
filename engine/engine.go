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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/api/types/metrics"
	"github.com/rulego/deltaflow/pubsub"
	"github.com/rulego/deltaflow/topic"
	"github.com/rulego/deltaflow/utils/json"
	"github.com/rulego/deltaflow/utils/pool"
)

// Listener is notified with a copy of every DeltaFile the engine saved.
// Listener 在引擎每次保存 DeltaFile 后收到其副本。
type Listener func(deltaFile *types.DeltaFile)

// Engine applies action events to persisted DeltaFiles and dispatches the resulting actions.
// Engine 把动作事件应用到持久化的 DeltaFile 上，并分发由此产生的动作。
type Engine struct {
	config     types.Config
	deltaFiles types.DeltaFileRepository
	registry   *topic.Registry
	machine    *StateMachine
	queue      types.Queue
	outcomes   *outcomes
	logger     types.Logger
	metrics    *metrics.EngineMetrics
	pool       types.Pool
	ownsPool   bool

	mu        sync.RWMutex
	listeners []Listener
	// paused tracks DeltaFiles holding a PAUSED flow, by flow name.
	paused map[string]map[string]struct{}
}

// New creates an engine. analytics may be nil, it replaces the analytics of router. The registry
// must be refreshed before events are handled.
// New 创建引擎。analytics 可以为 nil，它会替换 router 的 analytics。
// 处理事件之前必须先刷新 registry。
func New(config types.Config, deltaFiles types.DeltaFileRepository, registry *topic.Registry,
	router *pubsub.Router, queue types.Queue, analytics types.Analytics) *Engine {
	recorded := newOutcomes(analytics)
	e := &Engine{
		config:     config,
		deltaFiles: deltaFiles,
		registry:   registry,
		machine:    NewStateMachine(config, registry, router.WithAnalytics(recorded), recorded),
		queue:      queue,
		outcomes:   recorded,
		logger:     types.NewLogger(config.Logger),
		metrics:    metrics.NewEngineMetrics(),
		pool:       config.Pool,
		paused:     make(map[string]map[string]struct{}),
	}
	if e.config.MaxRetries < 1 {
		e.config.MaxRetries = 1
	}
	if e.config.CoreQueue == "" {
		e.config.CoreQueue = types.DefaultCoreQueue
	}
	if e.pool == nil {
		workers := config.EventWorkers
		if workers < 1 {
			workers = 1
		}
		wp := pool.NewWorkerPool(workers, time.Minute)
		wp.PanicHandler = func(r any) {
			e.logger.Error("event handler panicked", "panic", r)
		}
		e.pool = wp
		e.ownsPool = true
	}
	registry.OnRefresh(e.unpauseStarted)
	return e
}

// Metrics returns a snapshot of the event counters.
// Metrics 返回事件计数器的快照。
func (e *Engine) Metrics() metrics.EngineMetrics {
	return e.metrics.Get()
}

// DroppedEvents returns how many events were rejected as consistency errors or undecodable.
func (e *Engine) DroppedEvents() int64 {
	return e.metrics.Get().Dropped
}

// OnChange registers a listener for saved DeltaFiles.
// OnChange 注册 DeltaFile 保存监听器。
func (e *Engine) OnChange(listener Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// Get returns the stored DeltaFile.
func (e *Engine) Get(ctx context.Context, did string) (*types.DeltaFile, error) {
	return e.deltaFiles.Get(ctx, did)
}

// HandleEvent applies one action event. Version conflicts are retried with backoff up to
// MaxRetries attempts. Stale events and events for cancelled flows are ignored and return nil.
// HandleEvent 应用一个动作事件。版本冲突按退避策略重试，最多 MaxRetries 次。
// 过期事件和已取消流程的事件会被忽略并返回 nil。
func (e *Engine) HandleEvent(ctx context.Context, event *types.ActionEvent) error {
	e.metrics.IncrementTotal()
	e.metrics.IncrementCurrent()
	defer e.metrics.DecrementCurrent()

	if event == nil || event.DID == "" {
		e.metrics.IncrementDropped()
		e.logger.Error("dropping action event without did")
		return fmt.Errorf("%w: missing did", types.ErrInvalidEvent)
	}

	var inputs []types.ActionInput
	var children []Child
	saved, err := e.update(ctx, event.DID, func(deltaFile *types.DeltaFile) error {
		e.discardChildren(children)
		var err error
		inputs, children, err = e.machine.Apply(deltaFile, event)
		return err
	})
	if err != nil {
		e.discardChildren(children)
	}

	var consistency *types.ConsistencyError
	switch {
	case err == nil:
		e.metrics.IncrementApplied()
	case errors.Is(err, ErrStaleEvent), errors.Is(err, types.ErrFlowCancelled):
		e.metrics.IncrementIgnored()
		e.logger.Warn("ignoring action event", "did", event.DID, "flow", event.FlowName, "action", event.ActionName, "reason", err.Error())
		return nil
	case errors.As(err, &consistency), errors.Is(err, types.ErrInvalidEvent):
		e.metrics.IncrementDropped()
		e.logger.Error("dropping action event", "did", event.DID, "flow", event.FlowName, "action", event.ActionName, "error", err)
		return err
	default:
		e.metrics.IncrementFailed()
		e.logger.Error("failed to apply action event", "did", event.DID, "action", event.ActionName, "error", err)
		return err
	}

	return errors.Join(e.dispatch(ctx, saved, inputs), e.saveChildren(ctx, children))
}

// saveChildren stores the DeltaFiles split off by a transform and dispatches their actions.
// The parent is already saved with the child dids.
func (e *Engine) saveChildren(ctx context.Context, children []Child) error {
	for i, child := range children {
		saved, err := e.deltaFiles.Save(ctx, child.DeltaFile)
		if err != nil {
			e.discardChildren(children[i:])
			e.logger.Error("failed to save child deltaFile", "did", child.DeltaFile.DID, "parent", child.DeltaFile.ParentDIDs, "error", err)
			return fmt.Errorf("save child deltaFile %s: %w", child.DeltaFile.DID, err)
		}
		e.outcomes.flush(child.DeltaFile)
		e.logger.Info("split deltaFile", "did", saved.DID, "parent", saved.ParentDIDs, "name", saved.Name, "stage", saved.Stage)
		if err := e.dispatch(ctx, saved, child.Inputs); err != nil {
			e.discardChildren(children[i+1:])
			return err
		}
	}
	return nil
}

func (e *Engine) discardChildren(children []Child) {
	for _, child := range children {
		e.outcomes.discard(child.DeltaFile)
	}
}

// Ingress creates a DeltaFile on the named data source and routes it to the subscribers of
// the data source topic.
// Ingress 在指定数据源上创建 DeltaFile，并路由到数据源主题的订阅者。
func (e *Engine) Ingress(ctx context.Context, dataSource, name string, content []types.Content, metadata map[string]string) (*types.DeltaFile, error) {
	return e.IngressWithDID(ctx, types.NewDID(), dataSource, name, content, metadata)
}

// IngressWithDID is Ingress for a did chosen by the caller, content is usually stored under it first.
func (e *Engine) IngressWithDID(ctx context.Context, did, dataSource, name string, content []types.Content, metadata map[string]string) (*types.DeltaFile, error) {
	definition, ok := e.registry.GetFlow(dataSource)
	if !ok || definition.Kind() != types.KindDataSource {
		return nil, fmt.Errorf("%w: data source %s", types.ErrNotFound, dataSource)
	}
	if !definition.Running() {
		return nil, fmt.Errorf("%w: data source %s is %s", types.ErrIllegalState, dataSource, definition.State)
	}

	now := e.config.Now()
	deltaFile := types.NewDeltaFile(did, name, dataSource, now)
	flow := deltaFile.AddFlow(dataSource, definition.Type, nil, nil, now)
	flow.Input = types.FlowInput{Metadata: types.BuildMetadata(metadata), Content: types.CopyContent(content)}
	if definition.TestMode {
		flow.TestMode = true
		flow.TestModeReason = dataSource
		deltaFile.TestMode = true
	}
	action := flow.AddAction(dataSource, types.ActionTypeIngress, types.ActionStateQueued, now)
	action.Complete(now, now, content, nil, nil, now)
	flow.UpdateState(now)

	inputs, err := e.machine.Advance(deltaFile, flow)
	if err != nil {
		e.outcomes.discard(deltaFile)
		return nil, err
	}
	deltaFile.UpdateStage(now)
	saved, err := e.deltaFiles.Save(ctx, deltaFile)
	if err != nil {
		e.outcomes.discard(deltaFile)
		return nil, fmt.Errorf("save ingressed deltaFile: %w", err)
	}
	e.outcomes.flush(deltaFile)
	e.logger.Info("ingressed deltaFile", "did", saved.DID, "dataSource", dataSource, "name", name, "stage", saved.Stage)
	if err := e.dispatch(ctx, saved, inputs); err != nil {
		return saved, err
	}
	return saved, nil
}

// Resume retries the errored flows of a DeltaFile. With flowName empty every errored flow is
// resumed. The errored action is marked RETRIED and queued again, a routing error is routed
// again.
// Resume 重试 DeltaFile 中出错的流程。flowName 为空时重试所有出错的流程。
func (e *Engine) Resume(ctx context.Context, did, flowName string) error {
	var inputs []types.ActionInput
	saved, err := e.update(ctx, did, func(deltaFile *types.DeltaFile) error {
		inputs = nil
		now := e.config.Now()
		resumed := 0
		for _, flow := range deltaFile.Flows {
			if flow.State != types.FlowStateError || (flowName != "" && flow.Name != flowName) {
				continue
			}
			last := flow.LastAction()
			if last == nil || last.State != types.ActionStateError {
				continue
			}
			last.Retried(now)
			flow.PendingActions = remainingActions(flow)
			if last.Type == types.ActionTypePublish {
				flow.PublishTopics = nil
			}
			flow.State = types.FlowStateInProgress
			flow.UpdateState(now)
			next, err := e.machine.Advance(deltaFile, flow)
			if err != nil {
				return err
			}
			inputs = append(inputs, next...)
			resumed++
		}
		if resumed == 0 {
			return fmt.Errorf("%w: no errored flow to resume on %s", types.ErrNotFound, did)
		}
		deltaFile.UpdateStage(now)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("resumed deltaFile", "did", did, "flow", flowName)
	return e.dispatch(ctx, saved, inputs)
}

// Cancel cancels every active flow of a DeltaFile. Results of actions already dispatched are
// discarded when they arrive.
// Cancel 取消 DeltaFile 所有活动的流程，已分发动作的结果到达时会被丢弃。
func (e *Engine) Cancel(ctx context.Context, did string) error {
	saved, err := e.update(ctx, did, func(deltaFile *types.DeltaFile) error {
		if deltaFile.Stage == types.StageCancelled {
			return nil
		}
		if deltaFile.Terminal() {
			return fmt.Errorf("%w: deltaFile %s is already %s", types.ErrIllegalState, did, deltaFile.Stage)
		}
		deltaFile.Cancel(e.config.Now())
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("cancelled deltaFile", "did", did)
	e.notify(saved)
	return nil
}

// Unpause moves the PAUSED flows of a DeltaFile whose definition runs again back to NEW and
// advances them.
func (e *Engine) Unpause(ctx context.Context, did string) error {
	var inputs []types.ActionInput
	saved, err := e.update(ctx, did, func(deltaFile *types.DeltaFile) error {
		inputs = nil
		now := e.config.Now()
		for _, flow := range deltaFile.Flows {
			if flow.State != types.FlowStatePaused {
				continue
			}
			if definition, ok := e.registry.GetFlow(flow.Name); !ok || !definition.Running() {
				continue
			}
			flow.State = types.FlowStateNew
			flow.Modified = now
			next, err := e.machine.Advance(deltaFile, flow)
			if err != nil {
				return err
			}
			inputs = append(inputs, next...)
		}
		deltaFile.UpdateStage(now)
		return nil
	})
	if err != nil {
		return err
	}
	return e.dispatch(ctx, saved, inputs)
}

// Run takes action events from the core queue and applies them on the pool until ctx is done.
// Run 从核心队列获取动作事件并在协程池中处理，直到 ctx 结束。
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "queue", e.config.CoreQueue)
	defer e.logger.Info("engine stopped", "queue", e.config.CoreQueue)
	for {
		data, err := e.queue.Take(ctx, e.config.CoreQueue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, types.ErrQueueClosed) {
				return err
			}
			e.logger.Error("failed to take action event", "queue", e.config.CoreQueue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.config.RetryMaxInterval):
			}
			continue
		}

		event := &types.ActionEvent{}
		if err := json.Unmarshal(data, event); err != nil {
			e.metrics.IncrementTotal()
			e.metrics.IncrementDropped()
			e.logger.Error("dropping undecodable action event", "error", err)
			continue
		}
		task := func() { _ = e.HandleEvent(ctx, event) }
		if err := e.pool.Submit(task); err != nil {
			task()
		}
	}
}

// Close releases the event pool if the engine created it.
// Close 释放引擎自己创建的协程池。
func (e *Engine) Close() {
	if e.ownsPool {
		e.pool.Release()
	}
}

// update runs a read-modify-write cycle on a DeltaFile, retrying on version conflicts.
// mutate is called on a fresh copy for every attempt.
func (e *Engine) update(ctx context.Context, did string, mutate func(*types.DeltaFile) error) (*types.DeltaFile, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.config.RetryInitialInterval
	exp.MaxInterval = e.config.RetryMaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.config.MaxRetries-1)), ctx)

	var saved *types.DeltaFile
	attempt := 0
	operation := func() error {
		attempt++
		deltaFile, err := e.deltaFiles.Get(ctx, did)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := mutate(deltaFile); err != nil {
			e.outcomes.discard(deltaFile)
			return backoff.Permanent(err)
		}
		saved, err = e.deltaFiles.Save(ctx, deltaFile)
		if err != nil {
			e.outcomes.discard(deltaFile)
		} else {
			e.outcomes.flush(deltaFile)
		}
		if errors.Is(err, types.ErrVersionConflict) {
			e.metrics.IncrementConflicts()
			e.logger.Debug("version conflict, retrying", "did", did, "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, types.ErrVersionConflict) {
			return nil, fmt.Errorf("update %s gave up after %d attempts: %w", did, attempt, err)
		}
		return nil, err
	}
	return saved, nil
}

// dispatch enqueues inputs and notifies listeners. Queue failures are logged and returned,
// the DeltaFile is already saved with the actions QUEUED.
func (e *Engine) dispatch(ctx context.Context, saved *types.DeltaFile, inputs []types.ActionInput) error {
	e.track(saved)
	e.notify(saved)
	if len(inputs) == 0 {
		return nil
	}
	items := make([]types.QueueItem, 0, len(inputs))
	for _, input := range inputs {
		data, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("encode action input %s: %w", input.ActionContext.ActionName, err)
		}
		items = append(items, types.QueueItem{Key: input.QueueName, Value: data, Timestamp: input.ActionCreated})
	}
	if err := e.queue.PutAll(ctx, items); err != nil {
		e.logger.Error("failed to enqueue actions", "did", saved.DID, "count", len(items), "error", err)
		return fmt.Errorf("enqueue actions for %s: %w", saved.DID, err)
	}
	return nil
}

func (e *Engine) notify(saved *types.DeltaFile) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, listener := range listeners {
		listener(saved.Copy())
	}
}

// track remembers which DeltaFiles wait on a paused flow.
func (e *Engine) track(saved *types.DeltaFile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, flow := range saved.Flows {
		dids := e.paused[flow.Name]
		if flow.State == types.FlowStatePaused {
			if dids == nil {
				dids = make(map[string]struct{})
				e.paused[flow.Name] = dids
			}
			dids[saved.DID] = struct{}{}
		} else if dids != nil {
			delete(dids, saved.DID)
		}
	}
}

// PausedDeltaFiles returns the dids waiting on the named paused flow.
func (e *Engine) PausedDeltaFiles(flowName string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	dids := make([]string, 0, len(e.paused[flowName]))
	for did := range e.paused[flowName] {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}

// unpauseStarted resumes the DeltaFiles waiting on flows that run again.
func (e *Engine) unpauseStarted(snapshot *topic.Snapshot) {
	for _, flow := range snapshot.Flows() {
		if !flow.Running() {
			continue
		}
		for _, did := range e.PausedDeltaFiles(flow.Name) {
			task := func() {
				if err := e.Unpause(context.Background(), did); err != nil {
					e.logger.Warn("failed to unpause deltaFile", "did", did, "flow", flow.Name, "error", err)
				}
			}
			if err := e.pool.Submit(task); err != nil {
				task()
			}
		}
	}
}

// remainingActions returns the configured actions of flow that have not completed, in order.
func remainingActions(flow *types.DeltaFileFlow) []string {
	var pending []string
	for _, config := range flow.ActionConfigurations {
		if action := flow.ActionNamed(config.Name); action != nil && action.State == types.ActionStateComplete {
			continue
		}
		pending = append(pending, config.Name)
	}
	return pending
}
