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

// Package engine advances DeltaFiles through their flows.
//
// StateMachine applies one ActionEvent to a DeltaFile in memory and returns the work to
// dispatch next. Engine wraps it with persistence, optimistic retries and the queues.
//
// Package engine 推进 DeltaFile 在各个流程中的流转。
// StateMachine 在内存中应用动作事件，Engine 负责持久化、乐观重试和队列。
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/pubsub"
	"github.com/rulego/deltaflow/topic"
)

const (
	// MaxFlowDepth bounds how many flows may be chained on one DeltaFile.
	MaxFlowDepth = 32
	// MissingFlowAction is the synthetic action recorded when a flow definition disappeared.
	MissingFlowAction = "MISSING_FLOW"
	// CircularFlowAction is the synthetic action recorded when MaxFlowDepth is exceeded.
	CircularFlowAction = "CIRCULAR_FLOWS"
)

// ErrStaleEvent is returned for an event whose action already reached a terminal state.
// Applying it is a no-op.
var ErrStaleEvent = errors.New("stale action event")

// StateMachine applies action events to DeltaFiles. It holds no per DeltaFile state and is
// safe for concurrent use on distinct DeltaFiles.
// StateMachine 把动作事件应用到 DeltaFile 上，不保存任何 DeltaFile 状态。
type StateMachine struct {
	registry  *topic.Registry
	router    *pubsub.Router
	analytics types.Analytics
	logger    types.Logger
	clock     types.Clock
	coreQueue string
	maxDepth  int
}

// NewStateMachine creates a state machine. analytics may be nil.
func NewStateMachine(config types.Config, registry *topic.Registry, router *pubsub.Router, analytics types.Analytics) *StateMachine {
	coreQueue := config.CoreQueue
	if coreQueue == "" {
		coreQueue = types.DefaultCoreQueue
	}
	return &StateMachine{
		registry:  registry,
		router:    router,
		analytics: analytics,
		logger:    types.NewLogger(config.Logger),
		clock:     config.Now,
		coreQueue: coreQueue,
		maxDepth:  MaxFlowDepth,
	}
}

// Child is a DeltaFile split off by a transform together with its first actions to enqueue.
// It is not saved yet.
type Child struct {
	DeltaFile *types.DeltaFile
	Inputs    []types.ActionInput
}

// Apply records event on deltaFile and advances the affected flow. It returns the actions
// to enqueue and the child DeltaFiles a split created. A *types.ConsistencyError means the
// event does not fit the flow and nothing was changed. ErrStaleEvent and
// types.ErrFlowCancelled mean the event was ignored.
//
// Apply 把事件记录到 deltaFile 上并推进对应的流程，返回需要入队的动作和拆分产生的子 DeltaFile。
func (s *StateMachine) Apply(deltaFile *types.DeltaFile, event *types.ActionEvent) ([]types.ActionInput, []Child, error) {
	if event == nil || event.ActionName == "" {
		return nil, nil, fmt.Errorf("%w: missing action name", types.ErrInvalidEvent)
	}
	flow := deltaFile.FlowByID(event.FlowID)
	if flow == nil && event.FlowID == "" {
		flow = deltaFile.FlowByName(event.FlowName)
	}
	if flow == nil {
		return nil, nil, s.inconsistent(deltaFile, event, nil, "flow not found")
	}
	if flow.State == types.FlowStateCancelled {
		return nil, nil, fmt.Errorf("%w: %s on %s", types.ErrFlowCancelled, flow.Name, deltaFile.DID)
	}

	action := flow.ActionNamed(event.ActionName)
	if action != nil && action.State.Terminal() && !flow.IsPending(event.ActionName) {
		return nil, nil, fmt.Errorf("%w: %s is already %s", ErrStaleEvent, event.ActionName, action.State)
	}
	if action == nil || action.State.Terminal() || !flow.IsPending(event.ActionName) {
		return nil, nil, s.inconsistent(deltaFile, event, flow, "action is not pending")
	}

	now := s.clock()
	var children []Child
	switch event.Type {
	case types.EventComplete:
		if len(event.Children) > 0 {
			var err error
			if children, err = s.split(deltaFile, flow, action, event, now); err != nil {
				return nil, nil, err
			}
			break
		}
		content := flow.LastContent()
		if event.Content.IsSet() {
			content, _ = event.Content.Value()
			if content == nil {
				content = []types.Content{}
			}
		}
		flow.RemovePendingAction(action.Name)
		action.Complete(event.Start, event.Stop, content, event.Metadata, event.DeleteMetadataKeys, now)
		deltaFile.AddAnnotations(event.Annotations)
		flow.UpdateState(now)
	case types.EventError:
		cause, context := "", ""
		if event.Error != nil {
			cause, context = event.Error.Cause, event.Error.Context
		}
		action.Error(event.Start, event.Stop, cause, context, now)
		deltaFile.AddAnnotations(event.Annotations)
		flow.AbandonPendingActions()
		flow.UpdateState(now)
		s.recordError(deltaFile, flow, action.Name, cause, now)
	case types.EventFilter:
		message, context := "", ""
		if event.Filter != nil {
			message, context = event.Filter.Message, event.Filter.Context
		}
		action.Filter(event.Start, event.Stop, message, context, now)
		deltaFile.AddAnnotations(event.Annotations)
		flow.AbandonPendingActions()
		flow.UpdateState(now)
		if s.analytics != nil {
			s.analytics.RecordFilter(deltaFile, flow.Name, flow.Type, action.Name, message, now)
		}
	default:
		return nil, nil, fmt.Errorf("%w: unsupported event type %q for %s", types.ErrInvalidEvent, event.Type, event.ActionName)
	}

	inputs, err := s.Advance(deltaFile, flow)
	deltaFile.UpdateStage(now)
	return inputs, children, err
}

// split ends flow on deltaFile with a SPLIT action. Each child event gets a child DeltaFile
// on which the action is complete with the child's content, the rest of the flow runs there.
func (s *StateMachine) split(deltaFile *types.DeltaFile, flow *types.DeltaFileFlow, action *types.Action, event *types.ActionEvent, now time.Time) ([]Child, error) {
	deltaFile.AddAnnotations(event.Annotations)
	flow.RemovePendingAction(action.Name)
	children := make([]Child, 0, len(event.Children))
	for _, childEvent := range event.Children {
		child, continued := deltaFile.SplitChild("", childEvent.Name, flow, now)
		content := childEvent.Content
		if content == nil {
			content = []types.Content{}
		}
		continued.ActionNamed(action.Name).Complete(event.Start, event.Stop, content, childEvent.Metadata, childEvent.DeleteMetadataKeys, now)
		continued.UpdateState(now)
		inputs, err := s.Advance(child, continued)
		if err != nil {
			return nil, err
		}
		child.UpdateStage(now)
		deltaFile.ChildDIDs = append(deltaFile.ChildDIDs, child.DID)
		children = append(children, Child{DeltaFile: child, Inputs: inputs})
	}
	action.Split(event.Start, event.Stop, now)
	flow.AbandonPendingActions()
	flow.UpdateState(now)
	return children, nil
}

// Advance moves flow forward: it queues the next pending action, or routes the DeltaFile to
// the subscribers of a completed publishing flow and advances each of them in turn.
// Paused, errored and filtered flows are left alone.
// Advance 推进流程：把下一个待执行动作入队，或者把已完成的发布流程路由给订阅者。
func (s *StateMachine) Advance(deltaFile *types.DeltaFile, flow *types.DeltaFileFlow) ([]types.ActionInput, error) {
	var inputs []types.ActionInput
	queue := []*types.DeltaFileFlow{flow}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		input, next, err := s.step(deltaFile, current)
		if err != nil {
			return inputs, err
		}
		if input != nil {
			inputs = append(inputs, *input)
		}
		queue = append(queue, next...)
	}
	return inputs, nil
}

// step advances a single flow. It returns the action to dispatch or the successor flows.
func (s *StateMachine) step(deltaFile *types.DeltaFile, flow *types.DeltaFileFlow) (*types.ActionInput, []*types.DeltaFileFlow, error) {
	switch flow.State {
	case types.FlowStatePaused, types.FlowStateError, types.FlowStateFiltered, types.FlowStateCancelled:
		return nil, nil, nil
	}
	if inFlight(flow) {
		return nil, nil, nil
	}

	now := s.clock()
	if name := flow.NextPendingAction(); name != "" {
		config, ok := flow.ActionConfiguration(name)
		if !ok {
			flow.AddSyntheticAction(name, types.ActionStateError, "Action configuration not found",
				fmt.Sprintf("Flow '%s' has no action named '%s'", flow.Name, name), now)
			s.recordError(deltaFile, flow, name, "Action configuration not found", now)
			return nil, nil, nil
		}
		action := flow.QueueAction(name, config.ActionType, now)
		flow.State = types.FlowStateInProgress
		input := s.actionInput(deltaFile, flow, action, config)
		return &input, nil, nil
	}

	if flow.State != types.FlowStateComplete {
		flow.State = types.FlowStateComplete
		flow.ErrorOrFilterCause = ""
		flow.Modified = now
	}
	if len(flow.PublishTopics) > 0 || flowRouted(flow) || flowSplit(flow) {
		return nil, nil, nil
	}

	definition, ok := s.registry.GetFlow(flow.Name)
	if !ok {
		cause := fmt.Sprintf("Flow '%s' is not installed", flow.Name)
		s.logger.Warn("completed flow is not installed", "did", deltaFile.DID, "flow", flow.Name)
		flow.AddSyntheticAction(MissingFlowAction, types.ActionStateError, cause, cause, now)
		s.recordError(deltaFile, flow, MissingFlowAction, cause, now)
		return nil, nil, nil
	}
	if definition.Kind() != types.KindDataSource && !definition.IsPublisher() {
		return nil, nil, nil
	}
	if flow.Depth >= s.maxDepth {
		cause := fmt.Sprintf("Maximum flow depth of %d exceeded", s.maxDepth)
		s.logger.Warn("flow depth exceeded", "did", deltaFile.DID, "flow", flow.Name, "depth", flow.Depth)
		flow.AddSyntheticAction(CircularFlowAction, types.ActionStateError, cause,
			fmt.Sprintf("Flow '%s' at depth %d may be part of a publish cycle", flow.Name, flow.Depth), now)
		s.recordError(deltaFile, flow, CircularFlowAction, cause, now)
		return nil, nil, nil
	}
	subscribers, err := s.router.Subscribers(definition, deltaFile, flow)
	if err != nil {
		return nil, nil, err
	}
	return nil, subscribers, nil
}

func (s *StateMachine) actionInput(deltaFile *types.DeltaFile, flow *types.DeltaFileFlow, action *types.Action, config types.ActionConfiguration) types.ActionInput {
	return types.ActionInput{
		QueueName: config.Type,
		ActionContext: types.ActionContext{
			DID:           deltaFile.DID,
			DeltaFileName: deltaFile.Name,
			DataSource:    deltaFile.DataSource,
			FlowName:      flow.Name,
			FlowID:        flow.ID,
			FlowNumber:    flow.Number,
			ActionName:    action.Name,
			ActionClass:   config.Type,
			Attempt:       action.Attempt,
			ReturnAddress: s.coreQueue,
		},
		ActionParameters: config.Copy().Parameters,
		Message: types.DeltaFileMessage{
			Metadata:     flow.Metadata(),
			Content:      flow.LastContent(),
			SourceTopics: append([]string(nil), flow.SourceTopics...),
		},
		ActionCreated: action.Created,
		TestMode:      flow.TestMode,
	}
}

func (s *StateMachine) inconsistent(deltaFile *types.DeltaFile, event *types.ActionEvent, flow *types.DeltaFileFlow, reason string) error {
	err := &types.ConsistencyError{DID: deltaFile.DID, FlowID: event.FlowID, Flow: event.FlowName, Action: event.ActionName, Reason: reason}
	if flow != nil {
		err.Reason = fmt.Sprintf("%s, pending actions %v", reason, flow.PendingActions)
	}
	return err
}

func (s *StateMachine) recordError(deltaFile *types.DeltaFile, flow *types.DeltaFileFlow, actionName, cause string, now time.Time) {
	if s.analytics != nil {
		s.analytics.RecordError(deltaFile, flow.Name, flow.Type, actionName, cause, now)
	}
}

// inFlight reports whether an action of the flow is queued or running.
func inFlight(flow *types.DeltaFileFlow) bool {
	for _, a := range flow.Actions {
		if !a.State.Terminal() {
			return true
		}
	}
	return false
}

// flowRouted reports whether the router already recorded an outcome on the flow.
func flowRouted(flow *types.DeltaFileFlow) bool {
	last := flow.LastAction()
	return last != nil && last.Type == types.ActionTypePublish && last.State != types.ActionStateRetried
}

// flowSplit reports whether the flow handed its result to child DeltaFiles.
func flowSplit(flow *types.DeltaFileFlow) bool {
	last := flow.LastAction()
	return last != nil && last.State == types.ActionStateSplit
}
