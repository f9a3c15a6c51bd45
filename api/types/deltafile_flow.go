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

package types

import (
	"time"
)

// DeltaFileFlowState is the state of one flow traversal.
type DeltaFileFlowState string

const (
	FlowStateNew        DeltaFileFlowState = "NEW"
	FlowStateInProgress DeltaFileFlowState = "IN_PROGRESS"
	FlowStateComplete   DeltaFileFlowState = "COMPLETE"
	FlowStateError      DeltaFileFlowState = "ERROR"
	FlowStateFiltered   DeltaFileFlowState = "FILTERED"
	FlowStatePaused     DeltaFileFlowState = "PAUSED"
	FlowStateCancelled  DeltaFileFlowState = "CANCELLED"
)

// Terminal reports whether no further transitions are expected without an operator action.
func (s DeltaFileFlowState) Terminal() bool {
	switch s {
	case FlowStateComplete, FlowStateError, FlowStateFiltered, FlowStateCancelled:
		return true
	}
	return false
}

// FlowInput is what a flow received from the flow that published to it.
type FlowInput struct {
	Metadata  Metadata  `json:"metadata,omitempty"`
	Content   []Content `json:"content,omitempty"`
	Ancestors []int     `json:"ancestors,omitempty"`
}

// DeltaFileFlow is one traversal of a named flow by a DeltaFile.
// PendingActions lists the actions that have not completed yet in execution order, its head
// may already be queued. A name leaves the list when its action completes, so pending names
// and completed actions are disjoint.
type DeltaFileFlow struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Number         int                `json:"number"`
	Type           FlowType           `json:"type"`
	State          DeltaFileFlowState `json:"state"`
	Created        time.Time          `json:"created"`
	Modified       time.Time          `json:"modified"`
	Input          FlowInput          `json:"input"`
	Actions        []*Action          `json:"actions"`
	PendingActions []string           `json:"pendingActions"`
	SourceTopics   []string           `json:"sourceTopics,omitempty"`
	PublishTopics  []string           `json:"publishTopics,omitempty"`
	// ActionConfigurations is the ordered action list the flow was created with.
	ActionConfigurations []ActionConfiguration `json:"actionConfigurations,omitempty"`
	Depth                int                   `json:"depth"`
	TestMode             bool                  `json:"testMode,omitempty"`
	TestModeReason       string                `json:"testModeReason,omitempty"`
	ErrorOrFilterCause   string                `json:"errorOrFilterCause,omitempty"`
}

// Terminal reports whether the flow reached a terminal state.
func (f *DeltaFileFlow) Terminal() bool {
	return f.State.Terminal()
}

// Metadata returns the cumulative metadata: the input metadata overlaid by every action's
// metadata in order, with each action's deleted keys removed.
func (f *DeltaFileFlow) Metadata() Metadata {
	metadata := f.Input.Metadata.Copy()
	for _, action := range f.Actions {
		for k, v := range action.Metadata {
			metadata[k] = v
		}
		for _, k := range action.DeleteMetadataKeys {
			delete(metadata, k)
		}
	}
	return metadata
}

// LastContent returns the content of the latest COMPLETE action, or the input content.
func (f *DeltaFileFlow) LastContent() []Content {
	if action := f.latestMatchingAction(func(a *Action) bool { return a.State == ActionStateComplete }); action != nil {
		return CopyContent(action.Content)
	}
	return CopyContent(f.Input.Content)
}

// LastActionContent returns the content attached to the last action, whatever its state.
func (f *DeltaFileFlow) LastActionContent() []Content {
	if action := f.LastAction(); action != nil {
		return CopyContent(action.Content)
	}
	return nil
}

// LastAction returns the last action or nil.
func (f *DeltaFileFlow) LastAction() *Action {
	if len(f.Actions) == 0 {
		return nil
	}
	return f.Actions[len(f.Actions)-1]
}

// ActionNamed returns the most recent action with the given name or nil.
func (f *DeltaFileFlow) ActionNamed(name string) *Action {
	return f.latestMatchingAction(func(a *Action) bool { return a.Name == name })
}

func (f *DeltaFileFlow) latestMatchingAction(match func(a *Action) bool) *Action {
	for i := len(f.Actions) - 1; i >= 0; i-- {
		if match(f.Actions[i]) {
			return f.Actions[i]
		}
	}
	return nil
}

// QueueAction requeues the latest non-retried action with this name or appends a new one.
func (f *DeltaFileFlow) QueueAction(name string, actionType ActionType, now time.Time) *Action {
	f.Modified = now
	existing := f.latestMatchingAction(func(a *Action) bool {
		return a.Name == name && a.State != ActionStateRetried
	})
	if existing != nil && !existing.State.Terminal() {
		existing.ChangeState(ActionStateQueued, now)
		existing.Queued = now
		return existing
	}
	return f.QueueNewAction(name, actionType, now)
}

// QueueNewAction always appends a new QUEUED action.
func (f *DeltaFileFlow) QueueNewAction(name string, actionType ActionType, now time.Time) *Action {
	return f.AddAction(name, actionType, ActionStateQueued, now)
}

// AddAction appends an action in the given state.
func (f *DeltaFileFlow) AddAction(name string, actionType ActionType, state ActionState, now time.Time) *Action {
	attempt := 1
	if last := f.latestMatchingAction(func(a *Action) bool { return a.Name == name }); last != nil {
		attempt = last.Attempt + 1
	}
	action := &Action{
		Name:     name,
		Number:   len(f.Actions),
		Type:     actionType,
		State:    state,
		Attempt:  attempt,
		Created:  now,
		Queued:   now,
		Modified: now,
	}
	f.Actions = append(f.Actions, action)
	f.Modified = now
	return action
}

// AddSyntheticAction records an outcome that was decided by the core rather than a worker,
// such as a routing failure. The action carries the last content of the flow and the flow
// moves to the matching terminal state. state must be ERROR or FILTERED.
func (f *DeltaFileFlow) AddSyntheticAction(name string, state ActionState, cause, context string, now time.Time) *Action {
	content := f.LastContent()
	action := f.AddAction(name, ActionTypePublish, state, now)
	action.Start = now
	action.Stop = now
	action.Content = content
	switch state {
	case ActionStateFiltered:
		action.FilteredCause = cause
		action.FilteredContext = context
		f.State = FlowStateFiltered
	default:
		action.State = ActionStateError
		action.ErrorCause = cause
		action.ErrorContext = context
		f.State = FlowStateError
	}
	f.ErrorOrFilterCause = cause
	f.PendingActions = nil
	return action
}

// IsPending reports whether actionName is in the pending list.
func (f *DeltaFileFlow) IsPending(actionName string) bool {
	for _, name := range f.PendingActions {
		if name == actionName {
			return true
		}
	}
	return false
}

// NextPendingAction returns the first pending action name or "".
func (f *DeltaFileFlow) NextPendingAction() string {
	if len(f.PendingActions) == 0 {
		return ""
	}
	return f.PendingActions[0]
}

// RemovePendingAction removes the first occurrence of actionName from the pending list.
func (f *DeltaFileFlow) RemovePendingAction(actionName string) bool {
	for i, name := range f.PendingActions {
		if name == actionName {
			f.PendingActions = append(f.PendingActions[:i:i], f.PendingActions[i+1:]...)
			return true
		}
	}
	return false
}

// ActionConfiguration returns the configuration the flow was created with for actionName.
func (f *DeltaFileFlow) ActionConfiguration(actionName string) (ActionConfiguration, bool) {
	for _, c := range f.ActionConfigurations {
		if c.Name == actionName {
			return c, true
		}
	}
	return ActionConfiguration{}, false
}

// HasPendingActions reports whether the flow has pending or in-flight actions.
// A paused flow keeps its pending list.
func (f *DeltaFileFlow) HasPendingActions() bool {
	if f.State == FlowStateCancelled || f.State == FlowStateError || f.State == FlowStateFiltered {
		return false
	}
	if len(f.PendingActions) > 0 {
		return true
	}
	for _, a := range f.Actions {
		if !a.State.Terminal() {
			return true
		}
	}
	return false
}

// AbandonPendingActions drops the remaining pending actions after an error or filter.
func (f *DeltaFileFlow) AbandonPendingActions() {
	f.PendingActions = nil
}

// UpdateState derives the flow state from its last action and pending list.
func (f *DeltaFileFlow) UpdateState(now time.Time) {
	f.Modified = now
	last := f.LastAction()
	if last == nil {
		if len(f.PendingActions) == 0 {
			f.State = FlowStateComplete
		}
		f.ErrorOrFilterCause = ""
		return
	}
	switch last.State {
	case ActionStateError:
		f.State = FlowStateError
		f.ErrorOrFilterCause = last.ErrorCause
	case ActionStateFiltered:
		f.State = FlowStateFiltered
		f.ErrorOrFilterCause = last.FilteredCause
	case ActionStateCancelled:
		f.State = FlowStateCancelled
		f.ErrorOrFilterCause = ""
	case ActionStateSplit:
		f.State = FlowStateComplete
		f.ErrorOrFilterCause = ""
	case ActionStateComplete:
		if len(f.PendingActions) == 0 {
			f.State = FlowStateComplete
		} else {
			f.State = FlowStateInProgress
		}
		f.ErrorOrFilterCause = ""
	default:
		f.State = FlowStateInProgress
		f.ErrorOrFilterCause = ""
	}
}

// Cancel cancels the flow and its active actions. Terminal flows other than ERROR are left as is.
func (f *DeltaFileFlow) Cancel(now time.Time) {
	if f.State.Terminal() && f.State != FlowStateError {
		return
	}
	for _, a := range f.Actions {
		a.Cancel(now)
	}
	f.PendingActions = nil
	f.State = FlowStateCancelled
	f.Modified = now
}

// Copy returns a deep copy of the flow.
func (f *DeltaFileFlow) Copy() *DeltaFileFlow {
	if f == nil {
		return nil
	}
	c := *f
	c.Input = FlowInput{
		Metadata:  f.Input.Metadata.Copy(),
		Content:   CopyContent(f.Input.Content),
		Ancestors: append([]int(nil), f.Input.Ancestors...),
	}
	c.Actions = make([]*Action, 0, len(f.Actions))
	for _, a := range f.Actions {
		c.Actions = append(c.Actions, a.Copy())
	}
	c.PendingActions = append([]string(nil), f.PendingActions...)
	c.SourceTopics = append([]string(nil), f.SourceTopics...)
	c.PublishTopics = append([]string(nil), f.PublishTopics...)
	c.ActionConfigurations = make([]ActionConfiguration, 0, len(f.ActionConfigurations))
	for _, ac := range f.ActionConfigurations {
		c.ActionConfigurations = append(c.ActionConfigurations, ac.Copy())
	}
	return &c
}
