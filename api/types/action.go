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

// ActionState is the state of one action execution.
type ActionState string

const (
	ActionStateQueued    ActionState = "QUEUED"
	ActionStateRunning   ActionState = "RUNNING"
	ActionStateComplete  ActionState = "COMPLETE"
	ActionStateError     ActionState = "ERROR"
	ActionStateFiltered  ActionState = "FILTERED"
	ActionStateRetried   ActionState = "RETRIED"
	ActionStateCancelled ActionState = "CANCELLED"
	// ActionStateSplit ends a flow whose result continues on child DeltaFiles.
	ActionStateSplit ActionState = "SPLIT"
)

// Terminal reports whether the action will not change state again without a retry.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionStateQueued, ActionStateRunning:
		return false
	}
	return true
}

// ActionType classifies what an action does.
type ActionType string

const (
	ActionTypeIngress   ActionType = "INGRESS"
	ActionTypeTransform ActionType = "TRANSFORM"
	ActionTypeEgress    ActionType = "EGRESS"
	ActionTypePublish   ActionType = "PUBLISH"
	ActionTypeUnknown   ActionType = "UNKNOWN"
)

// Action is one execution of a named action within a flow.
type Action struct {
	Name               string      `json:"name"`
	Number             int         `json:"number"`
	Type               ActionType  `json:"type"`
	State              ActionState `json:"state"`
	Attempt            int         `json:"attempt"`
	Created            time.Time   `json:"created"`
	Queued             time.Time   `json:"queued,omitzero"`
	Start              time.Time   `json:"start,omitzero"`
	Stop               time.Time   `json:"stop,omitzero"`
	Modified           time.Time   `json:"modified"`
	ErrorCause         string      `json:"errorCause,omitempty"`
	ErrorContext       string      `json:"errorContext,omitempty"`
	FilteredCause      string      `json:"filteredCause,omitempty"`
	FilteredContext    string      `json:"filteredContext,omitempty"`
	Content            []Content   `json:"content,omitempty"`
	Metadata           Metadata    `json:"metadata,omitempty"`
	DeleteMetadataKeys []string    `json:"deleteMetadataKeys,omitempty"`
}

// ChangeState moves the action to state and stamps the modification time.
func (a *Action) ChangeState(state ActionState, now time.Time) {
	a.State = state
	a.Modified = now
}

// Complete records a successful result.
func (a *Action) Complete(start, stop time.Time, content []Content, metadata map[string]string, deleteMetadataKeys []string, now time.Time) {
	a.ChangeState(ActionStateComplete, now)
	a.Start = start
	a.Stop = stop
	a.Content = CopyContent(content)
	if len(metadata) > 0 {
		a.Metadata = BuildMetadata(metadata)
	}
	a.DeleteMetadataKeys = append([]string(nil), deleteMetadataKeys...)
}

// Error records a failed result.
func (a *Action) Error(start, stop time.Time, cause, context string, now time.Time) {
	a.ChangeState(ActionStateError, now)
	a.Start = start
	a.Stop = stop
	a.ErrorCause = cause
	a.ErrorContext = context
}

// Filter records a filtered result.
func (a *Action) Filter(start, stop time.Time, cause, context string, now time.Time) {
	a.ChangeState(ActionStateFiltered, now)
	a.Start = start
	a.Stop = stop
	a.FilteredCause = cause
	a.FilteredContext = context
}

// Split records a result that was handed to child DeltaFiles.
func (a *Action) Split(start, stop time.Time, now time.Time) {
	a.ChangeState(ActionStateSplit, now)
	a.Start = start
	a.Stop = stop
}

// Retried marks an errored action as superseded by a new attempt.
func (a *Action) Retried(now time.Time) {
	a.ChangeState(ActionStateRetried, now)
}

// Cancel cancels the action if it is still active.
func (a *Action) Cancel(now time.Time) {
	if !a.State.Terminal() {
		a.ChangeState(ActionStateCancelled, now)
	}
}

// Copy returns a deep copy.
func (a *Action) Copy() *Action {
	c := *a
	c.Content = CopyContent(a.Content)
	if a.Metadata != nil {
		c.Metadata = a.Metadata.Copy()
	}
	c.DeleteMetadataKeys = append([]string(nil), a.DeleteMetadataKeys...)
	return &c
}
