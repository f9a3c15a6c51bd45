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
	"bytes"
	"encoding/json"
	"time"
)

// Field is an optional JSON value that keeps absent, null and set apart.
// Use it with the omitzero tag option so an unset field is not written.
type Field[T any] struct {
	set   bool
	null  bool
	value T
}

// SetField returns a field holding v.
func SetField[T any](v T) Field[T] {
	return Field[T]{set: true, value: v}
}

// NullField returns a field explicitly set to null.
func NullField[T any]() Field[T] {
	return Field[T]{set: true, null: true}
}

// IsSet reports whether the field was present.
func (f Field[T]) IsSet() bool { return f.set }

// IsNull reports whether the field was present with a null value.
func (f Field[T]) IsNull() bool { return f.set && f.null }

// Value returns the value and whether it is present and not null.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.set && !f.null
}

// IsZero reports absence, used by omitzero.
func (f Field[T]) IsZero() bool { return !f.set }

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.set || f.null {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.null = true
		var zero T
		f.value = zero
		return nil
	}
	f.null = false
	return json.Unmarshal(data, &f.value)
}

// ActionEventType is the outcome reported by a worker.
type ActionEventType string

const (
	EventComplete ActionEventType = "COMPLETE"
	EventError    ActionEventType = "ERROR"
	EventFilter   ActionEventType = "FILTER"
	EventUnknown  ActionEventType = "UNKNOWN"
)

// ErrorEvent is the payload of an ERROR event.
type ErrorEvent struct {
	Cause   string `json:"cause"`
	Context string `json:"context,omitempty"`
}

// FilterEvent is the payload of a FILTER event.
type FilterEvent struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// ActionEvent is the result envelope posted by a worker to the core queue.
// Content is absent when the worker did not report content, null when it
// explicitly reported none and a list otherwise.
type ActionEvent struct {
	DID                string            `json:"did"`
	FlowName           string            `json:"flowName"`
	FlowID             string            `json:"flowId"`
	ActionName         string            `json:"actionName"`
	Type               ActionEventType   `json:"type"`
	Start              time.Time         `json:"start,omitzero"`
	Stop               time.Time         `json:"stop,omitzero"`
	Error              *ErrorEvent       `json:"error,omitempty"`
	Filter             *FilterEvent      `json:"filter,omitempty"`
	Content            Field[[]Content]  `json:"content,omitzero"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DeleteMetadataKeys []string          `json:"deleteMetadataKeys,omitempty"`
	Annotations        map[string]string `json:"annotations,omitempty"`
	// Children splits a COMPLETE result, each child continues the flow on its own DeltaFile.
	Children []ChildEvent `json:"children,omitempty"`
}

// ChildEvent is one DeltaFile split off by a transform.
type ChildEvent struct {
	Name               string            `json:"name"`
	Content            []Content         `json:"content"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DeleteMetadataKeys []string          `json:"deleteMetadataKeys,omitempty"`
}

// ActionContext identifies the action an ActionInput is for.
type ActionContext struct {
	DID           string `json:"did"`
	DeltaFileName string `json:"deltaFileName"`
	DataSource    string `json:"dataSource"`
	FlowName      string `json:"flowName"`
	FlowID        string `json:"flowId"`
	FlowNumber    int    `json:"flowNumber"`
	ActionName    string `json:"actionName"`
	ActionClass   string `json:"actionClass"`
	Attempt       int    `json:"attempt"`
	// ReturnAddress is the queue the ActionEvent is posted to.
	ReturnAddress string `json:"returnAddress"`
}

// DeltaFileMessage is the data an action works on.
type DeltaFileMessage struct {
	Metadata     Metadata  `json:"metadata"`
	Content      []Content `json:"content"`
	SourceTopics []string  `json:"sourceTopics,omitempty"`
}

// ActionInput is the work item put on an action class queue.
type ActionInput struct {
	QueueName        string           `json:"queueName"`
	ActionContext    ActionContext    `json:"actionContext"`
	ActionParameters map[string]any   `json:"actionParameters,omitempty"`
	Message          DeltaFileMessage `json:"deltaFileMessage"`
	ActionCreated    time.Time        `json:"actionCreated"`
	TestMode         bool             `json:"testMode,omitempty"`
}
