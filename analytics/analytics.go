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

// Package analytics reports DeltaFile errors and filters to logs, metrics and message brokers.
//
// Every sink implements types.Analytics. Sinks never block the engine for long and never
// fail it: delivery problems are logged and counted.
package analytics

import (
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
)

// Kind is the outcome an Event reports.
type Kind string

const (
	KindError  Kind = "error"
	KindFilter Kind = "filter"
)

// Event is the record published for one errored or filtered action.
type Event struct {
	Kind        Kind              `json:"kind"`
	DID         string            `json:"did"`
	Name        string            `json:"name,omitempty"`
	DataSource  string            `json:"dataSource"`
	FlowName    string            `json:"flowName"`
	FlowType    types.FlowType    `json:"flowType"`
	ActionName  string            `json:"actionName"`
	Cause       string            `json:"cause"`
	Timestamp   time.Time         `json:"timestamp"`
	TestMode    bool              `json:"testMode,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// NewEvent builds the event for an outcome on deltaFile.
func NewEvent(kind Kind, deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) Event {
	event := Event{
		Kind:       kind,
		FlowName:   flowName,
		FlowType:   flowType,
		ActionName: actionName,
		Cause:      cause,
		Timestamp:  ts,
	}
	if deltaFile != nil {
		event.DID = deltaFile.DID
		event.Name = deltaFile.Name
		event.DataSource = deltaFile.DataSource
		event.TestMode = deltaFile.TestMode
		if len(deltaFile.Annotations) > 0 {
			event.Annotations = deltaFile.Annotations.Copy()
		}
	}
	return event
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Multi fans out to several sinks in order.
type Multi []types.Analytics

var _ types.Analytics = Multi(nil)

func (m Multi) RecordError(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	for _, sink := range m {
		sink.RecordError(deltaFile, flowName, flowType, actionName, cause, ts)
	}
}

func (m Multi) RecordFilter(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	for _, sink := range m {
		sink.RecordFilter(deltaFile, flowName, flowType, actionName, cause, ts)
	}
}
