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
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
)

// DeltaFileStage is the overall stage of a DeltaFile, derived from the states of its flows.
type DeltaFileStage string

const (
	StageIngress   DeltaFileStage = "INGRESS"
	StageInFlight  DeltaFileStage = "IN_FLIGHT"
	StageComplete  DeltaFileStage = "COMPLETE"
	StageError     DeltaFileStage = "ERROR"
	StageCancelled DeltaFileStage = "CANCELLED"
)

// DeltaFile is the unit of work that travels through the flows.
// It is owned by the engine and only mutated through state machine transitions.
type DeltaFile struct {
	DID         string           `json:"did"`
	Name        string           `json:"name"`
	DataSource  string           `json:"dataSource"`
	Stage       DeltaFileStage   `json:"stage"`
	Flows       []*DeltaFileFlow `json:"flows"`
	Annotations Metadata         `json:"annotations,omitempty"`
	ParentDIDs  []string         `json:"parentDids,omitempty"`
	ChildDIDs   []string         `json:"childDids,omitempty"`
	Filtered    bool             `json:"filtered,omitempty"`
	TestMode    bool             `json:"testMode,omitempty"`
	Created     time.Time        `json:"created"`
	Modified    time.Time        `json:"modified"`
	// Version is checked on save, a stale version is rejected with ErrVersionConflict.
	Version int64 `json:"version"`
}

// NewDID returns a time ordered DeltaFile id.
func NewDID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id, _ = uuid.NewV4()
	}
	return id.String()
}

// NewDeltaFile creates a DeltaFile in the INGRESS stage with no flows.
func NewDeltaFile(did, name, dataSource string, now time.Time) *DeltaFile {
	if did == "" {
		did = NewDID()
	}
	return &DeltaFile{
		DID:         did,
		Name:        name,
		DataSource:  dataSource,
		Stage:       StageIngress,
		Annotations: NewMetadata(),
		Created:     now,
		Modified:    now,
	}
}

// AddFlow appends a new flow traversal. previous is the flow that published the DeltaFile,
// nil for the first (data source) flow.
func (d *DeltaFile) AddFlow(name string, flowType FlowType, previous *DeltaFileFlow, sourceTopics []string, now time.Time) *DeltaFileFlow {
	flow := &DeltaFileFlow{
		ID:           NewDID(),
		Name:         name,
		Number:       d.nextFlowNumber(),
		Type:         flowType,
		State:        FlowStateNew,
		Created:      now,
		Modified:     now,
		SourceTopics: sortedCopy(sourceTopics),
	}
	if previous != nil {
		flow.Input = FlowInput{
			Metadata:  previous.Metadata(),
			Content:   previous.LastContent(),
			Ancestors: append([]int{previous.Number}, previous.Input.Ancestors...),
		}
		flow.Depth = previous.Depth + 1
		flow.TestMode = previous.TestMode
		flow.TestModeReason = previous.TestModeReason
	}
	d.Flows = append(d.Flows, flow)
	d.Modified = now
	return flow
}

// SplitChild returns a new DeltaFile that carries flow on by itself. It keeps copies of flow
// and the flows it descends from, starts at version 0 and lists d as its parent.
// An empty did generates one.
func (d *DeltaFile) SplitChild(did, name string, flow *DeltaFileFlow, now time.Time) (*DeltaFile, *DeltaFileFlow) {
	if did == "" {
		did = NewDID()
	}
	lineage := map[int]bool{flow.Number: true}
	for _, number := range flow.Input.Ancestors {
		lineage[number] = true
	}
	child := &DeltaFile{
		DID:         did,
		Name:        name,
		DataSource:  d.DataSource,
		Stage:       StageInFlight,
		Annotations: d.Annotations.Copy(),
		ParentDIDs:  []string{d.DID},
		TestMode:    d.TestMode,
		Created:     now,
		Modified:    now,
	}
	var continued *DeltaFileFlow
	for _, f := range d.Flows {
		if !lineage[f.Number] {
			continue
		}
		c := f.Copy()
		child.Flows = append(child.Flows, c)
		if f.ID == flow.ID {
			continued = c
		}
	}
	return child, continued
}

func (d *DeltaFile) nextFlowNumber() int {
	next := 0
	for _, f := range d.Flows {
		if f.Number >= next {
			next = f.Number + 1
		}
	}
	return next
}

// FlowByID returns the flow with the given id or nil.
func (d *DeltaFile) FlowByID(id string) *DeltaFileFlow {
	for _, f := range d.Flows {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// FlowByName returns the most recent flow with the given name or nil.
func (d *DeltaFile) FlowByName(name string) *DeltaFileFlow {
	for i := len(d.Flows) - 1; i >= 0; i-- {
		if d.Flows[i].Name == name {
			return d.Flows[i]
		}
	}
	return nil
}

// HasPendingActions reports whether any flow still has work to do.
func (d *DeltaFile) HasPendingActions() bool {
	for _, f := range d.Flows {
		if f.HasPendingActions() {
			return true
		}
	}
	return false
}

// UpdateStage derives the stage from the flows.
// IN_FLIGHT while any flow is not terminal, ERROR if any flow errored,
// COMPLETE otherwise. A cancelled DeltaFile stays cancelled.
func (d *DeltaFile) UpdateStage(now time.Time) {
	if d.Stage == StageCancelled {
		return
	}
	d.Modified = now
	errored := false
	for _, f := range d.Flows {
		if !f.Terminal() || f.HasPendingActions() {
			d.Stage = StageInFlight
			return
		}
		switch f.State {
		case FlowStateError:
			errored = true
		case FlowStateFiltered:
			d.Filtered = true
		}
	}
	if errored {
		d.Stage = StageError
	} else {
		d.Stage = StageComplete
	}
}

// Terminal reports whether the DeltaFile reached a final stage.
func (d *DeltaFile) Terminal() bool {
	return d.Stage == StageComplete || d.Stage == StageError || d.Stage == StageCancelled
}

// Cancel cancels every flow that is still active.
func (d *DeltaFile) Cancel(now time.Time) {
	for _, f := range d.Flows {
		f.Cancel(now)
	}
	d.Stage = StageCancelled
	d.Modified = now
}

// AddAnnotations merges the given annotations into the DeltaFile.
func (d *DeltaFile) AddAnnotations(annotations map[string]string) {
	if len(annotations) == 0 {
		return
	}
	if d.Annotations == nil {
		d.Annotations = NewMetadata()
	}
	for k, v := range annotations {
		d.Annotations.PutValue(k, v)
	}
}

// Copy returns a deep copy, used for read-modify-write cycles and snapshots.
func (d *DeltaFile) Copy() *DeltaFile {
	if d == nil {
		return nil
	}
	c := *d
	c.Annotations = d.Annotations.Copy()
	c.ParentDIDs = append([]string(nil), d.ParentDIDs...)
	c.ChildDIDs = append([]string(nil), d.ChildDIDs...)
	c.Flows = make([]*DeltaFileFlow, 0, len(d.Flows))
	for _, f := range d.Flows {
		c.Flows = append(c.Flows, f.Copy())
	}
	return &c
}

func sortedCopy(values []string) []string {
	if values == nil {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
