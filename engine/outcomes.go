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
	"sync"
	"time"

	"github.com/rulego/deltaflow/api/types"
)

// outcomes holds the analytics recorded while mutating a DeltaFile copy until the copy is
// saved. A copy that loses a version conflict is discarded with its outcomes, so a retried
// update reports each error or filter once.
type outcomes struct {
	target types.Analytics

	mu      sync.Mutex
	pending map[*types.DeltaFile][]func()
}

func newOutcomes(target types.Analytics) *outcomes {
	return &outcomes{target: target, pending: make(map[*types.DeltaFile][]func())}
}

func (o *outcomes) RecordError(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	o.hold(deltaFile, func() {
		o.target.RecordError(deltaFile, flowName, flowType, actionName, cause, ts)
	})
}

func (o *outcomes) RecordFilter(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	o.hold(deltaFile, func() {
		o.target.RecordFilter(deltaFile, flowName, flowType, actionName, cause, ts)
	})
}

func (o *outcomes) hold(deltaFile *types.DeltaFile, record func()) {
	if o.target == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[deltaFile] = append(o.pending[deltaFile], record)
}

// flush reports the outcomes recorded on deltaFile.
func (o *outcomes) flush(deltaFile *types.DeltaFile) {
	o.mu.Lock()
	records := o.pending[deltaFile]
	delete(o.pending, deltaFile)
	o.mu.Unlock()
	for _, record := range records {
		record()
	}
}

// discard drops the outcomes recorded on deltaFile.
func (o *outcomes) discard(deltaFile *types.DeltaFile) {
	o.mu.Lock()
	delete(o.pending, deltaFile)
	o.mu.Unlock()
}
