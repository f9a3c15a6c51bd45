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

package analytics

import (
	"time"

	"github.com/rulego/deltaflow/api/types"
)

// LogSink writes every outcome as a structured log record.
type LogSink struct {
	logger types.Logger
}

var _ types.Analytics = (*LogSink)(nil)

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger types.Logger) *LogSink {
	return &LogSink{logger: types.NewLogger(logger)}
}

func (s *LogSink) RecordError(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	s.log(NewEvent(KindError, deltaFile, flowName, flowType, actionName, cause, ts))
}

func (s *LogSink) RecordFilter(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	s.log(NewEvent(KindFilter, deltaFile, flowName, flowType, actionName, cause, ts))
}

func (s *LogSink) log(e Event) {
	s.logger.Info("deltaFile "+string(e.Kind), "did", e.DID, "dataSource", e.DataSource, "flow", e.FlowName,
		"flowType", e.FlowType, "action", e.ActionName, "cause", e.Cause, "testMode", e.TestMode)
}
