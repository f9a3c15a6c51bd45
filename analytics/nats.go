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

	"github.com/nats-io/nats.go"
	"github.com/rulego/deltaflow/api/types"
)

// NATSPublisher is the part of *nats.Conn the sink uses.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every outcome as JSON on <prefix>.error.<dataSource> or
// <prefix>.filter.<dataSource>.
type NATSSink struct {
	conn   NATSPublisher
	prefix string
	logger types.Logger
}

var _ types.Analytics = (*NATSSink)(nil)

// NewNATSSink creates a sink on an existing connection.
func NewNATSSink(conn NATSPublisher, prefix string, logger types.Logger) *NATSSink {
	if prefix == "" {
		prefix = namespace
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: types.NewLogger(logger)}
}

// ConnectNATSSink connects to url and creates a sink on the connection. Callers drain and
// close the returned connection.
func ConnectNATSSink(url, prefix string, logger types.Logger) (*NATSSink, *nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("deltaflow-analytics"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, err
	}
	return NewNATSSink(conn, prefix, logger), conn, nil
}

func (s *NATSSink) RecordError(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	s.publish(NewEvent(KindError, deltaFile, flowName, flowType, actionName, cause, ts))
}

func (s *NATSSink) RecordFilter(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	s.publish(NewEvent(KindFilter, deltaFile, flowName, flowType, actionName, cause, ts))
}

func (s *NATSSink) publish(e Event) {
	data, err := e.Marshal()
	if err == nil {
		err = s.conn.Publish(s.subject(e), data)
	}
	if err != nil {
		s.logger.Warn("failed to publish analytics event", "broker", "nats", "did", e.DID, "error", err)
	}
}

func (s *NATSSink) subject(e Event) string {
	subject := s.prefix + "." + string(e.Kind)
	if e.DataSource != "" {
		subject += "." + e.DataSource
	}
	return subject
}
