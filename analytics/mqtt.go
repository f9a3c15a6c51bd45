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
	"context"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/mqtt"
)

// MQTTPublisher is the part of the MQTT client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, data []byte) error
}

// MQTTSink publishes every outcome as JSON to <prefix>/error or <prefix>/filter.
type MQTTSink struct {
	client MQTTPublisher
	prefix string
	qos    byte
	logger types.Logger
}

var _ types.Analytics = (*MQTTSink)(nil)

// NewMQTTSink creates a sink on an existing client.
func NewMQTTSink(client MQTTPublisher, prefix string, qos byte, logger types.Logger) *MQTTSink {
	if prefix == "" {
		prefix = namespace
	}
	return &MQTTSink{client: client, prefix: prefix, qos: qos, logger: types.NewLogger(logger)}
}

// ConnectMQTTSink connects to the broker and creates a sink on the connection.
func ConnectMQTTSink(ctx context.Context, config mqtt.Config, prefix string, logger types.Logger) (*MQTTSink, *mqtt.Client, error) {
	client, err := mqtt.NewClient(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	return NewMQTTSink(client, prefix, config.QOS, logger), client, nil
}

func (s *MQTTSink) RecordError(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	s.publish(NewEvent(KindError, deltaFile, flowName, flowType, actionName, cause, ts))
}

func (s *MQTTSink) RecordFilter(deltaFile *types.DeltaFile, flowName string, flowType types.FlowType, actionName, cause string, ts time.Time) {
	s.publish(NewEvent(KindFilter, deltaFile, flowName, flowType, actionName, cause, ts))
}

func (s *MQTTSink) publish(e Event) {
	data, err := e.Marshal()
	if err == nil {
		err = s.client.Publish(s.prefix+"/"+string(e.Kind), s.qos, data)
	}
	if err != nil {
		s.logger.Warn("failed to publish analytics event", "broker", "mqtt", "did", e.DID, "error", err)
	}
}
