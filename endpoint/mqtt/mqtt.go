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

// Package mqtt ingresses MQTT messages as DeltaFiles.
//
// Every route subscribes one topic filter and ingresses each message received on it to a data
// source flow. The payload is stored as the only content of the DeltaFile, the topic the
// message arrived on is kept in its metadata. Subscriptions survive broker reconnects.
package mqtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/engine"
	"github.com/rulego/deltaflow/utils/maps"
	"github.com/rulego/deltaflow/utils/mqtt"
)

// Type 端点类型
const Type = "mqtt"

const (
	// KeyTopic is the metadata key holding the topic a message arrived on.
	KeyTopic = "topic"
	// DefaultMediaType is the media type of payloads of routes without one.
	DefaultMediaType = "application/octet-stream"
)

// contentDeleter is implemented by storages able to drop the content of a DeltaFile.
type contentDeleter interface {
	Delete(ctx context.Context, did string) error
}

// Route ingresses the messages of Topic, a topic filter, on the data source DataSource.
type Route struct {
	Topic      string
	DataSource string
	MediaType  string
}

// Config 端点配置
type Config struct {
	mqtt.Config `mapstructure:",squash"`
	Routes      []Route
}

// NewConfig decodes the options of an endpoint section.
func NewConfig(options map[string]any) (Config, error) {
	var c Config
	if err := maps.Map2Struct(options, &c); err != nil {
		return c, err
	}
	if c.Server == "" {
		return c, errors.New("mqtt endpoint server is required")
	}
	if len(c.Routes) == 0 {
		return c, errors.New("mqtt endpoint needs at least one route")
	}
	for i, route := range c.Routes {
		if route.Topic == "" || route.DataSource == "" {
			return c, fmt.Errorf("mqtt endpoint route %d needs a topic and a data source", i)
		}
		if route.MediaType == "" {
			c.Routes[i].MediaType = DefaultMediaType
		}
	}
	return c, nil
}

// Endpoint MQTT 接收端端点
type Endpoint struct {
	config  Config
	engine  *engine.Engine
	storage types.ContentStorage
	logger  types.Logger

	mu     sync.Mutex
	client *mqtt.Client
}

// New creates an endpoint ingressing into eng. It connects on Start.
func New(ruleConfig types.Config, config Config, eng *engine.Engine, storage types.ContentStorage) *Endpoint {
	return &Endpoint{
		config:  config,
		engine:  eng,
		storage: storage,
		logger:  types.NewLogger(ruleConfig.Logger),
	}
}

// Start connects to the broker and subscribes every route. It blocks until connected or ctx
// is done.
func (x *Endpoint) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.client != nil {
		return nil
	}
	conf := x.config.Config
	conf.Logger = x.logger
	client, err := mqtt.NewClient(ctx, conf)
	if err != nil {
		return err
	}
	for _, route := range x.config.Routes {
		if err := client.RegisterHandler(mqtt.Handler{Topic: route.Topic, Qos: x.config.QOS, Handle: x.handler(route)}); err != nil {
			_ = client.Close()
			return fmt.Errorf("route %s to %s: %w", route.Topic, route.DataSource, err)
		}
		x.logger.Info("mqtt route subscribed", "topic", route.Topic, "dataSource", route.DataSource)
	}
	x.client = client
	return nil
}

// Close unsubscribes the routes and disconnects.
func (x *Endpoint) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.client == nil {
		return nil
	}
	err := x.client.Close()
	x.client = nil
	return err
}

// Ingress stores payload and ingresses it on the data source of route. The DeltaFile is named
// after the last level of topic.
func (x *Endpoint) Ingress(ctx context.Context, route Route, topic string, payload []byte) (*types.DeltaFile, error) {
	name := path.Base(topic)
	did := types.NewDID()
	stored, err := x.storage.Save(ctx, did, name, route.MediaType, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}
	deltaFile, err := x.engine.IngressWithDID(ctx, did, route.DataSource, name, []types.Content{stored}, map[string]string{KeyTopic: topic})
	if err != nil && deltaFile == nil {
		if deleter, ok := x.storage.(contentDeleter); ok {
			_ = deleter.Delete(ctx, did)
		}
		return nil, err
	}
	return deltaFile, err
}

func (x *Endpoint) handler(route Route) func(c paho.Client, data paho.Message) {
	return func(_ paho.Client, data paho.Message) {
		defer func() {
			//捕捉异常
			if e := recover(); e != nil {
				x.logger.Error("mqtt endpoint handler panicked", "topic", data.Topic(), "panic", e)
			}
		}()
		deltaFile, err := x.Ingress(context.Background(), route, data.Topic(), data.Payload())
		switch {
		case deltaFile == nil:
			x.logger.Error("failed to ingress mqtt message", "topic", data.Topic(), "dataSource", route.DataSource, "error", err)
		case err != nil:
			x.logger.Warn("ingressed deltaFile was not dispatched", "did", deltaFile.DID, "error", err)
		default:
			x.logger.Debug("mqtt message ingressed", "topic", data.Topic(), "did", deltaFile.DID)
		}
	}
}
