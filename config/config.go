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

// Package config holds the process configuration of the deltaflow binary.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/worker"
	"gopkg.in/yaml.v3"
)

// Store, queue and content section types.
const (
	TypeMemory   = "memory"
	TypeSQL      = "sql"
	TypeRedis    = "redis"
	TypeFile     = "file"
	TypeLog      = "log"
	TypeMetrics  = "prometheus"
	TypeMQTT     = "mqtt"
	TypeNATS     = "nats"
	ActionPass   = "passThrough"
	ActionScript = "script"
)

// Section selects an implementation by Type. Options are decoded by the implementation.
type Section struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Rest configures the HTTP API.
type Rest struct {
	// Server http服务器地址
	Server      string `yaml:"server"`
	CertFile    string `yaml:"certFile,omitempty"`
	CertKeyFile string `yaml:"certKeyFile,omitempty"`
}

// Engine configures event handling.
type Engine struct {
	CoreQueue            string        `yaml:"coreQueue"`
	MaxRetries           int           `yaml:"maxRetries"`
	RetryInitialInterval time.Duration `yaml:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `yaml:"retryMaxInterval"`
	EventWorkers         int           `yaml:"eventWorkers"`
	HeartbeatThreshold   time.Duration `yaml:"heartbeatThreshold"`
	ConditionCacheTTL    time.Duration `yaml:"conditionCacheTTL"`
	// WatchdogSchedule is a cron schedule with a seconds field.
	WatchdogSchedule string `yaml:"watchdogSchedule"`
	// StrictTopics errors DeltaFiles published to topics missing from the registry.
	StrictTopics bool `yaml:"strictTopics"`
}

// Action is one action class served by a worker.
type Action struct {
	Class   string `yaml:"class"`
	Type    string `yaml:"type"`
	Threads int    `yaml:"threads"`
}

// Worker configures the action runner.
type Worker struct {
	// Enabled runs the worker inside serve.
	Enabled           bool          `yaml:"enabled"`
	AppName           string        `yaml:"appName"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// ScriptCacheTTL bounds how long compiled transform scripts are kept.
	ScriptCacheTTL time.Duration `yaml:"scriptCacheTTL"`
	Actions        []Action      `yaml:"actions"`
}

// Server is the configuration file of the deltaflow binary.
type Server struct {
	// LogLevel debug, info, warn or error
	LogLevel string `yaml:"logLevel"`
	// Flows is the directory of the flow and topic definitions.
	Flows string `yaml:"flows"`
	// Watch reloads the definitions when their files change.
	Watch     bool      `yaml:"watch"`
	Rest      Rest      `yaml:"rest"`
	Engine    Engine    `yaml:"engine"`
	Store     Section   `yaml:"store"`
	Queue     Section   `yaml:"queue"`
	Content   Section   `yaml:"content"`
	Analytics []Section `yaml:"analytics"`
	// Endpoints are additional ingress endpoints, such as mqtt subscriptions.
	Endpoints []Section `yaml:"endpoints,omitempty"`
	Worker    Worker    `yaml:"worker"`
}

// DefaultConfig is an in-memory single process setup.
var DefaultConfig = Server{
	LogLevel: "info",
	Flows:    "flows",
	Rest:     Rest{Server: ":9090"},
	Engine: Engine{
		CoreQueue:            types.DefaultCoreQueue,
		MaxRetries:           10,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     time.Second,
		EventWorkers:         8,
		HeartbeatThreshold:   5 * time.Minute,
		ConditionCacheTTL:    time.Hour,
		WatchdogSchedule:     "@every 30s",
	},
	Store:     Section{Type: TypeMemory},
	Queue:     Section{Type: TypeMemory},
	Content:   Section{Type: TypeMemory},
	Analytics: []Section{{Type: TypeLog}, {Type: TypeMetrics}},
	Worker: Worker{
		Enabled:           true,
		AppName:           "deltaflow",
		HeartbeatInterval: 10 * time.Second,
		ScriptCacheTTL:    time.Hour,
		Actions: []Action{
			{Class: worker.PassThroughClass, Type: ActionPass, Threads: 1},
			{Class: worker.ScriptTransformClass, Type: ActionScript, Threads: 2},
		},
	},
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Server, error) {
	c := DefaultConfig
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config file: %w", err)
	}
	return c, c.Validate()
}

// Validate checks the section types and values.
func (c Server) Validate() error {
	verr := &types.ValidationError{Name: "server"}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		verr.Add("%v", err)
	}
	checkType(verr, "store", c.Store.Type, TypeMemory, TypeSQL)
	checkType(verr, "queue", c.Queue.Type, TypeMemory, TypeRedis)
	checkType(verr, "content", c.Content.Type, TypeMemory, TypeFile)
	for i, a := range c.Analytics {
		checkType(verr, fmt.Sprintf("analytics %d", i), a.Type, TypeLog, TypeMetrics, TypeMQTT, TypeNATS)
	}
	for i, e := range c.Endpoints {
		checkType(verr, fmt.Sprintf("endpoint %d", i), e.Type, TypeMQTT)
	}
	if c.Engine.MaxRetries < 1 {
		verr.Add("engine maxRetries must be at least 1")
	}
	if c.Engine.EventWorkers < 1 {
		verr.Add("engine eventWorkers must be at least 1")
	}
	for i, a := range c.Worker.Actions {
		if a.Class == "" {
			verr.Add("worker action %d is missing a class", i)
		}
		checkType(verr, fmt.Sprintf("worker action %d", i), a.Type, ActionPass, ActionScript)
	}
	return verr.OrNil()
}

func checkType(verr *types.ValidationError, section, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	verr.Add("%s type %q is not one of %s", section, value, strings.Join(allowed, ", "))
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// Logger returns a text logger on stdout at LogLevel.
func (c Server) Logger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
