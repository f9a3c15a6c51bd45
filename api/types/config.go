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
	"runtime"
	"time"
)

const (
	// DefaultCoreQueue is the queue workers post ActionEvents to.
	DefaultCoreQueue = "dgs"
	// NoSubscribersAction is the name of the synthetic action recorded when a DeltaFile could not be routed.
	NoSubscribersAction = "NO_SUBSCRIBERS"
	// NoSubscribersCause is the cause of the NO_SUBSCRIBERS action.
	NoSubscribersCause = "No matching subscribers were found"
)

// Clock returns the current time.
type Clock func() time.Time

// Config is the engine configuration shared by every component.
type Config struct {
	// Logger defaults to a text slog logger on stdout.
	Logger Logger
	// Clock defaults to time.Now.
	Clock Clock
	// MaxRetries bounds the read-modify-write attempts on a version conflict.
	MaxRetries int
	// RetryInitialInterval and RetryMaxInterval shape the exponential backoff between attempts.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// CoreQueue is the queue ActionEvents arrive on.
	CoreQueue string
	// ConditionCacheTTL expires compiled conditions, 0 keeps them forever.
	ConditionCacheTTL time.Duration
	// EventWorkers is the number of goroutines applying ActionEvents.
	EventWorkers int
	// HeartbeatThreshold is how old a long running task heartbeat may get before the action is errored.
	HeartbeatThreshold time.Duration
	// Pool runs event handlers. Nil starts a bounded pool of EventWorkers.
	Pool Pool
}

// Pool runs submitted tasks on a set of goroutines.
type Pool interface {
	// Submit returns an error if the pool is full or stopped.
	Submit(task func()) error
	Release()
}

// Now returns the configured clock reading.
func (c Config) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// NewConfig creates a config with defaults overridden by opts.
func NewConfig(opts ...Option) Config {
	c := &Config{
		Logger:               DefaultLogger(),
		Clock:                time.Now,
		MaxRetries:           10,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     500 * time.Millisecond,
		CoreQueue:            DefaultCoreQueue,
		EventWorkers:         runtime.NumCPU(),
		HeartbeatThreshold:   5 * time.Minute,
	}
	for _, opt := range opts {
		_ = opt(c)
	}
	return *c
}
