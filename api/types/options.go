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
	"errors"
	"time"
)

// Option is a function type that modifies the Config.
type Option func(*Config) error

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithClock sets the clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(c *Config) error {
		if clock == nil {
			return errors.New("clock is nil")
		}
		c.Clock = clock
		return nil
	}
}

// WithMaxRetries sets the bound on version conflict retries.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Config) error {
		if maxRetries < 1 {
			return errors.New("maxRetries must be at least 1")
		}
		c.MaxRetries = maxRetries
		return nil
	}
}

// WithRetryBackoff sets the backoff intervals between retries.
func WithRetryBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Config) error {
		c.RetryInitialInterval = initial
		c.RetryMaxInterval = maxInterval
		return nil
	}
}

// WithCoreQueue sets the queue ActionEvents arrive on.
func WithCoreQueue(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return errors.New("core queue name is empty")
		}
		c.CoreQueue = name
		return nil
	}
}

// WithConditionCacheTTL sets how long compiled conditions are cached.
func WithConditionCacheTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.ConditionCacheTTL = ttl
		return nil
	}
}

// WithEventWorkers sets the number of event handling goroutines.
func WithEventWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return errors.New("event workers must be at least 1")
		}
		c.EventWorkers = n
		return nil
	}
}

// WithHeartbeatThreshold sets the staleness threshold for long running tasks.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(c *Config) error {
		c.HeartbeatThreshold = d
		return nil
	}
}

// WithPool sets the pool event handlers run on.
func WithPool(pool Pool) Option {
	return func(c *Config) error {
		c.Pool = pool
		return nil
	}
}
