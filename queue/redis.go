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

package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
	"github.com/rulego/deltaflow/utils/maps"
)

const (
	// HeartbeatHash maps queue names to the RFC 3339 time of their last heartbeat.
	HeartbeatHash = "org.deltaflow.action-queue.heartbeat"
	// LongRunningTasksHash maps task keys to JSON encoded long running tasks.
	LongRunningTasksHash = "org.deltaflow.action-queue.long-running-tasks"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	// Server is host:port.
	Server   string
	Password string
	DB       int
	PoolSize int
	// PollInterval caps the delay between two pops of an empty key.
	PollInterval time.Duration
}

// minPollInterval is the first delay after an empty pop.
const minPollInterval = 5 * time.Millisecond

// NewRedisConfig decodes a free-form configuration section.
func NewRedisConfig(configuration map[string]interface{}) (RedisConfig, error) {
	config := RedisConfig{Server: "127.0.0.1:6379", PoolSize: 16, PollInterval: 100 * time.Millisecond}
	if err := maps.Map2Struct(configuration, &config); err != nil {
		return config, err
	}
	if config.Server == "" {
		return config, errors.New("server is required")
	}
	if config.PollInterval < minPollInterval {
		config.PollInterval = minPollInterval
	}
	return config, nil
}

// RedisQueue keeps each key in a sorted set scored by epoch millis. Put is ZADD NX, so an
// identical queued value is not duplicated, and Take is ZPOPMIN.
type RedisQueue struct {
	client       *redis.Client
	pollInterval time.Duration
	clock        types.Clock
}

var _ types.Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to redis and pings it.
func NewRedisQueue(ctx context.Context, config RedisConfig, clock types.Clock) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Server,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", config.Server, err)
	}
	if clock == nil {
		clock = time.Now
	}
	pollInterval := config.PollInterval
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	return &RedisQueue{client: client, pollInterval: pollInterval, clock: clock}, nil
}

func (q *RedisQueue) Put(ctx context.Context, key string, value []byte, ts time.Time) error {
	return q.client.ZAddNX(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: value}).Err()
}

func (q *RedisQueue) PutAll(ctx context.Context, items []types.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			pipe.ZAddNX(ctx, item.Key, redis.Z{Score: float64(item.Timestamp.UnixMilli()), Member: item.Value})
		}
		return nil
	})
	return err
}

// Take pops the lowest scored member of key with ZPOPMIN. While key is empty it pops again
// after a growing delay capped at the poll interval, until a member arrives or ctx is done.
func (q *RedisQueue) Take(ctx context.Context, key string) ([]byte, error) {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = minPollInterval
	wait.MaxInterval = q.pollInterval
	wait.MaxElapsedTime = 0
	wait.Reset()
	for {
		popped, err := q.client.ZPopMin(ctx, key, 1).Result()
		switch {
		case errors.Is(err, redis.ErrClosed):
			return nil, types.ErrQueueClosed
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		case len(popped) > 0:
			return memberBytes(popped[0].Member, key)
		}

		timer := time.NewTimer(wait.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func memberBytes(member interface{}, key string) ([]byte, error) {
	switch m := member.(type) {
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	default:
		return nil, fmt.Errorf("unexpected member type %T in %s", member, key)
	}
}

func (q *RedisQueue) Size(ctx context.Context, key string) (int64, error) {
	return q.client.ZCard(ctx, key).Result()
}

func (q *RedisQueue) SetHeartbeat(ctx context.Context, key string) error {
	return q.client.HSet(ctx, HeartbeatHash, key, q.clock().Format(time.RFC3339Nano)).Err()
}

// Heartbeats returns the last heartbeat of every queue. Unparsable entries are skipped.
func (q *RedisQueue) Heartbeats(ctx context.Context) (map[string]time.Time, error) {
	values, err := q.client.HGetAll(ctx, HeartbeatHash).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(values))
	for name, value := range values {
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			out[name] = ts
		}
	}
	return out, nil
}

func (q *RedisQueue) RecordLongRunningTask(ctx context.Context, task types.LongRunningTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, LongRunningTasksHash, task.Key(), data).Err()
}

func (q *RedisQueue) RemoveLongRunningTask(ctx context.Context, key string) error {
	return q.client.HDel(ctx, LongRunningTasksHash, key).Err()
}

// LongRunningTasks returns the recorded tasks ordered by key. Undecodable entries are skipped.
func (q *RedisQueue) LongRunningTasks(ctx context.Context) ([]types.LongRunningTask, error) {
	values, err := q.client.HGetAll(ctx, LongRunningTasksHash).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.LongRunningTask, 0, len(values))
	for _, value := range values {
		var task types.LongRunningTask
		if err := json.Unmarshal([]byte(value), &task); err == nil {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
