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

// Package queue implements the keyed blocking priority queues actions are dispatched on.
//
// Every action class has its own key. Items of one key are taken earliest timestamp first,
// each by exactly one taker. Workers heartbeat their queue and record the actions they run
// for a long time so a watchdog can find lost work.
package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rulego/deltaflow/api/types"
)

// MemoryQueue is an in-process Queue for a single node and for tests.
type MemoryQueue struct {
	clock types.Clock

	mu         sync.Mutex
	queues     map[string]*itemHeap
	members    map[string]map[string]struct{}
	waiters    map[string]chan struct{}
	heartbeats map[string]time.Time
	tasks      map[string]types.LongRunningTask
	seq        uint64
	closed     chan struct{}
}

var _ types.Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue. clock stamps heartbeats, nil uses time.Now.
func NewMemoryQueue(clock types.Clock) *MemoryQueue {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryQueue{
		clock:      clock,
		queues:     make(map[string]*itemHeap),
		members:    make(map[string]map[string]struct{}),
		waiters:    make(map[string]chan struct{}),
		heartbeats: make(map[string]time.Time),
		tasks:      make(map[string]types.LongRunningTask),
		closed:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Put(ctx context.Context, key string, value []byte, ts time.Time) error {
	return q.PutAll(ctx, []types.QueueItem{{Key: key, Value: value, Timestamp: ts}})
}

func (q *MemoryQueue) PutAll(_ context.Context, items []types.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed() {
		return types.ErrQueueClosed
	}
	for _, item := range items {
		members := q.members[item.Key]
		if members == nil {
			members = make(map[string]struct{})
			q.members[item.Key] = members
		}
		if _, ok := members[string(item.Value)]; ok {
			continue
		}
		members[string(item.Value)] = struct{}{}
		h := q.queues[item.Key]
		if h == nil {
			h = &itemHeap{}
			q.queues[item.Key] = h
		}
		q.seq++
		heap.Push(h, queued{value: append([]byte(nil), item.Value...), score: item.Timestamp.UnixMilli(), seq: q.seq})
		if waiter, ok := q.waiters[item.Key]; ok {
			close(waiter)
			delete(q.waiters, item.Key)
		}
	}
	return nil
}

// Take blocks until an item is available under key, ctx is done or the queue is closed.
func (q *MemoryQueue) Take(ctx context.Context, key string) ([]byte, error) {
	for {
		q.mu.Lock()
		if q.isClosed() {
			q.mu.Unlock()
			return nil, types.ErrQueueClosed
		}
		if h := q.queues[key]; h != nil && h.Len() > 0 {
			item := heap.Pop(h).(queued)
			delete(q.members[key], string(item.value))
			q.mu.Unlock()
			return item.value, nil
		}
		waiter, ok := q.waiters[key]
		if !ok {
			waiter = make(chan struct{})
			q.waiters[key] = waiter
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, types.ErrQueueClosed
		case <-waiter:
		}
	}
}

func (q *MemoryQueue) Size(_ context.Context, key string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h := q.queues[key]; h != nil {
		return int64(h.Len()), nil
	}
	return 0, nil
}

func (q *MemoryQueue) SetHeartbeat(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats[key] = q.clock()
	return nil
}

func (q *MemoryQueue) Heartbeats(_ context.Context) (map[string]time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]time.Time, len(q.heartbeats))
	for k, v := range q.heartbeats {
		out[k] = v
	}
	return out, nil
}

func (q *MemoryQueue) RecordLongRunningTask(_ context.Context, task types.LongRunningTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[task.Key()] = task
	return nil
}

func (q *MemoryQueue) RemoveLongRunningTask(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, key)
	return nil
}

// LongRunningTasks returns the recorded tasks ordered by key.
func (q *MemoryQueue) LongRunningTasks(_ context.Context) ([]types.LongRunningTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.LongRunningTask, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Close wakes every blocked Take with ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.isClosed() {
		close(q.closed)
	}
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

type queued struct {
	value []byte
	score int64
	seq   uint64
}

// itemHeap orders by score then insertion, like a sorted set scored in epoch millis.
type itemHeap []queued

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}
