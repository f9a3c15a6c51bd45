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
	"context"
	"io"
	"time"
)

// DeltaFileRepository persists DeltaFiles with optimistic concurrency.
type DeltaFileRepository interface {
	// Get returns a copy of the stored DeltaFile or ErrNotFound.
	Get(ctx context.Context, did string) (*DeltaFile, error)
	// Save stores the DeltaFile if its Version matches the stored one and returns it with
	// the next version. A stale version fails with ErrVersionConflict.
	Save(ctx context.Context, deltaFile *DeltaFile) (*DeltaFile, error)
	DeleteByID(ctx context.Context, did string) error
}

// FlowRepository persists flow definitions keyed by name.
type FlowRepository interface {
	Get(ctx context.Context, name string) (*Flow, error)
	Save(ctx context.Context, flow *Flow) (*Flow, error)
	DeleteByID(ctx context.Context, name string) error
	FindAll(ctx context.Context) ([]*Flow, error)
}

// TopicRepository persists topic definitions keyed by name.
type TopicRepository interface {
	Get(ctx context.Context, name string) (*Topic, error)
	Save(ctx context.Context, topic *Topic) (*Topic, error)
	DeleteByID(ctx context.Context, name string) error
	FindAll(ctx context.Context) ([]*Topic, error)
}

// ContentStorage is the blob store holding DeltaFile content.
type ContentStorage interface {
	// Load opens the bytes of a content reference. Callers close the reader.
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
	// Save stores data for a DeltaFile and returns the content reference.
	Save(ctx context.Context, did, name, mediaType string, data io.Reader) (Content, error)
}

// Analytics receives fire-and-forget error and filter events.
type Analytics interface {
	RecordError(deltaFile *DeltaFile, flowName string, flowType FlowType, actionName, cause string, ts time.Time)
	RecordFilter(deltaFile *DeltaFile, flowName string, flowType FlowType, actionName, cause string, ts time.Time)
}

// QueueItem is one entry for Queue.PutAll.
type QueueItem struct {
	Key       string
	Value     []byte
	Timestamp time.Time
}

// LongRunningTask describes an action a worker is currently executing.
type LongRunningTask struct {
	DID         string    `json:"did"`
	FlowName    string    `json:"flowName"`
	FlowID      string    `json:"flowId"`
	ActionName  string    `json:"actionName"`
	ActionClass string    `json:"actionClass"`
	Attempt     int       `json:"attempt"`
	AppName     string    `json:"appName"`
	StartTime   time.Time `json:"startTime"`
	Heartbeat   time.Time `json:"heartbeat"`
}

// Key identifies the task in the long running task set.
func (t LongRunningTask) Key() string {
	return t.DID + ":" + t.FlowID + ":" + t.ActionName
}

// Queue is a keyed blocking priority queue. Items of one key are taken in ascending
// timestamp order, each item by exactly one taker.
type Queue interface {
	// Put enqueues value under key. An identical value already queued under key is not duplicated.
	Put(ctx context.Context, key string, value []byte, ts time.Time) error
	PutAll(ctx context.Context, items []QueueItem) error
	// Take blocks until an item is available under key or ctx is done.
	Take(ctx context.Context, key string) ([]byte, error)
	Size(ctx context.Context, key string) (int64, error)
	SetHeartbeat(ctx context.Context, key string) error
	Heartbeats(ctx context.Context) (map[string]time.Time, error)
	RecordLongRunningTask(ctx context.Context, task LongRunningTask) error
	RemoveLongRunningTask(ctx context.Context, key string) error
	LongRunningTasks(ctx context.Context) ([]LongRunningTask, error)
	Close() error
}
