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

// Package schedule ingresses DeltaFiles on timed data sources.
//
// Every running TIMED_DATA_SOURCE flow gets a cron entry from its cronSchedule, which has a
// leading seconds field:
//
//	Field name   | Mandatory? | Allowed values  | Allowed special characters
//	----------   | ---------- | --------------  | --------------------------
//	Seconds      | Yes        | 0-59            | * / , -
//	Minutes      | Yes        | 0-59            | * / , -
//	Hours        | Yes        | 0-23            | * / , -
//	Day of month | Yes        | 1-31            | * / , - ?
//	Month        | Yes        | 1-12 or JAN-DEC | * / , -
//	Day of week  | Yes        | 0-6 or SUN-SAT  | * / , - ?
//
// Descriptors such as @hourly, @daily and @every 30s are accepted too.
// Entries follow the topic registry: they are added, rescheduled and removed on every refresh.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/engine"
	"github.com/rulego/deltaflow/topic"
)

// TriggerKey is the metadata key holding the time a timed data source fired.
const TriggerKey = "triggeredAt"

// entry is the cron entry of one timed data source.
type entry struct {
	id       cron.EntryID
	schedule string
}

// Schedule 定时任务端点
type Schedule struct {
	config types.Config
	engine *engine.Engine
	logger types.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a Schedule following registry. It schedules nothing until Start.
func New(config types.Config, eng *engine.Engine, registry *topic.Registry) *Schedule {
	s := &Schedule{
		config:  config,
		engine:  eng,
		logger:  types.NewLogger(config.Logger),
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]entry),
	}
	registry.OnRefresh(s.Refresh)
	s.Refresh(registry.Snapshot())
	return s
}

// Start runs the cron scheduler in its own goroutine.
func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running ingresses.
func (s *Schedule) Stop() {
	<-s.cron.Stop().Done()
}

// Refresh reconciles the cron entries with the running timed data sources of snapshot.
func (s *Schedule) Refresh(snapshot *topic.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]string)
	for _, flow := range snapshot.Flows() {
		if flow.Type == types.FlowTypeTimedDataSource && flow.Running() && flow.CronSchedule != "" {
			wanted[flow.Name] = flow.CronSchedule
		}
	}
	for name, e := range s.entries {
		if schedule, ok := wanted[name]; !ok || schedule != e.schedule {
			s.cron.Remove(e.id)
			delete(s.entries, name)
			s.logger.Debug("timed data source unscheduled", "flow", name)
		}
	}
	for name, schedule := range wanted {
		if _, ok := s.entries[name]; ok {
			continue
		}
		dataSource := name
		id, err := s.cron.AddFunc(schedule, func() { s.handler(dataSource) })
		if err != nil {
			s.logger.Error("invalid cron schedule", "flow", name, "schedule", schedule, "error", err)
			continue
		}
		s.entries[name] = entry{id: id, schedule: schedule}
		s.logger.Info("timed data source scheduled", "flow", name, "schedule", schedule)
	}
}

// Scheduled returns the schedules of the timed data sources with a cron entry.
func (s *Schedule) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.schedule
	}
	return out
}

// Trigger ingresses one empty DeltaFile on a timed data source.
func (s *Schedule) Trigger(ctx context.Context, dataSource string) (*types.DeltaFile, error) {
	now := s.config.Now()
	name := fmt.Sprintf("%s-%s", dataSource, now.UTC().Format("20060102T150405.000Z"))
	return s.engine.Ingress(ctx, dataSource, name, nil, map[string]string{TriggerKey: now.UTC().Format("2006-01-02T15:04:05.000Z07:00")})
}

// 处理定时任务
func (s *Schedule) handler(dataSource string) {
	defer func() {
		//捕捉异常
		if e := recover(); e != nil {
			s.logger.Error("schedule handler panicked", "flow", dataSource, "panic", e)
		}
	}()
	deltaFile, err := s.Trigger(context.Background(), dataSource)
	switch {
	case err == nil:
		s.logger.Debug("timed data source triggered", "flow", dataSource, "did", deltaFile.DID)
	case errors.Is(err, types.ErrIllegalState), errors.Is(err, types.ErrNotFound):
		// stopped or removed since the last refresh
		s.logger.Debug("timed data source skipped", "flow", dataSource, "error", err)
	default:
		s.logger.Error("timed data source failed", "flow", dataSource, "error", err)
	}
}
