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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rulego/deltaflow/api/types"
)

const (
	// HeartbeatLostCause is the error cause of actions whose worker stopped heartbeating.
	HeartbeatLostCause = "Action heartbeat lost"
	// DefaultWatchdogSchedule runs the watchdog every 30 seconds.
	DefaultWatchdogSchedule = "@every 30s"
)

// Watchdog errors long running actions whose worker stopped heartbeating, so that they can
// be resumed. It also reports worker queues that went quiet.
type Watchdog struct {
	engine    *Engine
	threshold time.Duration
	cron      *cron.Cron
}

// NewWatchdog creates a watchdog running on the cron schedule, with a seconds field.
func NewWatchdog(engine *Engine, schedule string) (*Watchdog, error) {
	if schedule == "" {
		schedule = DefaultWatchdogSchedule
	}
	threshold := engine.config.HeartbeatThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	w := &Watchdog{engine: engine, threshold: threshold, cron: cron.New(cron.WithSeconds())}
	if _, err := w.cron.AddFunc(schedule, w.tick); err != nil {
		return nil, fmt.Errorf("invalid watchdog schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Start runs the schedule in the background.
func (w *Watchdog) Start() {
	w.cron.Start()
}

// Stop stops the schedule and waits for a running check.
func (w *Watchdog) Stop() {
	<-w.cron.Stop().Done()
}

func (w *Watchdog) tick() {
	defer func() {
		if r := recover(); r != nil {
			w.engine.logger.Error("watchdog panicked", "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), w.threshold)
	defer cancel()
	if _, err := w.Check(ctx); err != nil {
		w.engine.logger.Error("watchdog check failed", "error", err)
	}
}

// Check reports the long running tasks with a stale heartbeat to the engine as errored actions
// and returns how many were reported. Tasks whose action already finished are just removed.
func (w *Watchdog) Check(ctx context.Context) (int, error) {
	queue := w.engine.queue
	now := w.engine.config.Now()

	heartbeats, err := queue.Heartbeats(ctx)
	if err != nil {
		return 0, fmt.Errorf("read heartbeats: %w", err)
	}
	names := make([]string, 0, len(heartbeats))
	for name := range heartbeats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if age := now.Sub(heartbeats[name]); age > w.threshold {
			w.engine.logger.Warn("worker heartbeat is stale", "queue", name, "age", age.String())
		}
	}

	tasks, err := queue.LongRunningTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("read long running tasks: %w", err)
	}
	errored := 0
	for _, task := range tasks {
		if now.Sub(task.Heartbeat) <= w.threshold {
			continue
		}
		event := &types.ActionEvent{
			DID:        task.DID,
			FlowName:   task.FlowName,
			FlowID:     task.FlowID,
			ActionName: task.ActionName,
			Type:       types.EventError,
			Start:      task.StartTime,
			Stop:       now,
			Error: &types.ErrorEvent{
				Cause:   HeartbeatLostCause,
				Context: fmt.Sprintf("%s attempt %d on %s last heartbeat at %s, threshold %s",
					task.ActionClass, task.Attempt, task.AppName, task.Heartbeat.Format(time.RFC3339), w.threshold),
			},
		}
		w.engine.logger.Warn("long running action heartbeat lost", "did", task.DID, "flow", task.FlowName, "action", task.ActionName)
		err := w.engine.HandleEvent(ctx, event)
		var consistency *types.ConsistencyError
		switch {
		case err == nil:
			errored++
		case errors.As(err, &consistency), errors.Is(err, types.ErrNotFound):
			// the action finished or the DeltaFile is gone
		default:
			return errored, err
		}
		if err := queue.RemoveLongRunningTask(ctx, task.Key()); err != nil {
			return errored, fmt.Errorf("remove long running task %s: %w", task.Key(), err)
		}
	}
	return errored, nil
}
