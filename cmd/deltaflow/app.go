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

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rulego/deltaflow/analytics"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
	"github.com/rulego/deltaflow/config"
	"github.com/rulego/deltaflow/content"
	"github.com/rulego/deltaflow/dsl"
	mqttendpoint "github.com/rulego/deltaflow/endpoint/mqtt"
	"github.com/rulego/deltaflow/endpoint/rest"
	"github.com/rulego/deltaflow/endpoint/schedule"
	"github.com/rulego/deltaflow/engine"
	"github.com/rulego/deltaflow/pubsub"
	"github.com/rulego/deltaflow/queue"
	"github.com/rulego/deltaflow/store"
	"github.com/rulego/deltaflow/topic"
	"github.com/rulego/deltaflow/utils/maps"
	"github.com/rulego/deltaflow/utils/mqtt"
	"github.com/rulego/deltaflow/worker"
)

// shutdownTimeout bounds the graceful stop of the http server.
const shutdownTimeout = 5 * time.Second

// sinkOptions are the options of the mqtt and nats analytics sections shared by both.
type sinkOptions struct {
	Prefix string
	URL    string
}

// App is a wired deltaflow process.
type App struct {
	config     config.Server
	logger     *slog.Logger
	rule       types.Config
	evaluator  *condition.Evaluator
	registry   *topic.Registry
	validator  *dsl.Validator
	loader     *dsl.Loader
	deltaFiles types.DeltaFileRepository
	queue      types.Queue
	storage    types.ContentStorage
	metrics    *prometheus.Registry
	engine     *engine.Engine
	watchdog   *engine.Watchdog
	schedule   *schedule.Schedule
	rest       *rest.Rest
	endpoints  []*mqttendpoint.Endpoint
	runner     *worker.Runner
	closers    []func() error
}

// ruleConfig maps the engine section onto the shared component configuration.
func ruleConfig(c config.Server, logger *slog.Logger) types.Config {
	return types.NewConfig(
		types.WithLogger(logger),
		types.WithCoreQueue(c.Engine.CoreQueue),
		types.WithMaxRetries(c.Engine.MaxRetries),
		types.WithRetryBackoff(c.Engine.RetryInitialInterval, c.Engine.RetryMaxInterval),
		types.WithEventWorkers(c.Engine.EventWorkers),
		types.WithHeartbeatThreshold(c.Engine.HeartbeatThreshold),
		types.WithConditionCacheTTL(c.Engine.ConditionCacheTTL),
	)
}

// newApp builds every component of the serve command. Nothing runs until Run.
func newApp(ctx context.Context, c config.Server, logger *slog.Logger) (_ *App, err error) {
	rule := ruleConfig(c, logger)
	a := &App{config: c, logger: logger, rule: rule, metrics: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.evaluator = condition.NewEvaluator(rule)
	a.closers = append(a.closers, func() error {
		a.evaluator.Close()
		return nil
	})
	a.registry = topic.NewRegistry(rule, store.NewMemoryFlowRepository(), store.NewMemoryTopicRepository(), a.evaluator)
	a.validator = dsl.NewValidator(a.evaluator)
	a.loader = dsl.NewLoader(rule, a.registry, a.validator)

	if a.deltaFiles, err = a.openStore(ctx, c.Store); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if a.queue, err = a.openQueue(ctx, c.Queue); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if a.storage, err = openContent(c.Content); err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	sink, err := a.openAnalytics(ctx, c.Analytics)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}

	var routerOpts []pubsub.Option
	if c.Engine.StrictTopics {
		routerOpts = append(routerOpts, pubsub.WithStrictTopics())
	}
	router := pubsub.NewRouter(rule, a.registry, a.evaluator, sink, routerOpts...)
	a.engine = engine.New(rule, a.deltaFiles, a.registry, router, a.queue, sink)
	a.closers = append(a.closers, func() error {
		a.engine.Close()
		return nil
	})
	if err = a.metrics.Register(analytics.NewEngineCollector(a.engine.Metrics)); err != nil {
		return nil, err
	}
	if err = a.metrics.Register(analytics.NewQueueCollector(a.queue, a.queueKeys)); err != nil {
		return nil, err
	}

	if a.watchdog, err = engine.NewWatchdog(a.engine, c.Engine.WatchdogSchedule); err != nil {
		return nil, err
	}
	a.schedule = schedule.New(rule, a.engine, a.registry)
	a.rest = rest.New(rest.Config{Server: c.Rest.Server, CertFile: c.Rest.CertFile, CertKeyFile: c.Rest.CertKeyFile},
		rule, a.engine, a.registry,
		rest.WithStorage(a.storage),
		rest.WithValidator(a.validator),
		rest.WithGatherer(a.metrics),
	)
	for i, section := range c.Endpoints {
		endpointConfig, err := mqttendpoint.NewConfig(section.Options)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}
		endpoint := mqttendpoint.New(rule, endpointConfig, a.engine, a.storage)
		a.endpoints = append(a.endpoints, endpoint)
		a.closers = append(a.closers, endpoint.Close)
	}
	if c.Worker.Enabled {
		if a.runner, err = newRunner(c, rule, a.queue, a.storage); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, section config.Section) (types.DeltaFileRepository, error) {
	switch section.Type {
	case config.TypeMemory:
		return store.NewMemoryDeltaFileRepository(), nil
	case config.TypeSQL:
		sqlConfig, err := store.NewSQLConfig(section.Options)
		if err != nil {
			return nil, err
		}
		repo, err := store.OpenSQLDeltaFileRepository(ctx, sqlConfig)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported type %q", section.Type)
	}
}

func (a *App) openQueue(ctx context.Context, section config.Section) (types.Queue, error) {
	var q types.Queue
	switch section.Type {
	case config.TypeMemory:
		q = queue.NewMemoryQueue(a.rule.Clock)
	case config.TypeRedis:
		redisConfig, err := queue.NewRedisConfig(section.Options)
		if err != nil {
			return nil, err
		}
		if q, err = queue.NewRedisQueue(ctx, redisConfig, a.rule.Clock); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported type %q", section.Type)
	}
	a.closers = append(a.closers, q.Close)
	return q, nil
}

func openContent(section config.Section) (types.ContentStorage, error) {
	switch section.Type {
	case config.TypeMemory:
		return content.NewMemoryStorage(), nil
	case config.TypeFile:
		var options struct {
			Root string
		}
		if err := maps.Map2Struct(section.Options, &options); err != nil {
			return nil, err
		}
		if options.Root == "" {
			return nil, errors.New("file content requires a root")
		}
		return content.NewFileStorage(options.Root)
	default:
		return nil, fmt.Errorf("unsupported type %q", section.Type)
	}
}

// openAnalytics creates one sink per section. A sink that fails to connect fails startup.
func (a *App) openAnalytics(ctx context.Context, sections []config.Section) (types.Analytics, error) {
	var sinks analytics.Multi
	for i, section := range sections {
		var options sinkOptions
		if err := maps.Map2Struct(section.Options, &options); err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		switch section.Type {
		case config.TypeLog:
			sinks = append(sinks, analytics.NewLogSink(a.logger))
		case config.TypeMetrics:
			sink, err := analytics.NewPrometheusSink(a.metrics)
			if err != nil {
				return nil, fmt.Errorf("section %d: %w", i, err)
			}
			sinks = append(sinks, sink)
		case config.TypeMQTT:
			var mqttConfig mqtt.Config
			if err := maps.Map2Struct(section.Options, &mqttConfig); err != nil {
				return nil, fmt.Errorf("section %d: %w", i, err)
			}
			sink, client, err := analytics.ConnectMQTTSink(ctx, mqttConfig, options.Prefix, a.logger)
			if err != nil {
				return nil, fmt.Errorf("section %d: %w", i, err)
			}
			a.closers = append(a.closers, client.Close)
			sinks = append(sinks, sink)
		case config.TypeNATS:
			sink, conn, err := analytics.ConnectNATSSink(options.URL, options.Prefix, a.logger)
			if err != nil {
				return nil, fmt.Errorf("section %d: %w", i, err)
			}
			a.closers = append(a.closers, func() error {
				conn.Close()
				return nil
			})
			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("section %d: unsupported type %q", i, section.Type)
		}
	}
	return sinks, nil
}

// queueKeys lists the core queue and the action queues of the registered flows.
func (a *App) queueKeys() []string {
	keys := map[string]struct{}{a.rule.CoreQueue: {}}
	for _, flow := range a.registry.Snapshot().Flows() {
		for _, action := range flow.Actions {
			keys[action.Type] = struct{}{}
		}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newRunner(c config.Server, rule types.Config, q types.Queue, storage types.ContentStorage) (*worker.Runner, error) {
	runner := worker.NewRunner(rule, q, c.Worker.AppName, worker.WithHeartbeatInterval(c.Worker.HeartbeatInterval))
	for i, action := range c.Worker.Actions {
		switch action.Type {
		case config.ActionPass:
			runner.Register(action.Class, worker.PassThrough(), action.Threads)
		case config.ActionScript:
			runner.Register(action.Class, worker.NewScriptTransform(storage, c.Worker.ScriptCacheTTL, rule.Logger), action.Threads)
		default:
			return nil, fmt.Errorf("worker action %d: unsupported type %q", i, action.Type)
		}
	}
	return runner, nil
}

// loadDefinitions applies the definitions directory. A missing directory starts with an empty registry
// and invalid definitions are logged, they are kept as INVALID flows.
func (a *App) loadDefinitions(ctx context.Context) error {
	dir := a.config.Flows
	if dir == "" {
		return a.registry.RefreshCache(ctx)
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("definitions directory does not exist", "dir", dir)
		return a.registry.RefreshCache(ctx)
	}
	if err := a.loader.LoadDir(ctx, dir); err != nil {
		var verr *types.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		a.logger.Warn("some definitions are invalid", "dir", dir, "error", err)
	}
	return a.registry.RefreshCache(ctx)
}

// Run loads the definitions, starts every component and blocks until ctx is done or the
// engine or worker stops with an error.
func (a *App) Run(ctx context.Context) error {
	if err := a.loadDefinitions(ctx); err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	goRun := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if a.config.Watch && a.config.Flows != "" {
		watcher, err := dsl.NewWatcher(a.rule, a.config.Flows, a.loader)
		if err != nil {
			return fmt.Errorf("watch definitions: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}
	if err := a.rest.Start(); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	for i, endpoint := range a.endpoints {
		if err := endpoint.Start(ctx); err != nil {
			cancel()
			_ = a.rest.Stop(context.Background())
			wg.Wait()
			return fmt.Errorf("endpoint %d: %w", i, err)
		}
	}
	a.schedule.Start()
	a.watchdog.Start()
	goRun("engine", a.engine.Run)
	if a.runner != nil {
		goRun("worker", a.runner.Run)
	}
	a.logger.Info("deltaflow started", "addr", a.config.Rest.Server, "worker", a.runner != nil)

	<-ctx.Done()
	stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := a.rest.Stop(stopCtx); err != nil {
		a.logger.Warn("failed to stop http server", "error", err)
	}
	a.schedule.Stop()
	a.watchdog.Stop()
	wg.Wait()
	a.logger.Info("deltaflow stopped")

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// Close releases the connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close", "error", err)
		}
	}
	a.closers = nil
}

// newWorkerApp builds a standalone action runner. It needs a queue and content storage shared
// with the serve process.
func newWorkerApp(ctx context.Context, c config.Server, logger *slog.Logger) (*App, error) {
	if c.Queue.Type == config.TypeMemory {
		return nil, errors.New("worker requires a shared queue, queue type is memory")
	}
	if c.Content.Type == config.TypeMemory {
		return nil, errors.New("worker requires shared content storage, content type is memory")
	}
	a := &App{config: c, logger: logger, rule: ruleConfig(c, logger)}
	var err error
	if a.queue, err = a.openQueue(ctx, c.Queue); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if a.storage, err = openContent(c.Content); err != nil {
		a.Close()
		return nil, fmt.Errorf("content: %w", err)
	}
	if a.runner, err = newRunner(c, a.rule, a.queue, a.storage); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// RunWorker runs the action runner until ctx is done.
func (a *App) RunWorker(ctx context.Context) error {
	a.logger.Info("deltaflow worker started", "app", a.config.Worker.AppName, "classes", a.runner.ActionClasses())
	defer a.logger.Info("deltaflow worker stopped")
	return a.runner.Run(ctx)
}
