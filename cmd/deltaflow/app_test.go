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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/config"
	"github.com/rulego/deltaflow/worker"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
topics:
  - name: raw
  - name: done
flows:
  - name: ingest
    type: REST_DATA_SOURCE
    topic: raw
  - name: copy
    type: TRANSFORM
    subscribeRules:
      - topic: raw
    publishRules:
      rules:
        - topic: done
    actions:
      - name: copy
        type: org.deltaflow.PassThrough
        actionType: TRANSFORM
        parameters:
          metadata:
            copied: "yes"
  - name: store
    type: DATA_SINK
    subscribeRules:
      - topic: done
    actions:
      - name: egress
        type: org.deltaflow.PassThrough
        actionType: EGRESS
`

const invalidYAML = `
flows:
  - name: ingest
    type: REST_DATA_SOURCE
`

func writeDefinitions(t *testing.T, data string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(data), 0o644))
	return dir
}

func testConfig(flows string) config.Server {
	c := config.DefaultConfig
	c.Flows = flows
	c.Rest.Server = "127.0.0.1:0"
	return c
}

func TestServeMemory(t *testing.T) {
	c := testConfig(writeDefinitions(t, pipelineYAML))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := newApp(ctx, c, types.DiscardLogger())
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.runner)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, ok := app.registry.GetFlow("store")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	deltaFile, err := app.engine.Ingress(ctx, "ingest", "input.txt", nil, map[string]string{"origin": "test"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		current, err := app.engine.Get(ctx, deltaFile.DID)
		return err == nil && current.Stage == types.StageComplete
	}, 5*time.Second, 10*time.Millisecond)

	current, err := app.engine.Get(ctx, deltaFile.DID)
	require.NoError(t, err)
	assert.Len(t, current.Flows, 3)
	assert.Equal(t, []string{types.DefaultCoreQueue, worker.PassThroughClass}, app.queueKeys())

	families, err := app.metrics.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestServeMissingDefinitions(t *testing.T) {
	c := testConfig(filepath.Join(t.TempDir(), "missing"))
	c.Worker.Enabled = false
	ctx := context.Background()
	app, err := newApp(ctx, c, types.DiscardLogger())
	require.NoError(t, err)
	defer app.Close()
	assert.Nil(t, app.runner)
	require.NoError(t, app.loadDefinitions(ctx))
	assert.Empty(t, app.registry.Snapshot().Flows())
}

func TestServeInvalidDefinitions(t *testing.T) {
	c := testConfig(writeDefinitions(t, invalidYAML))
	ctx := context.Background()
	app, err := newApp(ctx, c, types.DiscardLogger())
	require.NoError(t, err)
	defer app.Close()
	require.NoError(t, app.loadDefinitions(ctx))
	flow, ok := app.registry.GetFlow("ingest")
	require.True(t, ok)
	assert.Equal(t, types.FlowInvalid, flow.State)
}

func TestNewAppErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(*config.Server)
		want   string
	}{
		{"store", func(c *config.Server) { c.Store.Type = "nope" }, "store: unsupported type"},
		{"sql", func(c *config.Server) { c.Store = config.Section{Type: config.TypeSQL} }, "store: dsn is required"},
		{"content", func(c *config.Server) { c.Content = config.Section{Type: config.TypeFile} }, "content: file content requires a root"},
		{"analytics", func(c *config.Server) { c.Analytics = []config.Section{{Type: "nope"}} }, "analytics: section 0: unsupported type"},
		{"watchdog", func(c *config.Server) { c.Engine.WatchdogSchedule = "never" }, "invalid watchdog schedule"},
		{"endpoint", func(c *config.Server) { c.Endpoints = []config.Section{{Type: config.TypeMQTT}} }, "endpoint 0: mqtt endpoint server is required"},
		{"worker", func(c *config.Server) { c.Worker.Actions = []config.Action{{Class: "x", Type: "shell"}} }, "worker action 0: unsupported type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig("")
			tt.mutate(&c)
			_, err := newApp(ctx, c, types.DiscardLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServeMQTTEndpointUnreachable(t *testing.T) {
	c := testConfig(writeDefinitions(t, pipelineYAML))
	c.Endpoints = []config.Section{{Type: config.TypeMQTT, Options: map[string]any{
		"server": "tcp://127.0.0.1:1",
		"routes": []any{map[string]any{"topic": "sensors/#", "dataSource": "ingest"}},
	}}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	app, err := newApp(ctx, c, types.DiscardLogger())
	require.NoError(t, err)
	defer app.Close()
	require.Len(t, app.endpoints, 1)
	assert.ErrorContains(t, app.Run(ctx), "endpoint 0")
}

func TestFileContent(t *testing.T) {
	c := testConfig("")
	c.Content = config.Section{Type: config.TypeFile, Options: map[string]any{"root": t.TempDir()}}
	app, err := newApp(context.Background(), c, types.DiscardLogger())
	require.NoError(t, err)
	defer app.Close()
	assert.NotNil(t, app.storage)
}

func TestNewWorkerApp(t *testing.T) {
	c := testConfig("")
	_, err := newWorkerApp(context.Background(), c, types.DiscardLogger())
	assert.ErrorContains(t, err, "shared queue")

	c.Queue.Type = config.TypeRedis
	_, err = newWorkerApp(context.Background(), c, types.DiscardLogger())
	assert.ErrorContains(t, err, "shared content storage")
}

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", writeDefinitions(t, pipelineYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "2 topics, 3 flows ok")

	out, err = execute(t, "validate", "--flows", writeDefinitions(t, invalidYAML))
	require.Error(t, err)
	assert.Contains(t, out, "data source requires a topic")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "deltaflow version "+Version+" (build: dev)\n", out)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deltaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\nrest:\n  server: \":7000\"\n"), 0o644))

	f := &flags{}
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "")
	cmd.Flags().StringVar(&f.flows, "flows", "flows", "")
	cmd.Flags().StringVar(&f.addr, "addr", ":9090", "")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "")
	require.NoError(t, cmd.ParseFlags([]string{"-c", path, "--log-level", "debug"}))

	c, err := f.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, ":7000", c.Rest.Server)
	assert.Equal(t, "flows", c.Flows)

	require.NoError(t, cmd.ParseFlags([]string{"--log-level", "loud"}))
	_, err = f.load(cmd)
	assert.ErrorContains(t, err, `unknown log level "loud"`)
}
