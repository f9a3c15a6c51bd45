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

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
	"github.com/rulego/deltaflow/content"
	"github.com/rulego/deltaflow/dsl"
	"github.com/rulego/deltaflow/engine"
	"github.com/rulego/deltaflow/pubsub"
	"github.com/rulego/deltaflow/queue"
	"github.com/rulego/deltaflow/store"
	"github.com/rulego/deltaflow/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t        *testing.T
	rest     *Rest
	server   *httptest.Server
	queue    *queue.MemoryQueue
	storage  *content.MemoryStorage
	registry *topic.Registry
	metrics  *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	ctx := context.Background()
	config := types.NewConfig(types.WithLogger(types.DiscardLogger()))
	evaluator := condition.NewEvaluator(config)
	t.Cleanup(evaluator.Close)
	registry := topic.NewRegistry(config, store.NewMemoryFlowRepository(), store.NewMemoryTopicRepository(), evaluator)
	flows := []*types.Flow{
		{Name: "ingest", Type: types.FlowTypeRestDataSource, State: types.FlowRunning, Topic: "raw"},
		{
			Name:           "store",
			Type:           types.FlowTypeDataSink,
			State:          types.FlowRunning,
			SubscribeRules: []types.Rule{types.NewRule("raw", "")},
			Actions:        []types.ActionConfiguration{{Name: "egress", Type: "org.example.Egress", ActionType: types.ActionTypeEgress}},
		},
	}
	for _, flow := range flows {
		_, err := registry.SaveFlow(ctx, flow)
		require.NoError(t, err)
	}

	q := queue.NewMemoryQueue(config.Clock)
	t.Cleanup(func() { _ = q.Close() })
	router := pubsub.NewRouter(config, registry, evaluator, nil)
	eng := engine.New(config, store.NewMemoryDeltaFileRepository(), registry, router, q, nil)
	t.Cleanup(eng.Close)

	storage := content.NewMemoryStorage()
	metrics := prometheus.NewRegistry()
	r := New(Config{}, config, eng, registry,
		WithStorage(storage), WithValidator(dsl.NewValidator(evaluator)), WithGatherer(metrics))
	server := httptest.NewServer(r.Handler())
	t.Cleanup(server.Close)
	return &testServer{t: t, rest: r, server: server, queue: q, storage: storage, registry: registry, metrics: metrics}
}

func (s *testServer) do(method, path string, body io.Reader, headers map[string]string) *http.Response {
	req, err := http.NewRequest(method, s.server.URL+path, body)
	require.NoError(s.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) ingress(data string) *types.DeltaFile {
	resp := s.do(http.MethodPost, "/api/v1/ingress/ingest", strings.NewReader(data), map[string]string{
		FilenameKey:    "input.txt",
		ContentTypeKey: "text/plain",
		MetadataKey:    `{"origin":"rest"}`,
	})
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	deltaFile := &types.DeltaFile{}
	decode(s.t, resp, deltaFile)
	assert.Equal(s.t, deltaFile.DID, resp.Header.Get(DidKey))
	return deltaFile
}

func (s *testServer) take(actionClass string) types.ActionInput {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := s.queue.Take(ctx, actionClass)
	require.NoError(s.t, err)
	var input types.ActionInput
	require.NoError(s.t, json.Unmarshal(data, &input))
	return input
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.Equal(t, JsonContextType, resp.Header.Get(ContentTypeKey))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func jsonBody(t *testing.T, v any) io.Reader {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestIngress(t *testing.T) {
	s := newTestServer(t)
	deltaFile := s.ingress("hello")

	assert.Equal(t, "input.txt", deltaFile.Name)
	assert.Equal(t, "ingest", deltaFile.DataSource)
	assert.Equal(t, types.StageInFlight, deltaFile.Stage)
	require.Len(t, deltaFile.Flows, 2)

	input := s.take("org.example.Egress")
	assert.Equal(t, deltaFile.DID, input.ActionContext.DID)
	assert.Equal(t, types.Metadata{"origin": "rest"}, input.Message.Metadata)
	require.Len(t, input.Message.Content, 1)
	stored := input.Message.Content[0]
	assert.Equal(t, "text/plain", stored.MediaType)
	assert.Equal(t, int64(5), stored.Size)
	data, err := content.ReadAll(context.Background(), s.storage, stored)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	resp := s.do(http.MethodGet, "/api/v1/deltafiles/"+deltaFile.DID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := &types.DeltaFile{}
	decode(t, resp, got)
	assert.Equal(t, deltaFile.DID, got.DID)

	resp = s.do(http.MethodGet, "/api/v1/deltafiles/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngressErrors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name    string
		path    string
		headers map[string]string
		status  int
	}{
		{name: "unknown data source", path: "/api/v1/ingress/nope", headers: map[string]string{FilenameKey: "a"}, status: http.StatusNotFound},
		{name: "not a data source", path: "/api/v1/ingress/store", headers: map[string]string{FilenameKey: "a"}, status: http.StatusNotFound},
		{name: "missing filename", path: "/api/v1/ingress/ingest", status: http.StatusBadRequest},
		{name: "bad metadata", path: "/api/v1/ingress/ingest", headers: map[string]string{FilenameKey: "a", MetadataKey: "{"}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(http.MethodPost, tt.path, strings.NewReader("x"), tt.headers)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body errorBody
			decode(t, resp, &body)
			assert.NotEmpty(t, body.Error)
		})
	}

	_, err := s.registry.SetFlowState(context.Background(), "ingest", types.FlowPaused)
	require.NoError(t, err)
	resp := s.do(http.MethodPost, "/api/v1/ingress/ingest", strings.NewReader("x"), map[string]string{FilenameKey: "a"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	s := newTestServer(t)
	deltaFile := s.ingress("hello")
	input := s.take("org.example.Egress")

	wrong := &types.ActionEvent{
		DID:        input.ActionContext.DID,
		FlowName:   input.ActionContext.FlowName,
		FlowID:     input.ActionContext.FlowID,
		ActionName: "unknown",
		Type:       types.EventComplete,
	}
	resp := s.do(http.MethodPost, "/api/v1/events", jsonBody(t, wrong), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	complete := *wrong
	complete.ActionName = input.ActionContext.ActionName
	resp = s.do(http.MethodPost, "/api/v1/events", jsonBody(t, complete), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = s.do(http.MethodGet, "/api/v1/deltafiles/"+deltaFile.DID, nil, nil)
	got := &types.DeltaFile{}
	decode(t, resp, got)
	assert.Equal(t, types.StageComplete, got.Stage)

	resp = s.do(http.MethodPost, "/api/v1/events", strings.NewReader("{"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.do(http.MethodPost, "/api/v1/events", jsonBody(t, &types.ActionEvent{Type: types.EventComplete}), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	missing := complete
	missing.DID = "missing"
	resp = s.do(http.MethodPost, "/api/v1/events", jsonBody(t, missing), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAndResume(t *testing.T) {
	s := newTestServer(t)
	deltaFile := s.ingress("hello")

	resp := s.do(http.MethodPost, "/api/v1/deltafiles/"+deltaFile.DID+"/resume", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodPost, "/api/v1/deltafiles/"+deltaFile.DID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := &types.DeltaFile{}
	decode(t, resp, got)
	assert.Equal(t, types.StageCancelled, got.Stage)

	resp = s.do(http.MethodPost, "/api/v1/deltafiles/missing/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFlows(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(http.MethodGet, "/api/v1/flows", nil, nil)
	var flows []*types.Flow
	decode(t, resp, &flows)
	require.Len(t, flows, 2)
	assert.Equal(t, "ingest", flows[0].Name)

	transform := &types.Flow{
		Type:           types.FlowTypeTransform,
		SubscribeRules: []types.Rule{types.NewRule("raw", "hasMediaType('text/plain')")},
		PublishRules:   &types.PublishRules{Rules: []types.Rule{types.NewRule("parsed", "")}},
		Actions:        []types.ActionConfiguration{{Name: "parse", Type: "org.example.Parse"}},
	}
	resp = s.do(http.MethodPut, "/api/v1/flows/parse", jsonBody(t, transform), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := &types.Flow{}
	decode(t, resp, saved)
	assert.Equal(t, "parse", saved.Name)
	assert.Equal(t, types.FlowRunning, saved.State)
	assert.Len(t, s.registry.GetSubscribers("raw"), 2)

	resp = s.do(http.MethodPut, "/api/v1/flows/parse/state/paused", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, saved)
	assert.Equal(t, types.FlowPaused, saved.State)

	// a new definition keeps the paused state
	resp = s.do(http.MethodPut, "/api/v1/flows/parse", jsonBody(t, transform), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, saved)
	assert.Equal(t, types.FlowPaused, saved.State)

	resp = s.do(http.MethodGet, "/api/v1/flows/parse", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	invalid := &types.Flow{Type: types.FlowTypeDataSink}
	resp = s.do(http.MethodPut, "/api/v1/flows/broken", jsonBody(t, invalid), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, []string{"subscriber requires at least one subscribe rule"}, body.Messages)

	resp = s.do(http.MethodPut, "/api/v1/flows/other", jsonBody(t, &types.Flow{Name: "parse"}), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.do(http.MethodPut, "/api/v1/flows/parse", strings.NewReader(`{"unknownField":1}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.do(http.MethodPut, "/api/v1/flows/parse/state/sleeping", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = s.do(http.MethodPut, "/api/v1/flows/nope/state/running", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(http.MethodDelete, "/api/v1/flows/parse", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(http.MethodDelete, "/api/v1/flows/parse", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(http.MethodGet, "/api/v1/flows/parse", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTopics(t *testing.T) {
	s := newTestServer(t)

	raw := &types.Topic{Filters: []string{"hasMetadataKey('skip')"}, FilterPolicy: types.FilterPolicyFilter}
	resp := s.do(http.MethodPut, "/api/v1/topics/raw", jsonBody(t, raw), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(http.MethodGet, "/api/v1/topics", nil, nil)
	var topics []*types.Topic
	decode(t, resp, &topics)
	require.Len(t, topics, 1)
	assert.Equal(t, "raw", topics[0].Name)
	assert.Equal(t, types.FilterPolicyFilter, topics[0].FilterPolicy)

	resp = s.do(http.MethodPut, "/api/v1/topics/bad", jsonBody(t, &types.Topic{Filters: []string{"1 +"}}), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(http.MethodDelete, "/api/v1/topics/raw", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := s.registry.GetTopic("raw")
	assert.False(t, ok)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "deltaflow_test_total", Help: "test counter"})
	require.NoError(t, s.metrics.Register(counter))
	counter.Add(3)

	resp := s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "deltaflow_test_total 3")
}

func TestDeltaFileStream(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/deltafiles"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.rest.stream.size() == 1 }, time.Second, 5*time.Millisecond)

	deltaFile := s.ingress("hello")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	got := &types.DeltaFile{}
	require.NoError(t, json.Unmarshal(data, got))
	assert.Equal(t, deltaFile.DID, got.DID)
	assert.Equal(t, types.StageInFlight, got.Stage)

	require.NoError(t, s.rest.Stop(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
	assert.Equal(t, 0, s.rest.stream.size())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusOf(&types.ValidationError{Messages: []string{"x"}}))
	assert.Equal(t, http.StatusConflict, statusOf(&types.ConsistencyError{}))
	assert.Equal(t, http.StatusConflict, statusOf(types.ErrVersionConflict))
	assert.Equal(t, http.StatusNotFound, statusOf(types.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusOf(io.ErrUnexpectedEOF))
}
