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

// Package rest serves the HTTP API: ingress, action events, DeltaFile status and control,
// flow and topic administration, Prometheus metrics and a websocket stream of DeltaFile changes.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/content"
	"github.com/rulego/deltaflow/dsl"
	"github.com/rulego/deltaflow/engine"
	"github.com/rulego/deltaflow/topic"
	"github.com/rulego/deltaflow/utils/json"
)

const (
	ContentTypeKey  = "Content-Type"
	JsonContextType = "application/json"
	// FilenameKey names the ingressed DeltaFile.
	FilenameKey = "Filename"
	// MetadataKey carries ingress metadata as a JSON object.
	MetadataKey = "Metadata"
	// DidKey returns the did of an ingressed DeltaFile.
	DidKey = "Did"
	// DefaultMediaType is used when an ingress request has no Content-Type.
	DefaultMediaType = "application/octet-stream"
)

// Config Rest 服务配置
type Config struct {
	Server      string
	CertFile    string
	CertKeyFile string
}

// Option configures a Rest endpoint.
type Option func(*Rest)

// WithStorage sets the storage ingressed content is written to. Defaults to memory.
func WithStorage(storage types.ContentStorage) Option {
	return func(r *Rest) {
		r.storage = storage
	}
}

// WithValidator checks flows and topics saved through the API.
func WithValidator(validator *dsl.Validator) Option {
	return func(r *Rest) {
		r.validator = validator
	}
}

// WithGatherer serves the metrics of gatherer on /metrics. Defaults to the prometheus default registry.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(r *Rest) {
		r.gatherer = gatherer
	}
}

// Rest 接收端端点
type Rest struct {
	//配置
	Config    Config
	Server    *http.Server
	engine    *engine.Engine
	registry  *topic.Registry
	storage   types.ContentStorage
	validator *dsl.Validator
	gatherer  prometheus.Gatherer
	logger    types.Logger
	stream    *stream
	//路由器
	router *httprouter.Router
}

// New creates the endpoint and subscribes its stream to the changes of eng.
func New(config Config, ruleConfig types.Config, eng *engine.Engine, registry *topic.Registry, opts ...Option) *Rest {
	r := &Rest{
		Config:   config,
		engine:   eng,
		registry: registry,
		storage:  content.NewMemoryStorage(),
		gatherer: prometheus.DefaultGatherer,
		logger:   types.NewLogger(ruleConfig.Logger),
		router:   httprouter.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stream = newStream(r.logger)
	eng.OnChange(r.stream.publish)
	r.router.PanicHandler = func(w http.ResponseWriter, req *http.Request, e interface{}) {
		r.logger.Error("rest handler panicked", "method", req.Method, "path", req.URL.Path, "panic", e)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
	r.routes()
	return r
}

func (r *Rest) routes() {
	r.POST("/api/v1/ingress/:dataSource", r.ingress)
	r.POST("/api/v1/events", r.handleEvent)
	r.GET("/api/v1/deltafiles/:did", r.getDeltaFile)
	r.POST("/api/v1/deltafiles/:did/resume", r.resume)
	r.POST("/api/v1/deltafiles/:did/cancel", r.cancel)
	r.GET("/api/v1/flows", r.listFlows)
	r.GET("/api/v1/flows/:name", r.getFlow)
	r.PUT("/api/v1/flows/:name", r.saveFlow)
	r.DELETE("/api/v1/flows/:name", r.deleteFlow)
	r.PUT("/api/v1/flows/:name/state/:state", r.setFlowState)
	r.GET("/api/v1/topics", r.listTopics)
	r.PUT("/api/v1/topics/:name", r.saveTopic)
	r.DELETE("/api/v1/topics/:name", r.deleteTopic)
	r.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.GET("/ws/deltafiles", r.stream.serve)
}

// Start listens on Config.Server and serves in the background.
func (r *Rest) Start() error {
	addr := r.Config.Server
	isTls := r.Config.CertKeyFile != "" && r.Config.CertFile != ""
	if addr == "" {
		if isTls {
			addr = ":https"
		} else {
			addr = ":http"
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.Server = &http.Server{Addr: ln.Addr().String(), Handler: r.router}
	r.logger.Info("starting rest server", "addr", r.Server.Addr, "tls", isTls)
	go func() {
		defer ln.Close()
		var err error
		if isTls {
			err = r.Server.ServeTLS(ln, r.Config.CertFile, r.Config.CertKeyFile)
		} else {
			err = r.Server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("rest server stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the stream connections and shuts the server down.
func (r *Rest) Stop(ctx context.Context) error {
	r.stream.close()
	if r.Server == nil {
		return nil
	}
	return r.Server.Shutdown(ctx)
}

// Handler returns the router serving the API.
func (r *Rest) Handler() http.Handler {
	return r.router
}

// AddRouter registers a handle for method and path.
func (r *Rest) AddRouter(method, path string, handle httprouter.Handle) *Rest {
	r.router.Handle(method, path, handle)
	return r
}

func (r *Rest) GET(path string, handle httprouter.Handle) *Rest {
	return r.AddRouter(http.MethodGet, path, handle)
}

func (r *Rest) POST(path string, handle httprouter.Handle) *Rest {
	return r.AddRouter(http.MethodPost, path, handle)
}

func (r *Rest) PUT(path string, handle httprouter.Handle) *Rest {
	return r.AddRouter(http.MethodPut, path, handle)
}

func (r *Rest) DELETE(path string, handle httprouter.Handle) *Rest {
	return r.AddRouter(http.MethodDelete, path, handle)
}

// errorBody is the JSON body of a failed request.
type errorBody struct {
	Error    string   `json:"error"`
	Messages []string `json:"messages,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(ContentTypeKey, JsonContextType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		body.Messages = verr.Messages
	}
	writeJSON(w, status, body)
}

// statusOf maps engine and registry errors to HTTP status codes.
func statusOf(err error) int {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, types.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnexpectedAction), errors.Is(err, types.ErrVersionConflict), errors.Is(err, types.ErrIllegalState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Rest) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
	}
	writeError(w, status, err)
}
