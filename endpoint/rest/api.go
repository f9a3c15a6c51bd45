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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
)

// contentDeleter is implemented by storages able to drop the content of a DeltaFile.
type contentDeleter interface {
	Delete(ctx context.Context, did string) error
}

func (r *Rest) ingress(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	defer req.Body.Close()
	dataSource := params.ByName("dataSource")
	if flow, ok := r.registry.GetFlow(dataSource); !ok || flow.Kind() != types.KindDataSource {
		r.fail(w, req, fmt.Errorf("%w: data source %s", types.ErrNotFound, dataSource))
		return
	}
	name := req.Header.Get(FilenameKey)
	if name == "" {
		name = req.URL.Query().Get("filename")
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("filename is required"))
		return
	}
	metadata := map[string]string{}
	if raw := req.Header.Get(MetadataKey); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s header: %w", MetadataKey, err))
			return
		}
	}
	mediaType := req.Header.Get(ContentTypeKey)
	if mediaType == "" {
		mediaType = DefaultMediaType
	}

	ctx := req.Context()
	did := types.NewDID()
	stored, err := r.storage.Save(ctx, did, name, mediaType, req.Body)
	if err != nil {
		r.fail(w, req, fmt.Errorf("store content: %w", err))
		return
	}
	deltaFile, err := r.engine.IngressWithDID(ctx, did, dataSource, name, []types.Content{stored}, metadata)
	if err != nil && deltaFile == nil {
		if deleter, ok := r.storage.(contentDeleter); ok {
			_ = deleter.Delete(ctx, did)
		}
		r.fail(w, req, err)
		return
	}
	if err != nil {
		// saved but not dispatched, the DeltaFile is reported anyway
		r.logger.Warn("ingressed deltaFile was not dispatched", "did", did, "error", err)
	}
	w.Header().Set(DidKey, did)
	writeJSON(w, http.StatusCreated, deltaFile)
}

func (r *Rest) handleEvent(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	defer req.Body.Close()
	event := &types.ActionEvent{}
	if err := json.Decode(req.Body, event, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrInvalidEvent, err))
		return
	}
	if err := r.engine.HandleEvent(req.Context(), event); err != nil {
		r.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Rest) getDeltaFile(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	deltaFile, err := r.engine.Get(req.Context(), params.ByName("did"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deltaFile)
}

func (r *Rest) resume(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	did := params.ByName("did")
	if err := r.engine.Resume(req.Context(), did, req.URL.Query().Get("flow")); err != nil {
		r.fail(w, req, err)
		return
	}
	r.getDeltaFile(w, req, params)
}

func (r *Rest) cancel(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := r.engine.Cancel(req.Context(), params.ByName("did")); err != nil {
		r.fail(w, req, err)
		return
	}
	r.getDeltaFile(w, req, params)
}

func (r *Rest) listFlows(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, r.registry.Snapshot().Flows())
}

func (r *Rest) getFlow(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	flow, ok := r.registry.GetFlow(params.ByName("name"))
	if !ok {
		r.fail(w, req, fmt.Errorf("%w: flow %s", types.ErrNotFound, params.ByName("name")))
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (r *Rest) saveFlow(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	defer req.Body.Close()
	flow := &types.Flow{}
	if err := json.Decode(req.Body, flow, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := params.ByName("name")
	if flow.Name == "" {
		flow.Name = name
	} else if flow.Name != name {
		writeError(w, http.StatusBadRequest, fmt.Errorf("flow name %s does not match the path %s", flow.Name, name))
		return
	}
	if r.validator != nil {
		if err := r.validator.ValidateFlow(flow); err != nil {
			r.fail(w, req, err)
			return
		}
	}
	if flow.State == "" || flow.State == types.FlowInvalid {
		flow.State = types.FlowRunning
		if existing, ok := r.registry.GetFlow(name); ok && existing.State != types.FlowInvalid {
			flow.State = existing.State
		}
	}
	saved, err := r.registry.SaveFlow(req.Context(), flow)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (r *Rest) deleteFlow(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := r.registry.DeleteFlow(req.Context(), params.ByName("name")); err != nil {
		r.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Rest) setFlowState(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	state := types.FlowState(strings.ToUpper(params.ByName("state")))
	switch state {
	case types.FlowRunning, types.FlowPaused, types.FlowStopped:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown flow state %s", params.ByName("state")))
		return
	}
	saved, err := r.registry.SetFlowState(req.Context(), params.ByName("name"), state)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (r *Rest) listTopics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, r.registry.Snapshot().Topics())
}

func (r *Rest) saveTopic(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	defer req.Body.Close()
	t := &types.Topic{}
	if err := json.Decode(req.Body, t, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := params.ByName("name")
	if t.Name == "" {
		t.Name = name
	} else if t.Name != name {
		writeError(w, http.StatusBadRequest, fmt.Errorf("topic name %s does not match the path %s", t.Name, name))
		return
	}
	if r.validator != nil {
		if err := r.validator.ValidateTopic(t); err != nil {
			r.fail(w, req, err)
			return
		}
	}
	saved, err := r.registry.SaveTopic(req.Context(), t)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (r *Rest) deleteTopic(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := r.registry.DeleteTopic(req.Context(), params.ByName("name")); err != nil {
		r.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
