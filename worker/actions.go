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

package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/content"
	"github.com/rulego/deltaflow/utils/cache"
	"github.com/rulego/deltaflow/utils/js"
	"github.com/rulego/deltaflow/utils/maps"
)

const (
	PassThroughClass     = "org.deltaflow.PassThrough"
	ScriptTransformClass = "org.deltaflow.ScriptTransform"
	// DefaultScriptFunction is the function a script transform calls.
	DefaultScriptFunction = "transform"
)

// PassThroughParameters are the parameters of PassThrough.
type PassThroughParameters struct {
	Metadata           map[string]string
	DeleteMetadataKeys []string
	Annotations        map[string]string
}

// PassThrough completes with the input content, optionally adding metadata and annotations.
func PassThrough() Action {
	return ActionFunc(func(_ context.Context, input types.ActionInput) (Result, error) {
		var params PassThroughParameters
		if err := maps.Map2Struct(input.ActionParameters, &params); err != nil {
			return Result{}, &Error{Cause: "Invalid parameters", Context: err.Error()}
		}
		return Result{
			Metadata:           params.Metadata,
			DeleteMetadataKeys: params.DeleteMetadataKeys,
			Annotations:        params.Annotations,
		}, nil
	})
}

// ScriptParameters are the parameters of ScriptTransform.
type ScriptParameters struct {
	// Script defines the function called with the action input.
	Script   string
	Function string
	// MaxExecutionTime bounds one call, for example "5s".
	MaxExecutionTime time.Duration
}

// ScriptContent is a content item as scripts see it.
type ScriptContent struct {
	Name      string `json:"name" mapstructure:"name"`
	MediaType string `json:"mediaType" mapstructure:"mediaType"`
	Text      string `json:"text" mapstructure:"text"`
}

type scriptOutput struct {
	Content            []ScriptContent   `mapstructure:"content"`
	Metadata           map[string]string `mapstructure:"metadata"`
	DeleteMetadataKeys []string          `mapstructure:"deleteMetadataKeys"`
	Annotations        map[string]string `mapstructure:"annotations"`
	Filter             string            `mapstructure:"filter"`
	Children           []scriptChild     `mapstructure:"children"`
}

type scriptChild struct {
	Name     string            `mapstructure:"name"`
	Content  []ScriptContent   `mapstructure:"content"`
	Metadata map[string]string `mapstructure:"metadata"`
}

// ScriptTransform runs a JavaScript function over the input content. The function receives
// {content, metadata, context} where each content item carries its text, and may return an
// object with content, metadata, deleteMetadataKeys, annotations or a filter message.
// Returning nothing passes the input through. Omitting content keeps the input content.
// A children list of {name, content, metadata} splits the DeltaFile, one child each.
type ScriptTransform struct {
	storage types.ContentStorage
	logger  types.Logger
	engines *cache.MemoryCache[*js.GojaJsEngine]
}

// NewScriptTransform creates the action. Compiled scripts are cached for ttl.
func NewScriptTransform(storage types.ContentStorage, ttl time.Duration, logger types.Logger) *ScriptTransform {
	return &ScriptTransform{
		storage: storage,
		logger:  types.NewLogger(logger),
		engines: cache.NewMemoryCache[*js.GojaJsEngine](ttl),
	}
}

func (s *ScriptTransform) Execute(ctx context.Context, input types.ActionInput) (Result, error) {
	var params ScriptParameters
	if err := maps.Map2Struct(input.ActionParameters, &params); err != nil {
		return Result{}, &Error{Cause: "Invalid parameters", Context: err.Error()}
	}
	if params.Script == "" {
		return Result{}, &Error{Cause: "Invalid parameters", Context: "script is required"}
	}
	if params.Function == "" {
		params.Function = DefaultScriptFunction
	}
	engine, err := s.engine(params)
	if err != nil {
		return Result{}, &Error{Cause: "Script compilation failed", Context: err.Error()}
	}

	contents := make([]ScriptContent, 0, len(input.Message.Content))
	for _, c := range input.Message.Content {
		data, err := content.ReadAll(ctx, s.storage, c)
		if err != nil {
			return Result{}, &Error{Cause: "Failed to load content", Context: fmt.Sprintf("%s: %v", c.Name, err)}
		}
		contents = append(contents, ScriptContent{Name: c.Name, MediaType: c.MediaType, Text: string(data)})
	}
	out, err := engine.Execute(ctx, params.Function, map[string]any{
		"content":  contents,
		"metadata": map[string]string(input.Message.Metadata),
		"context":  input.ActionContext,
	})
	if err != nil {
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return Result{}, &Error{Cause: "Script error", Context: exception.Value().String()}
		}
		return Result{}, &Error{Cause: "Script error", Context: err.Error()}
	}
	return s.result(ctx, input, out)
}

func (s *ScriptTransform) result(ctx context.Context, input types.ActionInput, out any) (Result, error) {
	raw, ok := out.(map[string]any)
	if !ok {
		if out == nil {
			return Result{}, nil
		}
		return Result{}, &Error{Cause: "Script error", Context: fmt.Sprintf("unexpected result type %T", out)}
	}
	var output scriptOutput
	if err := maps.Map2Struct(raw, &output); err != nil {
		return Result{}, &Error{Cause: "Script error", Context: err.Error()}
	}
	result := Result{
		Metadata:           output.Metadata,
		DeleteMetadataKeys: output.DeleteMetadataKeys,
		Annotations:        output.Annotations,
	}
	if output.Filter != "" {
		result.Filter = &types.FilterEvent{Message: output.Filter}
		return result, nil
	}
	if len(output.Children) > 0 {
		for _, child := range output.Children {
			saved, err := s.store(ctx, input.ActionContext.DID, child.Content)
			if err != nil {
				return Result{}, err
			}
			result.Children = append(result.Children, types.ChildEvent{Name: child.Name, Content: saved, Metadata: child.Metadata})
		}
		return result, nil
	}
	if value, present := raw["content"]; present {
		if value == nil {
			result.Content = types.NullField[[]types.Content]()
			return result, nil
		}
		saved, err := s.store(ctx, input.ActionContext.DID, output.Content)
		if err != nil {
			return Result{}, err
		}
		result.Content = types.SetField(saved)
	}
	return result, nil
}

func (s *ScriptTransform) store(ctx context.Context, did string, contents []ScriptContent) ([]types.Content, error) {
	saved := make([]types.Content, 0, len(contents))
	for _, c := range contents {
		stored, err := s.storage.Save(ctx, did, c.Name, c.MediaType, strings.NewReader(c.Text))
		if err != nil {
			return nil, &Error{Cause: "Failed to store content", Context: fmt.Sprintf("%s: %v", c.Name, err)}
		}
		saved = append(saved, stored)
	}
	return saved, nil
}

func (s *ScriptTransform) engine(params ScriptParameters) (*js.GojaJsEngine, error) {
	sum := sha256.Sum256([]byte(params.MaxExecutionTime.String() + "\x00" + params.Script))
	key := hex.EncodeToString(sum[:])
	if engine, ok := s.engines.Get(key); ok {
		return engine, nil
	}
	engine, err := js.NewGojaJsEngine(params.Script, nil, params.MaxExecutionTime, s.logger)
	if err != nil {
		return nil, err
	}
	s.engines.Set(key, engine)
	return engine, nil
}
