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

package dsl

import (
	"context"
	"errors"

	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/topic"
)

// Loader validates definitions and saves them into a topic registry.
type Loader struct {
	registry  *topic.Registry
	validator *Validator
	logger    types.Logger
}

func NewLoader(config types.Config, registry *topic.Registry, validator *Validator) *Loader {
	return &Loader{registry: registry, validator: validator, logger: types.NewLogger(config.Logger)}
}

// Apply saves every topic and flow. Invalid flows are saved in the INVALID state and invalid
// topics are skipped. A flow without a state keeps the state of the flow it replaces, a new
// one starts RUNNING. The returned error joins the validation errors and save failures.
func (l *Loader) Apply(ctx context.Context, defs *Definitions) error {
	var errs []error
	for _, t := range defs.Topics {
		if err := l.validator.ValidateTopic(t); err != nil {
			l.logger.Warn("skipping invalid topic", "topic", t.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		if _, err := l.registry.SaveTopic(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	seen := make(map[string]struct{}, len(defs.Flows))
	for _, flow := range defs.Flows {
		if _, ok := seen[flow.Name]; ok {
			errs = append(errs, &types.ValidationError{Name: flow.Name, Messages: []string{"duplicate flow name " + flow.Name}})
			continue
		}
		seen[flow.Name] = struct{}{}
		if err := l.applyFlow(ctx, flow); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) applyFlow(ctx context.Context, flow *types.Flow) error {
	f := flow.Copy()
	verr := l.validator.ValidateFlow(f)
	if f.Name == "" {
		return verr
	}
	switch {
	case verr != nil:
		l.logger.Warn("flow is invalid", "flow", f.Name, "error", verr)
		f.State = types.FlowInvalid
	case f.State == "" || f.State == types.FlowInvalid:
		f.State = types.FlowRunning
		if existing, ok := l.registry.GetFlow(f.Name); ok && existing.State != types.FlowInvalid {
			f.State = existing.State
		}
	}
	if _, err := l.registry.SaveFlow(ctx, f); err != nil {
		return err
	}
	l.logger.Debug("flow loaded", "flow", f.Name, "type", f.Type, "state", f.State)
	return verr
}

// LoadDir parses the definitions under dir and applies them.
func (l *Loader) LoadDir(ctx context.Context, dir string) error {
	defs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	return l.Apply(ctx, defs)
}
