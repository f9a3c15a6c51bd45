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

package topic

import (
	"context"
	"errors"
	"fmt"

	"github.com/rulego/deltaflow/api/types"
)

// SaveFlow creates or replaces a flow definition and refreshes the registry.
func (r *Registry) SaveFlow(ctx context.Context, flow *types.Flow) (*types.Flow, error) {
	f := flow.Copy()
	existing, err := r.flows.Get(ctx, f.Name)
	switch {
	case err == nil:
		f.Version = existing.Version
	case errors.Is(err, types.ErrNotFound):
		f.Version = 0
	default:
		return nil, err
	}
	saved, err := r.flows.Save(ctx, f)
	if err != nil {
		return nil, err
	}
	return saved, r.RefreshCache(ctx)
}

// SetFlowState starts, pauses or stops a flow and refreshes the registry.
func (r *Registry) SetFlowState(ctx context.Context, name string, state types.FlowState) (*types.Flow, error) {
	flow, err := r.flows.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if flow.State == types.FlowInvalid && state == types.FlowRunning {
		return nil, fmt.Errorf("%w: flow %s is invalid and cannot be started", types.ErrIllegalState, name)
	}
	flow.State = state
	saved, err := r.flows.Save(ctx, flow)
	if err != nil {
		return nil, err
	}
	return saved, r.RefreshCache(ctx)
}

// DeleteFlow removes a flow definition and refreshes the registry.
func (r *Registry) DeleteFlow(ctx context.Context, name string) error {
	if err := r.flows.DeleteByID(ctx, name); err != nil {
		return err
	}
	return r.RefreshCache(ctx)
}

// SaveTopic creates or replaces a topic and refreshes the registry.
func (r *Registry) SaveTopic(ctx context.Context, topic *types.Topic) (*types.Topic, error) {
	t := topic.Copy()
	existing, err := r.topics.Get(ctx, t.Name)
	switch {
	case err == nil:
		t.Version = existing.Version
	case errors.Is(err, types.ErrNotFound):
		t.Version = 0
	default:
		return nil, err
	}
	saved, err := r.topics.Save(ctx, t)
	if err != nil {
		return nil, err
	}
	return saved, r.RefreshCache(ctx)
}

// DeleteTopic removes a topic and refreshes the registry.
func (r *Registry) DeleteTopic(ctx context.Context, name string) error {
	if err := r.topics.DeleteByID(ctx, name); err != nil {
		return err
	}
	return r.RefreshCache(ctx)
}
