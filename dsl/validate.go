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
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/condition"
)

// cronParser accepts the schedules of cron.New(cron.WithSeconds()).
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator checks definitions before they are activated.
type Validator struct {
	evaluator *condition.Evaluator
}

func NewValidator(evaluator *condition.Evaluator) *Validator {
	return &Validator{evaluator: evaluator}
}

// Validate checks every definition and the uniqueness of names. The result joins one
// *types.ValidationError per invalid definition.
func (v *Validator) Validate(defs *Definitions) error {
	var errs []error
	topics := make(map[string]struct{}, len(defs.Topics))
	for _, topic := range defs.Topics {
		if _, ok := topics[topic.Name]; ok && topic.Name != "" {
			errs = append(errs, &types.ValidationError{Name: topic.Name, Messages: []string{"duplicate topic name " + topic.Name}})
			continue
		}
		topics[topic.Name] = struct{}{}
		if err := v.ValidateTopic(topic); err != nil {
			errs = append(errs, err)
		}
	}
	flows := make(map[string]struct{}, len(defs.Flows))
	for _, flow := range defs.Flows {
		if _, ok := flows[flow.Name]; ok && flow.Name != "" {
			errs = append(errs, &types.ValidationError{Name: flow.Name, Messages: []string{"duplicate flow name " + flow.Name}})
			continue
		}
		flows[flow.Name] = struct{}{}
		if err := v.ValidateFlow(flow); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateTopic checks a topic definition.
func (v *Validator) ValidateTopic(topic *types.Topic) error {
	verr := &types.ValidationError{Name: topic.Name}
	if topic.Name == "" {
		verr.Add("topic name is required")
	}
	switch topic.FilterPolicy {
	case "", types.FilterPolicyDrop, types.FilterPolicyFilter, types.FilterPolicyError:
	default:
		verr.Add("unknown filter policy %q", topic.FilterPolicy)
	}
	for i, filter := range topic.Filters {
		if err := v.evaluator.Validate(filter); err != nil {
			verr.Add("filter %d: %v", i, err)
		}
	}
	return verr.OrNil()
}

// ValidateFlow checks a flow definition.
func (v *Validator) ValidateFlow(flow *types.Flow) error {
	verr := &types.ValidationError{Name: flow.Name}
	if flow.Name == "" {
		verr.Add("flow name is required")
	}
	switch flow.State {
	case "", types.FlowRunning, types.FlowPaused, types.FlowStopped, types.FlowInvalid:
	default:
		verr.Add("unknown flow state %q", flow.State)
	}
	kind := flow.Kind()
	if kind == types.KindUnknown {
		verr.Add("unknown flow type %q", flow.Type)
		return verr
	}
	if kind == types.KindDataSource {
		v.validateDataSource(flow, verr)
	}
	if flow.IsPublisher() {
		v.validatePublishRules(flow.PublishRules, verr)
	}
	if flow.IsSubscriber() {
		if len(flow.SubscribeRules) == 0 {
			verr.Add("subscriber requires at least one subscribe rule")
		}
		for i, rule := range flow.SubscribeRules {
			v.validateRule("subscribe", i, rule, verr)
		}
	}
	validateActions(flow.Actions, verr)
	return verr.OrNil()
}

func (v *Validator) validateDataSource(flow *types.Flow, verr *types.ValidationError) {
	if flow.Topic == "" {
		verr.Add("data source requires a topic")
	}
	if flow.Type != types.FlowTypeTimedDataSource {
		return
	}
	if flow.CronSchedule == "" {
		verr.Add("timed data source requires a cron schedule")
	} else if _, err := cronParser.Parse(flow.CronSchedule); err != nil {
		verr.Add("invalid cron schedule %q: %v", flow.CronSchedule, err)
	}
}

func (v *Validator) validatePublishRules(rules *types.PublishRules, verr *types.ValidationError) {
	if rules == nil {
		verr.Add("publisher requires publish rules")
		return
	}
	switch rules.MatchingPolicy {
	case "", types.AllMatching, types.FirstMatching:
	default:
		verr.Add("unknown matching policy %q", rules.MatchingPolicy)
	}
	if rules.DefaultRule != nil {
		switch rules.DefaultRule.DefaultBehavior {
		case "", types.DefaultBehaviorError, types.DefaultBehaviorFilter:
		case types.DefaultBehaviorPublish:
			if rules.DefaultRule.Topic == "" {
				verr.Add("default rule PUBLISH is missing a topic")
			}
		default:
			verr.Add("unknown default behavior %q", rules.DefaultRule.DefaultBehavior)
		}
	}
	for i, rule := range rules.Rules {
		v.validateRule("publish", i, rule, verr)
	}
}

func (v *Validator) validateRule(kind string, i int, rule types.Rule, verr *types.ValidationError) {
	if rule.Topic == "" {
		verr.Add("%s rule %d is missing a topic", kind, i)
	}
	if err := v.evaluator.Validate(rule.ConditionText()); err != nil {
		verr.Add("%s rule %d: %v", kind, i, err)
	}
}

func validateActions(actions []types.ActionConfiguration, verr *types.ValidationError) {
	names := make(map[string]struct{}, len(actions))
	for i, action := range actions {
		if action.Name == "" {
			verr.Add("action %d is missing a name", i)
		} else if _, ok := names[action.Name]; ok {
			verr.Add("duplicate action name %s", action.Name)
		}
		names[action.Name] = struct{}{}
		if action.Type == "" {
			verr.Add("action %s is missing a type", displayName(action.Name, i))
		}
	}
}

func displayName(name string, i int) string {
	if name == "" {
		return fmt.Sprintf("%d", i)
	}
	return name
}
