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

package types

import (
	"fmt"
	"strings"
)

// Rule maps an optional condition to a topic. A nil or blank condition always matches.
// Rules are values, two rules are equal when topic and condition are equal.
type Rule struct {
	Topic     string  `json:"topic" yaml:"topic"`
	Condition *string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// NewRule returns a rule, an empty condition yields an unconditional rule.
func NewRule(topic, condition string) Rule {
	if strings.TrimSpace(condition) == "" {
		return Rule{Topic: topic}
	}
	return Rule{Topic: topic, Condition: &condition}
}

// ConditionText returns the condition or "" when unconditional.
func (r Rule) ConditionText() string {
	if r.Condition == nil {
		return ""
	}
	return strings.TrimSpace(*r.Condition)
}

// Unconditional reports whether the rule matches without evaluating anything.
func (r Rule) Unconditional() bool {
	return r.ConditionText() == ""
}

// Equal compares rules by value.
func (r Rule) Equal(o Rule) bool {
	return r.Topic == o.Topic && r.ConditionText() == o.ConditionText()
}

func (r Rule) String() string {
	if r.Unconditional() {
		return "topic: " + r.Topic
	}
	return fmt.Sprintf("topic: %s, condition: %s", r.Topic, r.ConditionText())
}

// MatchingPolicy decides how many publish rules may contribute topics.
type MatchingPolicy string

const (
	// AllMatching publishes to the topic of every matching rule. It is the default.
	AllMatching MatchingPolicy = "ALL_MATCHING"
	// FirstMatching publishes to the topic of the first matching rule in declaration order.
	FirstMatching MatchingPolicy = "FIRST_MATCHING"
)

// DefaultBehavior is applied when no subscriber accepts a published DeltaFile.
type DefaultBehavior string

const (
	DefaultBehaviorError   DefaultBehavior = "ERROR"
	DefaultBehaviorFilter  DefaultBehavior = "FILTER"
	DefaultBehaviorPublish DefaultBehavior = "PUBLISH"
)

// DefaultRule is the no-match fallback of a publisher. Topic is only used with PUBLISH.
type DefaultRule struct {
	DefaultBehavior DefaultBehavior `json:"defaultBehavior" yaml:"defaultBehavior"`
	Topic           string          `json:"topic,omitempty" yaml:"topic,omitempty"`
}

// ErrorRule is used when a publisher declares no default rule.
var ErrorRule = DefaultRule{DefaultBehavior: DefaultBehaviorError}

func (d DefaultRule) String() string {
	if d.DefaultBehavior == DefaultBehaviorPublish {
		return fmt.Sprintf("%s to %s", d.DefaultBehavior, d.Topic)
	}
	return string(d.DefaultBehavior)
}

// PublishRules controls where a publisher sends a completed DeltaFile.
type PublishRules struct {
	MatchingPolicy MatchingPolicy `json:"matchingPolicy,omitempty" yaml:"matchingPolicy,omitempty"`
	DefaultRule    *DefaultRule   `json:"defaultRule,omitempty" yaml:"defaultRule,omitempty"`
	Rules          []Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Policy returns the matching policy, ALL_MATCHING when unset.
func (p *PublishRules) Policy() MatchingPolicy {
	if p == nil || p.MatchingPolicy == "" {
		return AllMatching
	}
	return p.MatchingPolicy
}

// Default returns the default rule, ERROR when unset.
func (p *PublishRules) Default() DefaultRule {
	if p == nil || p.DefaultRule == nil || p.DefaultRule.DefaultBehavior == "" {
		return ErrorRule
	}
	return *p.DefaultRule
}

// String renders the rules for error contexts shown to operators.
func (p *PublishRules) String() string {
	if p == nil {
		return "none"
	}
	var sb strings.Builder
	sb.WriteString("matchingPolicy: ")
	sb.WriteString(string(p.Policy()))
	sb.WriteString("\ndefaultRule: ")
	sb.WriteString(p.Default().String())
	sb.WriteString("\nrules:")
	if len(p.Rules) == 0 {
		sb.WriteString(" []")
	}
	for _, r := range p.Rules {
		sb.WriteString("\n  - ")
		sb.WriteString(r.String())
	}
	return sb.String()
}

// Copy returns a deep copy.
func (p *PublishRules) Copy() *PublishRules {
	if p == nil {
		return nil
	}
	c := *p
	if p.DefaultRule != nil {
		d := *p.DefaultRule
		c.DefaultRule = &d
	}
	c.Rules = append([]Rule(nil), p.Rules...)
	return &c
}

// TopicFilterPolicy decides what happens to a DeltaFile rejected by a topic filter.
type TopicFilterPolicy string

const (
	// FilterPolicyDrop silently removes the topic from the candidates. It is the default.
	FilterPolicyDrop   TopicFilterPolicy = "DROP"
	FilterPolicyFilter TopicFilterPolicy = "FILTER"
	FilterPolicyError  TopicFilterPolicy = "ERROR"
)

// Topic is a registry entry. Filters are conditions, a DeltaFile matching any of them
// is rejected by the topic according to FilterPolicy.
type Topic struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Filters      []string          `json:"filters,omitempty" yaml:"filters,omitempty"`
	FilterPolicy TopicFilterPolicy `json:"filterPolicy,omitempty" yaml:"filterPolicy,omitempty"`
	// Version is checked on save.
	Version int64 `json:"version" yaml:"-"`
}

// Policy returns the filter policy, DROP when unset.
func (t *Topic) Policy() TopicFilterPolicy {
	if t.FilterPolicy == "" {
		return FilterPolicyDrop
	}
	return t.FilterPolicy
}

func (t *Topic) String() string {
	var sb strings.Builder
	sb.WriteString("topic: ")
	sb.WriteString(t.Name)
	sb.WriteString("\nfilterPolicy: ")
	sb.WriteString(string(t.Policy()))
	sb.WriteString("\nfilters:")
	if len(t.Filters) == 0 {
		sb.WriteString(" []")
	}
	for _, f := range t.Filters {
		sb.WriteString("\n  - ")
		sb.WriteString(f)
	}
	return sb.String()
}

// Copy returns a deep copy.
func (t *Topic) Copy() *Topic {
	c := *t
	c.Filters = append([]string(nil), t.Filters...)
	return &c
}
