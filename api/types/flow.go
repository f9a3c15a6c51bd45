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

// FlowType is the configured type of a flow.
type FlowType string

const (
	FlowTypeRestDataSource  FlowType = "REST_DATA_SOURCE"
	FlowTypeTimedDataSource FlowType = "TIMED_DATA_SOURCE"
	FlowTypeTransform       FlowType = "TRANSFORM"
	FlowTypeDataSink        FlowType = "DATA_SINK"
)

// FlowKind is the routing capability of a flow.
type FlowKind int

const (
	KindUnknown FlowKind = iota
	// KindDataSource publishes to exactly one fixed topic.
	KindDataSource
	// KindPublisher publishes through PublishRules.
	KindPublisher
	// KindSubscriber receives DeltaFiles through subscribe rules.
	KindSubscriber
	// KindPublisherSubscriber both receives and publishes.
	KindPublisherSubscriber
)

func (k FlowKind) String() string {
	switch k {
	case KindDataSource:
		return "DataSource"
	case KindPublisher:
		return "Publisher"
	case KindSubscriber:
		return "Subscriber"
	case KindPublisherSubscriber:
		return "PublisherSubscriber"
	default:
		return "Unknown"
	}
}

// Kind returns the capability for a flow type.
func (t FlowType) Kind() FlowKind {
	switch t {
	case FlowTypeRestDataSource, FlowTypeTimedDataSource:
		return KindDataSource
	case FlowTypeTransform:
		return KindPublisherSubscriber
	case FlowTypeDataSink:
		return KindSubscriber
	default:
		return KindUnknown
	}
}

// FlowState is the administrative state of a flow definition.
type FlowState string

const (
	FlowRunning FlowState = "RUNNING"
	FlowPaused  FlowState = "PAUSED"
	FlowStopped FlowState = "STOPPED"
	FlowInvalid FlowState = "INVALID"
)

// ActionConfiguration is one configured step of a flow.
type ActionConfiguration struct {
	// Name is unique within the flow.
	Name string `json:"name" yaml:"name"`
	// Type is the action class, it is also the dispatch queue key.
	Type       string         `json:"type" yaml:"type"`
	ActionType ActionType     `json:"actionType,omitempty" yaml:"actionType,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Copy returns a copy with its own parameter map.
func (c ActionConfiguration) Copy() ActionConfiguration {
	if c.Parameters != nil {
		params := make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		c.Parameters = params
	}
	return c
}

// Flow is a flow definition.
// Data sources use Topic, publishers use PublishRules, subscribers use SubscribeRules and Actions.
type Flow struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Type        FlowType  `json:"type" yaml:"type"`
	State       FlowState `json:"state,omitempty" yaml:"state,omitempty"`
	TestMode    bool      `json:"testMode,omitempty" yaml:"testMode,omitempty"`
	// Topic is the fixed topic of a data source.
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`
	// CronSchedule triggers a timed data source.
	CronSchedule   string                `json:"cronSchedule,omitempty" yaml:"cronSchedule,omitempty"`
	PublishRules   *PublishRules         `json:"publishRules,omitempty" yaml:"publishRules,omitempty"`
	SubscribeRules []Rule                `json:"subscribeRules,omitempty" yaml:"subscribeRules,omitempty"`
	Actions        []ActionConfiguration `json:"actions,omitempty" yaml:"actions,omitempty"`
	// Version is checked on save.
	Version int64 `json:"version" yaml:"-"`
}

// Kind returns the routing capability of the flow.
func (f *Flow) Kind() FlowKind {
	return f.Type.Kind()
}

// IsPublisher reports whether the flow publishes through rules.
func (f *Flow) IsPublisher() bool {
	k := f.Kind()
	return k == KindPublisher || k == KindPublisherSubscriber
}

// IsSubscriber reports whether the flow receives DeltaFiles from topics.
func (f *Flow) IsSubscriber() bool {
	k := f.Kind()
	return k == KindSubscriber || k == KindPublisherSubscriber
}

// Running reports whether the flow is running.
func (f *Flow) Running() bool {
	return f.State == FlowRunning
}

// Paused reports whether the flow is paused.
func (f *Flow) Paused() bool {
	return f.State == FlowPaused
}

// Active reports whether the flow may receive or publish DeltaFiles.
func (f *Flow) Active() bool {
	return f.Running() || f.Paused()
}

// ActionNames returns the configured action names in order.
func (f *Flow) ActionNames() []string {
	names := make([]string, 0, len(f.Actions))
	for _, a := range f.Actions {
		names = append(names, a.Name)
	}
	return names
}

// Copy returns a deep copy.
func (f *Flow) Copy() *Flow {
	c := *f
	c.PublishRules = f.PublishRules.Copy()
	c.SubscribeRules = append([]Rule(nil), f.SubscribeRules...)
	c.Actions = make([]ActionConfiguration, 0, len(f.Actions))
	for _, a := range f.Actions {
		c.Actions = append(c.Actions, a.Copy())
	}
	return &c
}
