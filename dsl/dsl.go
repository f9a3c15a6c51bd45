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

// Package dsl loads flow and topic definitions from YAML or JSON files.
//
// A definition file holds a list of topics and a list of flows:
//
//	topics:
//	  - name: raw
//	flows:
//	  - name: ingest
//	    type: REST_DATA_SOURCE
//	    topic: raw
//	  - name: store
//	    type: DATA_SINK
//	    subscribeRules:
//	      - topic: raw
//	    actions:
//	      - name: egress
//	        type: org.example.Egress
//	        actionType: EGRESS
package dsl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
	"gopkg.in/yaml.v3"
)

// DefaultPattern matches the definition files under a directory.
const DefaultPattern = "**/*.{yaml,yml,json}"

// Definitions is the content of one or more definition files.
type Definitions struct {
	Topics []*types.Topic `json:"topics,omitempty" yaml:"topics,omitempty"`
	Flows  []*types.Flow  `json:"flows,omitempty" yaml:"flows,omitempty"`
}

// Merge appends the definitions of other.
func (d *Definitions) Merge(other *Definitions) {
	if other == nil {
		return
	}
	d.Topics = append(d.Topics, other.Topics...)
	d.Flows = append(d.Flows, other.Flows...)
}

// Parse decodes a definition document. format is "json", anything else is decoded as YAML.
func Parse(format string, data []byte) (*Definitions, error) {
	defs := &Definitions{}
	var err error
	if strings.EqualFold(format, "json") {
		err = json.Unmarshal(data, defs)
	} else {
		err = yaml.Unmarshal(data, defs)
	}
	if err != nil {
		return nil, err
	}
	for i, flow := range defs.Flows {
		if flow == nil {
			return nil, fmt.Errorf("flow %d is empty", i)
		}
	}
	for i, topic := range defs.Topics {
		if topic == nil {
			return nil, fmt.Errorf("topic %d is empty", i)
		}
	}
	return defs, nil
}

// ParseFile decodes a definition file, the format follows the file extension.
func ParseFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(strings.TrimPrefix(filepath.Ext(path), "."), data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return defs, nil
}

// LoadDir parses every file under dir matching DefaultPattern, in lexical path order.
func LoadDir(dir string) (*Definitions, error) {
	return LoadGlob(dir, DefaultPattern)
}

// LoadGlob parses every file under dir matching a doublestar pattern, in lexical path order.
func LoadGlob(dir, pattern string) (*Definitions, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	defs := &Definitions{}
	for _, match := range matches {
		file, err := ParseFile(filepath.Join(dir, filepath.FromSlash(match)))
		if err != nil {
			return nil, err
		}
		defs.Merge(file)
	}
	return defs, nil
}
