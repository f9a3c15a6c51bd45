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

package condition

import (
	"github.com/rulego/deltaflow/api/types"
)

// ContentView is the read-only projection of one content entry.
type ContentView struct {
	Name      string
	MediaType string
	Size      int64
}

// View is the read-only projection a condition is evaluated against.
// It holds its own copies so an expression can never reach the DeltaFile it was built from.
type View struct {
	metadata    map[string]string
	annotations map[string]string
	content     []ContentView
}

// NewView copies the given values into a View.
func NewView(metadata, annotations map[string]string, content []types.Content) View {
	v := View{
		metadata:    copyMap(metadata),
		annotations: copyMap(annotations),
		content:     make([]ContentView, 0, len(content)),
	}
	for _, c := range content {
		v.content = append(v.content, ContentView{Name: c.Name, MediaType: c.MediaType, Size: c.Size})
	}
	return v
}

// FlowView projects the cumulative metadata and last content of flow plus the
// annotations of deltaFile. deltaFile may be nil.
func FlowView(deltaFile *types.DeltaFile, flow *types.DeltaFileFlow) View {
	var annotations map[string]string
	if deltaFile != nil {
		annotations = deltaFile.Annotations
	}
	return NewView(flow.Metadata(), annotations, flow.LastContent())
}

// Metadata returns a copy of the metadata.
func (v View) Metadata() map[string]string {
	return copyMap(v.metadata)
}

// Annotations returns a copy of the annotations.
func (v View) Annotations() map[string]string {
	return copyMap(v.annotations)
}

// Content returns a copy of the content list.
func (v View) Content() []ContentView {
	return append([]ContentView(nil), v.content...)
}

func (v View) hasMediaType(mediaType string) bool {
	for _, c := range v.content {
		if c.MediaType == mediaType {
			return true
		}
	}
	return false
}

func (v View) hasContentNamed(name string) bool {
	for _, c := range v.content {
		if c.Name == name {
			return true
		}
	}
	return false
}

// env builds the variables and functions visible to an expression.
func (v View) env() map[string]any {
	content := make([]map[string]any, 0, len(v.content))
	for _, c := range v.content {
		content = append(content, map[string]any{"name": c.Name, "mediaType": c.MediaType, "size": c.Size})
	}
	metadata := copyMap(v.metadata)
	annotations := copyMap(v.annotations)
	return map[string]any{
		"metadata":        metadata,
		"annotations":     annotations,
		"content":         content,
		"hasMediaType":    v.hasMediaType,
		"hasContentNamed": v.hasContentNamed,
		"hasMetadataKey": func(key string) bool {
			_, ok := metadata[key]
			return ok
		},
		"hasMetadataValue": func(key, value string) bool {
			got, ok := metadata[key]
			return ok && got == value
		},
		"hasAnnotationKey": func(key string) bool {
			_, ok := annotations[key]
			return ok
		},
		"hasAnnotationValue": func(key, value string) bool {
			got, ok := annotations[key]
			return ok && got == value
		},
	}
}

func copyMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
