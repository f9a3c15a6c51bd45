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

// Metadata is a flat string map used for DeltaFile metadata and annotations.
type Metadata map[string]string

// NewMetadata returns an empty Metadata.
func NewMetadata() Metadata {
	return make(Metadata)
}

// BuildMetadata copies data into a new Metadata.
func BuildMetadata(data map[string]string) Metadata {
	metadata := make(Metadata, len(data))
	for k, v := range data {
		metadata[k] = v
	}
	return metadata
}

// Copy returns a copy that never aliases md. A nil Metadata copies to an empty one.
func (md Metadata) Copy() Metadata {
	return BuildMetadata(md)
}

// Has reports whether key is present.
func (md Metadata) Has(key string) bool {
	_, ok := md[key]
	return ok
}

// GetValue returns the value for key or "".
func (md Metadata) GetValue(key string) string {
	return md[key]
}

// PutValue sets key, empty keys are ignored.
func (md Metadata) PutValue(key, value string) {
	if key != "" {
		md[key] = value
	}
}

// Values returns the underlying map.
func (md Metadata) Values() map[string]string {
	return md
}
