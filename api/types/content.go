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

// Content is a reference to a blob produced or consumed by an action.
// The bytes live in the ContentStorage under Ref.
type Content struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Ref       string `json:"ref,omitempty"`
}

// CopyContent copies a content list, preserving nil.
func CopyContent(content []Content) []Content {
	if content == nil {
		return nil
	}
	return append([]Content(nil), content...)
}
