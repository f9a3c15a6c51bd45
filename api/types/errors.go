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
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrUnexpectedAction   = errors.New("unexpected action")
	ErrFlowCancelled      = errors.New("flow cancelled")
	ErrUnexpectedFlowKind = errors.New("unexpected flow kind")
	ErrQueueClosed        = errors.New("queue closed")
	ErrInvalidEvent       = errors.New("invalid action event")
	// ErrIllegalState rejects an operation the current state of a flow or DeltaFile does not allow.
	ErrIllegalState = errors.New("illegal state")
)

// ConsistencyError reports an action event that would break the pending and executed
// action bookkeeping of a flow. It is never retried.
type ConsistencyError struct {
	DID    string
	FlowID string
	Flow   string
	Action string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error on did=%s flow=%s(%s) action=%s: %s", e.DID, e.Flow, e.FlowID, e.Action, e.Reason)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrUnexpectedAction
}

// ValidationError lists configuration problems found on a flow or topic.
type ValidationError struct {
	Name     string
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Name, strings.Join(e.Messages, "; "))
}

// Add appends a message.
func (e *ValidationError) Add(format string, args ...any) {
	e.Messages = append(e.Messages, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds messages.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Messages) == 0 {
		return nil
	}
	return e
}
