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

// Package condition evaluates publish, subscribe and topic filter conditions.
//
// A condition is an expr-lang boolean expression over a read-only View of a DeltaFile:
//
//	metadata        map of the flow metadata
//	annotations     map of the DeltaFile annotations
//	content         list of {name, mediaType, size}
//	hasMediaType(t), hasContentNamed(n)
//	hasMetadataKey(k), hasMetadataValue(k, v)
//	hasAnnotationKey(k), hasAnnotationValue(k, v)
//
// For example `hasMediaType('application/json') && metadata['source'] == 'sensor'`.
package condition

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/cache"
)

// compiled is a cache entry. Compile failures are cached too so a broken
// condition is only compiled once.
type compiled struct {
	program *vm.Program
	err     error
}

// Evaluator compiles conditions once per distinct text and evaluates them.
// It is safe for concurrent use.
type Evaluator struct {
	programs *cache.MemoryCache[compiled]
	logger   types.Logger
}

// NewEvaluator creates an Evaluator using the logger and condition cache ttl of config.
func NewEvaluator(config types.Config) *Evaluator {
	programs := cache.NewMemoryCache[compiled](config.ConditionCacheTTL)
	programs.StartGC(0)
	return &Evaluator{
		programs: programs,
		logger:   types.NewLogger(config.Logger),
	}
}

// Evaluate returns true for a nil or blank condition. Otherwise it returns the result of the
// expression, any compile or runtime error is logged and evaluates to false.
// Evaluate 对 nil 或空白条件返回 true，否则返回表达式的结果，编译或运行错误视为 false。
func (e *Evaluator) Evaluate(condition *string, view View) bool {
	if condition == nil {
		return true
	}
	return e.EvaluateText(*condition, view)
}

// EvaluateText evaluates a condition given as text, blank text is unconditional.
func (e *Evaluator) EvaluateText(condition string, view View) bool {
	text := strings.TrimSpace(condition)
	if text == "" {
		return true
	}
	c := e.programs.GetOrLoad(text, compile)
	if c.err != nil {
		e.logger.Warn("condition does not compile", "condition", text, "error", c.err)
		return false
	}
	out, err := vm.Run(c.program, view.env())
	if err != nil {
		e.logger.Warn("condition evaluation failed", "condition", text, "error", err)
		return false
	}
	result, ok := out.(bool)
	if !ok {
		e.logger.Warn("condition did not return a boolean", "condition", text, "result", out)
		return false
	}
	return result
}

// Validate reports whether condition compiles. A blank condition is valid.
func (e *Evaluator) Validate(condition string) error {
	text := strings.TrimSpace(condition)
	if text == "" {
		return nil
	}
	return e.programs.GetOrLoad(text, compile).err
}

// Close stops the cache expiration goroutine.
func (e *Evaluator) Close() {
	e.programs.StopGC()
}

func compile(text string) compiled {
	program, err := expr.Compile(text, expr.Env(View{}.env()), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return compiled{err: fmt.Errorf("invalid condition %q: %w", text, err)}
	}
	return compiled{program: program}
}
