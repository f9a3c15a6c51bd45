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

// Package js runs JavaScript functions with goja.
//
// A GojaJsEngine compiles a script once and keeps a pool of VMs that already ran it, so
// calling a function defined by the script only costs the call.
package js

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rulego/deltaflow/api/types"
)

// GlobalKey exposes the engine variables to scripts as global.xx.
const GlobalKey = "global"

// ErrTimeout is returned when a call exceeds the maximum execution time.
var ErrTimeout = errors.New("js execution timeout")

// GojaJsEngine executes the functions of one script.
type GojaJsEngine struct {
	vmPool           sync.Pool
	logger           types.Logger
	script           *goja.Program
	maxExecutionTime time.Duration
}

// NewGojaJsEngine compiles script. vars are set on every VM before the script runs and are
// also reachable as global.<name>. maxExecutionTime of zero disables the timeout.
func NewGojaJsEngine(script string, vars map[string]any, maxExecutionTime time.Duration, logger types.Logger) (*GojaJsEngine, error) {
	program, err := goja.Compile("", script, true)
	if err != nil {
		return nil, err
	}
	engine := &GojaJsEngine{
		logger:           types.NewLogger(logger),
		script:           program,
		maxExecutionTime: maxExecutionTime,
	}
	// top level script errors fail construction
	if _, err := engine.newVM(vars); err != nil {
		return nil, err
	}
	engine.vmPool = sync.Pool{
		New: func() any {
			vm, err := engine.newVM(vars)
			if err != nil {
				engine.logger.Error("js vm error", "error", err)
			}
			return vm
		},
	}
	return engine, nil
}

func (g *GojaJsEngine) newVM(vars map[string]any) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("set var %s: %w", k, err)
		}
	}
	if len(vars) > 0 {
		if err := vm.Set(GlobalKey, vars); err != nil {
			return nil, fmt.Errorf("set global vars: %w", err)
		}
	}
	timer := g.startTimeout(vm)
	_, err := vm.RunProgram(g.script)
	stopTimeout(timer)
	return vm, err
}

// Execute calls functionName with argumentList and exports its result. The call is interrupted
// when ctx is done or the maximum execution time elapses.
func (g *GojaJsEngine) Execute(ctx context.Context, functionName string, argumentList ...any) (out any, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("%v", caught)
		}
	}()

	vm := g.vmPool.Get().(*goja.Runtime)
	defer func() {
		vm.ClearInterrupt()
		g.vmPool.Put(vm)
	}()

	timer := g.startTimeout(vm)
	defer stopTimeout(timer)
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	f, ok := goja.AssertFunction(vm.Get(functionName))
	if !ok {
		return nil, errors.New(functionName + " is not a function")
	}
	params := make([]goja.Value, len(argumentList))
	for i, v := range argumentList {
		params[i] = vm.ToValue(v)
	}
	res, err := f(goja.Undefined(), params...)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
		}
		return nil, err
	}
	return res.Export(), nil
}

func (g *GojaJsEngine) startTimeout(vm *goja.Runtime) *time.Timer {
	if g.maxExecutionTime <= 0 {
		return nil
	}
	return time.AfterFunc(g.maxExecutionTime, func() {
		vm.Interrupt(ErrTimeout)
	})
}

func stopTimeout(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
