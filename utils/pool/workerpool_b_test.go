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

package pool

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
)

const runTimes = 10000

func demoTask(wg *sync.WaitGroup, sum *int64) {
	defer wg.Done()
	for i := 0; i < 100; i++ {
		atomic.AddInt64(sum, 1)
	}
}

func BenchmarkGoroutine(b *testing.B) {
	var sum int64
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		wg.Add(runTimes)
		for j := 0; j < runTimes; j++ {
			go demoTask(&wg, &sum)
		}
		wg.Wait()
	}
}

func BenchmarkWorkerPool(b *testing.B) {
	wp := NewWorkerPool(math.MaxInt32, 0)
	defer wp.Stop()
	var sum int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var wg sync.WaitGroup
		wg.Add(runTimes)
		for j := 0; j < runTimes; j++ {
			_ = wp.Submit(func() { demoTask(&wg, &sum) })
		}
		wg.Wait()
	}
}
