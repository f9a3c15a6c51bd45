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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	wp := NewWorkerPool(1000, time.Second)
	defer wp.Stop()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 10000; i++ {
		wg.Add(1)
		for {
			err := wp.Submit(func() {
				defer wg.Done()
				atomic.AddInt32(&n, 1)
			})
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ErrPoolFull)
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()
	assert.Equal(t, int32(10000), atomic.LoadInt32(&n))
	assert.LessOrEqual(t, wp.Workers(), 1000)
}

func TestWorkerPoolFull(t *testing.T) {
	wp := NewWorkerPool(1, time.Second)
	defer wp.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, wp.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	assert.ErrorIs(t, wp.Submit(func() {}), ErrPoolFull)
	close(block)

	assert.Eventually(t, func() bool {
		return wp.Submit(func() {}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPoolStop(t *testing.T) {
	wp := NewWorkerPool(10, time.Second)
	wp.Start()
	wp.Stop()
	wp.Release()
	assert.ErrorIs(t, wp.Submit(func() {}), ErrPoolStopped)
}

func TestWorkerPoolPanicHandler(t *testing.T) {
	recovered := make(chan any, 1)
	wp := &WorkerPool{MaxWorkersCount: 1, PanicHandler: func(r any) { recovered <- r }}
	wp.Start()
	defer wp.Stop()

	require.NoError(t, wp.Submit(func() { panic("boom") }))
	select {
	case r := <-recovered:
		assert.Equal(t, "boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic not recovered")
	}

	done := make(chan struct{})
	assert.Eventually(t, func() bool {
		return wp.Submit(func() { close(done) }) == nil
	}, time.Second, 5*time.Millisecond)
	<-done
}

func TestWorkerPoolCleansIdleWorkers(t *testing.T) {
	wp := NewWorkerPool(10, 20*time.Millisecond)
	defer wp.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, wp.Submit(wg.Done))
	wg.Wait()
	assert.Eventually(t, func() bool { return wp.Workers() == 0 }, time.Second, 10*time.Millisecond)
}
