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

// Package pool runs the engine's event handlers and the worker's actions on a bounded set
// of reusable goroutines.
//
// The worker scheduling follows fasthttp's workerpool.go
// (https://github.com/valyala/fasthttp/blob/master/workerpool.go), with Serve(net.Conn)
// replaced by Submit(func()).
package pool

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rulego/deltaflow/api/types"
)

var (
	// ErrPoolFull is returned by Submit when every worker is busy.
	ErrPoolFull = errors.New("no idle workers")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
)

var _ types.Pool = (*WorkerPool)(nil)

// WorkerPool serves submitted functions with at most MaxWorkersCount goroutines.
// Idle workers are reused most recently stopped first, which keeps CPU caches warm,
// and are shut down after MaxIdleWorkerDuration.
type WorkerPool struct {
	MaxWorkersCount       int
	MaxIdleWorkerDuration time.Duration
	// PanicHandler receives the value of a panicking task. The worker survives.
	PanicHandler func(recovered any)

	lock         sync.Mutex
	workersCount int
	mustStop     bool
	ready        []*workerChan
	stopCh       chan struct{}

	workerChanPool sync.Pool
	startOnce      sync.Once
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan func()
}

// NewWorkerPool creates and starts a pool.
func NewWorkerPool(maxWorkers int, maxIdle time.Duration) *WorkerPool {
	wp := &WorkerPool{MaxWorkersCount: maxWorkers, MaxIdleWorkerDuration: maxIdle}
	wp.Start()
	return wp
}

// Start launches the idle worker cleaner. Calling it again is a no-op.
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.lock.Lock()
		wp.stopCh = make(chan struct{})
		stopCh := wp.stopCh
		wp.lock.Unlock()
		wp.workerChanPool.New = func() any {
			return &workerChan{ch: make(chan func(), workerChanCap)}
		}
		go func() {
			var scratch []*workerChan
			ticker := time.NewTicker(wp.maxIdleWorkerDuration())
			defer ticker.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					wp.clean(&scratch)
				}
			}
		}()
	})
}

// Stop refuses new tasks and stops idle workers. Busy workers exit after their current task.
func (wp *WorkerPool) Stop() {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.mustStop {
		return
	}
	wp.mustStop = true
	if wp.stopCh != nil {
		close(wp.stopCh)
	}
	for i := range wp.ready {
		wp.ready[i].ch <- nil
		wp.ready[i] = nil
	}
	wp.ready = wp.ready[:0]
}

// Release stops the pool.
func (wp *WorkerPool) Release() {
	wp.Stop()
}

// Submit hands fn to an idle worker or starts a new one.
func (wp *WorkerPool) Submit(fn func()) error {
	ch, err := wp.getCh()
	if err != nil {
		return err
	}
	ch.ch <- fn
	return nil
}

// Workers returns the number of live workers.
func (wp *WorkerPool) Workers() int {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	return wp.workersCount
}

func (wp *WorkerPool) maxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

// clean stops the workers idle for longer than MaxIdleWorkerDuration. ready is ordered by
// last use so a binary search finds the cut.
func (wp *WorkerPool) clean(scratch *[]*workerChan) {
	criticalTime := time.Now().Add(-wp.maxIdleWorkerDuration())

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	if r == -1 {
		wp.lock.Unlock()
		return
	}
	*scratch = append((*scratch)[:0], ready[:r+1]...)
	m := copy(ready, ready[r+1:])
	for i := m; i < n; i++ {
		ready[i] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	// outside the lock, a send may block on a busy CPU
	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

// workerChanCap is 0 with GOMAXPROCS=1 so Submit switches straight to the worker.
var workerChanCap = func() int {
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

func (wp *WorkerPool) getCh() (*workerChan, error) {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return nil, ErrPoolStopped
	}
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	wp.lock.Unlock()

	if ch == nil {
		if !createWorker {
			return nil, ErrPoolFull
		}
		vch := wp.workerChanPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerChanPool.Put(vch)
		}()
	}
	return ch, nil
}

func (wp *WorkerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.mustStop {
		return false
	}
	wp.ready = append(wp.ready, ch)
	return true
}

func (wp *WorkerPool) workerFunc(ch *workerChan) {
	for fn := range ch.ch {
		if fn == nil {
			break
		}
		wp.run(fn)
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}

func (wp *WorkerPool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && wp.PanicHandler != nil {
			wp.PanicHandler(r)
		}
	}()
	fn()
}
