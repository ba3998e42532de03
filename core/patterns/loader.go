// Licensed to NASA JPL under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. NASA JPL licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package patterns

import (
	"context"
	"sync"
	"time"
)

// loadTask - one array to load and process, with everything it needs captured when it was scheduled.
// Settings changes after that don't affect it
type loadTask struct {
	generation uint64
	index      int
	pass       uint64
	source     DiffractionArray
	processor  *Processor
	mask       *Mask
	scratchDir string
}

// taskQueue - unbounded FIFO, push never blocks. pop blocks until a task arrives or the queue is closed
// and drained
type taskQueue struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	tasks  []loadTask
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *taskQueue) push(t loadTask) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	return true
}

func (q *taskQueue) pop() (loadTask, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for len(q.tasks) <= 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.tasks) <= 0 {
		return loadTask{}, false
	}

	t := q.tasks[0]
	q.tasks[0] = loadTask{}
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *taskQueue) close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// loadResult - what a worker hands back to the dataset
type loadResult struct {
	store    frameStore
	err      error
	duration time.Duration
}

// loader - a fixed pool of workers draining one queue. Cancelling the context makes workers skip the
// rest of the queue
type loader struct {
	generation uint64
	queue      *taskQueue
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func startLoader(generation uint64, threads int, work func(ctx context.Context, t loadTask) loadResult, commit func(t loadTask, r loadResult)) *loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loader{
		generation: generation,
		queue:      newTaskQueue(),
		ctx:        ctx,
		cancel:     cancel,
	}

	for c := 0; c < threads; c++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				t, ok := l.queue.pop()
				if !ok {
					return
				}
				if l.ctx.Err() != nil {
					commit(t, loadResult{err: l.ctx.Err()})
					continue
				}
				commit(t, work(l.ctx, t))
			}
		}()
	}

	return l
}

// finish - no more tasks, workers exit once the queue is empty
func (l *loader) finish() {
	l.queue.close()
}

// abort - workers skip what's left in the queue and exit
func (l *loader) abort() {
	l.cancel()
	l.queue.close()
}

func (l *loader) wait() {
	l.wg.Wait()
	l.cancel()
}
