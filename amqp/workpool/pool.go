// Package workpool holds the worker pools async consumers hand deliveries to.
//
// A Pool cannot be restarted once shut down. Code that needs to recreate a pool
// after shutdown, such as a consumer surviving connection recovery, should hold a
// Factory rather than a Pool.
package workpool

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrShutdown is returned by Pool.Submit after Shutdown or ShutdownNow was called.
var ErrShutdown = errors.New("work pool is shut down")

// Pool runs submitted tasks on background goroutines.
type Pool interface {
	// Submit queues task for execution. Returns ErrShutdown if the pool no longer
	// accepts work.
	Submit(task func()) error
	// Shutdown stops accepting work. Already queued tasks still run.
	Shutdown()
	// ShutdownNow stops accepting work and discards queued tasks that have not
	// started. Running tasks are not interrupted. Returns the number of discarded
	// tasks.
	ShutdownNow() int
	// AwaitTermination blocks until every task has finished after a shutdown, or
	// timeout elapses. Returns false on timeout.
	AwaitTermination(timeout time.Duration) bool
	// IsShutdown returns true once Shutdown or ShutdownNow has been called.
	IsShutdown() bool
}

// Factory creates a fresh Pool.
type Factory func() Pool

// FixedOfSize returns a pool running tasks on exactly size goroutines, in submission
// order per goroutine. A size of 1 runs tasks strictly in submission order.
func FixedOfSize(size int) (Pool, error) {
	if size < 1 {
		return nil, errors.Errorf("pool size must be a positive integer, got %v", size)
	}
	return newQueuePool(size), nil
}

// SingleThreaded returns a pool running tasks one at a time in submission order.
func SingleThreaded() Pool {
	return newQueuePool(1)
}

// DynamicallyGrowing returns a pool that starts a goroutine per task.
func DynamicallyGrowing() Pool {
	return &dynamicPool{terminated: make(chan struct{})}
}

// FixedOfSizeFactory returns a Factory for FixedOfSize pools.
func FixedOfSizeFactory(size int) (Factory, error) {
	if size < 1 {
		return nil, errors.Errorf("pool size must be a positive integer, got %v", size)
	}
	return func() Pool { return newQueuePool(size) }, nil
}

// SingleThreadedFactory is a Factory for SingleThreaded pools.
func SingleThreadedFactory() Pool {
	return SingleThreaded()
}

// DynamicallyGrowingFactory is a Factory for DynamicallyGrowing pools.
func DynamicallyGrowingFactory() Pool {
	return DynamicallyGrowing()
}

// queuePool is a fixed set of workers pulling from an unbounded FIFO queue.
type queuePool struct {
	lock  sync.Mutex
	cond  *sync.Cond
	tasks []func()

	shutdown   bool
	workers    *sync.WaitGroup
	terminated chan struct{}
}

func newQueuePool(size int) *queuePool {
	pool := &queuePool{
		workers:    new(sync.WaitGroup),
		terminated: make(chan struct{}),
	}
	pool.cond = sync.NewCond(&pool.lock)

	pool.workers.Add(size)
	for i := 0; i < size; i++ {
		go pool.runWorker()
	}

	go func() {
		pool.workers.Wait()
		close(pool.terminated)
	}()

	return pool
}

// next blocks until a task is available. Returns false once the pool is shut down
// and drained.
func (pool *queuePool) next() (func(), bool) {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	for len(pool.tasks) == 0 && !pool.shutdown {
		pool.cond.Wait()
	}

	if len(pool.tasks) == 0 {
		return nil, false
	}

	task := pool.tasks[0]
	pool.tasks[0] = nil
	pool.tasks = pool.tasks[1:]
	return task, true
}

func (pool *queuePool) runWorker() {
	defer pool.workers.Done()
	for {
		task, ok := pool.next()
		if !ok {
			return
		}
		task()
	}
}

func (pool *queuePool) Submit(task func()) error {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	if pool.shutdown {
		return ErrShutdown
	}

	pool.tasks = append(pool.tasks, task)
	pool.cond.Signal()
	return nil
}

func (pool *queuePool) Shutdown() {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	pool.shutdown = true
	pool.cond.Broadcast()
}

func (pool *queuePool) ShutdownNow() int {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	discarded := len(pool.tasks)
	pool.tasks = nil
	pool.shutdown = true
	pool.cond.Broadcast()

	return discarded
}

func (pool *queuePool) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pool.terminated:
		return true
	case <-timer.C:
		return false
	}
}

func (pool *queuePool) IsShutdown() bool {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	return pool.shutdown
}

// dynamicPool runs every task on its own goroutine.
type dynamicPool struct {
	lock       sync.Mutex
	running    int
	shutdown   bool
	terminated chan struct{}
}

func (pool *dynamicPool) Submit(task func()) error {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	if pool.shutdown {
		return ErrShutdown
	}

	pool.running++
	go func() {
		defer pool.finish()
		task()
	}()
	return nil
}

func (pool *dynamicPool) finish() {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	pool.running--
	if pool.shutdown && pool.running == 0 {
		close(pool.terminated)
	}
}

func (pool *dynamicPool) Shutdown() {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	if pool.shutdown {
		return
	}

	pool.shutdown = true
	if pool.running == 0 {
		close(pool.terminated)
	}
}

// ShutdownNow is Shutdown: tasks are started as soon as they are submitted, so
// there is never a queued task to discard.
func (pool *dynamicPool) ShutdownNow() int {
	pool.Shutdown()
	return 0
}

func (pool *dynamicPool) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pool.terminated:
		return true
	case <-timer.C:
		return false
	}
}

func (pool *dynamicPool) IsShutdown() bool {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	return pool.shutdown
}
