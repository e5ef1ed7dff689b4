package amqp

import (
	"sync"

	"github.com/peake100/rabbitSession-go/amqp/workpool"
	"github.com/pkg/errors"
)

// asyncDispatcher submits every delivery to a worker pool. Deliveries are handled in
// order only if the pool has a single worker.
type asyncDispatcher struct {
	// lock guards pool and stopping. Submissions hold it for read so shutdown can
	// wait out submissions already made.
	lock     sync.RWMutex
	pool     workpool.Pool
	stopping bool

	// factory recreates a private pool. nil for caller owned pools.
	factory workpool.Factory
	// ownsPool is set when the consumer shuts the pool down with itself.
	ownsPool bool

	inFlight sync.WaitGroup
}

func newAsyncDispatcher(opts ConsumeOptions, sessionFactory workpool.Factory) *asyncDispatcher {
	if opts.Executor != nil {
		return &asyncDispatcher{pool: opts.Executor, ownsPool: opts.ShutdownExecutor}
	}

	factory := opts.ExecutorFactory
	if factory == nil {
		factory = sessionFactory
	}
	return &asyncDispatcher{pool: factory(), factory: factory, ownsPool: true}
}

func (dispatcher *asyncDispatcher) discipline() string {
	return "async"
}

func (dispatcher *asyncDispatcher) start(*Consumer) error {
	return nil
}

// deliver never requeues while holding lock: requeueing waits on the channel's
// transport lock, which recovery holds while it calls recovered.
func (dispatcher *asyncDispatcher) deliver(consumer *Consumer, delivery Delivery) {
	if err := dispatcher.submit(consumer, delivery); err != nil {
		if !errors.Is(err, errDispatcherStopping) {
			consumer.logger.Warn().Err(err).Msg("worker pool refused delivery")
		}
		consumer.requeue(delivery)
	}
}

var errDispatcherStopping = errors.New("consumer is stopping")

func (dispatcher *asyncDispatcher) submit(consumer *Consumer, delivery Delivery) error {
	dispatcher.lock.RLock()
	defer dispatcher.lock.RUnlock()

	if dispatcher.stopping {
		return errDispatcherStopping
	}

	dispatcher.inFlight.Add(1)
	err := dispatcher.pool.Submit(func() {
		defer dispatcher.inFlight.Done()
		dispatcher.handle(consumer, delivery)
	})
	if err != nil {
		dispatcher.inFlight.Done()
	}
	return err
}

// handle runs the handler, reporting errors and panics instead of letting them take
// the worker down.
func (dispatcher *asyncDispatcher) handle(consumer *Consumer, delivery Delivery) {
	var err error
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.Errorf("delivery handler panicked: %v", recovered)
		}
		if err != nil {
			consumer.handlerFailed(delivery, err)
			consumer.channel.session.reportException(
				errors.WithMessagef(err, "consumer %v", consumer.Tag()),
			)
		}
	}()

	err = consumer.handler(delivery)
}

// shutdown stops new submissions, waits briefly for in-flight ones and then forces
// the pool down if the consumer owns it.
func (dispatcher *asyncDispatcher) shutdown(consumer *Consumer) {
	defer consumer.terminated.Store(true)

	dispatcher.lock.Lock()
	dispatcher.stopping = true
	pool := dispatcher.pool
	dispatcher.lock.Unlock()

	clock := consumer.channel.session.clock
	started := clock.Now()

	done := make(chan struct{})
	go func() {
		dispatcher.inFlight.Wait()
		close(done)
	}()

	timer := clock.NewTimer(asyncShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C():
		consumer.logger.Warn().Msg("timed out waiting for in-flight deliveries")
	}

	if !dispatcher.ownsPool {
		return
	}

	pool.Shutdown()
	remaining := asyncShutdownTimeout - clock.Since(started)
	if remaining < 0 {
		remaining = 0
	}
	if !pool.AwaitTermination(remaining) {
		discarded := pool.ShutdownNow()
		consumer.logger.Warn().Int("DISCARDED", discarded).Msg("forced worker pool shutdown")
	}
}

// recovered replaces a private pool that was shut down while the connection was
// down.
func (dispatcher *asyncDispatcher) recovered(*Consumer) {
	dispatcher.lock.Lock()
	defer dispatcher.lock.Unlock()

	if dispatcher.stopping || dispatcher.factory == nil || !dispatcher.pool.IsShutdown() {
		return
	}
	dispatcher.pool = dispatcher.factory()
}
