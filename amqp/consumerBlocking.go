package amqp

import (
	"sync"

	"github.com/pkg/errors"
)

// handoffQueue carries deliveries from the transport goroutine to the goroutine that
// started a blocking consumer.
type handoffQueue struct {
	lock sync.Mutex
	cond *sync.Cond

	// capacity of 0 is unbounded.
	capacity int
	items    []Delivery
	// closed stops take from waiting once the queue is empty.
	closed bool
	// drained is set once take has reported the end. Nothing is handed out after.
	drained bool
}

func newHandoffQueue(capacity int) *handoffQueue {
	queue := &handoffQueue{capacity: capacity}
	queue.cond = sync.NewCond(&queue.lock)
	return queue
}

func (queue *handoffQueue) full() bool {
	return queue.capacity > 0 && len(queue.items) >= queue.capacity
}

// put adds delivery to the queue. If wait is set it blocks while the queue is full
// and open. Returns false if the delivery could not be queued.
func (queue *handoffQueue) put(delivery Delivery, wait bool) bool {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	for wait && queue.full() && !queue.closed {
		queue.cond.Wait()
	}

	if queue.drained || queue.full() {
		return false
	}

	queue.items = append(queue.items, delivery)
	queue.cond.Broadcast()
	return true
}

// take blocks until a delivery is available. Once the queue is closed the remaining
// deliveries are still handed out; ok is false when none are left.
func (queue *handoffQueue) take() (delivery Delivery, ok bool) {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	for len(queue.items) == 0 && !queue.closed {
		queue.cond.Wait()
	}

	if len(queue.items) == 0 {
		queue.drained = true
		return delivery, false
	}

	delivery = queue.items[0]
	queue.items[0] = Delivery{}
	queue.items = queue.items[1:]
	queue.cond.Broadcast()
	return delivery, true
}

func (queue *handoffQueue) close() {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	queue.closed = true
	queue.cond.Broadcast()
}

// abandon closes the queue and returns whatever was still in it.
func (queue *handoffQueue) abandon() []Delivery {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	remaining := queue.items
	queue.items = nil
	queue.closed = true
	queue.drained = true
	queue.cond.Broadcast()
	return remaining
}

// blockingDispatcher runs the handler on the goroutine that starts the consumer, one
// delivery at a time in delivery order.
type blockingDispatcher struct {
	queue *handoffQueue

	lock    sync.Mutex
	started bool
	stopped bool
}

func newBlockingDispatcher(bufferSize int) *blockingDispatcher {
	return &blockingDispatcher{queue: newHandoffQueue(bufferSize)}
}

func (dispatcher *blockingDispatcher) discipline() string {
	return "blocking"
}

// start handles deliveries until the consumer is cancelled and its queue drained, or
// the handler returns an error. Handler panics are not recovered.
func (dispatcher *blockingDispatcher) start(consumer *Consumer) error {
	dispatcher.lock.Lock()
	if dispatcher.started {
		dispatcher.lock.Unlock()
		return ErrConsumerStarted
	}
	dispatcher.started = true
	stoppedBeforeStart := dispatcher.stopped
	dispatcher.lock.Unlock()

	if stoppedBeforeStart {
		return nil
	}

	defer consumer.terminated.Store(true)

	for {
		delivery, ok := dispatcher.queue.take()
		if !ok {
			return nil
		}

		if err := consumer.handler(delivery); err != nil {
			consumer.handlerFailed(delivery, err)
			dispatcher.requeueAll(consumer)
			if cancelErr := consumer.Cancel(); cancelErr != nil {
				consumer.logger.Warn().Err(cancelErr).Msg("error cancelling failed consumer")
			}
			return errors.WithMessage(err, "delivery handler")
		}
	}
}

func (dispatcher *blockingDispatcher) deliver(consumer *Consumer, delivery Delivery) {
	// Once cancelling, never wait for room: the consumer may already be draining.
	if !dispatcher.queue.put(delivery, !consumer.cancelling.Load()) {
		consumer.requeue(delivery)
	}
}

func (dispatcher *blockingDispatcher) shutdown(consumer *Consumer) {
	dispatcher.lock.Lock()
	dispatcher.stopped = true
	started := dispatcher.started
	dispatcher.lock.Unlock()

	if started {
		dispatcher.queue.close()
		return
	}

	// Nobody will ever drain the queue.
	dispatcher.requeueAll(consumer)
	consumer.terminated.Store(true)
}

func (dispatcher *blockingDispatcher) requeueAll(consumer *Consumer) {
	for _, delivery := range dispatcher.queue.abandon() {
		consumer.requeue(delivery)
	}
}

func (dispatcher *blockingDispatcher) recovered(*Consumer) {}
