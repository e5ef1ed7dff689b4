package amqp

import (
	"sync"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// DeliveryHandler processes a single delivery. A blocking consumer stops on the first
// error returned; an async consumer reports it and carries on.
type DeliveryHandler func(delivery Delivery) error

// CancellationHandler is called once when the broker cancels a consumer, for instance
// because its queue was deleted.
type CancellationHandler func(consumer *Consumer, consumerTag string)

// dispatcher is a consumer delivery discipline.
type dispatcher interface {
	// start begins handling deliveries. Blocks for the blocking discipline.
	start(consumer *Consumer) error
	// deliver is called on the transport's delivery goroutine.
	deliver(consumer *Consumer, delivery Delivery)
	// shutdown stops handing out deliveries and sets the consumer terminated once
	// in-flight deliveries are done. Called at most once.
	shutdown(consumer *Consumer)
	// recovered is called after the consumer is re-created on a new transport channel.
	recovered(consumer *Consumer)
	// discipline names the discipline in metrics.
	discipline() string
}

// Consumer delivers the messages of one queue to a DeliveryHandler, and survives
// connection recovery: it is re-registered with the broker under a new tag and keeps
// its handler and worker pool.
//
// The cancelling, cancelled and terminated states only ever go from false to true.
type Consumer struct {
	channel *Channel
	opts    ConsumeOptions
	handler DeliveryHandler
	logger  zerolog.Logger

	// queueName follows server-named queues across recovery.
	queueName *atomic.String
	// tag is empty until the broker accepted the consume.
	tag       *atomic.String
	createdAt uint64

	cancelling *atomic.Bool
	cancelled  *atomic.Bool
	terminated *atomic.Bool

	shutdownOnce     *sync.Once
	cancelNotifyOnce *sync.Once

	dispatcher dispatcher
}

// NewConsumer creates a consumer on the channel without starting it. Start it with
// BasicConsume.
func (channel *Channel) NewConsumer(opts ConsumeOptions, handler DeliveryHandler) (*Consumer, error) {
	if handler == nil {
		return nil, errors.Wrap(ErrInvalidOptions, "delivery handler is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Args = copyTable(opts.Args)

	consumer := &Consumer{
		channel: channel,
		opts:    opts,
		handler: handler,
		logger: channel.logger.With().
			Str("AMQP_COMPONENT", "CONSUMER").
			Logger(),
		queueName:        atomic.NewString(""),
		tag:              atomic.NewString(""),
		createdAt:        channel.nextSequence(),
		cancelling:       atomic.NewBool(false),
		cancelled:        atomic.NewBool(false),
		terminated:       atomic.NewBool(false),
		shutdownOnce:     new(sync.Once),
		cancelNotifyOnce: new(sync.Once),
	}

	if opts.Blocking {
		consumer.dispatcher = newBlockingDispatcher(opts.BufferSize)
	} else {
		consumer.dispatcher = newAsyncDispatcher(opts, channel.session.executorFactory)
	}

	return consumer, nil
}

// consumeHandler binds a consumer to the epoch of the transport channel it consumes
// on.
type consumeHandler struct {
	consumer *Consumer
	epoch    uint64
}

func (handler consumeHandler) HandleDelivery(raw amqptransport.Delivery) {
	consumer := handler.consumer
	consumer.channel.trackDelivery(handler.epoch, raw.DeliveryTag)
	consumer.channel.session.metrics.Deliveries.
		WithLabelValues(consumer.dispatcher.discipline()).
		Inc()

	consumer.dispatcher.deliver(
		consumer, newDelivery(raw, consumer.channel, handler.epoch),
	)
}

func (handler consumeHandler) HandleCancel(consumerTag string) {
	handler.consumer.handleRemoteCancel(consumerTag)
}

// consume registers the consumer with the broker and the channel. Must be called with
// the channel's transportLock held.
func (consumer *Consumer) consume(transport amqptransport.Channel) error {
	tag, err := transport.Consume(
		consumer.queueName.Load(),
		consumer.opts.Tag,
		consumer.opts.AutoAck,
		consumer.opts.Exclusive,
		consumer.opts.Args,
		consumeHandler{consumer: consumer, epoch: consumer.channel.epoch.Load()},
	)
	if err != nil {
		return err
	}

	consumer.tag.Store(tag)
	consumer.channel.registerConsumer(tag, consumer)
	return nil
}

func (consumer *Consumer) start() error {
	return consumer.dispatcher.start(consumer)
}

// Tag returns the current consumer tag. It changes on recovery unless a tag was
// requested with ConsumeOptions.Tag.
func (consumer *Consumer) Tag() string {
	return consumer.tag.Load()
}

// QueueName returns the name of the queue consumed from.
func (consumer *Consumer) QueueName() string {
	return consumer.queueName.Load()
}

// Channel returns the channel the consumer runs on.
func (consumer *Consumer) Channel() *Channel {
	return consumer.channel
}

// IsCancelled returns true once the consumer was cancelled by the application, the
// broker or the channel closing.
func (consumer *Consumer) IsCancelled() bool {
	return consumer.cancelled.Load()
}

// IsCancelling returns true once cancellation started.
func (consumer *Consumer) IsCancelling() bool {
	return consumer.cancelling.Load()
}

// IsTerminated returns true once the consumer will make no further deliveries and
// released its resources.
func (consumer *Consumer) IsTerminated() bool {
	return consumer.terminated.Load()
}

// IsActive returns true until the consumer is terminated.
func (consumer *Consumer) IsActive() bool {
	return !consumer.IsTerminated()
}

// Cancel cancels the consumer with the broker and shuts it down. Deliveries already
// handed to the consumer are still handled. Calling Cancel again, or after the broker
// cancelled the consumer, does nothing.
func (consumer *Consumer) Cancel() error {
	if !consumer.cancelling.CompareAndSwap(false, true) {
		return nil
	}

	// The tag is read under the transport lock: a recovery running now re-registers
	// the consumer under a new tag before we get to cancel it.
	err := consumer.channel.withTransport(func(transport amqptransport.Channel) error {
		tag := consumer.Tag()
		if tag == "" || consumer.cancelled.Load() {
			return nil
		}
		consumer.channel.deregisterConsumer(tag)
		return transport.Cancel(tag)
	})
	// A dead channel took the consumer down with it.
	if errors.Is(err, ErrChannelAlreadyClosed) {
		err = nil
	}

	consumer.cancelled.Store(true)
	consumer.shutdown()
	return err
}

func (consumer *Consumer) handleRemoteCancel(consumerTag string) {
	if consumer.logger.Info().Enabled() {
		consumer.logger.Info().
			Str("CONSUMER_TAG", consumerTag).
			Msg("consumer cancelled by broker")
	}

	consumer.cancelling.Store(true)
	consumer.cancelled.Store(true)
	consumer.channel.deregisterConsumer(consumerTag)

	consumer.cancelNotifyOnce.Do(func() {
		if consumer.opts.OnCancellation != nil {
			consumer.opts.OnCancellation(consumer, consumerTag)
		}
	})

	consumer.shutdown()
}

// closeWithChannel shuts the consumer down as part of closing its channel.
func (consumer *Consumer) closeWithChannel() {
	consumer.cancelling.Store(true)
	consumer.cancelled.Store(true)
	consumer.channel.deregisterConsumer(consumer.Tag())
	consumer.shutdown()
}

func (consumer *Consumer) shutdown() {
	consumer.shutdownOnce.Do(func() {
		consumer.dispatcher.shutdown(consumer)
	})
}

// requeue hands a delivery the consumer will not handle back to the broker.
func (consumer *Consumer) requeue(delivery Delivery) {
	if consumer.opts.AutoAck {
		return
	}

	if err := delivery.Nack(false, true); err != nil && consumer.logger.Debug().Enabled() {
		consumer.logger.Debug().
			Err(err).
			Uint64("DELIVERY_TAG", delivery.DeliveryTag).
			Msg("could not requeue undelivered message")
	}
}

// handlerFailed logs and counts a failed delivery handler.
func (consumer *Consumer) handlerFailed(delivery Delivery, err error) {
	consumer.channel.session.metrics.HandlerErrors.
		WithLabelValues(consumer.dispatcher.discipline()).
		Inc()

	consumer.logger.Error().
		Err(err).
		Str("CONSUMER_TAG", consumer.Tag()).
		Uint64("DELIVERY_TAG", delivery.DeliveryTag).
		Msg("delivery handler failed")
}
