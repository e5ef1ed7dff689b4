package amqp

import (
	"sync"
	"time"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ChannelShutdownHook is called every time the channel's current transport channel
// goes down, including when the connection under it is lost.
type ChannelShutdownHook func(channel *Channel, signal ShutdownSignal)

// ReturnHandler is called with every mandatory publishing the broker could not route.
type ReturnHandler func(channel *Channel, returned Return)

// Channel is an AMQP channel that survives connection recovery. After a recovery the
// same Channel value carries on with a new transport channel, its exchanges, queues,
// bindings, consumers, prefetch and confirm mode re-applied.
//
// All methods are safe for concurrent use.
type Channel struct {
	// number is the session-wide channel number. It orders recovery and is kept
	// across recoveries.
	number  uint16
	session *Session
	logger  zerolog.Logger

	// transportLock guards transport. Operations hold it for read, recovery holds it
	// for write while it swaps in and sets up a new transport channel, so operations
	// issued during channel recovery wait for it to finish.
	transportLock *sync.RWMutex
	transport     amqptransport.Channel

	// exchanges maps names to *Exchange.
	exchanges *sync.Map
	// predefinedExchanges maps names to *Exchange for exchanges never declared, kept
	// only for the bindings they are the destination of.
	predefinedExchanges *sync.Map
	// queues maps names to *Queue. Server-named queues are re-keyed on recovery.
	queues *sync.Map
	// consumers maps consumer tags to *Consumer. Re-keyed on recovery.
	consumers *sync.Map
	// sequence orders declarations so replay happens in declaration order.
	sequence *atomic.Uint64

	// prefetch is the last prefetch count applied, -1 if never set.
	prefetch *atomic.Int64
	confirms *confirmTracker

	// epoch counts the transport channels this channel has had. Deliveries carry the
	// epoch they arrived in so acknowledgements from before a recovery are caught.
	epoch *atomic.Uint64
	// lastDeliveryTag is the highest broker delivery tag seen in the current epoch.
	lastDeliveryTag *atomic.Uint64

	hooksLock      *sync.Mutex
	shutdownHooks  []ChannelShutdownHook
	returnHandlers []ReturnHandler

	closed *atomic.Bool
}

func newChannel(session *Session, number uint16, transport amqptransport.Channel) *Channel {
	channel := &Channel{
		number:  number,
		session: session,
		logger: session.opts.Logger.With().
			Str("AMQP_COMPONENT", "CHANNEL").
			Uint16("CHANNEL", number).
			Logger(),
		transportLock:       new(sync.RWMutex),
		transport:           transport,
		exchanges:           new(sync.Map),
		predefinedExchanges: new(sync.Map),
		queues:              new(sync.Map),
		consumers:           new(sync.Map),
		sequence:            atomic.NewUint64(0),
		prefetch:            atomic.NewInt64(-1),
		confirms:            newConfirmTracker(),
		epoch:               atomic.NewUint64(0),
		lastDeliveryTag:     atomic.NewUint64(0),
		hooksLock:           new(sync.Mutex),
		closed:              atomic.NewBool(false),
	}

	channel.attach(transport)
	return channel
}

// attach registers our shutdown and return handling on a new transport channel.
func (channel *Channel) attach(transport amqptransport.Channel) {
	transport.AddShutdownListener(func(signal ShutdownSignal) {
		channel.handleShutdown(transport, signal)
	})

	returns := transport.NotifyReturn(make(chan Return, 16))
	go func() {
		for returned := range returns {
			channel.handleReturn(returned)
		}
	}()
}

func (channel *Channel) handleReturn(returned Return) {
	if channel.logger.Debug().Enabled() {
		channel.logger.Debug().
			Uint16("REPLY_CODE", returned.ReplyCode).
			Str("EXCHANGE", returned.Exchange).
			Str("ROUTING_KEY", returned.RoutingKey).
			Msg("publishing returned")
	}

	channel.hooksLock.Lock()
	handlers := make([]ReturnHandler, len(channel.returnHandlers))
	copy(handlers, channel.returnHandlers)
	channel.hooksLock.Unlock()

	for _, handler := range handlers {
		handler(channel, returned)
	}
}

// OnReturn registers handler to be called with unroutable mandatory publishings. It
// stays registered across recoveries.
func (channel *Channel) OnReturn(handler ReturnHandler) {
	channel.hooksLock.Lock()
	defer channel.hooksLock.Unlock()

	channel.returnHandlers = append(channel.returnHandlers, handler)
}

func (channel *Channel) handleShutdown(transport amqptransport.Channel, signal ShutdownSignal) {
	if !signal.InitiatedByApplication && channel.logger.Info().Enabled() {
		channel.logger.Info().
			Err(signal.Cause).
			Bool("MISSED_HEARTBEAT", signal.MissedHeartbeat).
			Msg("channel shut down")
	}

	// Confirms still outstanding on the lost transport channel will never arrive.
	channel.transportLock.RLock()
	current := channel.transport == transport
	channel.transportLock.RUnlock()
	if current {
		channel.confirms.abandon()
	}

	channel.hooksLock.Lock()
	hooks := make([]ChannelShutdownHook, len(channel.shutdownHooks))
	copy(hooks, channel.shutdownHooks)
	channel.hooksLock.Unlock()

	for _, hook := range hooks {
		hook(channel, signal)
	}
}

// OnShutdown registers hook to be called whenever the channel goes down.
func (channel *Channel) OnShutdown(hook ChannelShutdownHook) {
	channel.hooksLock.Lock()
	defer channel.hooksLock.Unlock()

	channel.shutdownHooks = append(channel.shutdownHooks, hook)
}

// Number returns the channel number.
func (channel *Channel) Number() uint16 {
	return channel.number
}

// Session returns the session the channel belongs to.
func (channel *Channel) Session() *Session {
	return channel.session
}

// RecoveryCount returns how many times this channel was recovered.
func (channel *Channel) RecoveryCount() uint64 {
	// The first transport channel is epoch 0.
	return channel.epoch.Load()
}

// IsOpen returns false after Close, and while the transport channel is down.
func (channel *Channel) IsOpen() bool {
	if channel.closed.Load() {
		return false
	}

	channel.transportLock.RLock()
	defer channel.transportLock.RUnlock()
	return !channel.transport.IsClosed()
}

var errClosedByApplication = &Error{
	Kind:   ErrChannelAlreadyClosed,
	Reason: "channel was closed by the application",
}

// withTransport runs operation against the current transport channel and translates
// its error.
func (channel *Channel) withTransport(operation func(transport amqptransport.Channel) error) error {
	if channel.closed.Load() {
		return errClosedByApplication
	}

	channel.transportLock.RLock()
	defer channel.transportLock.RUnlock()

	return translateErr(operation(channel.transport))
}

func (channel *Channel) nextSequence() uint64 {
	return channel.sequence.Inc()
}

// SetPrefetch applies a prefetch count to the channel. The count is re-applied after
// recovery.
func (channel *Channel) SetPrefetch(count int) error {
	if count < 0 {
		return errors.Wrapf(ErrInvalidOptions, "prefetch count %v is negative", count)
	}

	return channel.withTransport(func(transport amqptransport.Channel) error {
		if err := transport.Qos(count); err != nil {
			return err
		}
		channel.prefetch.Store(int64(count))
		return nil
	})
}

// Prefetch returns the last prefetch count applied, or 0 if none was.
func (channel *Channel) Prefetch() int {
	if prefetch := channel.prefetch.Load(); prefetch > 0 {
		return int(prefetch)
	}
	return 0
}

// ConfirmSelect puts the channel in publisher confirm mode. Confirm mode is re-applied
// after recovery. Calling it again is a no-op.
func (channel *Channel) ConfirmSelect() error {
	return channel.withTransport(func(transport amqptransport.Channel) error {
		if channel.confirms.isEnabled() {
			return nil
		}
		return channel.selectConfirms(transport)
	})
}

// selectConfirms must be called with transportLock held.
func (channel *Channel) selectConfirms(transport amqptransport.Channel) error {
	confirmations := transport.NotifyPublish(make(chan Confirmation, 128))
	if err := transport.Confirm(); err != nil {
		return err
	}

	epoch := channel.confirms.enable()
	go func() {
		for confirmation := range confirmations {
			channel.confirms.confirm(epoch, confirmation.Ack)
		}
	}()
	return nil
}

// WaitForConfirms blocks until every message published since the last call is
// confirmed. Returns true if the broker acked them all, false if any were nacked or
// lost to a connection failure. A timeout of 0 waits forever, otherwise
// ErrConfirmTimeout is returned once it elapses.
func (channel *Channel) WaitForConfirms(timeout time.Duration) (bool, error) {
	return channel.confirms.wait(channel.session.clock, timeout)
}

// Publish publishes msg on exchange with routing key key.
func (channel *Channel) Publish(exchange, key string, mandatory bool, msg Publishing) error {
	return channel.withTransport(func(transport amqptransport.Channel) error {
		if err := transport.Publish(exchange, key, mandatory, msg); err != nil {
			return err
		}
		channel.confirms.recordPublish()
		return nil
	})
}

// BasicGet fetches a single message from queue. ok is false if the queue was empty.
func (channel *Channel) BasicGet(queue string, autoAck bool) (delivery Delivery, ok bool, err error) {
	err = channel.withTransport(func(transport amqptransport.Channel) error {
		raw, found, getErr := transport.Get(queue, autoAck)
		if getErr != nil || !found {
			return getErr
		}

		epoch := channel.epoch.Load()
		channel.trackDelivery(epoch, raw.DeliveryTag)
		delivery = newDelivery(raw, channel, epoch)
		ok = true
		return nil
	})
	return delivery, ok, err
}

// trackDelivery records the highest delivery tag seen in epoch.
func (channel *Channel) trackDelivery(epoch uint64, tag uint64) {
	if epoch != channel.epoch.Load() {
		return
	}
	for {
		last := channel.lastDeliveryTag.Load()
		if tag <= last || channel.lastDeliveryTag.CompareAndSwap(last, tag) {
			return
		}
	}
}

// checkTag must be called with transportLock held.
func (channel *Channel) checkTag(tag DeliveryTag) error {
	current := channel.epoch.Load()
	if tag.Epoch != current {
		channel.session.metrics.StaleAcks.Inc()
		if channel.logger.Warn().Enabled() {
			channel.logger.Warn().
				Uint64("DELIVERY_TAG", tag.Value).
				Uint64("TAG_EPOCH", tag.Epoch).
				Uint64("CHANNEL_EPOCH", current).
				Msg("refusing to acknowledge delivery from before recovery")
		}
		return &StaleTagError{Tag: tag, CurrentEpoch: current}
	}

	if tag.Value > channel.lastDeliveryTag.Load() {
		return errors.Wrapf(ErrUnknownDeliveryTag, "delivery tag %v", tag.Value)
	}
	return nil
}

func (channel *Channel) acknowledge(
	tag DeliveryTag, operation func(transport amqptransport.Channel) error,
) error {
	return channel.withTransport(func(transport amqptransport.Channel) error {
		if err := channel.checkTag(tag); err != nil {
			return err
		}
		return operation(transport)
	})
}

// BasicAck acknowledges tag, and every earlier tag if multiple is set.
func (channel *Channel) BasicAck(tag DeliveryTag, multiple bool) error {
	return channel.acknowledge(tag, func(transport amqptransport.Channel) error {
		return transport.Ack(tag.Value, multiple)
	})
}

// BasicNack negatively acknowledges tag, and every earlier tag if multiple is set.
func (channel *Channel) BasicNack(tag DeliveryTag, multiple, requeue bool) error {
	return channel.acknowledge(tag, func(transport amqptransport.Channel) error {
		return transport.Nack(tag.Value, multiple, requeue)
	})
}

// BasicReject rejects tag.
func (channel *Channel) BasicReject(tag DeliveryTag, requeue bool) error {
	return channel.acknowledge(tag, func(transport amqptransport.Channel) error {
		return transport.Reject(tag.Value, requeue)
	})
}

// BasicConsume starts consumer on queue. The consumer is registered with the channel
// before it is started, so it can be cancelled as soon as BasicConsume has issued the
// consume. For a blocking consumer BasicConsume does not return until the consumer
// stops.
func (channel *Channel) BasicConsume(queue string, consumer *Consumer) error {
	if consumer.channel != channel {
		return errors.Wrap(ErrInvalidOptions, "consumer was built for another channel")
	}

	consumer.queueName.Store(queue)
	err := channel.withTransport(func(transport amqptransport.Channel) error {
		return consumer.consume(transport)
	})
	if err != nil {
		return err
	}

	return consumer.start()
}

// BasicCancel cancels the consumer with tag. Unknown tags are passed to the broker.
func (channel *Channel) BasicCancel(tag string) error {
	if consumer, ok := channel.lookupConsumer(tag); ok {
		return consumer.Cancel()
	}
	return channel.cancelConsumer(tag)
}

func (channel *Channel) cancelConsumer(tag string) error {
	channel.deregisterConsumer(tag)
	return channel.withTransport(func(transport amqptransport.Channel) error {
		return transport.Cancel(tag)
	})
}

// Close shuts down every consumer on the channel, closes the transport channel and
// removes the channel from its session. A closed channel is not recovered.
func (channel *Channel) Close() error {
	if !channel.closed.CompareAndSwap(false, true) {
		return errClosedByApplication
	}

	for _, consumer := range channel.consumerSnapshot() {
		consumer.closeWithChannel()
	}

	channel.transportLock.RLock()
	var err error
	if !channel.transport.IsClosed() {
		err = translateErr(channel.transport.Close())
	}
	channel.transportLock.RUnlock()

	channel.confirms.abandon()
	channel.session.unregisterChannel(channel)

	if channel.logger.Debug().Enabled() {
		channel.logger.Debug().Msg("channel closed")
	}

	if errors.Is(err, ErrChannelAlreadyClosed) {
		return nil
	}
	return err
}
