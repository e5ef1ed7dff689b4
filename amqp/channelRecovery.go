package amqp

import (
	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/pkg/errors"
)

// recover opens a new transport channel on conn and replays the channel's state onto
// it: prefetch, confirm mode, exchanges, queues, bindings and finally consumers.
// Operations on the channel wait until recovery is done.
//
// streadway does not let us pick transport channel numbers, so the channel keeps its
// own number across recoveries while the transport channel's number may differ.
func (channel *Channel) recover(conn amqptransport.Connection) error {
	if channel.closed.Load() {
		return nil
	}

	channel.transportLock.Lock()
	defer channel.transportLock.Unlock()

	transport, err := conn.Channel()
	if err != nil {
		return errors.WithMessage(translateErr(err), "open channel")
	}

	channel.transport = transport
	epoch := channel.epoch.Inc()
	channel.lastDeliveryTag.Store(0)
	channel.attach(transport)
	channel.confirms.abandon()

	logger := channel.logger.With().Uint64("EPOCH", epoch).Logger()
	if logger.Debug().Enabled() {
		logger.Debug().Msg("replaying channel state")
	}

	if prefetch := channel.prefetch.Load(); prefetch >= 0 {
		if err := transport.Qos(int(prefetch)); err != nil {
			return errors.WithMessage(translateErr(err), "replay prefetch")
		}
	}

	if channel.confirms.isEnabled() {
		if err := channel.selectConfirms(transport); err != nil {
			return errors.WithMessage(translateErr(err), "replay confirm mode")
		}
	}

	// Exchanges before queues before bindings before consumers: each step can refer
	// to what the previous ones declared.
	for _, exchange := range channel.exchangeSnapshot() {
		if exchange.opts.Passive {
			continue
		}
		if err := exchange.declare(transport); err != nil {
			return errors.WithMessagef(translateErr(err), "redeclare exchange %q", exchange.name)
		}
	}

	queues := channel.queueSnapshot()
	for _, queue := range queues {
		if err := channel.recoverQueue(transport, queue); err != nil {
			return err
		}
	}

	for _, queue := range queues {
		for _, bound := range queue.bindings.snapshot() {
			err := transport.QueueBind(queue.Name(), bound.RoutingKey, bound.Source, bound.Args)
			if err != nil {
				return errors.WithMessagef(
					translateErr(err), "rebind queue %q to %q", queue.Name(), bound.Source,
				)
			}
		}
	}

	destinations := append(channel.exchangeSnapshot(), channel.predefinedExchangeSnapshot()...)
	for _, exchange := range destinations {
		for _, bound := range exchange.bindings.snapshot() {
			err := transport.ExchangeBind(exchange.name, bound.RoutingKey, bound.Source, bound.Args)
			if err != nil {
				return errors.WithMessagef(
					translateErr(err), "rebind exchange %q to %q", exchange.name, bound.Source,
				)
			}
		}
	}

	for _, consumer := range channel.consumerSnapshot() {
		if err := channel.recoverConsumer(transport, consumer); err != nil {
			return err
		}
	}

	if logger.Info().Enabled() {
		logger.Info().Msg("channel recovered")
	}
	return nil
}

func (channel *Channel) recoverQueue(transport amqptransport.Channel, queue *Queue) error {
	if queue.opts.Passive {
		return nil
	}

	oldName := queue.Name()
	state, err := queue.declare(transport)
	if err != nil {
		return errors.WithMessagef(translateErr(err), "redeclare queue %q", oldName)
	}

	if state.Name != oldName {
		channel.renameQueue(queue, oldName, state.Name)
		if channel.logger.Debug().Enabled() {
			channel.logger.Debug().
				Str("OLD_NAME", oldName).
				Str("NEW_NAME", state.Name).
				Msg("server-named queue renamed")
		}
	}
	return nil
}

func (channel *Channel) recoverConsumer(transport amqptransport.Channel, consumer *Consumer) error {
	oldTag := consumer.Tag()
	channel.deregisterConsumer(oldTag)

	if consumer.IsCancelling() {
		consumer.cancelled.Store(true)
		return nil
	}

	if err := consumer.consume(transport); err != nil {
		return errors.WithMessagef(
			translateErr(err), "re-consume %q from %q", oldTag, consumer.QueueName(),
		)
	}

	// Cancel started while we were consuming: it must not leave the new broker
	// consumer behind.
	if consumer.IsCancelling() {
		newTag := consumer.Tag()
		channel.deregisterConsumer(newTag)
		consumer.cancelled.Store(true)
		if err := transport.Cancel(newTag); err != nil {
			return errors.WithMessagef(translateErr(err), "cancel %q", newTag)
		}
		return nil
	}
	consumer.dispatcher.recovered(consumer)

	if channel.logger.Debug().Enabled() {
		channel.logger.Debug().
			Str("OLD_TAG", oldTag).
			Str("CONSUMER_TAG", consumer.Tag()).
			Msg("consumer recovered")
	}
	return nil
}
