package amqp

import (
	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// QueueStatus is the broker's view of a queue.
type QueueStatus struct {
	Messages  int
	Consumers int
}

// Queue is a queue declared through a Channel. Declared queues and their bindings are
// re-declared when the channel recovers.
type Queue struct {
	channel *Channel
	// name changes on recovery for server-named queues.
	name *atomic.String
	opts QueueOptions
	// serverNamed queues are declared with an empty name on every recovery.
	serverNamed bool
	bindings    *bindingSet
	declaredAt  uint64
}

// Queue declares a queue. An empty name asks the broker to generate one; the queue
// is then server-named and gets a new name on every recovery, so always read it
// through Name. Declaring a queue that is already registered with the channel returns
// the registered value once the broker has accepted the declaration; a declaration
// conflicting with the broker's queue returns ErrPreconditionFailed.
func (channel *Channel) Queue(name string, opts QueueOptions) (*Queue, error) {
	if name == "" && opts.Passive {
		return nil, errors.Wrap(ErrInvalidOptions, "a passive declaration needs a queue name")
	}

	opts.Args = copyTable(opts.Args)
	queue := &Queue{
		channel:     channel,
		name:        atomic.NewString(name),
		opts:        opts,
		serverNamed: name == "",
		bindings:    newBindingSet(),
		declaredAt:  channel.nextSequence(),
	}

	err := channel.withTransport(func(transport amqptransport.Channel) error {
		state, err := queue.declare(transport)
		if err != nil {
			return err
		}
		queue.name.Store(state.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return channel.registerQueue(queue), nil
}

func (queue *Queue) declare(transport amqptransport.Channel) (amqptransport.QueueState, error) {
	if queue.opts.Passive {
		return transport.QueueDeclarePassive(queue.Name())
	}

	name := queue.Name()
	if queue.serverNamed {
		name = ""
	}
	return transport.QueueDeclare(
		name, queue.opts.Durable, queue.opts.Exclusive, queue.opts.AutoDelete, queue.opts.Args,
	)
}

// Name returns the current queue name.
func (queue *Queue) Name() string {
	return queue.name.Load()
}

// IsServerNamed returns true if the broker picked the queue name.
func (queue *Queue) IsServerNamed() bool {
	return queue.serverNamed
}

// Channel returns the channel the queue was declared on.
func (queue *Queue) Channel() *Channel {
	return queue.channel
}

// Bind binds the queue to exchange. The binding is replayed on recovery.
func (queue *Queue) Bind(exchange string, opts BindOptions) error {
	err := queue.channel.withTransport(func(transport amqptransport.Channel) error {
		return transport.QueueBind(queue.Name(), opts.RoutingKey, exchange, opts.Args)
	})
	if err != nil {
		return err
	}

	queue.bindings.add(binding{Source: exchange, RoutingKey: opts.RoutingKey, Args: opts.Args})
	return nil
}

// Unbind removes a binding made with Bind.
func (queue *Queue) Unbind(exchange string, opts BindOptions) error {
	err := queue.channel.withTransport(func(transport amqptransport.Channel) error {
		return transport.QueueUnbind(queue.Name(), opts.RoutingKey, exchange, opts.Args)
	})
	if err != nil {
		return err
	}

	queue.bindings.remove(binding{Source: exchange, RoutingKey: opts.RoutingKey, Args: opts.Args})
	return nil
}

// Delete deletes the queue and forgets it. Returns the number of messages deleted with
// it.
func (queue *Queue) Delete(opts DeleteOptions) (int, error) {
	var purged int
	err := queue.channel.withTransport(func(transport amqptransport.Channel) error {
		var err error
		purged, err = transport.QueueDelete(queue.Name(), opts.IfUnused, opts.IfEmpty)
		return err
	})
	if err != nil {
		return 0, err
	}

	queue.channel.deregisterQueue(queue.Name())
	return purged, nil
}

// Purge removes every message from the queue. Returns the number removed.
func (queue *Queue) Purge() (int, error) {
	var purged int
	err := queue.channel.withTransport(func(transport amqptransport.Channel) error {
		var err error
		purged, err = transport.QueuePurge(queue.Name())
		return err
	})
	return purged, err
}

// Get fetches a single message. ok is false if the queue was empty.
func (queue *Queue) Get(autoAck bool) (delivery Delivery, ok bool, err error) {
	return queue.channel.BasicGet(queue.Name(), autoAck)
}

// Publish publishes body to the queue through the default exchange.
func (queue *Queue) Publish(body []byte, opts PublishOptions) error {
	return queue.channel.Publish("", queue.Name(), opts.Mandatory, opts.publishing(body))
}

// Status returns the message and consumer counts of the queue.
func (queue *Queue) Status() (QueueStatus, error) {
	var status QueueStatus
	err := queue.channel.withTransport(func(transport amqptransport.Channel) error {
		state, err := transport.QueueDeclarePassive(queue.Name())
		if err != nil {
			return err
		}
		status = QueueStatus{Messages: state.Messages, Consumers: state.Consumers}
		return nil
	})
	return status, err
}

// MessageCount returns the number of messages ready in the queue.
func (queue *Queue) MessageCount() (int, error) {
	status, err := queue.Status()
	return status.Messages, err
}

// ConsumerCount returns the number of consumers on the queue.
func (queue *Queue) ConsumerCount() (int, error) {
	status, err := queue.Status()
	return status.Consumers, err
}

// BuildConsumer creates a consumer for the queue without starting it. Start it with
// SubscribeWith.
func (queue *Queue) BuildConsumer(opts ConsumeOptions, handler DeliveryHandler) (*Consumer, error) {
	return queue.channel.NewConsumer(opts, handler)
}

// SubscribeWith starts consumer on the queue. For a blocking consumer SubscribeWith
// returns once the consumer stops.
func (queue *Queue) SubscribeWith(consumer *Consumer) error {
	return queue.channel.BasicConsume(queue.Name(), consumer)
}

// Subscribe builds a consumer and starts it on the queue. For a blocking consumer
// Subscribe returns once the consumer stops, with the error that stopped it, if any.
func (queue *Queue) Subscribe(opts ConsumeOptions, handler DeliveryHandler) (*Consumer, error) {
	consumer, err := queue.BuildConsumer(opts, handler)
	if err != nil {
		return nil, err
	}
	return consumer, queue.SubscribeWith(consumer)
}
