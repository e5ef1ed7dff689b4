package amqp

import (
	"github.com/peake100/rabbitSession-go/amqp/workpool"
	"github.com/pkg/errors"
)

// ExchangeOptions configures an exchange declaration.
type ExchangeOptions struct {
	// Kind is the exchange type: ExchangeDirect, ExchangeFanout, ExchangeTopic,
	// ExchangeHeaders or a plugin type. Required unless Passive is set.
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	// Passive only checks that the exchange exists. Passive exchanges are not
	// re-declared on recovery.
	Passive bool
	Args    Table
}

func (opts ExchangeOptions) validate() error {
	if opts.Kind == "" && !opts.Passive {
		return errors.Wrap(ErrInvalidOptions, "exchange kind is required")
	}
	return nil
}

// QueueOptions configures a queue declaration.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	// Passive only checks that the queue exists. Passive queues are not re-declared
	// on recovery.
	Passive bool
	Args    Table
}

// BindOptions configures a queue or exchange binding.
type BindOptions struct {
	RoutingKey string
	Args       Table
}

// DeleteOptions configures a queue or exchange deletion. IfEmpty is ignored for
// exchanges.
type DeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
}

// PublishOptions configures a publish through an Exchange or Queue.
type PublishOptions struct {
	// RoutingKey is ignored by Queue.Publish, which routes by queue name.
	RoutingKey string
	Mandatory  bool
	// Persistent sets the delivery mode to Persistent.
	Persistent bool
	// Properties holds the message properties. Its Body is replaced by the published
	// body.
	Properties Publishing
}

func (opts PublishOptions) publishing(body []byte) Publishing {
	msg := opts.Properties
	msg.Body = body
	if opts.Persistent {
		msg.DeliveryMode = Persistent
	}
	return msg
}

// ConsumeOptions configures a consumer.
//
// By default a consumer is async: each delivery is handed to a worker pool and the
// call that starts it returns right away. Set Blocking to handle deliveries on the
// goroutine that starts the consumer instead.
type ConsumeOptions struct {
	// Tag is the consumer tag to request. A tag is generated if empty.
	Tag string
	// AutoAck has the broker consider deliveries acknowledged once sent.
	AutoAck   bool
	Exclusive bool
	Args      Table

	// Blocking selects the blocking discipline.
	Blocking bool
	// BufferSize bounds the hand-off queue of a blocking consumer. 0 is unbounded.
	BufferSize int

	// Executor is a caller owned pool for an async consumer. It is shut down with the
	// consumer only if ShutdownExecutor is set.
	Executor         workpool.Pool
	ShutdownExecutor bool
	// ExecutorFactory creates the private pool of an async consumer, overriding the
	// session's factory. Ignored when Executor is set.
	ExecutorFactory workpool.Factory

	// OnCancellation is called once if the broker cancels the consumer.
	OnCancellation CancellationHandler
}

func (opts ConsumeOptions) validate() error {
	if opts.BufferSize < 0 {
		return errors.Wrapf(ErrInvalidOptions, "buffer size %v is negative", opts.BufferSize)
	}
	if opts.Blocking && (opts.Executor != nil || opts.ExecutorFactory != nil) {
		return errors.Wrap(ErrInvalidOptions, "blocking consumers do not use an executor")
	}
	if !opts.Blocking && opts.BufferSize != 0 {
		return errors.Wrap(ErrInvalidOptions, "buffer size only applies to blocking consumers")
	}
	return nil
}

// copyTable makes a shallow copy so callers mutating their table after a declaration
// do not change what is replayed on recovery.
func copyTable(table Table) Table {
	if table == nil {
		return nil
	}

	copied := make(Table, len(table))
	for key, value := range table {
		copied[key] = value
	}
	return copied
}
