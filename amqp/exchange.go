package amqp

import (
	"strings"
	"time"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
)

// Exchange is an exchange declared through a Channel. Declared exchanges and their
// exchange-to-exchange bindings are re-declared when the channel recovers.
type Exchange struct {
	channel *Channel
	name    string
	opts    ExchangeOptions
	// bindings holds bindings with this exchange as the destination.
	bindings   *bindingSet
	declaredAt uint64
}

// isPredefinedExchange reports whether name is the default exchange or one of the
// broker's amq.* exchanges, which are never declared or deleted by the client.
func isPredefinedExchange(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}

func newExchange(channel *Channel, name string, opts ExchangeOptions) *Exchange {
	opts.Args = copyTable(opts.Args)
	return &Exchange{
		channel:    channel,
		name:       name,
		opts:       opts,
		bindings:   newBindingSet(),
		declaredAt: channel.nextSequence(),
	}
}

// Exchange declares an exchange. Declaring an exchange that is already registered
// with the channel returns the registered value once the broker has accepted the
// declaration; a declaration conflicting with the broker's exchange returns
// ErrPreconditionFailed. Predefined exchanges are returned without a declaration and
// are not registered, but bindings made through them are still replayed.
func (channel *Channel) Exchange(name string, opts ExchangeOptions) (*Exchange, error) {
	if isPredefinedExchange(name) {
		return channel.trackPredefinedExchange(newExchange(channel, name, opts)), nil
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	exchange := newExchange(channel, name, opts)
	if err := channel.withTransport(exchange.declare); err != nil {
		return nil, err
	}
	return channel.registerExchange(exchange), nil
}

// Fanout declares a fanout exchange.
func (channel *Channel) Fanout(name string, opts ExchangeOptions) (*Exchange, error) {
	opts.Kind = ExchangeFanout
	return channel.Exchange(name, opts)
}

// Direct declares a direct exchange.
func (channel *Channel) Direct(name string, opts ExchangeOptions) (*Exchange, error) {
	opts.Kind = ExchangeDirect
	return channel.Exchange(name, opts)
}

// Topic declares a topic exchange.
func (channel *Channel) Topic(name string, opts ExchangeOptions) (*Exchange, error) {
	opts.Kind = ExchangeTopic
	return channel.Exchange(name, opts)
}

// Headers declares a headers exchange.
func (channel *Channel) Headers(name string, opts ExchangeOptions) (*Exchange, error) {
	opts.Kind = ExchangeHeaders
	return channel.Exchange(name, opts)
}

// DefaultExchange returns the default exchange, which routes to the queue named by
// the routing key.
func (channel *Channel) DefaultExchange() *Exchange {
	return channel.trackPredefinedExchange(
		newExchange(channel, "", ExchangeOptions{Kind: ExchangeDirect, Durable: true}),
	)
}

func (exchange *Exchange) declare(transport amqptransport.Channel) error {
	if exchange.opts.Passive {
		return transport.ExchangeDeclarePassive(exchange.name)
	}
	return transport.ExchangeDeclare(
		exchange.name,
		exchange.opts.Kind,
		exchange.opts.Durable,
		exchange.opts.AutoDelete,
		exchange.opts.Internal,
		exchange.opts.Args,
	)
}

// Name returns the exchange name.
func (exchange *Exchange) Name() string {
	return exchange.name
}

// Kind returns the exchange type the exchange was declared with.
func (exchange *Exchange) Kind() string {
	return exchange.opts.Kind
}

// IsPredefined returns true for the default exchange and amq.* exchanges.
func (exchange *Exchange) IsPredefined() bool {
	return isPredefinedExchange(exchange.name)
}

// Channel returns the channel the exchange was declared on.
func (exchange *Exchange) Channel() *Channel {
	return exchange.channel
}

// Publish publishes body to the exchange.
func (exchange *Exchange) Publish(body []byte, opts PublishOptions) error {
	return exchange.channel.Publish(
		exchange.name, opts.RoutingKey, opts.Mandatory, opts.publishing(body),
	)
}

// Bind binds this exchange to the source exchange. The binding is replayed on
// recovery.
func (exchange *Exchange) Bind(source string, opts BindOptions) error {
	err := exchange.channel.withTransport(func(transport amqptransport.Channel) error {
		return transport.ExchangeBind(exchange.name, opts.RoutingKey, source, opts.Args)
	})
	if err != nil {
		return err
	}

	exchange.bindings.add(binding{Source: source, RoutingKey: opts.RoutingKey, Args: opts.Args})
	return nil
}

// Unbind removes a binding made with Bind.
func (exchange *Exchange) Unbind(source string, opts BindOptions) error {
	err := exchange.channel.withTransport(func(transport amqptransport.Channel) error {
		return transport.ExchangeUnbind(exchange.name, opts.RoutingKey, source, opts.Args)
	})
	if err != nil {
		return err
	}

	exchange.bindings.remove(binding{Source: source, RoutingKey: opts.RoutingKey, Args: opts.Args})
	return nil
}

// Delete deletes the exchange and forgets it and every binding to it. Predefined
// exchanges are never deleted: Delete is a no-op for them.
func (exchange *Exchange) Delete(opts DeleteOptions) error {
	if exchange.IsPredefined() {
		return nil
	}

	err := exchange.channel.withTransport(func(transport amqptransport.Channel) error {
		return transport.ExchangeDelete(exchange.name, opts.IfUnused)
	})
	if err != nil {
		return err
	}

	exchange.channel.deregisterExchange(exchange.name)
	return nil
}

// WaitForConfirms is Channel.WaitForConfirms on the exchange's channel.
func (exchange *Exchange) WaitForConfirms(timeout time.Duration) (bool, error) {
	return exchange.channel.WaitForConfirms(timeout)
}
