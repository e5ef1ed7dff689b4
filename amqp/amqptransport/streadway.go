package amqptransport

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	streadway "github.com/streadway/amqp"
	"go.uber.org/atomic"
)

// shutdownNotifier fans a single close event of a streadway handle out to every
// registered ShutdownListener. Listeners added after the event fire immediately.
type shutdownNotifier struct {
	lock      sync.Mutex
	listeners []ShutdownListener
	fired     bool
	signal    ShutdownSignal
	closed    *atomic.Bool
}

// watch blocks until closeEvents yields or is closed, then notifies listeners.
func (notifier *shutdownNotifier) watch(closeEvents <-chan *streadway.Error) {
	streadwayErr, ok := <-closeEvents
	signal := ShutdownSignal{InitiatedByApplication: true}

	// A nil error or a closed channel without a value means Close was called on our
	// side.
	if ok && streadwayErr != nil {
		signal = ShutdownSignal{
			InitiatedByApplication: false,
			MissedHeartbeat:        isMissedHeartbeat(streadwayErr),
			Cause:                  streadwayErr,
		}
	}

	notifier.lock.Lock()
	notifier.closed.Store(true)
	notifier.fired = true
	notifier.signal = signal
	listeners := make([]ShutdownListener, len(notifier.listeners))
	copy(listeners, notifier.listeners)
	notifier.lock.Unlock()

	for _, listener := range listeners {
		listener(signal)
	}
}

func (notifier *shutdownNotifier) add(listener ShutdownListener) {
	notifier.lock.Lock()
	if !notifier.fired {
		notifier.listeners = append(notifier.listeners, listener)
		notifier.lock.Unlock()
		return
	}
	signal := notifier.signal
	notifier.lock.Unlock()

	go listener(signal)
}

func newShutdownNotifier(closeEvents <-chan *streadway.Error) *shutdownNotifier {
	notifier := &shutdownNotifier{closed: atomic.NewBool(false)}
	go notifier.watch(closeEvents)
	return notifier
}

// streadway surfaces a missed heartbeat as a frame error raised by the read deadline.
func isMissedHeartbeat(err *streadway.Error) bool {
	if err.Code != streadway.FrameError {
		return false
	}
	reason := strings.ToLower(err.Reason)
	return strings.Contains(reason, "timeout") || strings.Contains(reason, "heartbeat")
}

// StreadwayDialer dials broker connections with github.com/streadway/amqp.
type StreadwayDialer struct{}

// Dial implements Dialer. If ctx is cancelled before the handshake completes the
// late connection, if any, is closed.
func (StreadwayDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	type dialResult struct {
		conn *streadway.Connection
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := streadway.DialConfig(endpoint.URI, endpoint.Config)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		return newStreadwayConnection(result.conn), nil
	case <-ctx.Done():
		go func() {
			if result := <-results; result.conn != nil {
				_ = result.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type streadwayConnection struct {
	conn     *streadway.Connection
	notifier *shutdownNotifier
}

func newStreadwayConnection(conn *streadway.Connection) *streadwayConnection {
	closeEvents := conn.NotifyClose(make(chan *streadway.Error, 1))
	return &streadwayConnection{
		conn:     conn,
		notifier: newShutdownNotifier(closeEvents),
	}
}

func (transport *streadwayConnection) Channel() (Channel, error) {
	channel, err := transport.conn.Channel()
	if err != nil {
		return nil, err
	}
	return newStreadwayChannel(channel), nil
}

func (transport *streadwayConnection) NotifyBlocked(receiver chan Blocking) chan Blocking {
	return transport.conn.NotifyBlocked(receiver)
}

func (transport *streadwayConnection) AddShutdownListener(listener ShutdownListener) {
	transport.notifier.add(listener)
}

func (transport *streadwayConnection) IsClosed() bool {
	return transport.notifier.closed.Load()
}

func (transport *streadwayConnection) Close() error {
	return transport.conn.Close()
}

type streadwayChannel struct {
	channel  *streadway.Channel
	notifier *shutdownNotifier

	// handlers maps consumer tags to their handler so broker-side cancels can be
	// routed.
	handlers *sync.Map
}

func newStreadwayChannel(channel *streadway.Channel) *streadwayChannel {
	closeEvents := channel.NotifyClose(make(chan *streadway.Error, 1))
	transport := &streadwayChannel{
		channel:  channel,
		notifier: newShutdownNotifier(closeEvents),
		handlers: new(sync.Map),
	}

	cancels := channel.NotifyCancel(make(chan string, 16))
	go transport.relayCancels(cancels)

	return transport
}

func (transport *streadwayChannel) relayCancels(cancels <-chan string) {
	for consumerTag := range cancels {
		handler, ok := transport.handlers.Load(consumerTag)
		if !ok {
			continue
		}
		transport.handlers.Delete(consumerTag)
		handler.(ConsumerHandler).HandleCancel(consumerTag)
	}
}

func (transport *streadwayChannel) ExchangeDeclare(
	name, kind string, durable, autoDelete, internal bool, args Table,
) error {
	return transport.channel.ExchangeDeclare(
		name, kind, durable, autoDelete, internal, false, args,
	)
}

func (transport *streadwayChannel) ExchangeDeclarePassive(name string) error {
	// The broker ignores the kind and flags of a passive declare.
	return transport.channel.ExchangeDeclarePassive(
		name, streadway.ExchangeDirect, false, false, false, false, nil,
	)
}

func (transport *streadwayChannel) ExchangeDelete(name string, ifUnused bool) error {
	return transport.channel.ExchangeDelete(name, ifUnused, false)
}

func (transport *streadwayChannel) ExchangeBind(
	destination, key, source string, args Table,
) error {
	return transport.channel.ExchangeBind(destination, key, source, false, args)
}

func (transport *streadwayChannel) ExchangeUnbind(
	destination, key, source string, args Table,
) error {
	return transport.channel.ExchangeUnbind(destination, key, source, false, args)
}

func (transport *streadwayChannel) QueueDeclare(
	name string, durable, exclusive, autoDelete bool, args Table,
) (QueueState, error) {
	queue, err := transport.channel.QueueDeclare(
		name, durable, autoDelete, exclusive, false, args,
	)
	if err != nil {
		return QueueState{}, err
	}
	return QueueState{
		Name: queue.Name, Messages: queue.Messages, Consumers: queue.Consumers,
	}, nil
}

func (transport *streadwayChannel) QueueDeclarePassive(name string) (QueueState, error) {
	queue, err := transport.channel.QueueInspect(name)
	if err != nil {
		return QueueState{}, err
	}
	return QueueState{
		Name: queue.Name, Messages: queue.Messages, Consumers: queue.Consumers,
	}, nil
}

func (transport *streadwayChannel) QueueDelete(
	name string, ifUnused, ifEmpty bool,
) (int, error) {
	return transport.channel.QueueDelete(name, ifUnused, ifEmpty, false)
}

func (transport *streadwayChannel) QueueBind(name, key, exchange string, args Table) error {
	return transport.channel.QueueBind(name, key, exchange, false, args)
}

func (transport *streadwayChannel) QueueUnbind(name, key, exchange string, args Table) error {
	return transport.channel.QueueUnbind(name, key, exchange, args)
}

func (transport *streadwayChannel) QueuePurge(name string) (int, error) {
	return transport.channel.QueuePurge(name, false)
}

func (transport *streadwayChannel) Publish(
	exchange, key string, mandatory bool, msg Publishing,
) error {
	return transport.channel.Publish(exchange, key, mandatory, false, msg)
}

func (transport *streadwayChannel) Get(queue string, autoAck bool) (Delivery, bool, error) {
	delivery, ok, err := transport.channel.Get(queue, autoAck)
	if err != nil || !ok {
		return Delivery{}, ok, err
	}
	return convertDelivery(delivery), true, nil
}

func (transport *streadwayChannel) Consume(
	queue, consumerTag string,
	autoAck, exclusive bool,
	args Table,
	handler ConsumerHandler,
) (string, error) {
	// streadway generates a tag for an empty one but never returns it, so we pick it
	// ourselves.
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.New().String()
	}

	// Register before consuming so a cancel racing the consume-ok is not lost.
	transport.handlers.Store(consumerTag, handler)

	deliveries, err := transport.channel.Consume(
		queue, consumerTag, autoAck, exclusive, false, false, args,
	)
	if err != nil {
		transport.handlers.Delete(consumerTag)
		return "", err
	}

	go func() {
		for delivery := range deliveries {
			handler.HandleDelivery(convertDelivery(delivery))
		}
	}()

	return consumerTag, nil
}

func (transport *streadwayChannel) Cancel(consumerTag string) error {
	transport.handlers.Delete(consumerTag)
	return transport.channel.Cancel(consumerTag, false)
}

func (transport *streadwayChannel) Ack(tag uint64, multiple bool) error {
	return transport.channel.Ack(tag, multiple)
}

func (transport *streadwayChannel) Nack(tag uint64, multiple, requeue bool) error {
	return transport.channel.Nack(tag, multiple, requeue)
}

func (transport *streadwayChannel) Reject(tag uint64, requeue bool) error {
	return transport.channel.Reject(tag, requeue)
}

func (transport *streadwayChannel) Qos(prefetchCount int) error {
	return transport.channel.Qos(prefetchCount, 0, false)
}

func (transport *streadwayChannel) Confirm() error {
	return errors.Wrap(transport.channel.Confirm(false), "confirm.select")
}

func (transport *streadwayChannel) NotifyPublish(receiver chan Confirmation) chan Confirmation {
	return transport.channel.NotifyPublish(receiver)
}

func (transport *streadwayChannel) NotifyReturn(receiver chan Return) chan Return {
	return transport.channel.NotifyReturn(receiver)
}

func (transport *streadwayChannel) AddShutdownListener(listener ShutdownListener) {
	transport.notifier.add(listener)
}

func (transport *streadwayChannel) IsClosed() bool {
	return transport.notifier.closed.Load()
}

func (transport *streadwayChannel) Close() error {
	return transport.channel.Close()
}

func convertDelivery(delivery streadway.Delivery) Delivery {
	return Delivery{
		Publishing: Publishing{
			Headers:         delivery.Headers,
			ContentType:     delivery.ContentType,
			ContentEncoding: delivery.ContentEncoding,
			DeliveryMode:    delivery.DeliveryMode,
			Priority:        delivery.Priority,
			CorrelationId:   delivery.CorrelationId,
			ReplyTo:         delivery.ReplyTo,
			Expiration:      delivery.Expiration,
			MessageId:       delivery.MessageId,
			Timestamp:       delivery.Timestamp,
			Type:            delivery.Type,
			UserId:          delivery.UserId,
			AppId:           delivery.AppId,
			Body:            delivery.Body,
		},
		ConsumerTag:  delivery.ConsumerTag,
		DeliveryTag:  delivery.DeliveryTag,
		Redelivered:  delivery.Redelivered,
		Exchange:     delivery.Exchange,
		RoutingKey:   delivery.RoutingKey,
		MessageCount: delivery.MessageCount,
	}
}
