package amqptest

import (
	"fmt"
	"sort"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	streadway "github.com/streadway/amqp"
)

type unacked struct {
	queue string
	msg   message
}

// Channel is a channel on a broker Connection. It implements amqptransport.Channel.
type Channel struct {
	conn   *Connection
	broker *Broker
	id     uint16

	prefetch    int
	deliveryTag uint64
	unacked     map[uint64]unacked
	consumers   map[string]*consumer

	confirming bool
	publishSeq uint64
	receivers  []chan amqptransport.Confirmation
	returns    []chan amqptransport.Return

	closed    bool
	signal    *amqptransport.ShutdownSignal
	listeners []amqptransport.ShutdownListener
	// events carries returns, confirms and shutdown notifications, in order.
	events *mailbox
}

func newChannel(conn *Connection, id uint16) *Channel {
	return &Channel{
		conn:      conn,
		broker:    conn.broker,
		id:        id,
		unacked:   make(map[uint64]unacked),
		consumers: make(map[string]*consumer),
		events:    newMailbox(),
	}
}

// ID returns the channel number on its connection.
func (channel *Channel) ID() uint16 {
	return channel.id
}

// lock takes the broker lock and reports whether the channel is still usable.
func (channel *Channel) lock() error {
	channel.broker.lock.Lock()
	if channel.closed {
		return streadway.ErrClosed
	}
	return nil
}

func (channel *Channel) unlock() {
	channel.broker.lock.Unlock()
}

// fail closes the channel with a server error and returns it.
func (channel *Channel) fail(code int, format string, args ...interface{}) error {
	err := &streadway.Error{
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
		Server: true,
	}
	channel.shutdown(amqptransport.ShutdownSignal{Cause: err})
	return err
}

// ExchangeDeclare implements amqptransport.Channel.
func (channel *Channel) ExchangeDeclare(
	name, kind string, durable, autoDelete, internal bool, args amqptransport.Table,
) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	broker := channel.broker
	if existing, ok := broker.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable ||
			existing.autoDelete != autoDelete || existing.internal != internal {
			return channel.fail(
				streadway.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg for exchange '%v' in vhost '/'", name,
			)
		}
		broker.record("exchange.declare", name)
		return nil
	}

	if name == "" || len(name) > 3 && name[:4] == "amq." {
		return channel.fail(
			streadway.AccessRefused,
			"ACCESS_REFUSED - exchange name '%v' contains reserved prefix 'amq.*'", name,
		)
	}

	switch kind {
	case "direct", "fanout", "topic", "headers":
	default:
		return channel.fail(
			streadway.CommandInvalid, "COMMAND_INVALID - unknown exchange type '%v'", kind,
		)
	}

	broker.exchanges[name] = &exchange{
		name:       name,
		kind:       kind,
		durable:    durable,
		autoDelete: autoDelete,
		internal:   internal,
	}
	broker.record("exchange.declare", name)
	return nil
}

// ExchangeDeclarePassive implements amqptransport.Channel.
func (channel *Channel) ExchangeDeclarePassive(name string) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	if _, ok := channel.broker.exchanges[name]; !ok {
		return channel.fail(
			streadway.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", name,
		)
	}
	return nil
}

// ExchangeDelete implements amqptransport.Channel.
func (channel *Channel) ExchangeDelete(name string, ifUnused bool) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	broker := channel.broker
	existing, ok := broker.exchanges[name]
	if !ok {
		return nil
	}
	if existing.predefined {
		return channel.fail(
			streadway.AccessRefused,
			"ACCESS_REFUSED - operation not permitted on the default exchange",
		)
	}
	if ifUnused && len(existing.bindings) > 0 {
		return channel.fail(
			streadway.PreconditionFailed,
			"PRECONDITION_FAILED - exchange '%v' in vhost '/' in use", name,
		)
	}

	broker.deleteExchange(existing)
	return nil
}

// bindEnds checks both ends of a binding exist and returns the source. The lock
// must be held.
func (channel *Channel) bindEnds(
	destination string, toExchange bool, source string,
) (*exchange, error) {
	broker := channel.broker

	if source == "" {
		return nil, channel.fail(
			streadway.AccessRefused,
			"ACCESS_REFUSED - operation not permitted on the default exchange",
		)
	}

	if toExchange {
		if _, ok := broker.exchanges[destination]; !ok {
			return nil, channel.fail(
				streadway.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", destination,
			)
		}
	} else if _, ok := broker.queues[destination]; !ok {
		return nil, channel.fail(
			streadway.NotFound, "NOT_FOUND - no queue '%v' in vhost '/'", destination,
		)
	}

	sourceExchange, ok := broker.exchanges[source]
	if !ok {
		return nil, channel.fail(
			streadway.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", source,
		)
	}
	return sourceExchange, nil
}

func (channel *Channel) bind(
	destination string, toExchange bool, key, source string, args amqptransport.Table,
) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	sourceExchange, err := channel.bindEnds(destination, toExchange, source)
	if err != nil {
		return err
	}

	method := "queue.bind"
	if toExchange {
		method = "exchange.bind"
	}
	channel.broker.record(method, destination+"<-"+source)

	for _, bound := range sourceExchange.bindings {
		if bound.destination == destination && bound.toExchange == toExchange && bound.key == key {
			return nil
		}
	}

	sourceExchange.bindings = append(sourceExchange.bindings, binding{
		destination: destination,
		toExchange:  toExchange,
		key:         key,
		args:        args,
	})
	sourceExchange.everBound = true
	return nil
}

func (channel *Channel) unbind(destination string, toExchange bool, key, source string) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	sourceExchange, err := channel.bindEnds(destination, toExchange, source)
	if err != nil {
		return err
	}

	channel.broker.removeBindings(sourceExchange, func(bound binding) bool {
		return bound.destination == destination && bound.toExchange == toExchange &&
			bound.key == key
	})
	return nil
}

// ExchangeBind implements amqptransport.Channel.
func (channel *Channel) ExchangeBind(
	destination, key, source string, args amqptransport.Table,
) error {
	return channel.bind(destination, true, key, source, args)
}

// ExchangeUnbind implements amqptransport.Channel.
func (channel *Channel) ExchangeUnbind(
	destination, key, source string, _ amqptransport.Table,
) error {
	return channel.unbind(destination, true, key, source)
}

// QueueDeclare implements amqptransport.Channel. An empty name asks for a
// server-generated one.
func (channel *Channel) QueueDeclare(
	name string, durable, exclusive, autoDelete bool, _ amqptransport.Table,
) (amqptransport.QueueState, error) {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return amqptransport.QueueState{}, err
	}
	defer channel.unlock()

	broker := channel.broker
	if name == "" {
		name = generatedName("amq.gen-")
	}

	existing, ok := broker.queues[name]
	if ok {
		if err := channel.checkExclusiveOwner(existing); err != nil {
			return amqptransport.QueueState{}, err
		}
		if existing.durable != durable || existing.exclusive != exclusive ||
			existing.autoDelete != autoDelete {
			return amqptransport.QueueState{}, channel.fail(
				streadway.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg for queue '%v' in vhost '/'", name,
			)
		}
		broker.record("queue.declare", name)
		return existing.state(), nil
	}

	if len(name) > 3 && name[:4] == "amq." && !isGenerated(name) {
		return amqptransport.QueueState{}, channel.fail(
			streadway.AccessRefused,
			"ACCESS_REFUSED - queue name '%v' contains reserved prefix 'amq.*'", name,
		)
	}

	declared := &queue{
		name:       name,
		durable:    durable,
		exclusive:  exclusive,
		autoDelete: autoDelete,
	}
	if exclusive {
		declared.owner = channel.conn
	}
	broker.queues[name] = declared
	broker.record("queue.declare", name)
	return declared.state(), nil
}

func isGenerated(name string) bool {
	return len(name) > 8 && name[:8] == "amq.gen-"
}

func (declared *queue) state() amqptransport.QueueState {
	return amqptransport.QueueState{
		Name:      declared.name,
		Messages:  len(declared.messages),
		Consumers: len(declared.consumers),
	}
}

func (channel *Channel) checkExclusiveOwner(declared *queue) error {
	if declared.exclusive && declared.owner != channel.conn {
		return channel.fail(
			streadway.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v' in vhost '/'",
			declared.name,
		)
	}
	return nil
}

// lookupQueue returns a queue this channel may use. The lock must be held.
func (channel *Channel) lookupQueue(name string) (*queue, error) {
	declared, ok := channel.broker.queues[name]
	if !ok {
		return nil, channel.fail(
			streadway.NotFound, "NOT_FOUND - no queue '%v' in vhost '/'", name,
		)
	}
	if err := channel.checkExclusiveOwner(declared); err != nil {
		return nil, err
	}
	return declared, nil
}

// QueueDeclarePassive implements amqptransport.Channel.
func (channel *Channel) QueueDeclarePassive(name string) (amqptransport.QueueState, error) {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return amqptransport.QueueState{}, err
	}
	defer channel.unlock()

	declared, err := channel.lookupQueue(name)
	if err != nil {
		return amqptransport.QueueState{}, err
	}
	return declared.state(), nil
}

// QueueDelete implements amqptransport.Channel. Deleting a missing queue succeeds.
func (channel *Channel) QueueDelete(name string, ifUnused, ifEmpty bool) (int, error) {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return 0, err
	}
	defer channel.unlock()

	declared, ok := channel.broker.queues[name]
	if !ok {
		return 0, nil
	}
	if err := channel.checkExclusiveOwner(declared); err != nil {
		return 0, err
	}
	if ifUnused && len(declared.consumers) > 0 {
		return 0, channel.fail(
			streadway.PreconditionFailed,
			"PRECONDITION_FAILED - queue '%v' in vhost '/' in use", name,
		)
	}
	if ifEmpty && len(declared.messages) > 0 {
		return 0, channel.fail(
			streadway.PreconditionFailed,
			"PRECONDITION_FAILED - queue '%v' in vhost '/' not empty", name,
		)
	}

	count := len(declared.messages)
	channel.broker.deleteQueue(declared)
	return count, nil
}

// QueueBind implements amqptransport.Channel.
func (channel *Channel) QueueBind(name, key, exchange string, args amqptransport.Table) error {
	return channel.bind(name, false, key, exchange, args)
}

// QueueUnbind implements amqptransport.Channel.
func (channel *Channel) QueueUnbind(name, key, exchange string, _ amqptransport.Table) error {
	return channel.unbind(name, false, key, exchange)
}

// QueuePurge implements amqptransport.Channel.
func (channel *Channel) QueuePurge(name string) (int, error) {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return 0, err
	}
	defer channel.unlock()

	declared, err := channel.lookupQueue(name)
	if err != nil {
		return 0, err
	}

	count := len(declared.messages)
	declared.messages = nil
	return count, nil
}

// Publish implements amqptransport.Channel. Publishing to a missing exchange closes
// the channel but, as with a real broker, is not reported by Publish itself. An
// unroutable mandatory publishing is sent back to the NotifyReturn receivers before
// its confirm.
func (channel *Channel) Publish(
	exchangeName, key string, mandatory bool, msg amqptransport.Publishing,
) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	broker := channel.broker
	target, ok := broker.exchanges[exchangeName]
	if !ok {
		_ = channel.fail(
			streadway.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", exchangeName,
		)
		return nil
	}
	if target.internal {
		_ = channel.fail(
			streadway.AccessRefused,
			"ACCESS_REFUSED - cannot publish to internal exchange '%v' in vhost '/'",
			exchangeName,
		)
		return nil
	}

	routed := broker.publish(exchangeName, key, msg)
	if mandatory && routed == 0 {
		returned := amqptransport.Return{
			ReplyCode:       streadway.NoRoute,
			ReplyText:       "NO_ROUTE",
			Exchange:        exchangeName,
			RoutingKey:      key,
			Headers:         msg.Headers,
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			DeliveryMode:    msg.DeliveryMode,
			Priority:        msg.Priority,
			CorrelationId:   msg.CorrelationId,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageId,
			Timestamp:       msg.Timestamp,
			Type:            msg.Type,
			UserId:          msg.UserId,
			AppId:           msg.AppId,
			Body:            append([]byte(nil), msg.Body...),
		}
		returns := append([]chan amqptransport.Return(nil), channel.returns...)
		channel.events.push(func() {
			for _, receiver := range returns {
				receiver <- returned
			}
		})
	}

	if channel.confirming {
		channel.publishSeq++
		confirmation := amqptransport.Confirmation{
			DeliveryTag: channel.publishSeq,
			Ack:         !broker.nackPublishes,
		}
		receivers := append([]chan amqptransport.Confirmation(nil), channel.receivers...)
		channel.events.push(func() {
			for _, receiver := range receivers {
				receiver <- confirmation
			}
		})
	}
	return nil
}

// Get implements amqptransport.Channel.
func (channel *Channel) Get(queueName string, autoAck bool) (amqptransport.Delivery, bool, error) {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return amqptransport.Delivery{}, false, err
	}
	defer channel.unlock()

	declared, err := channel.lookupQueue(queueName)
	if err != nil {
		return amqptransport.Delivery{}, false, err
	}
	if len(declared.messages) == 0 {
		return amqptransport.Delivery{}, false, nil
	}

	msg := declared.messages[0]
	declared.messages = declared.messages[1:]

	channel.deliveryTag++
	if !autoAck {
		channel.unacked[channel.deliveryTag] = unacked{queue: queueName, msg: msg}
	}

	return amqptransport.Delivery{
		Publishing:   msg.publishing,
		DeliveryTag:  channel.deliveryTag,
		Redelivered:  msg.redelivered,
		Exchange:     msg.exchange,
		RoutingKey:   msg.routingKey,
		MessageCount: uint32(len(declared.messages)),
	}, true, nil
}

// Consume implements amqptransport.Channel. An empty tag gets a generated one.
func (channel *Channel) Consume(
	queueName, consumerTag string,
	autoAck, exclusive bool,
	_ amqptransport.Table,
	handler amqptransport.ConsumerHandler,
) (string, error) {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return "", err
	}
	defer channel.unlock()

	declared, err := channel.lookupQueue(queueName)
	if err != nil {
		return "", err
	}

	if consumerTag == "" {
		consumerTag = generatedName("amq.ctag-")
	}
	if _, inUse := channel.consumers[consumerTag]; inUse {
		return "", channel.fail(
			streadway.NotAllowed,
			"NOT_ALLOWED - attempt to reuse consumer tag '%v'", consumerTag,
		)
	}

	for _, registered := range declared.consumers {
		if exclusive || registered.exclusive {
			return "", channel.fail(
				streadway.AccessRefused,
				"ACCESS_REFUSED - queue '%v' in vhost '/' in exclusive use", queueName,
			)
		}
	}

	registered := &consumer{
		tag:       consumerTag,
		queue:     queueName,
		channel:   channel,
		autoAck:   autoAck,
		exclusive: exclusive,
		handler:   handler,
		events:    newMailbox(),
	}
	channel.consumers[consumerTag] = registered
	declared.consumers = append(declared.consumers, registered)
	declared.everConsumed = true

	channel.broker.record("basic.consume", queueName)
	channel.broker.dispatch(declared)
	return consumerTag, nil
}

// Cancel implements amqptransport.Channel. Deliveries already sent to the consumer
// are still handed to its handler. Cancelling an unknown tag succeeds.
func (channel *Channel) Cancel(consumerTag string) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	if registered, ok := channel.consumers[consumerTag]; ok {
		channel.broker.cancelConsumer(registered, false)
	}
	return nil
}

// deliver sends a message to a consumer. The lock must be held.
func (channel *Channel) deliver(target *consumer, msg message) {
	channel.deliveryTag++
	if !target.autoAck {
		channel.unacked[channel.deliveryTag] = unacked{queue: target.queue, msg: msg}
	}

	delivery := amqptransport.Delivery{
		Publishing:  msg.publishing,
		ConsumerTag: target.tag,
		DeliveryTag: channel.deliveryTag,
		Redelivered: msg.redelivered,
		Exchange:    msg.exchange,
		RoutingKey:  msg.routingKey,
	}
	handler := target.handler
	target.events.push(func() { handler.HandleDelivery(delivery) })
}

func (channel *Channel) hasCapacity() bool {
	return channel.prefetch == 0 || len(channel.unacked) < channel.prefetch
}

// settle removes acknowledged tags, requeueing them if requeue is set. A single tag
// that was never delivered or already settled is a channel error. The lock must be
// held.
func (channel *Channel) settle(tag uint64, multiple, requeue bool) error {
	var tags []uint64
	if multiple {
		for pending := range channel.unacked {
			if tag == 0 || pending <= tag {
				tags = append(tags, pending)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else {
		if _, ok := channel.unacked[tag]; !ok {
			return channel.fail(
				streadway.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %v", tag,
			)
		}
		tags = []uint64{tag}
	}

	requeued := make(map[string][]message)
	var order []string
	for _, settled := range tags {
		pending := channel.unacked[settled]
		delete(channel.unacked, settled)
		if !requeue {
			continue
		}
		if _, seen := requeued[pending.queue]; !seen {
			order = append(order, pending.queue)
		}
		requeued[pending.queue] = append(requeued[pending.queue], pending.msg)
	}

	for _, queueName := range order {
		channel.broker.requeue(queueName, requeued[queueName])
	}
	channel.broker.dispatchAll()
	return nil
}

// Ack implements amqptransport.Channel.
func (channel *Channel) Ack(tag uint64, multiple bool) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	channel.broker.record("basic.ack", fmt.Sprint(tag))
	_ = channel.settle(tag, multiple, false)
	return nil
}

// Nack implements amqptransport.Channel.
func (channel *Channel) Nack(tag uint64, multiple, requeue bool) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	channel.broker.record("basic.nack", fmt.Sprint(tag))
	_ = channel.settle(tag, multiple, requeue)
	return nil
}

// Reject implements amqptransport.Channel.
func (channel *Channel) Reject(tag uint64, requeue bool) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	channel.broker.record("basic.reject", fmt.Sprint(tag))
	_ = channel.settle(tag, false, requeue)
	return nil
}

// Qos implements amqptransport.Channel.
func (channel *Channel) Qos(prefetchCount int) error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	channel.prefetch = prefetchCount
	channel.broker.record("basic.qos", fmt.Sprint(prefetchCount))
	channel.broker.dispatchAll()
	return nil
}

// Prefetch returns the prefetch count last set with Qos.
func (channel *Channel) Prefetch() int {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	return channel.prefetch
}

// Confirm implements amqptransport.Channel.
func (channel *Channel) Confirm() error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	channel.confirming = true
	channel.broker.record("confirm.select", "")
	return nil
}

// NotifyPublish implements amqptransport.Channel. The receiver is closed when the
// channel closes.
func (channel *Channel) NotifyPublish(
	receiver chan amqptransport.Confirmation,
) chan amqptransport.Confirmation {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()

	if channel.closed {
		close(receiver)
		return receiver
	}
	channel.receivers = append(channel.receivers, receiver)
	return receiver
}

// NotifyReturn implements amqptransport.Channel. The receiver is closed when the
// channel closes.
func (channel *Channel) NotifyReturn(
	receiver chan amqptransport.Return,
) chan amqptransport.Return {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()

	if channel.closed {
		close(receiver)
		return receiver
	}
	channel.returns = append(channel.returns, receiver)
	return receiver
}

// AddShutdownListener implements amqptransport.Channel. A listener added after the
// channel closed is called right away on its own goroutine.
func (channel *Channel) AddShutdownListener(listener amqptransport.ShutdownListener) {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()

	if channel.signal != nil {
		go listener(*channel.signal)
		return
	}
	channel.listeners = append(channel.listeners, listener)
}

// IsClosed implements amqptransport.Channel.
func (channel *Channel) IsClosed() bool {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	return channel.closed
}

// Close implements amqptransport.Channel.
func (channel *Channel) Close() error {
	if err := channel.lock(); err != nil {
		channel.unlock()
		return err
	}
	defer channel.unlock()

	channel.shutdown(amqptransport.ShutdownSignal{InitiatedByApplication: true})
	return nil
}

// shutdown closes the channel: its consumers go away without a cancel notification
// and its unacknowledged messages are requeued. Listeners run afterwards on the
// channel's event goroutine. The lock must be held.
func (channel *Channel) shutdown(signal amqptransport.ShutdownSignal) {
	if channel.closed {
		return
	}
	channel.closed = true
	channel.signal = &signal

	broker := channel.broker
	for _, registered := range channel.consumers {
		registered.events.discard()
		broker.removeConsumer(registered)
	}

	tags := make([]uint64, 0, len(channel.unacked))
	for tag := range channel.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	requeued := make(map[string][]message)
	for _, tag := range tags {
		pending := channel.unacked[tag]
		requeued[pending.queue] = append(requeued[pending.queue], pending.msg)
	}
	channel.unacked = make(map[uint64]unacked)
	for queueName, messages := range requeued {
		broker.requeue(queueName, messages)
	}

	delete(channel.conn.channels, channel.id)

	receivers := channel.receivers
	channel.receivers = nil
	returns := channel.returns
	channel.returns = nil
	listeners := channel.listeners
	channel.listeners = nil
	channel.events.push(func() {
		for _, receiver := range receivers {
			close(receiver)
		}
		for _, receiver := range returns {
			close(receiver)
		}
		for _, listener := range listeners {
			listener(signal)
		}
	})
	channel.events.close()

	broker.dispatchAll()
}
