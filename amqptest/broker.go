// Package amqptest provides an in-memory AMQP broker implementing the amqptransport
// interfaces, so sessions can be tested without a RabbitMQ server. It routes through
// direct, fanout, topic and headers exchanges, tracks acknowledgements, and can drop
// connections or refuse dials on demand to exercise recovery.
package amqptest

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	streadway "github.com/streadway/amqp"
)

// Operation is a journaled broker method, for asserting the order in which a client
// replays its topology.
type Operation struct {
	// Method is the AMQP method name, for instance "queue.declare".
	Method string
	// Target names what the method acted on. Bindings are "destination<-source".
	Target string
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	internal   bool
	// predefined exchanges can be neither declared with other settings nor deleted.
	predefined bool
	bindings   []binding
	everBound  bool
}

type message struct {
	publishing  amqptransport.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	// owner is the connection an exclusive queue belongs to.
	owner *Connection

	messages     []message
	consumers    []*consumer
	next         int
	everConsumed bool
}

type consumer struct {
	tag       string
	queue     string
	channel   *Channel
	autoAck   bool
	exclusive bool
	handler   amqptransport.ConsumerHandler
	events    *mailbox
}

// Broker is an in-memory AMQP 0-9-1 broker. It implements amqptransport.Dialer, so
// sessions can be pointed at it through their Dialer option, and has methods to
// inspect its state and inject failures.
//
// It covers exchange routing (direct, fanout, topic and headers), exchange to
// exchange bindings, server-named and exclusive queues, consumers, acknowledgements,
// prefetch and publisher confirms. Server errors close the channel, as a real
// broker does.
type Broker struct {
	lock sync.Mutex

	exchanges   map[string]*exchange
	queues      map[string]*queue
	connections map[*Connection]struct{}

	refuseDials   bool
	dialErr       error
	nackPublishes bool
	blocked       bool
	dialed        []string
	journal       []Operation
}

// NewBroker returns an empty broker holding only the predefined exchanges.
func NewBroker() *Broker {
	broker := &Broker{
		exchanges:   make(map[string]*exchange),
		queues:      make(map[string]*queue),
		connections: make(map[*Connection]struct{}),
	}

	predefined := map[string]string{
		"":            "direct",
		"amq.direct":  "direct",
		"amq.fanout":  "fanout",
		"amq.topic":   "topic",
		"amq.headers": "headers",
		"amq.match":   "headers",
	}
	for name, kind := range predefined {
		broker.exchanges[name] = &exchange{
			name: name, kind: kind, durable: true, predefined: true,
		}
	}

	return broker
}

// Dial implements amqptransport.Dialer.
func (broker *Broker) Dial(
	ctx context.Context, endpoint amqptransport.Endpoint,
) (amqptransport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	broker.lock.Lock()
	defer broker.lock.Unlock()

	broker.dialed = append(broker.dialed, endpoint.URI)

	if broker.refuseDials {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
		}
	}
	if broker.dialErr != nil {
		return nil, broker.dialErr
	}

	conn := newConnection(broker, endpoint)
	broker.connections[conn] = struct{}{}
	return conn, nil
}

// SetRefuseDials makes dials fail as if nothing listened on the broker port.
func (broker *Broker) SetRefuseDials(refuse bool) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.refuseDials = refuse
}

// SetDialError makes dials fail with err. nil restores normal dialing.
func (broker *Broker) SetDialError(err error) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.dialErr = err
}

// SetNackPublishes makes publisher confirms nacks instead of acks.
func (broker *Broker) SetNackPublishes(nack bool) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.nackPublishes = nack
}

// DialedURIs returns the URIs of every dial attempt, successful or not, in order.
func (broker *Broker) DialedURIs() []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return append([]string(nil), broker.dialed...)
}

// DialCount returns the number of dial attempts.
func (broker *Broker) DialCount() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return len(broker.dialed)
}

// ConnectionCount returns the number of open connections.
func (broker *Broker) ConnectionCount() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return len(broker.connections)
}

// DropConnections force-closes every open connection the way a broker shutting down
// does, and returns how many were closed.
func (broker *Broker) DropConnections() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	signal := amqptransport.ShutdownSignal{
		Cause: &streadway.Error{
			Code:   streadway.ConnectionForced,
			Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
			Server: true,
		},
	}

	dropped := 0
	for conn := range broker.connections {
		conn.shutdown(signal)
		dropped++
	}
	return dropped
}

// CancelConsumers cancels every consumer of a queue from the broker side, as happens
// when a queue's node goes down. Returns how many consumers were cancelled.
func (broker *Broker) CancelConsumers(queueName string) int {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	declared, ok := broker.queues[queueName]
	if !ok {
		return 0
	}

	consumers := append([]*consumer(nil), declared.consumers...)
	for _, cancelled := range consumers {
		broker.cancelConsumer(cancelled, true)
	}
	return len(consumers)
}

// Publish routes a message as if it were published by a client.
func (broker *Broker) Publish(
	exchangeName, routingKey string, msg amqptransport.Publishing,
) error {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if _, ok := broker.exchanges[exchangeName]; !ok {
		return &streadway.Error{
			Code:   streadway.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%v' in vhost '/'", exchangeName),
			Server: true,
		}
	}

	broker.publish(exchangeName, routingKey, msg)
	return nil
}

// SetBlocked raises (blocked set) or clears a resource alarm, notifying every open
// connection with connection.blocked or connection.unblocked. Raising an alarm that
// is already raised, or clearing one that is not, notifies nobody.
func (broker *Broker) SetBlocked(blocked bool, reason string) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if broker.blocked == blocked {
		return
	}
	broker.blocked = blocked
	if !blocked {
		reason = ""
	}

	for conn := range broker.connections {
		conn.notifyBlocked(amqptransport.Blocking{Active: blocked, Reason: reason})
	}
}

// Journal returns the journaled operations since the broker was created or the
// journal last reset.
func (broker *Broker) Journal() []Operation {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return append([]Operation(nil), broker.journal...)
}

// ResetJournal clears the journal.
func (broker *Broker) ResetJournal() {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.journal = nil
}

// QueueNames returns the names of all queues, sorted.
func (broker *Broker) QueueNames() []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	names := make([]string, 0, len(broker.queues))
	for name := range broker.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasQueue reports whether a queue exists.
func (broker *Broker) HasQueue(name string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	_, ok := broker.queues[name]
	return ok
}

// HasExchange reports whether an exchange exists.
func (broker *Broker) HasExchange(name string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	_, ok := broker.exchanges[name]
	return ok
}

// MessageCount returns the number of ready messages in a queue.
func (broker *Broker) MessageCount(queueName string) int {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	if declared, ok := broker.queues[queueName]; ok {
		return len(declared.messages)
	}
	return 0
}

// ConsumerTags returns the tags of a queue's consumers.
func (broker *Broker) ConsumerTags(queueName string) []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	declared, ok := broker.queues[queueName]
	if !ok {
		return nil
	}

	tags := make([]string, 0, len(declared.consumers))
	for _, registered := range declared.consumers {
		tags = append(tags, registered.tag)
	}
	return tags
}

// IsBound reports whether destination is bound to the source exchange with key.
// destination is a queue unless toExchange is set.
func (broker *Broker) IsBound(destination, source, key string, toExchange bool) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	declared, ok := broker.exchanges[source]
	if !ok {
		return false
	}
	for _, bound := range declared.bindings {
		if bound.destination == destination && bound.key == key && bound.toExchange == toExchange {
			return true
		}
	}
	return false
}

// record journals an operation. Must be called with the lock held.
func (broker *Broker) record(method, target string) {
	broker.journal = append(broker.journal, Operation{Method: method, Target: target})
}

// publish enqueues a message on every queue it routes to and returns how many that
// was. Must be called with the lock held.
func (broker *Broker) publish(
	exchangeName, routingKey string, msg amqptransport.Publishing,
) int {
	msg.Body = append([]byte(nil), msg.Body...)

	routed := broker.route(exchangeName, routingKey, msg.Headers)
	for _, queueName := range routed {
		target := broker.queues[queueName]
		target.messages = append(target.messages, message{
			publishing: msg,
			exchange:   exchangeName,
			routingKey: routingKey,
		})
		broker.dispatch(target)
	}
	return len(routed)
}

// dispatch hands ready messages to consumers round-robin, skipping consumers whose
// channel reached its prefetch count. Must be called with the lock held.
func (broker *Broker) dispatch(target *queue) {
	for len(target.messages) > 0 && len(target.consumers) > 0 {
		next := target.pickConsumer()
		if next == nil {
			return
		}

		msg := target.messages[0]
		target.messages = target.messages[1:]
		next.channel.deliver(next, msg)
	}
}

func (broker *Broker) dispatchAll() {
	for _, target := range broker.queues {
		broker.dispatch(target)
	}
}

func (target *queue) pickConsumer() *consumer {
	for offset := 0; offset < len(target.consumers); offset++ {
		index := (target.next + offset) % len(target.consumers)
		candidate := target.consumers[index]
		if candidate.channel.hasCapacity() {
			target.next = index + 1
			return candidate
		}
	}
	return nil
}

// requeue puts messages back at the head of a queue, in the order given.
func (broker *Broker) requeue(queueName string, messages []message) {
	target, ok := broker.queues[queueName]
	if !ok || len(messages) == 0 {
		return
	}

	requeued := make([]message, 0, len(messages)+len(target.messages))
	for _, msg := range messages {
		msg.redelivered = true
		requeued = append(requeued, msg)
	}
	target.messages = append(requeued, target.messages...)
}

// removeConsumer detaches a consumer from its queue and channel, deleting the queue
// if it is auto-delete and this was its last consumer.
func (broker *Broker) removeConsumer(removed *consumer) {
	delete(removed.channel.consumers, removed.tag)

	target, ok := broker.queues[removed.queue]
	if !ok {
		return
	}

	for index, registered := range target.consumers {
		if registered == removed {
			target.consumers = append(target.consumers[:index], target.consumers[index+1:]...)
			break
		}
	}

	if target.autoDelete && target.everConsumed && len(target.consumers) == 0 {
		broker.deleteQueue(target)
	}
}

// cancelConsumer removes a consumer. notify sends it a broker cancel after any
// deliveries already queued for it.
func (broker *Broker) cancelConsumer(cancelled *consumer, notify bool) {
	if notify {
		handler := cancelled.handler
		tag := cancelled.tag
		cancelled.events.push(func() { handler.HandleCancel(tag) })
	}
	cancelled.events.close()
	broker.removeConsumer(cancelled)
}

// deleteQueue removes a queue with its bindings, cancelling its consumers.
func (broker *Broker) deleteQueue(target *queue) {
	delete(broker.queues, target.name)

	for _, source := range broker.exchanges {
		broker.removeBindings(source, func(bound binding) bool {
			return !bound.toExchange && bound.destination == target.name
		})
	}

	consumers := target.consumers
	target.consumers = nil
	for _, cancelled := range consumers {
		handler := cancelled.handler
		tag := cancelled.tag
		cancelled.events.push(func() { handler.HandleCancel(tag) })
		cancelled.events.close()
		delete(cancelled.channel.consumers, cancelled.tag)
	}
}

// deleteExchange removes an exchange and every binding it is part of.
func (broker *Broker) deleteExchange(target *exchange) {
	delete(broker.exchanges, target.name)

	for _, source := range broker.exchanges {
		broker.removeBindings(source, func(bound binding) bool {
			return bound.toExchange && bound.destination == target.name
		})
	}
}

// removeBindings drops the bindings of source matching remove, deleting source if it
// is auto-delete and lost its last binding.
func (broker *Broker) removeBindings(source *exchange, remove func(bound binding) bool) {
	kept := source.bindings[:0]
	for _, bound := range source.bindings {
		if !remove(bound) {
			kept = append(kept, bound)
		}
	}
	source.bindings = kept

	if source.autoDelete && source.everBound && len(source.bindings) == 0 {
		if _, ok := broker.exchanges[source.name]; ok {
			broker.deleteExchange(source)
		}
	}
}

func generatedName(prefix string) string {
	return prefix + uuid.NewString()
}
