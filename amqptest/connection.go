package amqptest

import (
	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	streadway "github.com/streadway/amqp"
)

// Connection is a client connection to a Broker. It implements
// amqptransport.Connection.
type Connection struct {
	broker   *Broker
	endpoint amqptransport.Endpoint

	channels    map[uint16]*Channel
	nextChannel uint16

	closed           bool
	signal           *amqptransport.ShutdownSignal
	listeners        []amqptransport.ShutdownListener
	blockedReceivers []chan amqptransport.Blocking
	// events carries blocked notifications and shutdown listeners, in order.
	events *mailbox
}

func newConnection(broker *Broker, endpoint amqptransport.Endpoint) *Connection {
	return &Connection{
		broker:   broker,
		endpoint: endpoint,
		channels: make(map[uint16]*Channel),
		events:   newMailbox(),
	}
}

// Endpoint returns the endpoint the connection was dialed with.
func (conn *Connection) Endpoint() amqptransport.Endpoint {
	return conn.endpoint
}

// Channel implements amqptransport.Connection.
func (conn *Connection) Channel() (amqptransport.Channel, error) {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		return nil, streadway.ErrClosed
	}

	conn.nextChannel++
	channel := newChannel(conn, conn.nextChannel)
	conn.channels[channel.id] = channel
	conn.broker.record("channel.open", "")
	return channel, nil
}

// NotifyBlocked implements amqptransport.Connection. The receiver is closed when the
// connection closes.
func (conn *Connection) NotifyBlocked(
	receiver chan amqptransport.Blocking,
) chan amqptransport.Blocking {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		close(receiver)
		return receiver
	}
	conn.blockedReceivers = append(conn.blockedReceivers, receiver)
	return receiver
}

// notifyBlocked must be called with the broker lock held.
func (conn *Connection) notifyBlocked(notification amqptransport.Blocking) {
	receivers := append([]chan amqptransport.Blocking(nil), conn.blockedReceivers...)
	conn.events.push(func() {
		for _, receiver := range receivers {
			receiver <- notification
		}
	})
}

// AddShutdownListener implements amqptransport.Connection. A listener added after the
// connection closed is called right away on its own goroutine.
func (conn *Connection) AddShutdownListener(listener amqptransport.ShutdownListener) {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.signal != nil {
		go listener(*conn.signal)
		return
	}
	conn.listeners = append(conn.listeners, listener)
}

// IsClosed implements amqptransport.Connection.
func (conn *Connection) IsClosed() bool {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()
	return conn.closed
}

// Close implements amqptransport.Connection.
func (conn *Connection) Close() error {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		return streadway.ErrClosed
	}

	conn.shutdown(amqptransport.ShutdownSignal{InitiatedByApplication: true})
	return nil
}

// shutdown closes the connection and its channels, then deletes its exclusive
// queues. Listeners run afterwards on the connection's event goroutine. Must be
// called with the broker lock held.
func (conn *Connection) shutdown(signal amqptransport.ShutdownSignal) {
	if conn.closed {
		return
	}
	conn.closed = true
	conn.signal = &signal

	for _, channel := range conn.channels {
		channel.shutdown(signal)
	}

	broker := conn.broker
	for _, declared := range broker.queues {
		if declared.exclusive && declared.owner == conn {
			broker.deleteQueue(declared)
		}
	}
	delete(broker.connections, conn)

	listeners := conn.listeners
	conn.listeners = nil
	blockedReceivers := conn.blockedReceivers
	conn.blockedReceivers = nil
	conn.events.push(func() {
		for _, receiver := range blockedReceivers {
			close(receiver)
		}
		for _, listener := range listeners {
			listener(signal)
		}
	})
	conn.events.close()
}
