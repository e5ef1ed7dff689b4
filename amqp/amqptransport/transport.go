package amqptransport

import (
	"context"

	streadway "github.com/streadway/amqp"
)

// Table is the AMQP field table used for extension arguments and message headers.
type Table = streadway.Table

// Publishing holds the properties and body of a message to be published.
type Publishing = streadway.Publishing

// Confirmation is a publisher confirm sent by the broker for a single publishing.
type Confirmation = streadway.Confirmation

// Return is a mandatory publishing the broker could not route, sent back with the
// reason it was returned.
type Return = streadway.Return

// Blocking is a connection.blocked (Active set) or connection.unblocked notification.
type Blocking = streadway.Blocking

// Delivery is a message handed to the client by the broker, either through a
// consumer or a basic.get. Message properties and body are held in the embedded
// Publishing.
type Delivery struct {
	Publishing

	// ConsumerTag is empty for deliveries fetched with basic.get.
	ConsumerTag string
	// DeliveryTag is the broker tag, scoped to the channel that received the delivery.
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	// MessageCount is the number of messages left in the queue. Only set by basic.get.
	MessageCount uint32
}

// QueueState is the broker reply to a queue declaration.
type QueueState struct {
	Name      string
	Messages  int
	Consumers int
}

// ShutdownSignal describes why a connection or channel handle stopped.
type ShutdownSignal struct {
	// InitiatedByApplication is true when the handle was closed by calling Close.
	InitiatedByApplication bool
	// MissedHeartbeat is true when the peer stopped answering heartbeats.
	MissedHeartbeat bool
	// Cause is the error the handle was closed with. nil for application closes.
	Cause error
}

// ShutdownListener is invoked exactly once per handle it is registered on. Listeners
// run on a transport goroutine and may block.
type ShutdownListener func(signal ShutdownSignal)

// ConsumerHandler receives events for a single consumer. HandleDelivery calls for
// a given consumer are never made concurrently.
type ConsumerHandler interface {
	HandleDelivery(delivery Delivery)
	// HandleCancel is called when the broker cancels the consumer on its own
	// (queue deleted, node failure, ...).
	HandleCancel(consumerTag string)
}

// Endpoint holds everything needed to open a connection to one broker address.
type Endpoint struct {
	URI    string
	Config streadway.Config
}

// Dialer opens new connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Connection, error)
}

// Connection is a single live broker connection. Once closed it is never re-opened.
type Connection interface {
	Channel() (Channel, error)
	// NotifyBlocked registers receiver for resource alarm notifications. receiver is
	// closed when the connection closes.
	NotifyBlocked(receiver chan Blocking) chan Blocking
	AddShutdownListener(listener ShutdownListener)
	IsClosed() bool
	Close() error
}

// Channel is a single live channel on a Connection.
type Channel interface {
	ExchangeDeclare(
		name, kind string, durable, autoDelete, internal bool, args Table,
	) error
	ExchangeDeclarePassive(name string) error
	ExchangeDelete(name string, ifUnused bool) error
	ExchangeBind(destination, key, source string, args Table) error
	ExchangeUnbind(destination, key, source string, args Table) error

	QueueDeclare(
		name string, durable, exclusive, autoDelete bool, args Table,
	) (QueueState, error)
	QueueDeclarePassive(name string) (QueueState, error)
	QueueDelete(name string, ifUnused, ifEmpty bool) (int, error)
	QueueBind(name, key, exchange string, args Table) error
	QueueUnbind(name, key, exchange string, args Table) error
	QueuePurge(name string) (int, error)

	Publish(exchange, key string, mandatory bool, msg Publishing) error
	Get(queue string, autoAck bool) (Delivery, bool, error)
	// Consume starts a consumer and returns its tag. An empty consumerTag asks for a
	// generated one.
	Consume(
		queue, consumerTag string,
		autoAck, exclusive bool,
		args Table,
		handler ConsumerHandler,
	) (string, error)
	Cancel(consumerTag string) error

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
	Qos(prefetchCount int) error

	Confirm() error
	NotifyPublish(receiver chan Confirmation) chan Confirmation
	// NotifyReturn registers receiver for unroutable mandatory publishings. receiver
	// is closed when the channel closes.
	NotifyReturn(receiver chan Return) chan Return

	AddShutdownListener(listener ShutdownListener)
	IsClosed() bool
	Close() error
}
