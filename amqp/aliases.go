package amqp

import "github.com/peake100/rabbitSession-go/amqp/amqptransport"

// Table stores user supplied fields for extension arguments and message headers. See
// the streadway amqp.Table documentation for the value types it accepts. RabbitMQ
// expects int32 for integer values.
type Table = amqptransport.Table

// Publishing captures the client message sent to the server.
type Publishing = amqptransport.Publishing

// Confirmation is a publisher confirm for a single publishing.
type Confirmation = amqptransport.Confirmation

// Return is a mandatory publishing the broker could not route.
type Return = amqptransport.Return

// ShutdownSignal describes why a connection or channel went down.
type ShutdownSignal = amqptransport.ShutdownSignal
