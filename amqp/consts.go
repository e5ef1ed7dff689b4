package amqp

import "time"

// Connection defaults. Heartbeat and locale are copied from streadway amqp.
const (
	defaultHost                    = "localhost"
	defaultPort                    = 5672
	defaultTLSPort                 = 5671
	defaultVirtualHost             = "/"
	defaultUsername                = "guest"
	defaultPassword                = "guest"
	defaultHeartbeat               = 10 * time.Second
	defaultLocale                  = "en_US"
	defaultConnectionTimeout       = 30 * time.Second
	defaultNetworkRecoveryInterval = 5 * time.Second
)

// Channel numbers are 16 bit, 0 is reserved for the connection.
const maxChannelNumber = 65535

// asyncShutdownTimeout is how long a cancelled async consumer waits for in-flight
// deliveries before forcing its pool down.
const asyncShutdownTimeout = time.Second

// Exchange kinds.
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// Delivery modes for PublishOptions.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)
