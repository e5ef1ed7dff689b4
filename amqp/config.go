package amqp

import (
	"code.cloudfoundry.org/clock"
	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/peake100/rabbitSession-go/amqp/workpool"
	"github.com/peake100/rabbitSession-go/internal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"time"
)

// ExceptionHandler is informed of errors that cannot be returned to a caller: async
// consumer handler failures, per-channel recovery failures and aborted recoveries.
// It is called from library goroutines and must not block for long.
type ExceptionHandler func(err error)

// ConnectOptions configures a Session. Start from DefaultConnectOptions and override
// what you need, or load a file with LoadConnectOptions.
type ConnectOptions struct {
	// Host is the broker host name. May carry a port as "host:port". Ignored when
	// Hosts is set.
	Host string
	// Hosts is a list of broker addresses tried in order, on the initial connect and
	// on every recovery attempt.
	Hosts []string
	// Port is used for any host without an explicit port. 0 picks 5672, or 5671 when
	// TLS is on.
	Port int
	// VirtualHost defaults to "/".
	VirtualHost string
	Username    string
	Password    string

	// URI is an amqp:// or amqps:// URI. Its parts take precedence over Host, Port,
	// VirtualHost, Username and Password. Hosts, when set, replaces the URI host.
	URI string

	// Heartbeat is the requested heartbeat interval. Below one second the broker's
	// interval is used.
	Heartbeat time.Duration
	// ConnectionTimeout bounds the TCP connect and the AMQP handshake of a single dial.
	ConnectionTimeout time.Duration

	// TLS turns on TLS. Implied by an amqps:// URI.
	TLS bool
	// TLSProtocol is the minimum protocol version: "TLSv1.2" (default) or "TLSv1.3".
	TLSProtocol string
	// TLSCertificatePath points to a PKCS#12 client certificate.
	TLSCertificatePath string
	// TLSCertificatePassword unlocks the file at TLSCertificatePath.
	TLSCertificatePassword string

	// AutomaticRecovery controls connection recovery. nil means true.
	AutomaticRecovery *bool
	// NetworkRecoveryInterval is waited before each reconnect attempt.
	NetworkRecoveryInterval time.Duration

	// ExecutorFactory creates the private worker pool of async consumers that do not
	// bring their own. Takes precedence over ThreadPoolSize.
	ExecutorFactory workpool.Factory
	// ThreadPoolSize, when positive and ExecutorFactory is nil, gives each async
	// consumer a fixed pool of that many workers. Otherwise a single worker is used and
	// deliveries are handled in order.
	ThreadPoolSize int

	// ExceptionHandler receives errors that have no caller to be returned to.
	ExceptionHandler ExceptionHandler

	// Logger is used for internal logging. DefaultConnectOptions sets a console logger
	// at info level.
	Logger zerolog.Logger
	// MetricsRegisterer, if set, has the session collectors registered on it.
	MetricsRegisterer prometheus.Registerer

	// Dialer opens broker connections. Defaults to amqptransport.StreadwayDialer.
	Dialer amqptransport.Dialer
	// Clock drives recovery sleeps. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConnectOptions returns the options used by Connect for a local broker with
// the default guest account.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Host:                    defaultHost,
		VirtualHost:             defaultVirtualHost,
		Username:                defaultUsername,
		Password:                defaultPassword,
		Heartbeat:               defaultHeartbeat,
		ConnectionTimeout:       defaultConnectionTimeout,
		NetworkRecoveryInterval: defaultNetworkRecoveryInterval,
		Logger:                  internal.NewSessionLogger(zerolog.InfoLevel),
	}
}

// automaticRecovery resolves the nil default of AutomaticRecovery.
func (opts ConnectOptions) automaticRecovery() bool {
	if opts.AutomaticRecovery == nil {
		return true
	}
	return *opts.AutomaticRecovery
}

// executorFactory resolves the factory for private async consumer pools.
func (opts ConnectOptions) executorFactory() workpool.Factory {
	if opts.ExecutorFactory != nil {
		return opts.ExecutorFactory
	}
	if opts.ThreadPoolSize > 0 {
		// size is positive so no error is possible.
		factory, _ := workpool.FixedOfSizeFactory(opts.ThreadPoolSize)
		return factory
	}
	return workpool.SingleThreadedFactory
}

func (opts ConnectOptions) dialer() amqptransport.Dialer {
	if opts.Dialer != nil {
		return opts.Dialer
	}
	return amqptransport.StreadwayDialer{}
}

func (opts ConnectOptions) clock() clock.Clock {
	if opts.Clock != nil {
		return opts.Clock
	}
	return clock.NewClock()
}

// Boolean returns a pointer to value, for optional settings such as
// ConnectOptions.AutomaticRecovery.
func Boolean(value bool) *bool {
	return &value
}
