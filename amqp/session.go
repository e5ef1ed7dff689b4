package amqp

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/peake100/rabbitSession-go/amqp/workpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ShutdownHook is called every time the session's connection goes down, whether the
// application closed it, the broker closed it or the network failed. Hooks survive
// recovery: they are called again for the next connection.
type ShutdownHook func(session *Session, signal ShutdownSignal)

// BlockedHandler is called when the broker blocks the connection because of a
// resource alarm. Publishes are held by the broker until it unblocks.
type BlockedHandler func(session *Session, reason string)

// UnblockedHandler is called when the broker lifts a connection block.
type UnblockedHandler func(session *Session)

// Session is a broker connection that recovers from network failures. Channels created
// through a Session are recovered with it, along with the exchanges, queues, bindings
// and consumers declared on them.
//
// All methods are safe for concurrent use.
type Session struct {
	// ctx is cancelled by Close. It stops recovery sleeps and redials.
	ctx        context.Context
	cancelFunc context.CancelFunc

	opts            ConnectOptions
	endpoints       []amqptransport.Endpoint
	dialer          amqptransport.Dialer
	clock           clock.Clock
	executorFactory workpool.Factory
	metrics         *sessionMetrics
	logger          zerolog.Logger

	// connLock guards conn. Recovery holds it for write only to swap the handle.
	connLock *sync.RWMutex
	conn     amqptransport.Connection

	// channels maps uint16 channel numbers to *Channel.
	channels *sync.Map
	// numberLock serializes channel number allocation.
	numberLock *sync.Mutex

	hooksLock             *sync.Mutex
	shutdownHooks         []ShutdownHook
	blockedHandlers       []BlockedHandler
	unblockedHandlers     []UnblockedHandler
	recoverySubscriptions []chan uint64

	blocked *atomic.Bool

	recovering *atomic.Bool
	recoveries *atomic.Uint64
	closed     *atomic.Bool
}

// Connect opens a Session with opts. The initial connection is not retried: if no
// configured host can be reached the error is returned right away.
func Connect(opts ConnectOptions) (*Session, error) {
	return ConnectCtx(context.Background(), opts)
}

// ConnectCtx is Connect with a context bounding the initial dial. ctx has no effect
// on the session once it is returned.
func ConnectCtx(ctx context.Context, opts ConnectOptions) (*Session, error) {
	endpoints, err := opts.endpoints()
	if err != nil {
		return nil, err
	}

	metrics, err := newSessionMetrics(opts.MetricsRegisterer)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancelFunc := context.WithCancel(context.Background())

	session := &Session{
		ctx:             sessionCtx,
		cancelFunc:      cancelFunc,
		opts:            opts,
		endpoints:       endpoints,
		dialer:          opts.dialer(),
		clock:           opts.clock(),
		executorFactory: opts.executorFactory(),
		metrics:         metrics,
		logger:          opts.Logger.With().Str("AMQP_COMPONENT", "SESSION").Logger(),
		connLock:        new(sync.RWMutex),
		channels:        new(sync.Map),
		numberLock:      new(sync.Mutex),
		hooksLock:       new(sync.Mutex),
		blocked:         atomic.NewBool(false),
		recovering:      atomic.NewBool(false),
		recoveries:      atomic.NewUint64(0),
		closed:          atomic.NewBool(false),
	}

	conn, err := session.dial(ctx)
	if err != nil {
		cancelFunc()
		return nil, err
	}

	session.conn = conn
	session.attach(conn)

	if session.logger.Info().Enabled() {
		session.logger.Info().Msg("AMQP BROKER CONNECTED")
	}

	return session, nil
}

// dial tries every endpoint once, in order. Returns the error of the last endpoint
// tried, or the first non-transient error.
func (session *Session) dial(ctx context.Context) (amqptransport.Connection, error) {
	var err error

	for _, endpoint := range session.endpoints {
		var conn amqptransport.Connection
		conn, err = session.dialer.Dial(ctx, endpoint)
		if err == nil {
			return conn, nil
		}

		err = translateDialErr(err)
		if session.logger.Debug().Enabled() {
			session.logger.Debug().
				Err(err).
				Str("ENDPOINT", redactURI(endpoint.URI)).
				Msg("error dialing broker")
		}

		if !isTransientDialErr(err) {
			return nil, err
		}
	}

	return nil, err
}

func redactURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<unparsable uri>"
	}
	return parsed.Redacted()
}

// attach registers recovery and block handling on a new connection.
func (session *Session) attach(conn amqptransport.Connection) {
	conn.AddShutdownListener(session.handleShutdown)

	notifications := conn.NotifyBlocked(make(chan amqptransport.Blocking, 4))
	go func() {
		for notification := range notifications {
			session.handleBlocking(notification)
		}
	}()
}

func (session *Session) handleBlocking(notification amqptransport.Blocking) {
	session.blocked.Store(notification.Active)

	session.hooksLock.Lock()
	blockedHandlers := make([]BlockedHandler, len(session.blockedHandlers))
	copy(blockedHandlers, session.blockedHandlers)
	unblockedHandlers := make([]UnblockedHandler, len(session.unblockedHandlers))
	copy(unblockedHandlers, session.unblockedHandlers)
	session.hooksLock.Unlock()

	if !notification.Active {
		if session.logger.Info().Enabled() {
			session.logger.Info().Msg("connection unblocked")
		}
		for _, handler := range unblockedHandlers {
			handler(session)
		}
		return
	}

	session.logger.Warn().Str("REASON", notification.Reason).Msg("connection blocked")
	for _, handler := range blockedHandlers {
		handler(session, notification.Reason)
	}
}

// OnBlocked registers handler to be called when the broker blocks the connection.
// It stays registered across recoveries.
func (session *Session) OnBlocked(handler BlockedHandler) {
	session.hooksLock.Lock()
	defer session.hooksLock.Unlock()

	session.blockedHandlers = append(session.blockedHandlers, handler)
}

// OnUnblocked registers handler to be called when the broker unblocks the
// connection. It stays registered across recoveries.
func (session *Session) OnUnblocked(handler UnblockedHandler) {
	session.hooksLock.Lock()
	defer session.hooksLock.Unlock()

	session.unblockedHandlers = append(session.unblockedHandlers, handler)
}

// IsBlocked returns true while the broker blocks the connection. A recovered
// connection starts unblocked.
func (session *Session) IsBlocked() bool {
	return session.blocked.Load()
}

// handleShutdown is registered on every connection the session opens.
func (session *Session) handleShutdown(signal ShutdownSignal) {
	if session.logger.Info().Enabled() {
		session.logger.Info().
			Err(signal.Cause).
			Bool("BY_APPLICATION", signal.InitiatedByApplication).
			Bool("MISSED_HEARTBEAT", signal.MissedHeartbeat).
			Msg("AMQP BROKER DISCONNECTED")
	}

	for _, hook := range session.hooksSnapshot() {
		hook(session, signal)
	}

	if session.closed.Load() || !session.opts.automaticRecovery() {
		return
	}
	if signal.InitiatedByApplication && !signal.MissedHeartbeat {
		return
	}

	session.recover()
}

func (session *Session) hooksSnapshot() []ShutdownHook {
	session.hooksLock.Lock()
	defer session.hooksLock.Unlock()

	hooks := make([]ShutdownHook, len(session.shutdownHooks))
	copy(hooks, session.shutdownHooks)
	return hooks
}

// OnShutdown registers hook to be called whenever the connection goes down.
func (session *Session) OnShutdown(hook ShutdownHook) {
	session.hooksLock.Lock()
	defer session.hooksLock.Unlock()

	session.shutdownHooks = append(session.shutdownHooks, hook)
}

// NotifyRecovery sends the new recovery count to receiver every time a recovery
// completes. Sends do not block, so receiver should be buffered.
func (session *Session) NotifyRecovery(receiver chan uint64) chan uint64 {
	session.hooksLock.Lock()
	defer session.hooksLock.Unlock()

	session.recoverySubscriptions = append(session.recoverySubscriptions, receiver)
	return receiver
}

func (session *Session) sendRecoveryNotifications(count uint64) {
	session.hooksLock.Lock()
	defer session.hooksLock.Unlock()

	for _, receiver := range session.recoverySubscriptions {
		select {
		case receiver <- count:
		default:
			session.logger.Warn().Msg("recovery notification dropped, receiver full")
		}
	}
}

// IsOpen returns true while the session has a live connection. It is false during the
// recovery window and after Close.
func (session *Session) IsOpen() bool {
	if session.closed.Load() || session.recovering.Load() {
		return false
	}

	session.connLock.RLock()
	defer session.connLock.RUnlock()
	return session.conn != nil && !session.conn.IsClosed()
}

// RecoveryCount returns the number of completed connection recoveries.
func (session *Session) RecoveryCount() uint64 {
	return session.recoveries.Load()
}

// CreateChannel opens a channel on the lowest free channel number.
func (session *Session) CreateChannel() (*Channel, error) {
	return session.createChannel(0)
}

// CreateChannelNumber opens a channel registered under number. Returns
// ErrChannelNumberInUse if a live channel already has it. Channel numbers order
// recovery: lower numbers are recovered first.
func (session *Session) CreateChannelNumber(number uint16) (*Channel, error) {
	if number == 0 {
		return nil, errors.Wrap(ErrInvalidOptions, "channel number 0 is reserved")
	}
	return session.createChannel(number)
}

func (session *Session) createChannel(number uint16) (*Channel, error) {
	if session.closed.Load() {
		return nil, ErrSessionClosed
	}

	session.numberLock.Lock()
	defer session.numberLock.Unlock()

	if number == 0 {
		var err error
		number, err = session.nextChannelNumber()
		if err != nil {
			return nil, err
		}
	} else if _, taken := session.channels.Load(number); taken {
		return nil, errors.Wrapf(ErrChannelNumberInUse, "channel %v", number)
	}

	session.connLock.RLock()
	transport, err := session.conn.Channel()
	session.connLock.RUnlock()
	if err != nil {
		return nil, translateErr(err)
	}

	channel := newChannel(session, number, transport)
	session.channels.Store(number, channel)

	if session.logger.Debug().Enabled() {
		session.logger.Debug().Uint16("CHANNEL", number).Msg("channel opened")
	}

	return channel, nil
}

// nextChannelNumber must be called with numberLock held.
func (session *Session) nextChannelNumber() (uint16, error) {
	for number := 1; number <= maxChannelNumber; number++ {
		if _, taken := session.channels.Load(uint16(number)); !taken {
			return uint16(number), nil
		}
	}
	return 0, errors.Wrap(ErrChannelNumberInUse, "no free channel numbers")
}

func (session *Session) unregisterChannel(channel *Channel) {
	session.channels.Delete(channel.number)
}

// Channels returns the live channels ordered by channel number.
func (session *Session) Channels() []*Channel {
	var channels []*Channel
	session.channels.Range(func(_, value interface{}) bool {
		channels = append(channels, value.(*Channel))
		return true
	})

	sort.Slice(channels, func(i, j int) bool {
		return channels[i].number < channels[j].number
	})
	return channels
}

// Close closes every channel, then the connection, and stops any recovery in
// progress. Returns ErrSessionClosed if the session was already closed.
func (session *Session) Close() error {
	if !session.closed.CompareAndSwap(false, true) {
		return ErrSessionClosed
	}
	session.cancelFunc()

	var err error
	for _, channel := range session.Channels() {
		closeErr := channel.Close()
		if closeErr != nil && !errors.Is(closeErr, ErrChannelAlreadyClosed) {
			err = multierr.Append(
				err, errors.WithMessagef(closeErr, "close channel %v", channel.number),
			)
		}
	}

	session.connLock.Lock()
	defer session.connLock.Unlock()

	if !session.conn.IsClosed() {
		if closeErr := session.conn.Close(); closeErr != nil {
			closeErr = translateErr(closeErr)
			if !errors.Is(closeErr, ErrChannelAlreadyClosed) {
				err = multierr.Append(err, errors.WithMessage(closeErr, "close connection"))
			}
		}
	}

	return err
}

func (session *Session) reportException(err error) {
	if session.opts.ExceptionHandler != nil {
		session.opts.ExceptionHandler(err)
	}
}
