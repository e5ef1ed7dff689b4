package amqp

import (
	"context"
	"time"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// recover runs connection recovery unless one is already running. If the connection
// it recovered to is lost before the running recovery finished, it goes again.
func (session *Session) recover() {
	for {
		if !session.recovering.CompareAndSwap(false, true) {
			return
		}

		conn := session.runRecovery()
		session.recovering.Store(false)

		// The new connection's shutdown listener may have fired while we still held
		// the recovering flag, in which case nobody else will pick it up.
		if conn == nil || !conn.IsClosed() || session.ctx.Err() != nil {
			return
		}

		if session.logger.Warn().Enabled() {
			session.logger.Warn().Msg("connection lost during recovery, recovering again")
		}
	}
}

// runRecovery rebuilds the connection and every channel on it. Returns the new
// connection, or nil if recovery was aborted.
func (session *Session) runRecovery() amqptransport.Connection {
	started := session.clock.Now()
	logger := session.logger.With().
		Uint64("RECONNECT_COUNT", session.recoveries.Load()+1).
		Logger()

	if logger.Info().Enabled() {
		logger.Info().
			Dur("RECOVERY_INTERVAL", session.opts.NetworkRecoveryInterval).
			Msg("starting connection recovery")
	}

	conn, err := session.redial(logger)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("connection recovery aborted")
			session.reportException(errors.WithMessage(err, "connection recovery aborted"))
		}
		return nil
	}

	// Re-arm recovery and user hooks for the next failure.
	session.blocked.Store(false)
	session.attach(conn)

	for _, channel := range session.Channels() {
		if err := channel.recover(conn); err != nil {
			session.metrics.ChannelRecoveryFailures.Inc()
			logger.Error().
				Err(err).
				Uint16("CHANNEL", channel.number).
				Msg("channel recovery failed")
			session.reportException(
				errors.WithMessagef(err, "recover channel %v", channel.number),
			)
		}
	}

	count := session.recoveries.Inc()

	session.connLock.Lock()
	if session.ctx.Err() != nil {
		session.connLock.Unlock()
		_ = conn.Close()
		return nil
	}
	session.conn = conn
	session.connLock.Unlock()

	session.metrics.observeRecovery(started, session.clock.Now())
	if logger.Info().Enabled() {
		logger.Info().Msg("AMQP BROKER RECONNECTED")
	}
	session.sendRecoveryNotifications(count)

	return conn
}

// redial sleeps the recovery interval then tries every endpoint, forever, until one
// answers or a non-transient error comes back.
func (session *Session) redial(logger zerolog.Logger) (amqptransport.Connection, error) {
	for attempt := 1; ; attempt++ {
		if err := session.sleep(session.opts.NetworkRecoveryInterval); err != nil {
			return nil, err
		}

		if logger.Debug().Enabled() {
			logger.Debug().Int("ATTEMPT", attempt).Msg("attempting connection")
		}

		conn, err := session.dial(session.ctx)
		if err == nil {
			return conn, nil
		}
		if session.ctx.Err() != nil {
			return nil, session.ctx.Err()
		}
		if !isTransientDialErr(err) {
			return nil, err
		}

		logger.Warn().Err(err).Int("ATTEMPT", attempt).Msg("reconnect error")
	}
}

// sleep waits for interval on the session clock. Returns the context error if the
// session is closed first.
func (session *Session) sleep(interval time.Duration) error {
	timer := session.clock.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-session.ctx.Done():
		return session.ctx.Err()
	}
}
