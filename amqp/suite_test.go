package amqp

import (
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/peake100/rabbitSession-go/amqptest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/suite"
)

const (
	testRecoveryInterval = 5 * time.Second
	testWait             = 5 * time.Second
)

// SessionSuiteBase can be embedded into other suites to get a session on an in-memory
// broker, a channel on it and helpers to force and await recoveries. Every test gets
// a fresh broker and session.
type SessionSuiteBase struct {
	suite.Suite

	broker   *amqptest.Broker
	clock    *fakeclock.FakeClock
	registry *prometheus.Registry

	session *Session
	channel *Channel

	// exceptions receives whatever reaches the ExceptionHandler.
	exceptions chan error
	recoveries chan uint64
}

// options returns the connect options the suite dials with. Suites can override
// them in SetupTest through configure.
func (suite *SessionSuiteBase) options() ConnectOptions {
	opts := DefaultConnectOptions()
	opts.Logger = log.Logger
	opts.Dialer = suite.broker
	opts.Clock = suite.clock
	opts.NetworkRecoveryInterval = testRecoveryInterval
	opts.MetricsRegisterer = suite.registry
	opts.ExceptionHandler = func(err error) {
		select {
		case suite.exceptions <- err:
		default:
		}
	}
	return opts
}

func (suite *SessionSuiteBase) SetupTest() {
	suite.connect(nil)
}

// connect replaces the suite's session with one dialed with configure applied to the
// suite options.
func (suite *SessionSuiteBase) connect(configure func(opts *ConnectOptions)) {
	if suite.session != nil {
		_ = suite.session.Close()
	}

	suite.broker = amqptest.NewBroker()
	suite.clock = fakeclock.NewFakeClock(time.Now())
	suite.registry = prometheus.NewRegistry()
	suite.exceptions = make(chan error, 16)

	opts := suite.options()
	if configure != nil {
		configure(&opts)
	}

	session, err := Connect(opts)
	suite.Require().NoError(err, "connect session")
	suite.session = session
	suite.recoveries = session.NotifyRecovery(make(chan uint64, 16))

	channel, err := session.CreateChannel()
	suite.Require().NoError(err, "create channel")
	suite.channel = channel
}

func (suite *SessionSuiteBase) TearDownTest() {
	if suite.session != nil {
		_ = suite.session.Close()
		suite.session = nil
	}
}

// dropAndRecover drops every broker connection and lets the recovery sleep elapse.
// Returns once the session reports the recovery.
func (suite *SessionSuiteBase) dropAndRecover() uint64 {
	suite.broker.DropConnections()
	suite.advanceRecovery()
	return suite.awaitRecovery()
}

// advanceRecovery waits for the recovery sleep to start and then elapses it.
func (suite *SessionSuiteBase) advanceRecovery() {
	suite.clock.WaitForWatcherAndIncrement(testRecoveryInterval)
}

func (suite *SessionSuiteBase) awaitRecovery() uint64 {
	select {
	case count := <-suite.recoveries:
		return count
	case <-time.After(testWait):
		suite.FailNow("session did not recover")
		return 0
	}
}

func (suite *SessionSuiteBase) awaitException() error {
	select {
	case err := <-suite.exceptions:
		return err
	case <-time.After(testWait):
		suite.FailNow("no exception reported")
		return nil
	}
}

// createQueue declares a non-durable queue on the suite channel.
func (suite *SessionSuiteBase) createQueue(name string) *Queue {
	queue, err := suite.channel.Queue(name, QueueOptions{})
	suite.Require().NoError(err, "declare queue %q", name)
	return queue
}

// publishTo publishes bodies to a queue in order.
func (suite *SessionSuiteBase) publishTo(queue *Queue, bodies ...string) {
	for _, body := range bodies {
		suite.Require().NoError(queue.Publish([]byte(body), PublishOptions{}), "publish %q", body)
	}
}

func (suite *SessionSuiteBase) eventually(condition func() bool, msg string) {
	suite.Eventually(condition, testWait, 5*time.Millisecond, msg)
}
