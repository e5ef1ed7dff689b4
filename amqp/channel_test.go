package amqp

import (
	"testing"
	"time"

	"github.com/peake100/rabbitSession-go/amqptest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type ChannelSuite struct {
	SessionSuiteBase
}

func (suite *ChannelSuite) TestQueueDeclare() {
	queue, err := suite.channel.Queue("orders", QueueOptions{Durable: true})
	suite.Require().NoError(err)

	suite.Equal("orders", queue.Name())
	suite.False(queue.IsServerNamed())
	suite.Equal(suite.channel, queue.Channel())
	suite.True(suite.broker.HasQueue("orders"))

	again, err := suite.channel.Queue("orders", QueueOptions{Durable: true})
	suite.Require().NoError(err)
	suite.Same(queue, again, "redeclaring returns the registered queue")
}

func (suite *ChannelSuite) TestQueueDeclare_ServerNamed() {
	queue, err := suite.channel.Queue("", QueueOptions{Exclusive: true})
	suite.Require().NoError(err)

	suite.True(queue.IsServerNamed())
	suite.Contains(queue.Name(), "amq.gen-")

	registered, ok := suite.channel.lookupQueue(queue.Name())
	suite.True(ok, "registered under its generated name")
	suite.Same(queue, registered)
}

func (suite *ChannelSuite) TestQueueDeclare_PreconditionFailed() {
	_, err := suite.channel.Queue("durable", QueueOptions{Durable: true})
	suite.Require().NoError(err)

	_, err = suite.channel.Queue("durable", QueueOptions{Durable: false})
	suite.ErrorIs(err, ErrPreconditionFailed)

	var amqpErr *Error
	suite.Require().True(errors.As(err, &amqpErr), "taxonomy error")
	suite.Equal(406, amqpErr.Code)
	suite.True(amqpErr.Server, "server reply")

	suite.eventually(func() bool { return !suite.channel.IsOpen() }, "channel closed")

	_, err = suite.channel.Queue("other", QueueOptions{})
	suite.ErrorIs(err, ErrChannelAlreadyClosed, "dead channel until recovery")
}

func (suite *ChannelSuite) TestQueueDeclare_PassiveMissing() {
	_, err := suite.channel.Queue("missing", QueueOptions{Passive: true})
	suite.ErrorIs(err, ErrNotFound)

	_, err = suite.channel.Queue("", QueueOptions{Passive: true})
	suite.ErrorIs(err, ErrInvalidOptions, "passive declare needs a name")
}

func (suite *ChannelSuite) TestExchangeDeclare() {
	exchange, err := suite.channel.Topic("events", ExchangeOptions{Durable: true})
	suite.Require().NoError(err)
	suite.Equal("events", exchange.Name())
	suite.Equal(ExchangeTopic, exchange.Kind())
	suite.False(exchange.IsPredefined())
	suite.True(suite.broker.HasExchange("events"))

	again, err := suite.channel.Topic("events", ExchangeOptions{Durable: true})
	suite.Require().NoError(err)
	suite.Same(exchange, again)

	_, err = suite.channel.Fanout("events", ExchangeOptions{Durable: true})
	suite.ErrorIs(err, ErrPreconditionFailed, "kind mismatch")
}

func (suite *ChannelSuite) TestExchangeDeclare_KindRequired() {
	_, err := suite.channel.Exchange("no-kind", ExchangeOptions{})
	suite.ErrorIs(err, ErrInvalidOptions)
	suite.False(suite.broker.HasExchange("no-kind"), "nothing sent to the broker")
}

func (suite *ChannelSuite) TestPredefinedExchanges() {
	direct, err := suite.channel.Exchange("amq.direct", ExchangeOptions{})
	suite.Require().NoError(err)
	suite.True(direct.IsPredefined())
	suite.True(suite.channel.DefaultExchange().IsPredefined())

	suite.NoError(direct.Delete(DeleteOptions{}), "deleting is a no-op")
	suite.True(suite.broker.HasExchange("amq.direct"))

	_, registered := suite.channel.lookupExchange("amq.direct")
	suite.False(registered, "predefined exchanges are never declared on recovery")

	again, err := suite.channel.Exchange("amq.direct", ExchangeOptions{})
	suite.Require().NoError(err)
	suite.Same(direct, again, "bindings through either value are kept together")
}

func (suite *ChannelSuite) TestRoutingThroughExchanges() {
	exchange, err := suite.channel.Direct("orders", ExchangeOptions{})
	suite.Require().NoError(err)

	queue := suite.createQueue("created-orders")
	suite.Require().NoError(queue.Bind("orders", BindOptions{RoutingKey: "created"}))
	suite.True(suite.broker.IsBound("created-orders", "orders", "created", false))

	suite.NoError(exchange.Publish([]byte("one"), PublishOptions{RoutingKey: "created"}))
	suite.NoError(exchange.Publish([]byte("two"), PublishOptions{RoutingKey: "shipped"}))

	count, err := queue.MessageCount()
	suite.NoError(err)
	suite.Equal(1, count)

	suite.Require().NoError(queue.Unbind("orders", BindOptions{RoutingKey: "created"}))
	suite.Empty(queue.bindings.snapshot(), "unbind forgets the binding")
	suite.False(suite.broker.IsBound("created-orders", "orders", "created", false))
}

func (suite *ChannelSuite) TestExchangeToExchangeBinding() {
	upstream, err := suite.channel.Fanout("upstream", ExchangeOptions{})
	suite.Require().NoError(err)
	downstream, err := suite.channel.Topic("downstream", ExchangeOptions{})
	suite.Require().NoError(err)

	suite.Require().NoError(downstream.Bind("upstream", BindOptions{}))
	queue := suite.createQueue("eu")
	suite.Require().NoError(queue.Bind("downstream", BindOptions{RoutingKey: "#.eu"}))

	suite.NoError(upstream.Publish(nil, PublishOptions{RoutingKey: "user.eu"}))
	suite.Equal(1, suite.broker.MessageCount("eu"))

	suite.Require().NoError(upstream.Delete(DeleteOptions{}))
	suite.Empty(downstream.bindings.snapshot(), "bindings to a deleted exchange are forgotten")
	_, registered := suite.channel.lookupExchange("upstream")
	suite.False(registered)
}

func (suite *ChannelSuite) TestQueueDelete() {
	queue := suite.createQueue("doomed")
	suite.publishTo(queue, "a", "b")

	deleted, err := queue.Delete(DeleteOptions{})
	suite.NoError(err)
	suite.Equal(2, deleted)
	suite.False(suite.broker.HasQueue("doomed"))

	_, registered := suite.channel.lookupQueue("doomed")
	suite.False(registered, "deleted queues are not replayed")
}

func (suite *ChannelSuite) TestQueuePurgeAndStatus() {
	queue := suite.createQueue("purged")
	suite.publishTo(queue, "a", "b", "c")

	status, err := queue.Status()
	suite.NoError(err)
	suite.Equal(QueueStatus{Messages: 3}, status)

	purged, err := queue.Purge()
	suite.NoError(err)
	suite.Equal(3, purged)

	consumers, err := queue.ConsumerCount()
	suite.NoError(err)
	suite.Equal(0, consumers)
}

func (suite *ChannelSuite) TestGetAndAcknowledge() {
	queue := suite.createQueue("fetched")
	suite.Require().NoError(queue.Publish([]byte("persistent"), PublishOptions{Persistent: true}))
	suite.publishTo(queue, "transient")

	first, ok, err := queue.Get(false)
	suite.Require().NoError(err)
	suite.Require().True(ok)
	suite.Equal(DeliveryTag{Value: 1, Epoch: 0}, first.Tag())
	suite.True(first.IsPersistent())
	suite.False(first.IsRedelivered())
	suite.Equal(suite.channel, first.Channel())
	suite.NoError(first.Nack(false, true), "requeue")

	again, ok, err := queue.Get(false)
	suite.Require().NoError(err)
	suite.Require().True(ok)
	suite.Equal([]byte("persistent"), again.Body)
	suite.True(again.IsRedelivered())
	suite.NoError(again.Ack(false))

	second, ok, err := queue.Get(false)
	suite.Require().NoError(err)
	suite.Require().True(ok)
	suite.False(second.IsPersistent())
	suite.NoError(second.Reject(false))

	_, ok, err = queue.Get(false)
	suite.NoError(err)
	suite.False(ok, "queue empty")
}

func (suite *ChannelSuite) TestAcknowledge_UnknownTag() {
	err := suite.channel.BasicAck(DeliveryTag{Value: 5}, false)
	suite.ErrorIs(err, ErrUnknownDeliveryTag)
	suite.True(suite.channel.IsOpen(), "refused locally, channel untouched")
}

func (suite *ChannelSuite) TestPrefetch() {
	suite.Equal(0, suite.channel.Prefetch())
	suite.ErrorIs(suite.channel.SetPrefetch(-1), ErrInvalidOptions)

	suite.Require().NoError(suite.channel.SetPrefetch(10))
	suite.Equal(10, suite.channel.Prefetch())
	suite.Equal(10, suite.channel.transport.(*amqptest.Channel).Prefetch())
}

func (suite *ChannelSuite) TestConfirms() {
	ok, err := suite.channel.WaitForConfirms(0)
	suite.ErrorIs(err, ErrNotInConfirmMode)
	suite.False(ok)

	suite.Require().NoError(suite.channel.ConfirmSelect())
	suite.Require().NoError(suite.channel.ConfirmSelect(), "idempotent")

	queue := suite.createQueue("confirmed")
	suite.publishTo(queue, "a", "b", "c")

	ok, err = suite.channel.WaitForConfirms(0)
	suite.NoError(err)
	suite.True(ok, "all acked")

	suite.broker.SetNackPublishes(true)
	suite.publishTo(queue, "d")

	ok, err = queue.Channel().WaitForConfirms(0)
	suite.NoError(err)
	suite.False(ok, "nacked")

	suite.broker.SetNackPublishes(false)
	suite.publishTo(queue, "e")
	ok, err = suite.channel.WaitForConfirms(0)
	suite.NoError(err)
	suite.True(ok, "nack does not outlive the wait that reported it")
}

func (suite *ChannelSuite) TestConfirms_Timeout() {
	tracker := newConfirmTracker()
	tracker.enable()
	tracker.recordPublish()

	result := make(chan error, 1)
	go func() {
		_, err := tracker.wait(suite.clock, testRecoveryInterval)
		result <- err
	}()

	suite.clock.WaitForWatcherAndIncrement(testRecoveryInterval)
	suite.ErrorIs(<-result, ErrConfirmTimeout)
}

func (suite *ChannelSuite) TestConfirms_AbandonedOnChannelLoss() {
	tracker := newConfirmTracker()
	tracker.enable()
	tracker.recordPublish()
	tracker.recordPublish()
	tracker.confirm(0, true)

	tracker.abandon()
	tracker.confirm(0, true)

	ok, err := tracker.wait(suite.clock, 0)
	suite.NoError(err)
	suite.False(ok, "lost publish counts as nacked")
}

func (suite *ChannelSuite) TestCreateChannelNumber() {
	_, err := suite.session.CreateChannelNumber(suite.channel.Number())
	suite.ErrorIs(err, ErrChannelNumberInUse)

	_, err = suite.session.CreateChannelNumber(0)
	suite.ErrorIs(err, ErrInvalidOptions)

	ten, err := suite.session.CreateChannelNumber(10)
	suite.Require().NoError(err)
	next, err := suite.session.CreateChannel()
	suite.Require().NoError(err)

	suite.Equal(uint16(1), suite.channel.Number())
	suite.Equal(uint16(2), next.Number(), "lowest free number")
	suite.Equal([]*Channel{suite.channel, next, ten}, suite.session.Channels())
	suite.Equal(suite.session, ten.Session())
}

func (suite *ChannelSuite) TestChannelClose() {
	queue := suite.createQueue("closing")

	suite.NoError(suite.channel.Close())
	suite.False(suite.channel.IsOpen())
	suite.ErrorIs(suite.channel.Close(), ErrChannelAlreadyClosed)

	err := queue.Publish(nil, PublishOptions{})
	suite.ErrorIs(err, ErrChannelAlreadyClosed)
	suite.Empty(suite.session.Channels(), "closed channels leave the session")

	reopened, err := suite.session.CreateChannel()
	suite.Require().NoError(err)
	suite.Equal(uint16(1), reopened.Number(), "number is free again")
}

func (suite *ChannelSuite) TestSessionClose() {
	suite.NoError(suite.session.Close())
	suite.False(suite.session.IsOpen())
	suite.False(suite.channel.IsOpen())
	suite.ErrorIs(suite.session.Close(), ErrSessionClosed)

	_, err := suite.session.CreateChannel()
	suite.ErrorIs(err, ErrSessionClosed)
	suite.Equal(0, suite.broker.ConnectionCount())
}

func (suite *ChannelSuite) TestOnReturn() {
	returns := make(chan Return, 2)
	suite.channel.OnReturn(func(channel *Channel, returned Return) {
		suite.Same(suite.channel, channel)
		returns <- returned
	})

	orders, err := suite.channel.Direct("orders", ExchangeOptions{})
	suite.Require().NoError(err)

	suite.Require().NoError(orders.Publish(
		[]byte("lost"), PublishOptions{RoutingKey: "nowhere", Mandatory: true},
	))
	select {
	case returned := <-returns:
		suite.EqualValues(312, returned.ReplyCode, "NO_ROUTE")
		suite.Equal("orders", returned.Exchange)
		suite.Equal("nowhere", returned.RoutingKey)
		suite.Equal([]byte("lost"), returned.Body)
	case <-time.After(testWait):
		suite.FailNow("publishing not returned")
	}

	queue := suite.createQueue("placed")
	suite.Require().NoError(queue.Bind("orders", BindOptions{RoutingKey: "placed"}))
	suite.Require().NoError(orders.Publish(
		[]byte("routed"), PublishOptions{RoutingKey: "placed", Mandatory: true},
	))
	suite.Require().NoError(orders.Publish(
		[]byte("dropped"), PublishOptions{RoutingKey: "nowhere"},
	))
	suite.Never(
		func() bool { return len(returns) > 0 },
		50*time.Millisecond,
		5*time.Millisecond,
		"only unroutable mandatory publishings are returned",
	)
}

func (suite *ChannelSuite) TestSessionBlocked() {
	reasons := make(chan string, 1)
	unblocked := make(chan struct{}, 1)
	suite.session.OnBlocked(func(_ *Session, reason string) {
		reasons <- reason
	})
	suite.session.OnUnblocked(func(*Session) {
		unblocked <- struct{}{}
	})
	suite.False(suite.session.IsBlocked())

	suite.broker.SetBlocked(true, "low on memory")
	select {
	case reason := <-reasons:
		suite.Equal("low on memory", reason)
	case <-time.After(testWait):
		suite.FailNow("blocked handler not called")
	}
	suite.True(suite.session.IsBlocked())

	suite.broker.SetBlocked(false, "")
	select {
	case <-unblocked:
	case <-time.After(testWait):
		suite.FailNow("unblocked handler not called")
	}
	suite.False(suite.session.IsBlocked())
}

func TestChannel(t *testing.T) {
	suite.Run(t, new(ChannelSuite))
}
