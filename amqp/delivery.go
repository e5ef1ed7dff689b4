package amqp

import "github.com/peake100/rabbitSession-go/amqp/amqptransport"

// DeliveryTag is a broker delivery tag versioned with the epoch of the transport
// channel it was issued on. Broker tags restart at 1 on every recovered transport
// channel, so a tag is only meaningful together with its epoch.
type DeliveryTag struct {
	Value uint64
	Epoch uint64
}

// Delivery is a message received by a consumer or fetched with Get.
//
// The embedded broker DeliveryTag is only valid for the epoch the delivery arrived in.
// Acknowledge through the Delivery methods, or pass Tag() to the Channel methods, so a
// delivery received before a recovery is refused with ErrStaleDeliveryTag instead of
// acknowledging an unrelated message.
type Delivery struct {
	amqptransport.Delivery

	// Epoch is the channel epoch the delivery arrived in.
	Epoch uint64

	channel *Channel
}

func newDelivery(raw amqptransport.Delivery, channel *Channel, epoch uint64) Delivery {
	return Delivery{Delivery: raw, Epoch: epoch, channel: channel}
}

// Tag returns the versioned delivery tag.
func (delivery Delivery) Tag() DeliveryTag {
	return DeliveryTag{Value: delivery.DeliveryTag, Epoch: delivery.Epoch}
}

// Channel returns the channel the delivery arrived on.
func (delivery Delivery) Channel() *Channel {
	return delivery.channel
}

// Ack acknowledges the delivery, and every earlier one on the channel if multiple is
// set.
func (delivery Delivery) Ack(multiple bool) error {
	return delivery.channel.BasicAck(delivery.Tag(), multiple)
}

// Nack negatively acknowledges the delivery.
func (delivery Delivery) Nack(multiple, requeue bool) error {
	return delivery.channel.BasicNack(delivery.Tag(), multiple, requeue)
}

// Reject rejects the delivery.
func (delivery Delivery) Reject(requeue bool) error {
	return delivery.channel.BasicReject(delivery.Tag(), requeue)
}

// IsPersistent returns true if the message was published persistent.
func (delivery Delivery) IsPersistent() bool {
	return delivery.DeliveryMode == Persistent
}

// IsRedelivered returns true if the broker delivered the message before.
func (delivery Delivery) IsRedelivered() bool {
	return delivery.Redelivered
}
