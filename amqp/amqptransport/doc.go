/*
Package amqptransport defines the narrow façade the amqp package drives a broker
through, and a streadway/amqp backed implementation of it.

The façade is deliberately small: only methods listed on Connection and Channel are
reachable from the session layer. Errors returned through the façade are the
transport's own; translation into the amqp package error taxonomy happens at the
amqp package boundary.
*/
package amqptransport
