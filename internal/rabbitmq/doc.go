// Package rabbitmq carries chat envelopes through RabbitMQ.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reconnects in the background
//   - Declarator: declares the chat exchange, queue and binding
//   - Producer: publishes persistent envelopes with publisher confirms over pooled channels
//   - Consumer: drives the manual ack/nack loop that feeds storage
package rabbitmq
