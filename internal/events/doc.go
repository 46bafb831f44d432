// Package events publishes plugin host lifecycle and signature verification
// events to an in-process buffer, Redis pub/sub or a RabbitMQ exchange.
package events
