// Package bus defines the asynchronous point-to-point messaging primitive
// the orchestration engine builds on, plus an in-process implementation for
// tests and local runs and an MQTT implementation for real deployments.
//
// Delivery is at-least-once: consumers must tolerate duplicate delivery of
// the same correlation id.
package bus

import "context"

// InboundMessage is one message delivered to this agent.
type InboundMessage struct {
	Sender        string
	Payload       string
	CorrelationID string
	ThreadID      string
}

// OutboundMessage is one message to deliver to another address.
type OutboundMessage struct {
	Destination   string
	Payload       string
	CorrelationID string
	ThreadID      string
}

// Bus sends messages to addresses and exposes this agent's inbound stream.
type Bus interface {
	Send(ctx context.Context, msg OutboundMessage) error
	Receive() <-chan InboundMessage
	Close() error
}
