package bus

import (
	"context"
	"fmt"
	"sync"
)

const defaultInboxSize = 64

// Network is an in-process fabric connecting endpoints by address. Each
// endpoint is a Bus; sending delivers straight into the destination's
// inbox. Tests use it to stand in peers, human operators and downstream
// agents without a broker.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	inboxSize int
}

// NewNetwork creates an empty in-process fabric.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint), inboxSize: defaultInboxSize}
}

// Endpoint returns the endpoint for addr, creating it on first use.
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[addr]; ok {
		return ep
	}
	ep := &Endpoint{
		network: n,
		addr:    addr,
		inbox:   make(chan InboundMessage, n.inboxSize),
	}
	n.endpoints[addr] = ep
	return ep
}

func (n *Network) lookup(addr string) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[addr]
	return ep, ok
}

// Endpoint is one address on an in-process Network.
type Endpoint struct {
	network *Network
	addr    string

	mu     sync.Mutex
	inbox  chan InboundMessage
	closed bool
}

// Address returns the endpoint's own address.
func (e *Endpoint) Address() string {
	return e.addr
}

// Send delivers msg into the destination endpoint's inbox. The sender
// address is stamped automatically. Unknown, closed or full destinations
// return an error rather than blocking.
func (e *Endpoint) Send(ctx context.Context, msg OutboundMessage) error {
	dest, ok := e.network.lookup(msg.Destination)
	if !ok {
		return fmt.Errorf("inproc bus: unknown destination %q", msg.Destination)
	}

	inbound := InboundMessage{
		Sender:        e.addr,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		ThreadID:      msg.ThreadID,
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	dest.mu.Lock()
	defer dest.mu.Unlock()
	if dest.closed {
		return fmt.Errorf("inproc bus: destination %q is closed", msg.Destination)
	}
	select {
	case dest.inbox <- inbound:
		return nil
	default:
		return fmt.Errorf("inproc bus: inbox full for %q", msg.Destination)
	}
}

// Receive returns the endpoint's inbound stream.
func (e *Endpoint) Receive() <-chan InboundMessage {
	return e.inbox
}

// Close stops delivery to this endpoint and closes its inbound stream.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.inbox)
	return nil
}
