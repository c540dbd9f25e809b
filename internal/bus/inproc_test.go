package bus

import (
	"context"
	"strings"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan InboundMessage) InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return InboundMessage{}
	}
}

func TestInproc_SendReceive(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")

	err := alice.Send(context.Background(), OutboundMessage{
		Destination:   "bob",
		Payload:       "hello",
		CorrelationID: "corr-1",
		ThreadID:      "t-1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg := recvOne(t, bob.Receive())
	if msg.Sender != "alice" {
		t.Errorf("Sender = %q, want alice", msg.Sender)
	}
	if msg.Payload != "hello" || msg.CorrelationID != "corr-1" || msg.ThreadID != "t-1" {
		t.Errorf("message fields lost in transit: %+v", msg)
	}
}

func TestInproc_UnknownDestination(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")

	err := alice.Send(context.Background(), OutboundMessage{Destination: "nobody", Payload: "x"})
	if err == nil || !strings.Contains(err.Error(), "unknown destination") {
		t.Fatalf("Send() error = %v, want unknown destination", err)
	}
}

func TestInproc_EndpointIsStablePerAddress(t *testing.T) {
	network := NewNetwork()
	a := network.Endpoint("agent")
	b := network.Endpoint("agent")
	if a != b {
		t.Error("Endpoint() should return the same endpoint for one address")
	}
}

func TestInproc_DuplicateDelivery(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")

	// At-least-once transports may deliver the same correlated message twice.
	for i := 0; i < 2; i++ {
		if err := alice.Send(context.Background(), OutboundMessage{
			Destination:   "bob",
			Payload:       "answer",
			CorrelationID: "corr-dup",
		}); err != nil {
			t.Fatalf("Send() #%d error = %v", i+1, err)
		}
	}

	first := recvOne(t, bob.Receive())
	second := recvOne(t, bob.Receive())
	if first.CorrelationID != second.CorrelationID {
		t.Errorf("duplicates should share a correlation id: %q vs %q", first.CorrelationID, second.CorrelationID)
	}
}

func TestInproc_FullInboxDrops(t *testing.T) {
	network := NewNetwork()
	network.inboxSize = 1
	alice := network.Endpoint("alice")
	network.Endpoint("bob")

	if err := alice.Send(context.Background(), OutboundMessage{Destination: "bob", Payload: "1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	err := alice.Send(context.Background(), OutboundMessage{Destination: "bob", Payload: "2"})
	if err == nil || !strings.Contains(err.Error(), "full") {
		t.Fatalf("Send() to full inbox error = %v, want inbox full", err)
	}
}

func TestInproc_ClosedEndpoint(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")

	if err := bob.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bob.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	err := alice.Send(context.Background(), OutboundMessage{Destination: "bob", Payload: "late"})
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("Send() to closed endpoint error = %v, want closed", err)
	}

	if _, open := <-bob.Receive(); open {
		t.Error("Receive() channel should be closed")
	}
}
