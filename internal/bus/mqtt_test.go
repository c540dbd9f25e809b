package bus

import (
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

func TestInboundFromPublish_FullProperties(t *testing.T) {
	props := &paho.PublishProperties{CorrelationData: []byte("corr-9")}
	props.User.Add(userPropSender, "agent-b")
	props.User.Add(userPropThread, "t-7")

	msg := inboundFromPublish(&paho.Publish{
		Topic:      "parley/agent-a",
		Payload:    []byte("status report"),
		Properties: props,
	})

	if msg.Sender != "agent-b" {
		t.Errorf("Sender = %q, want agent-b", msg.Sender)
	}
	if msg.CorrelationID != "corr-9" {
		t.Errorf("CorrelationID = %q, want corr-9", msg.CorrelationID)
	}
	if msg.ThreadID != "t-7" {
		t.Errorf("ThreadID = %q, want t-7", msg.ThreadID)
	}
	if msg.Payload != "status report" {
		t.Errorf("Payload = %q, want status report", msg.Payload)
	}
}

func TestInboundFromPublish_BareMessageFallsBackToTopic(t *testing.T) {
	// A human replying from a plain MQTT client sets no user properties.
	msg := inboundFromPublish(&paho.Publish{
		Topic:   "parley/operator",
		Payload: []byte("yes, approved"),
	})

	if msg.Sender != "operator" {
		t.Errorf("Sender = %q, want topic suffix operator", msg.Sender)
	}
	if msg.CorrelationID != "" || msg.ThreadID != "" {
		t.Errorf("expected empty correlation/thread, got %+v", msg)
	}
}

func TestTopicFor(t *testing.T) {
	b := &MQTTBus{opts: MQTTOptions{TopicPrefix: "parley", Address: "agent-a"}}
	if got := b.topicFor("agent-b"); got != "parley/agent-b" {
		t.Errorf("topicFor() = %q, want parley/agent-b", got)
	}
}
