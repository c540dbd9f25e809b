package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/parleyhq/parley/internal/observability"
)

const (
	userPropSender = "sender"
	userPropThread = "thread_id"

	awaitConnectTimeout = 30 * time.Second
)

// MQTTOptions configures the MQTT bus.
type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string

	// Address is this agent's own address; the bus subscribes to the
	// corresponding topic for inbound messages.
	Address string

	Username  string
	Password  string
	KeepAlive uint16
	QoS       byte
}

// MQTTBus maps bus addresses onto MQTT v5 topics under a shared prefix.
// The correlation id rides in the CorrelationData property and the sender
// address and thread id in user properties, so every inbound publish
// reconstructs a full InboundMessage. autopaho reconnects and resubscribes
// on connection loss.
type MQTTBus struct {
	opts    MQTTOptions
	logger  *observability.Logger
	cm      *autopaho.ConnectionManager
	inbound chan InboundMessage
}

// NewMQTT connects to the broker and subscribes to the agent's own topic.
// The initial connection is awaited with a bounded timeout; on timeout the
// bus is returned anyway and autopaho keeps retrying in the background.
func NewMQTT(ctx context.Context, opts MQTTOptions, logger *observability.Logger) (*MQTTBus, error) {
	if opts.TopicPrefix == "" || opts.Address == "" {
		return nil, fmt.Errorf("mqtt bus: topic prefix and address are required")
	}
	brokerURL, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt bus: parse broker URL: %w", err)
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30
	}

	b := &MQTTBus{
		opts:    opts,
		logger:  logger.WithFields("component", "mqtt_bus"),
		inbound: make(chan InboundMessage, defaultInboxSize),
	}

	ownTopic := b.topicFor(opts.Address)
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     opts.KeepAlive,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		ConnectUsername:               opts.Username,
		ConnectPassword:               []byte(opts.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info(ctx, "connected to broker", "broker", opts.BrokerURL)
			// Subscriptions do not survive a clean session start, so
			// resubscribe on every connection.
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: ownTopic, QoS: opts.QoS},
				},
			}); err != nil {
				b.logger.Error(ctx, "subscribe failed", "topic", ownTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn(context.Background(), "connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.deliver(pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt bus: connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, awaitConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn(ctx, "initial connection timed out, retrying in background", "error", err)
	}

	return b, nil
}

// Send publishes msg to the destination's topic.
func (b *MQTTBus) Send(ctx context.Context, msg OutboundMessage) error {
	props := &paho.PublishProperties{}
	if msg.CorrelationID != "" {
		props.CorrelationData = []byte(msg.CorrelationID)
	}
	props.User.Add(userPropSender, b.opts.Address)
	if msg.ThreadID != "" {
		props.User.Add(userPropThread, msg.ThreadID)
	}

	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:      b.topicFor(msg.Destination),
		Payload:    []byte(msg.Payload),
		QoS:        b.opts.QoS,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("mqtt bus: publish to %q: %w", msg.Destination, err)
	}
	return nil
}

// Receive returns the inbound stream for this agent's address.
func (b *MQTTBus) Receive() <-chan InboundMessage {
	return b.inbound
}

// Close disconnects from the broker.
func (b *MQTTBus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.cm.Disconnect(ctx)
}

func (b *MQTTBus) deliver(pkt *paho.Publish) {
	msg := inboundFromPublish(pkt)
	select {
	case b.inbound <- msg:
	default:
		// A stalled consumer must not block the paho router; the broker
		// redelivers QoS 1 messages that matter.
		b.logger.Warn(context.Background(), "inbound queue full, dropping message",
			"sender", msg.Sender, "correlation_id", msg.CorrelationID)
	}
}

func (b *MQTTBus) topicFor(addr string) string {
	return b.opts.TopicPrefix + "/" + addr
}

// inboundFromPublish maps an MQTT publish onto the bus message shape. The
// sender user property takes precedence; without it the topic's last
// segment is used so plain publishes from brokers and humans still carry
// a usable sender address.
func inboundFromPublish(pkt *paho.Publish) InboundMessage {
	msg := InboundMessage{Payload: string(pkt.Payload)}
	if pkt.Properties != nil {
		if len(pkt.Properties.CorrelationData) > 0 {
			msg.CorrelationID = string(pkt.Properties.CorrelationData)
		}
		msg.Sender = pkt.Properties.User.Get(userPropSender)
		msg.ThreadID = pkt.Properties.User.Get(userPropThread)
	}
	if msg.Sender == "" {
		if idx := strings.LastIndex(pkt.Topic, "/"); idx >= 0 {
			msg.Sender = pkt.Topic[idx+1:]
		} else {
			msg.Sender = pkt.Topic
		}
	}
	return msg
}
