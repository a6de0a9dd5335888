// Package eventbridge publishes subscription lifecycle events onto an
// MQTT topic, giving ops dashboards a humanized side-channel onto
// publish engine health without speaking OPC UA.
package eventbridge

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// Config configures the MQTT connection used to publish lifecycle events.
type Config struct {
	BrokerURL      string
	ClientID       string
	Topic          string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// event is the JSON payload published for each lifecycle transition.
type event struct {
	Type           string `json:"type"`
	SubscriptionID uint32 `json:"subscription_id"`
	FromEngine     string `json:"from_engine,omitempty"`
	ToEngine       string `json:"to_engine,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// Publisher is a pubsub.LifecycleObserver that mirrors subscription
// lifecycle transitions onto an MQTT topic.
type Publisher struct {
	config Config
	client paho.Client
	logger zerolog.Logger

	connected atomic.Bool
}

// NewPublisher constructs a Publisher. It does not connect; call Connect.
func NewPublisher(config Config, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		config: config,
		logger: logger.With().Str("component", "eventbridge").Logger(),
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(p.onConnectionLost).
		SetOnConnectHandler(p.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	p.client = paho.NewClient(opts)
	return p
}

// Connect establishes the MQTT connection used for subsequent publishes.
func (p *Publisher) Connect() error {
	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("connecting to eventbridge broker")

	token := p.client.Connect()
	timeout := p.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("eventbridge connect timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("eventbridge connect failed: %w", token.Error())
	}
	return nil
}

// Disconnect cleanly tears down the MQTT connection.
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
	p.connected.Store(false)
}

// IsConnected reports the current broker connection state, used by the
// engine's health checker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load() && p.client.IsConnected()
}

func (p *Publisher) onConnect(paho.Client)            { p.connected.Store(true) }
func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("eventbridge connection lost")
}

func (p *Publisher) publish(e event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal lifecycle event")
		return
	}

	if !p.IsConnected() {
		return
	}

	token := p.client.Publish(p.config.Topic, p.config.QoS, false, payload)
	go func() {
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("event_type", e.Type).Msg("failed to publish lifecycle event")
		}
	}()
}

// OnSubscriptionCreated implements pubsub.LifecycleObserver.
func (p *Publisher) OnSubscriptionCreated(id domain.SubscriptionID) {
	p.publish(event{Type: "created", SubscriptionID: uint32(id)})
}

// OnSubscriptionClosed implements pubsub.LifecycleObserver.
func (p *Publisher) OnSubscriptionClosed(id domain.SubscriptionID) {
	p.publish(event{Type: "closed", SubscriptionID: uint32(id)})
}

// OnSubscriptionTransferred implements pubsub.LifecycleObserver.
func (p *Publisher) OnSubscriptionTransferred(id domain.SubscriptionID, fromEngine, toEngine string) {
	p.publish(event{Type: "transferred", SubscriptionID: uint32(id), FromEngine: fromEngine, ToEngine: toEngine})
}

// OnSubscriptionExpired implements pubsub.LifecycleObserver.
func (p *Publisher) OnSubscriptionExpired(id domain.SubscriptionID) {
	p.publish(event{Type: "expired", SubscriptionID: uint32(id)})
}
