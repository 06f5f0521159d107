// Package pubsub provides implementations of snapshot publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sundial-energy/go-sunwatch/internal/config"
	"github.com/sundial-energy/go-sunwatch/internal/decode"
	"github.com/sundial-energy/go-sunwatch/internal/homeassistant"
	"github.com/sundial-energy/go-sunwatch/internal/register"
)

// Publisher receives decoded snapshots for downstream consumers.
type Publisher interface {
	Connect(ctx context.Context) error
	// Announce registers a device: Home Assistant discovery messages plus
	// the online availability payload. Idempotent per device.
	Announce(ctx context.Context, deviceID, model string, m *register.Map) error
	PublishSnapshot(ctx context.Context, deviceID string, snap *decode.Snapshot) error
	Close() error
}

// NoopPublisher is a no-operation implementation of the Publisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Announce is a no-op for the NoopPublisher.
func (p *NoopPublisher) Announce(_ context.Context, _, _ string, _ *register.Map) error {
	return nil
}

// PublishSnapshot is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishSnapshot(_ context.Context, _ string, _ *decode.Snapshot) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the Publisher interface for MQTT. Each snapshot
// goes out twice: as one JSON document on topic/<device>, and as plain
// per-sensor values on topic/<device>/<name>, the topics Home Assistant
// discovery points at.
type MQTTPublisher struct {
	config    *config.Config
	client    mqtt.Client
	connected bool
	logger    zerolog.Logger
	discovery map[string]*homeassistant.AutoDiscovery
	announced map[string]bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:    cfg,
		logger:    log.With().Str("component", "mqtt").Logger(),
		discovery: make(map[string]*homeassistant.AutoDiscovery),
		announced: make(map[string]bool),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom
// client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.client = client
	return p
}

// createMQTTClient builds the default paho client for the configuration.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-sunwatch-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10*time.Second).
		SetWriteTimeout(5*time.Second).
		SetKeepAlive(30*time.Second).
		SetCleanSession(false).
		SetWill(fmt.Sprintf("%s/availability", cfg.MQTT.Topic), "offline", 0, true)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = createMQTTClient(p.config)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.connected = true
	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")

	// Service-level availability; the will flips it back to offline.
	return p.publishRaw(ctx, fmt.Sprintf("%s/availability", p.config.MQTT.Topic), []byte("online"), true)
}

// Announce publishes discovery and availability for one device.
func (p *MQTTPublisher) Announce(ctx context.Context, deviceID, model string, m *register.Map) error {
	if !p.config.MQTT.Enabled || !p.connected {
		return nil
	}
	if p.announced[deviceID] {
		return nil
	}

	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	ad := homeassistant.New(homeassistant.Config{
		DiscoveryPrefix:    ha.DiscoveryPrefix,
		DeviceManufacturer: ha.DeviceManufacturer,
		RetainDiscovery:    ha.RetainDiscovery,
	}, p.config.MQTT.Topic, deviceID)
	p.discovery[deviceID] = ad

	if ha.Enabled {
		for topic, message := range ad.Messages(m, model) {
			payload, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal discovery message: %w", err)
			}
			if err := p.publishRaw(ctx, topic, payload, ha.RetainDiscovery); err != nil {
				return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
			}
		}
		p.logger.Info().
			Str("device", deviceID).
			Str("model", model).
			Msg("Published Home Assistant discovery")
	}

	if err := p.publishRaw(ctx, ad.AvailabilityTopic(), []byte("online"), true); err != nil {
		return fmt.Errorf("failed to publish availability message: %w", err)
	}

	p.announced[deviceID] = true
	return nil
}

// PublishSnapshot sends one decoded snapshot.
func (p *MQTTPublisher) PublishSnapshot(ctx context.Context, deviceID string, snap *decode.Snapshot) error {
	if !p.config.MQTT.Enabled || !p.connected {
		return nil
	}

	ad, ok := p.discovery[deviceID]
	if !ok {
		ad = homeassistant.New(homeassistant.Config{}, p.config.MQTT.Topic, deviceID)
		p.discovery[deviceID] = ad
	}

	// Full snapshot as one JSON document
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", p.config.MQTT.Topic, deviceID)
	if err := p.publishRaw(ctx, topic, payload, p.config.MQTT.Retain); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	// Per-sensor state topics
	for _, v := range snap.Values() {
		if err := p.publishRaw(ctx, ad.StateTopic(v.Name), []byte(statePayload(v)), p.config.MQTT.Retain); err != nil {
			return fmt.Errorf("failed to publish %s: %w", v.Name, err)
		}
	}

	p.logger.Debug().
		Str("device", deviceID).
		Int("values", snap.Len()).
		Msg("Snapshot published")
	return nil
}

// statePayload renders one value for its state topic: the enum label when
// there is one, the scaled number otherwise. The digit count comes from the
// register's scale, so a 0.1-scaled voltage reads "230.1" rather than the
// raw binary-float expansion.
func statePayload(v decode.Value) string {
	if v.Label != "" {
		return v.Label
	}
	return strconv.FormatFloat(v.Value, 'f', v.Decimals, 64)
}

// publishRaw sends one payload and waits for the broker ack or a timeout.
func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, payload []byte, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}
	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.connected = false
	}
	return nil
}
