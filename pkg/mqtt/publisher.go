package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/logger"
)

// Config holds MQTT publisher configuration
type Config struct {
	Enabled     bool
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	Retained    bool
}

// Publisher handles MQTT event publishing
type Publisher struct {
	config Config
	log    *logger.Logger
}

// Event types for MQTT publishing

// RecoveryEvent represents one IsochTxRecoveryController-granted IT engine
// restart, published per spec §7 ("every restart logs its consumed reason
// mask and a sequence id").
type RecoveryEvent struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	ReasonMask uint32    `json:"reason_mask"`
	Fatal      bool      `json:"fatal"`
	Timestamp  time.Time `json:"timestamp"`
}

// UnderrunEvent represents a TX underrun or RX discontinuity rollup.
type UnderrunEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "tx_underrun" | "rx_discontinuity" | "cursor_reset"
	Count     uint64    `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ClockEstablishedEvent represents an external-sync clockEstablished
// transition (spec §3).
type ClockEstablishedEvent struct {
	SessionID   string    `json:"session_id"`
	Established bool      `json:"established"`
	Timestamp   time.Time `json:"timestamp"`
}

// New creates a new MQTT publisher
func New(config Config, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}

	return &Publisher{
		config: config,
		log:    log.WithComponent("mqtt"),
	}
}

// Start starts the MQTT publisher
func (p *Publisher) Start(ctx context.Context) error {
	if !p.config.Enabled {
		p.log.Info("MQTT publisher disabled")
		return nil
	}

	p.log.Info("Starting MQTT publisher",
		logger.String("broker", p.config.Broker),
		logger.String("client_id", p.config.ClientID))

	// TODO: Implement the 3.1.1 CONNECT/CONNACK handshake once a broker is
	// wired up for integration tests. For now this is a no-op stub that
	// allows the daemon to start with mqtt.enabled=true.
	p.log.Warn("MQTT connection not yet implemented - events will not be published")

	return nil
}

// Stop stops the MQTT publisher
func (p *Publisher) Stop() {
	if !p.config.Enabled {
		return
	}

	p.log.Info("Stopping MQTT publisher")
	// TODO: Send DISCONNECT and close the socket once Start dials out.
}

// PublishRecovery publishes an IT engine recovery restart event.
func (p *Publisher) PublishRecovery(event RecoveryEvent) error {
	if !p.config.Enabled {
		return nil
	}

	topic := p.formatTopic(fmt.Sprintf("%s/recovery", event.SessionID))
	return p.publish(topic, event)
}

// PublishUnderrun publishes a TX underrun / RX discontinuity rollup event.
func (p *Publisher) PublishUnderrun(event UnderrunEvent) error {
	if !p.config.Enabled {
		return nil
	}

	topic := p.formatTopic(fmt.Sprintf("%s/underrun", event.SessionID))
	return p.publish(topic, event)
}

// PublishClockEstablished publishes an external-sync clockEstablished
// transition.
func (p *Publisher) PublishClockEstablished(event ClockEstablishedEvent) error {
	if !p.config.Enabled {
		return nil
	}

	topic := p.formatTopic(fmt.Sprintf("%s/clock", event.SessionID))
	return p.publish(topic, event)
}

// publish publishes an event to a topic
func (p *Publisher) publish(topic string, event interface{}) error {
	payload, err := p.serializeEvent(event)
	if err != nil {
		p.log.Error("Failed to serialize event",
			logger.String("topic", topic),
			logger.Error(err))
		return err
	}

	// TODO: Implement actual MQTT PUBLISH once Start dials a broker.
	p.log.Debug("Would publish MQTT event",
		logger.String("topic", topic),
		logger.Int("payload_size", len(payload)))

	return nil
}

// serializeEvent serializes an event to JSON
func (p *Publisher) serializeEvent(event interface{}) ([]byte, error) {
	return json.Marshal(event)
}

// formatTopic formats a topic with the configured prefix
func (p *Publisher) formatTopic(suffix string) string {
	prefix := strings.TrimSuffix(p.config.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return fmt.Sprintf("%s/%s", prefix, suffix)
}
