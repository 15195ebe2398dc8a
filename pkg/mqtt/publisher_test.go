package mqtt

import (
	"context"
	"testing"
	"time"
)

// TestNewPublisher tests creating a new MQTT publisher
func TestNewPublisher(t *testing.T) {
	config := Config{
		Enabled:     true,
		Broker:      "tcp://localhost:1883",
		TopicPrefix: "fwaudio/test",
		ClientID:    "test-client",
		QoS:         1,
		Retained:    false,
	}

	pub := New(config, nil)
	if pub == nil {
		t.Fatal("Expected non-nil publisher")
	}

	if pub.config.Broker != config.Broker {
		t.Errorf("Expected broker %s, got %s", config.Broker, pub.config.Broker)
	}
}

// TestPublisher_StartWhenDisabled tests starting the publisher (when disabled)
func TestPublisher_StartWhenDisabled(t *testing.T) {
	config := Config{
		Enabled: false,
	}

	pub := New(config, nil)
	ctx := context.Background()

	err := pub.Start(ctx)
	if err != nil {
		t.Errorf("Expected no error when disabled, got %v", err)
	}
}

// TestPublisher_Stop tests stopping the publisher
func TestPublisher_Stop(t *testing.T) {
	config := Config{
		Enabled: false,
	}

	pub := New(config, nil)

	// Should not panic when stopping without starting
	pub.Stop()
}

// TestPublisher_PublishRecovery tests publishing recovery events
func TestPublisher_PublishRecovery(t *testing.T) {
	config := Config{
		Enabled:     false,
		TopicPrefix: "fwaudio/test",
	}

	pub := New(config, nil)

	event := RecoveryEvent{
		SessionID:  "11111111-1111-1111-1111-111111111111",
		Sequence:   1,
		ReasonMask: 0x2,
		Timestamp:  time.Now(),
	}

	err := pub.PublishRecovery(event)
	if err != nil {
		t.Errorf("Expected no error when disabled, got %v", err)
	}
}

// TestPublisher_PublishUnderrun tests publishing underrun events
func TestPublisher_PublishUnderrun(t *testing.T) {
	config := Config{
		Enabled:     false,
		TopicPrefix: "fwaudio/test",
	}

	pub := New(config, nil)

	event := UnderrunEvent{
		SessionID: "11111111-1111-1111-1111-111111111111",
		Kind:      "tx_underrun",
		Count:     3,
		Timestamp: time.Now(),
	}

	err := pub.PublishUnderrun(event)
	if err != nil {
		t.Errorf("Expected no error when disabled, got %v", err)
	}
}

// TestPublisher_PublishClockEstablished tests publishing clock transitions
func TestPublisher_PublishClockEstablished(t *testing.T) {
	config := Config{
		Enabled:     false,
		TopicPrefix: "fwaudio/test",
	}

	pub := New(config, nil)

	event := ClockEstablishedEvent{
		SessionID:   "11111111-1111-1111-1111-111111111111",
		Established: true,
		Timestamp:   time.Now(),
	}

	err := pub.PublishClockEstablished(event)
	if err != nil {
		t.Errorf("Expected no error when disabled, got %v", err)
	}
}

// TestTopicFormat tests topic formatting
func TestTopicFormat(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		suffix   string
		expected string
	}{
		{
			name:     "simple topic",
			prefix:   "fwaudio/core",
			suffix:   "sess-1/recovery",
			expected: "fwaudio/core/sess-1/recovery",
		},
		{
			name:     "trailing slash in prefix",
			prefix:   "fwaudio/core/",
			suffix:   "sess-1/recovery",
			expected: "fwaudio/core/sess-1/recovery",
		},
		{
			name:     "empty prefix",
			prefix:   "",
			suffix:   "sess-1/recovery",
			expected: "sess-1/recovery",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Config{
				TopicPrefix: tt.prefix,
			}
			pub := New(config, nil)
			topic := pub.formatTopic(tt.suffix)
			if topic != tt.expected {
				t.Errorf("Expected topic %s, got %s", tt.expected, topic)
			}
		})
	}
}

// TestEventSerialization tests that events can be serialized to JSON
func TestEventSerialization(t *testing.T) {
	tests := []struct {
		name  string
		event interface{}
	}{
		{
			name: "RecoveryEvent",
			event: RecoveryEvent{
				SessionID:  "11111111-1111-1111-1111-111111111111",
				Sequence:   1,
				ReasonMask: 0x2,
				Timestamp:  time.Now(),
			},
		},
		{
			name: "UnderrunEvent",
			event: UnderrunEvent{
				SessionID: "11111111-1111-1111-1111-111111111111",
				Kind:      "tx_underrun",
				Count:     3,
				Timestamp: time.Now(),
			},
		},
		{
			name: "ClockEstablishedEvent",
			event: ClockEstablishedEvent{
				SessionID:   "11111111-1111-1111-1111-111111111111",
				Established: true,
				Timestamp:   time.Now(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Config{
				Enabled: false,
			}
			pub := New(config, nil)

			_, err := pub.serializeEvent(tt.event)
			if err != nil {
				t.Errorf("Failed to serialize %s: %v", tt.name, err)
			}
		})
	}
}
