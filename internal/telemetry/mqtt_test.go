package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcemu-project/gcemu/internal/config"
	"github.com/gcemu-project/gcemu/internal/events"
)

func newTestHandler(t *testing.T) *MQTTHandler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Topic = "gcemu/loginserver/"

	h, err := NewMQTTHandler(cfg, events.NewEventBus())
	require.NoError(t, err)
	return h
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus())
	assert.Error(t, err)
}

func TestNewMQTTHandlerMissingCA(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.UseTLS = true
	cfg.MQTT.CAFile = "/nonexistent/ca.pem"

	_, err := NewMQTTHandler(cfg, events.NewEventBus())
	assert.Error(t, err)
}

func TestTopicRouting(t *testing.T) {
	h := newTestHandler(t)

	tests := map[events.EventType]string{
		events.EventConnectionOpened:   "gcemu/loginserver/connections",
		events.EventConnectionClosed:   "gcemu/loginserver/connections",
		events.EventHandshakeCompleted: "gcemu/loginserver/security",
		events.EventFrameRejected:      "gcemu/loginserver/security",
		events.EventReplayDropped:      "gcemu/loginserver/security",
		events.EventAccountVerified:    "gcemu/loginserver/accounts",
		events.EventUnknownOpcode:      "gcemu/loginserver/protocol",
		events.EventStatsSnapshot:      "gcemu/loginserver/stats",
		events.EventShutdown:           "gcemu/loginserver/admin",
	}
	for typ, want := range tests {
		assert.Equal(t, want, h.Topic(typ), string(typ))
	}
}

func TestBuildMessage(t *testing.T) {
	h := newTestHandler(t)
	payload := events.HandshakePayload{RemoteAddr: "10.0.0.1:5000", SPI: 42}

	msg := h.buildMessage(events.Event{Type: events.EventHandshakeCompleted, Source: "login", Payload: payload})
	assert.Equal(t, "handshake_completed", msg["event"])
	assert.Equal(t, "login", msg["source"])
	assert.Equal(t, payload, msg["payload"])
	assert.Contains(t, msg, "hostname")
	assert.Contains(t, msg, "timestamp")
}
