// Package events defines the login server's internal event types and the
// bus that carries them to telemetry, logging and monitoring consumers.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventConnectionOpened EventType = "connection_opened"
	EventConnectionClosed EventType = "connection_closed"

	// Security channel
	EventHandshakeCompleted EventType = "handshake_completed"
	EventFrameRejected      EventType = "frame_rejected"
	EventReplayDropped      EventType = "replay_dropped"

	// Application
	EventAccountVerified EventType = "account_verified"
	EventUnknownOpcode   EventType = "unknown_opcode"

	// System
	EventStatsSnapshot EventType = "stats_snapshot"
	EventShutdown      EventType = "shutdown"
)

// AllEventTypes lists every event type, for consumers that forward everything.
var AllEventTypes = []EventType{
	EventConnectionOpened,
	EventConnectionClosed,
	EventHandshakeCompleted,
	EventFrameRejected,
	EventReplayDropped,
	EventAccountVerified,
	EventUnknownOpcode,
	EventStatsSnapshot,
	EventShutdown,
}

// RejectReason classifies why an inbound frame was not processed.
type RejectReason string

const (
	RejectFraming        RejectReason = "framing"
	RejectAuthentication RejectReason = "authentication"
	RejectDecompression  RejectReason = "decompression"
	RejectCipher         RejectReason = "cipher"
	RejectAssociation    RejectReason = "association"
	RejectReplay         RejectReason = "replay"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectionPayload accompanies connection open/close events.
type ConnectionPayload struct {
	RemoteAddr string `json:"remote_addr"`
	Group      int    `json:"group"`
	SPI        uint16 `json:"spi"`
	BytesIn    uint64 `json:"bytes_in,omitempty"`
	BytesOut   uint64 `json:"bytes_out,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HandshakePayload is emitted once a channel has switched to its own SPI.
type HandshakePayload struct {
	RemoteAddr string `json:"remote_addr"`
	SPI        uint16 `json:"spi"`
}

// FrameRejectedPayload describes a dropped or fatal inbound frame.
type FrameRejectedPayload struct {
	RemoteAddr     string       `json:"remote_addr"`
	SPI            uint16       `json:"spi"`
	SequenceNumber uint32       `json:"sequence_number,omitempty"`
	Reason         RejectReason `json:"reason"`
	Error          string       `json:"error,omitempty"`
}

// AccountVerifiedPayload reports the outcome of a credential check.
type AccountVerifiedPayload struct {
	RemoteAddr string `json:"remote_addr"`
	Login      string `json:"login"`
	Success    bool   `json:"success"`
	Result     uint32 `json:"result"`
}

// OpcodePayload identifies an opcode that had no handler.
type OpcodePayload struct {
	RemoteAddr string `json:"remote_addr"`
	Opcode     uint16 `json:"opcode"`
	Name       string `json:"name"`
}

// StatsPayload is a periodic snapshot of transport state.
type StatsPayload struct {
	Connections    int     `json:"connections"`
	GroupSizes     []int   `json:"group_sizes"`
	Associations   int     `json:"associations"`
	FramesIn       uint64  `json:"frames_in"`
	FramesOut      uint64  `json:"frames_out"`
	FramesRejected uint64  `json:"frames_rejected"`
	ReplaysDropped uint64  `json:"replays_dropped"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
}
