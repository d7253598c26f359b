package api

import (
	"github.com/skobkin/tegrastats-web/internal/device"
	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

// Message types exchanged over the WebSocket.
const (
	TypeHello     = "hello"
	TypeUpdate    = "tegrastats_update"
	TypeError     = "error"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeGetStatus = "get_status"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type             string          `json:"type"`
	IntervalMS       int             `json:"interval_ms"`
	SampleIntervalMS int             `json:"sample_interval_ms"`
	Device           device.Info     `json:"device"`
	Features         map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS, sampleIntervalMS int, info device.Info, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:             TypeHello,
		IntervalMS:       intervalMS,
		SampleIntervalMS: sampleIntervalMS,
		Device:           info,
		Features:         features,
	}
}

// UpdateMessage wraps a snapshot for transport. Snapshot fields are inlined.
type UpdateMessage struct {
	Type string `json:"type"`
	tegrastats.Snapshot
}

// NewUpdateMessage constructs an update payload.
func NewUpdateMessage(snap tegrastats.Snapshot) UpdateMessage {
	return UpdateMessage{
		Type:     TypeUpdate,
		Snapshot: snap,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// NewPongMessage constructs a pong payload.
func NewPongMessage() PongMessage {
	return PongMessage{Type: TypePong}
}
