package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientUpdateWindow MessageType = "client_update_window"
	TypeClientControl      MessageType = "client_control"
	TypeSessionSnapshot    MessageType = "session_snapshot"
	TypePageEvent          MessageType = "page_event"
	TypeWindowUpdated      MessageType = "window_updated"
	TypeErrorEvent         MessageType = "error_event"
)

const (
	ControlCancel = "cancel"
	ControlPing   = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientUpdateWindow reports a debounced page change from the viewer.
type ClientUpdateWindow struct {
	Type        MessageType   `json:"type"`
	SessionID   string        `json:"session_id"`
	CurrentPage int           `json:"current_page"`
	Action      window.Action `json:"action"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type SessionSnapshot struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Snapshot  progress.Snapshot `json:"snapshot"`
	// Final marks the last snapshot before the server closes the stream.
	Final bool `json:"final"`
}

type PageEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Event     tasks.Event `json:"event"`
}

type WindowUpdated struct {
	Type          MessageType   `json:"type"`
	SessionID     string        `json:"session_id"`
	WindowRange   window.Range  `json:"window_range"`
	CanceledPages []int         `json:"canceled_pages"`
	NewPages      []int         `json:"new_pages"`
	Action        window.Action `json:"action"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientUpdateWindow:
		var msg ClientUpdateWindow
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.CurrentPage <= 0 || !msg.Action.Valid() {
			return nil, errors.New("invalid client_update_window")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.Action != ControlCancel && msg.Action != ControlPing) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}
