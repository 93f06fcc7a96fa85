package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/coder/websocket"
)

// Frame types understood by the manager. Anything else with a type is an
// application message.
const (
	TypePing                = "ping"
	TypePong                = "pong"
	TypeHeartbeat           = "heartbeat"
	TypeNotificationCreated = "notification_created"
	TypeMessage             = "message"
)

// Close codes sent by the backend. 1000/1001 are the RFC 6455 codes.
const (
	codeNormal           = int(websocket.StatusNormalClosure)
	codeGoingAway        = int(websocket.StatusGoingAway)
	CodeHeartbeatTimeout = 4000
	CodeAuthFailure      = 4001
)

var errMalformedFrame = errors.New("malformed frame")

// Message is one application frame. Payload is the nested payload object,
// empty for envelope-only types such as notification_created.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (m Message) Control() bool {
	switch m.Type {
	case TypePing, TypePong, TypeHeartbeat:
		return true
	}
	return false
}

// decodeFrame parses a text frame. Frames without a type, and message
// frames whose payload is not an object, are malformed.
func decodeFrame(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return Message{}, errMalformedFrame
	}
	if msg.Type == TypeMessage {
		trimmed := bytes.TrimSpace(msg.Payload)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return Message{}, errMalformedFrame
		}
	}
	return msg, nil
}

func encodeFrame(msg Message) ([]byte, error) {
	if strings.TrimSpace(msg.Type) == "" {
		return nil, errMalformedFrame
	}
	return json.Marshal(msg)
}

func classifyClose(code int) closeReason {
	switch code {
	case codeNormal, codeGoingAway:
		return closeNormal
	case CodeHeartbeatTimeout:
		return closeHeartbeatTimeout
	case CodeAuthFailure:
		return closeAuthFailure
	default:
		return closeAbnormal
	}
}
