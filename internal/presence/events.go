package presence

import (
	"encoding/json"
	"strings"
	"time"
)

// Outbound event names.
const (
	EventOnlineUsers = "onlineUsers"
	EventNewMessage  = "newMessage"
)

// Inbound message types.
const (
	TypeMessage = "message"
)

// Event is the JSON envelope written to clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound is the JSON envelope read from clients.
type Inbound struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Content string `json:"content"`
}

// ChatMessage is the payload of a newMessage event. Messages are relayed to
// live connections only and never stored.
type ChatMessage struct {
	From    string    `json:"from"`
	To      string    `json:"to,omitempty"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

type relay struct {
	sender  *Connection
	message ChatMessage
}

func encodeEvent(name string, data any) ([]byte, error) {
	return json.Marshal(Event{Event: name, Data: data})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
