package presence

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a Connection.
type State int

const (
	// Pending connections have been admitted but not yet registered.
	Pending State = iota
	// Active connections count toward the online set and receive broadcasts.
	Active
	// Closed is terminal; a reconnect always builds a new Connection.
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the subset of *websocket.Conn a Connection drives.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// Connection is one admitted real-time session. State transitions are owned
// by the Broadcaster and guarded by its mutex.
type Connection struct {
	id        string
	identity  string
	sessionID string
	addr      string
	transport Transport
	b         *Broadcaster
	state     State
	send      chan []byte
	closed    chan struct{}
	limiter   *rateLimiter
	logger    *slog.Logger
}

// NewConnection creates a Pending connection for identity over transport,
// admitted under sessionID. It becomes Active once passed to Connect.
func (b *Broadcaster) NewConnection(transport Transport, identity, sessionID, addr string) *Connection {
	if transport != nil {
		transport.SetReadLimit(b.opts.MaxMessageSize)
	}
	id := uuid.NewString()
	return &Connection{
		id:        id,
		identity:  identity,
		sessionID: sessionID,
		addr:      addr,
		transport: transport,
		b:         b,
		state:     Pending,
		send:      make(chan []byte, b.opts.SendBuffer),
		closed:    make(chan struct{}),
		limiter:   newRateLimiter(b.opts.RateLimit, b.opts.Now),
		logger:    b.logger.With("conn_id", id, "user_id", identity, "addr", addr),
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the user id the connection was admitted for.
func (c *Connection) Identity() string {
	return c.identity
}

// SessionID returns the id of the session the connection was admitted under.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.b.mutex.RLock()
	defer c.b.mutex.RUnlock()
	return c.state
}

// Done is closed when the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) setupReadConnection() {
	pongWait := c.b.opts.PongWait
	if err := c.transport.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set initial read deadline", "error", err)
	}
	c.transport.SetPongHandler(func(string) error {
		if err := c.transport.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("failed to extend read deadline", "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "max_bytes", c.b.opts.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("connection closed", "reason", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// handleInbound decodes one client frame and forwards chat messages to the
// broadcaster. It reports whether the frame was accepted.
func (c *Connection) handleInbound(raw []byte) bool {
	if !c.limiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.b.opts.RateLimit.Burst, "interval", c.b.opts.RateLimit.RefillInterval)
		return false
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.logger.Warn("invalid message", "error", err)
		return false
	}
	if in.Type != TypeMessage {
		c.logger.Debug("ignoring message", "type", in.Type)
		return false
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return false
	}

	return c.b.submit(relay{
		sender: c,
		message: ChatMessage{
			From:    c.identity,
			To:      strings.TrimSpace(in.To),
			Content: content,
			SentAt:  c.b.opts.Now().UTC(),
		},
	})
}

func (c *Connection) readPump() {
	defer func() {
		c.b.Disconnect(c)
		c.closeTransport()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleInbound(raw)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.b.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Connection) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.closed:
		c.writeClose()
		return false
	case message := <-c.send:
		select {
		case <-c.closed:
			c.writeClose()
			return false
		default:
		}
		return c.write(websocket.TextMessage, message)
	case <-ticker.C:
		return c.write(websocket.PingMessage, nil)
	}
}

func (c *Connection) write(messageType int, payload []byte) bool {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.b.opts.WriteWait)); err != nil {
		c.logger.Warn("failed to set write deadline", "error", err)
		c.b.Disconnect(c)
		return false
	}
	if err := c.transport.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("transport send failed", "error", err)
		}
		c.b.Disconnect(c)
		return false
	}
	return true
}

func (c *Connection) writeClose() {
	_ = c.transport.SetWriteDeadline(time.Now().Add(c.b.opts.WriteWait))
	if err := c.transport.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("failed to write close frame", "error", err)
		}
	}
}

func (c *Connection) closeTransport() {
	if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing transport", "error", err)
	}
}
