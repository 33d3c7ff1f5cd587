package presence

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errClosedTransport = errors.New("use of closed network connection")

// fakeTransport is an in-memory Transport. Text frames written by the
// connection are delivered on writes; frames pushed on inbound are returned
// by ReadMessage.
type fakeTransport struct {
	inbound   chan []byte
	writes    chan []byte
	block     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

// newBlockedTransport returns a transport whose text writes hang until it is
// closed.
func newBlockedTransport() *fakeTransport {
	ft := newFakeTransport()
	ft.block = make(chan struct{})
	return ft
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-f.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errClosedTransport
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errClosedTransport
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return errClosedTransport
		}
	}
	cp := append([]byte(nil), data...)
	select {
	case f.writes <- cp:
		return nil
	case <-f.closed:
		return errClosedTransport
	}
}

func (f *fakeTransport) SetReadLimit(int64)                {}
func (f *fakeTransport) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.inbound <- data
}

type decodedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// nextEvent returns the next event of name written to f.
func (f *fakeTransport) nextEvent(t *testing.T, name string, timeout time.Duration) (decodedEvent, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-f.writes:
			var ev decodedEvent
			require.NoError(t, json.Unmarshal(raw, &ev))
			if ev.Event == name {
				return ev, true
			}
		case <-deadline:
			return decodedEvent{}, false
		}
	}
}

// waitForOnline reads onlineUsers events until one equals want.
func (f *fakeTransport) waitForOnline(t *testing.T, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last []string
	for time.Now().Before(deadline) {
		ev, ok := f.nextEvent(t, EventOnlineUsers, time.Until(deadline))
		if !ok {
			break
		}
		last = nil
		require.NoError(t, json.Unmarshal(ev.Data, &last))
		if equalSets(last, want) {
			return
		}
	}
	t.Fatalf("online users never became %v (last seen %v)", want, last)
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
		if seen[v] < 0 {
			return false
		}
	}
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBroadcaster(t *testing.T, opts Options) *Broadcaster {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	b := NewBroadcaster(opts)
	go b.Run()
	t.Cleanup(func() { _ = b.Shutdown(2 * time.Second) })
	return b
}
