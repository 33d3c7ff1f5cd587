// Package testutil provides helpers shared by the HTTP and WebSocket tests of
// the chat server: JSON requests, session cookies and WebSocket clients.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the browser origin test clients present.
const TestOrigin = "http://localhost:8080"

// Event is an outbound server event with its payload left undecoded.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewClient returns an HTTP client with a short timeout.
func NewClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// DoJSON sends body as JSON with the given method and headers and returns
// the response. A nil body sends no payload.
func DoJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// DecodeBody decodes the response body into T and closes it.
func DecodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// DecodeMap decodes a JSON object response into a map and closes the body.
func DecodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	return DecodeBody[map[string]any](t, resp)
}

// AssertStatusCode fails the test unless resp has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equalf(t, expected, resp.StatusCode, "unexpected status for %s %s", resp.Request.Method, resp.Request.URL.Path)
}

// SessionCookie returns the named cookie set by resp, or nil.
func SessionCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// WebSocketURL converts an http(s) test server URL into a ws(s) URL for path.
func WebSocketURL(serverURL, path string) string {
	if rest, ok := strings.CutPrefix(serverURL, "https://"); ok {
		return "wss://" + rest + path
	}
	return "ws://" + strings.TrimPrefix(serverURL, "http://") + path
}

// ConnectWebSocket dials url presenting origin and, when cookie is non-nil,
// the session cookie. The handshake response is returned so rejected
// upgrades can be inspected.
func ConnectWebSocket(url, origin string, cookie *http.Cookie) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if cookie != nil {
		headers.Set("Cookie", cookie.String())
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// SendChat sends a chat frame addressed to to.
func SendChat(conn *websocket.Conn, to, content string) error {
	return conn.WriteJSON(map[string]string{"type": "message", "to": to, "content": content})
}

// ReadEvent reads the next server event, failing the test after timeout.
func ReadEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// WaitForOnline reads onlineUsers events until one equals want, skipping
// any other events.
func WaitForOnline(t *testing.T, conn *websocket.Conn, want []string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	var last []string
	for time.Now().Before(deadline) {
		ev := ReadEvent(t, conn, time.Until(deadline))
		if ev.Event != "onlineUsers" {
			continue
		}
		last = nil
		require.NoError(t, json.Unmarshal(ev.Data, &last))
		if slices.Equal(last, want) {
			return
		}
	}
	t.Fatalf("online set never became %v, last saw %v", want, last)
}

// CloseWebSocket sends a normal close frame and closes conn.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}
