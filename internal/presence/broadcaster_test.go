package presence

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, b *Broadcaster, identity string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := b.NewConnection(ft, identity, "", "127.0.0.1:0")
	require.NoError(t, b.Connect(c))
	return c, ft
}

func TestConnectionLifecycle(t *testing.T) {
	b := startBroadcaster(t, Options{})

	ft := newFakeTransport()
	c := b.NewConnection(ft, "u1", "", "addr")
	assert.Equal(t, Pending, c.State())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "u1", c.Identity())

	require.NoError(t, b.Connect(c))
	require.Eventually(t, func() bool { return c.State() == Active }, time.Second, 5*time.Millisecond)
	assert.True(t, b.IsOnline("u1"))

	b.Disconnect(c)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection never closed")
	}
	assert.Equal(t, Closed, c.State())
	assert.False(t, b.IsOnline("u1"))

	// Closed is terminal.
	require.NoError(t, b.Connect(c))
	require.Eventually(t, ft.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, Closed, c.State())
	assert.False(t, b.IsOnline("u1"))
}

func TestDisconnectPendingConnection(t *testing.T) {
	b := startBroadcaster(t, Options{})
	ft := newFakeTransport()
	c := b.NewConnection(ft, "u1", "", "addr")

	b.Disconnect(c)
	require.Eventually(t, func() bool { return c.State() == Closed }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Connect(c))
	require.Eventually(t, ft.isClosed, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Online())
}

func TestAllConnectionsConvergeOnOnlineSet(t *testing.T) {
	b := startBroadcaster(t, Options{})

	const n = 8
	want := make([]string, 0, n)
	transports := make([]*fakeTransport, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("user-%d", i)
		want = append(want, id)
		_, ft := connect(t, b, id)
		transports = append(transports, ft)
	}

	for _, ft := range transports {
		ft.waitForOnline(t, want)
	}
	assert.Equal(t, want, b.Online())
}

func TestBroadcastOrderFollowsEventOrder(t *testing.T) {
	b := startBroadcaster(t, Options{})

	_, first := connect(t, b, "a")
	connect(t, b, "b")
	connect(t, b, "c")

	var sizes []int
	for len(sizes) < 3 {
		ev, ok := first.nextEvent(t, EventOnlineUsers, time.Second)
		require.True(t, ok)
		var ids []string
		require.NoError(t, json.Unmarshal(ev.Data, &ids))
		sizes = append(sizes, len(ids))
	}
	assert.Equal(t, []int{1, 2, 3}, sizes)
}

func TestDisconnectRemovesUniqueIdentity(t *testing.T) {
	b := startBroadcaster(t, Options{})

	alice, _ := connect(t, b, "alice")
	_, bob := connect(t, b, "bob")
	bob.waitForOnline(t, []string{"alice", "bob"})

	b.Disconnect(alice)
	bob.waitForOnline(t, []string{"bob"})
	assert.False(t, b.IsOnline("alice"))
}

func TestIdentityStaysOnlineWhileAnotherConnectionRemains(t *testing.T) {
	b := startBroadcaster(t, Options{})

	tab1, _ := connect(t, b, "alice")
	_, tab2 := connect(t, b, "alice")
	_, bob := connect(t, b, "bob")
	bob.waitForOnline(t, []string{"alice", "bob"})
	require.Eventually(t, func() bool { return b.ConnectionCount() == 3 }, time.Second, 5*time.Millisecond)

	b.Disconnect(tab1)
	require.Eventually(t, func() bool { return b.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, b.IsOnline("alice"))
	assert.Equal(t, []string{"alice", "bob"}, b.Online())

	// The remaining tab still receives broadcasts.
	connect(t, b, "carol")
	tab2.waitForOnline(t, []string{"alice", "bob", "carol"})
}

func TestTransportCloseTriggersDisconnect(t *testing.T) {
	b := startBroadcaster(t, Options{})

	c, ft := connect(t, b, "alice")
	_, bob := connect(t, b, "bob")
	bob.waitForOnline(t, []string{"alice", "bob"})

	close(ft.inbound)
	<-c.Done()
	bob.waitForOnline(t, []string{"bob"})
}

// activate registers c without starting its pumps so queue contents can be
// inspected directly.
func activate(b *Broadcaster, c *Connection) {
	b.mutex.Lock()
	c.state = Active
	b.conns[c] = struct{}{}
	b.online[c.identity]++
	b.mutex.Unlock()
}

func drainOnline(t *testing.T, c *Connection) [][]string {
	t.Helper()
	var sets [][]string
	for {
		select {
		case raw := <-c.send:
			var ev decodedEvent
			require.NoError(t, json.Unmarshal(raw, &ev))
			require.Equal(t, EventOnlineUsers, ev.Event)
			var ids []string
			require.NoError(t, json.Unmarshal(ev.Data, &ids))
			sets = append(sets, ids)
		default:
			return sets
		}
	}
}

func TestStalledClientDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(Options{SendBuffer: 4, Logger: discardLogger()})

	slowTransport := newBlockedTransport()
	slow := b.NewConnection(slowTransport, "slow", "", "addr")
	fast := b.NewConnection(newFakeTransport(), "fast", "", "addr")
	activate(b, slow)
	activate(b, fast)

	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("queued")
	}

	b.publishPresence()

	assert.Equal(t, Closed, slow.State())
	assert.True(t, slowTransport.isClosed())
	assert.Equal(t, Active, fast.State())
	assert.Equal(t, []string{"fast"}, b.Online())

	sets := drainOnline(t, fast)
	require.Len(t, sets, 2)
	assert.Equal(t, []string{"fast", "slow"}, sets[0])
	assert.Equal(t, []string{"fast"}, sets[1])
}

func TestStalledClientWithPumps(t *testing.T) {
	b := startBroadcaster(t, Options{SendBuffer: 1})

	slowTransport := newBlockedTransport()
	slow := b.NewConnection(slowTransport, "slow", "", "addr")
	require.NoError(t, b.Connect(slow))

	_, fast := connect(t, b, "fast")
	for i := 0; i < 3 && slow.State() != Closed; i++ {
		fast.send(t, Inbound{Type: TypeMessage, Content: fmt.Sprintf("ping %d", i)})
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled connection was never closed")
	}
	require.Eventually(t, func() bool { return !b.IsOnline("slow") }, time.Second, 5*time.Millisecond)
	assert.True(t, b.IsOnline("fast"))
}

func TestRelayDirectMessage(t *testing.T) {
	b := startBroadcaster(t, Options{})

	_, alice := connect(t, b, "alice")
	_, aliceTab := connect(t, b, "alice")
	_, bob := connect(t, b, "bob")
	_, carol := connect(t, b, "carol")
	carol.waitForOnline(t, []string{"alice", "bob", "carol"})

	alice.send(t, Inbound{Type: TypeMessage, To: "bob", Content: " hi bob "})

	ev, ok := bob.nextEvent(t, EventNewMessage, time.Second)
	require.True(t, ok)
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "bob", msg.To)
	assert.Equal(t, "hi bob", msg.Content)

	_, ok = aliceTab.nextEvent(t, EventNewMessage, time.Second)
	assert.True(t, ok, "sender's other connections see their own message")

	_, ok = carol.nextEvent(t, EventNewMessage, 100*time.Millisecond)
	assert.False(t, ok)
	_, ok = alice.nextEvent(t, EventNewMessage, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestRelayRoomMessage(t *testing.T) {
	b := startBroadcaster(t, Options{})

	_, alice := connect(t, b, "alice")
	_, bob := connect(t, b, "bob")
	bob.waitForOnline(t, []string{"alice", "bob"})

	alice.send(t, Inbound{Type: TypeMessage, Content: "hello all"})
	_, ok := bob.nextEvent(t, EventNewMessage, time.Second)
	assert.True(t, ok)

	alice.send(t, Inbound{Type: "typing"})
	alice.send(t, Inbound{Type: TypeMessage, Content: "   "})
	_, ok = bob.nextEvent(t, EventNewMessage, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestInboundRateLimit(t *testing.T) {
	b := NewBroadcaster(Options{
		RateLimit: RateLimit{Burst: 1, RefillInterval: time.Hour},
		Logger:    discardLogger(),
	})
	c := b.NewConnection(newFakeTransport(), "alice", "", "addr")

	frame, err := json.Marshal(Inbound{Type: TypeMessage, Content: "one"})
	require.NoError(t, err)

	assert.True(t, c.handleInbound(frame))
	assert.False(t, c.handleInbound(frame))
}

func TestInboundRejectsInvalidJSON(t *testing.T) {
	b := NewBroadcaster(Options{Logger: discardLogger()})
	c := b.NewConnection(newFakeTransport(), "alice", "", "addr")
	assert.False(t, c.handleInbound([]byte("{not json")))
}

func TestDisconnectIdentity(t *testing.T) {
	b := startBroadcaster(t, Options{})

	tab1, ft1 := connect(t, b, "alice")
	tab2, ft2 := connect(t, b, "alice")
	_, bob := connect(t, b, "bob")
	bob.waitForOnline(t, []string{"alice", "bob"})

	b.DisconnectIdentity("alice")
	bob.waitForOnline(t, []string{"bob"})

	<-tab1.Done()
	<-tab2.Done()
	require.Eventually(t, func() bool { return ft1.isClosed() && ft2.isClosed() }, time.Second, 5*time.Millisecond)
}

func TestDisconnectSession(t *testing.T) {
	b := startBroadcaster(t, Options{})

	laptopTransport := newFakeTransport()
	laptop := b.NewConnection(laptopTransport, "alice", "s-laptop", "addr")
	require.NoError(t, b.Connect(laptop))
	phone := b.NewConnection(newFakeTransport(), "alice", "s-phone", "addr")
	require.NoError(t, b.Connect(phone))
	_, bob := connect(t, b, "bob")
	bob.waitForOnline(t, []string{"alice", "bob"})
	assert.Equal(t, "s-laptop", laptop.SessionID())

	b.DisconnectSession("s-laptop")
	<-laptop.Done()
	require.Eventually(t, laptopTransport.isClosed, time.Second, 5*time.Millisecond)

	assert.Equal(t, Active, phone.State())
	assert.True(t, b.IsOnline("alice"))
	assert.Equal(t, 2, b.ConnectionCount())

	// An empty session id never matches connections admitted without one.
	b.DisconnectSession("")
	assert.Equal(t, Active, phone.State())
}

func TestShutdown(t *testing.T) {
	b := NewBroadcaster(Options{Logger: discardLogger()})
	go b.Run()

	c, ft := connect(t, b, "alice")
	require.Eventually(t, func() bool { return c.State() == Active }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Shutdown(2*time.Second))
	assert.Equal(t, Closed, c.State())
	assert.True(t, ft.isClosed())
	assert.Empty(t, b.Online())

	late := b.NewConnection(newFakeTransport(), "bob", "", "addr")
	assert.ErrorIs(t, b.Connect(late), ErrShutdown)
}

func TestShutdownWithoutRun(t *testing.T) {
	b := NewBroadcaster(Options{Logger: discardLogger()})
	require.NoError(t, b.Shutdown(time.Second))
	require.NoError(t, b.Shutdown(time.Second))

	// Run after Shutdown returns immediately.
	done := make(chan struct{})
	go func() {
		b.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestConnectNil(t *testing.T) {
	b := NewBroadcaster(Options{Logger: discardLogger()})
	assert.Error(t, b.Connect(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
}
