package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrShutdown is returned when connecting to a Broadcaster that has stopped.
var ErrShutdown = errors.New("presence broadcaster is shut down")

// Options configures a Broadcaster and the connections it creates.
type Options struct {
	MaxMessageSize int64
	RateLimit      RateLimit
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512
	}
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = 5
	}
	if o.RateLimit.RefillInterval <= 0 {
		o.RateLimit.RefillInterval = time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Broadcaster owns the connection table and the online set derived from it.
type Broadcaster struct {
	opts       Options
	logger     *slog.Logger
	conns      map[*Connection]struct{}
	online     map[string]int
	register   chan *Connection
	unregister chan *Connection
	kick       chan kickRequest
	relays     chan relay
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	done       chan struct{}
}

// NewBroadcaster returns a Broadcaster ready to Run.
func NewBroadcaster(opts Options) *Broadcaster {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		opts:       opts,
		logger:     opts.Logger.With("component", "presence"),
		conns:      make(map[*Connection]struct{}),
		online:     make(map[string]int),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		kick:       make(chan kickRequest),
		relays:     make(chan relay, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Connect hands an admitted connection to the event loop. The connection is
// Active, counted online and its pumps are running once the loop processes it.
func (b *Broadcaster) Connect(c *Connection) error {
	if c == nil {
		return errors.New("nil connection")
	}
	select {
	case b.register <- c:
		return nil
	case <-b.ctx.Done():
		return ErrShutdown
	}
}

// Disconnect asks the event loop to close c. It is safe to call more than
// once and from any goroutine.
func (b *Broadcaster) Disconnect(c *Connection) {
	select {
	case b.unregister <- c:
	case <-b.ctx.Done():
	}
}

// kickRequest selects connections to close by identity or, when sessionID
// is set, by the session they were admitted under.
type kickRequest struct {
	identity  string
	sessionID string
}

func (k kickRequest) matches(c *Connection) bool {
	if k.sessionID != "" {
		return c.sessionID == k.sessionID
	}
	return c.identity == k.identity
}

// DisconnectIdentity closes every connection admitted for identity.
func (b *Broadcaster) DisconnectIdentity(identity string) {
	b.sendKick(kickRequest{identity: identity})
}

// DisconnectSession closes the connections admitted under sessionID.
// Connections of the same identity under other sessions stay open.
func (b *Broadcaster) DisconnectSession(sessionID string) {
	if sessionID == "" {
		return
	}
	b.sendKick(kickRequest{sessionID: sessionID})
}

func (b *Broadcaster) sendKick(k kickRequest) {
	select {
	case b.kick <- k:
	case <-b.ctx.Done():
	}
}

func (b *Broadcaster) submit(r relay) bool {
	select {
	case b.relays <- r:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Online returns the identities that currently have at least one Active
// connection, sorted.
func (b *Broadcaster) Online() []string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.onlineLocked()
}

// IsOnline reports whether identity has an Active connection.
func (b *Broadcaster) IsOnline(identity string) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.online[identity] > 0
}

// ConnectionCount returns the number of Active connections.
func (b *Broadcaster) ConnectionCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.conns)
}

func (b *Broadcaster) onlineLocked() []string {
	ids := make([]string, 0, len(b.online))
	for id := range b.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run processes presence events until Shutdown is called. It must run in its
// own goroutine; calls after the first, or after Shutdown, return at once.
func (b *Broadcaster) Run() {
	b.mutex.Lock()
	if b.started {
		b.mutex.Unlock()
		return
	}
	b.started = true
	b.mutex.Unlock()
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.shutdownConnections()
			return

		case c := <-b.register:
			b.handleConnect(c)

		case c := <-b.unregister:
			if b.remove(c) {
				b.publishPresence()
			}

		case k := <-b.kick:
			b.handleKick(k)

		case r := <-b.relays:
			b.handleRelay(r)
		}
	}
}

func (b *Broadcaster) handleConnect(c *Connection) {
	if c == nil {
		return
	}

	b.mutex.Lock()
	if c.state != Pending {
		state := c.state
		b.mutex.Unlock()
		c.logger.Warn("ignoring registration of non-pending connection", "state", state.String())
		if c.transport != nil {
			c.closeTransport()
		}
		return
	}
	c.state = Active
	b.conns[c] = struct{}{}
	b.online[c.identity]++
	total := len(b.conns)
	b.mutex.Unlock()

	c.logger.Info("connection registered", "total_connections", total)

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		c.writePump()
	}()
	go func() {
		defer b.wg.Done()
		c.readPump()
	}()

	b.publishPresence()
}

// remove transitions c to Closed and drops it from the table. It reports
// whether the online set changed.
func (b *Broadcaster) remove(c *Connection) bool {
	if c == nil {
		return false
	}

	b.mutex.Lock()
	_, active := b.conns[c]
	changed := b.removeLocked(c)
	total := len(b.conns)
	b.mutex.Unlock()

	if active {
		c.logger.Info("connection unregistered", "total_connections", total)
	}
	return changed
}

func (b *Broadcaster) removeLocked(c *Connection) bool {
	if _, ok := b.conns[c]; !ok {
		if c.state == Pending {
			c.state = Closed
			close(c.closed)
		}
		return false
	}

	delete(b.conns, c)
	c.state = Closed
	close(c.closed)

	b.online[c.identity]--
	if b.online[c.identity] > 0 {
		return false
	}
	delete(b.online, c.identity)
	return true
}

func (b *Broadcaster) handleKick(k kickRequest) {
	b.mutex.Lock()
	changed := false
	var kicked []*Connection
	for c := range b.conns {
		if !k.matches(c) {
			continue
		}
		if b.removeLocked(c) {
			changed = true
		}
		kicked = append(kicked, c)
	}
	b.mutex.Unlock()

	for _, c := range kicked {
		c.closeTransport()
	}
	if len(kicked) > 0 {
		b.logger.Info("closed connections", "user_id", k.identity, "session_id", k.sessionID, "count", len(kicked))
	}
	if changed {
		b.publishPresence()
	}
}

// publishPresence sends the online set to every Active connection. Failed
// deliveries close the affected connections; if that changes the set the
// new set is published in turn.
func (b *Broadcaster) publishPresence() {
	for {
		b.mutex.RLock()
		online := b.onlineLocked()
		targets := b.snapshotLocked()
		b.mutex.RUnlock()

		payload, err := encodeEvent(EventOnlineUsers, online)
		if err != nil {
			b.logger.Error("failed to encode online users", "error", err)
			return
		}

		b.logger.Debug("broadcasting online users", "online", len(online), "targets", len(targets))
		failed := b.fanOut(targets, payload)
		if !b.removeFailed(failed) {
			return
		}
	}
}

func (b *Broadcaster) handleRelay(r relay) {
	payload, err := encodeEvent(EventNewMessage, r.message)
	if err != nil {
		b.logger.Error("failed to encode chat message", "error", err)
		return
	}

	b.mutex.RLock()
	targets := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		if c == r.sender {
			continue
		}
		if r.message.To == "" || c.identity == r.message.To || c.identity == r.sender.identity {
			targets = append(targets, c)
		}
	}
	b.mutex.RUnlock()

	b.logger.Debug("relaying message", "from", r.message.From, "to", r.message.To, "targets", len(targets))
	if b.removeFailed(b.fanOut(targets, payload)) {
		b.publishPresence()
	}
}

func (b *Broadcaster) snapshotLocked() []*Connection {
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

// fanOut enqueues payload for every target without blocking and returns the
// connections whose queue was full or that are no longer Active.
func (b *Broadcaster) fanOut(targets []*Connection, payload []byte) []*Connection {
	var failed []*Connection
	for _, c := range targets {
		if !b.safeSend(c, payload) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (b *Broadcaster) safeSend(c *Connection, payload []byte) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if c.state != Active {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// removeFailed closes connections that could not be delivered to and
// reports whether the online set changed.
func (b *Broadcaster) removeFailed(failed []*Connection) bool {
	if len(failed) == 0 {
		return false
	}

	b.mutex.Lock()
	changed := false
	removed := make([]*Connection, 0, len(failed))
	for _, c := range failed {
		if _, ok := b.conns[c]; !ok {
			continue
		}
		if b.removeLocked(c) {
			changed = true
		}
		removed = append(removed, c)
	}
	b.mutex.Unlock()

	for _, c := range removed {
		c.logger.Warn("connection removed after failed delivery")
		c.closeTransport()
	}
	return changed
}

func (b *Broadcaster) shutdownConnections() {
	b.logger.Info("shutting down all connections")

	b.mutex.Lock()
	conns := b.snapshotLocked()
	for _, c := range conns {
		b.removeLocked(c)
	}
	b.mutex.Unlock()

	for _, c := range conns {
		if c.transport != nil {
			c.closeTransport()
		}
	}

	b.logger.Info("closed connections", "count", len(conns))
}

// Shutdown stops the event loop, closes every connection and waits for the
// connection pumps to exit or for timeout to elapse.
func (b *Broadcaster) Shutdown(timeout time.Duration) error {
	b.logger.Info("initiating presence shutdown")

	b.cancel()
	b.mutex.Lock()
	if !b.started {
		b.started = true
		close(b.done)
	}
	b.mutex.Unlock()
	<-b.done

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("presence shutdown completed")
		return nil
	case <-time.After(timeout):
		b.logger.Warn("presence shutdown timed out; some connections may still be closing")
		return context.DeadlineExceeded
	}
}
