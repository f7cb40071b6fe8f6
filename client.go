package redis

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReplyHandler is a one-shot continuation for a pending command (spec.md §3
// "Pending request").
type ReplyHandler func(Reply)

type pendingRequest struct {
	cmd     Command
	handler ReplyHandler
}

// PrimaryResolver asks a Sentinel pool (component D) for the current primary
// address of a named service. SentinelResolver in sentinel.go is the only
// implementation; Client only depends on the interface (spec.md §4.D "D is
// consulted by E and F when configured by service name").
type PrimaryResolver interface {
	GetPrimaryAddrByName(ctx context.Context, name string) (addr string, err error)
}

// Client is the pipelining request client (spec.md §4.E): it owns the
// pending FIFO exclusively, drives a Connection, and runs the
// connect/reconnect state machine. Grounded on xenking-redis/redis.go's
// single-shot connect()/retry loop, generalized to the bounded/cancellable
// policy of cpp_redis's client.cpp (should_reconnect,
// sleep_before_next_reconnect_attempt, m_current_reconnect_attempts) and the
// sticky AUTH/SELECT-on-reconnect behavior of pascaldekloe-redis/client.go's
// connect(connConfig).
type Client struct {
	cfg      *Config
	resolver PrimaryResolver

	mu                sync.Mutex
	cond              *sync.Cond
	conn              *Connection
	pending           []pendingRequest
	callbacksRunning  int
	reconnecting      bool
	reconnectAttempts int
	cancelFlag        bool
	closed            bool

	// sticky state replayed after a reconnect (cpp_redis client.cpp
	// re_auth/re_select); password/db are never cleared by a failed auth,
	// only overwritten by an explicit Auth/Select call.
	password string
	hasAuth  bool
	db       int64
	hasDB    bool

	sentinels *SentinelPool
	backoff   backoff.BackOff
}

// NewClient builds a Client from cfg but does not connect; call Connect.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &Client{cfg: cfg, sentinels: NewSentinelPool(cfg.Sentinels...)}
	c.cond = sync.NewCond(&c.mu)
	c.backoff = backoffFromPolicy(cfg.ReconnectInterval, cfg.MaxReconnects)
	if cfg.Password != "" {
		c.password = cfg.Password
		c.hasAuth = true
	}
	if cfg.DB != 0 {
		c.db = cfg.DB
		c.hasDB = true
	}
	return c
}

// SetResolver installs the sentinel-backed primary resolver used when
// cfg.ServiceName is set. Optional: a Client configured with a plain Addr
// never calls it, and a service-name Client without one resolves through a
// SentinelResolver over its own pool (Config.Sentinels plus AddSentinel).
func (c *Client) SetResolver(r PrimaryResolver) { c.resolver = r }

// Connect performs the first connection attempt synchronously. Subsequent
// losses are handled by the reconnection state machine, not by Connect.
// Fires StateStart before dialing and StateOK after success, the same as
// cpp_redis's client::connect (sources/core/client.cpp:99-109) fires
// connect_state::start/ok on the very first connect, not only on reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.notifyState(StateStart)
	c.mu.Unlock()

	addr, err := c.resolveAddr(ctx)
	if err != nil {
		return err
	}
	conn, err := c.dial(addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.conn = conn
	c.notifyState(StateOK)
	c.mu.Unlock()

	conn.Start()
	c.replaySticky(queued)
	return nil
}

func (c *Client) resolveAddr(ctx context.Context) (string, error) {
	if c.cfg.ServiceName == "" {
		return c.cfg.Addr, nil
	}
	r := c.resolver
	if r == nil {
		r = NewSentinelResolver(c.sentinels, c.cfg.Logger)
	}
	return r.GetPrimaryAddrByName(ctx, c.cfg.ServiceName)
}

func (c *Client) dial(addr string) (*Connection, error) {
	transport, err := DialTransport(addr, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	conn := NewConnection(transport, c.cfg.MaxReplyDepth, c.cfg.Logger)
	conn.SetHandlers(c.onReply, c.onDisconnect)
	return conn, nil
}

// Send appends the encoded command to the connection and enqueues handler
// under the callbacks mutex (spec.md §4.E step 1). No write is initiated.
// While there is no connection (before Connect, or during a reconnect) only
// the handler is enqueued; the command is written when Connect or the
// reconnect replays the pending FIFO.
func (c *Client) Send(cmd Command, handler ReplyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unprotectedSend(cmd, handler)
}

// unprotectedSend assumes c.mu is held.
func (c *Client) unprotectedSend(cmd Command, handler ReplyHandler) {
	if c.conn != nil {
		c.conn.Send(cmd)
	}
	c.pending = append(c.pending, pendingRequest{cmd: cmd, handler: handler})
}

// Commit flushes the underlying connection. No-op while a reconnect is in
// progress: the reconnect loop flushes for us (spec.md §4.E "commit").
// Returns ErrClosed after Close.
func (c *Client) Commit() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	reconnecting := c.reconnecting
	conn := c.conn
	c.mu.Unlock()

	if reconnecting || conn == nil {
		return nil
	}
	return c.tryCommit(conn)
}

func (c *Client) tryCommit(conn *Connection) error {
	if err := conn.Commit(); err != nil {
		c.clearCallbacks()
		return err
	}
	return nil
}

// SyncCommit commits then blocks until the pending FIFO is fully drained or
// ctx is done (spec.md §4.E "sync_commit"). Must not be called re-entrantly
// from inside a reply handler. If ctx carries no deadline, cfg.CommandTimeout
// (when nonzero) supplies one, matching spec.md §6's "command timeout"
// setting.
func (c *Client) SyncCommit(ctx context.Context) error {
	ctx, cancel := c.withCommandTimeout(ctx)
	defer cancel()

	if err := c.Commit(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.callbacksRunning != 0 || len(c.pending) != 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &TimeoutError{Op: "sync_commit", Err: ctx.Err()}
	}
}

// onReply implements the reply-dispatch steps of spec.md §4.E: pop the FIFO
// head, run its handler outside the lock, signal the sync-commit condition.
func (c *Client) onReply(r Reply) {
	c.mu.Lock()
	c.callbacksRunning++
	var handler ReplyHandler
	if len(c.pending) > 0 {
		handler = c.pending[0].handler
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if handler != nil {
		handler(r)
	}

	c.mu.Lock()
	c.callbacksRunning--
	c.cond.Broadcast()
	c.mu.Unlock()
}

// onDisconnect runs the reconnection state machine (spec.md §4.E
// "Reconnection"), grounded on cpp_redis's connection_disconnection_handler.
func (c *Client) onDisconnect(err error) {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectAttempts = 0
	c.conn = nil
	c.notifyState(StateDropped)

	// The callbacks mutex is held between steps but released while
	// sleeping, resolving, dialing and notifying. A Send made while conn is
	// nil only joins the pending FIFO; its command is written by the replay
	// once a reconnect succeeds.
	for c.shouldReconnect() {
		c.sleepBeforeNextAttempt()
		c.reconnect()
	}

	connected := c.conn != nil
	if !connected {
		c.clearCallbacksLocked()
		c.notifyState(StateStopped)
	}
	c.reconnecting = false
	c.mu.Unlock()
}

// shouldReconnect assumes c.mu held.
func (c *Client) shouldReconnect() bool {
	if c.conn != nil || c.cancelFlag || c.closed {
		return false
	}
	return c.cfg.MaxReconnects == -1 || c.reconnectAttempts < c.cfg.MaxReconnects
}

// sleepBeforeNextAttempt assumes c.mu held; it releases the lock while
// sleeping so cancel_reconnect can take effect promptly. The sleep duration
// comes from c.backoff (cenkalti/backoff/v4), a constant policy by default
// so reconnect_interval = 0 still means "no sleep" (spec.md §4.E step 4).
func (c *Client) sleepBeforeNextAttempt() {
	if c.cfg.ReconnectInterval <= 0 {
		return
	}
	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		return
	}
	c.notifyState(StateSleeping)
	c.mu.Unlock()
	time.Sleep(d)
	c.mu.Lock()
}

// reconnect assumes c.mu held; it releases the lock around the blocking
// dial/resolve calls.
func (c *Client) reconnect() {
	c.reconnectAttempts++

	c.mu.Unlock()
	addr, err := c.resolveAddr(context.Background())
	c.mu.Lock()
	if err != nil {
		c.notifyState(StateLookupFailed)
		return
	}

	c.mu.Unlock()
	conn, err := c.dial(addr)
	c.mu.Lock()
	if err != nil {
		c.notifyState(StateFailed)
		return
	}

	failed := c.pending
	c.pending = nil
	c.conn = conn
	c.notifyState(StateOK)
	conn.Start()

	c.reAuth()
	c.reSelect()
	c.resendFailedCommands(failed)
	_ = c.tryCommit(conn)
}

// notifyState assumes c.mu held; it releases the lock around the callback so
// a user handler cannot deadlock against the reconnect loop.
func (c *Client) notifyState(state ConnectState) {
	if c.cfg.OnConnectState == nil {
		return
	}
	host, port, err := net.SplitHostPort(c.cfg.Addr)
	if err != nil {
		host, port = c.cfg.Addr, ""
	}
	c.mu.Unlock()
	c.cfg.OnConnectState(host, port, state)
	c.mu.Lock()
}

// reAuth replays the saved password, matching cpp_redis's re_auth: a
// non-"OK" or error reply is logged, not escalated.
func (c *Client) reAuth() {
	if !c.hasAuth {
		return
	}
	c.unprotectedSend(NewCommand("AUTH", c.password), func(r Reply) {
		if r.Type == TypeSimpleString && string(r.Str) == "OK" {
			c.cfg.Logger.Warnf("redis: re-authenticated after reconnect")
		} else {
			c.cfg.Logger.Warnf("redis: failed to re-authenticate after reconnect: %v", r)
		}
	})
}

// reSelect replays the saved database index, matching cpp_redis's re_select.
func (c *Client) reSelect() {
	if !c.hasDB {
		return
	}
	c.unprotectedSend(NewCommand("SELECT", itoa(c.db)), func(r Reply) {
		if r.Type == TypeSimpleString && string(r.Str) == "OK" {
			c.cfg.Logger.Warnf("redis: re-selected database after reconnect")
		} else {
			c.cfg.Logger.Warnf("redis: failed to re-select database after reconnect: %v", r)
		}
	})
}

// resendFailedCommands re-enqueues the given previously pending commands
// against the fresh connection, preserving each original handler (cpp_redis's
// resend_failed_commands). Callers take them off the FIFO before reAuth and
// reSelect, so AUTH and SELECT are written and answered ahead of them.
func (c *Client) resendFailedCommands(failed []pendingRequest) {
	for _, p := range failed {
		c.unprotectedSend(p.cmd, p.handler)
	}
}

// clearCallbacks drains the pending FIFO and fires every handler with the
// synthetic network-failure reply (spec.md I6), matching cpp_redis's
// clear_callbacks. Safe to call without holding c.mu.
func (c *Client) clearCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCallbacksLocked()
}

func (c *Client) clearCallbacksLocked() {
	if len(c.pending) == 0 {
		return
	}
	old := c.pending
	c.pending = nil
	c.callbacksRunning += len(old)

	go func() {
		reply := Reply{Type: TypeError, Str: []byte(ErrConnLost.Error())}
		for _, p := range old {
			if p.handler != nil {
				p.handler(reply)
			}
			c.mu.Lock()
			c.callbacksRunning--
			c.cond.Broadcast()
			c.mu.Unlock()
		}
	}()
}

// CancelReconnect terminates any in-progress reconnection loop at the next
// decision point (spec.md §4.E "cancel_reconnect").
func (c *Client) CancelReconnect() {
	c.mu.Lock()
	c.cancelFlag = true
	c.mu.Unlock()
}

// AddSentinel adds a sentinel to the pool consulted when connecting by
// service name (spec.md §4.E "add_sentinel").
func (c *Client) AddSentinel(host, port string, connectTimeout time.Duration) {
	c.sentinels.Add(SentinelDefinition{Host: host, Port: port, ConnectTimeout: connectTimeout})
}

// ClearSentinels empties the sentinel pool (spec.md §4.E "clear_sentinels").
func (c *Client) ClearSentinels() { c.sentinels.Clear() }

// Auth remembers password for reconnect replay and forwards AUTH as an
// ordinary command (spec.md §4.E "auth").
func (c *Client) Auth(password string, handler ReplyHandler) {
	c.mu.Lock()
	c.password = password
	c.hasAuth = true
	c.unprotectedSend(NewCommand("AUTH", password), handler)
	c.mu.Unlock()
}

// Select remembers db for reconnect replay and forwards SELECT as an
// ordinary command (spec.md §4.E "select").
func (c *Client) Select(db int64, handler ReplyHandler) {
	c.mu.Lock()
	c.db = db
	c.hasDB = true
	c.unprotectedSend(NewCommand("SELECT", itoa(db)), handler)
	c.mu.Unlock()
}

// replaySticky issues AUTH/SELECT on the very first connect, then writes the
// commands queued before Connect with their handlers attached, in the same
// order the reconnect-time replay uses. Credentials from NewClient's options
// and from an Auth call made before the first Connect both reach the server;
// in the second case AUTH is written twice.
func (c *Client) replaySticky(queued []pendingRequest) {
	c.mu.Lock()
	c.reAuth()
	c.reSelect()
	c.resendFailedCommands(queued)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = c.tryCommit(conn)
	}
}

// Close stops the client: cancels any in-progress reconnect, closes the
// connection, and abandons every pending request with the synthetic
// network-failure reply.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelFlag = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.clearCallbacks()
	return err
}

// backoffFromPolicy adapts cfg's flat reconnect_interval into a
// cenkalti/backoff/v4 ConstantBackOff, matching spec.md §4.E step 4's single
// `reconnect_interval` (not a curve) while reusing the pack's backoff
// dependency instead of a hand-rolled ticker. The attempt bound itself lives
// in shouldReconnect (m_current_reconnect_attempts vs. m_max_reconnects in
// cpp_redis's client.cpp), not here, so maxAttempts is unused by the policy.
func backoffFromPolicy(interval time.Duration, _ int) backoff.BackOff {
	return backoff.NewConstantBackOff(interval)
}

// withCommandTimeout derives a context bounded by cfg.CommandTimeout when
// ctx does not already carry a deadline and CommandTimeout is nonzero
// (spec.md §6 "command timeout", 0 meaning no timeout). The returned cancel
// must always be called.
func (c *Client) withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.CommandTimeout)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
