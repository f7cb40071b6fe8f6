package redis

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meridianredis/redis/internal/glob"
)

// MessageHandler receives a published message for a literal-channel
// subscription (spec.md §3 "Subscription entry": on_message(channel,
// payload)).
type MessageHandler func(channel string, payload []byte)

// PatternMessageHandler receives a published message for a glob-pattern
// subscription; channel is the concrete channel the message was published
// on, pattern is the subscription's selector.
type PatternMessageHandler func(pattern, channel string, payload []byte)

// AckHandler receives the current subscription count carried by a
// subscribe/psubscribe acknowledgement (spec.md §3 "on_acknowledgement").
// Unsubscribe and PUnsubscribe remove the entry before their acknowledgement
// arrives, so it is not called for those.
type AckHandler func(currentCount int64)

type subscriptionEntry struct {
	onMessage MessageHandler
	onAck     AckHandler
}

type patternEntry struct {
	pattern   glob.Pattern
	onMessage PatternMessageHandler
	onAck     AckHandler
}

// Subscriber is the long-lived subscription client (spec.md §4.F): it owns
// the channel→handlers and pattern→handlers maps exclusively, classifies
// inbound push messages, and resubscribes on reconnect before any other
// traffic resumes. Grounded directly on pascaldekloe-redis/pubsub.go's
// Listener (connectLoop/receiveLoop/resubscribe-on-reconnect), translated
// from its channel-per-subscription design to spec.md's handler-callback
// design ("Subscription entry" specifies callbacks, not channels).
type Subscriber struct {
	cfg      *Config
	resolver PrimaryResolver
	backoff  backoff.BackOff

	mu           sync.Mutex
	conn         *Connection
	subscribed   map[string]subscriptionEntry
	patterns     map[string]patternEntry
	reconnecting bool
	attempts     int
	cancelFlag   bool
	closed       bool

	// sticky state replayed after a reconnect, mirroring Client's
	// password/hasAuth fields so a password set via Auth or
	// WithAuth survives a disconnect/reconnect cycle instead of being
	// silently dropped (original_source/sources/core/subscriber.cpp:474-478
	// calls re_auth() before re_subscribe() on every reconnect).
	password string
	hasAuth  bool

	// at most one authentication reply is forwarded per spec.md I3; after
	// that the slot is nil and further non-push replies are dropped.
	pendingAuthReply ReplyHandler
}

// NewSubscriber builds a Subscriber from cfg but does not connect; call
// Connect.
func NewSubscriber(cfg *Config) *Subscriber {
	if cfg == nil {
		cfg = NewConfig()
	}
	s := &Subscriber{
		cfg:        cfg,
		backoff:    backoffFromPolicy(cfg.ReconnectInterval, cfg.MaxReconnects),
		subscribed: make(map[string]subscriptionEntry),
		patterns:   make(map[string]patternEntry),
	}
	if cfg.Password != "" {
		s.password = cfg.Password
		s.hasAuth = true
	}
	return s
}

// SetResolver installs the sentinel-backed primary resolver, mirroring
// Client.SetResolver.
func (s *Subscriber) SetResolver(r PrimaryResolver) { s.resolver = r }

// Connect performs the first connection attempt synchronously. Fires
// StateStart before dialing and StateOK after success, matching Client.Connect
// and cpp_redis's client::connect (sources/core/client.cpp:99-109).
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.notifyState(StateStart)
	s.mu.Unlock()

	addr, err := s.resolveAddr(ctx)
	if err != nil {
		return err
	}
	conn, err := s.dial(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.notifyState(StateOK)
	s.mu.Unlock()
	conn.Start()

	s.mu.Lock()
	s.reAuth()
	s.mu.Unlock()
	return s.Commit()
}

func (s *Subscriber) resolveAddr(ctx context.Context) (string, error) {
	if s.cfg.ServiceName == "" {
		return s.cfg.Addr, nil
	}
	if s.resolver == nil {
		return "", &ConfigurationError{Err: ErrNoSentinelsConfigured}
	}
	return s.resolver.GetPrimaryAddrByName(ctx, s.cfg.ServiceName)
}

func (s *Subscriber) dial(addr string) (*Connection, error) {
	transport, err := DialTransport(addr, s.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	conn := NewConnection(transport, s.cfg.MaxReplyDepth, s.cfg.Logger)
	conn.SetHandlers(s.onPush, s.onDisconnect)
	return conn, nil
}

// Subscribe registers handlers for a literal channel and, once connected,
// buffers SUBSCRIBE (spec.md §4.F). Call Commit to flush it, the same
// send/commit split Client.Send/Client.Commit provide.
func (s *Subscriber) Subscribe(channel string, onMessage MessageHandler, onAck AckHandler) {
	s.mu.Lock()
	s.subscribed[channel] = subscriptionEntry{onMessage: onMessage, onAck: onAck}
	if s.conn != nil {
		s.conn.Send(NewCommand("SUBSCRIBE", channel))
	}
	s.mu.Unlock()
}

// Unsubscribe buffers UNSUBSCRIBE and removes the channel's handlers at once,
// without waiting for the server's acknowledgement; a late message for it is
// simply dropped by onPush, matching the spec's "handlers released after the
// entry is removed". Call Commit to flush it.
func (s *Subscriber) Unsubscribe(channel string) {
	s.mu.Lock()
	delete(s.subscribed, channel)
	if s.conn != nil {
		s.conn.Send(NewCommand("UNSUBSCRIBE", channel))
	}
	s.mu.Unlock()
}

// PSubscribe registers handlers for a glob pattern and, once connected,
// buffers PSUBSCRIBE. Call Commit to flush it.
func (s *Subscriber) PSubscribe(pattern string, onMessage PatternMessageHandler, onAck AckHandler) error {
	compiled, err := glob.Compile(pattern)
	if err != nil {
		return &ConfigurationError{Err: err}
	}

	s.mu.Lock()
	s.patterns[pattern] = patternEntry{pattern: compiled, onMessage: onMessage, onAck: onAck}
	if s.conn != nil {
		s.conn.Send(NewCommand("PSUBSCRIBE", pattern))
	}
	s.mu.Unlock()
	return nil
}

// PUnsubscribe buffers PUNSUBSCRIBE and removes the pattern's handlers. Call
// Commit to flush it.
func (s *Subscriber) PUnsubscribe(pattern string) {
	s.mu.Lock()
	delete(s.patterns, pattern)
	if s.conn != nil {
		s.conn.Send(NewCommand("PUNSUBSCRIBE", pattern))
	}
	s.mu.Unlock()
}

// Commit flushes every buffered SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE/
// PUNSUBSCRIBE/AUTH call issued since the last Commit, as one atomic write
// (spec.md §4.F "commit", mirroring Client.Commit). No-op while a reconnect
// is in progress: the reconnect loop flushes for us. Returns ErrClosed after
// Close.
func (s *Subscriber) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	reconnecting := s.reconnecting
	conn := s.conn
	s.mu.Unlock()

	if reconnecting || conn == nil {
		return nil
	}
	return conn.Commit()
}

// onPush classifies one inbound reply per spec.md I3 and dispatches it.
func (s *Subscriber) onPush(r Reply) {
	if r.Type != TypeArray {
		s.forwardAuthReply(r)
		return
	}

	switch len(r.Array) {
	case 3:
		if r.Array[2].Type == TypeInteger {
			s.dispatchAck(r.Array)
			return
		}
		if r.Array[2].Type == TypeBulkString {
			s.dispatchMessage(r.Array)
			return
		}
		s.forwardAuthReply(r)
	case 4:
		s.dispatchPatternMessage(r.Array)
	default:
		s.forwardAuthReply(r)
	}
}

// dispatchAck handles ["subscribe"|"unsubscribe"|"psubscribe"|"punsubscribe",
// name, count].
func (s *Subscriber) dispatchAck(arr []Reply) {
	name := string(arr[1].Bulk)
	count := arr[2].Integer

	s.mu.Lock()
	entry, isChannel := s.subscribed[name]
	pentry, isPattern := s.patterns[name]
	s.mu.Unlock()

	if isChannel && entry.onAck != nil {
		entry.onAck(count)
	}
	if isPattern && pentry.onAck != nil {
		pentry.onAck(count)
	}
}

// dispatchMessage handles ["message", channel, payload].
func (s *Subscriber) dispatchMessage(arr []Reply) {
	channel := string(arr[1].Bulk)
	payload := arr[2].Bulk

	s.mu.Lock()
	entry, ok := s.subscribed[channel]
	s.mu.Unlock()

	if ok && entry.onMessage != nil {
		entry.onMessage(channel, payload)
	}
}

// dispatchPatternMessage handles ["pmessage", pattern, channel, payload].
// entry.pattern.Match guards against a stale map entry whose pattern text
// happens to collide with another subscription's key after an
// Unsubscribe/PSubscribe race; the server is always the source of truth for
// which channels a pattern matches, this is a client-side sanity check only.
func (s *Subscriber) dispatchPatternMessage(arr []Reply) {
	pattern := string(arr[1].Bulk)
	channel := string(arr[2].Bulk)
	payload := arr[3].Bulk

	s.mu.Lock()
	entry, ok := s.patterns[pattern]
	s.mu.Unlock()

	if ok && entry.onMessage != nil && entry.pattern.Match(channel) {
		entry.onMessage(pattern, channel, payload)
	}
}

// forwardAuthReply delivers a non-push reply (e.g. an AUTH response on this
// connection) to the single registered handler at most once, per I3.
func (s *Subscriber) forwardAuthReply(r Reply) {
	s.mu.Lock()
	h := s.pendingAuthReply
	s.pendingAuthReply = nil
	s.mu.Unlock()
	if h != nil {
		h(r)
	}
}

// Auth remembers password for reconnect replay and buffers AUTH on the
// subscriber connection; its reply is delivered through the one-shot
// auth-reply slot rather than the push classifier. Call Commit to flush it.
func (s *Subscriber) Auth(password string, handler ReplyHandler) {
	s.mu.Lock()
	s.password = password
	s.hasAuth = true
	s.pendingAuthReply = handler
	if s.conn != nil {
		s.conn.Send(NewCommand("AUTH", password))
	}
	s.mu.Unlock()
}

// reAuth replays the saved password before resubscribing, matching
// cpp_redis's re_auth (original_source/sources/core/subscriber.cpp:474-478);
// a non-"OK" or error reply is logged, not escalated, the same as
// Client.reAuth.
func (s *Subscriber) reAuth() {
	if !s.hasAuth || s.conn == nil {
		return
	}
	s.pendingAuthReply = func(r Reply) {
		if r.Type == TypeSimpleString && string(r.Str) == "OK" {
			s.cfg.Logger.Warnf("redis: re-authenticated after reconnect")
		} else {
			s.cfg.Logger.Warnf("redis: failed to re-authenticate after reconnect: %v", r)
		}
	}
	s.conn.Send(NewCommand("AUTH", s.password))
}

// onDisconnect runs the reconnect loop, resubscribing every active channel
// and pattern before any other traffic resumes (spec.md I4), grounded on
// pascaldekloe's connectLoop and on client.go's cpp_redis-derived
// should_reconnect/cancel_reconnect policy; the delay between attempts is the
// same constant ReconnectInterval backoff Client uses.
func (s *Subscriber) onDisconnect(err error) {
	s.mu.Lock()
	if s.reconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.attempts = 0
	s.conn = nil
	s.notifyState(StateDropped)

	for s.shouldReconnect() {
		s.sleepBeforeNextAttempt()
		s.reconnect()
	}

	if s.conn == nil {
		s.notifyState(StateStopped)
	}
	s.reconnecting = false
	s.mu.Unlock()
}

func (s *Subscriber) shouldReconnect() bool {
	if s.conn != nil || s.cancelFlag || s.closed {
		return false
	}
	return s.cfg.MaxReconnects == -1 || s.attempts < s.cfg.MaxReconnects
}

func (s *Subscriber) sleepBeforeNextAttempt() {
	if s.cfg.ReconnectInterval <= 0 {
		return
	}
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		return
	}
	s.notifyState(StateSleeping)
	s.mu.Unlock()
	time.Sleep(d)
	s.mu.Lock()
}

func (s *Subscriber) reconnect() {
	s.attempts++

	s.mu.Unlock()
	addr, err := s.resolveAddr(context.Background())
	s.mu.Lock()
	if err != nil {
		s.notifyState(StateLookupFailed)
		return
	}

	s.mu.Unlock()
	conn, err := s.dial(addr)
	s.mu.Lock()
	if err != nil {
		s.notifyState(StateFailed)
		return
	}

	s.conn = conn
	s.notifyState(StateOK)
	conn.Start()

	// re-authenticate, then resubscribe, before committing any other
	// buffered command (I4; mirrors Client.reconnect's reAuth/reSelect
	// ordering).
	s.reAuth()
	for channel := range s.subscribed {
		conn.Send(NewCommand("SUBSCRIBE", channel))
	}
	for pattern := range s.patterns {
		conn.Send(NewCommand("PSUBSCRIBE", pattern))
	}
	_ = conn.Commit()
}

func (s *Subscriber) notifyState(state ConnectState) {
	if s.cfg.OnConnectState == nil {
		return
	}
	host, port, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		host, port = s.cfg.Addr, ""
	}
	s.mu.Unlock()
	s.cfg.OnConnectState(host, port, state)
	s.mu.Lock()
}

// CancelReconnect stops any in-progress reconnection loop at the next
// decision point.
func (s *Subscriber) CancelReconnect() {
	s.mu.Lock()
	s.cancelFlag = true
	s.mu.Unlock()
}

// Close tears down the subscriber: no further reconnect is attempted and
// every subscription map is cleared.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelFlag = true
	conn := s.conn
	s.conn = nil
	s.subscribed = make(map[string]subscriptionEntry)
	s.patterns = make(map[string]patternEntry)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
