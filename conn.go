package redis

import (
	"sync"
)

// Connection couples the wire codec (resp.go) with a Transport (spec.md
// §4.C). It exclusively owns the outbound send buffer and the decoder
// state, and forwards each completed reply to a single registered handler
// — never re-entrantly for the same Connection (spec.md §5).
//
// Grounded on xenking-redis/redis.go's submit/pass flow and
// pascaldekloe-redis/client.go's exchange/passRead, but split out as its
// own type: spec.md §3 gives the Connection and the Request client (E)
// disjoint ownership (send buffer + decoder vs. pending FIFO), whereas the
// teacher conflates both into one Client struct. Locking is reduced to one
// send-buffer mutex plus a single read goroutine, one layer down and
// reusable by both Client (E) and Subscriber (F).
type Connection struct {
	transport Transport
	decoder   *Decoder
	logger    Logger

	mu      sync.Mutex
	sendBuf []byte

	onReply      func(Reply)
	onDisconnect func(error)

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an already-established Transport. Call SetHandlers
// before Start.
func NewConnection(t Transport, maxReplyDepth int, logger Logger) *Connection {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Connection{
		transport: t,
		decoder:   NewDecoder(maxReplyDepth),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// SetHandlers registers the single reply/disconnect handler pair. Must be
// called before Start; not safe to change concurrently with reads.
func (c *Connection) SetHandlers(onReply func(Reply), onDisconnect func(error)) {
	c.onReply = onReply
	c.onDisconnect = onDisconnect
}

// Send appends the encoded command to the outbound buffer under the send
// mutex. It does not initiate a write (spec.md §4.C).
func (c *Connection) Send(cmd Command) {
	enc := EncodeCommand(cmd)
	c.mu.Lock()
	c.sendBuf = append(c.sendBuf, enc...)
	c.mu.Unlock()
}

// Commit atomically moves the outbound buffer and submits it to the
// transport as a single write. A failing write clears the outbound buffer
// and propagates the error; Commit never retries (spec.md §4.C).
func (c *Connection) Commit() error {
	c.mu.Lock()
	buf := c.sendBuf
	c.sendBuf = nil
	c.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}
	if err := c.transport.Send(buf); err != nil {
		return err
	}
	return nil
}

// Start launches the inbound read loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.readLoop()
}

// readLoop feeds every inbound read into the decoder, drains every
// completed reply by invoking onReply exactly once per reply, then
// reissues the next read (spec.md §4.C). On transport disconnect or a
// protocol error it clears the outbound buffer and invokes onDisconnect
// exactly once.
func (c *Connection) readLoop() {
	buf := make([]byte, conservativeMSS)
	for {
		n, err := c.transport.Receive(buf)
		if err != nil {
			c.fail(err)
			return
		}

		replies, err := c.decoder.Feed(buf[:n])
		for _, r := range replies {
			if c.onReply != nil {
				c.onReply(r)
			}
		}
		if err != nil {
			c.logger.Errorf("redis: protocol error: %v", err)
			c.fail(err)
			return
		}
	}
}

// fail clears the outbound buffer and fires onDisconnect exactly once.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.sendBuf = nil
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	})
}

// Close releases the transport and stops the read loop. Safe to call more
// than once; concurrent with a transport-initiated disconnect.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	<-c.done
	return err
}
