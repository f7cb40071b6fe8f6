package redis

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentinelDefinition is one entry in a sentinel pool (spec.md §3 "Sentinel
// definition"): a host/port pair and its own connect timeout, independent of
// the primary connection's timeout.
type SentinelDefinition struct {
	Host           string
	Port           string
	ConnectTimeout time.Duration
}

func (d SentinelDefinition) addr() string {
	return normalizeAddr(d.Host + ":" + d.Port)
}

// SentinelPool keeps sentinel definitions in insertion order and is
// consulted round-robin until one responds (spec.md §3, §4.D). Grounded on
// cpp_redis::sentinel's add_sentinel/clear_sentinels/get_master_addr_by_name
// (original_source/includes/cpp_redis/core/sentinel.hpp).
type SentinelPool struct {
	mu   sync.Mutex
	defs []SentinelDefinition
	next int
}

// NewSentinelPool builds a pool from an initial set of definitions (e.g. from
// Config.Sentinels); more can be added later with Add.
func NewSentinelPool(defs ...SentinelDefinition) *SentinelPool {
	return &SentinelPool{defs: append([]SentinelDefinition(nil), defs...)}
}

// Add appends a sentinel definition to the pool (cpp_redis add_sentinel).
func (p *SentinelPool) Add(d SentinelDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs = append(p.defs, d)
}

// Clear empties the pool (cpp_redis clear_sentinels).
func (p *SentinelPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs = nil
	p.next = 0
}

// snapshot returns the current definitions starting from the round-robin
// cursor, and advances the cursor for next time.
func (p *SentinelPool) snapshot() []SentinelDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.defs)
	if n == 0 {
		return nil
	}
	out := make([]SentinelDefinition, n)
	for i := 0; i < n; i++ {
		out[i] = p.defs[(p.next+i)%n]
	}
	p.next = (p.next + 1) % n
	return out
}

// SentinelResolver implements PrimaryResolver by querying the pool
// round-robin with `SENTINEL get-master-addr-by-name <name>` until one
// sentinel answers (spec.md §4.D: "consulted by E and F when configured by
// service name"; cpp_redis::sentinel::get_master_addr_by_name).
type SentinelResolver struct {
	pool   *SentinelPool
	logger Logger
}

var _ PrimaryResolver = (*SentinelResolver)(nil)

// NewSentinelResolver wraps a SentinelPool as a PrimaryResolver.
func NewSentinelResolver(pool *SentinelPool, logger Logger) *SentinelResolver {
	if logger == nil {
		logger = NopLogger{}
	}
	return &SentinelResolver{pool: pool, logger: logger}
}

// GetPrimaryAddrByName asks each sentinel in round-robin order for the
// primary address of name, returning the first successful answer
// (cpp_redis get_master_addr_by_name with autoconnect=true: connect, ask,
// disconnect, per sentinel, rather than holding a persistent connection).
func (r *SentinelResolver) GetPrimaryAddrByName(ctx context.Context, name string) (string, error) {
	defs := r.pool.snapshot()
	if len(defs) == 0 {
		return "", &ConfigurationError{Err: ErrNoSentinelsConfigured}
	}

	var lastErr error
	for _, d := range defs {
		addr, err := r.askOne(ctx, d, name)
		if err != nil {
			r.logger.Warnf("redis: sentinel %s unreachable: %v", d.addr(), err)
			lastErr = err
			continue
		}
		return addr, nil
	}
	if lastErr == nil {
		lastErr = ErrNoSentinelReachable
	}
	return "", fmt.Errorf("%w: %v", ErrNoSentinelReachable, lastErr)
}

// askOne performs one synchronous request/reply exchange against a single
// sentinel: dial, send, read one reply, disconnect. Deliberately not reusing
// Client/Connection's async FIFO machinery — a sentinel query is a single
// blocking round trip, matching cpp_redis's own autoconnect-per-call design.
func (r *SentinelResolver) askOne(ctx context.Context, d SentinelDefinition, name string) (string, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	transport, err := DialTransport(d.addr(), timeout)
	if err != nil {
		return "", err
	}
	defer transport.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = transport.SetDeadline(dl)
	} else {
		_ = transport.SetDeadline(time.Now().Add(timeout))
	}

	cmd := NewCommand("SENTINEL", "get-master-addr-by-name", name)
	if err := transport.Send(EncodeCommand(cmd)); err != nil {
		return "", err
	}

	dec := NewDecoder(8)
	buf := make([]byte, conservativeMSS)
	for {
		n, err := transport.Receive(buf)
		if err != nil {
			return "", err
		}
		replies, err := dec.Feed(buf[:n])
		if err != nil {
			return "", err
		}
		for _, rep := range replies {
			return addrFromReply(rep)
		}
	}
}

// addrFromReply extracts "host:port" from a two-element bulk-string array
// reply, or reports a lookup failure for a null/empty array (no master
// known under that name yet, matching cpp_redis's false-returning contract).
func addrFromReply(rep Reply) (string, error) {
	if rep.Type == TypeNull || (rep.Type == TypeArray && len(rep.Array) == 0) {
		return "", ErrNoSentinelReachable
	}
	if rep.Type != TypeArray || len(rep.Array) != 2 {
		return "", fmt.Errorf("%w: unexpected sentinel reply shape", ErrProtocol)
	}
	host := rep.Array[0]
	port := rep.Array[1]
	if host.Type != TypeBulkString || port.Type != TypeBulkString {
		return "", fmt.Errorf("%w: unexpected sentinel reply element type", ErrProtocol)
	}
	return normalizeAddr(string(host.Bulk) + ":" + string(port.Bulk)), nil
}
