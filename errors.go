package redis

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Client.Commit / Subscriber.Commit after Close
// (spec.md §3 terminal "Stopped" state reached deliberately, not by loss).
var ErrClosed = errors.New("redis: client closed")

// ErrConnLost signals connection loss to a pending request (spec.md I6:
// the synthetic NetworkFailureSynthetic error, delivered at most once per
// pending request).
var ErrConnLost = errors.New("network failure")

// ErrProtocol is the sentinel wrapped by every malformed-reply error
// (spec.md §7 ProtocolError). Use errors.Is(err, ErrProtocol) to detect it.
var ErrProtocol = errors.New("redis: protocol violation")

// ErrNoSentinelsConfigured is raised synchronously when a service-name
// connect or a sentinel lookup is attempted with an empty sentinel pool and
// autoconnect is requested (spec.md §4.D, §7 ConfigurationError).
var ErrNoSentinelsConfigured = errors.New("redis: no sentinels configured")

// ErrNoSentinelReachable means every sentinel in the pool was tried and
// none answered the primary-address query.
var ErrNoSentinelReachable = errors.New("redis: no sentinel in the pool could be reached")

// TransportError wraps a connect/read/write failure (spec.md §7
// TransportError). It always carries the underlying network error.
type TransportError struct {
	Op  string // "dial", "read", "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("redis: transport %s error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError distinguishes connect/command timeouts from other transport
// failures (spec.md §7 Timeout). Callers can also test with errors.As for
// net.Error's Timeout() method on the wrapped Err.
type TimeoutError struct {
	Op  string // "connect", "sync_commit"
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("redis: %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("redis: %s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

// ConfigurationError is raised synchronously to the caller with no state
// change (spec.md §7), e.g. a service-name connect with an empty sentinel
// pool.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "redis: configuration error: " + e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ServerError is a well-formed "-Error ..." reply from the server. It is
// delivered to the matching handler as a normal Reply of variant Error, not
// escalated out-of-band (spec.md §7).
type ServerError string

// Error satisfies the error interface.
func (e ServerError) Error() string {
	return fmt.Sprintf("redis: server error %q", string(e))
}

// Prefix returns the first word of the error message, conventionally the
// error kind (e.g. "WRONGTYPE", "NOAUTH"), matching the teacher's
// ServerError.Prefix.
func (e ServerError) Prefix() string {
	s := string(e)
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}

// IsNetworkFailure reports whether r is the synthetic network-failure reply
// injected into handlers abandoned during an unsuccessful reconnect (spec.md
// §7 NetworkFailureSynthetic, I6), delivered as an ordinary Error-typed
// Reply rather than out-of-band, the same way a real "-ERR ..." reply is
// delivered to its handler.
func IsNetworkFailure(r Reply) bool {
	return r.Type == TypeError && string(r.Str) == ErrConnLost.Error()
}
