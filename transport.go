package redis

import (
	"errors"
	"net"
	"time"
)

// Transport is a single duplex byte stream abstraction (spec.md §4.B). The
// core only ever drives one Transport per Connection; completions may be
// delivered from an I/O goroutine, but Connection serializes all handler
// invocation onto a single logical reception path (spec.md §5).
//
// This is the one collaborator interface named instead of implemented in
// depth: OS-specific I/O reactors (epoll/kqueue/IOCP) are explicitly out of
// scope (spec.md §1). tcpTransport below is the plain net.Conn-backed
// implementation the rest of the package uses.
type Transport interface {
	// Send writes b in full or returns an error. It does not block past
	// the connection's write deadline, if any.
	Send(b []byte) error

	// Receive reads into buf and returns the number of bytes read. It
	// blocks until at least one byte is available, the deadline expires,
	// or the peer disconnects.
	Receive(buf []byte) (int, error)

	// Close releases the underlying resource. Safe to call more than
	// once.
	Close() error

	// SetDeadline applies a combined read/write deadline, mirroring
	// net.Conn.SetDeadline. A zero time disables the deadline.
	SetDeadline(t time.Time) error
}

// DialTransport opens a TCP (or Unix domain socket, for addresses starting
// with "/") connection, applying the same tuning as the teacher's connect
// routine (xenking-redis/redis.go: SetNoDelay(false), SetLinger(0)).
func DialTransport(addr string, timeout time.Duration) (Transport, error) {
	network := "tcp"
	if isUnixAddr(addr) {
		network = "unix"
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &TimeoutError{Op: "connect", Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(false)
		_ = tcp.SetLinger(0)
	}
	return &tcpTransport{conn: conn}, nil
}

// newTransportFromConn wraps an already-established net.Conn (e.g. one side
// of a net.Pipe in tests) the same way DialTransport wraps a freshly dialed
// one.
func newTransportFromConn(c net.Conn) Transport { return &tcpTransport{conn: c} }

type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) Send(b []byte) error {
	_, err := t.conn.Write(b)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *tcpTransport) Receive(buf []byte) (int, error) {
	n, err := t.conn.Read(buf)
	if err != nil {
		return n, &TransportError{Op: "read", Err: err}
	}
	return n, nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) SetDeadline(tm time.Time) error { return t.conn.SetDeadline(tm) }
