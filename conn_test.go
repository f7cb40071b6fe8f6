package redis

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal scripted RESP peer over net.Pipe, used instead of
// a real redis-server in the Connection tests (SPEC_FULL.md §1.4 test
// tooling).
type fakeServer struct {
	conn net.Conn
}

func newFakeServerPair(t *testing.T) (*fakeServer, *Connection) {
	t.Helper()
	client, server := net.Pipe()
	conn := NewConnection(newTransportFromConn(client), 32, NopLogger{})
	return &fakeServer{conn: server}, conn
}

func (f *fakeServer) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := f.conn.Write(b)
	require.NoError(t, err)
}

func (f *fakeServer) readCommand(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, conservativeMSS)
	n, err := f.conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestConnectionSendCommitReceive(t *testing.T) {
	srv, conn := newFakeServerPair(t)
	defer conn.Close()

	var mu sync.Mutex
	var got []Reply
	conn.SetHandlers(func(r Reply) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, func(error) {})
	conn.Start()

	conn.Send(NewCommand("PING"))
	require.NoError(t, conn.Commit())

	sent := srv.readCommand(t)
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", string(sent))

	srv.write(t, []byte("+PONG\r\n"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, "PONG", string(got[0].Str))
	mu.Unlock()
}

func TestConnectionCommitIsNoopWhenEmpty(t *testing.T) {
	_, conn := newFakeServerPair(t)
	defer conn.Close()
	assert.NoError(t, conn.Commit())
}

func TestConnectionFailInvokesOnDisconnectOnce(t *testing.T) {
	srv, conn := newFakeServerPair(t)

	var calls int
	var mu sync.Mutex
	conn.SetHandlers(func(Reply) {}, func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	conn.Start()

	srv.conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)

	// Close() after the transport already failed must not invoke
	// onDisconnect a second time.
	_ = conn.Close()

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}
