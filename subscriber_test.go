package redis

import (
	"bufio"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubscriberFanOut mirrors spec.md scenario 3: subscribe("ch"), wait
// for acknowledgement, then deliver two messages in order.
func TestSubscriberFanOut(t *testing.T) {
	srv := startScriptedServer(t)
	cfg := NewConfig(WithAddr(srv.addr()))
	sub := NewSubscriber(cfg)
	require.NoError(t, sub.Connect(context.Background()))
	defer sub.Close()

	conn := srv.nextConn(t)

	var mu sync.Mutex
	var messages [][2]string
	acked := make(chan int64, 1)

	sub.Subscribe("ch",
		func(channel string, payload []byte) {
			mu.Lock()
			messages = append(messages, [2]string{channel, string(payload)})
			mu.Unlock()
		},
		func(count int64) { acked <- count },
	)
	require.NoError(t, sub.Commit())

	r := bufio.NewReader(conn)
	assert.Equal(t, "SUBSCRIBE", readCommandVerb(t, r))

	_, err := conn.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"))
	require.NoError(t, err)

	select {
	case count := <-acked:
		assert.Equal(t, int64(1), count)
	case <-time.After(time.Second):
		t.Fatal("ack never delivered")
	}

	_, err = conn.Write([]byte("*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$5\r\nhello\r\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$5\r\nworld\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, [2]string{"ch", "hello"}, messages[0])
	assert.Equal(t, [2]string{"ch", "world"}, messages[1])
	mu.Unlock()
}

// TestSubscriberPatternFiltersOtherChannels mirrors spec.md scenario 4.
func TestSubscriberPatternFiltersOtherChannels(t *testing.T) {
	srv := startScriptedServer(t)
	cfg := NewConfig(WithAddr(srv.addr()))
	sub := NewSubscriber(cfg)
	require.NoError(t, sub.Connect(context.Background()))
	defer sub.Close()

	conn := srv.nextConn(t)

	var mu sync.Mutex
	var got [][3]string
	err := sub.PSubscribe("ch.*", func(pattern, channel string, payload []byte) {
		mu.Lock()
		got = append(got, [3]string{pattern, channel, string(payload)})
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sub.Commit())

	r := bufio.NewReader(conn)
	assert.Equal(t, "PSUBSCRIBE", readCommandVerb(t, r))

	_, werr := conn.Write([]byte("*4\r\n$8\r\npmessage\r\n$4\r\nch.*\r\n$4\r\nch.a\r\n$1\r\n1\r\n"))
	require.NoError(t, werr)
	_, werr = conn.Write([]byte("*4\r\n$8\r\npmessage\r\n$4\r\nch.*\r\n$4\r\nch.b\r\n$1\r\n2\r\n"))
	require.NoError(t, werr)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, [3]string{"ch.*", "ch.a", "1"}, got[0])
	assert.Equal(t, [3]string{"ch.*", "ch.b", "2"}, got[1])
	mu.Unlock()
}

// TestSubscriberReconnectReAuthsAndResubscribes mirrors spec.md P5
// ("subscription survival... after any number of disconnect/reconnect
// cycles") and exercises the re_auth-before-re_subscribe ordering
// (original_source/sources/core/subscriber.cpp:474-478,498-511): configure
// password "p"; connect; subscribe to "ch"; kill the socket; expect the
// reconnect to issue AUTH p before SUBSCRIBE ch, and a message delivered
// after reconnect to still reach the original handler.
func TestSubscriberReconnectReAuthsAndResubscribes(t *testing.T) {
	srv := startScriptedServer(t)
	cfg := NewConfig(
		WithAddr(srv.addr()),
		WithAuth("p"),
		WithReconnectPolicy(3, time.Millisecond),
	)
	sub := NewSubscriber(cfg)
	require.NoError(t, sub.Connect(context.Background()))
	defer sub.Close()

	first := srv.nextConn(t)
	r1 := bufio.NewReader(first)
	assert.Equal(t, "AUTH", readCommandVerb(t, r1))
	drainRestOfCommand(t, r1, 1)
	_, _ = first.Write([]byte("+OK\r\n"))

	var mu sync.Mutex
	var messages [][2]string
	sub.Subscribe("ch", func(channel string, payload []byte) {
		mu.Lock()
		messages = append(messages, [2]string{channel, string(payload)})
		mu.Unlock()
	}, nil)
	require.NoError(t, sub.Commit())

	assert.Equal(t, "SUBSCRIBE", readCommandVerb(t, r1))
	first.Close() // kill the socket before acknowledging the subscribe

	second := srv.nextConn(t)
	r2 := bufio.NewReader(second)
	assert.Equal(t, "AUTH", readCommandVerb(t, r2))
	drainRestOfCommand(t, r2, 1)
	_, _ = second.Write([]byte("+OK\r\n"))

	assert.Equal(t, "SUBSCRIBE", readCommandVerb(t, r2))
	_, err := second.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n"))
	require.NoError(t, err)
	_, err = second.Write([]byte("*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$5\r\nhello\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, [2]string{"ch", "hello"}, messages[0])
	mu.Unlock()
}
