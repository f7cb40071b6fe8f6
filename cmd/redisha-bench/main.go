// Command redisha-bench is a small example binary exercising the request
// client's pipelining and reconnect-state reporting against a live server:
// it fires a configurable number of PING commands through sync_commit and
// prints elapsed time plus every connect-state transition observed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	redis "github.com/meridianredis/redis"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "redis address (host:port or /path/to.sock)")
	n := flag.Int("n", 1000, "number of PING commands to pipeline")
	maxReconnects := flag.Int("max-reconnects", 0, "reconnect attempts (-1 = forever, 0 = never)")
	reconnectInterval := flag.Duration("reconnect-interval", 0, "delay between reconnect attempts")
	flag.Parse()

	logger := redis.NewZapLogger(nil)
	cfg := redis.NewConfig(
		redis.WithAddr(*addr),
		redis.WithReconnectPolicy(*maxReconnects, *reconnectInterval),
		redis.WithLogger(logger),
		redis.WithConnectStateHandler(func(host, port string, state redis.ConnectState) {
			fmt.Fprintf(os.Stderr, "connect_state=%s host=%s port=%s\n", state, host, port)
		}),
	)

	client := redis.NewClient(cfg)
	if err := client.Connect(context.Background()); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()

	start := time.Now()
	for i := 0; i < *n; i++ {
		client.Send(redis.NewCommand("PING"), func(redis.Reply) {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.SyncCommit(ctx); err != nil {
		log.Fatalf("sync_commit: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("%d commands in %s (%.0f cmd/s)\n", *n, elapsed, float64(*n)/elapsed.Seconds())
}
