package redis

import "context"

// Future is a one-shot promise over a single command's reply (spec.md §4.G:
// "Promise-returning surface over E's callback surface"). Grounded on
// Design Notes §9's collapse of cpp_redis's future_client/sync_client
// hierarchy into a callback-based core plus a thin promise adapter; the
// adapter itself is a plain buffered channel, since nothing in the pack
// models a single-value promise better than the stdlib primitive (DESIGN.md
// records this among its deliberately stdlib-only pieces).
type Future struct {
	ch chan Reply
}

func newFuture() *Future {
	return &Future{ch: make(chan Reply, 1)}
}

func (f *Future) complete(r Reply) { f.ch <- r }

// Wait blocks until the reply arrives or ctx is done.
func (f *Future) Wait(ctx context.Context) (Reply, error) {
	select {
	case r := <-f.ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, &TimeoutError{Op: "future.Wait", Err: ctx.Err()}
	}
}

// FutureClient adapts Client's callback-based Send into a promise-returning
// call, the thin facade spec.md §4.G describes. It does not duplicate any of
// Client's FIFO/reconnect logic; it just wraps one handler per call.
type FutureClient struct {
	client *Client
}

// NewFutureClient wraps an already-connected Client.
func NewFutureClient(c *Client) *FutureClient { return &FutureClient{client: c} }

// Do enqueues cmd and returns a Future that completes with its reply. Commit
// must still be called (directly or via DoAndCommit) to flush it.
func (f *FutureClient) Do(cmd Command) *Future {
	fut := newFuture()
	f.client.Send(cmd, fut.complete)
	return fut
}

// DoAndCommit enqueues cmd, commits immediately, and returns its Future.
func (f *FutureClient) DoAndCommit(cmd Command) (*Future, error) {
	fut := f.Do(cmd)
	if err := f.client.Commit(); err != nil {
		return fut, err
	}
	return fut, nil
}

// DoSync enqueues cmd, commits, and blocks for its reply. If ctx carries no
// deadline, the client's configured CommandTimeout (spec.md §6) supplies
// one, the same default SyncCommit applies.
func (f *FutureClient) DoSync(ctx context.Context, cmd Command) (Reply, error) {
	ctx, cancel := f.client.withCommandTimeout(ctx)
	defer cancel()

	fut, err := f.DoAndCommit(cmd)
	if err != nil {
		return Reply{}, err
	}
	return fut.Wait(ctx)
}
