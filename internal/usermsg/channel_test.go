package usermsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nexus/internal/nexus"
)

func TestGetMetaRoundTrip(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	done := make(chan struct{})
	var reply Reply
	var err error
	go func() {
		reply, err = c.GetMeta(ctx, 42)
		close(done)
	}()

	msg, merr := c.NextMessage(ctx)
	require.NoError(t, merr)
	require.Equal(t, GetMeta, msg.Kind)
	require.Equal(t, nexus.ChunkIndex(42), msg.Chunk)

	c.SubmitReply(Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: SetMeta, Length: 4096, Tag: nexus.Tag("t"), Key: nexus.Key("k")})

	<-done
	require.NoError(t, err)
	require.Equal(t, 4096, reply.Length)
}

func TestMetaErrReplyPropagatesError(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetMeta(ctx, 1)
		errCh <- err
	}()

	msg, _ := c.NextMessage(ctx)
	c.SubmitReply(Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: MetaErr})

	err := <-errCh
	require.Error(t, err)
}

func TestRepliesDemultiplexedOutOfOrder(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	results := make(chan Reply, 2)
	go func() {
		r, _ := c.GetMeta(ctx, 1)
		results <- r
	}()
	go func() {
		r, _ := c.GetMeta(ctx, 2)
		results <- r
	}()

	m1, _ := c.NextMessage(ctx)
	m2, _ := c.NextMessage(ctx)

	// Reply out of request order: second message first.
	c.SubmitReply(Reply{Seq: m2.Seq, Chunk: m2.Chunk, Kind: SetMeta, Length: 2})
	c.SubmitReply(Reply{Seq: m1.Seq, Chunk: m1.Chunk, Kind: SetMeta, Length: 1})

	got := map[nexus.ChunkIndex]int{}
	for i := 0; i < 2; i++ {
		r := <-results
		got[r.Chunk] = r.Length
	}
	require.Equal(t, 1, got[1])
	require.Equal(t, 2, got[2])
}

func TestShutdownRefusedWhenUsersPresent(t *testing.T) {
	c := New(nil)
	c.AddUser()
	err := c.Shutdown(false)
	require.Error(t, err)
}

func TestShutdownFailsInFlightRequests(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetMeta(ctx, 9)
		errCh <- err
	}()

	_, err := c.NextMessage(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(true))

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Equal(t, nexus.KindShutdown, nexus.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("in-flight request was not failed on shutdown")
	}
}

func TestStaleReplyDiscarded(t *testing.T) {
	c := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		c.GetMeta(ctx, 3)
	}()
	msg, _ := c.NextMessage(context.Background())
	cancel() // abandon before reply arrives

	time.Sleep(10 * time.Millisecond)
	c.SubmitReply(Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: SetMeta})
	// No panic / deadlock means the stale reply was safely discarded.
}
