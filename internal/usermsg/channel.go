// Package usermsg implements the user-message channel of spec §4.G: an
// ordered, typed request/reply channel between the device core and the
// user-space keeper, with FIFO request ordering, out-of-order reply
// demultiplexing by chunk index, and need_user-gated shutdown.
package usermsg

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"nexus/internal/logging"
	"nexus/internal/nexus"
)

// Kind identifies a message's type.
type Kind int

const (
	GetMeta Kind = iota
	UpdateMeta
	SetMeta
	MetaErr
)

func (k Kind) String() string {
	switch k {
	case GetMeta:
		return "GET_META"
	case UpdateMeta:
		return "UPDATE_META"
	case SetMeta:
		return "SET_META"
	case MetaErr:
		return "META_ERR"
	default:
		return "unknown"
	}
}

// Message is one outbound request to the keeper. Seq disambiguates
// multiple outstanding requests for the same chunk index, per §6's
// "matched by (chunk_index, message_seq)".
type Message struct {
	Seq   uint64
	Kind  Kind
	Chunk nexus.ChunkIndex

	// UpdateMeta fields.
	Length      int
	Compression nexus.Compression
	Key         nexus.Key
	Tag         nexus.Tag
}

// Reply is the keeper's answer to a GET_META request: SET_META carries
// the resolved metadata, META_ERR carries a kernel-classified failure.
type Reply struct {
	Seq   uint64
	Kind  Kind // SetMeta or MetaErr
	Chunk nexus.ChunkIndex

	Length      int
	Compression nexus.Compression
	Key         nexus.Key
	Tag         nexus.Tag

	Err error
}

type pending struct {
	msg  Message
	wait chan Reply
}

// Channel is one device's user-message channel: a FIFO of outbound
// requests the keeper drains with NextMessage, and a reply path that
// demultiplexes by chunk index back to the original caller.
type Channel struct {
	log *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	outbound *list.List // of *pending, awaiting NextMessage
	byChunk  map[nexus.ChunkIndex][]*pending
	nextSeq  uint64

	needUser int
	closed   bool
}

// New constructs an empty Channel.
func New(logger *slog.Logger) *Channel {
	c := &Channel{
		log:      logging.Default(logger).With("component", "usermsg"),
		outbound: list.New(),
		byChunk:  make(map[nexus.ChunkIndex][]*pending),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AddUser increments need_user, the open-block-device-handle counter
// that gates shutdown.
func (c *Channel) AddUser() {
	c.mu.Lock()
	c.needUser++
	c.mu.Unlock()
}

// RemoveUser decrements need_user.
func (c *Channel) RemoveUser() {
	c.mu.Lock()
	if c.needUser > 0 {
		c.needUser--
	}
	c.mu.Unlock()
}

// NeedUser returns the current need_user count.
func (c *Channel) NeedUser() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needUser
}

// GetMeta enqueues a GET_META request for chunk and blocks for the
// keeper's reply. Returns the resolved metadata; a KindUserGone error
// if the channel is already closed; or a KindShutdown error if the
// channel is shut down, or ctx is done, before a reply arrives.
func (c *Channel) GetMeta(ctx context.Context, chunk nexus.ChunkIndex) (Reply, error) {
	return c.send(ctx, Message{Kind: GetMeta, Chunk: chunk})
}

// UpdateMeta enqueues an UPDATE_META notification for a write-back and
// blocks until the keeper replies: SET_META once the keyring row is
// stored, or META_ERR, whose error is returned. Draining the message
// with NextMessage alone does not complete the call.
func (c *Channel) UpdateMeta(ctx context.Context, chunk nexus.ChunkIndex, length int, compression nexus.Compression, key nexus.Key, tag nexus.Tag) (Reply, error) {
	return c.send(ctx, Message{
		Kind: UpdateMeta, Chunk: chunk,
		Length: length, Compression: compression, Key: key, Tag: tag,
	})
}

func (c *Channel) send(ctx context.Context, msg Message) (Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reply{}, nexus.NewError("usermsg.send", nexus.KindUserGone, nexus.ErrUserGone)
	}

	c.nextSeq++
	msg.Seq = c.nextSeq
	p := &pending{msg: msg, wait: make(chan Reply, 1)}
	c.outbound.PushBack(p)
	c.byChunk[msg.Chunk] = append(c.byChunk[msg.Chunk], p)
	c.cond.Signal()
	c.mu.Unlock()

	select {
	case reply := <-p.wait:
		if reply.Kind == MetaErr {
			if reply.Err != nil {
				return reply, reply.Err
			}
			return reply, nexus.NewError("usermsg.send", nexus.KindUserGone, fmt.Errorf("keeper returned META_ERR for chunk %d", msg.Chunk))
		}
		return reply, nil
	case <-ctx.Done():
		c.abandon(p)
		return Reply{}, nexus.NewError("usermsg.send", nexus.KindShutdown, ctx.Err())
	}
}

// abandon removes p from the channel's bookkeeping after its caller
// stopped waiting (context cancellation): a reply that later arrives
// for it is discarded by SubmitReply as "no longer pending".
func (c *Channel) abandon(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeByChunkLocked(p)
}

func (c *Channel) removeByChunkLocked(p *pending) {
	list := c.byChunk[p.msg.Chunk]
	for i, q := range list {
		if q == p {
			c.byChunk[p.msg.Chunk] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.byChunk[p.msg.Chunk]) == 0 {
		delete(c.byChunk, p.msg.Chunk)
	}
}

// NextMessage blocks until an outbound request is available, or ctx is
// done. This is the keeper's poll loop entry point (spec §6's
// next_message()); requests are returned in enqueue (FIFO) order.
func (c *Channel) NextMessage(ctx context.Context) (Message, error) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return Message{}, nexus.NewError("usermsg.NextMessage", nexus.KindShutdown, ctx.Err())
		}
		if c.closed && c.outbound.Len() == 0 {
			return Message{}, nexus.NewError("usermsg.NextMessage", nexus.KindShutdown, nexus.ErrShutdown)
		}
		if elem := c.outbound.Front(); elem != nil {
			c.outbound.Remove(elem)
			return elem.Value.(*pending).msg, nil
		}
		c.cond.Wait()
	}
}

// SubmitReply matches a keeper reply to its original caller by chunk
// index and seq (spec §6: "matched by (chunk_index, message_seq)").
// A reply for a seq no longer pending — because the request was
// abandoned, or a matching reply already arrived — is discarded with a
// warning, per §4.G.
func (c *Channel) SubmitReply(reply Reply) {
	c.mu.Lock()
	list := c.byChunk[reply.Chunk]
	var match *pending
	for i, p := range list {
		if p.msg.Seq == reply.Seq {
			match = p
			c.byChunk[reply.Chunk] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.byChunk[reply.Chunk]) == 0 {
		delete(c.byChunk, reply.Chunk)
	}
	c.mu.Unlock()

	if match == nil {
		c.log.Warn("discarding reply for chunk no longer pending", "chunk", reply.Chunk, "seq", reply.Seq)
		return
	}
	match.wait <- reply
}

// Shutdown closes the channel. If force is false and need_user > 0,
// shutdown is refused (spec §4.G). On success, every in-flight request
// is failed with KindShutdown.
func (c *Channel) Shutdown(force bool) error {
	c.mu.Lock()
	if c.needUser > 0 && !force {
		n := c.needUser
		c.mu.Unlock()
		return nexus.NewError("usermsg.Shutdown", nexus.KindBadInput,
			fmt.Errorf("refusing shutdown: need_user=%d open handles", n))
	}

	c.closed = true
	var inFlight []*pending
	for elem := c.outbound.Front(); elem != nil; elem = elem.Next() {
		inFlight = append(inFlight, elem.Value.(*pending))
	}
	for _, ps := range c.byChunk {
		inFlight = append(inFlight, ps...)
	}
	c.outbound.Init()
	c.byChunk = make(map[nexus.ChunkIndex][]*pending)
	c.cond.Broadcast()
	c.mu.Unlock()

	seen := map[*pending]bool{}
	for _, p := range inFlight {
		if seen[p] {
			continue
		}
		seen[p] = true
		select {
		case p.wait <- Reply{Seq: p.msg.Seq, Chunk: p.msg.Chunk, Kind: MetaErr, Err: nexus.NewError("usermsg.Shutdown", nexus.KindShutdown, nexus.ErrShutdown)}:
		default:
		}
	}
	return nil
}
