// Package keeper implements the user-space side of the user-message
// channel (spec §4.G): it drains GET_META/UPDATE_META requests from a
// device's usermsg.Channel and answers them against a keyring.Store,
// the same role parcelkeeper plays against the kernel module in the
// original design.
package keeper

import (
	"context"
	"log/slog"
	"sync"

	"nexus/internal/keyring"
	"nexus/internal/logging"
	"nexus/internal/usermsg"
)

// Keeper drains one device's user-message channel against a keyring
// store until stopped. Its lifecycle mirrors the teacher's
// orchestrator: Start launches a single drain goroutine and returns
// immediately, Stop cancels it and waits for exit.
type Keeper struct {
	log     *slog.Logger
	channel *usermsg.Channel
	keys    keyring.Store

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
}

// New constructs a Keeper bound to channel and keys. It does not start
// draining until Start is called.
func New(channel *usermsg.Channel, keys keyring.Store, logger *slog.Logger) *Keeper {
	return &Keeper{
		log:     logging.Default(logger).With("component", "keeper"),
		channel: channel,
		keys:    keys,
	}
}

// Start launches the drain loop. Calling Start twice without an
// intervening Stop is a no-op.
func (k *Keeper) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	k.running = true

	go k.drain(ctx)
}

// Stop cancels the drain loop and waits for it to exit.
func (k *Keeper) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	cancel := k.cancel
	done := k.done
	k.mu.Unlock()

	cancel()
	<-done

	k.mu.Lock()
	k.running = false
	k.mu.Unlock()
}

func (k *Keeper) drain(ctx context.Context) {
	defer close(k.done)

	for {
		msg, err := k.channel.NextMessage(ctx)
		if err != nil {
			k.log.Debug("drain loop exiting", "error", err)
			return
		}

		switch msg.Kind {
		case usermsg.GetMeta:
			k.handleGetMeta(ctx, msg)
		case usermsg.UpdateMeta:
			k.handleUpdateMeta(ctx, msg)
		default:
			k.log.Warn("unexpected message kind from device", "kind", msg.Kind)
		}
	}
}

func (k *Keeper) handleGetMeta(ctx context.Context, msg usermsg.Message) {
	row, ok, err := k.keys.Get(ctx, msg.Chunk)
	if err != nil {
		k.log.Error("keyring get failed", "chunk", msg.Chunk, "error", err)
		k.channel.SubmitReply(usermsg.Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: usermsg.MetaErr, Err: err})
		return
	}
	if !ok {
		// No row yet for this index: the keyring has never seen a
		// write-back for it. The device reads this identically to a
		// stored zero-length-ciphertext row ("never written", spec §9's
		// decided open question) — an all-zero chunk with no backing
		// I/O, not an error. A keyring-level KindNotFound is reserved
		// for indices clearly outside the device's chunk range, which
		// is validated before reaching the keeper, not here.
		k.channel.SubmitReply(usermsg.Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: usermsg.SetMeta})
		return
	}
	k.channel.SubmitReply(usermsg.Reply{
		Seq: msg.Seq, Chunk: msg.Chunk, Kind: usermsg.SetMeta,
		Compression: row.Compression, Key: row.Key, Tag: row.Tag,
	})
}

func (k *Keeper) handleUpdateMeta(ctx context.Context, msg usermsg.Message) {
	row := keyring.Row{Chunk: msg.Chunk, Tag: msg.Tag, Key: msg.Key, Compression: msg.Compression}
	if err := k.keys.Put(ctx, row); err != nil {
		k.log.Error("keyring put failed", "chunk", msg.Chunk, "error", err)
		if setErr := k.keys.SetDamaged(ctx, true); setErr != nil {
			k.log.Error("failed to set damaged flag after write-back failure", "error", setErr)
		}
		k.channel.SubmitReply(usermsg.Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: usermsg.MetaErr, Err: err})
		return
	}
	k.channel.SubmitReply(usermsg.Reply{Seq: msg.Seq, Chunk: msg.Chunk, Kind: usermsg.SetMeta})
}
