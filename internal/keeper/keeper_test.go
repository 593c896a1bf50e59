package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nexus/internal/keyring"
	keyringmem "nexus/internal/keyring/memory"
	"nexus/internal/nexus"
	"nexus/internal/usermsg"
)

func TestGetMetaOnUnwrittenChunkReturnsZeroTag(t *testing.T) {
	channel := usermsg.New(nil)
	keys := keyringmem.NewStore()
	k := New(channel, keys, nil)
	k.Start(context.Background())
	t.Cleanup(k.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := channel.GetMeta(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, reply.Tag)
}

func TestUpdateMetaThenGetMetaRoundTrips(t *testing.T) {
	channel := usermsg.New(nil)
	keys := keyringmem.NewStore()
	k := New(channel, keys, nil)
	k.Start(context.Background())
	t.Cleanup(k.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := channel.UpdateMeta(ctx, 3, 4096, nexus.CompressionZlib, nexus.Key("key-bytes"), nexus.Tag("tag-bytes"))
	require.NoError(t, err)

	reply, err := channel.GetMeta(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, nexus.Tag("tag-bytes"), reply.Tag)
	require.Equal(t, nexus.Key("key-bytes"), reply.Key)
	require.Equal(t, nexus.CompressionZlib, reply.Compression)
}

func TestGetMetaSurfacesKeyringError(t *testing.T) {
	channel := usermsg.New(nil)
	keys := &failingStore{Store: keyringmem.NewStore()}
	k := New(channel, keys, nil)
	k.Start(context.Background())
	t.Cleanup(k.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := channel.GetMeta(ctx, 1)
	require.Error(t, err)
}

// failingStore wraps a keyring.Store and fails every Get, to exercise
// the keeper's META_ERR reply path.
type failingStore struct {
	keyring.Store
}

func (f *failingStore) Get(ctx context.Context, index nexus.ChunkIndex) (keyring.Row, bool, error) {
	return keyring.Row{}, false, nexus.NewError("failingStore.Get", nexus.KindIoError, errors.New("simulated io error"))
}
