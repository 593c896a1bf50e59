package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/config"
)

func TestLoadBeforeSaveReturnsNil(t *testing.T) {
	s := NewStore()
	cfg, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	want := &config.DeviceConfig{
		ChunkSize:            131072,
		ChunkCount:           1048576,
		CacheEntries:         256,
		MaxInFlight:          32,
		Suite:                "AES_SHA1",
		AllowedCompression:   []string{"none", "zlib"},
		PreferredCompression: "zlib",
		ParcelUUID:           "parcel-uuid",
		ParcelServer:         "server",
		ParcelUser:           "user",
		ParcelName:           "name",
		IndexPath:            "/home/user/.nexus/index.db",
		DataPath:             "/home/user/.nexus/data.bin",
		KeyringPath:          "/home/user/.nexus/keyring.db",
	}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveCopiesSliceFields(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	cfg := &config.DeviceConfig{AllowedCompression: []string{"none"}}
	require.NoError(t, s.Save(ctx, cfg))

	cfg.AllowedCompression[0] = "mutated"

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"none"}, got.AllowedCompression)
}

func TestLoadReturnsIndependentCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &config.DeviceConfig{AllowedCompression: []string{"none"}}))

	got1, err := s.Load(ctx)
	require.NoError(t, err)
	got1.AllowedCompression[0] = "mutated"

	got2, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"none"}, got2.AllowedCompression)
}
