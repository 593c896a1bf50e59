package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.DeviceConfig {
	return &config.DeviceConfig{
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
}

func TestLoadBeforeSaveReturnsNil(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := testConfig()

	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveOverwritesPriorConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testConfig()))

	updated := testConfig()
	updated.ChunkSize = 262144
	updated.PreferredCompression = "none"
	require.NoError(t, s.Save(ctx, updated))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, updated, got)
}

func TestSaveAndLoadSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")

	s1, err := NewStore(path)
	require.NoError(t, err)
	want := testConfig()
	require.NoError(t, s1.Save(context.Background(), want))
	require.NoError(t, s1.Close())

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPragmas(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)
}

func TestConnectionLimits(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, 1, s.db.Stats().MaxOpenConnections)
}

func TestCloseReleasesDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
