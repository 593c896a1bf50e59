// Package config persists the desired shape of one device across
// keeper restarts: chunk size, cache geometry, cipher suite,
// compression policy, and parcel identity. This is control-plane
// state, not data-plane state — it is loaded once at keeper startup
// and never hot-reloaded (matching the teacher's config.Store
// contract: load-on-start only, not watched for live changes).
package config

import "context"

// Store persists and loads a device's configuration.
type Store interface {
	// Load reads the configuration. Returns nil if none has been
	// saved yet (a fresh home directory).
	Load(ctx context.Context) (*DeviceConfig, error)

	// Save persists the configuration, replacing whatever was there.
	Save(ctx context.Context, cfg *DeviceConfig) error

	// Close releases the store's resources.
	Close() error
}

// DeviceConfig describes one device's parameters, per spec §6: the
// values a keeper needs to reopen a parcel exactly as it was created.
type DeviceConfig struct {
	ChunkSize            int
	ChunkCount           int64
	CacheEntries         int
	MaxInFlight          int
	Suite                string // "AES_SHA1" or "BLOWFISH_SHA1"
	AllowedCompression   []string
	PreferredCompression string

	ParcelUUID   string
	ParcelServer string
	ParcelUser   string
	ParcelName   string

	IndexPath   string
	DataPath    string
	KeyringPath string
}
