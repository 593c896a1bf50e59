// Package home manages the nexus home directory layout.
//
// The home directory owns all persistent state: the device config
// store and, per parcel, the hoard's index and data files and the
// keyring database.
//
// Layout:
//
//	<root>/
//	  config.db                  (device config store)
//	  parcels/
//	    <parcel-uuid>/
//	      index.db                (hoard chunk-cache index)
//	      data.bin                (hoard chunk-cache data)
//	      keyring.db              (convergent keys + ciphertext tags)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a nexus home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/nexus
//   - macOS:   ~/Library/Application Support/nexus
//   - Windows: %APPDATA%/nexus
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "nexus")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the device config database.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.db")
}

// ParcelDir returns the directory holding one parcel's hoard and
// keyring state.
func (d Dir) ParcelDir(parcelUUID string) string {
	return filepath.Join(d.root, "parcels", parcelUUID)
}

// IndexPath returns the path to a parcel's hoard index database.
func (d Dir) IndexPath(parcelUUID string) string {
	return filepath.Join(d.ParcelDir(parcelUUID), "index.db")
}

// DataPath returns the path to a parcel's hoard data file.
func (d Dir) DataPath(parcelUUID string) string {
	return filepath.Join(d.ParcelDir(parcelUUID), "data.bin")
}

// KeyringPath returns the path to a parcel's keyring database.
func (d Dir) KeyringPath(parcelUUID string) string {
	return filepath.Join(d.ParcelDir(parcelUUID), "keyring.db")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// EnsureParcelExists creates a parcel's directory (and parents) if it
// doesn't exist.
func (d Dir) EnsureParcelExists(parcelUUID string) error {
	dir := d.ParcelDir(parcelUUID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parcel directory %s: %w", dir, err)
	}
	return nil
}
