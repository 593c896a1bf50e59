package hoard

import (
	"fmt"
	"os"
	"syscall"

	"nexus/internal/nexus"
)

// sectorSize is the hoard file's addressing unit, per spec §6: "a
// byte-addressable file treated as a dense array of 512-byte sectors".
const sectorSize = 512

// slotFile is the on-disk byte-addressable store backing every slot;
// slot i lives at offset_i*512 with length <= chunksize.
type slotFile struct {
	f         *os.File
	chunkSize int
}

func openSlotFile(path string, chunkSize int) (*slotFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open hoard file: %w", err)
	}
	return &slotFile{f: f, chunkSize: chunkSize}, nil
}

func (s *slotFile) close() error { return s.f.Close() }

func (s *slotFile) readAt(offsetSectors int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	_, err := s.f.ReadAt(buf, offsetSectors*sectorSize)
	if err != nil {
		return nil, nexus.NewError("hoard.slotFile.readAt", nexus.KindIoError, err)
	}
	return buf, nil
}

func (s *slotFile) writeAt(offsetSectors int64, data []byte) error {
	if _, err := s.f.WriteAt(data, offsetSectors*sectorSize); err != nil {
		return nexus.NewError("hoard.slotFile.writeAt", nexus.KindIoError, err)
	}
	return nil
}

// sizeSectors returns the file's current length in sectors.
func (s *slotFile) sizeSectors() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, nexus.NewError("hoard.slotFile.sizeSectors", nexus.KindIoError, err)
	}
	return info.Size() / sectorSize, nil
}

// truncateToSectors extends (never shrinks) the file to at least n
// sectors, so appended slots have backing storage.
func (s *slotFile) truncateToSectors(n int64) error {
	cur, err := s.sizeSectors()
	if err != nil {
		return err
	}
	if n <= cur {
		return nil
	}
	if err := s.f.Truncate(n * sectorSize); err != nil {
		return nexus.NewError("hoard.slotFile.truncateToSectors", nexus.KindIoError, err)
	}
	return nil
}

// fileLock wraps syscall.Flock over the hoard file, grounded in the
// teacher's chunk/file.Manager directory-lock pattern: shared for
// normal multi-reader operation, promoted to exclusive only for
// opportunistic cleanup.
type fileLock struct {
	fd int
}

func newFileLock(f *os.File) *fileLock {
	return &fileLock{fd: int(f.Fd())}
}

// lockShared acquires LOCK_SH, blocking. Multiple processes may hold
// this concurrently (spec §4.H/§5: "the hoard file is multi-reader").
func (l *fileLock) lockShared() error {
	if err := syscall.Flock(l.fd, syscall.LOCK_SH); err != nil {
		return nexus.NewError("hoard.fileLock.lockShared", nexus.KindIoError, err)
	}
	return nil
}

// tryLockExclusive attempts LOCK_EX non-blocking, for opportunistic
// cleanup on shutdown (spec §4.H: "skipped if the promotion would
// block"). Returns ok=false without error if the lock is contended.
func (l *fileLock) tryLockExclusive() (ok bool, err error) {
	if err := syscall.Flock(l.fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, nexus.NewError("hoard.fileLock.tryLockExclusive", nexus.KindIoError, err)
	}
	return true, nil
}

func (l *fileLock) unlock() error {
	if err := syscall.Flock(l.fd, syscall.LOCK_UN); err != nil {
		return nexus.NewError("hoard.fileLock.unlock", nexus.KindIoError, err)
	}
	return nil
}
