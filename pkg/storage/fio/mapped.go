//go:build unix

package fio

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"lockstore/pkg/concurrency/latch"
	"lockstore/pkg/dberr"
	"lockstore/pkg/logging"
)

// MappingChunkSize is the fixed size of one mapping chunk. Files larger than
// a single chunk are covered by an array of mappings.
const MappingChunkSize = 1 << 30

// syncStallThreshold is how long a sync must have been running before
// concurrent writers throttle themselves behind it.
const syncStallThreshold = time.Second

// MappedFile provides random access over a memory-mapped file, in fixed
// chunks of MappingChunkSize bytes. Structural remaps (resize, close) are
// serialized by a remap latch; readers and writers observe the mapping
// array under a shared access latch, so a remap can only proceed once all
// in-flight operations have drained.
type MappedFile struct {
	file *os.File
	path string

	// remapLatch serializes structural remaps against each other.
	remapLatch latch.Latch

	// accessLatch guards observation of the mappings array. Reads and
	// writes hold it shared; unmapping holds it exclusively.
	accessLatch latch.Latch

	mappings        [][]byte
	lastMappingSize int
	length          int64

	// syncLatch is held exclusively for the duration of a sync. The start
	// time lets long-running syncs throttle concurrent writers.
	syncLatch      latch.Latch
	syncStartNanos atomic.Int64
}

// Open maps the file at path, creating it if necessary and extending it to
// at least length bytes.
func Open(path string, length int64) (*MappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, dberr.Wrap(err, "FILE_OPEN", "Open", "MappedFile")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.Wrap(err, "FILE_STAT", "Open", "MappedFile")
	}
	if info.Size() < length {
		if err := f.Truncate(length); err != nil {
			f.Close()
			return nil, dberr.Wrap(err, "FILE_TRUNCATE", "Open", "MappedFile")
		}
	} else {
		length = info.Size()
	}

	mf := &MappedFile{file: f, path: path}
	if err := mf.mapAll(length); err != nil {
		f.Close()
		return nil, err
	}
	return mf, nil
}

// mapAll replaces the mapping array to cover the given length. Caller must
// hold whatever exclusion the context requires; at Open time there is none.
func (mf *MappedFile) mapAll(length int64) error {
	var mappings [][]byte
	last := 0
	for off := int64(0); off < length; off += MappingChunkSize {
		size := length - off
		if size > MappingChunkSize {
			size = MappingChunkSize
		}
		m, err := unix.Mmap(int(mf.file.Fd()), off, int(size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			for _, prev := range mappings {
				unix.Munmap(prev)
			}
			return dberr.Wrap(err, "FILE_MMAP", "mapAll", "MappedFile")
		}
		mappings = append(mappings, m)
		last = int(size)
	}
	mf.mappings = mappings
	mf.lastMappingSize = last
	mf.length = length
	return nil
}

func (mf *MappedFile) unmapAll() error {
	var firstErr error
	for _, m := range mf.mappings {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = dberr.Wrap(err, "FILE_MUNMAP", "unmapAll", "MappedFile")
		}
	}
	mf.mappings = nil
	mf.lastMappingSize = 0
	return firstErr
}

// Length returns the mapped length of the file.
func (mf *MappedFile) Length() int64 {
	mf.accessLatch.AcquireShared()
	n := mf.length
	mf.accessLatch.ReleaseShared()
	return n
}

// ReadAt copies into p from the mapping at offset off, crossing chunk
// boundaries as needed.
func (mf *MappedFile) ReadAt(p []byte, off int64) (int, error) {
	mf.accessLatch.AcquireShared()
	defer mf.accessLatch.ReleaseShared()

	if off < 0 || off >= mf.length {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && off < mf.length {
		chunk := mf.mappings[off/MappingChunkSize]
		at := int(off % MappingChunkSize)
		c := copy(p[n:], chunk[at:])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies p into the mapping at offset off. Writes past the mapped
// length fail; use Resize first. While a sync has been running longer than
// the stall threshold, the write throttles itself behind it.
func (mf *MappedFile) WriteAt(p []byte, off int64) (int, error) {
	if start := mf.syncStartNanos.Load(); start != 0 {
		if time.Since(time.Unix(0, start)) > syncStallThreshold {
			// Wait for the sync to finish rather than competing with it.
			mf.syncLatch.AcquireShared()
			mf.syncLatch.ReleaseShared()
		}
	}

	mf.accessLatch.AcquireShared()
	defer mf.accessLatch.ReleaseShared()

	if off < 0 || off+int64(len(p)) > mf.length {
		return 0, dberr.New(dberr.CategoryUser, "WRITE_OUT_OF_RANGE",
			"write past mapped length")
	}

	n := 0
	for n < len(p) {
		chunk := mf.mappings[off/MappingChunkSize]
		at := int(off % MappingChunkSize)
		c := copy(chunk[at:], p[n:])
		n += c
		off += int64(c)
	}
	return n, nil
}

// Resize changes the mapped length. Growing extends the file and maps the
// new range; shrinking unmaps everything first, because accessing a mapping
// beyond a truncated file faults.
func (mf *MappedFile) Resize(length int64) error {
	mf.remapLatch.AcquireExclusive()
	defer mf.remapLatch.ReleaseExclusive()

	mf.accessLatch.AcquireExclusive()
	defer mf.accessLatch.ReleaseExclusive()

	if length == mf.length {
		return nil
	}

	logging.WithFile(mf.path).Debugw("remapping", "from", mf.length, "to", length)

	if err := mf.unmapAll(); err != nil {
		return err
	}
	if err := mf.file.Truncate(length); err != nil {
		return dberr.Wrap(err, "FILE_TRUNCATE", "Resize", "MappedFile")
	}
	return mf.mapAll(length)
}

// Sync flushes the mappings to durable storage. Concurrent readers and
// writers proceed, but writers stall once the sync runs long.
func (mf *MappedFile) Sync() error {
	mf.syncLatch.AcquireExclusive()
	mf.syncStartNanos.Store(time.Now().UnixNano())
	defer func() {
		mf.syncStartNanos.Store(0)
		mf.syncLatch.ReleaseExclusive()
	}()

	mf.accessLatch.AcquireShared()
	defer mf.accessLatch.ReleaseShared()

	for _, m := range mf.mappings {
		if err := unix.Msync(m, unix.MS_SYNC); err != nil {
			return dberr.Wrap(err, "FILE_MSYNC", "Sync", "MappedFile")
		}
	}
	return nil
}

// Close unmaps and closes the file.
func (mf *MappedFile) Close() error {
	mf.remapLatch.AcquireExclusive()
	defer mf.remapLatch.ReleaseExclusive()

	mf.accessLatch.AcquireExclusive()
	defer mf.accessLatch.ReleaseExclusive()

	err := mf.unmapAll()
	if cerr := mf.file.Close(); cerr != nil && err == nil {
		err = dberr.Wrap(cerr, "FILE_CLOSE", "Close", "MappedFile")
	}
	mf.length = 0
	return err
}
