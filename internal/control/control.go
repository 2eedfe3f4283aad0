// Package control maintains a one-page shared-memory file that announces the
// latest published snapshot to out-of-process readers. A reader polls
// Generation and re-reads the arena when it changes.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	BlockSize = 4096       // 1 page
	Magic     = 0x4B494D43 // 'KIMC'
	Version   = 1

	maxPath = 256
)

// Block is the memory-mapped layout. Field order and sizes are fixed so
// non-Go readers can map the same file.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // atomic
	ArenaPath  [maxPath]byte
	ArenaSize  uint64
	_          [BlockSize - 280]byte
}

// Controller owns a mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate maps the control file at path, creating and initialising it
// if needed. An existing file with a foreign magic is rejected.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < BlockSize {
		if err := f.Truncate(BlockSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, BlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))
	switch ptr.Magic {
	case 0:
		ptr.Magic = Magic
		ptr.Version = Version
	case Magic:
	default:
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &Controller{path: path, file: f, data: data, ptr: ptr}, nil
}

// Generation returns the sequence number of the last published snapshot.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// ArenaPath returns the arena file the last publish pointed at.
func (c *Controller) ArenaPath() string {
	b := c.ptr.ArenaPath[:]
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ArenaSize returns the total size of the published arena file.
func (c *Controller) ArenaSize() uint64 {
	return c.ptr.ArenaSize
}

// SetArena publishes a new snapshot. Path and size are written before the
// generation store, which is the signal readers wait on.
func (c *Controller) SetArena(path string, size, generation uint64) error {
	if len(path) >= maxPath {
		return fmt.Errorf("path too long (max %d)", maxPath-1)
	}

	clear(c.ptr.ArenaPath[:])
	copy(c.ptr.ArenaPath[:], path)
	c.ptr.ArenaSize = size
	atomic.StoreUint64(&c.ptr.Generation, generation)

	if err := unix.Msync(c.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Path returns the control file location.
func (c *Controller) Path() string { return c.path }

// Close unmaps and closes the control file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
