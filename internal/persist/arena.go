package persist

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentic-research/reseller/internal/control"
)

const (
	ArenaHeaderSize = 4096
	ArenaMagic      = 0x4B494D30 // 'KIM0'
	arenaVersion    = 1

	// Each buffer starts with the blob length.
	lengthPrefix = 8
)

// ArenaHeader sits at offset 0 of the arena file. The rest of the file is
// two equal buffers; ActiveBuffer names the one holding the last snapshot.
type ArenaHeader struct {
	Magic        uint32
	Version      uint8
	ActiveBuffer uint8
	Sequence     uint64
}

func readArenaHeader(f *os.File) (ArenaHeader, error) {
	buf := make([]byte, 16)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return ArenaHeader{}, err
	}
	return ArenaHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      buf[4],
		ActiveBuffer: buf[5],
		Sequence:     binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

func writeArenaHeader(f *os.File, h ArenaHeader) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.ActiveBuffer
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	_, err := f.WriteAt(buf, 0)
	return err
}

func (h ArenaHeader) validate() error {
	if h.Magic != ArenaMagic {
		return fmt.Errorf("invalid arena magic: %x", h.Magic)
	}
	if h.Version != arenaVersion {
		return fmt.Errorf("unsupported arena version: %d", h.Version)
	}
	if h.ActiveBuffer > 1 {
		return fmt.Errorf("invalid active buffer index: %d", h.ActiveBuffer)
	}
	return nil
}

// ArenaStore is a double-buffered snapshot file. Save writes the inactive
// buffer, then flips the header and bumps the sequence, so a reader of the
// active buffer never sees a half-written snapshot. When a control block is
// attached, each flip is published to it with the sequence as generation.
type ArenaStore struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	bufferSize int64
	ctrl       *control.Controller
}

// OpenArenaStore opens the arena at path, creating it with the given total
// size if it does not exist. ctrl may be nil.
func OpenArenaStore(path string, size int64, ctrl *control.Controller) (*ArenaStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open arena: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat arena: %w", err)
	}

	if info.Size() == 0 {
		if size <= ArenaHeaderSize+2*lengthPrefix {
			_ = f.Close()
			return nil, fmt.Errorf("arena size %d too small", size)
		}
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate arena: %w", err)
		}
		h := ArenaHeader{Magic: ArenaMagic, Version: arenaVersion}
		if err := writeArenaHeader(f, h); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write arena header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sync arena: %w", err)
		}
	} else {
		h, err := readArenaHeader(f)
		if err == nil {
			err = h.validate()
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("read arena header: %w", err)
		}
		// An existing arena keeps its own geometry.
		size = info.Size()
		if size <= ArenaHeaderSize+2*lengthPrefix {
			_ = f.Close()
			return nil, fmt.Errorf("arena file size %d too small", size)
		}
	}

	return &ArenaStore{
		path:       path,
		file:       f,
		bufferSize: (size - ArenaHeaderSize) / 2,
		ctrl:       ctrl,
	}, nil
}

// Capacity is the largest snapshot, in bytes, that one buffer can hold.
func (s *ArenaStore) Capacity() int64 {
	return s.bufferSize - lengthPrefix
}

func (s *ArenaStore) offset(buffer uint8) int64 {
	return ArenaHeaderSize + int64(buffer)*s.bufferSize
}

func (s *ArenaStore) Save(_ context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(blob)) > s.Capacity() {
		return fmt.Errorf("snapshot size %d exceeds arena buffer size %d", len(blob), s.Capacity())
	}

	h, err := readArenaHeader(s.file)
	if err != nil {
		return fmt.Errorf("read arena header: %w", err)
	}

	inactive := uint8(1) - h.ActiveBuffer
	off := s.offset(inactive)

	var prefix [lengthPrefix]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(blob)))
	if _, err := s.file.WriteAt(prefix[:], off); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := s.file.WriteAt(blob, off+lengthPrefix); err != nil {
		return fmt.Errorf("write snapshot to inactive buffer: %w", err)
	}
	// The buffer must be durable before the header points at it.
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync arena: %w", err)
	}

	h.ActiveBuffer = inactive
	h.Sequence++
	if err := writeArenaHeader(s.file, h); err != nil {
		return fmt.Errorf("write arena header: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync arena: %w", err)
	}

	if s.ctrl != nil {
		if err := s.ctrl.SetArena(s.path, uint64(ArenaHeaderSize+2*s.bufferSize), h.Sequence); err != nil {
			return fmt.Errorf("update control block: %w", err)
		}
	}
	return nil
}

func (s *ArenaStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := readArenaHeader(s.file)
	if err != nil {
		return nil, fmt.Errorf("read arena header: %w", err)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	if h.Sequence == 0 {
		return nil, ErrNoSnapshot
	}

	off := s.offset(h.ActiveBuffer)
	var prefix [lengthPrefix]byte
	if _, err := s.file.ReadAt(prefix[:], off); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n > uint64(s.Capacity()) {
		return nil, fmt.Errorf("arena length prefix %d exceeds buffer capacity %d", n, s.Capacity())
	}
	blob := make([]byte, n)
	if _, err := s.file.ReadAt(blob, off+lengthPrefix); err != nil {
		return nil, fmt.Errorf("read active buffer: %w", err)
	}
	return blob, nil
}

// Sequence returns the number of completed saves.
func (s *ArenaStore) Sequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := readArenaHeader(s.file)
	if err != nil {
		return 0, err
	}
	return h.Sequence, nil
}

func (s *ArenaStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.file.Close()
	if s.ctrl != nil {
		if cerr := s.ctrl.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
