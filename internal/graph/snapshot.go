package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"
)

var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// zstd frame magic, little endian 0xFD2FB528.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Cursor names the last log the ingest engine processed. It is stored with
// the index so a restarted engine can resume where the snapshot left off.
type Cursor struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"log_index"`
	Set      bool   `json:"set"`
}

// Covers reports whether the log at (block, logIndex) is at or before the
// cursor.
func (c Cursor) Covers(block uint64, logIndex uint) bool {
	if !c.Set {
		return false
	}
	return block < c.Block || (block == c.Block && logIndex <= c.LogIndex)
}

// Snapshot is the persisted form of an Index.
type Snapshot struct {
	Root   common.Hash            `json:"root"`
	Index  map[common.Hash]*Node  `json:"index"`
	Names  map[string]common.Hash `json:"names"`
	Cursor Cursor                 `json:"cursor"`
}

// Cursor returns the position of the last processed log.
func (x *Index) Cursor() Cursor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cursor
}

// SetCursor advances the stored log position.
func (x *Index) SetCursor(c Cursor) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cursor = c
}

// Encode serializes the whole index. Output is deterministic for a given
// state; with compress set it is wrapped in a zstd frame.
func (x *Index) Encode(compress bool) ([]byte, error) {
	x.mu.RLock()
	blob, err := json.Marshal(Snapshot{
		Root:   x.root,
		Index:  x.nodes,
		Names:  x.names,
		Cursor: x.cursor,
	})
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if compress {
		return zstdEncoder.EncodeAll(blob, make([]byte, 0, len(blob)/2)), nil
	}
	return blob, nil
}

// Decode parses a blob produced by Encode, compressed or not.
func Decode(blob []byte) (*Snapshot, error) {
	if bytes.HasPrefix(blob, zstdMagic) {
		raw, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptSnapshot, err)
		}
		blob = raw
	}
	var s Snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &s, nil
}

// Restore rebuilds an Index from a decoded snapshot, checking the root and
// name invariants and regenerating the label bitmaps.
func Restore(s *Snapshot) (*Index, error) {
	root, ok := s.Index[s.Root]
	if !ok {
		return nil, fmt.Errorf("%w: root %s missing", ErrCorruptSnapshot, s.Root.Hex())
	}
	if root.Name != "" || root.ParentPath != "" {
		return nil, fmt.Errorf("%w: root has name %q", ErrCorruptSnapshot, root.FullName())
	}
	for name, h := range s.Names {
		n, exists := s.Index[h]
		if !exists {
			return nil, fmt.Errorf("%w: name %q points at unknown %s", ErrCorruptSnapshot, name, h.Hex())
		}
		if n.FullName() != name {
			return nil, fmt.Errorf("%w: name %q points at %q", ErrCorruptSnapshot, name, n.FullName())
		}
	}

	x := newEmpty(s.Root)
	x.cursor = s.Cursor
	for h, n := range s.Index {
		if n.DataKeys == nil {
			n.DataKeys = make(map[string]*DataKey)
		}
		x.nodes[h] = n
	}
	for name, h := range s.Names {
		x.names[name] = h
	}
	x.names[""] = s.Root

	// Deterministic ordinals: by fully-qualified name.
	hashes := make([]common.Hash, 0, len(x.nodes))
	for h := range x.nodes {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return x.nodes[hashes[i]].FullName() < x.nodes[hashes[j]].FullName()
	})
	for _, h := range hashes {
		x.assignOrdinal(h)
		for label := range x.nodes[h].DataKeys {
			x.trackKey(h, label)
		}
	}
	return x, nil
}
