package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentic-research/reseller/internal/graph"
	"github.com/ethereum/go-ethereum/common"
)

// Sink writes the whole index to its store. There is no batching and no
// diffing: each call serializes every node.
type Sink struct {
	store    Store
	compress bool
}

// NewSink wraps store. With compress set, snapshots are zstd framed.
func NewSink(store Store, compress bool) *Sink {
	return &Sink{store: store, compress: compress}
}

// Persist snapshots idx. Failures wrap ErrPersistence; the index itself is
// left as is.
func (s *Sink) Persist(ctx context.Context, idx *graph.Index) error {
	blob, err := idx.Encode(s.compress)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}
	if err := s.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("%w: save: %v", ErrPersistence, err)
	}
	return nil
}

// Restore loads the last snapshot. If none exists it returns a fresh index
// seeded with root and ok=false.
func (s *Sink) Restore(ctx context.Context, root common.Hash) (idx *graph.Index, ok bool, err error) {
	blob, err := s.store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return graph.NewIndex(root), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	snap, err := graph.Decode(blob)
	if err != nil {
		return nil, false, err
	}
	if snap.Root != root {
		return nil, false, fmt.Errorf("%w: snapshot root %s, want %s", graph.ErrCorruptSnapshot, snap.Root.Hex(), root.Hex())
	}
	idx, err = graph.Restore(snap)
	if err != nil {
		return nil, false, err
	}
	return idx, true, nil
}

// Close closes the underlying store.
func (s *Sink) Close() error {
	return s.store.Close()
}
