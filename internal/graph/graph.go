// Package graph maintains the namespace tree mirrored from the chain.
//
// Nodes live in an arena keyed by namehash. Children are referenced by their
// fully-qualified name and resolved through the names index, so the tree has
// no owning pointers between nodes.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrParentNotFound = errors.New("parent not found")
	ErrDuplicateFact  = errors.New("duplicate fact")
	ErrKindMismatch   = errors.New("data key kind mismatch")
	ErrInvalidMint    = errors.New("invalid mint")
)

// Node is one namespace entry.
type Node struct {
	// ParentPath is the dotted ancestry of the parent, most specific first,
	// each segment prefixed by "." (empty under the root).
	ParentPath string              `json:"parent_path"`
	Name       string              `json:"name"`
	ChildNames []string            `json:"child_names"` // sorted set of fully-qualified names
	DataKeys   map[string]*DataKey `json:"data_keys"`
}

// FullName returns the fully-qualified dotted name of the node.
func (n *Node) FullName() string {
	return n.Name + n.ParentPath
}

func (n *Node) clone() *Node {
	c := &Node{
		ParentPath: n.ParentPath,
		Name:       n.Name,
		ChildNames: slices.Clone(n.ChildNames),
		DataKeys:   make(map[string]*DataKey, len(n.DataKeys)),
	}
	for label, k := range n.DataKeys {
		c.DataKeys[label] = k.clone()
	}
	return c
}

// Index is the namespace arena plus its name lookup.
//
// Mutations are expected from a single goroutine (the ingest engine); the
// lock exists so read-side callers such as the query API see whole updates.
type Index struct {
	mu    sync.RWMutex
	root  common.Hash
	nodes map[common.Hash]*Node
	names map[string]common.Hash

	cursor Cursor

	// Roaring bitmap index: data-key label → set of node ordinals.
	holders   map[string]*roaring.Bitmap
	ordinal   map[common.Hash]uint32
	ordinals  []common.Hash // reverse: ordinal → namehash
	nextOrdID uint32
}

// NewIndex returns an index holding only the root node.
func NewIndex(root common.Hash) *Index {
	x := newEmpty(root)
	x.nodes[root] = &Node{DataKeys: make(map[string]*DataKey)}
	x.names[""] = root
	x.assignOrdinal(root)
	return x
}

func newEmpty(root common.Hash) *Index {
	return &Index{
		root:    root,
		nodes:   make(map[common.Hash]*Node),
		names:   make(map[string]common.Hash),
		holders: make(map[string]*roaring.Bitmap),
		ordinal: make(map[common.Hash]uint32),
	}
}

// Root returns the namehash of the root node.
func (x *Index) Root() common.Hash {
	return x.root
}

// ApplyMint creates child as a direct descendant of parent. A repeated mint
// of the same child replaces the existing node (and its data keys); it is
// not a no-op. When the repeated mint moves the child to another name, the
// old name and the old parent's child entry are dropped.
//
// The root, the parent itself and any ancestor of parent cannot be minted
// as the child: that would detach the tree from the root.
func (x *Index) ApplyMint(parent, child common.Hash, label string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, ok := x.nodes[parent]
	if !ok {
		return fmt.Errorf("mint %q under %s: %w", label, parent.Hex(), ErrParentNotFound)
	}
	if child == x.root || child == parent || x.isAncestor(child, p) {
		return fmt.Errorf("mint %q under %s: child %s is the root or an ancestor: %w", label, parent.Hex(), child.Hex(), ErrInvalidMint)
	}

	parentPath := ""
	if parent != x.root {
		parentPath = "." + p.Name + p.ParentPath
	}
	n := &Node{
		ParentPath: parentPath,
		Name:       label,
		DataKeys:   make(map[string]*DataKey),
	}
	full := n.FullName()

	// Nothing below can fail.
	if old, exists := x.nodes[child]; exists {
		x.unlinkName(child, old)
		x.untrackKeys(child, old)
	}
	p.ChildNames = insertSorted(p.ChildNames, full)
	x.names[full] = child
	x.nodes[child] = n
	x.assignOrdinal(child)
	return nil
}

// ApplyNote appends data to the note called label on parent, creating it on
// first write.
func (x *Index) ApplyNote(parent common.Hash, label string, data []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.nodes[parent]
	if !ok {
		return fmt.Errorf("note %q on %s: %w", label, parent.Hex(), ErrParentNotFound)
	}
	k, exists := n.DataKeys[label]
	switch {
	case !exists:
		n.DataKeys[label] = NewNote(data)
		x.trackKey(parent, label)
	case k.Kind != KindNote:
		return fmt.Errorf("note %q on %s holds a %s: %w", label, parent.Hex(), k.Kind, ErrKindMismatch)
	default:
		k.Values = append(k.Values, slices.Clone(data))
	}
	return nil
}

// ApplyFact writes the immutable fact called label on parent. The label must
// not exist yet, whatever its kind.
func (x *Index) ApplyFact(parent common.Hash, label string, data []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.nodes[parent]
	if !ok {
		return fmt.Errorf("fact %q on %s: %w", label, parent.Hex(), ErrParentNotFound)
	}
	if k, exists := n.DataKeys[label]; exists {
		return fmt.Errorf("fact %q on %s already holds a %s: %w", label, parent.Hex(), k.Kind, ErrDuplicateFact)
	}
	n.DataKeys[label] = NewFact(data)
	x.trackKey(parent, label)
	return nil
}

// Node returns a copy of the node stored under hash.
func (x *Index) Node(hash common.Hash) (*Node, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.nodes[hash]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Lookup resolves a fully-qualified name to its namehash. The root is "".
func (x *Index) Lookup(name string) (common.Hash, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.names[name]
	return h, ok
}

// Len returns the number of nodes, root included.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.nodes)
}

// Holders returns the nodes carrying a data key called label, ordered by
// fully-qualified name.
func (x *Index) Holders(label string) []common.Hash {
	x.mu.RLock()
	defer x.mu.RUnlock()

	bm, ok := x.holders[label]
	if !ok {
		return nil
	}
	out := make([]common.Hash, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		if int(id) < len(x.ordinals) {
			out = append(out, x.ordinals[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return x.nodes[out[i]].FullName() < x.nodes[out[j]].FullName()
	})
	return out
}

// assignOrdinal gives a node a stable bitmap ID. Must be called with x.mu held.
func (x *Index) assignOrdinal(hash common.Hash) uint32 {
	if id, ok := x.ordinal[hash]; ok {
		return id
	}
	id := x.nextOrdID
	x.nextOrdID++
	x.ordinal[hash] = id
	x.ordinals = append(x.ordinals, hash)
	return id
}

// trackKey records that hash holds label. Must be called with x.mu held.
func (x *Index) trackKey(hash common.Hash, label string) {
	bm, ok := x.holders[label]
	if !ok {
		bm = roaring.New()
		x.holders[label] = bm
	}
	bm.Add(x.assignOrdinal(hash))
}

// untrackKeys drops every label bit of a node that is about to be replaced.
func (x *Index) untrackKeys(hash common.Hash, n *Node) {
	id, ok := x.ordinal[hash]
	if !ok {
		return
	}
	for label := range n.DataKeys {
		bm, exists := x.holders[label]
		if !exists {
			continue
		}
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(x.holders, label)
		}
	}
}

// isAncestor reports whether hash names n or one of its ancestors, found by
// walking the suffixes of n's full name. Must be called with x.mu held.
func (x *Index) isAncestor(hash common.Hash, n *Node) bool {
	full := n.FullName()
	for full != "" {
		if h, ok := x.names[full]; ok && h == hash {
			return true
		}
		i := strings.IndexByte(full, '.')
		if i < 0 {
			break
		}
		full = full[i+1:]
	}
	return false
}

// unlinkName removes the name a node is about to lose, unless a later mint
// already gave that name to another hash. Must be called with x.mu held.
func (x *Index) unlinkName(hash common.Hash, n *Node) {
	full := n.FullName()
	if h, ok := x.names[full]; !ok || h != hash {
		return
	}
	delete(x.names, full)

	parent := x.root
	if n.ParentPath != "" {
		h, ok := x.names[strings.TrimPrefix(n.ParentPath, ".")]
		if !ok {
			return
		}
		parent = h
	}
	if p, ok := x.nodes[parent]; ok {
		if i, found := slices.BinarySearch(p.ChildNames, full); found {
			p.ChildNames = slices.Delete(p.ChildNames, i, i+1)
		}
	}
}

func insertSorted(set []string, s string) []string {
	i, found := slices.BinarySearch(set, s)
	if found {
		return set
	}
	return slices.Insert(set, i, s)
}
