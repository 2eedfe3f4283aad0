package graph

import (
	"fmt"
	"slices"
)

// Kind distinguishes the two data key variants.
type Kind uint8

const (
	KindNote Kind = iota + 1 // append-only version history
	KindFact                 // write-once
)

func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindFact:
		return "fact"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindNote, KindFact:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("unknown data key kind %d", uint8(k))
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "note":
		*k = KindNote
	case "fact":
		*k = KindFact
	default:
		return fmt.Errorf("unknown data key kind %q", b)
	}
	return nil
}

// DataKey is an annotation on a node. A fact holds exactly one value; a note
// holds every version ever written, oldest first.
type DataKey struct {
	Kind   Kind     `json:"kind"`
	Values [][]byte `json:"values"`
}

// NewNote returns a note whose history is values, in order.
func NewNote(values ...[]byte) *DataKey {
	k := &DataKey{Kind: KindNote, Values: make([][]byte, 0, len(values))}
	for _, v := range values {
		k.Values = append(k.Values, slices.Clone(v))
	}
	return k
}

// NewFact returns a fact holding value.
func NewFact(value []byte) *DataKey {
	return &DataKey{Kind: KindFact, Values: [][]byte{slices.Clone(value)}}
}

// Current returns the authoritative value: the fact itself, or the latest
// note version.
func (k *DataKey) Current() []byte {
	if len(k.Values) == 0 {
		return nil
	}
	return k.Values[len(k.Values)-1]
}

func (k *DataKey) clone() *DataKey {
	c := &DataKey{Kind: k.Kind, Values: make([][]byte, len(k.Values))}
	for i, v := range k.Values {
		c.Values[i] = slices.Clone(v)
	}
	return c
}
