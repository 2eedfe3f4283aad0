package kimap

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrDecode marks a log whose payload could not be turned into an event.
var ErrDecode = errors.New("decode error")

const eventsJSON = `[
	{"type":"event","name":"Mint","anonymous":false,"inputs":[
		{"name":"parenthash","type":"bytes32","indexed":true},
		{"name":"childhash","type":"bytes32","indexed":true},
		{"name":"labelhash","type":"bytes","indexed":true},
		{"name":"label","type":"bytes","indexed":false}
	]},
	{"type":"event","name":"Note","anonymous":false,"inputs":[
		{"name":"parenthash","type":"bytes32","indexed":true},
		{"name":"notehash","type":"bytes32","indexed":true},
		{"name":"labelhash","type":"bytes","indexed":true},
		{"name":"label","type":"bytes","indexed":false},
		{"name":"data","type":"bytes","indexed":false}
	]},
	{"type":"event","name":"Fact","anonymous":false,"inputs":[
		{"name":"parenthash","type":"bytes32","indexed":true},
		{"name":"facthash","type":"bytes32","indexed":true},
		{"name":"labelhash","type":"bytes","indexed":true},
		{"name":"label","type":"bytes","indexed":false},
		{"name":"data","type":"bytes","indexed":false}
	]}
]`

// Events is the parsed ABI of the three namespace events.
var Events = mustParseEvents()

// Event signatures (topic 0).
var (
	MintSig = Events.Events["Mint"].ID
	NoteSig = Events.Events["Note"].ID
	FactSig = Events.Events["Fact"].ID
)

func mustParseEvents() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(eventsJSON))
	if err != nil {
		panic(fmt.Sprintf("kimap: parse event abi: %v", err))
	}
	return parsed
}

// Event is one of Mint, Note or Fact.
type Event interface {
	Kind() string
	Parent() common.Hash
}

// Mint creates a named child under an existing parent.
type Mint struct {
	ParentHash common.Hash
	ChildHash  common.Hash
	Label      string
}

// Note appends a version to a mutable annotation.
type Note struct {
	ParentHash common.Hash
	Label      string
	Data       []byte
}

// Fact writes an immutable annotation.
type Fact struct {
	ParentHash common.Hash
	Label      string
	Data       []byte
}

func (Mint) Kind() string { return "mint" }
func (Note) Kind() string { return "note" }
func (Fact) Kind() string { return "fact" }

func (m Mint) Parent() common.Hash { return m.ParentHash }
func (n Note) Parent() common.Hash { return n.ParentHash }
func (f Fact) Parent() common.Hash { return f.ParentHash }

// Decode turns a raw log into an Event. Logs whose first topic is not one of
// the namespace signatures yield (nil, nil): the contract emits other events
// and those are not errors.
func Decode(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, nil
	}
	switch l.Topics[0] {
	case MintSig:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("%w: mint: want 3 indexed topics, got %d", ErrDecode, len(l.Topics)-1)
		}
		fields, err := unpack("Mint", l.Data, 1)
		if err != nil {
			return nil, err
		}
		label, err := utf8Label(fields[0])
		if err != nil {
			return nil, err
		}
		return Mint{ParentHash: l.Topics[1], ChildHash: l.Topics[2], Label: label}, nil
	case NoteSig, FactSig:
		name := "Note"
		if l.Topics[0] == FactSig {
			name = "Fact"
		}
		if len(l.Topics) < 2 {
			return nil, fmt.Errorf("%w: %s: missing parent topic", ErrDecode, strings.ToLower(name))
		}
		fields, err := unpack(name, l.Data, 2)
		if err != nil {
			return nil, err
		}
		label, err := utf8Label(fields[0])
		if err != nil {
			return nil, err
		}
		if name == "Fact" {
			return Fact{ParentHash: l.Topics[1], Label: label, Data: fields[1]}, nil
		}
		return Note{ParentHash: l.Topics[1], Label: label, Data: fields[1]}, nil
	default:
		return nil, nil
	}
}

// unpack decodes the non-indexed arguments of the named event, all of which
// are dynamic byte strings.
func unpack(event string, data []byte, want int) ([][]byte, error) {
	values, err := Events.Unpack(event, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, strings.ToLower(event), err)
	}
	if len(values) != want {
		return nil, fmt.Errorf("%w: %s: want %d fields, got %d", ErrDecode, strings.ToLower(event), want, len(values))
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s: field %d is %T", ErrDecode, strings.ToLower(event), i, v)
		}
		out[i] = b
	}
	return out, nil
}

func utf8Label(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: label %x is not utf-8", ErrDecode, raw)
	}
	return string(raw), nil
}
