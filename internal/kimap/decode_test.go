package kimap

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packData(t *testing.T, event string, args ...any) []byte {
	t.Helper()
	data, err := Events.Events[event].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return data
}

func labelTopic(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

func TestNamehash(t *testing.T) {
	assert.Equal(t, RootHash, Namehash(""))
	assert.Equal(t, RootHash, Namehash("."))

	// ENS reference vector.
	assert.Equal(t,
		common.HexToHash("0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"),
		Namehash("eth"))

	alice := Namehash("alice")
	want := crypto.Keccak256Hash(alice.Bytes(), crypto.Keccak256([]byte("bob")))
	assert.Equal(t, want, Namehash("bob.alice"))
}

func TestSignaturesMatchCanonicalForms(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte("Mint(bytes32,bytes32,bytes,bytes)")), MintSig)
	assert.Equal(t, crypto.Keccak256Hash([]byte("Note(bytes32,bytes32,bytes,bytes,bytes)")), NoteSig)
	assert.Equal(t, crypto.Keccak256Hash([]byte("Fact(bytes32,bytes32,bytes,bytes,bytes)")), FactSig)
}

func TestDecodeMint(t *testing.T) {
	parent := Namehash("alice")
	child := Namehash("bob.alice")
	ev, err := Decode(types.Log{
		Topics: []common.Hash{MintSig, parent, child, labelTopic("bob")},
		Data:   packData(t, "Mint", []byte("bob")),
	})
	require.NoError(t, err)
	assert.Equal(t, Mint{ParentHash: parent, ChildHash: child, Label: "bob"}, ev)
	assert.Equal(t, "mint", ev.Kind())
	assert.Equal(t, parent, ev.Parent())
}

func TestDecodeNoteAndFact(t *testing.T) {
	parent := Namehash("alice")

	ev, err := Decode(types.Log{
		Topics: []common.Hash{NoteSig, parent, common.Hash{1}, labelTopic("~bio")},
		Data:   packData(t, "Note", []byte("~bio"), []byte{0x00, 0xff}),
	})
	require.NoError(t, err)
	assert.Equal(t, Note{ParentHash: parent, Label: "~bio", Data: []byte{0x00, 0xff}}, ev)

	ev, err = Decode(types.Log{
		Topics: []common.Hash{FactSig, parent, common.Hash{2}, labelTopic("!owner")},
		Data:   packData(t, "Fact", []byte("!owner"), []byte("x")),
	})
	require.NoError(t, err)
	assert.Equal(t, Fact{ParentHash: parent, Label: "!owner", Data: []byte("x")}, ev)
	assert.Equal(t, "fact", ev.Kind())
}

func TestDecodeIgnoresUnknownSignatures(t *testing.T) {
	ev, err := Decode(types.Log{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))},
		Data:   []byte{1, 2, 3},
	})
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = Decode(types.Log{})
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeErrors(t *testing.T) {
	parent := Namehash("alice")

	t.Run("non utf-8 label", func(t *testing.T) {
		_, err := Decode(types.Log{
			Topics: []common.Hash{MintSig, parent, common.Hash{9}, {}},
			Data:   packData(t, "Mint", []byte{0xff, 0xfe}),
		})
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("truncated payload", func(t *testing.T) {
		data := packData(t, "Note", []byte("label"), []byte("data"))
		_, err := Decode(types.Log{
			Topics: []common.Hash{NoteSig, parent, {}, {}},
			Data:   data[:40],
		})
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("missing indexed topics", func(t *testing.T) {
		_, err := Decode(types.Log{
			Topics: []common.Hash{MintSig, parent},
			Data:   packData(t, "Mint", []byte("bob")),
		})
		assert.ErrorIs(t, err, ErrDecode)

		_, err = Decode(types.Log{
			Topics: []common.Hash{FactSig},
			Data:   packData(t, "Fact", []byte("k"), []byte("v")),
		})
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := Decode(types.Log{Topics: []common.Hash{FactSig, parent, {}, {}}})
		assert.ErrorIs(t, err, ErrDecode)
	})
}

func TestFilter(t *testing.T) {
	addr := common.HexToAddress(DefaultAddress)
	q := Filter(addr, DefaultFirstBlock)
	assert.Equal(t, []common.Address{addr}, q.Addresses)
	assert.Equal(t, DefaultFirstBlock, q.FromBlock.Uint64())
	assert.Nil(t, q.ToBlock)
	require.Len(t, q.Topics, 1)
	assert.ElementsMatch(t, []common.Hash{MintSig, NoteSig, FactSig}, q.Topics[0])
}
