// Package kimap holds the on-chain side of the namespace: contract
// coordinates, namehash derivation, and decoding of the contract's logs into
// typed Mint, Note, and Fact events.
package kimap

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// DefaultAddress is the kimap contract on Optimism.
	DefaultAddress = "0xcA92476B2483aBD5D82AEBF0b56701Bb2e9be658"
	// DefaultFirstBlock is the block the contract first appeared in.
	DefaultFirstBlock uint64 = 123_908_000
)

// RootHash is the namehash of the empty name: 32 zero bytes.
var RootHash = common.Hash{}

// Namehash derives the namehash of a dotted name. Labels are folded from the
// rightmost (least specific) to the leftmost, so Namehash("bob.alice") is
// keccak(Namehash("alice") ++ keccak("bob")).
func Namehash(name string) common.Hash {
	node := RootHash
	if name == "" || name == "." {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), labelHash)
	}
	return node
}

// Filter builds the log query for the contract at address, starting at
// fromBlock and open-ended ("latest"), matching the three namespace events.
func Filter(address common.Address, fromBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{address},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   nil,
		Topics:    [][]common.Hash{{MintSig, NoteSig, FactSig}},
	}
}
