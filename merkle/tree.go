// Package merkle builds sorted-pair Merkle trees over whitelist entries and
// emits per-leaf membership proofs.
//
// The construction is wire-compatible with the on-chain verifier: each leaf
// is the double keccak of the ABI-encoded (address, uint256 amount) tuple,
//
//	leaf = keccak256(keccak256(abi.encode(address, amountWei)))
//
// and every internal node hashes its two children in (min, max) order by
// unsigned big-endian byte comparison. An odd node at the end of a level is
// promoted unchanged. A single-leaf tree has root equal to the leaf and an
// empty proof.
package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrNoEntries is returned when Build is called with an empty entry list.
var ErrNoEntries = errors.New("merkle: no entries")

// Entry is one (address, amount) leaf input.
type Entry struct {
	Address   common.Address
	AmountWei *uint256.Int
}

// Tree is an immutable sorted-pair Merkle tree with per-address proofs.
type Tree struct {
	root    common.Hash
	leaves  map[common.Address]common.Hash
	proofs  map[common.Address][]common.Hash
	entries []Entry
}

// LeafHash computes the double-keccak leaf hash for one entry. The ABI
// encoding of (address, uint256) is the 32-byte left-padded address followed
// by the 32-byte big-endian amount.
func LeafHash(addr common.Address, amountWei *uint256.Int) common.Hash {
	var enc [64]byte
	copy(enc[12:32], addr.Bytes())
	amount := amountWei.Bytes32()
	copy(enc[32:], amount[:])
	return Keccak256Hash(Keccak256(enc[:]))
}

// hashPair hashes two sibling nodes in sorted order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return Keccak256Hash(a[:], b[:])
	}
	return Keccak256Hash(b[:], a[:])
}

// Build constructs the tree over the given entries. Entries must have
// distinct addresses; the input order does not affect any proof because
// pair ordering is by hash value, but leaf positions follow input order.
func Build(entries []Entry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	leaves := make(map[common.Address]common.Hash, len(entries))
	level := make([]common.Hash, len(entries))
	for i, e := range entries {
		if e.AmountWei == nil {
			return nil, fmt.Errorf("merkle: entry %d (%s): nil amount", i, e.Address.Hex())
		}
		if _, ok := leaves[e.Address]; ok {
			return nil, fmt.Errorf("merkle: duplicate address %s", e.Address.Hex())
		}
		h := LeafHash(e.Address, e.AmountWei)
		leaves[e.Address] = h
		level[i] = h
	}

	// pos[i] tracks where leaf i currently sits while levels collapse.
	proofs := make([][]common.Hash, len(entries))
	pos := make([]int, len(entries))
	for i := range pos {
		pos[i] = i
	}

	for len(level) > 1 {
		for i := range entries {
			p := pos[i]
			if p%2 == 1 {
				proofs[i] = append(proofs[i], level[p-1])
			} else if p+1 < len(level) {
				proofs[i] = append(proofs[i], level[p+1])
			}
			// An odd trailing node is promoted and records no sibling.
			pos[i] = p / 2
		}

		next := make([]common.Hash, 0, (len(level)+1)/2)
		for p := 0; p+1 < len(level); p += 2 {
			next = append(next, hashPair(level[p], level[p+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}

	t := &Tree{
		root:    level[0],
		leaves:  leaves,
		proofs:  make(map[common.Address][]common.Hash, len(entries)),
		entries: entries,
	}
	for i, e := range entries {
		t.proofs[e.Address] = proofs[i]
	}
	return t, nil
}

// Root returns the 32-byte tree root.
func (t *Tree) Root() common.Hash { return t.root }

// Entries returns the leaf inputs in build order.
func (t *Tree) Entries() []Entry { return t.entries }

// Proof returns the sibling path for the given address, leaf level first,
// root excluded. The second return is false when the address is not a leaf.
func (t *Tree) Proof(addr common.Address) ([]common.Hash, bool) {
	p, ok := t.proofs[addr]
	return p, ok
}

// ProofString renders a sibling path as the comma-joined 0x-hex form stored
// in the proofs table. Empty for a single-leaf tree.
func ProofString(proof []common.Hash) string {
	if len(proof) == 0 {
		return ""
	}
	parts := make([]string, len(proof))
	for i, h := range proof {
		parts[i] = h.Hex()
	}
	return strings.Join(parts, ",")
}

// ParseProofString is the inverse of ProofString.
func ParseProofString(s string) ([]common.Hash, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	proof := make([]common.Hash, len(parts))
	for i, p := range parts {
		b, err := parseHash(p)
		if err != nil {
			return nil, fmt.Errorf("merkle: proof element %d: %w", i, err)
		}
		proof[i] = b
	}
	return proof, nil
}

func parseHash(s string) (common.Hash, error) {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("malformed hash %q", s)
	}
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("malformed hash %q", s)
	}
	return common.BytesToHash(b), nil
}

// VerifyProof folds a leaf hash through a sibling path and reports whether
// it reproduces root. This mirrors the on-chain verifier.
func VerifyProof(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	h := leaf
	for _, sib := range proof {
		h = hashPair(h, sib)
	}
	return h == root
}
