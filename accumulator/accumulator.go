// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package accumulator

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidInput is returned for malformed addresses and for direct
	// proof requests on the dummy key.
	ErrInvalidInput = errors.New("invalid accumulator input")
	// ErrNotFound is returned when a key does not occupy a leaf.
	ErrNotFound = errors.New("key not found in accumulator")
)

// DummyAddress is the padding address. It is the 16 byte value 0xFF..FF,
// left-padded to an address.
var DummyAddress = common.HexToAddress("0xFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF")

// DummyKey is the leaf key of DummyAddress.
var DummyKey = KeyFromAddress(DummyAddress)

const noNode = -1

type node struct {
	value  common.Hash
	parent int
	left   int
	right  int
}

// Accumulator is a perfect binary hash tree built once from a set of keys.
// It is immutable after Build and safe for concurrent use.
type Accumulator struct {
	nodes  []node
	root   int
	leaves map[common.Hash]int
}

// Proof is the list of sibling hashes from a leaf up to the root.
type Proof []common.Hash

// Bytes returns the siblings concatenated, as the contract receives them.
func (p Proof) Bytes() []byte {
	b := make([]byte, 0, len(p)*common.HashLength)
	for _, h := range p {
		b = append(b, h[:]...)
	}
	return b
}

// KeyFromAddress returns keccak256(abi.encode(addr)).
func KeyFromAddress(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(common.LeftPadBytes(addr.Bytes(), common.HashLength))
}

// HashPair returns keccak256(abi.encode(lo, hi)) where lo is the smaller of
// a and b in unsigned byte order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Build constructs the accumulator over keys. Duplicate keys are collapsed.
// An empty key set yields a single dummy leaf, which is also the root.
func Build(keys []common.Hash) *Accumulator {
	seen := make(map[common.Hash]struct{}, len(keys))
	leaves := make([]common.Hash, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		leaves = append(leaves, k)
	}

	size := 1
	for size < len(leaves) {
		size <<= 1
	}
	for len(leaves) < size {
		leaves = append(leaves, DummyKey)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})

	acc := &Accumulator{
		nodes:  make([]node, 0, 2*size-1),
		leaves: make(map[common.Hash]int, size),
	}
	level := make([]int, size)
	for i, k := range leaves {
		level[i] = acc.add(node{value: k, parent: noNode, left: noNode, right: noNode})
		if _, ok := acc.leaves[k]; !ok {
			acc.leaves[k] = level[i]
		}
	}
	for len(level) > 1 {
		next := make([]int, len(level)/2)
		for i := range next {
			l, r := level[2*i], level[2*i+1]
			p := acc.add(node{
				value:  HashPair(acc.nodes[l].value, acc.nodes[r].value),
				parent: noNode,
				left:   l,
				right:  r,
			})
			acc.nodes[l].parent = p
			acc.nodes[r].parent = p
			next[i] = p
		}
		level = next
	}
	acc.root = level[0]
	return acc
}

// FromAddresses hashes every hex address into a key and builds the
// accumulator over them.
func FromAddresses(addrs []string) (*Accumulator, error) {
	keys := make([]common.Hash, len(addrs))
	for i, s := range addrs {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		keys[i] = KeyFromAddress(addr)
	}
	return Build(keys), nil
}

// ParseAddress parses a 20 byte hex address with optional 0x prefix.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.WithMessagef(ErrInvalidInput, "malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

func (a *Accumulator) add(n node) int {
	a.nodes = append(a.nodes, n)
	return len(a.nodes) - 1
}

// Root returns the root hash.
func (a *Accumulator) Root() common.Hash {
	return a.nodes[a.root].value
}

// NumLeaves returns the padded number of leaves.
func (a *Accumulator) NumLeaves() int {
	return (len(a.nodes) + 1) / 2
}

// Contains reports whether key occupies a leaf.
func (a *Accumulator) Contains(key common.Hash) bool {
	_, ok := a.leaves[key]
	return ok
}

// InclusionProof returns the proof for key. The dummy key is rejected, use
// DummyInclusionProof for it.
func (a *Accumulator) InclusionProof(key common.Hash) (Proof, error) {
	if key == DummyKey {
		return nil, errors.WithMessage(ErrInvalidInput, "dummy key requested through InclusionProof")
	}
	return a.proof(key)
}

// DummyInclusionProof returns the proof for DummyKey. It fails with
// ErrNotFound if the key set filled the tree without padding.
func (a *Accumulator) DummyInclusionProof() (Proof, error) {
	return a.proof(DummyKey)
}

func (a *Accumulator) proof(key common.Hash) (Proof, error) {
	idx, ok := a.leaves[key]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "key %s", key.Hex())
	}
	var proof Proof
	for idx != a.root {
		parent := a.nodes[idx].parent
		sibling := a.nodes[parent].left
		if sibling == idx {
			sibling = a.nodes[parent].right
		}
		proof = append(proof, a.nodes[sibling].value)
		idx = parent
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from key and proof and compares
// it to root.
func VerifyInclusionProof(root, key common.Hash, proof Proof) bool {
	h := key
	for _, sibling := range proof {
		h = HashPair(h, sibling)
	}
	return h == root
}
