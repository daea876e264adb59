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

package promise

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ConstructorParams are the constructor arguments of a promise contract.
type ConstructorParams interface {
	// Encode returns the abi encoding appended to the init code.
	Encode() ([]byte, error)
	Amount() *big.Int
	// Expiration is a unix timestamp in seconds.
	Expiration() uint64
}

// compile time check that HTLCParams are ConstructorParams.
var _ ConstructorParams = (*HTLCParams)(nil)

// HTLCParams are the constructor arguments of a hash time-locked contract.
type HTLCParams struct {
	amount     *big.Int
	hashlock   [32]byte
	expiration uint64
}

// NewHTLCParams returns HTLC constructor arguments.
func NewHTLCParams(amount *big.Int, hashlock [32]byte, expiration uint64) *HTLCParams {
	return &HTLCParams{amount: new(big.Int).Set(amount), hashlock: hashlock, expiration: expiration}
}

// Encode returns abi.encode(uint256 amount, bytes32 hashlock, uint256 expiration).
func (p *HTLCParams) Encode() ([]byte, error) {
	args := abi.Arguments{
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: uint256Type},
	}
	return args.Pack(p.amount, p.hashlock, new(big.Int).SetUint64(p.expiration))
}

// Amount returns the locked amount.
func (p *HTLCParams) Amount() *big.Int {
	return new(big.Int).Set(p.amount)
}

// Hashlock returns the hash the secret must match.
func (p *HTLCParams) Hashlock() [32]byte {
	return p.hashlock
}

// Expiration returns the timeout of the HTLC.
func (p *HTLCParams) Expiration() uint64 {
	return p.expiration
}
