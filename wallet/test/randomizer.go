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

package test

import (
	"math/rand"

	"github.com/ethereum/go-ethereum/common"

	"perun.network/perun-upc-backend/wallet"
)

// NewRandomAddress returns an address drawn from rng.
func NewRandomAddress(rng *rand.Rand) common.Address {
	var a common.Address
	rng.Read(a[:])
	return a
}

// NewRandomAccount returns an account drawn from rng and panics on failure.
func NewRandomAccount(rng *rand.Rand) *wallet.Account {
	acc, err := wallet.NewRandomAccount(rng)
	if err != nil {
		panic(err)
	}
	return acc
}

// NewRandomHash returns a hash drawn from rng.
func NewRandomHash(rng *rand.Rand) common.Hash {
	var h common.Hash
	rng.Read(h[:])
	return h
}
