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

package util

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"

	"github.com/ethereum/go-ethereum/common"

	"perun.network/perun-upc-backend/wallet"
)

// NewRand returns a math/rand source seeded from crypto/rand.
func NewRand() *mathrand.Rand {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		panic(err)
	}

	seed := binary.LittleEndian.Uint64(b[:])
	return mathrand.New(mathrand.NewSource(int64(seed)))
}

// MakeRandWallet returns a wallet holding one fresh account.
func MakeRandWallet() (*wallet.EphemeralWallet, *wallet.Account) {
	w := wallet.NewEphemeralWallet()
	acc, err := w.AddNewAccount(NewRand())
	if err != nil {
		panic(err)
	}
	return w, acc
}

// RandomSalt returns 32 random bytes for a promise's CREATE2 salt.
func RandomSalt() [32]byte {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		panic(err)
	}
	return salt
}

// NewRandAddress returns a random address, standing in for contracts the
// demo does not deploy.
func NewRandAddress() common.Address {
	var addr common.Address
	if _, err := rand.Read(addr[:]); err != nil {
		panic(err)
	}
	return addr
}
