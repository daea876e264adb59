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

package wallet

import (
	"context"
	"crypto/ecdsa"
	"io"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer is the signing capability the channel engine depends on. Raw keys
// and remote custody both implement it.
type Signer interface {
	// Address returns the address signatures recover to.
	Address() common.Address
	// SignHash signs the 32 byte digest as an Ethereum personal message.
	SignHash(ctx context.Context, digest common.Hash) (Signature, error)
}

// compile time check that Account is a Signer.
var _ Signer = (*Account)(nil)

// Account is a Signer holding a raw secp256k1 key.
type Account struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAccount wraps key into an Account.
func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewRandomAccount draws a private key from rng.
func NewRandomAccount(rng io.Reader) (*Account, error) {
	var seed [32]byte
	for {
		if _, err := io.ReadFull(rng, seed[:]); err != nil {
			return nil, errors.WithMessage(err, "reading key material")
		}
		// Seeds outside the curve order are rejected by ToECDSA, draw again.
		if key, err := crypto.ToECDSA(seed[:]); err == nil {
			return NewAccount(key), nil
		}
	}
}

// Address returns the account's address.
func (a *Account) Address() common.Address {
	return a.address
}

// SignHash signs keccak256("\x19Ethereum Signed Message:\n32" ‖ digest).
func (a *Account) SignHash(ctx context.Context, digest common.Hash) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(accounts.TextHash(digest[:]), a.privateKey)
	if err != nil {
		return Signature{}, errors.WithMessage(err, "signing digest")
	}
	return SignatureFromBytes(sig)
}
