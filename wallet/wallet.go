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
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"polycry.pt/poly-go/sync"
)

// EphemeralWallet keeps accounts in memory, keyed by address.
type EphemeralWallet struct {
	lock     sync.Mutex
	accounts map[common.Address]*Account
}

// NewEphemeralWallet returns an empty wallet.
func NewEphemeralWallet() *EphemeralWallet {
	return &EphemeralWallet{
		accounts: make(map[common.Address]*Account),
	}
}

// Unlock returns the account for addr.
func (e *EphemeralWallet) Unlock(addr common.Address) (*Account, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	account, ok := e.accounts[addr]
	if !ok {
		return nil, errors.New("account not found")
	}
	return account, nil
}

// AddNewAccount creates an account from rng and adds it.
func (e *EphemeralWallet) AddNewAccount(rng io.Reader) (*Account, error) {
	acc, err := NewRandomAccount(rng)
	if err != nil {
		return nil, err
	}
	return acc, e.AddAccount(acc)
}

// AddAccount adds acc, failing if its address is already present.
func (e *EphemeralWallet) AddAccount(acc *Account) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.accounts[acc.Address()]; ok {
		return errors.New("account already exists")
	}
	e.accounts[acc.Address()] = acc
	return nil
}

// Addresses returns the addresses of all accounts in the wallet.
func (e *EphemeralWallet) Addresses() []common.Address {
	e.lock.Lock()
	defer e.lock.Unlock()
	addrs := make([]common.Address, 0, len(e.accounts))
	for a := range e.accounts {
		addrs = append(addrs, a)
	}
	return addrs
}
