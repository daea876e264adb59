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

// Package test sets up a hub and a client with separate stores and
// services sharing one deployed channel.
package test

import (
	"context"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/service"
	"perun.network/perun-upc-backend/store"
	"perun.network/perun-upc-backend/store/inmemory"
	"perun.network/perun-upc-backend/wallet"
	wtest "perun.network/perun-upc-backend/wallet/test"
)

const (
	ChainID       = 1337
	ClaimDuration = 120
	Deposit       = 100
)

// HTLCInit stands in for the init code of the HTLC contract.
var HTLCInit = []byte{0x60, 0x80, 0x60, 0x40, 0x52, 0x34, 0x80, 0x15, 0x61, 0x00, 0x10, 0x57}

// Party is one side of the channel.
type Party struct {
	Account *wallet.Account
	Store   *inmemory.Store
	Service *service.Service
}

// Setup holds both parties of a deployed channel funded with Deposit on
// each side.
type Setup struct {
	Hub       Party
	Client    Party
	ChannelID uint64
	Rng       *rand.Rand
}

// NewSetup creates the parties and the channel. opts apply to both
// services.
func NewSetup(t *testing.T, opts ...service.Option) *Setup {
	rng := pkgtest.Prng(t)
	ctx := context.Background()

	s := &Setup{
		Hub:    newParty(rng, opts),
		Client: newParty(rng, opts),
		Rng:    rng,
	}

	ch, err := channel.New(ChainID, s.Hub.Account.Address(), s.Client.Account.Address(), ClaimDuration, wtest.NewRandomAddress(rng))
	require.NoError(t, err)
	require.NoError(t, ch.Deploy(wtest.NewRandomAddress(rng)))
	require.NoError(t, ch.SetDeposit(ch.Hub.Address, big.NewInt(Deposit)))
	require.NoError(t, ch.SetDeposit(ch.Client.Address, big.NewInt(Deposit)))

	s.ChannelID, err = s.Hub.Service.OpenChannel(ctx, ch)
	require.NoError(t, err)
	ch.ID = s.ChannelID
	require.NoError(t, s.Client.Service.AddChannel(ctx, ch))
	return s
}

func newParty(rng *rand.Rand, opts []service.Option) Party {
	acc := wtest.NewRandomAccount(rng)
	st := inmemory.New()
	return Party{
		Account: acc,
		Store:   st,
		Service: service.New(acc, st, st, st, opts...),
	}
}

// NewHTLC returns HTLC params over amount expiring in five minutes and a
// fresh salt.
func (s *Setup) NewHTLC(amount int64) (*promise.HTLCParams, [32]byte) {
	var hashlock, salt [32]byte
	s.Rng.Read(hashlock[:])
	s.Rng.Read(salt[:])
	exp := uint64(time.Now().Add(5 * time.Minute).Unix())
	return promise.NewHTLCParams(big.NewInt(amount), hashlock, exp), salt
}

// Pay runs one promise round from sender to receiver and returns the
// promise as recorded by the sender. triggerClose flags the receiver's
// copy only.
func (s *Setup) Pay(t *testing.T, sender, receiver Party, amount int64, triggerClose bool) *promise.StatefulPromise {
	ctx := context.Background()
	params, salt := s.NewHTLC(amount)
	sp, err := sender.Service.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, false, HTLCInit, params, salt)
	require.NoError(t, err)
	verdict, err := receiver.Service.AcceptPromise(ctx, &sp.Promise, sp.ID, sp.Type, triggerClose, s.ChannelID, HTLCInit, params, salt)
	require.NoError(t, err)
	require.Equal(t, service.Valid, verdict)
	return sp
}

// Settle has sender issue a receipt closing the promises in ids and adding
// credit to the receiver, which accepts it. It returns the receipt.
func (s *Setup) Settle(t *testing.T, sender, receiver Party, credit int64, ids ...uint64) *promise.Receipt {
	ctx := context.Background()
	toRemove := store.NewIDSet(ids...)
	r, err := sender.Service.CreateTentativeReceipt(ctx, s.ChannelID, big.NewInt(credit), toRemove)
	require.NoError(t, err)
	verdict, err := receiver.Service.AcceptReceipt(ctx, r, s.ChannelID, big.NewInt(credit), toRemove)
	require.NoError(t, err)
	require.Equal(t, service.Valid, verdict)
	require.NoError(t, sender.Service.ConfirmReceipt(ctx, r, big.NewInt(credit), toRemove))
	return r
}
