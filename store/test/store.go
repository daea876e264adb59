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

// Package test provides a test suite every store.Store implementation must
// pass.
package test

import (
	"context"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
	wtest "perun.network/perun-upc-backend/wallet/test"
)

// TestStore runs the store suite against a fresh store returned by newStore.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Channels", func(t *testing.T) { testChannels(t, newStore(t)) })
	t.Run("Promises", func(t *testing.T) { testPromises(t, newStore(t)) })
	t.Run("ClosePromises", func(t *testing.T) { testClosePromises(t, newStore(t)) })
	t.Run("Receipts", func(t *testing.T) { testReceipts(t, newStore(t)) })
	t.Run("CommitReceipt", func(t *testing.T) { testCommitReceipt(t, newStore(t)) })
	t.Run("HandledEvents", func(t *testing.T) { testHandledEvents(t, newStore(t)) })
}

// NewRandomChannel returns a STARTED channel between random parties.
func NewRandomChannel(rng *rand.Rand) *channel.Channel {
	ch, err := channel.New(1337, wtest.NewRandomAddress(rng), wtest.NewRandomAddress(rng), 3600, wtest.NewRandomAddress(rng))
	if err != nil {
		panic(err)
	}
	return ch
}

// NewRandomPromise returns an unsigned open promise of channelID.
func NewRandomPromise(rng *rand.Rand, channelID uint64) *promise.StatefulPromise {
	sp := &promise.StatefulPromise{
		Promise: promise.Promise{
			ChannelID:  channelID,
			ChainID:    1337,
			Sender:     wtest.NewRandomAddress(rng),
			Receiver:   wtest.NewRandomAddress(rng),
			Amount:     big.NewInt(rng.Int63n(1000) + 1),
			Expiration: uint64(rng.Int63n(1_000_000)),
			Bytecode:   []byte{0x60, 0x80},
			Address:    wtest.NewRandomAddress(rng),
		},
		Type:   promise.TypeHTLC,
		Status: promise.StatusOpen,
	}
	rng.Read(sp.Salt[:])
	return sp
}

func testChannels(t *testing.T, s store.Store) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)

	first, second := NewRandomChannel(rng), NewRandomChannel(rng)
	id, err := s.CreateChannel(ctx, first)
	require.NoError(t, err)
	require.EqualValues(t, 1, id)
	id, err = s.CreateChannel(ctx, second)
	require.NoError(t, err)
	require.EqualValues(t, 2, id)

	_, err = s.GetChannel(ctx, 3)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetChannel(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first.Hub.Address, got.Hub.Address)
	require.Equal(t, channel.StatusStarted, got.Status)

	// Mutating a returned copy leaves the store untouched.
	require.NoError(t, got.SetDeposit(got.Hub.Address, big.NewInt(100)))
	again, err := s.GetChannel(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, again.Hub.Deposit.Sign())

	contract := wtest.NewRandomAddress(rng)
	require.NoError(t, got.Deploy(contract))
	require.NoError(t, s.UpdateChannel(ctx, got))

	byAddr, err := s.GetChannelByAddress(ctx, contract)
	require.NoError(t, err)
	require.EqualValues(t, 1, byAddr.ID)
	require.Equal(t, channel.StatusDeployed, byAddr.Status)
	require.Zero(t, byAddr.Hub.Deposit.Cmp(big.NewInt(100)))

	_, err = s.GetChannelByAddress(ctx, wtest.NewRandomAddress(rng))
	require.ErrorIs(t, err, store.ErrNotFound)
	// Undeployed channels all sit at the zero address.
	_, err = s.GetChannelByAddress(ctx, common.Address{})
	require.ErrorIs(t, err, store.ErrNotFound)

	deployed, err := s.GetChannelsByStatus(ctx, channel.StatusDeployed)
	require.NoError(t, err)
	require.Len(t, deployed, 1)
	started, err := s.GetChannelsByStatus(ctx, channel.StatusStarted)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.EqualValues(t, 2, started[0].ID)

	replica := NewRandomChannel(rng)
	replica.ID = 7
	require.NoError(t, s.AddChannel(ctx, replica))
	require.ErrorIs(t, s.AddChannel(ctx, replica), store.ErrDuplicate)
	id, err = s.CreateChannel(ctx, NewRandomChannel(rng))
	require.NoError(t, err)
	require.EqualValues(t, 8, id)

	unknown := NewRandomChannel(rng)
	unknown.ID = 42
	require.ErrorIs(t, s.UpdateChannel(ctx, unknown), store.ErrNotFound)
}

func testPromises(t *testing.T, s store.Store) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)

	var outgoing []*promise.StatefulPromise
	for i := 0; i < 3; i++ {
		sp := NewRandomPromise(rng, 1)
		id, err := s.AddOutgoingPromise(ctx, sp)
		require.NoError(t, err)
		require.EqualValues(t, i+1, id)
		sp.ID = id
		outgoing = append(outgoing, sp)
	}

	got, err := s.GetPromise(ctx, store.Outgoing, 1, 2)
	require.NoError(t, err)
	require.Equal(t, outgoing[1].Address, got.Address)
	require.Zero(t, outgoing[1].Amount.Cmp(got.Amount))
	require.Equal(t, outgoing[1].Salt, got.Salt)

	_, err = s.GetPromise(ctx, store.Incoming, 1, 2)
	require.ErrorIs(t, err, store.ErrNotFound)

	byAddr, err := s.GetPromiseByAddress(ctx, store.Outgoing, outgoing[2].Address)
	require.NoError(t, err)
	require.EqualValues(t, 3, byAddr.ID)
	_, err = s.GetPromiseByAddress(ctx, store.Incoming, outgoing[2].Address)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Incoming ids are the sender's and may repeat across channels.
	in := NewRandomPromise(rng, 1)
	in.ID = 1
	require.NoError(t, s.AddIncomingPromise(ctx, in))
	require.ErrorIs(t, s.AddIncomingPromise(ctx, in), store.ErrDuplicate)
	other := NewRandomPromise(rng, 2)
	other.ID = 1
	require.NoError(t, s.AddIncomingPromise(ctx, other))

	ps, err := s.GetPromises(ctx, store.Incoming, 1)
	require.NoError(t, err)
	require.Len(t, ps, 1)

	got.Status = promise.StatusDeployed
	require.NoError(t, s.UpdatePromise(ctx, store.Outgoing, got))
	outgoing[0].TriggerClose = true
	outgoing[0].Expiration = 100
	require.NoError(t, s.UpdatePromise(ctx, store.Outgoing, outgoing[0]))
	missing := NewRandomPromise(rng, 1)
	missing.ID = 99
	require.ErrorIs(t, s.UpdatePromise(ctx, store.Outgoing, missing), store.ErrNotFound)

	all, err := s.GetPromises(ctx, store.Outgoing, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, promiseIDs(all))

	open, err := s.GetOpenPromises(ctx, store.Outgoing, 1, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, promiseIDs(open))
	open, err = s.GetOpenPromises(ctx, store.Outgoing, 1, store.NewIDSet(1))
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, promiseIDs(open))

	expiring, err := s.GetExpiringPromises(ctx, store.Outgoing, 1, 101)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, promiseIDs(expiring))
	expiring, err = s.GetExpiringPromises(ctx, store.Outgoing, 1, 100)
	require.NoError(t, err)
	require.Empty(t, expiring)
}

func testClosePromises(t *testing.T, s store.Store) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)

	for i := 0; i < 3; i++ {
		_, err := s.AddOutgoingPromise(ctx, NewRandomPromise(rng, 1))
		require.NoError(t, err)
	}
	require.NoError(t, s.ClosePromises(ctx, store.Outgoing, 1, []uint64{1, 2}))
	open, err := s.GetOpenPromises(ctx, store.Outgoing, 1, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, promiseIDs(open))

	// An unknown id closes nothing.
	require.ErrorIs(t, s.ClosePromises(ctx, store.Outgoing, 1, []uint64{3, 9}), store.ErrNotFound)
	open, err = s.GetOpenPromises(ctx, store.Outgoing, 1, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, promiseIDs(open))

	// A deployed promise cannot be closed.
	sp, err := s.GetPromise(ctx, store.Outgoing, 1, 3)
	require.NoError(t, err)
	require.NoError(t, sp.Transition(promise.StatusDeployed))
	require.NoError(t, s.UpdatePromise(ctx, store.Outgoing, sp))
	require.ErrorIs(t, s.ClosePromises(ctx, store.Outgoing, 1, []uint64{3}), promise.ErrInvalidTransition)
}

func testReceipts(t *testing.T, s store.Store) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)

	_, err := s.GetLatestReceipt(ctx, store.Incoming, 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	sender, receiver := wtest.NewRandomAddress(rng), wtest.NewRandomAddress(rng)
	for _, id := range []uint64{2, 5, 3} {
		r, err := promise.NewReceipt(1, 1337, sender, receiver, id, big.NewInt(int64(10*id)), wtest.NewRandomHash(rng))
		require.NoError(t, err)
		require.NoError(t, s.AddReceipt(ctx, store.Incoming, r))
	}
	dup, err := promise.NewReceipt(1, 1337, sender, receiver, 5, big.NewInt(1), common.Hash{})
	require.NoError(t, err)
	require.ErrorIs(t, s.AddReceipt(ctx, store.Incoming, dup), store.ErrDuplicate)
	require.NoError(t, s.AddReceipt(ctx, store.Outgoing, dup))

	latest, err := s.GetLatestReceipt(ctx, store.Incoming, 1)
	require.NoError(t, err)
	require.EqualValues(t, 5, latest.ID)
	require.Zero(t, latest.CumulativeCredit.Cmp(big.NewInt(50)))

	r, err := s.GetReceipt(ctx, store.Incoming, 1, 3)
	require.NoError(t, err)
	require.Equal(t, sender, r.Sender)
	_, err = s.GetReceipt(ctx, store.Incoming, 1, 4)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetLatestReceipt(ctx, store.Incoming, 2)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testCommitReceipt(t *testing.T, s store.Store) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)

	ch := NewRandomChannel(rng)
	id, err := s.CreateChannel(ctx, ch)
	require.NoError(t, err)
	ch.ID = id
	for i := 0; i < 3; i++ {
		_, err := s.AddOutgoingPromise(ctx, NewRandomPromise(rng, id))
		require.NoError(t, err)
	}
	deployed, err := s.GetPromise(ctx, store.Outgoing, id, 3)
	require.NoError(t, err)
	require.NoError(t, deployed.Transition(promise.StatusDeployed))
	require.NoError(t, s.UpdatePromise(ctx, store.Outgoing, deployed))

	r1, err := promise.NewReceipt(id, 1337, ch.Client.Address, ch.Hub.Address, 1, big.NewInt(10), wtest.NewRandomHash(rng))
	require.NoError(t, err)
	require.NoError(t, ch.SetCredit(ch.Hub.Address, big.NewInt(10)))
	require.NoError(t, s.CommitReceipt(ctx, store.Outgoing, r1, ch, []uint64{1}))

	// The receipt commits to the promises left open, not the deployed one.
	committed, err := s.GetCommittedPromises(ctx, store.Outgoing, id, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, committed)

	requireCommitted := func() {
		t.Helper()
		open, err := s.GetOpenPromises(ctx, store.Outgoing, id, nil)
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, promiseIDs(open))
		latest, err := s.GetLatestReceipt(ctx, store.Outgoing, id)
		require.NoError(t, err)
		require.EqualValues(t, 1, latest.ID)
		got, err := s.GetChannel(ctx, id)
		require.NoError(t, err)
		require.Zero(t, got.Hub.Credit.Cmp(big.NewInt(10)))
	}
	requireCommitted()

	// A failing commit writes nothing.
	r2, err := promise.NewReceipt(id, 1337, ch.Client.Address, ch.Hub.Address, 2, big.NewInt(20), wtest.NewRandomHash(rng))
	require.NoError(t, err)
	require.NoError(t, ch.SetCredit(ch.Hub.Address, big.NewInt(20)))
	require.ErrorIs(t, s.CommitReceipt(ctx, store.Outgoing, r2, ch, []uint64{2, 9}), store.ErrNotFound)
	require.ErrorIs(t, s.CommitReceipt(ctx, store.Outgoing, r2, ch, []uint64{3}), promise.ErrInvalidTransition)
	require.ErrorIs(t, s.CommitReceipt(ctx, store.Outgoing, r1, ch, []uint64{2}), store.ErrDuplicate)
	unknown := ch.Clone()
	unknown.ID = 42
	require.ErrorIs(t, s.CommitReceipt(ctx, store.Outgoing, r2, unknown, []uint64{2}), store.ErrNotFound)
	requireCommitted()
	_, err = s.GetReceipt(ctx, store.Outgoing, id, 2)
	require.ErrorIs(t, err, store.ErrNotFound)

	// A plainly added receipt commits to nothing.
	require.NoError(t, s.AddReceipt(ctx, store.Incoming, r2))
	committed, err = s.GetCommittedPromises(ctx, store.Incoming, id, 2)
	require.NoError(t, err)
	require.Empty(t, committed)
	_, err = s.GetCommittedPromises(ctx, store.Incoming, id, 9)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testHandledEvents(t *testing.T, s store.Store) {
	ctx := context.Background()

	fresh, err := s.MarkHandled(ctx, "Deposit/0x01")
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = s.MarkHandled(ctx, "Deposit/0x01")
	require.NoError(t, err)
	require.False(t, fresh)
	fresh, err = s.MarkHandled(ctx, "Withdraw/0x01")
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = s.MarkClosing(ctx, 1)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = s.MarkClosing(ctx, 1)
	require.NoError(t, err)
	require.False(t, fresh)
}

func promiseIDs(ps []*promise.StatefulPromise) []uint64 {
	ids := make([]uint64, len(ps))
	for i, sp := range ps {
		ids[i] = sp.ID
	}
	return ids
}
