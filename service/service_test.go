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

package service_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-upc-backend/accumulator"
	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/service"
	stest "perun.network/perun-upc-backend/service/test"
	"perun.network/perun-upc-backend/store"
	"perun.network/perun-upc-backend/store/inmemory"
	"perun.network/perun-upc-backend/wallet"
	wtest "perun.network/perun-upc-backend/wallet/test"
)

func requireAmount(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	require.Zerof(t, got.Cmp(big.NewInt(want)), "want %d, got %v", want, got)
}

func TestHTLCFlow(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	hub, client := s.Hub.Service, s.Client.Service

	before, err := hub.OtherAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, stest.Deposit, before)

	p1 := s.Pay(t, s.Client, s.Hub, 10, true)
	require.EqualValues(t, 1, p1.ID)
	require.EqualValues(t, 0, p1.ReceiptID)

	avail, err := client.SelfAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 90, avail)
	avail, err = hub.OtherAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 90, avail)

	acc, err := hub.IncomingAccumulator(ctx, s.ChannelID)
	require.NoError(t, err)
	require.True(t, acc.Contains(accumulator.KeyFromAddress(p1.Address)))

	r1 := s.Settle(t, s.Client, s.Hub, 10, p1.ID)
	require.EqualValues(t, 1, r1.ID)
	requireAmount(t, 10, r1.CumulativeCredit)
	// P1 is settled by the receipt, nothing is left outstanding.
	require.Equal(t, accumulator.Build(nil).Root(), r1.AccumulatorRoot)

	for _, party := range []stest.Party{s.Hub, s.Client} {
		dir := store.Incoming
		if party.Account == s.Client.Account {
			dir = store.Outgoing
		}
		sp, err := party.Store.GetPromise(ctx, dir, s.ChannelID, p1.ID)
		require.NoError(t, err)
		require.Equal(t, promise.StatusClosed, sp.Status)

		ch, err := party.Service.Channel(ctx, s.ChannelID)
		require.NoError(t, err)
		requireAmount(t, 10, ch.Hub.Credit)
		requireAmount(t, 0, ch.Client.Credit)
	}

	avail, err = hub.OtherAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 90, avail)
	avail, err = hub.SelfAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 110, avail)
	avail, err = client.SelfAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 90, avail)

	// The next promise is issued against R1.
	params, salt := s.NewHTLC(5)
	p2, err := client.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, false, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	require.EqualValues(t, 1, p2.ReceiptID)
	verdict, err := hub.CheckPromise(ctx, &p2.Promise, s.ChannelID, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	require.Equal(t, service.Valid, verdict)
}

func TestReceiptRootCoversOutstandingPromises(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)

	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	p2 := s.Pay(t, s.Client, s.Hub, 20, false)

	r, err := s.Client.Service.CreateReceipt(ctx, s.ChannelID)
	require.NoError(t, err)
	want, err := accumulator.FromAddresses([]string{p1.Address.Hex(), p2.Address.Hex()})
	require.NoError(t, err)
	require.Equal(t, want.Root(), r.AccumulatorRoot)
	requireAmount(t, 0, r.CumulativeCredit)

	verdict, err := s.Hub.Service.AcceptReceipt(ctx, r, s.ChannelID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, service.Valid, verdict)

	// Stored receipts advance the receipt id.
	r2, err := s.Client.Service.CreateTentativeReceipt(ctx, s.ChannelID, big.NewInt(10), store.NewIDSet(p1.ID))
	require.NoError(t, err)
	require.EqualValues(t, 2, r2.ID)
	want, err = accumulator.FromAddresses([]string{p2.Address.Hex()})
	require.NoError(t, err)
	require.Equal(t, want.Root(), r2.AccumulatorRoot)
}

func TestTentativeReceipt(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	toRemove := store.NewIDSet(p1.ID)

	r1, err := s.Client.Service.CreateTentativeReceipt(ctx, s.ChannelID, big.NewInt(10), toRemove)
	require.NoError(t, err)
	r2, err := s.Client.Service.CreateTentativeReceipt(ctx, s.ChannelID, big.NewInt(10), toRemove)
	require.NoError(t, err)

	require.Equal(t, r1.ID, r2.ID)
	require.Zero(t, r1.CumulativeCredit.Cmp(r2.CumulativeCredit))
	require.Equal(t, r1.AccumulatorRoot, r2.AccumulatorRoot)
	for _, r := range []*promise.Receipt{r1, r2} {
		verdict, err := s.Hub.Service.CheckReceipt(ctx, r, s.ChannelID, r.ID, big.NewInt(10), toRemove)
		require.NoError(t, err)
		require.Equal(t, service.Valid, verdict)
	}

	// Nothing was recorded on either side.
	sp, err := s.Client.Store.GetPromise(ctx, store.Outgoing, s.ChannelID, p1.ID)
	require.NoError(t, err)
	require.Equal(t, promise.StatusOpen, sp.Status)
	_, err = s.Client.Store.GetLatestReceipt(ctx, store.Outgoing, s.ChannelID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Hub.Store.GetLatestReceipt(ctx, store.Incoming, s.ChannelID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// A receipt for a different credit change does not verify.
	verdict, err := s.Hub.Service.CheckReceipt(ctx, r1, s.ChannelID, r1.ID, big.NewInt(9), toRemove)
	require.NoError(t, err)
	require.Equal(t, service.BadSignature, verdict)
	// Nor one claiming to close nothing.
	verdict, err = s.Hub.Service.CheckReceipt(ctx, r1, s.ChannelID, r1.ID, big.NewInt(10), nil)
	require.NoError(t, err)
	require.Equal(t, service.BadSignature, verdict)
}

func TestStaleReceipt(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	r1 := s.Settle(t, s.Client, s.Hub, 10, p1.ID)

	verdict, err := s.Hub.Service.CheckReceipt(ctx, r1, s.ChannelID, r1.ID, new(big.Int), nil)
	require.NoError(t, err)
	require.Equal(t, service.StaleReceipt, verdict)

	verdict, err = s.Hub.Service.AcceptReceipt(ctx, r1, s.ChannelID, new(big.Int), nil)
	require.NoError(t, err)
	require.Equal(t, service.StaleReceipt, verdict)

	// Closing an already closed promise is refused before any check.
	_, err = s.Hub.Service.AcceptReceipt(ctx, r1, s.ChannelID, new(big.Int), store.NewIDSet(p1.ID))
	require.ErrorIs(t, err, promise.ErrInvalidTransition)

	// The sender cannot confirm the same receipt twice.
	require.ErrorIs(t, s.Client.Service.ConfirmReceipt(ctx, r1, new(big.Int), nil), service.ErrConcurrentUpdate)
}

func TestCheckPromise(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	params, salt := s.NewHTLC(10)
	sp, err := s.Client.Service.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, false, stest.HTLCInit, params, salt)
	require.NoError(t, err)

	otherSalt := salt
	otherSalt[0] ^= 1
	verdict, err := s.Hub.Service.CheckPromise(ctx, &sp.Promise, s.ChannelID, stest.HTLCInit, params, otherSalt)
	require.NoError(t, err)
	require.Equal(t, service.BadSignature, verdict)

	forged := sp.Promise.Clone()
	forged.Signature.S[31] ^= 1
	verdict, err = s.Hub.Service.CheckPromise(ctx, forged, s.ChannelID, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	require.Equal(t, service.BadSignature, verdict)

	// A rejected promise is recorded as such and its id cannot be reused.
	verdict, err = s.Hub.Service.AcceptPromise(ctx, forged, sp.ID, sp.Type, false, s.ChannelID, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	require.Equal(t, service.BadSignature, verdict)
	rejected, err := s.Hub.Store.GetPromise(ctx, store.Incoming, s.ChannelID, sp.ID)
	require.NoError(t, err)
	require.Equal(t, promise.StatusRejected, rejected.Status)

	_, err = s.Hub.Service.AcceptPromise(ctx, &sp.Promise, sp.ID, sp.Type, false, s.ChannelID, stest.HTLCInit, params, salt)
	require.ErrorIs(t, err, service.ErrPromiseReuse)
	_, err = s.Hub.Service.AcceptPromise(ctx, &sp.Promise, sp.ID+1, sp.Type, false, s.ChannelID, stest.HTLCInit, params, salt)
	require.ErrorIs(t, err, service.ErrPromiseReuse)

	// Rejected promises do not reduce the available amount.
	avail, err := s.Hub.Service.OtherAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, stest.Deposit, avail)
}

func TestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)

	params, salt := s.NewHTLC(stest.Deposit + 1)
	_, err := s.Client.Service.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, false, stest.HTLCInit, params, salt)
	require.ErrorIs(t, err, service.ErrInsufficientFunds)
	ps, err := s.Client.Store.GetPromises(ctx, store.Outgoing, s.ChannelID)
	require.NoError(t, err)
	require.Empty(t, ps)

	// A client whose replica overstates its deposit is caught by the hub.
	ch, err := s.Client.Store.GetChannel(ctx, s.ChannelID)
	require.NoError(t, err)
	require.NoError(t, ch.SetDeposit(ch.Client.Address, big.NewInt(500)))
	require.NoError(t, s.Client.Store.UpdateChannel(ctx, ch))

	sp, err := s.Client.Service.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, false, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	verdict, err := s.Hub.Service.CheckPromise(ctx, &sp.Promise, s.ChannelID, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	require.Equal(t, service.InsufficientBalance, verdict)
}

func TestDeploymentEvidence(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)

	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	// Before any receipt no proof is needed.
	ev, err := s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p1.ID)
	require.NoError(t, err)
	require.False(t, ev.ProofRequired())
	require.Nil(t, ev.Receipt)

	p2 := s.Pay(t, s.Client, s.Hub, 10, false)
	r1 := s.Settle(t, s.Client, s.Hub, 10, p1.ID)
	p3 := s.Pay(t, s.Client, s.Hub, 10, false)

	// P3 was issued after R1 and is absent from its promise set.
	outstanding := promise.BuildAccumulator([]*promise.Promise{&p2.Promise})
	require.Equal(t, r1.AccumulatorRoot, outstanding.Root())
	_, err = promise.AccumulatorProof(outstanding, &p3.Promise)
	require.ErrorIs(t, err, accumulator.ErrNotFound)

	ev, err = s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p3.ID)
	require.NoError(t, err)
	require.False(t, ev.ProofRequired())
	require.Equal(t, r1.ID, ev.Receipt.ID)

	// P2 predates R1 and was left outstanding by it.
	ev, err = s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p2.ID)
	require.NoError(t, err)
	require.True(t, ev.ProofRequired())
	require.True(t, accumulator.VerifyInclusionProof(r1.AccumulatorRoot, accumulator.KeyFromAddress(p2.Address), ev.Proof))
	require.False(t, accumulator.VerifyInclusionProof(r1.AccumulatorRoot, accumulator.KeyFromAddress(p3.Address), ev.Proof))

	// P1 was settled by R1 and cannot be deployed against it.
	_, err = s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p1.ID)
	require.ErrorIs(t, err, accumulator.ErrNotFound)

	// The sender deploys its own promises without proof.
	ev, err = s.Client.Service.DeploymentEvidence(ctx, s.ChannelID, store.Outgoing, p2.ID)
	require.NoError(t, err)
	require.False(t, ev.ProofRequired())

	// A deployed promise stays in the reconstructed set.
	sp, err := s.Hub.Store.GetPromise(ctx, store.Incoming, s.ChannelID, p2.ID)
	require.NoError(t, err)
	require.NoError(t, sp.Transition(promise.StatusDeployed))
	require.NoError(t, s.Hub.Store.UpdatePromise(ctx, store.Incoming, sp))
	ev, err = s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p2.ID)
	require.NoError(t, err)
	require.True(t, ev.ProofRequired())
}

func markDeployed(t *testing.T, st store.PromiseStore, dir store.Direction, channelID, id uint64) {
	t.Helper()
	ctx := context.Background()
	sp, err := st.GetPromise(ctx, dir, channelID, id)
	require.NoError(t, err)
	require.NoError(t, sp.Transition(promise.StatusDeployed))
	require.NoError(t, st.UpdatePromise(ctx, dir, sp))
}

func TestDeploymentEvidenceAfterEarlierDeployment(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)

	// P1 is registered on-chain before the first receipt and leaves the
	// open set on both sides.
	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	markDeployed(t, s.Client.Store, store.Outgoing, s.ChannelID, p1.ID)
	markDeployed(t, s.Hub.Store, store.Incoming, s.ChannelID, p1.ID)

	p2 := s.Pay(t, s.Client, s.Hub, 10, false)
	p3 := s.Pay(t, s.Client, s.Hub, 10, false)
	p4 := s.Pay(t, s.Client, s.Hub, 10, false)
	r1 := s.Settle(t, s.Client, s.Hub, 10, p4.ID)

	outstanding := promise.BuildAccumulator([]*promise.Promise{&p2.Promise, &p3.Promise})
	require.Equal(t, outstanding.Root(), r1.AccumulatorRoot)
	committed, err := s.Hub.Store.GetCommittedPromises(ctx, store.Incoming, s.ChannelID, r1.ID)
	require.NoError(t, err)
	require.Equal(t, []uint64{p2.ID, p3.ID}, committed)

	for _, sp := range []*promise.StatefulPromise{p2, p3} {
		ev, err := s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, sp.ID)
		require.NoError(t, err)
		require.True(t, ev.ProofRequired())
		require.Len(t, ev.Proof, 1)
		require.True(t, accumulator.VerifyInclusionProof(r1.AccumulatorRoot, accumulator.KeyFromAddress(sp.Address), ev.Proof))
	}

	// P3 deployed after R1 still proves against it.
	markDeployed(t, s.Hub.Store, store.Incoming, s.ChannelID, p3.ID)
	ev, err := s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p2.ID)
	require.NoError(t, err)
	require.True(t, accumulator.VerifyInclusionProof(r1.AccumulatorRoot, accumulator.KeyFromAddress(p2.Address), ev.Proof))

	// P1 was outside R1's set.
	_, err = s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p1.ID)
	require.ErrorIs(t, err, accumulator.ErrNotFound)
}

var errCommit = errors.New("disk full")

// failingCommits fails every receipt commit.
type failingCommits struct {
	*inmemory.Store
}

func (failingCommits) CommitReceipt(context.Context, store.Direction, *promise.Receipt, *channel.Channel, []uint64) error {
	return errCommit
}

func TestFailedCommitLeavesLedger(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	toRemove := store.NewIDSet(p1.ID)
	credit := big.NewInt(10)

	r, err := s.Client.Service.CreateTentativeReceipt(ctx, s.ChannelID, credit, toRemove)
	require.NoError(t, err)

	for _, party := range []stest.Party{s.Hub, s.Client} {
		svc := service.New(party.Account, party.Store, party.Store, failingCommits{party.Store})
		dir := store.Incoming
		if party.Account == s.Hub.Account {
			_, err = svc.AcceptReceipt(ctx, r, s.ChannelID, credit, toRemove)
		} else {
			dir = store.Outgoing
			err = svc.ConfirmReceipt(ctx, r, credit, toRemove)
		}
		require.ErrorIs(t, err, errCommit)

		sp, err := party.Store.GetPromise(ctx, dir, s.ChannelID, p1.ID)
		require.NoError(t, err)
		require.Equal(t, promise.StatusOpen, sp.Status)
		_, err = party.Store.GetLatestReceipt(ctx, dir, s.ChannelID)
		require.ErrorIs(t, err, store.ErrNotFound)
		ch, err := party.Store.GetChannel(ctx, s.ChannelID)
		require.NoError(t, err)
		requireAmount(t, 0, ch.Hub.Credit)
	}

	// Both sides can still settle with the same receipt.
	verdict, err := s.Hub.Service.AcceptReceipt(ctx, r, s.ChannelID, credit, toRemove)
	require.NoError(t, err)
	require.Equal(t, service.Valid, verdict)
	require.NoError(t, s.Client.Service.ConfirmReceipt(ctx, r, credit, toRemove))
}

func TestConfirmReceiptMismatch(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	client := s.Client.Service
	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	toRemove := store.NewIDSet(p1.ID)

	r, err := client.CreateTentativeReceipt(ctx, s.ChannelID, big.NewInt(10), toRemove)
	require.NoError(t, err)

	require.ErrorIs(t, client.ConfirmReceipt(ctx, r, big.NewInt(9), toRemove), service.ErrReceiptMismatch)
	require.ErrorIs(t, client.ConfirmReceipt(ctx, r, big.NewInt(10), nil), service.ErrReceiptMismatch)

	gap, err := promise.NewReceipt(s.ChannelID, stest.ChainID, s.Client.Account.Address(), s.Hub.Account.Address(), r.ID+4, r.CumulativeCredit, r.AccumulatorRoot)
	require.NoError(t, err)
	require.NoError(t, promise.SignReceipt(ctx, gap, s.Client.Account))
	require.ErrorIs(t, client.ConfirmReceipt(ctx, gap, big.NewInt(10), toRemove), service.ErrReceiptMismatch)

	sp, err := s.Client.Store.GetPromise(ctx, store.Outgoing, s.ChannelID, p1.ID)
	require.NoError(t, err)
	require.Equal(t, promise.StatusOpen, sp.Status)
	_, err = s.Client.Store.GetLatestReceipt(ctx, store.Outgoing, s.ChannelID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, client.ConfirmReceipt(ctx, r, big.NewInt(10), toRemove))
	ch, err := client.Channel(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 10, ch.Hub.Credit)
}

func TestReceiptEvidence(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)

	empty, err := s.Hub.Service.ReceiptEvidence(ctx, s.ChannelID)
	require.NoError(t, err)
	require.EqualValues(t, 0, empty.ID)
	require.Equal(t, common.Hash{}, empty.AccumulatorRoot)
	require.True(t, empty.Signature.IsZero())
	requireAmount(t, 0, empty.CumulativeCredit)

	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	r1 := s.Settle(t, s.Client, s.Hub, 10, p1.ID)
	latest, err := s.Hub.Service.ReceiptEvidence(ctx, s.ChannelID)
	require.NoError(t, err)
	require.Equal(t, r1.ID, latest.ID)
	require.Equal(t, r1.Signature, latest.Signature)
}

func TestExpiringPromises(t *testing.T) {
	ctx := context.Background()
	later := func() time.Time { return time.Now().Add(time.Minute) }
	s := stest.NewSetup(t, service.WithClock(later))

	p1 := s.Pay(t, s.Client, s.Hub, 10, true)
	s.Pay(t, s.Client, s.Hub, 10, false)

	expiring, err := s.Hub.Service.ExpiringPromises(ctx, s.ChannelID)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, p1.ID, expiring[0].ID)

	// The client did not flag its promises.
	expiring, err = s.Client.Service.ExpiringPromises(ctx, s.ChannelID)
	require.NoError(t, err)
	require.Empty(t, expiring)

	// A sender may flag its own promise.
	params, salt := s.NewHTLC(10)
	own, err := s.Client.Service.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, true, stest.HTLCInit, params, salt)
	require.NoError(t, err)
	require.True(t, own.TriggerClose)
	expiring, err = s.Client.Service.ExpiringPromises(ctx, s.ChannelID)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, own.ID, expiring[0].ID)

	s = stest.NewSetup(t, service.WithExpiryWindow(time.Minute))
	s.Pay(t, s.Client, s.Hub, 10, true)
	expiring, err = s.Hub.Service.ExpiringPromises(ctx, s.ChannelID)
	require.NoError(t, err)
	require.Empty(t, expiring)
}

func TestUnknownChannel(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	_, err := s.Hub.Service.SelfAvailable(ctx, s.ChannelID+1)
	require.ErrorIs(t, err, store.ErrNotFound)

	outsider := wtest.NewRandomAccount(s.Rng)
	svc := service.New(outsider, s.Hub.Store, s.Hub.Store, s.Hub.Store)
	_, err = svc.OtherAvailable(ctx, s.ChannelID)
	require.ErrorIs(t, err, channel.ErrNotAChannelMember)
}

// stallingSigner blocks until the signing context is done.
type stallingSigner struct {
	*wallet.Account
}

func (stallingSigner) SignHash(ctx context.Context, _ common.Hash) (wallet.Signature, error) {
	<-ctx.Done()
	return wallet.Signature{}, ctx.Err()
}

// hookSigner runs hook before its first signature.
type hookSigner struct {
	*wallet.Account
	hook func()
}

func (h *hookSigner) SignHash(ctx context.Context, digest common.Hash) (wallet.Signature, error) {
	if hook := h.hook; hook != nil {
		h.hook = nil
		hook()
	}
	return h.Account.SignHash(ctx, digest)
}

func newChannel(t *testing.T, st store.ChannelStore, self, other common.Address) uint64 {
	ch, err := channel.New(stest.ChainID, self, other, stest.ClaimDuration, common.Address{})
	require.NoError(t, err)
	require.NoError(t, ch.SetDeposit(self, big.NewInt(stest.Deposit)))
	id, err := st.CreateChannel(context.Background(), ch)
	require.NoError(t, err)
	return id
}

func TestSigningTimeout(t *testing.T) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)
	signer := stallingSigner{wtest.NewRandomAccount(rng)}
	st := inmemory.New()
	id := newChannel(t, st, signer.Address(), wtest.NewRandomAddress(rng))
	svc := service.New(signer, st, st, st, service.WithSigningTimeout(10*time.Millisecond))

	params := promise.NewHTLCParams(big.NewInt(10), [32]byte{}, 0)
	_, err := svc.CreatePromise(ctx, id, promise.TypeHTLC, false, stest.HTLCInit, params, [32]byte{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = svc.CreateReceipt(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ps, err := st.GetPromises(ctx, store.Outgoing, id)
	require.NoError(t, err)
	require.Empty(t, ps)
	_, err = st.GetLatestReceipt(ctx, store.Outgoing, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentUpdateDuringSigning(t *testing.T) {
	ctx := context.Background()
	rng := pkgtest.Prng(t)
	signer := &hookSigner{Account: wtest.NewRandomAccount(rng)}
	st := inmemory.New()
	id := newChannel(t, st, signer.Address(), wtest.NewRandomAddress(rng))
	svc := service.New(signer, st, st, st)

	var competing error
	signer.hook = func() {
		params := promise.NewHTLCParams(big.NewInt(60), [32]byte{}, 0)
		_, competing = svc.CreatePromise(ctx, id, promise.TypeHTLC, false, stest.HTLCInit, params, [32]byte{2})
	}

	params := promise.NewHTLCParams(big.NewInt(60), [32]byte{}, 0)
	_, err := svc.CreatePromise(ctx, id, promise.TypeHTLC, false, stest.HTLCInit, params, [32]byte{1})
	require.ErrorIs(t, err, service.ErrConcurrentUpdate)
	require.NoError(t, competing)

	avail, err := svc.SelfAvailable(ctx, id)
	require.NoError(t, err)
	requireAmount(t, 40, avail)
}

func TestConcurrentPromises(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)

	const n = 20
	var (
		wg        sync.WaitGroup
		mtx       sync.Mutex
		succeeded int
	)
	salts := make([][32]byte, n)
	for i := range salts {
		s.Rng.Read(salts[i][:])
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(salt [32]byte) {
			defer wg.Done()
			params := promise.NewHTLCParams(big.NewInt(10), [32]byte{}, 0)
			_, err := s.Client.Service.CreatePromise(ctx, s.ChannelID, promise.TypeHTLC, false, stest.HTLCInit, params, salt)
			if err == nil {
				mtx.Lock()
				succeeded++
				mtx.Unlock()
			}
		}(salts[i])
	}
	wg.Wait()

	require.Equal(t, stest.Deposit/10, succeeded)
	avail, err := s.Client.Service.SelfAvailable(ctx, s.ChannelID)
	require.NoError(t, err)
	requireAmount(t, 0, avail)
}
