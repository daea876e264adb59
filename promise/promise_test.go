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

package promise_test

import (
	"context"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-upc-backend/accumulator"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/wallet"
	wtest "perun.network/perun-upc-backend/wallet/test"
)

var initCode = common.FromHex("0x608060405234801561001057600080fd5b50")

type fixture struct {
	sender   *wallet.Account
	receiver *wallet.Account
	terms    promise.Terms
}

func newFixture(rng *rand.Rand) fixture {
	sender := wtest.NewRandomAccount(rng)
	receiver := wtest.NewRandomAccount(rng)
	var salt [32]byte
	rng.Read(salt[:])
	return fixture{
		sender:   sender,
		receiver: receiver,
		terms: promise.Terms{
			ChannelID:      3,
			ChainID:        1337,
			ChannelAddress: wtest.NewRandomAddress(rng),
			Sender:         sender.Address(),
			Receiver:       receiver.Address(),
			ReceiptID:      2,
			InitBytecode:   initCode,
			Params:         promise.NewHTLCParams(big.NewInt(10), wtest.NewRandomHash(rng), 1_700_000_300),
			Salt:           salt,
		},
	}
}

func TestNewPromise(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(rng)

	p, err := promise.New(f.terms)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), p.Amount)
	require.Equal(t, uint64(1_700_000_300), p.Expiration)

	encoded, err := f.terms.Params.Encode()
	require.NoError(t, err)
	require.Len(t, encoded, 3*32)
	require.Equal(t, append(append([]byte{}, initCode...), encoded...), p.Bytecode)
	require.Equal(t,
		crypto.CreateAddress2(f.terms.ChannelAddress, f.terms.Salt, crypto.Keccak256(p.Bytecode)),
		p.Address)

	again, err := promise.New(f.terms)
	require.NoError(t, err)
	require.Equal(t, p, again, "construction is deterministic")

	f.terms.Params = promise.NewHTLCParams(big.NewInt(-1), [32]byte{}, 0)
	_, err = promise.New(f.terms)
	require.ErrorIs(t, err, promise.ErrInvalidInput)
	f.terms.Params = nil
	_, err = promise.New(f.terms)
	require.ErrorIs(t, err, promise.ErrInvalidInput)
}

func TestHashEncoding(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(rng)
	p, err := promise.New(f.terms)
	require.NoError(t, err)

	word := func(b []byte) []byte { return common.LeftPadBytes(b, 32) }
	want := crypto.Keccak256Hash(
		word(big.NewInt(1337).Bytes()),
		word(big.NewInt(3).Bytes()),
		word(big.NewInt(2).Bytes()),
		word(p.Sender.Bytes()),
		word(p.Receiver.Bytes()),
		word(p.Address.Bytes()),
	)
	h, err := promise.Hash(p)
	require.NoError(t, err)
	require.Equal(t, want, h)

	r, err := promise.NewReceipt(3, 1337, p.Sender, p.Receiver, 4, big.NewInt(55), common.Hash{0xab})
	require.NoError(t, err)
	want = crypto.Keccak256Hash(
		word(big.NewInt(1337).Bytes()),
		word(big.NewInt(3).Bytes()),
		word(big.NewInt(4).Bytes()),
		word(big.NewInt(55).Bytes()),
		common.Hash{0xab}.Bytes(),
	)
	h, err = promise.HashReceipt(r)
	require.NoError(t, err)
	require.Equal(t, want, h)
}

func TestSignAndVerifyPromise(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(rng)
	p, err := promise.New(f.terms)
	require.NoError(t, err)
	require.NoError(t, promise.Sign(context.Background(), p, f.sender))

	ok, err := promise.Verify(p, f.terms)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := map[string]func(*promise.Terms){
		"amount": func(tm *promise.Terms) {
			tm.Params = promise.NewHTLCParams(big.NewInt(11), tm.Params.(*promise.HTLCParams).Hashlock(), tm.Params.Expiration())
		},
		"expiration": func(tm *promise.Terms) {
			tm.Params = promise.NewHTLCParams(tm.Params.Amount(), tm.Params.(*promise.HTLCParams).Hashlock(), tm.Params.Expiration()+1)
		},
		"receiver":   func(tm *promise.Terms) { tm.Receiver = wtest.NewRandomAddress(rng) },
		"salt":       func(tm *promise.Terms) { tm.Salt[0] ^= 0xff },
		"receipt id": func(tm *promise.Terms) { tm.ReceiptID++ },
		"init code":  func(tm *promise.Terms) { tm.InitBytecode = initCode[1:] },
	}
	for name, tamper := range tampered {
		terms := f.terms
		tamper(&terms)
		ok, err := promise.Verify(p, terms)
		require.NoError(t, err, name)
		require.False(t, ok, name)
	}

	forged := p.Clone()
	forged.Amount = big.NewInt(1000)
	ok, err = promise.Verify(forged, f.terms)
	require.NoError(t, err)
	require.False(t, ok, "presented amount must match the terms")
}

func TestPromiseSignerMismatch(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(rng)
	p, err := promise.New(f.terms)
	require.NoError(t, err)

	err = promise.Sign(context.Background(), p, f.receiver)
	require.ErrorIs(t, err, promise.ErrSignerMismatch)

	// A signature by anybody but the sender does not verify.
	h, err := promise.Hash(p)
	require.NoError(t, err)
	p.Signature, err = f.receiver.SignHash(context.Background(), h)
	require.NoError(t, err)
	ok, err := promise.Verify(p, f.terms)
	require.NoError(t, err)
	require.False(t, ok)

	p.Signature = wallet.Signature{}
	ok, err = promise.Verify(p, f.terms)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReceipt(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(rng)
	var promises []*promise.Promise
	var addrs []string
	for i := 0; i < 3; i++ {
		f.terms.Salt[0] = byte(i)
		p, err := promise.New(f.terms)
		require.NoError(t, err)
		promises = append(promises, p)
		addrs = append(addrs, p.Address.Hex())
	}

	r, err := promise.NewReceiptFromPromises(3, 1337, f.sender.Address(), f.receiver.Address(), 1, big.NewInt(10), promises)
	require.NoError(t, err)
	acc, err := accumulator.FromAddresses(addrs)
	require.NoError(t, err)
	require.Equal(t, acc.Root(), r.AccumulatorRoot)

	for _, p := range promises {
		proof, err := promise.AccumulatorProof(acc, p)
		require.NoError(t, err)
		require.True(t, accumulator.VerifyInclusionProof(r.AccumulatorRoot, accumulator.KeyFromAddress(p.Address), proof))
	}

	expected := r.Clone()
	require.ErrorIs(t, promise.SignReceipt(context.Background(), r, f.receiver), promise.ErrSignerMismatch)
	require.NoError(t, promise.SignReceipt(context.Background(), r, f.sender))

	ok, err := promise.VerifyReceipt(r, expected)
	require.NoError(t, err)
	require.True(t, ok)

	other := expected.Clone()
	other.CumulativeCredit = big.NewInt(11)
	ok, err = promise.VerifyReceipt(r, other)
	require.NoError(t, err)
	require.False(t, ok)

	other = expected.Clone()
	other.AccumulatorRoot = accumulator.DummyKey
	ok, err = promise.VerifyReceipt(r, other)
	require.NoError(t, err)
	require.False(t, ok)

	other = expected.Clone()
	other.Sender = f.receiver.Address()
	ok, err = promise.VerifyReceipt(r, other)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = promise.NewReceipt(3, 1337, f.sender.Address(), f.receiver.Address(), 1, big.NewInt(-1), common.Hash{})
	require.ErrorIs(t, err, promise.ErrInvalidInput)
}

func TestEmptyReceipt(t *testing.T) {
	r := promise.EmptyReceipt(3, 1337)
	require.Zero(t, r.ID)
	require.Zero(t, r.CumulativeCredit.Sign())
	require.Equal(t, common.Hash{}, r.AccumulatorRoot)
	require.True(t, r.Signature.IsZero())
}

func TestStatefulPromiseTransition(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(rng)
	p, err := promise.New(f.terms)
	require.NoError(t, err)

	sp := &promise.StatefulPromise{Promise: *p, ID: 1, Type: promise.TypeHTLC, Status: promise.StatusOpen}
	clone := sp.Clone()
	require.NoError(t, sp.Transition(promise.StatusClosed))
	require.NoError(t, sp.Transition(promise.StatusClosed))
	require.ErrorIs(t, sp.Transition(promise.StatusDeployed), promise.ErrInvalidTransition)
	require.Equal(t, promise.StatusOpen, clone.Status)

	clone.Bytecode[0] ^= 0xff
	require.NotEqual(t, clone.Bytecode, sp.Bytecode)
}
