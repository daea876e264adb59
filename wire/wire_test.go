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

package wire_test

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-upc-backend/accumulator"
	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	stest "perun.network/perun-upc-backend/service/test"
	"perun.network/perun-upc-backend/store"
	"perun.network/perun-upc-backend/wallet"
	wtest "perun.network/perun-upc-backend/wallet/test"
	"perun.network/perun-upc-backend/wire"
)

const contractABI = `[
{"type":"constructor","inputs":[{"name":"params","type":"tuple","components":[
	{"name":"cid","type":"uint256"},{"name":"chainId","type":"uint256"},
	{"name":"hub","type":"address"},{"name":"client","type":"address"},
	{"name":"claimDuration","type":"uint256"},{"name":"token","type":"address"}]}]},
{"type":"function","name":"registerPromise","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"promise","type":"tuple","components":[
		{"name":"sender","type":"address"},{"name":"receiver","type":"address"},
		{"name":"receiptId","type":"uint256"},{"name":"salt","type":"uint256"},
		{"name":"bytecode","type":"bytes"}]},
	{"name":"signature","type":"tuple","components":[
		{"name":"v","type":"uint256"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
	{"name":"proof","type":"bytes32[]"}]},
{"type":"function","name":"registerReceipt","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"receipt","type":"tuple","components":[
		{"name":"id","type":"uint256"},{"name":"credit","type":"uint256"},{"name":"root","type":"bytes32"}]},
	{"name":"signature","type":"tuple","components":[
		{"name":"v","type":"uint256"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]}]}
]`

func parseABI(t *testing.T) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	require.NoError(t, err)
	return parsed
}

func TestPromiseEncoding(t *testing.T) {
	rng := pkgtest.Prng(t)
	var salt [32]byte
	rng.Read(salt[:])
	salt[0] |= 1
	p, err := promise.New(promise.Terms{
		ChannelID:      1,
		ChainID:        stest.ChainID,
		ChannelAddress: wtest.NewRandomAddress(rng),
		Sender:         wtest.NewRandomAddress(rng),
		Receiver:       wtest.NewRandomAddress(rng),
		ReceiptID:      3,
		InitBytecode:   stest.HTLCInit,
		Params:         promise.NewHTLCParams(big.NewInt(10), wtest.NewRandomHash(rng), 1_700_000_000),
		Salt:           salt,
	})
	require.NoError(t, err)

	wp := wire.MakePromise(p)
	require.Equal(t, new(big.Int).SetBytes(salt[:]), wp.Salt)
	require.Equal(t, p.Bytecode, wp.Bytecode)

	b, err := wp.MarshalBinary()
	require.NoError(t, err)
	// A tuple with a dynamic member is encoded behind an offset.
	require.EqualValues(t, 0x20, b[31])

	var decoded wire.Promise
	require.NoError(t, decoded.UnmarshalBinary(b))
	require.Equal(t, wp, decoded)

	require.Error(t, decoded.UnmarshalBinary(b[:40]))
}

func TestReceiptEncoding(t *testing.T) {
	rng := pkgtest.Prng(t)
	r, err := promise.NewReceipt(1, stest.ChainID, wtest.NewRandomAddress(rng), wtest.NewRandomAddress(rng), 7, big.NewInt(42), wtest.NewRandomHash(rng))
	require.NoError(t, err)

	b, err := wire.MakeReceipt(r).MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 3*32)
	require.EqualValues(t, 7, b[31])
	require.EqualValues(t, 42, b[63])
	require.Equal(t, r.AccumulatorRoot.Bytes(), b[64:])

	var decoded wire.Receipt
	require.NoError(t, decoded.UnmarshalBinary(b))
	require.Equal(t, wire.MakeReceipt(r), decoded)
}

func TestSignatureEncoding(t *testing.T) {
	rng := pkgtest.Prng(t)
	acc := wtest.NewRandomAccount(rng)
	sig, err := acc.SignHash(context.Background(), wtest.NewRandomHash(rng))
	require.NoError(t, err)

	ws := wire.MakeSignature(sig)
	b, err := ws.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 3*32)
	require.Equal(t, sig.V, b[31])

	var decoded wire.Signature
	require.NoError(t, decoded.UnmarshalBinary(b))
	back, err := wire.ToSignature(decoded)
	require.NoError(t, err)
	require.Equal(t, sig, back)

	zero, err := wire.ToSignature(wire.MakeSignature(wallet.Signature{}))
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = wire.ToSignature(wire.Signature{V: big.NewInt(29), R: sig.R, S: sig.S})
	require.ErrorIs(t, err, wallet.ErrInvalidSignature)
	_, err = wire.ToSignature(wire.Signature{V: new(big.Int), R: sig.R, S: sig.S})
	require.ErrorIs(t, err, wallet.ErrInvalidSignature)
}

func TestChannelParams(t *testing.T) {
	rng := pkgtest.Prng(t)
	ch, err := channel.New(stest.ChainID, wtest.NewRandomAddress(rng), wtest.NewRandomAddress(rng), stest.ClaimDuration, wtest.NewRandomAddress(rng))
	require.NoError(t, err)
	ch.ID = 5

	params := wire.MakeChannelParams(ch)
	b, err := params.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 6*32)

	var decoded wire.ChannelParams
	require.NoError(t, decoded.UnmarshalBinary(b))
	require.Equal(t, params, decoded)

	back, err := wire.ToChannel(decoded)
	require.NoError(t, err)
	require.Equal(t, ch, back)

	ctor, err := wire.PackConstructor(ch)
	require.NoError(t, err)
	vals, err := parseABI(t).Constructor.Inputs.Unpack(ctor)
	require.NoError(t, err)
	require.Equal(t, params, *abi.ConvertType(vals[0], new(wire.ChannelParams)).(*wire.ChannelParams))

	decoded.ClaimDuration = new(big.Int).Lsh(big.NewInt(1), 64)
	_, err = wire.ToChannel(decoded)
	require.Error(t, err)
}

func TestProofElements(t *testing.T) {
	rng := pkgtest.Prng(t)
	require.Equal(t, [][32]byte{{}}, wire.ProofElements(nil, false))
	require.Empty(t, wire.ProofElements(nil, true))

	proof := accumulator.Proof{wtest.NewRandomHash(rng), wtest.NewRandomHash(rng)}
	elems := wire.ProofElements(proof, true)
	require.Len(t, elems, 2)
	for i := range proof {
		require.Equal(t, [32]byte(proof[i]), elems[i])
	}
}

func TestPackRegisterPromise(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	parsed := parseABI(t)
	method := parsed.Methods["registerPromise"]
	require.Equal(t, crypto.Keccak256([]byte("registerPromise((address,address,uint256,uint256,bytes),(uint256,bytes32,bytes32),bytes32[])"))[:4], method.ID)

	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	p2 := s.Pay(t, s.Client, s.Hub, 10, false)
	p3 := s.Pay(t, s.Client, s.Hub, 10, false)
	s.Settle(t, s.Client, s.Hub, 10, p1.ID)

	// P2 and P3 remain outstanding, P2's proof is P3's leaf.
	ev, err := s.Hub.Service.DeploymentEvidence(ctx, s.ChannelID, store.Incoming, p2.ID)
	require.NoError(t, err)
	require.True(t, ev.ProofRequired())
	require.Len(t, ev.Proof, 1)

	data, err := wire.PackRegisterEvidence(ev)
	require.NoError(t, err)
	require.Equal(t, method.ID, data[:4])

	vals, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, vals, 3)
	requirePromiseEqual(t, wire.MakePromise(&p2.Promise), *abi.ConvertType(vals[0], new(wire.Promise)).(*wire.Promise))
	sig, err := wire.ToSignature(*abi.ConvertType(vals[1], new(wire.Signature)).(*wire.Signature))
	require.NoError(t, err)
	require.Equal(t, p2.Signature, sig)
	require.Equal(t, [][32]byte{ev.Proof[0]}, vals[2])

	// The sender registers its own promise with the zero word.
	ev, err = s.Client.Service.DeploymentEvidence(ctx, s.ChannelID, store.Outgoing, p3.ID)
	require.NoError(t, err)
	data, err = wire.PackRegisterEvidence(ev)
	require.NoError(t, err)
	vals, err = method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, [][32]byte{{}}, vals[2])
}

// requirePromiseEqual compares by value, decoded zero words differ from
// fresh ones in their internal representation.
func requirePromiseEqual(t *testing.T, expected, actual wire.Promise) {
	t.Helper()
	require.Equal(t, expected.Sender, actual.Sender)
	require.Equal(t, expected.Receiver, actual.Receiver)
	require.Zero(t, expected.ReceiptID.Cmp(actual.ReceiptID))
	require.Zero(t, expected.Salt.Cmp(actual.Salt))
	require.Equal(t, expected.Bytecode, actual.Bytecode)
}

func TestPackRegisterReceipt(t *testing.T) {
	ctx := context.Background()
	s := stest.NewSetup(t)
	method := parseABI(t).Methods["registerReceipt"]

	empty, err := s.Hub.Service.ReceiptEvidence(ctx, s.ChannelID)
	require.NoError(t, err)
	data, err := wire.PackRegisterReceipt(empty)
	require.NoError(t, err)
	require.Equal(t, method.ID, data[:4])
	vals, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	sig, err := wire.ToSignature(*abi.ConvertType(vals[1], new(wire.Signature)).(*wire.Signature))
	require.NoError(t, err)
	require.True(t, sig.IsZero())

	p1 := s.Pay(t, s.Client, s.Hub, 10, false)
	r1 := s.Settle(t, s.Client, s.Hub, 10, p1.ID)
	data, err = wire.PackRegisterReceipt(r1)
	require.NoError(t, err)
	vals, err = method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, wire.MakeReceipt(r1), *abi.ConvertType(vals[0], new(wire.Receipt)).(*wire.Receipt))
	sig, err = wire.ToSignature(*abi.ConvertType(vals[1], new(wire.Signature)).(*wire.Signature))
	require.NoError(t, err)
	require.Equal(t, r1.Signature, sig)
}
