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

package wire

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/accumulator"
	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/service"
)

var (
	registerPromise = abi.NewMethod("registerPromise", "registerPromise", abi.Function, "nonpayable", false, false,
		abi.Arguments{
			{Name: "promise", Type: promiseType},
			{Name: "signature", Type: signatureType},
			{Name: "proof", Type: proofType},
		}, nil)
	registerReceipt = abi.NewMethod("registerReceipt", "registerReceipt", abi.Function, "nonpayable", false, false,
		abi.Arguments{
			{Name: "receipt", Type: receiptType},
			{Name: "signature", Type: signatureType},
		}, nil)
	constructor = abi.Arguments{{Name: "params", Type: paramsType}}
)

// ProofElements splits proof into the words the contract expects. A
// promise that needs no proof is registered with a single zero word.
func ProofElements(proof accumulator.Proof, required bool) [][32]byte {
	if !required {
		return [][32]byte{{}}
	}
	elems := make([][32]byte, len(proof))
	for i, h := range proof {
		elems[i] = h
	}
	return elems
}

// PackRegisterPromise returns the calldata registering the signed promise p
// with the given proof elements.
func PackRegisterPromise(p *promise.Promise, proof [][32]byte) ([]byte, error) {
	args, err := registerPromise.Inputs.Pack(MakePromise(p), MakeSignature(p.Signature), proof)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding registerPromise")
	}
	return append(common.CopyBytes(registerPromise.ID), args...), nil
}

// PackRegisterEvidence returns the calldata registering the promise of ev.
func PackRegisterEvidence(ev *service.Evidence) ([]byte, error) {
	return PackRegisterPromise(&ev.Promise.Promise, ProofElements(ev.Proof, ev.ProofRequired()))
}

// PackRegisterReceipt returns the calldata registering the signed receipt
// r. The empty receipt is registered with its zero signature.
func PackRegisterReceipt(r *promise.Receipt) ([]byte, error) {
	args, err := registerReceipt.Inputs.Pack(MakeReceipt(r), MakeSignature(r.Signature))
	if err != nil {
		return nil, errors.WithMessage(err, "encoding registerReceipt")
	}
	return append(common.CopyBytes(registerReceipt.ID), args...), nil
}

// PackConstructor returns the constructor arguments appended to the
// contract's init code when deploying ch.
func PackConstructor(ch *channel.Channel) ([]byte, error) {
	b, err := constructor.Pack(MakeChannelParams(ch))
	return b, errors.WithMessage(err, "encoding constructor")
}
