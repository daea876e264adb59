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
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/wallet"
)

// Promise is the contract's view of a promise. The amount and expiration
// are part of the bytecode's constructor arguments.
type Promise struct {
	Sender    common.Address
	Receiver  common.Address
	ReceiptID *big.Int `abi:"receiptId"`
	Salt      *big.Int
	Bytecode  []byte
}

// MakePromise converts p into its contract representation.
func MakePromise(p *promise.Promise) Promise {
	return Promise{
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		ReceiptID: new(big.Int).SetUint64(p.ReceiptID),
		Salt:      new(big.Int).SetBytes(p.Salt[:]),
		Bytecode:  append([]byte(nil), p.Bytecode...),
	}
}

// MarshalBinary returns the ABI encoding of p.
func (p Promise) MarshalBinary() ([]byte, error) {
	b, err := pack(promiseType, p)
	return b, errors.WithMessage(err, "encoding promise")
}

// UnmarshalBinary decodes the ABI encoding of a promise.
func (p *Promise) UnmarshalBinary(data []byte) error {
	return errors.WithMessage(unpack(promiseType, data, p), "decoding promise")
}

// Receipt is the contract's view of a receipt.
type Receipt struct {
	ID     *big.Int `abi:"id"`
	Credit *big.Int
	Root   [32]byte
}

// MakeReceipt converts r into its contract representation.
func MakeReceipt(r *promise.Receipt) Receipt {
	return Receipt{
		ID:     new(big.Int).SetUint64(r.ID),
		Credit: new(big.Int).Set(r.CumulativeCredit),
		Root:   r.AccumulatorRoot,
	}
}

// MarshalBinary returns the ABI encoding of r.
func (r Receipt) MarshalBinary() ([]byte, error) {
	b, err := pack(receiptType, r)
	return b, errors.WithMessage(err, "encoding receipt")
}

// UnmarshalBinary decodes the ABI encoding of a receipt.
func (r *Receipt) UnmarshalBinary(data []byte) error {
	return errors.WithMessage(unpack(receiptType, data, r), "decoding receipt")
}

// Signature is the contract's view of a signature, v widened to a word.
type Signature struct {
	V *big.Int
	R [32]byte
	S [32]byte
}

// MakeSignature converts sig into its contract representation.
func MakeSignature(sig wallet.Signature) Signature {
	return Signature{V: big.NewInt(int64(sig.V)), R: sig.R, S: sig.S}
}

// ToSignature converts s back. The all-zero signature of an empty receipt
// stays zero, any other v must be 27 or 28.
func ToSignature(s Signature) (wallet.Signature, error) {
	if s.V == nil || s.V.Sign() == 0 {
		if s.R != [32]byte{} || s.S != [32]byte{} {
			return wallet.Signature{}, errors.WithMessage(wallet.ErrInvalidSignature, "v = 0")
		}
		return wallet.Signature{}, nil
	}
	if !s.V.IsUint64() || (s.V.Uint64() != 27 && s.V.Uint64() != 28) {
		return wallet.Signature{}, errors.WithMessagef(wallet.ErrInvalidSignature, "v = %v", s.V)
	}
	return wallet.Signature{R: s.R, S: s.S, V: uint8(s.V.Uint64())}, nil
}

// MarshalBinary returns the ABI encoding of s.
func (s Signature) MarshalBinary() ([]byte, error) {
	b, err := pack(signatureType, s)
	return b, errors.WithMessage(err, "encoding signature")
}

// UnmarshalBinary decodes the ABI encoding of a signature.
func (s *Signature) UnmarshalBinary(data []byte) error {
	return errors.WithMessage(unpack(signatureType, data, s), "decoding signature")
}
