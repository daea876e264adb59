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

package promise

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/accumulator"
)

var (
	uint256Type = mustNewType("uint256")
	addressType = mustNewType("address")
	bytes32Type = mustNewType("bytes32")
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Terms are the inputs a promise is built from. Both parties derive the
// same promise from the same terms.
type Terms struct {
	ChannelID      uint64
	ChainID        uint64
	ChannelAddress common.Address
	Sender         common.Address
	Receiver       common.Address
	ReceiptID      uint64
	InitBytecode   []byte
	Params         ConstructorParams
	Salt           [32]byte
}

// New builds the unsigned promise described by t.
func New(t Terms) (*Promise, error) {
	if t.Params == nil {
		return nil, errors.WithMessage(ErrInvalidInput, "missing constructor params")
	}
	amount := t.Params.Amount()
	if amount == nil || amount.Sign() < 0 {
		return nil, errors.WithMessagef(ErrInvalidInput, "amount %v", amount)
	}
	encoded, err := t.Params.Encode()
	if err != nil {
		return nil, errors.WithMessage(err, "encoding constructor params")
	}
	bytecode := make([]byte, 0, len(t.InitBytecode)+len(encoded))
	bytecode = append(bytecode, t.InitBytecode...)
	bytecode = append(bytecode, encoded...)

	return &Promise{
		ChannelID:  t.ChannelID,
		ChainID:    t.ChainID,
		Sender:     t.Sender,
		Receiver:   t.Receiver,
		ReceiptID:  t.ReceiptID,
		Amount:     amount,
		Expiration: t.Params.Expiration(),
		Salt:       t.Salt,
		Bytecode:   bytecode,
		Address:    DeploymentAddress(t.ChannelAddress, t.Salt, bytecode),
	}, nil
}

// DeploymentAddress returns the CREATE2 address of bytecode deployed by
// deployer with salt.
func DeploymentAddress(deployer common.Address, salt [32]byte, bytecode []byte) common.Address {
	return crypto.CreateAddress2(deployer, salt, crypto.Keccak256(bytecode))
}

// Hash returns keccak256(abi.encode(chainId, channelId, receiptId, sender,
// receiver, address)) of p.
func Hash(p *Promise) (common.Hash, error) {
	args := abi.Arguments{
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: addressType},
		{Type: addressType},
		{Type: addressType},
	}
	enc, err := args.Pack(
		new(big.Int).SetUint64(p.ChainID),
		new(big.Int).SetUint64(p.ChannelID),
		new(big.Int).SetUint64(p.ReceiptID),
		p.Sender,
		p.Receiver,
		p.Address,
	)
	if err != nil {
		return common.Hash{}, errors.WithMessage(err, "encoding promise")
	}
	return crypto.Keccak256Hash(enc), nil
}

// NewReceipt returns the unsigned receipt committing to root.
func NewReceipt(channelID, chainID uint64, sender, receiver common.Address, receiptID uint64, credit *big.Int, root common.Hash) (*Receipt, error) {
	if credit == nil || credit.Sign() < 0 {
		return nil, errors.WithMessagef(ErrInvalidInput, "cumulative credit %v", credit)
	}
	return &Receipt{
		ChannelID:        channelID,
		ChainID:          chainID,
		Sender:           sender,
		Receiver:         receiver,
		ID:               receiptID,
		CumulativeCredit: new(big.Int).Set(credit),
		AccumulatorRoot:  root,
	}, nil
}

// NewReceiptFromPromises returns the unsigned receipt whose root is the
// accumulator over the addresses of promises.
func NewReceiptFromPromises(channelID, chainID uint64, sender, receiver common.Address, receiptID uint64, credit *big.Int, promises []*Promise) (*Receipt, error) {
	return NewReceipt(channelID, chainID, sender, receiver, receiptID, credit, BuildAccumulator(promises).Root())
}

// EmptyReceipt is the placeholder the contract accepts when no receipt was
// ever issued: id 0, no credit, zero root and a zero signature.
func EmptyReceipt(channelID, chainID uint64) *Receipt {
	return &Receipt{
		ChannelID:        channelID,
		ChainID:          chainID,
		CumulativeCredit: new(big.Int),
	}
}

// HashReceipt returns keccak256(abi.encode(chainId, channelId, receiptId,
// cumulativeCredit, root)) of r.
func HashReceipt(r *Receipt) (common.Hash, error) {
	args := abi.Arguments{
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: bytes32Type},
	}
	enc, err := args.Pack(
		new(big.Int).SetUint64(r.ChainID),
		new(big.Int).SetUint64(r.ChannelID),
		new(big.Int).SetUint64(r.ID),
		r.CumulativeCredit,
		[32]byte(r.AccumulatorRoot),
	)
	if err != nil {
		return common.Hash{}, errors.WithMessage(err, "encoding receipt")
	}
	return crypto.Keccak256Hash(enc), nil
}

// BuildAccumulator builds the accumulator over the deployment addresses of
// promises.
func BuildAccumulator(promises []*Promise) *accumulator.Accumulator {
	keys := make([]common.Hash, len(promises))
	for i, p := range promises {
		keys[i] = accumulator.KeyFromAddress(p.Address)
	}
	return accumulator.Build(keys)
}

// AccumulatorProof returns the inclusion proof of p in acc.
func AccumulatorProof(acc *accumulator.Accumulator, p *Promise) (accumulator.Proof, error) {
	return acc.InclusionProof(accumulator.KeyFromAddress(p.Address))
}
