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

// Package wire encodes the argument structs of the settlement contract.
// Every type mirrors a Solidity struct and is packed with the contract ABI.
package wire

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	promiseType = mustNewTupleType([]abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "receiptId", Type: "uint256"},
		{Name: "salt", Type: "uint256"},
		{Name: "bytecode", Type: "bytes"},
	})
	receiptType = mustNewTupleType([]abi.ArgumentMarshaling{
		{Name: "id", Type: "uint256"},
		{Name: "credit", Type: "uint256"},
		{Name: "root", Type: "bytes32"},
	})
	signatureType = mustNewTupleType([]abi.ArgumentMarshaling{
		{Name: "v", Type: "uint256"},
		{Name: "r", Type: "bytes32"},
		{Name: "s", Type: "bytes32"},
	})
	paramsType = mustNewTupleType([]abi.ArgumentMarshaling{
		{Name: "cid", Type: "uint256"},
		{Name: "chainId", Type: "uint256"},
		{Name: "hub", Type: "address"},
		{Name: "client", Type: "address"},
		{Name: "claimDuration", Type: "uint256"},
		{Name: "token", Type: "address"},
	})
	proofType = mustNewType("bytes32[]")
)

func mustNewTupleType(components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType("tuple", "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// pack encodes v as the single tuple argument of type typ.
func pack(typ abi.Type, v interface{}) ([]byte, error) {
	return abi.Arguments{{Type: typ}}.Pack(v)
}

// unpack decodes data as a single tuple of type typ into out, which must be
// a pointer to the matching struct.
func unpack(typ abi.Type, data []byte, out interface{}) error {
	vals, err := abi.Arguments{{Type: typ}}.Unpack(data)
	if err != nil {
		return err
	}
	abi.ConvertType(vals[0], out)
	return nil
}
