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
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// RecoverSigner returns the address that produced sig over the personal
// message hash of digest.
func RecoverSigner(digest common.Hash, sig Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, errors.WithMessagef(ErrInvalidSignature, "v = %d", sig.V)
	}
	raw := sig.Bytes()
	raw[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(digest[:]), raw)
	if err != nil {
		return common.Address{}, errors.WithMessage(ErrInvalidSignature, err.Error())
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig over digest recovers to signer. An
// error is returned only for signatures that cannot be recovered at all.
func VerifySignature(digest common.Hash, sig Signature, signer common.Address) (bool, error) {
	addr, err := RecoverSigner(digest, sig)
	if err != nil {
		return false, err
	}
	return addr == signer, nil
}
