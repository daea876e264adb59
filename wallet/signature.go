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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// SignatureLength is the length of r ‖ s ‖ v.
const SignatureLength = crypto.SignatureLength

// ErrInvalidSignature is returned for signatures that cannot be decoded or
// recovered.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature is an immutable secp256k1 signature with V in {27, 28}.
type Signature struct {
	R [32]byte
	S [32]byte
	V uint8
}

// SignatureFromBytes decodes r ‖ s ‖ v. A recovery id of 0 or 1 is shifted
// to 27 or 28.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureLength {
		return Signature{}, errors.WithMessagef(ErrInvalidSignature, "length %d, want %d", len(b), SignatureLength)
	}
	var sig Signature
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	if sig.V < 27 {
		sig.V += 27
	}
	if sig.V != 27 && sig.V != 28 {
		return Signature{}, errors.WithMessagef(ErrInvalidSignature, "v = %d", b[64])
	}
	return sig, nil
}

// Bytes returns r ‖ s ‖ v.
func (s Signature) Bytes() []byte {
	b := make([]byte, 0, SignatureLength)
	b = append(b, s.R[:]...)
	b = append(b, s.S[:]...)
	return append(b, s.V)
}

// IsZero reports whether s is the all-zero placeholder signature.
func (s Signature) IsZero() bool {
	return s == Signature{}
}
