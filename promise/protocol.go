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
	"bytes"
	"context"

	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-upc-backend/wallet"
)

// Sign signs p with signer, which must be the sender.
func Sign(ctx context.Context, p *Promise, signer wallet.Signer) error {
	if signer.Address() != p.Sender {
		return errors.WithMessagef(ErrSignerMismatch, "signer %s, sender %s", signer.Address().Hex(), p.Sender.Hex())
	}
	h, err := Hash(p)
	if err != nil {
		return err
	}
	sig, err := signer.SignHash(ctx, h)
	if err != nil {
		return errors.WithMessage(err, "signing promise")
	}
	p.Signature = sig
	return nil
}

// Verify rebuilds the promise described by t and reports whether p is that
// promise, signed by t.Sender. Mismatches yield false, errors are reserved
// for terms that cannot be encoded.
func Verify(p *Promise, t Terms) (bool, error) {
	expected, err := New(t)
	if err != nil {
		return false, err
	}
	logger := log.WithFields(log.Fields{"channel": p.ChannelID, "promise": p.Address.Hex()})

	if !sameTerms(p, expected) {
		logger.Warn("Promise does not match the expected terms")
		return false, nil
	}
	h, err := Hash(expected)
	if err != nil {
		return false, err
	}
	ok, err := wallet.VerifySignature(h, p.Signature, t.Sender)
	if err != nil {
		logger.WithError(err).Warn("Promise signature cannot be recovered")
		return false, nil
	}
	if !ok {
		logger.Warnf("Promise not signed by sender %s", t.Sender.Hex())
	}
	return ok, nil
}

func sameTerms(p, q *Promise) bool {
	return p.ChannelID == q.ChannelID &&
		p.ChainID == q.ChainID &&
		p.Sender == q.Sender &&
		p.Receiver == q.Receiver &&
		p.ReceiptID == q.ReceiptID &&
		p.Amount != nil && p.Amount.Cmp(q.Amount) == 0 &&
		p.Expiration == q.Expiration &&
		p.Salt == q.Salt &&
		bytes.Equal(p.Bytecode, q.Bytecode) &&
		p.Address == q.Address
}

// SignReceipt signs r with signer, which must be the sender.
func SignReceipt(ctx context.Context, r *Receipt, signer wallet.Signer) error {
	if signer.Address() != r.Sender {
		return errors.WithMessagef(ErrSignerMismatch, "signer %s, sender %s", signer.Address().Hex(), r.Sender.Hex())
	}
	h, err := HashReceipt(r)
	if err != nil {
		return err
	}
	sig, err := signer.SignHash(ctx, h)
	if err != nil {
		return errors.WithMessage(err, "signing receipt")
	}
	r.Signature = sig
	return nil
}

// VerifyReceipt reports whether r equals the unsigned receipt expected and
// is signed by expected.Sender.
func VerifyReceipt(r, expected *Receipt) (bool, error) {
	logger := log.WithFields(log.Fields{"channel": r.ChannelID, "receipt": r.ID})

	want, err := HashReceipt(expected)
	if err != nil {
		return false, err
	}
	if r.CumulativeCredit == nil {
		logger.Warn("Receipt without credit")
		return false, nil
	}
	got, err := HashReceipt(r)
	if err != nil {
		logger.WithError(err).Warn("Receipt cannot be encoded")
		return false, nil
	}
	if got != want || r.Sender != expected.Sender || r.Receiver != expected.Receiver {
		logger.Warnf("Receipt hash mismatch: got %s, want %s", got.Hex(), want.Hex())
		return false, nil
	}
	ok, err := wallet.VerifySignature(want, r.Signature, expected.Sender)
	if err != nil {
		logger.WithError(err).Warn("Receipt signature cannot be recovered")
		return false, nil
	}
	if !ok {
		logger.Warnf("Receipt not signed by sender %s", expected.Sender.Hex())
	}
	return ok, nil
}
