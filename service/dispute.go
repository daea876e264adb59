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

package service

import (
	"context"

	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/accumulator"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// Evidence is what the settlement contract needs to register a promise.
type Evidence struct {
	Promise *promise.StatefulPromise
	// Receipt is the latest receipt of the promise's sender known to the
	// deployer, nil if there is none.
	Receipt *promise.Receipt
	// Proof shows the promise was still outstanding when Receipt was
	// issued. A promise that was the only outstanding one has an empty
	// proof.
	Proof    accumulator.Proof
	required bool
}

// ProofRequired reports whether the contract checks an inclusion proof.
func (e *Evidence) ProofRequired() bool {
	return e.required
}

// DeploymentEvidence assembles the evidence for registering a promise of
// direction dir on-chain. The sender deploying its own promise, a receiver
// that never accepted a receipt, and a promise issued against the latest
// receipt or later need no proof. Otherwise the promise must be part of the
// set the latest receipt left outstanding, and the proof is taken from
// that set after checking its root against the receipt.
func (s *Service) DeploymentEvidence(ctx context.Context, channelID uint64, dir store.Direction, promiseID uint64) (*Evidence, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	if _, err := s.channel(ctx, channelID); err != nil {
		return nil, err
	}
	sp, err := s.promises.GetPromise(ctx, dir, channelID, promiseID)
	if err != nil {
		return nil, err
	}
	ev := &Evidence{Promise: sp}
	if dir == store.Outgoing {
		return ev, nil
	}
	latest, err := s.receipts.GetLatestReceipt(ctx, store.Incoming, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return ev, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "loading latest receipt")
	}
	ev.Receipt = latest
	if sp.ReceiptID >= latest.ID {
		return ev, nil
	}

	acc, err := s.outstandingAt(ctx, channelID, latest.ID)
	if err != nil {
		return nil, err
	}
	if acc.Root() != latest.AccumulatorRoot {
		return nil, errors.WithMessagef(ErrEvidenceMismatch, "channel %d, receipt %d", channelID, latest.ID)
	}
	proof, err := promise.AccumulatorProof(acc, &sp.Promise)
	if err != nil {
		return nil, errors.WithMessagef(err, "promise %d settled by receipt %d", promiseID, latest.ID)
	}
	ev.Proof, ev.required = proof, true
	return ev, nil
}

// outstandingAt rebuilds the accumulator of the incoming promises that
// receipt receiptID left outstanding, as recorded when it was accepted.
// Their current status does not matter.
func (s *Service) outstandingAt(ctx context.Context, channelID, receiptID uint64) (*accumulator.Accumulator, error) {
	ids, err := s.receipts.GetCommittedPromises(ctx, store.Incoming, channelID, receiptID)
	if err != nil {
		return nil, errors.WithMessage(err, "loading committed promises")
	}
	outstanding := make([]*promise.Promise, len(ids))
	for i, id := range ids {
		sp, err := s.promises.GetPromise(ctx, store.Incoming, channelID, id)
		if err != nil {
			return nil, err
		}
		outstanding[i] = &sp.Promise
	}
	return promise.BuildAccumulator(outstanding), nil
}

// ReceiptEvidence returns the latest receipt received from the counterparty,
// or the empty receipt the contract accepts when none exists.
func (s *Service) ReceiptEvidence(ctx context.Context, channelID uint64) (*promise.Receipt, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	r, err := s.receipts.GetLatestReceipt(ctx, store.Incoming, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return promise.EmptyReceipt(channelID, ch.ChainID), nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "loading latest receipt")
	}
	return r, nil
}
