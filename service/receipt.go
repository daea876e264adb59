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
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// receiptDraft is an unsigned receipt together with the state it was
// computed from.
type receiptDraft struct {
	receipt *promise.Receipt
	latest  uint64
	open    []uint64
}

// CreateReceipt issues the next receipt over all open outgoing promises at
// the current cumulative credit and records it as outgoing.
func (s *Service) CreateReceipt(ctx context.Context, channelID uint64) (*promise.Receipt, error) {
	draft, err := s.draftReceipt(ctx, channelID, nil, nil)
	if err != nil {
		return nil, err
	}
	r := draft.receipt
	if err := s.sign(ctx, func(ctx context.Context) error { return promise.SignReceipt(ctx, r, s.self) }); err != nil {
		return nil, err
	}

	l := s.lock(channelID)
	l.Lock()
	defer l.Unlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	latest, _, err := s.latestReceiptID(ctx, store.Outgoing, channelID)
	if err != nil {
		return nil, err
	}
	open, err := s.promises.GetOpenPromises(ctx, store.Outgoing, channelID, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "loading open promises")
	}
	if latest != draft.latest || !sameIDs(promiseIDs(open), draft.open) {
		return nil, errors.WithMessagef(ErrConcurrentUpdate, "channel %d: receipt %d", channelID, r.ID)
	}
	if err := s.commitReceipt(ctx, ch, store.Outgoing, r, nil, r.Receiver); err != nil {
		return nil, err
	}
	s.logChannel(channelID).Infof("Issued receipt %d", r.ID)
	return r.Clone(), nil
}

// CreateTentativeReceipt issues the next receipt as if the outgoing
// promises in toRemove were closed and creditChange added to the
// counterparty's credit. A nil creditChange counts as zero. Nothing is
// stored: the sender commits the receipt with ConfirmReceipt once the
// counterparty accepted it.
func (s *Service) CreateTentativeReceipt(ctx context.Context, channelID uint64, creditChange *big.Int, toRemove store.IDSet) (*promise.Receipt, error) {
	draft, err := s.draftReceipt(ctx, channelID, creditChange, toRemove)
	if err != nil {
		return nil, err
	}
	r := draft.receipt
	if err := s.sign(ctx, func(ctx context.Context) error { return promise.SignReceipt(ctx, r, s.self) }); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) draftReceipt(ctx context.Context, channelID uint64, creditChange *big.Int, toRemove store.IDSet) (*receiptDraft, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	latest, _, err := s.latestReceiptID(ctx, store.Outgoing, channelID)
	if err != nil {
		return nil, err
	}
	r, err := s.outgoingReceipt(ctx, ch, latest+1, creditChange, toRemove)
	if err != nil {
		return nil, err
	}
	all, err := s.promises.GetOpenPromises(ctx, store.Outgoing, channelID, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "loading open promises")
	}
	return &receiptDraft{receipt: r, latest: latest, open: promiseIDs(all)}, nil
}

// outgoingReceipt builds the unsigned receipt receiptID self issues over
// the open outgoing promises except toRemove. The caller holds the channel
// lock.
func (s *Service) outgoingReceipt(ctx context.Context, ch *channel.Channel, receiptID uint64, creditChange *big.Int, toRemove store.IDSet) (*promise.Receipt, error) {
	receiver, err := ch.OtherAddress(s.self.Address())
	if err != nil {
		return nil, err
	}
	credit, err := ch.TotalCredit(receiver)
	if err != nil {
		return nil, err
	}
	if creditChange != nil {
		credit.Add(credit, creditChange)
	}
	open, err := s.promises.GetOpenPromises(ctx, store.Outgoing, ch.ID, toRemove)
	if err != nil {
		return nil, errors.WithMessage(err, "loading open promises")
	}
	return promise.NewReceiptFromPromises(ch.ID, ch.ChainID, s.self.Address(), receiver, receiptID, credit, statelessPromises(open))
}

// CheckReceipt checks a receipt received from the counterparty without
// recording it. The receipt must carry receiptID, exceed every accepted
// incoming receipt and commit to the open incoming promises except those
// in toRemove, at the cumulative credit raised by creditChange.
func (s *Service) CheckReceipt(ctx context.Context, r *promise.Receipt, channelID, receiptID uint64, creditChange *big.Int, toRemove store.IDSet) (Verdict, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return s.checkReceipt(ctx, ch, r, receiptID, creditChange, toRemove)
}

// checkReceipt expects the caller to hold the channel lock.
func (s *Service) checkReceipt(ctx context.Context, ch *channel.Channel, r *promise.Receipt, receiptID uint64, creditChange *big.Int, toRemove store.IDSet) (Verdict, error) {
	logger := s.logChannel(ch.ID)
	latest, found, err := s.latestReceiptID(ctx, store.Incoming, ch.ID)
	if err != nil {
		return 0, err
	}
	if found && receiptID <= latest {
		logger.Infof("Receipt %d does not exceed accepted receipt %d", receiptID, latest)
		return StaleReceipt, nil
	}
	sender, err := ch.OtherAddress(s.self.Address())
	if err != nil {
		return 0, err
	}
	credit, err := ch.TotalCredit(s.self.Address())
	if err != nil {
		return 0, err
	}
	if creditChange != nil {
		credit.Add(credit, creditChange)
	}
	open, err := s.promises.GetOpenPromises(ctx, store.Incoming, ch.ID, toRemove)
	if err != nil {
		return 0, errors.WithMessage(err, "loading open promises")
	}
	expected, err := promise.NewReceiptFromPromises(ch.ID, ch.ChainID, sender, s.self.Address(), receiptID, credit, statelessPromises(open))
	if err != nil {
		return 0, err
	}
	ok, err := promise.VerifyReceipt(r, expected)
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Infof("Receipt %d did not verify", receiptID)
		return BadSignature, nil
	}
	return Valid, nil
}

// AcceptReceipt checks a receipt received from the counterparty and, if
// valid, closes the incoming promises in toRemove, records the receipt and
// sets the own credit to the receipt's cumulative credit minus the
// checkpointed credit. Every id in toRemove must name an open incoming
// promise.
func (s *Service) AcceptReceipt(ctx context.Context, r *promise.Receipt, channelID uint64, creditChange *big.Int, toRemove store.IDSet) (Verdict, error) {
	l := s.lock(channelID)
	l.Lock()
	defer l.Unlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if err := s.checkOpen(ctx, store.Incoming, channelID, toRemove); err != nil {
		return 0, err
	}
	verdict, err := s.checkReceipt(ctx, ch, r, r.ID, creditChange, toRemove)
	if err != nil || !verdict.OK() {
		return verdict, err
	}
	if err := s.commitReceipt(ctx, ch, store.Incoming, r, toRemove, s.self.Address()); err != nil {
		return 0, err
	}
	s.logChannel(channelID).Infof("Accepted receipt %d closing %d promises", r.ID, len(toRemove))
	return Valid, nil
}

// ConfirmReceipt commits a tentative receipt on the sender side after the
// counterparty accepted it: the outgoing promises in toRemove are closed,
// the receipt is recorded and the counterparty's credit follows it. The
// receipt must be the one CreateTentativeReceipt issues for creditChange
// and toRemove on the current ledger, otherwise ErrReceiptMismatch is
// returned and nothing changes.
func (s *Service) ConfirmReceipt(ctx context.Context, r *promise.Receipt, creditChange *big.Int, toRemove store.IDSet) error {
	l := s.lock(r.ChannelID)
	l.Lock()
	defer l.Unlock()
	ch, err := s.channel(ctx, r.ChannelID)
	if err != nil {
		return err
	}
	if r.Sender != s.self.Address() {
		return errors.WithMessagef(promise.ErrSignerMismatch, "receipt %d sent by %s", r.ID, r.Sender.Hex())
	}
	latest, _, err := s.latestReceiptID(ctx, store.Outgoing, r.ChannelID)
	if err != nil {
		return err
	}
	if r.ID <= latest {
		return errors.WithMessagef(ErrConcurrentUpdate, "channel %d: receipt %d superseded by %d", r.ChannelID, r.ID, latest)
	}
	if r.ID != latest+1 {
		return errors.WithMessagef(ErrReceiptMismatch, "channel %d: receipt %d does not follow %d", r.ChannelID, r.ID, latest)
	}
	if err := s.checkOpen(ctx, store.Outgoing, r.ChannelID, toRemove); err != nil {
		return err
	}
	expected, err := s.outgoingReceipt(ctx, ch, r.ID, creditChange, toRemove)
	if err != nil {
		return err
	}
	ok, err := promise.VerifyReceipt(r, expected)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithMessagef(ErrReceiptMismatch, "channel %d: receipt %d", r.ChannelID, r.ID)
	}
	if err := s.commitReceipt(ctx, ch, store.Outgoing, r, toRemove, expected.Receiver); err != nil {
		return err
	}
	s.logChannel(r.ChannelID).Infof("Confirmed receipt %d closing %d promises", r.ID, len(toRemove))
	return nil
}

// commitReceipt sets the credit of creditor from r and hands the ledger
// change to the store as one transaction.
func (s *Service) commitReceipt(ctx context.Context, ch *channel.Channel, dir store.Direction, r *promise.Receipt, toRemove store.IDSet, creditor common.Address) error {
	prev, err := ch.PrevCredit(creditor)
	if err != nil {
		return err
	}
	credit := new(big.Int).Sub(r.CumulativeCredit, prev)
	if err := ch.SetCredit(creditor, credit); err != nil {
		return err
	}
	return errors.WithMessage(s.receipts.CommitReceipt(ctx, dir, r, ch, toRemove.Sorted()), "committing receipt")
}

func (s *Service) checkOpen(ctx context.Context, dir store.Direction, channelID uint64, ids store.IDSet) error {
	for _, id := range ids.Sorted() {
		sp, err := s.promises.GetPromise(ctx, dir, channelID, id)
		if err != nil {
			return err
		}
		if sp.Status != promise.StatusOpen {
			return errors.WithMessagef(promise.ErrInvalidTransition, "%v promise %d is %v", dir, id, sp.Status)
		}
	}
	return nil
}

func promiseIDs(ps []*promise.StatefulPromise) []uint64 {
	ids := make([]uint64, len(ps))
	for i, sp := range ps {
		ids[i] = sp.ID
	}
	return ids
}

func sameIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
