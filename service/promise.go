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
	"time"

	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/accumulator"
	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// CreatePromise issues a promise to the counterparty against the latest
// outgoing receipt and records it as an open outgoing promise, flagged to
// trigger a close before it expires if triggerClose is set. The channel
// lock is released while the signer runs. If another mutation moved the
// latest receipt or consumed the funds in the meantime, the promise is
// dropped with ErrConcurrentUpdate.
func (s *Service) CreatePromise(ctx context.Context, channelID uint64, typ int, triggerClose bool, init []byte, params promise.ConstructorParams, salt [32]byte) (*promise.StatefulPromise, error) {
	p, receiptID, err := s.preparePromise(ctx, channelID, init, params, salt)
	if err != nil {
		return nil, err
	}
	if err := s.sign(ctx, func(ctx context.Context) error { return promise.Sign(ctx, p, s.self) }); err != nil {
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
	if latest != receiptID {
		return nil, errors.WithMessagef(ErrConcurrentUpdate, "channel %d: receipt %d superseded by %d", channelID, receiptID, latest)
	}
	avail, err := s.selfAvailable(ctx, ch)
	if err != nil {
		return nil, err
	}
	if avail.Cmp(p.Amount) < 0 {
		return nil, errors.WithMessagef(ErrConcurrentUpdate, "channel %d: available %v below %v", channelID, avail, p.Amount)
	}

	sp := &promise.StatefulPromise{Promise: *p, Type: typ, TriggerClose: triggerClose, Status: promise.StatusOpen}
	if sp.ID, err = s.promises.AddOutgoingPromise(ctx, sp); err != nil {
		return nil, errors.WithMessage(err, "storing promise")
	}
	s.logChannel(channelID).Infof("Issued promise %d of %v", sp.ID, sp.Amount)
	return sp.Clone(), nil
}

func (s *Service) preparePromise(ctx context.Context, channelID uint64, init []byte, params promise.ConstructorParams, salt [32]byte) (*promise.Promise, uint64, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()

	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, 0, err
	}
	receiver, err := ch.OtherAddress(s.self.Address())
	if err != nil {
		return nil, 0, err
	}
	receiptID, _, err := s.latestReceiptID(ctx, store.Outgoing, channelID)
	if err != nil {
		return nil, 0, err
	}
	p, err := promise.New(promise.Terms{
		ChannelID:      channelID,
		ChainID:        ch.ChainID,
		ChannelAddress: ch.Address,
		Sender:         s.self.Address(),
		Receiver:       receiver,
		ReceiptID:      receiptID,
		InitBytecode:   init,
		Params:         params,
		Salt:           salt,
	})
	if err != nil {
		return nil, 0, err
	}
	avail, err := s.selfAvailable(ctx, ch)
	if err != nil {
		return nil, 0, err
	}
	if avail.Cmp(p.Amount) < 0 {
		return nil, 0, errors.WithMessagef(ErrInsufficientFunds, "channel %d: available %v, promised %v", channelID, avail, p.Amount)
	}
	return p, receiptID, nil
}

// CheckPromise checks a promise received from the counterparty without
// recording it.
func (s *Service) CheckPromise(ctx context.Context, p *promise.Promise, channelID uint64, init []byte, params promise.ConstructorParams, salt [32]byte) (Verdict, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return s.checkPromise(ctx, ch, p, init, params, salt)
}

// checkPromise rebuilds the promise the counterparty must have sent against
// the latest incoming receipt and checks it can be covered. The caller holds
// the channel lock.
func (s *Service) checkPromise(ctx context.Context, ch *channel.Channel, p *promise.Promise, init []byte, params promise.ConstructorParams, salt [32]byte) (Verdict, error) {
	logger := s.logChannel(ch.ID)
	sender, err := ch.OtherAddress(s.self.Address())
	if err != nil {
		return 0, err
	}
	receiptID, _, err := s.latestReceiptID(ctx, store.Incoming, ch.ID)
	if err != nil {
		return 0, err
	}
	ok, err := promise.Verify(p, promise.Terms{
		ChannelID:      ch.ID,
		ChainID:        ch.ChainID,
		ChannelAddress: ch.Address,
		Sender:         sender,
		Receiver:       s.self.Address(),
		ReceiptID:      receiptID,
		InitBytecode:   init,
		Params:         params,
		Salt:           salt,
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Info("Promise did not verify")
		return BadSignature, nil
	}
	avail, err := s.otherAvailable(ctx, ch)
	if err != nil {
		return 0, err
	}
	if avail.Cmp(p.Amount) < 0 {
		logger.Infof("Insufficient amount %v to cover promise of %v", avail, p.Amount)
		return InsufficientBalance, nil
	}
	return Valid, nil
}

// AcceptPromise checks a promise received from the counterparty and records
// it under the sender's id: OPEN when valid, REJECTED otherwise. A known id
// or deployment address fails with ErrPromiseReuse and records nothing.
func (s *Service) AcceptPromise(ctx context.Context, p *promise.Promise, id uint64, typ int, triggerClose bool, channelID uint64, init []byte, params promise.ConstructorParams, salt [32]byte) (Verdict, error) {
	l := s.lock(channelID)
	l.Lock()
	defer l.Unlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if err := s.checkUnused(ctx, channelID, id, p); err != nil {
		return 0, err
	}
	verdict, err := s.checkPromise(ctx, ch, p, init, params, salt)
	if err != nil {
		return 0, err
	}

	sp := &promise.StatefulPromise{Promise: *p.Clone(), ID: id, Type: typ, TriggerClose: triggerClose, Status: promise.StatusOpen}
	if !verdict.OK() {
		sp.Status = promise.StatusRejected
	}
	if err := s.promises.AddIncomingPromise(ctx, sp); err != nil {
		return 0, errors.WithMessage(err, "storing promise")
	}
	s.logChannel(channelID).Infof("Recorded incoming promise %d as %v", id, sp.Status)
	return verdict, nil
}

func (s *Service) checkUnused(ctx context.Context, channelID, id uint64, p *promise.Promise) error {
	_, err := s.promises.GetPromise(ctx, store.Incoming, channelID, id)
	if err == nil {
		return errors.WithMessagef(ErrPromiseReuse, "channel %d: promise id %d", channelID, id)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, err = s.promises.GetPromiseByAddress(ctx, store.Incoming, p.Address)
	if err == nil {
		return errors.WithMessagef(ErrPromiseReuse, "channel %d: promise address %s", channelID, p.Address.Hex())
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// IncomingAccumulator builds the accumulator over the open incoming
// promises of a channel.
func (s *Service) IncomingAccumulator(ctx context.Context, channelID uint64) (*accumulator.Accumulator, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	if _, err := s.channel(ctx, channelID); err != nil {
		return nil, err
	}
	open, err := s.promises.GetOpenPromises(ctx, store.Incoming, channelID, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "loading open promises")
	}
	return promise.BuildAccumulator(statelessPromises(open)), nil
}

// ExpiringPromises returns the open promises of either direction that
// trigger a close and expire within the expiry window.
func (s *Service) ExpiringPromises(ctx context.Context, channelID uint64) ([]*promise.StatefulPromise, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	before := uint64(s.now().Add(s.expiryWindow).Unix())
	var expiring []*promise.StatefulPromise
	for _, dir := range []store.Direction{store.Incoming, store.Outgoing} {
		ps, err := s.promises.GetExpiringPromises(ctx, dir, channelID, before)
		if err != nil {
			return nil, errors.WithMessage(err, "loading expiring promises")
		}
		expiring = append(expiring, ps...)
	}
	return expiring, nil
}

// ExpiryWindow returns the lookahead of ExpiringPromises.
func (s *Service) ExpiryWindow() time.Duration {
	return s.expiryWindow
}

func statelessPromises(sps []*promise.StatefulPromise) []*promise.Promise {
	ps := make([]*promise.Promise, len(sps))
	for i, sp := range sps {
		ps[i] = &sp.Promise
	}
	return ps
}
