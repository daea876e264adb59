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

package event

import (
	"context"
	"math/big"

	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// ChannelLocker serializes event handling with the ledger mutations of the
// channel service.
type ChannelLocker interface {
	LockChannel(channelID uint64) (unlock func())
}

// Dispatcher applies on-chain events to one party's stores.
type Dispatcher struct {
	log.Embedding

	locker   ChannelLocker
	channels store.ChannelStore
	promises store.PromiseStore
	handled  store.HandledEvents
}

// NewDispatcher returns a dispatcher writing to the given stores under the
// locks of locker.
func NewDispatcher(locker ChannelLocker, channels store.ChannelStore, promises store.PromiseStore, handled store.HandledEvents) *Dispatcher {
	return &Dispatcher{
		Embedding: log.MakeEmbedding(log.Default()),
		locker:    locker,
		channels:  channels,
		promises:  promises,
		handled:   handled,
	}
}

// Apply applies ev unless an event of the same type and transaction was
// applied before. It reports whether ev was applied. The event is claimed
// before it is applied, so a failed application is not retried on
// redelivery.
func (d *Dispatcher) Apply(ctx context.Context, ev Event) (bool, error) {
	unlock := d.locker.LockChannel(ev.Channel())
	defer unlock()

	logger := d.Log().WithFields(log.Fields{"channel": ev.Channel(), "event": ev.Type(), "tx": ev.Tx().Hex()})
	fresh, err := d.handled.MarkHandled(ctx, Key(ev))
	if err != nil {
		return false, errors.WithMessage(err, "marking event")
	}
	if !fresh {
		logger.Debug("Skipping handled event")
		return false, nil
	}

	switch e := ev.(type) {
	case *DepositEvent:
		err = d.handleDeposit(ctx, e)
	case *SetClosingEvent:
		_, err = d.closeChannel(ctx, e.ChannelID)
	case *CloseEvent:
		err = d.updateChannel(ctx, e.ChannelID, func(ch *channel.Channel) error {
			return ch.Transition(channel.StatusClosed)
		})
	case *DeployPromiseEvent:
		err = d.handleDeployPromise(ctx, e, logger)
	case *WithdrawRequestEvent:
		logger.Infof("Withdraw request of %v by %s", e.Amount, e.From.Hex())
	case *WithdrawEvent:
		err = d.handleWithdraw(ctx, e, logger)
	default:
		err = errors.WithMessagef(ErrEventUnsupported, "%T", ev)
	}
	if err != nil {
		return false, err
	}
	logger.Info("Applied event")
	return true, nil
}

// CloseChannel moves a channel to CLOSING unless a close was recorded
// before. It reports whether this call closed the channel.
func (d *Dispatcher) CloseChannel(ctx context.Context, channelID uint64) (bool, error) {
	unlock := d.locker.LockChannel(channelID)
	defer unlock()
	return d.closeChannel(ctx, channelID)
}

func (d *Dispatcher) closeChannel(ctx context.Context, channelID uint64) (bool, error) {
	fresh, err := d.handled.MarkClosing(ctx, channelID)
	if err != nil || !fresh {
		return false, errors.WithMessage(err, "marking close")
	}
	err = d.updateChannel(ctx, channelID, func(ch *channel.Channel) error {
		return ch.Transition(channel.StatusClosing)
	})
	return err == nil, err
}

func (d *Dispatcher) updateChannel(ctx context.Context, channelID uint64, update func(*channel.Channel) error) error {
	ch, err := d.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := update(ch); err != nil {
		return err
	}
	return errors.WithMessage(d.channels.UpdateChannel(ctx, ch), "updating channel")
}

func (d *Dispatcher) handleDeposit(ctx context.Context, e *DepositEvent) error {
	return d.updateChannel(ctx, e.ChannelID, func(ch *channel.Channel) error {
		return ch.AddDeposit(e.From, e.Amount)
	})
}

func (d *Dispatcher) handleDeployPromise(ctx context.Context, e *DeployPromiseEvent, logger log.Logger) error {
	for _, dir := range []store.Direction{store.Incoming, store.Outgoing} {
		sp, err := d.promises.GetPromiseByAddress(ctx, dir, e.PromiseAddress)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := sp.Transition(promise.StatusDeployed); err != nil {
			// The contract is the authority on deployments.
			logger.WithError(err).Warnf("Deployed %v promise %d was not open", dir, sp.ID)
			sp.Status = promise.StatusDeployed
		}
		return errors.WithMessage(d.promises.UpdatePromise(ctx, dir, sp), "updating promise")
	}
	logger.Warnf("No promise deployed at %s", e.PromiseAddress.Hex())
	return nil
}

func (d *Dispatcher) handleWithdraw(ctx context.Context, e *WithdrawEvent, logger log.Logger) error {
	return d.updateChannel(ctx, e.ChannelID, func(ch *channel.Channel) error {
		if e.Full {
			return ch.Transition(channel.StatusWithdrawn)
		}
		ch.RolloverCredit()
		for _, p := range []struct {
			party   channel.Party
			deposit *big.Int
			prev    *big.Int
		}{
			{ch.Hub, e.HubDeposit, e.HubPrevCredit},
			{ch.Client, e.ClientDeposit, e.ClientPrevCredit},
		} {
			if p.party.PrevCredit.Cmp(p.prev) != 0 {
				logger.Warnf("Contract checkpointed %v for %s, local ledger %v", p.prev, p.party.Address.Hex(), p.party.PrevCredit)
			}
			if err := ch.SetDeposit(p.party.Address, p.deposit); err != nil {
				return err
			}
			if err := ch.SetPrevCredit(p.party.Address, p.prev); err != nil {
				return err
			}
		}
		return nil
	})
}
