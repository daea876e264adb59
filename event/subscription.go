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
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-upc-backend/channel"
)

const (
	// DefaultBufferSize is the number of events a subscription buffers.
	DefaultBufferSize = 1024
	// DefaultSubscriptionPollingInterval is the period between two status
	// reads.
	DefaultSubscriptionPollingInterval = time.Duration(5) * time.Second
)

var (
	// ErrStatusRegression is returned when the contract reports a status
	// before the one last seen.
	ErrStatusRegression = errors.New("contract status moved backwards")
	// ErrContractError is returned when the contract reports an unknown
	// status code.
	ErrContractError = errors.New("contract in error status")
)

// StatusSource reads the status code of a channel's settlement contract.
type StatusSource interface {
	ContractStatus(ctx context.Context, channelID uint64) (uint8, error)
}

// Subscription polls the status of one settlement contract and emits the
// events implied by every change. It ends once the contract reaches a
// terminal status.
type Subscription struct {
	log.Embedding

	source       StatusSource
	channelID    uint64
	current      channel.Status
	events       chan Event
	pollInterval time.Duration

	mtx    pkgsync.Mutex
	err    error
	cancel context.CancelFunc
	closer *pkgsync.Closer
}

// NewSubscription starts polling source for the contract of channelID,
// whose status is known to be from.
func NewSubscription(ctx context.Context, channelID uint64, source StatusSource, from channel.Status, pollInterval time.Duration) *Subscription {
	sub := &Subscription{
		Embedding:    log.MakeEmbedding(log.Default()),
		source:       source,
		channelID:    channelID,
		current:      from,
		events:       make(chan Event, DefaultBufferSize),
		pollInterval: pollInterval,
		closer:       new(pkgsync.Closer),
	}

	ctx, sub.cancel = context.WithCancel(ctx)
	sub.closer.OnCloseAlways(sub.cancel)
	go sub.run(ctx)
	return sub
}

func (s *Subscription) run(ctx context.Context) {
	logger := s.Log().WithField("channel", s.channelID)
	logger.Info("Listening for contract status changes")
	defer close(s.events)

	for !s.current.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}

		code, err := s.source.ContractStatus(ctx, s.channelID)
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(errors.WithMessage(err, "reading contract status"))
			}
			return
		}
		next := channel.StatusFromContract(code)
		evs, err := StatusEvents(s.channelID, s.current, next)
		if err != nil {
			s.setErr(err)
			return
		}
		if len(evs) == 0 {
			logger.Debug("No status change, continuing polling...")
			continue
		}
		logger.Debugf("Contract moved from %v to %v", s.current, next)
		for _, ev := range evs {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
		s.current = next
	}
}

func (s *Subscription) setErr(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.err = err
}

// Next blocks until the next event and returns nil once the subscription
// ended.
func (s *Subscription) Next() Event {
	ev, ok := <-s.events
	if !ok {
		return nil
	}
	return ev
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}

// Close stops polling.
func (s *Subscription) Close() error {
	return s.closer.Close()
}

// Follow applies every event of sub through d until sub ends or applying
// fails.
func (d *Dispatcher) Follow(ctx context.Context, sub *Subscription) error {
	for ev := sub.Next(); ev != nil; ev = sub.Next() {
		if _, err := d.Apply(ctx, ev); err != nil {
			return err
		}
	}
	return sub.Err()
}

// StatusEvents returns the events for a contract moving from curr to next,
// one per status passed. A status has no transaction of its own, so every
// event carries a hash derived from the channel and the status reached.
func StatusEvents(channelID uint64, curr, next channel.Status) ([]Event, error) {
	if next == channel.StatusError {
		return nil, ErrContractError
	}
	if next < curr {
		return nil, errors.WithMessagef(ErrStatusRegression, "%v to %v", curr, next)
	}
	var evs []Event
	for st := curr + 1; st <= next; st++ {
		tx := statusTx(channelID, st)
		switch st {
		case channel.StatusClosing:
			evs = append(evs, &SetClosingEvent{ChannelID: channelID, TxHash: tx})
		case channel.StatusClosed:
			evs = append(evs, &CloseEvent{ChannelID: channelID, TxHash: tx})
		case channel.StatusWithdrawn:
			evs = append(evs, &WithdrawEvent{ChannelID: channelID, TxHash: tx, Full: true})
		}
	}
	return evs, nil
}

func statusTx(channelID uint64, st channel.Status) common.Hash {
	var b [9]byte
	binary.BigEndian.PutUint64(b[:8], channelID)
	b[8] = byte(st)
	return crypto.Keccak256Hash(b[:])
}
