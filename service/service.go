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

// Package service implements the per-party channel service. A Service owns
// one party's view of its channels: it computes available amounts, issues
// and checks promises and receipts, and assembles dispute evidence. Two
// parties never share a Service or its stores, they converge only through
// the exchanged promises, receipts and on-chain events.
package service

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/store"
	"perun.network/perun-upc-backend/wallet"
)

const (
	// DefaultSigningTimeout bounds a single call into the signer.
	DefaultSigningTimeout = 10 * time.Second
	// DefaultExpiryWindow is the lookahead for expiring promises.
	DefaultExpiryWindow = 300 * time.Second
)

var (
	// ErrInsufficientFunds is returned when a promise exceeds the sender's
	// available amount.
	ErrInsufficientFunds = errors.New("insufficient available funds")
	// ErrPromiseReuse is returned when a promise id or address is already
	// known.
	ErrPromiseReuse = errors.New("promise reuse")
	// ErrConcurrentUpdate is returned when the channel changed while a
	// signature was requested.
	ErrConcurrentUpdate = errors.New("channel changed during signing")
	// ErrEvidenceMismatch is returned when stored promises do not reproduce
	// the root of the receipt they are proven against.
	ErrEvidenceMismatch = errors.New("stored promises do not match receipt root")
	// ErrReceiptMismatch is returned when a receipt to confirm is not the
	// one the ledger produces.
	ErrReceiptMismatch = errors.New("receipt does not match ledger")
)

// Service is the channel service of one party.
type Service struct {
	log.Embedding

	self     wallet.Signer
	channels store.ChannelStore
	promises store.PromiseStore
	receipts store.ReceiptStore

	locksMtx sync.Mutex
	locks    map[uint64]*sync.RWMutex

	signingTimeout time.Duration
	expiryWindow   time.Duration
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSigningTimeout sets the timeout of every signing request.
func WithSigningTimeout(d time.Duration) Option {
	return func(s *Service) { s.signingTimeout = d }
}

// WithExpiryWindow sets the lookahead of ExpiringPromises.
func WithExpiryWindow(d time.Duration) Option {
	return func(s *Service) { s.expiryWindow = d }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns the service of the party signing with self.
func New(self wallet.Signer, channels store.ChannelStore, promises store.PromiseStore, receipts store.ReceiptStore, opts ...Option) *Service {
	s := &Service{
		Embedding:      log.MakeEmbedding(log.WithField("party", self.Address().Hex())),
		self:           self,
		channels:       channels,
		promises:       promises,
		receipts:       receipts,
		locks:          make(map[uint64]*sync.RWMutex),
		signingTimeout: DefaultSigningTimeout,
		expiryWindow:   DefaultExpiryWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the address of the party this service acts for.
func (s *Service) Address() common.Address {
	return s.self.Address()
}

func (s *Service) lock(channelID uint64) *sync.RWMutex {
	s.locksMtx.Lock()
	defer s.locksMtx.Unlock()
	l, ok := s.locks[channelID]
	if !ok {
		l = new(sync.RWMutex)
		s.locks[channelID] = l
	}
	return l
}

// LockChannel acquires the exclusive lock of a channel. Event handlers call
// it so that on-chain updates never interleave with a ledger mutation.
func (s *Service) LockChannel(channelID uint64) (unlock func()) {
	l := s.lock(channelID)
	l.Lock()
	return l.Unlock
}

func (s *Service) logChannel(channelID uint64) log.Logger {
	return s.Log().WithField("channel", channelID)
}

// sign runs f with the signing timeout applied to ctx.
func (s *Service) sign(ctx context.Context, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.signingTimeout)
	defer cancel()
	return f(ctx)
}

// OpenChannel stores a new channel between self and the counterparty and
// returns its id. Self may be hub or client.
func (s *Service) OpenChannel(ctx context.Context, ch *channel.Channel) (uint64, error) {
	if !ch.IsMember(s.self.Address()) {
		return 0, errors.WithMessagef(channel.ErrNotAChannelMember, "self %s", s.self.Address().Hex())
	}
	id, err := s.channels.CreateChannel(ctx, ch)
	if err != nil {
		return 0, errors.WithMessage(err, "creating channel")
	}
	s.logChannel(id).Info("Opened channel")
	return id, nil
}

// AddChannel stores the counterparty's channel under its existing id.
func (s *Service) AddChannel(ctx context.Context, ch *channel.Channel) error {
	if !ch.IsMember(s.self.Address()) {
		return errors.WithMessagef(channel.ErrNotAChannelMember, "self %s", s.self.Address().Hex())
	}
	return errors.WithMessage(s.channels.AddChannel(ctx, ch), "adding channel")
}

// Channel returns a copy of the channel.
func (s *Service) Channel(ctx context.Context, channelID uint64) (*channel.Channel, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	return s.channel(ctx, channelID)
}

// channel loads a channel self is a member of.
func (s *Service) channel(ctx context.Context, channelID uint64) (*channel.Channel, error) {
	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.IsMember(s.self.Address()) {
		return nil, errors.WithMessagef(channel.ErrNotAChannelMember, "channel %d, self %s", channelID, s.self.Address().Hex())
	}
	return ch, nil
}

// SelfAvailable returns the amount self can still promise: own deposit and
// credit, minus the counterparty's credit and all open outgoing promises.
func (s *Service) SelfAvailable(ctx context.Context, channelID uint64) (*big.Int, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.selfAvailable(ctx, ch)
}

// OtherAvailable returns the amount the counterparty can still promise as
// seen by self.
func (s *Service) OtherAvailable(ctx context.Context, channelID uint64) (*big.Int, error) {
	l := s.lock(channelID)
	l.RLock()
	defer l.RUnlock()
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.otherAvailable(ctx, ch)
}

func (s *Service) selfAvailable(ctx context.Context, ch *channel.Channel) (*big.Int, error) {
	return s.available(ctx, ch, s.self.Address(), store.Outgoing)
}

func (s *Service) otherAvailable(ctx context.Context, ch *channel.Channel) (*big.Int, error) {
	other, err := ch.OtherAddress(s.self.Address())
	if err != nil {
		return nil, err
	}
	return s.available(ctx, ch, other, store.Incoming)
}

// available computes deposit(party) + credit(party) - credit(other) minus
// the open promises party issued, which self sees in direction dir.
func (s *Service) available(ctx context.Context, ch *channel.Channel, party common.Address, dir store.Direction) (*big.Int, error) {
	other, err := ch.OtherAddress(party)
	if err != nil {
		return nil, err
	}
	deposit, err := ch.Deposit(party)
	if err != nil {
		return nil, err
	}
	credit, err := ch.Credit(party)
	if err != nil {
		return nil, err
	}
	owed, err := ch.Credit(other)
	if err != nil {
		return nil, err
	}
	open, err := s.promises.GetOpenPromises(ctx, dir, ch.ID, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "loading open promises")
	}
	avail := new(big.Int).Add(deposit, credit)
	avail.Sub(avail, owed)
	for _, sp := range open {
		avail.Sub(avail, sp.Amount)
	}
	return avail, nil
}

// latestReceiptID returns the id of the latest receipt in dir, or 0 and
// false when there is none.
func (s *Service) latestReceiptID(ctx context.Context, dir store.Direction, channelID uint64) (uint64, bool, error) {
	r, err := s.receipts.GetLatestReceipt(ctx, dir, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.WithMessage(err, "loading latest receipt")
	}
	return r.ID, true, nil
}
