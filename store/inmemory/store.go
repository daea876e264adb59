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

// Package inmemory implements store.Store with maps. It is the store of
// tests and short-lived demo parties.
package inmemory

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// compile time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type key struct {
	channelID uint64
	id        uint64
}

// Store keeps all records in memory.
type Store struct {
	lock sync.RWMutex

	channels      map[uint64]*channel.Channel
	lastChannelID uint64

	promises      [2]map[key]*promise.StatefulPromise
	lastPromiseID uint64

	receipts  [2]map[key]*promise.Receipt
	committed [2]map[key][]uint64

	handled map[string]struct{}
	closing map[uint64]struct{}
}

// New returns an empty store.
func New() *Store {
	s := &Store{
		channels: make(map[uint64]*channel.Channel),
		handled:  make(map[string]struct{}),
		closing:  make(map[uint64]struct{}),
	}
	for i := range s.promises {
		s.promises[i] = make(map[key]*promise.StatefulPromise)
		s.receipts[i] = make(map[key]*promise.Receipt)
		s.committed[i] = make(map[key][]uint64)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) CreateChannel(_ context.Context, ch *channel.Channel) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastChannelID++
	stored := ch.Clone()
	stored.ID = s.lastChannelID
	s.channels[stored.ID] = stored
	return stored.ID, nil
}

func (s *Store) AddChannel(_ context.Context, ch *channel.Channel) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.channels[ch.ID]; ok {
		return errors.WithMessagef(store.ErrDuplicate, "channel %d", ch.ID)
	}
	s.channels[ch.ID] = ch.Clone()
	if ch.ID > s.lastChannelID {
		s.lastChannelID = ch.ID
	}
	return nil
}

func (s *Store) UpdateChannel(_ context.Context, ch *channel.Channel) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.channels[ch.ID]; !ok {
		return errors.WithMessagef(store.ErrNotFound, "channel %d", ch.ID)
	}
	s.channels[ch.ID] = ch.Clone()
	return nil
}

func (s *Store) GetChannel(_ context.Context, id uint64) (*channel.Channel, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, errors.WithMessagef(store.ErrNotFound, "channel %d", id)
	}
	return ch.Clone(), nil
}

func (s *Store) GetChannelByAddress(_ context.Context, contract common.Address) (*channel.Channel, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, ch := range s.channels {
		if contract != (common.Address{}) && ch.Address == contract {
			return ch.Clone(), nil
		}
	}
	return nil, errors.WithMessagef(store.ErrNotFound, "channel at %s", contract.Hex())
}

func (s *Store) GetChannelsByStatus(_ context.Context, status channel.Status) ([]*channel.Channel, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var chs []*channel.Channel
	for _, ch := range s.channels {
		if ch.Status == status {
			chs = append(chs, ch.Clone())
		}
	}
	return chs, nil
}

func (s *Store) AddOutgoingPromise(_ context.Context, sp *promise.StatefulPromise) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastPromiseID++
	stored := sp.Clone()
	stored.ID = s.lastPromiseID
	s.promises[store.Outgoing][key{stored.ChannelID, stored.ID}] = stored
	return stored.ID, nil
}

func (s *Store) AddIncomingPromise(_ context.Context, sp *promise.StatefulPromise) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	k := key{sp.ChannelID, sp.ID}
	if _, ok := s.promises[store.Incoming][k]; ok {
		return errors.WithMessagef(store.ErrDuplicate, "incoming promise %d of channel %d", sp.ID, sp.ChannelID)
	}
	s.promises[store.Incoming][k] = sp.Clone()
	return nil
}

func (s *Store) UpdatePromise(_ context.Context, dir store.Direction, sp *promise.StatefulPromise) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	k := key{sp.ChannelID, sp.ID}
	if _, ok := s.promises[dir][k]; !ok {
		return errors.WithMessagef(store.ErrNotFound, "%v promise %d of channel %d", dir, sp.ID, sp.ChannelID)
	}
	s.promises[dir][k] = sp.Clone()
	return nil
}

func (s *Store) GetPromise(_ context.Context, dir store.Direction, channelID, id uint64) (*promise.StatefulPromise, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	sp, ok := s.promises[dir][key{channelID, id}]
	if !ok {
		return nil, errors.WithMessagef(store.ErrNotFound, "%v promise %d of channel %d", dir, id, channelID)
	}
	return sp.Clone(), nil
}

func (s *Store) GetPromiseByAddress(_ context.Context, dir store.Direction, addr common.Address) (*promise.StatefulPromise, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, sp := range s.promises[dir] {
		if sp.Address == addr {
			return sp.Clone(), nil
		}
	}
	return nil, errors.WithMessagef(store.ErrNotFound, "%v promise at %s", dir, addr.Hex())
}

func (s *Store) GetPromises(_ context.Context, dir store.Direction, channelID uint64) ([]*promise.StatefulPromise, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.promisesOf(dir, channelID), nil
}

func (s *Store) GetOpenPromises(_ context.Context, dir store.Direction, channelID uint64, exclude store.IDSet) ([]*promise.StatefulPromise, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return store.FilterOpen(s.promisesOf(dir, channelID), exclude), nil
}

func (s *Store) GetExpiringPromises(_ context.Context, dir store.Direction, channelID uint64, before uint64) ([]*promise.StatefulPromise, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return store.FilterExpiring(s.promisesOf(dir, channelID), before), nil
}

func (s *Store) promisesOf(dir store.Direction, channelID uint64) []*promise.StatefulPromise {
	var ps []*promise.StatefulPromise
	for k, sp := range s.promises[dir] {
		if k.channelID == channelID {
			ps = append(ps, sp.Clone())
		}
	}
	store.SortPromises(ps)
	return ps
}

func (s *Store) ClosePromises(_ context.Context, dir store.Direction, channelID uint64, ids []uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	closed, err := s.closedCopies(dir, channelID, ids)
	if err != nil {
		return err
	}
	s.putPromises(dir, closed)
	return nil
}

// closedCopies returns closed copies of the given promises without storing them.
func (s *Store) closedCopies(dir store.Direction, channelID uint64, ids []uint64) ([]*promise.StatefulPromise, error) {
	closed := make([]*promise.StatefulPromise, 0, len(ids))
	for _, id := range ids {
		sp, ok := s.promises[dir][key{channelID, id}]
		if !ok {
			return nil, errors.WithMessagef(store.ErrNotFound, "%v promise %d of channel %d", dir, id, channelID)
		}
		c := sp.Clone()
		if err := c.Transition(promise.StatusClosed); err != nil {
			return nil, err
		}
		closed = append(closed, c)
	}
	return closed, nil
}

func (s *Store) putPromises(dir store.Direction, ps []*promise.StatefulPromise) {
	for _, sp := range ps {
		s.promises[dir][key{sp.ChannelID, sp.ID}] = sp
	}
}

func (s *Store) CommitReceipt(_ context.Context, dir store.Direction, r *promise.Receipt, ch *channel.Channel, closed []uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.channels[ch.ID]; !ok {
		return errors.WithMessagef(store.ErrNotFound, "channel %d", ch.ID)
	}
	k := key{r.ChannelID, r.ID}
	if _, ok := s.receipts[dir][k]; ok {
		return errors.WithMessagef(store.ErrDuplicate, "%v receipt %d of channel %d", dir, r.ID, r.ChannelID)
	}
	closedPs, err := s.closedCopies(dir, r.ChannelID, closed)
	if err != nil {
		return err
	}
	committed := store.CommittedIDs(s.promisesOf(dir, r.ChannelID), closed)

	s.putPromises(dir, closedPs)
	s.receipts[dir][k] = r.Clone()
	s.committed[dir][k] = committed
	s.channels[ch.ID] = ch.Clone()
	return nil
}

func (s *Store) GetCommittedPromises(_ context.Context, dir store.Direction, channelID, receiptID uint64) ([]uint64, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	k := key{channelID, receiptID}
	if _, ok := s.receipts[dir][k]; !ok {
		return nil, errors.WithMessagef(store.ErrNotFound, "%v receipt %d of channel %d", dir, receiptID, channelID)
	}
	return append([]uint64(nil), s.committed[dir][k]...), nil
}

func (s *Store) AddReceipt(_ context.Context, dir store.Direction, r *promise.Receipt) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	k := key{r.ChannelID, r.ID}
	if _, ok := s.receipts[dir][k]; ok {
		return errors.WithMessagef(store.ErrDuplicate, "%v receipt %d of channel %d", dir, r.ID, r.ChannelID)
	}
	s.receipts[dir][k] = r.Clone()
	return nil
}

func (s *Store) GetReceipt(_ context.Context, dir store.Direction, channelID, id uint64) (*promise.Receipt, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	r, ok := s.receipts[dir][key{channelID, id}]
	if !ok {
		return nil, errors.WithMessagef(store.ErrNotFound, "%v receipt %d of channel %d", dir, id, channelID)
	}
	return r.Clone(), nil
}

func (s *Store) GetLatestReceipt(_ context.Context, dir store.Direction, channelID uint64) (*promise.Receipt, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var latest *promise.Receipt
	for k, r := range s.receipts[dir] {
		if k.channelID == channelID && (latest == nil || r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, errors.WithMessagef(store.ErrNotFound, "%v receipt of channel %d", dir, channelID)
	}
	return latest.Clone(), nil
}

func (s *Store) MarkHandled(_ context.Context, eventKey string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.handled[eventKey]; ok {
		return false, nil
	}
	s.handled[eventKey] = struct{}{}
	return true, nil
}

func (s *Store) MarkClosing(_ context.Context, channelID uint64) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.closing[channelID]; ok {
		return false, nil
	}
	s.closing[channelID] = struct{}{}
	return true, nil
}
