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

// Package badgerdb implements store.Store on badgerhold. An empty directory
// opens an in-memory database.
package badgerdb

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/timshannon/badgerhold/v4"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// compile time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type channelRecord struct {
	ID       uint64
	Status   channel.Status
	Contract string
	Channel  channel.Channel
}

type promiseRecord struct {
	Direction store.Direction
	ChannelID uint64
	ID        uint64
	Address   string
	Promise   promise.StatefulPromise
}

type receiptRecord struct {
	Direction store.Direction
	ChannelID uint64
	ID        uint64
	Receipt   promise.Receipt
	Committed []uint64
}

type handledEvent struct {
	Key string
}

type closingChannel struct {
	ChannelID uint64
}

// Store persists channels, promises, receipts and handled events in badger.
type Store struct {
	db   *badgerhold.Store
	stop chan struct{}

	// seqLock serializes id assignment.
	seqLock       sync.Mutex
	lastChannelID uint64
	lastPromiseID uint64
}

// New opens the store in dir. An empty dir keeps everything in memory.
func New(dir string, logger badger.Logger) (*Store, error) {
	db, err := createDB(dir, logger)
	if err != nil {
		return nil, errors.WithMessage(err, "opening badger store")
	}
	s := &Store{db: db, stop: make(chan struct{})}
	if err := s.loadSequences(); err != nil {
		db.Close()
		return nil, err
	}
	if len(dir) > 0 {
		go s.collectGarbage(logger)
	}
	return s, nil
}

func createDB(dir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dir) <= 0

	opts := badger.DefaultOptions(dir)
	opts.Logger = logger
	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}

func (s *Store) collectGarbage(logger badger.Logger) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.db.Badger().RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Errorf("%s", err)
			}
		}
	}
}

func (s *Store) loadSequences() error {
	var chs []channelRecord
	if err := s.db.Find(&chs, nil); err != nil {
		return errors.WithMessage(err, "loading channels")
	}
	for _, r := range chs {
		s.lastChannelID = max(s.lastChannelID, r.ID)
	}
	var ps []promiseRecord
	if err := s.db.Find(&ps, badgerhold.Where("Direction").Eq(store.Outgoing)); err != nil {
		return errors.WithMessage(err, "loading promises")
	}
	for _, r := range ps {
		s.lastPromiseID = max(s.lastPromiseID, r.ID)
	}
	return nil
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	close(s.stop)
	return s.db.Close()
}

func promiseKey(dir store.Direction, channelID, id uint64) string {
	return fmt.Sprintf("%d/%d/%d", dir, channelID, id)
}

func receiptKey(dir store.Direction, channelID, id uint64) string {
	return fmt.Sprintf("%d/%d/%d", dir, channelID, id)
}

func newChannelRecord(ch *channel.Channel) *channelRecord {
	return &channelRecord{
		ID:       ch.ID,
		Status:   ch.Status,
		Contract: ch.Address.Hex(),
		Channel:  *ch.Clone(),
	}
}

func (r *channelRecord) channel() *channel.Channel {
	ch := r.Channel
	for _, p := range []*channel.Party{&ch.Hub, &ch.Client} {
		p.Deposit = orZero(p.Deposit)
		p.Credit = orZero(p.Credit)
		p.PrevCredit = orZero(p.PrevCredit)
	}
	return &ch
}

func newPromiseRecord(dir store.Direction, sp *promise.StatefulPromise) *promiseRecord {
	return &promiseRecord{
		Direction: dir,
		ChannelID: sp.ChannelID,
		ID:        sp.ID,
		Address:   sp.Address.Hex(),
		Promise:   *sp.Clone(),
	}
}

func (r *promiseRecord) promise() *promise.StatefulPromise {
	sp := r.Promise
	sp.Amount = orZero(sp.Amount)
	return &sp
}

func newReceiptRecord(dir store.Direction, r *promise.Receipt, committed []uint64) *receiptRecord {
	return &receiptRecord{
		Direction: dir,
		ChannelID: r.ChannelID,
		ID:        r.ID,
		Receipt:   *r.Clone(),
		Committed: committed,
	}
}

func (r *receiptRecord) receipt() *promise.Receipt {
	rc := r.Receipt
	rc.CumulativeCredit = orZero(rc.CumulativeCredit)
	return &rc
}

// gob drops zero big.Int pointers.
func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (s *Store) CreateChannel(_ context.Context, ch *channel.Channel) (uint64, error) {
	s.seqLock.Lock()
	defer s.seqLock.Unlock()
	stored := ch.Clone()
	stored.ID = s.lastChannelID + 1
	if err := s.db.Insert(stored.ID, newChannelRecord(stored)); err != nil {
		return 0, errors.WithMessage(err, "inserting channel")
	}
	s.lastChannelID = stored.ID
	return stored.ID, nil
}

func (s *Store) AddChannel(_ context.Context, ch *channel.Channel) error {
	s.seqLock.Lock()
	defer s.seqLock.Unlock()
	if err := s.db.Insert(ch.ID, newChannelRecord(ch)); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return errors.WithMessagef(store.ErrDuplicate, "channel %d", ch.ID)
		}
		return errors.WithMessage(err, "inserting channel")
	}
	s.lastChannelID = max(s.lastChannelID, ch.ID)
	return nil
}

func (s *Store) UpdateChannel(_ context.Context, ch *channel.Channel) error {
	if err := s.db.Update(ch.ID, newChannelRecord(ch)); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return errors.WithMessagef(store.ErrNotFound, "channel %d", ch.ID)
		}
		return errors.WithMessage(err, "updating channel")
	}
	return nil
}

func (s *Store) GetChannel(_ context.Context, id uint64) (*channel.Channel, error) {
	var r channelRecord
	if err := s.db.Get(id, &r); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, errors.WithMessagef(store.ErrNotFound, "channel %d", id)
		}
		return nil, errors.WithMessage(err, "reading channel")
	}
	return r.channel(), nil
}

func (s *Store) GetChannelByAddress(_ context.Context, contract common.Address) (*channel.Channel, error) {
	if contract == (common.Address{}) {
		return nil, errors.WithMessage(store.ErrNotFound, "channel at zero address")
	}
	chs, err := s.findChannels(badgerhold.Where("Contract").Eq(contract.Hex()))
	if err != nil {
		return nil, err
	}
	if len(chs) == 0 {
		return nil, errors.WithMessagef(store.ErrNotFound, "channel at %s", contract.Hex())
	}
	return chs[0], nil
}

func (s *Store) GetChannelsByStatus(_ context.Context, status channel.Status) ([]*channel.Channel, error) {
	return s.findChannels(badgerhold.Where("Status").Eq(status))
}

func (s *Store) findChannels(query *badgerhold.Query) ([]*channel.Channel, error) {
	var records []channelRecord
	if err := s.db.Find(&records, query); err != nil {
		return nil, errors.WithMessage(err, "querying channels")
	}
	chs := make([]*channel.Channel, len(records))
	for i := range records {
		chs[i] = records[i].channel()
	}
	return chs, nil
}

func (s *Store) AddOutgoingPromise(_ context.Context, sp *promise.StatefulPromise) (uint64, error) {
	s.seqLock.Lock()
	defer s.seqLock.Unlock()
	stored := sp.Clone()
	stored.ID = s.lastPromiseID + 1
	if err := s.db.Insert(promiseKey(store.Outgoing, stored.ChannelID, stored.ID), newPromiseRecord(store.Outgoing, stored)); err != nil {
		return 0, errors.WithMessage(err, "inserting promise")
	}
	s.lastPromiseID = stored.ID
	return stored.ID, nil
}

func (s *Store) AddIncomingPromise(_ context.Context, sp *promise.StatefulPromise) error {
	err := s.db.Insert(promiseKey(store.Incoming, sp.ChannelID, sp.ID), newPromiseRecord(store.Incoming, sp))
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return errors.WithMessagef(store.ErrDuplicate, "incoming promise %d of channel %d", sp.ID, sp.ChannelID)
	}
	return errors.WithMessage(err, "inserting promise")
}

func (s *Store) UpdatePromise(_ context.Context, dir store.Direction, sp *promise.StatefulPromise) error {
	err := s.db.Update(promiseKey(dir, sp.ChannelID, sp.ID), newPromiseRecord(dir, sp))
	if errors.Is(err, badgerhold.ErrNotFound) {
		return errors.WithMessagef(store.ErrNotFound, "%v promise %d of channel %d", dir, sp.ID, sp.ChannelID)
	}
	return errors.WithMessage(err, "updating promise")
}

func (s *Store) GetPromise(_ context.Context, dir store.Direction, channelID, id uint64) (*promise.StatefulPromise, error) {
	var r promiseRecord
	if err := s.db.Get(promiseKey(dir, channelID, id), &r); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, errors.WithMessagef(store.ErrNotFound, "%v promise %d of channel %d", dir, id, channelID)
		}
		return nil, errors.WithMessage(err, "reading promise")
	}
	return r.promise(), nil
}

func (s *Store) GetPromiseByAddress(_ context.Context, dir store.Direction, addr common.Address) (*promise.StatefulPromise, error) {
	ps, err := s.findPromises(badgerhold.Where("Direction").Eq(dir).And("Address").Eq(addr.Hex()))
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, errors.WithMessagef(store.ErrNotFound, "%v promise at %s", dir, addr.Hex())
	}
	return ps[0], nil
}

func (s *Store) GetPromises(_ context.Context, dir store.Direction, channelID uint64) ([]*promise.StatefulPromise, error) {
	return s.findPromises(badgerhold.Where("Direction").Eq(dir).And("ChannelID").Eq(channelID))
}

func (s *Store) GetOpenPromises(ctx context.Context, dir store.Direction, channelID uint64, exclude store.IDSet) ([]*promise.StatefulPromise, error) {
	ps, err := s.GetPromises(ctx, dir, channelID)
	if err != nil {
		return nil, err
	}
	return store.FilterOpen(ps, exclude), nil
}

func (s *Store) GetExpiringPromises(ctx context.Context, dir store.Direction, channelID uint64, before uint64) ([]*promise.StatefulPromise, error) {
	ps, err := s.GetPromises(ctx, dir, channelID)
	if err != nil {
		return nil, err
	}
	return store.FilterExpiring(ps, before), nil
}

func (s *Store) findPromises(query *badgerhold.Query) ([]*promise.StatefulPromise, error) {
	var records []promiseRecord
	if err := s.db.Find(&records, query); err != nil {
		return nil, errors.WithMessage(err, "querying promises")
	}
	ps := make([]*promise.StatefulPromise, len(records))
	for i := range records {
		ps[i] = records[i].promise()
	}
	store.SortPromises(ps)
	return ps, nil
}

func (s *Store) ClosePromises(_ context.Context, dir store.Direction, channelID uint64, ids []uint64) error {
	return s.db.Badger().Update(func(tx *badger.Txn) error {
		return s.txClosePromises(tx, dir, channelID, ids)
	})
}

func (s *Store) txClosePromises(tx *badger.Txn, dir store.Direction, channelID uint64, ids []uint64) error {
	for _, id := range ids {
		k := promiseKey(dir, channelID, id)
		var r promiseRecord
		if err := s.db.TxGet(tx, k, &r); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return errors.WithMessagef(store.ErrNotFound, "%v promise %d of channel %d", dir, id, channelID)
			}
			return err
		}
		sp := r.promise()
		if err := sp.Transition(promise.StatusClosed); err != nil {
			return err
		}
		if err := s.db.TxUpdate(tx, k, newPromiseRecord(dir, sp)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CommitReceipt(_ context.Context, dir store.Direction, r *promise.Receipt, ch *channel.Channel, closed []uint64) error {
	return s.db.Badger().Update(func(tx *badger.Txn) error {
		var records []promiseRecord
		query := badgerhold.Where("Direction").Eq(dir).And("ChannelID").Eq(r.ChannelID)
		if err := s.db.TxFind(tx, &records, query); err != nil {
			return errors.WithMessage(err, "querying promises")
		}
		ps := make([]*promise.StatefulPromise, len(records))
		for i := range records {
			ps[i] = records[i].promise()
		}

		if err := s.txClosePromises(tx, dir, r.ChannelID, closed); err != nil {
			return err
		}
		err := s.db.TxInsert(tx, receiptKey(dir, r.ChannelID, r.ID), newReceiptRecord(dir, r, store.CommittedIDs(ps, closed)))
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return errors.WithMessagef(store.ErrDuplicate, "%v receipt %d of channel %d", dir, r.ID, r.ChannelID)
		}
		if err != nil {
			return errors.WithMessage(err, "inserting receipt")
		}
		if err := s.db.TxUpdate(tx, ch.ID, newChannelRecord(ch)); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return errors.WithMessagef(store.ErrNotFound, "channel %d", ch.ID)
			}
			return errors.WithMessage(err, "updating channel")
		}
		return nil
	})
}

func (s *Store) GetCommittedPromises(_ context.Context, dir store.Direction, channelID, receiptID uint64) ([]uint64, error) {
	var r receiptRecord
	if err := s.db.Get(receiptKey(dir, channelID, receiptID), &r); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, errors.WithMessagef(store.ErrNotFound, "%v receipt %d of channel %d", dir, receiptID, channelID)
		}
		return nil, errors.WithMessage(err, "reading receipt")
	}
	return r.Committed, nil
}

func (s *Store) AddReceipt(_ context.Context, dir store.Direction, r *promise.Receipt) error {
	err := s.db.Insert(receiptKey(dir, r.ChannelID, r.ID), newReceiptRecord(dir, r, nil))
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return errors.WithMessagef(store.ErrDuplicate, "%v receipt %d of channel %d", dir, r.ID, r.ChannelID)
	}
	return errors.WithMessage(err, "inserting receipt")
}

func (s *Store) GetReceipt(_ context.Context, dir store.Direction, channelID, id uint64) (*promise.Receipt, error) {
	var r receiptRecord
	if err := s.db.Get(receiptKey(dir, channelID, id), &r); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, errors.WithMessagef(store.ErrNotFound, "%v receipt %d of channel %d", dir, id, channelID)
		}
		return nil, errors.WithMessage(err, "reading receipt")
	}
	return r.receipt(), nil
}

func (s *Store) GetLatestReceipt(_ context.Context, dir store.Direction, channelID uint64) (*promise.Receipt, error) {
	var records []receiptRecord
	query := badgerhold.Where("Direction").Eq(dir).And("ChannelID").Eq(channelID)
	if err := s.db.Find(&records, query); err != nil {
		return nil, errors.WithMessage(err, "querying receipts")
	}
	if len(records) == 0 {
		return nil, errors.WithMessagef(store.ErrNotFound, "%v receipt of channel %d", dir, channelID)
	}
	latest := &records[0]
	for i := range records {
		if records[i].ID > latest.ID {
			latest = &records[i]
		}
	}
	return latest.receipt(), nil
}

func (s *Store) MarkHandled(_ context.Context, key string) (bool, error) {
	return s.insertOnce(key, &handledEvent{Key: key})
}

func (s *Store) MarkClosing(_ context.Context, channelID uint64) (bool, error) {
	return s.insertOnce(channelID, &closingChannel{ChannelID: channelID})
}

func (s *Store) insertOnce(key, record interface{}) (bool, error) {
	err := s.db.Insert(key, record)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithMessage(err, "inserting marker")
	}
	return true, nil
}
