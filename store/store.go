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

// Package store defines the persistence capabilities the channel service
// and the event dispatcher depend on. Implementations live in the inmemory
// and badgerdb subpackages. All implementations hand out copies, a caller
// never aliases stored state.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record with the same key exists.
	ErrDuplicate = errors.New("already exists")
)

// Direction tells promises and receipts a party received from those it sent.
type Direction int

// Directions.
const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// IDSet is a set of promise ids.
type IDSet map[uint64]struct{}

// NewIDSet returns the set of ids.
func NewIDSet(ids ...uint64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in s. A nil set is empty.
func (s IDSet) Has(id uint64) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []uint64 {
	ids := make([]uint64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ChannelStore persists channel replicas.
type ChannelStore interface {
	// CreateChannel assigns the next channel id, starting at 1, and stores ch.
	CreateChannel(ctx context.Context, ch *channel.Channel) (uint64, error)
	// AddChannel stores ch under its existing id.
	AddChannel(ctx context.Context, ch *channel.Channel) error
	UpdateChannel(ctx context.Context, ch *channel.Channel) error
	GetChannel(ctx context.Context, id uint64) (*channel.Channel, error)
	// GetChannelByAddress fails with ErrNotFound for the zero address,
	// which all undeployed channels share.
	GetChannelByAddress(ctx context.Context, contract common.Address) (*channel.Channel, error)
	GetChannelsByStatus(ctx context.Context, status channel.Status) ([]*channel.Channel, error)
}

// PromiseStore persists promises per direction. Results are ordered by id.
type PromiseStore interface {
	// AddOutgoingPromise assigns the next promise id, starting at 1, and
	// stores sp.
	AddOutgoingPromise(ctx context.Context, sp *promise.StatefulPromise) (uint64, error)
	// AddIncomingPromise stores sp under the id the sender assigned.
	AddIncomingPromise(ctx context.Context, sp *promise.StatefulPromise) error
	UpdatePromise(ctx context.Context, dir Direction, sp *promise.StatefulPromise) error
	GetPromise(ctx context.Context, dir Direction, channelID, id uint64) (*promise.StatefulPromise, error)
	GetPromiseByAddress(ctx context.Context, dir Direction, addr common.Address) (*promise.StatefulPromise, error)
	GetPromises(ctx context.Context, dir Direction, channelID uint64) ([]*promise.StatefulPromise, error)
	// GetOpenPromises returns the open promises of a channel, skipping the
	// ids in exclude.
	GetOpenPromises(ctx context.Context, dir Direction, channelID uint64, exclude IDSet) ([]*promise.StatefulPromise, error)
	// GetExpiringPromises returns the open promises flagged to trigger a
	// close whose expiration lies before the unix time before.
	GetExpiringPromises(ctx context.Context, dir Direction, channelID uint64, before uint64) ([]*promise.StatefulPromise, error)
	// ClosePromises moves the given open promises to CLOSED.
	ClosePromises(ctx context.Context, dir Direction, channelID uint64, ids []uint64) error
}

// ReceiptStore persists receipts per direction.
type ReceiptStore interface {
	// AddReceipt fails with ErrDuplicate if the channel has a receipt with
	// the same id in dir.
	AddReceipt(ctx context.Context, dir Direction, r *promise.Receipt) error
	GetReceipt(ctx context.Context, dir Direction, channelID, id uint64) (*promise.Receipt, error)
	// GetLatestReceipt returns the receipt with the highest id, or
	// ErrNotFound.
	GetLatestReceipt(ctx context.Context, dir Direction, channelID uint64) (*promise.Receipt, error)
	// CommitReceipt closes the open promises in closed, stores r in dir
	// and updates ch in one transaction. The ids of the channel's promises
	// in dir that stay open are recorded as the set r commits to. Nothing
	// is written on error.
	CommitReceipt(ctx context.Context, dir Direction, r *promise.Receipt, ch *channel.Channel, closed []uint64) error
	// GetCommittedPromises returns the ids, in ascending order, of the
	// promises a committed receipt left open. A receipt stored with
	// AddReceipt commits to nothing.
	GetCommittedPromises(ctx context.Context, dir Direction, channelID, receiptID uint64) ([]uint64, error)
}

// HandledEvents records which on-chain events were applied.
type HandledEvents interface {
	// MarkHandled records key and reports whether it was new.
	MarkHandled(ctx context.Context, key string) (bool, error)
	// MarkClosing records that a close was initiated for the channel and
	// reports whether it was new.
	MarkClosing(ctx context.Context, channelID uint64) (bool, error)
}

// Store bundles all capabilities of one party's storage.
type Store interface {
	ChannelStore
	PromiseStore
	ReceiptStore
	HandledEvents
	Close() error
}

// FilterOpen returns the open promises of ps that are not in exclude.
func FilterOpen(ps []*promise.StatefulPromise, exclude IDSet) []*promise.StatefulPromise {
	var open []*promise.StatefulPromise
	for _, sp := range ps {
		if sp.Status == promise.StatusOpen && !exclude.Has(sp.ID) {
			open = append(open, sp)
		}
	}
	return open
}

// CommittedIDs returns the ids of the open promises of ps that a receipt
// closing closed leaves open.
func CommittedIDs(ps []*promise.StatefulPromise, closed []uint64) []uint64 {
	open := FilterOpen(ps, NewIDSet(closed...))
	SortPromises(open)
	ids := make([]uint64, len(open))
	for i, sp := range open {
		ids[i] = sp.ID
	}
	return ids
}

// FilterExpiring returns the open trigger-close promises of ps expiring
// before the unix time before.
func FilterExpiring(ps []*promise.StatefulPromise, before uint64) []*promise.StatefulPromise {
	var expiring []*promise.StatefulPromise
	for _, sp := range ps {
		if sp.Status == promise.StatusOpen && sp.TriggerClose && sp.Expiration < before {
			expiring = append(expiring, sp)
		}
	}
	return expiring
}

// SortPromises orders ps by id.
func SortPromises(ps []*promise.StatefulPromise) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
