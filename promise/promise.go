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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/wallet"
)

var (
	// ErrInvalidInput is returned for structurally invalid promise or
	// receipt input.
	ErrInvalidInput = errors.New("invalid promise input")
	// ErrSignerMismatch is returned when the signer is not the sender.
	ErrSignerMismatch = errors.New("signer is not the sender")
	// ErrInvalidTransition is returned for status moves out of a final status.
	ErrInvalidTransition = errors.New("promise is not open")
)

// TypeHTLC tags promises deploying a hash time-locked contract.
const TypeHTLC = 1

// Promise is a signed, deployable conditional transfer.
type Promise struct {
	ChannelID  uint64
	ChainID    uint64
	Sender     common.Address
	Receiver   common.Address
	ReceiptID  uint64
	Amount     *big.Int
	Expiration uint64
	Salt       [32]byte
	// Bytecode is the init code followed by the encoded constructor arguments.
	Bytecode  []byte
	Address   common.Address
	Signature wallet.Signature
}

// Clone returns a deep copy of p.
func (p *Promise) Clone() *Promise {
	clone := *p
	clone.Amount = new(big.Int).Set(p.Amount)
	clone.Bytecode = bytes.Clone(p.Bytecode)
	return &clone
}

// Status is the local status of a promise.
type Status int

// Promise statuses. Every status except StatusOpen is final.
const (
	StatusOpen Status = iota
	StatusClosed
	StatusDeployed
	StatusRejected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusDeployed:
		return "DEPLOYED"
	case StatusRejected:
		return "REJECTED"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatefulPromise is a promise as tracked by one party.
type StatefulPromise struct {
	Promise
	// ID is assigned by the sender's promise store and shared with the
	// receiver, ids are unique per channel and direction.
	ID           uint64
	Type         int
	TriggerClose bool
	Status       Status
}

// Clone returns a deep copy of sp.
func (sp *StatefulPromise) Clone() *StatefulPromise {
	clone := *sp
	clone.Promise = *sp.Promise.Clone()
	return &clone
}

// Transition moves an open promise to status to. Repeating the current
// status is a no-op.
func (sp *StatefulPromise) Transition(to Status) error {
	if sp.Status == to {
		return nil
	}
	if sp.Status != StatusOpen {
		return errors.WithMessagef(ErrInvalidTransition, "promise %d of channel %d: %v -> %v", sp.ID, sp.ChannelID, sp.Status, to)
	}
	sp.Status = to
	return nil
}

// Receipt is a signed cumulative-credit snapshot.
type Receipt struct {
	ChannelID        uint64
	ChainID          uint64
	Sender           common.Address
	Receiver         common.Address
	ID               uint64
	CumulativeCredit *big.Int
	AccumulatorRoot  common.Hash
	Signature        wallet.Signature
}

// Clone returns a deep copy of r.
func (r *Receipt) Clone() *Receipt {
	clone := *r
	clone.CumulativeCredit = new(big.Int).Set(r.CumulativeCredit)
	return &clone
}
