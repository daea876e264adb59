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

// Package event applies on-chain events of the settlement contract to a
// party's channel state. Every event passes through Dispatcher.Apply, which
// makes redelivered events no-ops.
package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// EventType tells the variants of Event apart.
type EventType int

// Event types, one per contract event.
const (
	EventTypeDeposit         EventType = iota // party deposited funds
	EventTypeSetClosing                       // close initiated -> claim period runs
	EventTypeClose                            // claim period over -> withdrawing enabled
	EventTypeDeployPromise                    // promise registered on-chain
	EventTypeWithdrawRequest                  // party requested a partial withdrawal
	EventTypeWithdraw                         // funds withdrawn
)

var (
	// ContractEventNames maps the contract's event names to event types.
	ContractEventNames = map[string]EventType{
		"Deposit":         EventTypeDeposit,
		"SetClosing":      EventTypeSetClosing,
		"Close":           EventTypeClose,
		"DeployPromise":   EventTypeDeployPromise,
		"WithdrawRequest": EventTypeWithdrawRequest,
		"Withdraw":        EventTypeWithdraw,
	}

	// ErrEventUnsupported is returned for events the dispatcher cannot
	// apply.
	ErrEventUnsupported = errors.New("this type of event is unsupported")
)

func (t EventType) String() string {
	for name, typ := range ContractEventNames {
		if typ == t {
			return name
		}
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// TypeFromName returns the type of the contract event called name.
func TypeFromName(name string) (EventType, error) {
	t, ok := ContractEventNames[name]
	if !ok {
		return 0, errors.WithMessagef(ErrEventUnsupported, "event %q", name)
	}
	return t, nil
}

type (
	// Event is an on-chain event concerning one channel.
	Event interface {
		Type() EventType
		Channel() uint64
		// Tx is the hash of the emitting transaction.
		Tx() common.Hash
	}

	// DepositEvent reports funds From added to the channel.
	DepositEvent struct {
		ChannelID uint64
		TxHash    common.Hash
		From      common.Address
		Amount    *big.Int
	}

	// SetClosingEvent reports that a close was initiated and the claim
	// period started.
	SetClosingEvent struct {
		ChannelID uint64
		TxHash    common.Hash
	}

	// CloseEvent reports the end of the claim period.
	CloseEvent struct {
		ChannelID uint64
		TxHash    common.Hash
		From      common.Address
	}

	// DeployPromiseEvent reports a promise contract registered at
	// PromiseAddress.
	DeployPromiseEvent struct {
		ChannelID      uint64
		TxHash         common.Hash
		From           common.Address
		PromiseAddress common.Address
	}

	// WithdrawRequestEvent reports a request of From to withdraw Amount
	// while the channel stays open.
	WithdrawRequestEvent struct {
		ChannelID uint64
		TxHash    common.Hash
		From      common.Address
		Amount    *big.Int
	}

	// WithdrawEvent reports a withdrawal. A partial withdrawal carries the
	// deposits and checkpointed credits the contract continues with.
	WithdrawEvent struct {
		ChannelID        uint64
		TxHash           common.Hash
		Full             bool
		ClientDeposit    *big.Int
		HubDeposit       *big.Int
		ClientPrevCredit *big.Int
		HubPrevCredit    *big.Int
	}
)

// Key identifies ev among all events: its type and transaction.
func Key(ev Event) string {
	return fmt.Sprintf("%v/%s", ev.Type(), ev.Tx().Hex())
}

func (e *DepositEvent) Type() EventType { return EventTypeDeposit }
func (e *DepositEvent) Channel() uint64 { return e.ChannelID }
func (e *DepositEvent) Tx() common.Hash { return e.TxHash }

func (e *SetClosingEvent) Type() EventType { return EventTypeSetClosing }
func (e *SetClosingEvent) Channel() uint64 { return e.ChannelID }
func (e *SetClosingEvent) Tx() common.Hash { return e.TxHash }

func (e *CloseEvent) Type() EventType { return EventTypeClose }
func (e *CloseEvent) Channel() uint64 { return e.ChannelID }
func (e *CloseEvent) Tx() common.Hash { return e.TxHash }

func (e *DeployPromiseEvent) Type() EventType { return EventTypeDeployPromise }
func (e *DeployPromiseEvent) Channel() uint64 { return e.ChannelID }
func (e *DeployPromiseEvent) Tx() common.Hash { return e.TxHash }

func (e *WithdrawRequestEvent) Type() EventType { return EventTypeWithdrawRequest }
func (e *WithdrawRequestEvent) Channel() uint64 { return e.ChannelID }
func (e *WithdrawRequestEvent) Tx() common.Hash { return e.TxHash }

func (e *WithdrawEvent) Type() EventType { return EventTypeWithdraw }
func (e *WithdrawEvent) Channel() uint64 { return e.ChannelID }
func (e *WithdrawEvent) Tx() common.Hash { return e.TxHash }
