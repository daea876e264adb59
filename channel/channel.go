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

package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	// ErrNotAChannelMember is returned when an address is neither hub nor client.
	ErrNotAChannelMember = errors.New("address is not a channel member")
	// ErrNegativeAmount is returned when a deposit or credit would become negative.
	ErrNegativeAmount = errors.New("amount would become negative")
	// ErrInvalidTransition is returned for status moves against the lifecycle.
	ErrInvalidTransition = errors.New("invalid channel status transition")
	// ErrInvalidParties is returned when hub and client are the same address.
	ErrInvalidParties = errors.New("hub and client must differ")
)

// Party is the accounting state of one channel member.
type Party struct {
	Address    common.Address
	Deposit    *big.Int
	Credit     *big.Int
	PrevCredit *big.Int
}

func newParty(addr common.Address) Party {
	return Party{
		Address:    addr,
		Deposit:    new(big.Int),
		Credit:     new(big.Int),
		PrevCredit: new(big.Int),
	}
}

func (p Party) clone() Party {
	return Party{
		Address:    p.Address,
		Deposit:    new(big.Int).Set(p.Deposit),
		Credit:     new(big.Int).Set(p.Credit),
		PrevCredit: new(big.Int).Set(p.PrevCredit),
	}
}

// Channel is one party's replica of a channel between a hub and a client.
type Channel struct {
	ID            uint64
	ChainID       uint64
	ClaimDuration uint64
	TokenAddress  common.Address
	// Address is the settlement contract, zero until deployed.
	Address common.Address
	Status  Status
	Hub     Party
	Client  Party
}

// New returns a STARTED channel with zero balances. The id is assigned by
// the channel store.
func New(chainID uint64, hub, client common.Address, claimDuration uint64, token common.Address) (*Channel, error) {
	if hub == client {
		return nil, ErrInvalidParties
	}
	return &Channel{
		ChainID:       chainID,
		ClaimDuration: claimDuration,
		TokenAddress:  token,
		Status:        StatusStarted,
		Hub:           newParty(hub),
		Client:        newParty(client),
	}, nil
}

// Clone returns a deep copy of c.
func (c *Channel) Clone() *Channel {
	clone := *c
	clone.Hub = c.Hub.clone()
	clone.Client = c.Client.clone()
	return &clone
}

func (c *Channel) party(addr common.Address) (*Party, error) {
	switch addr {
	case c.Hub.Address:
		return &c.Hub, nil
	case c.Client.Address:
		return &c.Client, nil
	}
	return nil, errors.WithMessagef(ErrNotAChannelMember, "channel %d, address %s", c.ID, addr.Hex())
}

// IsMember reports whether addr is hub or client.
func (c *Channel) IsMember(addr common.Address) bool {
	_, err := c.party(addr)
	return err == nil
}

// OtherAddress returns the counterparty of addr.
func (c *Channel) OtherAddress(addr common.Address) (common.Address, error) {
	switch addr {
	case c.Hub.Address:
		return c.Client.Address, nil
	case c.Client.Address:
		return c.Hub.Address, nil
	}
	return common.Address{}, errors.WithMessagef(ErrNotAChannelMember, "channel %d, address %s", c.ID, addr.Hex())
}

// Credit returns the current-period credit owed to addr.
func (c *Channel) Credit(addr common.Address) (*big.Int, error) {
	p, err := c.party(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(p.Credit), nil
}

// PrevCredit returns the credit of addr checkpointed by earlier withdrawals.
func (c *Channel) PrevCredit(addr common.Address) (*big.Int, error) {
	p, err := c.party(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(p.PrevCredit), nil
}

// TotalCredit returns credit plus checkpointed credit of addr.
func (c *Channel) TotalCredit(addr common.Address) (*big.Int, error) {
	p, err := c.party(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(p.Credit, p.PrevCredit), nil
}

// Deposit returns the on-chain deposit of addr.
func (c *Channel) Deposit(addr common.Address) (*big.Int, error) {
	p, err := c.party(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(p.Deposit), nil
}

// SetCredit sets the current-period credit of addr.
func (c *Channel) SetCredit(addr common.Address, v *big.Int) error {
	return c.set(addr, v, func(p *Party) **big.Int { return &p.Credit })
}

// AddCredit adds delta, which may be negative, to the credit of addr.
func (c *Channel) AddCredit(addr common.Address, delta *big.Int) error {
	return c.add(addr, delta, func(p *Party) **big.Int { return &p.Credit })
}

// SetPrevCredit sets the checkpointed credit of addr.
func (c *Channel) SetPrevCredit(addr common.Address, v *big.Int) error {
	return c.set(addr, v, func(p *Party) **big.Int { return &p.PrevCredit })
}

// SetDeposit sets the deposit of addr.
func (c *Channel) SetDeposit(addr common.Address, v *big.Int) error {
	return c.set(addr, v, func(p *Party) **big.Int { return &p.Deposit })
}

// AddDeposit adds delta, which may be negative, to the deposit of addr.
func (c *Channel) AddDeposit(addr common.Address, delta *big.Int) error {
	return c.add(addr, delta, func(p *Party) **big.Int { return &p.Deposit })
}

func (c *Channel) set(addr common.Address, v *big.Int, field func(*Party) **big.Int) error {
	p, err := c.party(addr)
	if err != nil {
		return err
	}
	if v.Sign() < 0 {
		return errors.WithMessagef(ErrNegativeAmount, "channel %d, set %v", c.ID, v)
	}
	*field(p) = new(big.Int).Set(v)
	return nil
}

func (c *Channel) add(addr common.Address, delta *big.Int, field func(*Party) **big.Int) error {
	p, err := c.party(addr)
	if err != nil {
		return err
	}
	sum := new(big.Int).Add(*field(p), delta)
	if sum.Sign() < 0 {
		return errors.WithMessagef(ErrNegativeAmount, "channel %d, %v%+v", c.ID, *field(p), delta)
	}
	*field(p) = sum
	return nil
}

// RolloverCredit moves both current credits into the checkpoints.
func (c *Channel) RolloverCredit() {
	for _, p := range []*Party{&c.Hub, &c.Client} {
		p.PrevCredit = new(big.Int).Add(p.PrevCredit, p.Credit)
		p.Credit = new(big.Int)
	}
}

// Transition moves the channel to status to. Moves go forward along
// STARTED, DEPLOYED, CLOSING, CLOSED, WITHDRAWN and may skip steps. ERROR is
// reachable from every non-terminal status. Moving to the current status is
// a no-op.
func (c *Channel) Transition(to Status) error {
	if to == c.Status {
		return nil
	}
	if c.Status.Terminal() || (to != StatusError && to < c.Status) || to > StatusError || to < StatusStarted {
		return errors.WithMessagef(ErrInvalidTransition, "channel %d: %v -> %v", c.ID, c.Status, to)
	}
	c.Status = to
	return nil
}

// Deploy records the settlement contract address and marks the channel
// DEPLOYED.
func (c *Channel) Deploy(contract common.Address) error {
	if err := c.Transition(StatusDeployed); err != nil {
		return err
	}
	c.Address = contract
	return nil
}
