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

package wire

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-upc-backend/channel"
)

// ChannelParams are the constructor arguments of a settlement contract.
type ChannelParams struct {
	CID           *big.Int `abi:"cid"`
	ChainID       *big.Int `abi:"chainId"`
	Hub           common.Address
	Client        common.Address
	ClaimDuration *big.Int
	Token         common.Address
}

// MakeChannelParams returns the constructor arguments deploying ch.
func MakeChannelParams(ch *channel.Channel) ChannelParams {
	return ChannelParams{
		CID:           new(big.Int).SetUint64(ch.ID),
		ChainID:       new(big.Int).SetUint64(ch.ChainID),
		Hub:           ch.Hub.Address,
		Client:        ch.Client.Address,
		ClaimDuration: new(big.Int).SetUint64(ch.ClaimDuration),
		Token:         ch.TokenAddress,
	}
}

// ToChannel returns the STARTED channel p describes.
func ToChannel(p ChannelParams) (*channel.Channel, error) {
	for _, x := range []*big.Int{p.CID, p.ChainID, p.ClaimDuration} {
		if x == nil || !x.IsUint64() {
			return nil, errors.Errorf("parameter %v out of range", x)
		}
	}
	ch, err := channel.New(p.ChainID.Uint64(), p.Hub, p.Client, p.ClaimDuration.Uint64(), p.Token)
	if err != nil {
		return nil, err
	}
	ch.ID = p.CID.Uint64()
	return ch, nil
}

// MarshalBinary returns the ABI encoding of p.
func (p ChannelParams) MarshalBinary() ([]byte, error) {
	b, err := pack(paramsType, p)
	return b, errors.WithMessage(err, "encoding channel params")
}

// UnmarshalBinary decodes the ABI encoding of channel params.
func (p *ChannelParams) UnmarshalBinary(data []byte) error {
	return errors.WithMessage(unpack(paramsType, data, p), "decoding channel params")
}
