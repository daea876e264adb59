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

// Package promise implements promises and receipts: their construction,
// the hashes the settlement contract recomputes, and the signing protocol
// on top of a wallet.Signer.
//
// A promise is a signed commitment to deploy a contract whose init code and
// constructor arguments encode a conditional transfer. Its deployment address
// is derived with CREATE2 from the channel contract, a random salt and the
// hash of the deployable bytecode. The signed hash covers chain, channel,
// receipt id, sender, receiver and that address, which transitively binds
// amount and expiration.
//
// A receipt is a signed cumulative-credit snapshot. Its accumulator root
// commits to the promises that stay outstanding after the receipt.
package promise
