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

// Package channel holds the per-channel ledger each party keeps: deposits,
// current-period credits, checkpointed credits of previous periods and the
// lifecycle status mirrored from the settlement contract.
//
// A Channel is a replica owned by exactly one party. Replicas of the two
// parties are reconciled through receipts and on-chain events only, so every
// value handed across a store or service boundary is a Clone.
package channel
