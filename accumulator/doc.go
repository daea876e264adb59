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

// Package accumulator implements the Merkle accumulator over promise
// deployment addresses that receipts commit to. The construction matches the
// verifier of the settlement contract: leaves are padded to a power of two
// with DummyKey, sorted by unsigned byte order and every parent hashes its
// children in ascending order, so a proof needs no positional metadata.
package accumulator
