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

package service

import "fmt"

// Verdict is the outcome of checking a counterparty's promise or receipt.
// Negative verdicts are protocol outcomes, not errors.
type Verdict int

// Verdicts.
const (
	Valid Verdict = iota
	// BadSignature covers hash, signer and term mismatches.
	BadSignature
	// InsufficientBalance means the counterparty cannot cover the promise.
	InsufficientBalance
	// StaleReceipt means the receipt id does not exceed the latest accepted
	// one.
	StaleReceipt
)

// OK reports whether v accepts the checked value.
func (v Verdict) OK() bool {
	return v == Valid
}

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case BadSignature:
		return "bad signature"
	case InsufficientBalance:
		return "insufficient balance"
	case StaleReceipt:
		return "stale receipt"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}
