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

import "fmt"

// Status is the lifecycle status of a channel.
type Status int

// Channel statuses, in lifecycle order. StatusError is terminal.
const (
	StatusStarted Status = iota
	StatusDeployed
	StatusClosing
	StatusClosed
	StatusWithdrawn
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "STARTED"
	case StatusDeployed:
		return "DEPLOYED"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusWithdrawn:
		return "WITHDRAWN"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusWithdrawn || s == StatusError
}

// StatusFromContract maps the settlement contract's status code.
func StatusFromContract(code uint8) Status {
	switch code {
	case 0:
		return StatusDeployed
	case 1:
		return StatusClosing
	case 2:
		return StatusClosed
	case 3:
		return StatusWithdrawn
	default:
		return StatusError
	}
}
