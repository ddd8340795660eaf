// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package channel implements the channel lifecycle manager and the
// settlement decision engine of a bilateral payment-channel
// relationship.
package channel

import (
	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/wallet/types"
	"perun.network/perun-xrp-paychan/wire"
)

// Fatal validation failures of an incoming channel. A channel failing
// any of these must never be used to accept money; the relationship is
// torn down.
var (
	ErrSettleDelayTooLow = errors.New("settle delay of incoming payment channel too low")
	ErrHasCancelAfter    = errors.New("cancelAfter must not be set")
	ErrHasExpiration     = errors.New("expiration must not be set")
	ErrWrongDestination  = errors.New("channel destination address wrong")
)

// MinSettleDelay is the default minimum settle delay in seconds. It
// must exceed the time needed to detect a closing channel and cash the
// best claim before closure.
const MinSettleDelay uint32 = 3600

// ValidateIncoming checks the on-ledger terms of an incoming channel.
// The settle delay must leave the watcher enough time to cash the best
// claim, no early-closure timer may be set, and the channel must pay
// out to our own address.
func ValidateIncoming(ch *wire.PaymentChannel, own types.Address, minSettleDelay uint32) error {
	if ch.SettleDelay < minSettleDelay {
		return errors.Wrapf(ErrSettleDelayTooLow, "got %d seconds, minimum is %d", ch.SettleDelay, minSettleDelay)
	}
	if ch.CancelAfter != nil {
		return ErrHasCancelAfter
	}
	if ch.Expiration != nil {
		return ErrHasExpiration
	}
	if ch.Destination != own {
		return errors.Wrapf(ErrWrongDestination, "channel pays to %s, we are %s", ch.Destination, own)
	}
	return nil
}
