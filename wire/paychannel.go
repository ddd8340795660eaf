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

package wire

import (
	"math/big"
	"time"

	"perun.network/perun-xrp-paychan/wallet/types"
)

// PaymentChannel is the ledger's view of a payment channel. It is
// fetched from the ledger client on discovery and refreshed on funding
// and claim events, never mutated locally.
type PaymentChannel struct {
	ID          ChannelID
	Account     types.Address // creator, the side that can sign claims
	Destination types.Address // the side that can cash claims
	Amount      *big.Int      // total funded capacity in drops
	Balance     *big.Int      // amount already paid out on ledger, in drops
	SettleDelay uint32        // seconds between close request and closure
	PublicKey   string        // "ED"-prefixed upper-hex claim signing key
	Expiration  *time.Time
	CancelAfter *time.Time
}

// Clone returns a deep copy of the channel record.
func (c *PaymentChannel) Clone() *PaymentChannel {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Amount != nil {
		cp.Amount = new(big.Int).Set(c.Amount)
	}
	if c.Balance != nil {
		cp.Balance = new(big.Int).Set(c.Balance)
	}
	if c.Expiration != nil {
		t := *c.Expiration
		cp.Expiration = &t
	}
	if c.CancelAfter != nil {
		t := *c.CancelAfter
		cp.CancelAfter = &t
	}
	return &cp
}
