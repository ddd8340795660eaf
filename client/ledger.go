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

// Package client defines the interface the settlement engine consumes
// from the ledger collaborator, together with the retry policy for
// transient ledger errors and the channel-close watcher.
package client

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/wallet/types"
	"perun.network/perun-xrp-paychan/wire"
)

// ErrChannelNotFound is returned by PaymentChannel when the ledger has
// no entry for the queried channel id.
var ErrChannelNotFound = errors.New("payment channel not found")

// CreateRequest describes a channel-create transaction.
type CreateRequest struct {
	Destination types.Address
	Amount      *big.Int // initial capacity in drops
	SettleDelay uint32   // seconds
	PublicKey   string   // claim-signing key, "ED"-prefixed upper hex
	SourceTag   uint32
}

// CreateResult reports the confirmed channel-create transaction. The
// channel id is computed deterministically from these fields.
type CreateResult struct {
	Account     types.Address
	Destination types.Address
	Sequence    uint32
}

// ClaimRequest describes a channel-claim transaction that realizes a
// signed claim's value on the ledger.
type ClaimRequest struct {
	Channel   wire.ChannelID
	Balance   *big.Int // cumulative amount to cash, in drops
	Signature string   // upper-case hex
	PublicKey string   // signer's key as stored in the channel
}

// Ledger is the ledger client collaborator. Implementations prepare,
// sign and submit transactions and answer queries; all calls block
// until the ledger confirms or ctx is done.
type Ledger interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// PaymentChannel fetches the current terms of a channel by id. It
	// returns ErrChannelNotFound if the ledger has no such entry.
	PaymentChannel(ctx context.Context, id wire.ChannelID) (*wire.PaymentChannel, error)

	// CreateChannel submits a channel-create transaction and waits for
	// confirmation.
	CreateChannel(ctx context.Context, req CreateRequest) (CreateResult, error)

	// FundChannel adds capacity to an existing channel.
	FundChannel(ctx context.Context, id wire.ChannelID, amount *big.Int) error

	// ClaimChannel cashes a signed claim on the ledger.
	ClaimChannel(ctx context.Context, req ClaimRequest) error

	// Fee returns the current network fee for a transaction, in drops.
	Fee(ctx context.Context) (*big.Int, error)
}

// ChannelIDOf computes the channel id assigned to a confirmed create.
func ChannelIDOf(res CreateResult) (wire.ChannelID, error) {
	src, err := res.Account.AccountID()
	if err != nil {
		return wire.ChannelID{}, errors.Wrap(err, "creator address")
	}
	dst, err := res.Destination.AccountID()
	if err != nil {
		return wire.ChannelID{}, errors.Wrap(err, "destination address")
	}
	return wire.ComputeChannelID(src, dst, res.Sequence), nil
}
