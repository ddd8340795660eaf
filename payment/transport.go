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

package payment

import (
	"context"

	"perun.network/perun-xrp-paychan/wire"
)

// Transfer is a money packet from the peer: the amount the peer
// believes it just sent (local-scale decimal string) together with the
// signed cumulative claim securing it.
type Transfer struct {
	Amount string
	Claim  wire.ClaimPayload
}

// RequestHandler answers a typed request from the peer.
type RequestHandler func(ctx context.Context, msg wire.Message) (wire.Message, error)

// TransferHandler processes a money packet from the peer.
type TransferHandler func(ctx context.Context, t Transfer) error

// Transport is the message transport collaborator. It carries typed
// requests and transfers between the two peers of one relationship;
// request routing, retries and authentication live behind it.
type Transport interface {
	// Request sends a typed request and awaits the typed response.
	Request(ctx context.Context, msg wire.Message) (wire.Message, error)

	// SendTransfer sends a money packet to the peer.
	SendTransfer(ctx context.Context, t Transfer) error

	// SetHandlers registers the handlers for incoming requests and
	// transfers.
	SetHandlers(onRequest RequestHandler, onTransfer TransferHandler)
}
