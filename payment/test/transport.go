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

// Package test provides an in-process message transport connecting two
// engines directly.
package test

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/payment"
	"perun.network/perun-xrp-paychan/wire"
)

// Transport is one end of an in-process transport pair. Requests and
// transfers are delivered synchronously to the other end's handlers.
type Transport struct {
	peer *Transport

	mu         sync.Mutex
	onRequest  payment.RequestHandler
	onTransfer payment.TransferHandler

	// dropped simulates a peer that does not answer certain request
	// types, such as one speaking an older protocol.
	dropped map[string]bool
}

// NewTransportPair creates two connected transports.
func NewTransportPair() (*Transport, *Transport) {
	a := &Transport{dropped: make(map[string]bool)}
	b := &Transport{dropped: make(map[string]bool)}
	a.peer, b.peer = b, a
	return a, b
}

// DropProtocol makes requests of the given subprotocol sent to this
// end fail.
func (t *Transport) DropProtocol(proto string, drop bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped[proto] = drop
}

// SetHandlers implements payment.Transport.
func (t *Transport) SetHandlers(onRequest payment.RequestHandler, onTransfer payment.TransferHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRequest = onRequest
	t.onTransfer = onTransfer
}

// Request implements payment.Transport.
func (t *Transport) Request(ctx context.Context, msg wire.Message) (wire.Message, error) {
	t.peer.mu.Lock()
	h := t.peer.onRequest
	drop := t.peer.dropped[msg.Protocol]
	t.peer.mu.Unlock()
	if drop {
		return wire.Message{}, errors.Errorf("test transport: %s request dropped", msg.Protocol)
	}
	if h == nil {
		return wire.Message{}, errors.New("test transport: peer not listening")
	}
	return h(ctx, msg)
}

// SendTransfer implements payment.Transport.
func (t *Transport) SendTransfer(ctx context.Context, tr payment.Transfer) error {
	t.peer.mu.Lock()
	h := t.peer.onTransfer
	t.peer.mu.Unlock()
	if h == nil {
		return errors.New("test transport: peer not listening")
	}
	return h(ctx, tr)
}
