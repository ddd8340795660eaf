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

	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/currency"
	"perun.network/perun-xrp-paychan/wire"
)

// handleRequest serves the peer's typed requests: scale discovery and
// channel id exchange.
func (p *Plugin) handleRequest(ctx context.Context, msg wire.Message) (wire.Message, error) {
	switch msg.Protocol {
	case wire.ProtocolInfo:
		return wire.InfoResponse(p.cfg.CurrencyScale)

	case wire.ProtocolChannelID:
		// The request carries the peer's outgoing channel id, which is
		// our incoming channel. Adopt it, then answer with our own.
		id, ok, err := wire.ParseChannelIDMessage(msg)
		if err != nil {
			return wire.Message{}, err
		}
		if ok {
			if err := p.lc.SetIncoming(ctx, id, p.checkPeerScale); err != nil {
				return wire.Message{}, err
			}
		}
		own, _ := p.lc.OutgoingID()
		return wire.ChannelIDMessage(own), nil

	default:
		return wire.Message{}, errors.Errorf("unsupported subprotocol %q", msg.Protocol)
	}
}

// handleTransfer feeds an incoming money packet through ReceiveMoney.
func (p *Plugin) handleTransfer(ctx context.Context, t Transfer) error {
	_, err := p.ReceiveMoney(ctx, t.Amount, t.Claim)
	return err
}

// ensureIncoming makes sure the incoming channel is known, asking the
// peer for its channel id if necessary.
func (p *Plugin) ensureIncoming(ctx context.Context) error {
	if p.lc.Incoming() != nil {
		return nil
	}
	return p.requestPeerChannelID(ctx)
}

// requestPeerChannelID asks the peer for its outgoing channel id and
// adopts the answer as our incoming channel.
func (p *Plugin) requestPeerChannelID(ctx context.Context) error {
	own, _ := p.lc.OutgoingID()
	res, err := p.tr.Request(ctx, wire.ChannelIDMessage(own))
	if err != nil {
		return errors.Wrap(err, "requesting peer channel id")
	}
	id, ok, err := wire.ParseChannelIDMessage(res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNoIncomingChannelYet, "peer has not created its channel")
	}
	return p.lc.SetIncoming(ctx, id, p.checkPeerScale)
}

// announceChannel pushes our outgoing channel id to the peer. Run after
// funding so the peer re-reads the channel's increased capacity.
func (p *Plugin) announceChannel(ctx context.Context) error {
	own, ok := p.lc.OutgoingID()
	if !ok {
		return errors.New("outgoing channel not opened")
	}
	_, err := p.tr.Request(ctx, wire.ChannelIDMessage(own))
	return errors.Wrap(err, "announcing channel to peer")
}

// checkPeerScale verifies the peer interprets amounts at the same
// decimal scale before any claim is accepted. Peers that do not speak
// the info subprotocol are assumed to use the ledger's native scale.
func (p *Plugin) checkPeerScale(ctx context.Context) error {
	res, err := p.tr.Request(ctx, wire.InfoRequest())
	if err != nil {
		if p.cfg.CurrencyScale == currency.DropScale {
			p.log.Log().Debugf("peer does not support the info subprotocol, assuming scale %d: %v",
				currency.DropScale, err)
			return nil
		}
		return errors.Wrapf(ErrScaleMismatch,
			"peer does not support scale negotiation but local scale is %d", p.cfg.CurrencyScale)
	}
	info, err := wire.ParseInfo(res.Data)
	if err != nil {
		return err
	}
	if info.CurrencyScale != p.cfg.CurrencyScale {
		return errors.Wrapf(ErrScaleMismatch, "peer scale %d, local scale %d",
			info.CurrencyScale, p.cfg.CurrencyScale)
	}
	return nil
}
