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

// Package payment exposes the settlement engine to the transfer layer:
// connect, send and receive money secured by signed channel claims,
// and disconnect with a final cash-out.
package payment

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-xrp-paychan/channel"
	"perun.network/perun-xrp-paychan/client"
	"perun.network/perun-xrp-paychan/currency"
	"perun.network/perun-xrp-paychan/event"
	"perun.network/perun-xrp-paychan/store"
	"perun.network/perun-xrp-paychan/wallet"
	"perun.network/perun-xrp-paychan/wallet/types"
	"perun.network/perun-xrp-paychan/wire"
)

// Typed failures surfaced to the transfer layer. Validation failures
// never mutate stored state.
var (
	ErrNotReady             = errors.New("paychan initialization has not completed")
	ErrClaimRegressed       = errors.New("new claim is less than old claim")
	ErrClaimExceedsCapacity = errors.New("claim amount higher than channel capacity")
	ErrInvalidSignature     = errors.New("invalid claim signature")
	ErrInsufficientCapacity = errors.New("outgoing channel capacity exhausted")
	ErrScaleMismatch        = errors.New("currency scale mismatch")
	// ErrNoIncomingChannelYet is returned while the peer has not
	// announced an outgoing channel.
	ErrNoIncomingChannelYet = errors.New("peer channel not yet available")
)

// disconnectTimeout bounds the final cash-out attempt on disconnect.
const disconnectTimeout = time.Duration(30) * time.Second

// Plugin is one side of a bilateral payment-channel relationship.
type Plugin struct {
	cfg     Config
	conv    currency.Converter
	acc     *wallet.Account
	recs    *store.Store
	ledger  client.Ledger
	tr      Transport
	watcher *client.Watcher
	lc      *channel.Lifecycle
	settler *channel.Settler
	bus     *event.Bus
	clk     clock.Clock
	log     log.Embedding

	mu           sync.Mutex
	ready        bool
	moneyHandler func(*big.Int)

	// sendMu serializes outgoing claim creation so the cumulative
	// amount increases strictly.
	sendMu sync.Mutex
}

// New creates a plugin from its collaborators. The datastore is the
// persistence collaborator; it may be shared by several relationships.
func New(cfg Config, ledger client.Ledger, tr Transport, d ds.Datastore, clk clock.Clock) (*Plugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv, err := currency.NewConverter(cfg.CurrencyScale)
	if err != nil {
		return nil, err
	}

	p := &Plugin{
		cfg:    cfg,
		conv:   conv,
		acc:    wallet.DeriveAccount(cfg.Secret, types.Address(cfg.PeerAddress)),
		recs:   store.New(d, cfg.PeerAddress),
		ledger: ledger,
		tr:     tr,
		bus:    event.NewBus(),
		clk:    clk,
		log:    log.MakeEmbedding(log.Default()),
	}

	p.watcher = client.NewWatcher(ledger, clk, cfg.WatchInterval.Std())
	p.lc = channel.NewLifecycle(channel.LifecycleConfig{
		OwnAddress:     types.Address(cfg.Address),
		PeerAddress:    types.Address(cfg.PeerAddress),
		CreateAmount:   big.NewInt(cfg.ChannelAmount),
		SettleDelay:    cfg.SettleDelay,
		MinSettleDelay: cfg.MinSettleDelay,
		PollInterval:   cfg.PollInterval.Std(),
		MaxPollIters:   cfg.MaxPollIters,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay.Std(),
	}, ledger, p.recs, p.watcher, p.acc, clk, p.handleChannelClose)

	maxFee := new(big.Rat)
	maxFee.SetFloat64(cfg.MaxFeePercent)
	fundThreshold := new(big.Rat)
	fundThreshold.SetFloat64(cfg.FundThreshold)
	p.settler = channel.NewSettler(channel.SettlerConfig{
		MaxFeePercent: maxFee,
		FundThreshold: fundThreshold,
		ClaimInterval: cfg.ClaimInterval.Std(),
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay.Std(),
	}, ledger, p.recs, p.lc, conv, p.bus, clk)
	p.settler.SetAfterFund(p.announceChannel)

	return p, nil
}

// Subscribe registers a subscriber for engine events.
func (p *Plugin) Subscribe(s event.Subscriber) {
	p.bus.Subscribe(s)
}

// RegisterMoneyHandler sets the callback invoked with the net credited
// amount of every accepted incoming claim.
func (p *Plugin) RegisterMoneyHandler(h func(*big.Int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moneyHandler = h
}

// Connect connects to the ledger, restores persisted state, ensures
// the outgoing channel exists and starts the settlement timer.
func (p *Plugin) Connect(ctx context.Context) error {
	err := client.Retry(ctx, p.clk, p.cfg.RetryAttempts, p.cfg.RetryDelay.Std(), "ledger connect", func() error {
		return p.ledger.Connect(ctx)
	})
	if err != nil {
		return err
	}

	if err := p.lc.RestoreIncoming(ctx, p.checkPeerScale); err != nil {
		if errors.Is(err, client.ErrChannelNotFound) {
			p.log.Log().Warnf("persisted incoming channel no longer exists: %v", err)
		} else {
			return err
		}
	}
	p.syncLastCashed()

	if err := p.lc.OpenOutgoing(ctx); err != nil {
		return err
	}

	p.tr.SetHandlers(p.handleRequest, p.handleTransfer)
	p.settler.Start()

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.bus.Publish(event.ConnectedEvent{})

	// The peer may not have created its channel yet; that is fine, we
	// will ask again on the first incoming transfer.
	if err := p.ensureIncoming(ctx); err != nil {
		p.log.Log().Debugf("incoming channel not yet available: %v", err)
	}
	return nil
}

// Disconnect flushes a best-effort final cash-out and shuts down.
// Cash-out failure is logged, never blocks shutdown.
func (p *Plugin) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return nil
	}
	p.ready = false
	p.mu.Unlock()

	if err := p.settler.Close(); err != nil {
		p.log.Log().Warnf("stopping settler: %v", err)
	}
	if err := p.settler.FinalCash(ctx); err != nil {
		p.log.Log().Warnf("claim error on disconnect: %v", err)
	}
	if err := p.watcher.Close(); err != nil {
		p.log.Log().Warnf("stopping watcher: %v", err)
	}
	if err := p.ledger.Disconnect(ctx); err != nil {
		p.log.Log().Warnf("error disconnecting from ledger: %v", err)
	}
	return nil
}

// SendMoney extends the outgoing claim by amount (local units), signs
// it and transmits it to the peer. It returns once the claim has been
// persisted and handed to the transport.
func (p *Plugin) SendMoney(ctx context.Context, amount *big.Int) error {
	if !p.isReady() {
		return ErrNotReady
	}
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	out := p.lc.Outgoing()
	if out == nil {
		return errors.New("outgoing channel not opened")
	}
	prev, err := p.recs.Claim(ctx, store.KeyOutgoingClaim)
	if err != nil {
		return err
	}
	cumulative := new(big.Int).Add(prev.Amount, amount)
	drops := p.conv.LocalToDrops(cumulative)
	if drops.Cmp(out.Amount) > 0 {
		return errors.Wrapf(ErrInsufficientCapacity, "claim of %s drops exceeds capacity %s", drops, out.Amount)
	}
	if !drops.IsUint64() {
		return errors.Errorf("claim amount %s drops out of range", drops)
	}

	sig := p.acc.SignClaim(wire.EncodeClaim(out.ID, drops.Uint64()))
	sigHex := wallet.SignatureToHex(sig)
	p.log.Log().Debugf("signed outgoing claim for %s drops on channel %s", drops, out.ID)

	p.settler.MaybeFund(cumulative)

	// Persist before transmitting; a crash must never lose a claim the
	// peer may already hold.
	claim := store.Claim{Amount: cumulative, Signature: sigHex}
	if _, _, err := p.recs.SetClaimIfGreater(ctx, store.KeyOutgoingClaim, claim); err != nil {
		return err
	}

	return p.tr.SendTransfer(ctx, Transfer{
		Amount: amount.String(),
		Claim:  wire.ClaimPayload{Amount: cumulative.String(), Signature: sigHex},
	})
}

// ReceiveMoney verifies and records an incoming claim and returns the
// net amount credited. transferAmount is what the peer believes it
// sent; a mismatch with the claim delta is logged, not fatal, because
// the claim itself is authoritative.
func (p *Plugin) ReceiveMoney(ctx context.Context, transferAmount string, claim wire.ClaimPayload) (*big.Int, error) {
	if !p.isReady() {
		return nil, ErrNotReady
	}
	if err := p.ensureIncoming(ctx); err != nil {
		return nil, err
	}
	terms := p.lc.Incoming()

	cumulative, err := currency.ParseAmount(claim.Amount)
	if err != nil {
		return nil, err
	}
	drops := p.conv.LocalToDrops(cumulative)
	if !drops.IsUint64() {
		return nil, errors.Wrapf(ErrClaimExceedsCapacity, "claim amount %s drops out of range", drops)
	}
	if drops.Cmp(terms.Amount) > 0 {
		return nil, errors.Wrapf(ErrClaimExceedsCapacity,
			"amount: %s drops, incoming channel amount: %s", drops, terms.Amount)
	}

	sig, err := wallet.SignatureFromHex(claim.Signature)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSignature, "%v", err)
	}
	pub, err := wallet.PublicKeyFromHex(terms.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "incoming channel public key")
	}
	if !wallet.VerifyClaim(wire.EncodeClaim(terms.ID, drops.Uint64()), sig, pub) {
		return nil, errors.Wrapf(ErrInvalidSignature,
			"signature %s for %s drops total", claim.Signature, drops)
	}

	candidate := store.Claim{Amount: cumulative, Signature: wallet.SignatureToHex(sig)}
	prev, accepted, err := p.recs.SetClaimIfGreater(ctx, store.KeyIncomingClaim, candidate)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, errors.Wrapf(ErrClaimRegressed, "new=%s old=%s", cumulative, prev.Amount)
	}
	added := new(big.Int).Sub(cumulative, prev.Amount)

	if sent, err := currency.ParseAmount(transferAmount); err != nil || sent.Cmp(added) != 0 {
		p.log.Log().Warnf("peer balance out of sync: peer thinks they sent %s, we got %s",
			transferAmount, added)
	}
	p.log.Log().Debugf("received claim for %s on channel %s", added, terms.ID)

	if err := p.settler.MaybeCash(ctx); err != nil {
		p.log.Log().Warnf("evaluating claim for cashing: %v", err)
	}

	p.mu.Lock()
	handler := p.moneyHandler
	p.mu.Unlock()
	if handler != nil {
		handler(new(big.Int).Set(added))
	}
	return added, nil
}

// GetBalance returns the net position of this side in local units:
// best incoming claim minus best outgoing claim.
func (p *Plugin) GetBalance(ctx context.Context) (*big.Int, error) {
	in, err := p.recs.Claim(ctx, store.KeyIncomingClaim)
	if err != nil {
		return nil, err
	}
	out, err := p.recs.Claim(ctx, store.KeyOutgoingClaim)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(in.Amount, out.Amount), nil
}

func (p *Plugin) isReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// syncLastCashed aligns the settler's cashed watermark with the amount
// the ledger already paid out on the incoming channel.
func (p *Plugin) syncLastCashed() {
	if terms := p.lc.Incoming(); terms != nil && terms.Balance != nil {
		p.settler.SetLastCashed(p.conv.DropsToLocal(terms.Balance))
	}
}

// handleChannelClose reacts to the watcher: a closing incoming channel
// can no longer secure further credit, so the relationship ends.
func (p *Plugin) handleChannelClose(id wire.ChannelID) {
	p.log.Log().Warnf("channel %s closing; triggering auto-disconnect", id)
	p.bus.Publish(event.ChannelCloseEvent{Channel: id})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := p.Disconnect(ctx); err != nil {
			p.log.Log().Warnf("disconnect after channel close: %v", err)
		}
	}()
}
