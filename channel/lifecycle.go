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

package channel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-xrp-paychan/client"
	"perun.network/perun-xrp-paychan/store"
	"perun.network/perun-xrp-paychan/wallet"
	"perun.network/perun-xrp-paychan/wallet/types"
	"perun.network/perun-xrp-paychan/wire"
)

const (
	// DefaultPollInterval is the interval at which a process that lost
	// the creation race polls the store for the winner's channel id.
	DefaultPollInterval = time.Duration(5) * time.Second
	// MaxPollIterationsUntilAbort bounds that poll loop.
	MaxPollIterationsUntilAbort = 60
)

// ErrNoIncomingChannel is returned when an operation needs the
// incoming channel before the peer has announced one.
var ErrNoIncomingChannel = errors.New("no incoming channel known yet")

// LifecycleConfig carries the parameters of the lifecycle manager.
type LifecycleConfig struct {
	OwnAddress     types.Address
	PeerAddress    types.Address
	CreateAmount   *big.Int // initial outgoing capacity in drops
	SettleDelay    uint32   // settle delay of the outgoing channel
	MinSettleDelay uint32   // floor accepted on the incoming channel
	PollInterval   time.Duration
	MaxPollIters   int
	RetryAttempts  int
	RetryDelay     time.Duration
}

// Lifecycle manages the two unidirectional channels of a relationship:
// race-safe creation of the outgoing channel and discovery, validation
// and watching of the incoming one.
type Lifecycle struct {
	cfg     LifecycleConfig
	ledger  client.Ledger
	recs    *store.Store
	watcher *client.Watcher
	acc     *wallet.Account
	clk     clock.Clock
	log     log.Embedding
	onClose func(wire.ChannelID)

	mu       sync.Mutex
	outgoing *wire.PaymentChannel
	incoming *wire.PaymentChannel

	// validateMu serializes incoming channel validation so a second
	// concurrent discovery cannot race the same channel id into the
	// store twice.
	validateMu pkgsync.Mutex
}

// NewLifecycle creates a lifecycle manager. onClose is invoked when
// the watcher reports the incoming channel closing.
func NewLifecycle(cfg LifecycleConfig, ledger client.Ledger, recs *store.Store, watcher *client.Watcher,
	acc *wallet.Account, clk clock.Clock, onClose func(wire.ChannelID),
) *Lifecycle {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollIters <= 0 {
		cfg.MaxPollIters = MaxPollIterationsUntilAbort
	}
	if cfg.MinSettleDelay == 0 {
		cfg.MinSettleDelay = MinSettleDelay
	}
	return &Lifecycle{
		cfg:     cfg,
		ledger:  ledger,
		recs:    recs,
		watcher: watcher,
		acc:     acc,
		clk:     clk,
		onClose: onClose,
		log:     log.MakeEmbedding(log.Default()),
	}
}

// OpenOutgoing ensures the outgoing channel of this relationship
// exists, creating it on the ledger exactly once even when several
// local processes race on the same store, and loads its terms.
func (l *Lifecycle) OpenOutgoing(ctx context.Context) error {
	if id, ok, err := l.recs.ChannelID(ctx, store.KeyOutgoingChannel); err != nil {
		return err
	} else if ok {
		return l.refreshOutgoing(ctx, id)
	}

	token := uuid.NewString()
	st, won, err := l.recs.BeginCreation(ctx, token)
	if err != nil {
		return err
	}

	var id wire.ChannelID
	switch {
	case won:
		l.log.Log().Info("creating new payment channel")
		id, err = l.createChannel(ctx, token)
		if err != nil {
			if abortErr := l.recs.AbortCreation(ctx, token); abortErr != nil {
				l.log.Log().Warnf("rolling back channel creation: %v", abortErr)
			}
			return err
		}
	case st.Status == store.StatusCreated:
		id, err = wire.ChannelIDFromHex(st.Channel)
		if err != nil {
			return errors.Wrap(err, "stored creation state")
		}
		if err := l.recs.PutChannelID(ctx, store.KeyOutgoingChannel, id); err != nil {
			return err
		}
	default:
		l.log.Log().Info("another process is creating the channel, polling for its id")
		id, err = l.awaitCreated(ctx)
		if err != nil {
			return err
		}
		if err := l.recs.PutChannelID(ctx, store.KeyOutgoingChannel, id); err != nil {
			return err
		}
	}

	return l.refreshOutgoing(ctx, id)
}

func (l *Lifecycle) createChannel(ctx context.Context, token string) (wire.ChannelID, error) {
	req := client.CreateRequest{
		Destination: l.cfg.PeerAddress,
		Amount:      new(big.Int).Set(l.cfg.CreateAmount),
		SettleDelay: l.cfg.SettleDelay,
		PublicKey:   l.acc.PublicKeyHex(),
		SourceTag:   randomTag(),
	}

	var res client.CreateResult
	err := client.Retry(ctx, l.clk, l.cfg.RetryAttempts, l.cfg.RetryDelay, "channel create", func() error {
		var err error
		res, err = l.ledger.CreateChannel(ctx, req)
		return err
	})
	if err != nil {
		return wire.ChannelID{}, err
	}

	id, err := client.ChannelIDOf(res)
	if err != nil {
		return wire.ChannelID{}, err
	}
	if _, err := l.recs.CompleteCreation(ctx, token, id); err != nil {
		return wire.ChannelID{}, err
	}
	l.log.Log().Infof("payment channel successfully created: %s", id)
	return id, nil
}

// awaitCreated polls the stored creation state until the concurrent
// creator has published the channel id.
func (l *Lifecycle) awaitCreated(ctx context.Context) (wire.ChannelID, error) {
	for i := 0; i < l.cfg.MaxPollIters; i++ {
		select {
		case <-ctx.Done():
			return wire.ChannelID{}, errors.Wrap(ctx.Err(), "waiting for channel creation")
		case <-l.clk.After(l.cfg.PollInterval):
			st, err := l.recs.CreationState(ctx)
			if err != nil {
				return wire.ChannelID{}, err
			}
			if st.Status == store.StatusCreated {
				return wire.ChannelIDFromHex(st.Channel)
			}
		}
	}
	return wire.ChannelID{}, errors.New("concurrent channel creation did not finish in time")
}

func (l *Lifecycle) refreshOutgoing(ctx context.Context, id wire.ChannelID) error {
	var ch *wire.PaymentChannel
	err := client.Retry(ctx, l.clk, l.cfg.RetryAttempts, l.cfg.RetryDelay, "outgoing channel query", func() error {
		var err error
		ch, err = l.ledger.PaymentChannel(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.outgoing = ch
	l.mu.Unlock()
	return nil
}

// RefreshOutgoing re-fetches the outgoing channel's terms, e.g. after
// a funding transaction changed its capacity.
func (l *Lifecycle) RefreshOutgoing(ctx context.Context) error {
	l.mu.Lock()
	ch := l.outgoing
	l.mu.Unlock()
	if ch == nil {
		return errors.New("outgoing channel not opened")
	}
	return l.refreshOutgoing(ctx, ch.ID)
}

// Outgoing returns a snapshot of the outgoing channel's terms, or nil
// before OpenOutgoing succeeded.
func (l *Lifecycle) Outgoing() *wire.PaymentChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outgoing.Clone()
}

// OutgoingID returns the outgoing channel id, if the channel exists.
func (l *Lifecycle) OutgoingID() (wire.ChannelID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outgoing == nil {
		return wire.ChannelID{}, false
	}
	return l.outgoing.ID, true
}

// SetIncoming validates and adopts the peer's outgoing channel as our
// incoming channel. preAccept, if non-nil, runs after the on-ledger
// validation and before the channel is adopted; it is where the
// currency-scale negotiation hooks in. Validation of a channel id is
// serialized: a second concurrent discovery waits and then finds the
// channel already set.
func (l *Lifecycle) SetIncoming(ctx context.Context, id wire.ChannelID, preAccept func(context.Context) error) error {
	if !l.validateMu.TryLockCtx(ctx) {
		return errors.Wrap(ctx.Err(), "waiting for concurrent channel validation")
	}
	defer l.validateMu.Unlock()

	l.mu.Lock()
	current := l.incoming
	l.mu.Unlock()
	if current != nil && current.ID == id {
		return l.refreshIncoming(ctx, id)
	}

	l.log.Log().Infof("validating incoming payment channel %s", id)
	var ch *wire.PaymentChannel
	err := client.Retry(ctx, l.clk, l.cfg.RetryAttempts, l.cfg.RetryDelay, "incoming channel query", func() error {
		var err error
		ch, err = l.ledger.PaymentChannel(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if err := ValidateIncoming(ch, l.cfg.OwnAddress, l.cfg.MinSettleDelay); err != nil {
		return err
	}
	if preAccept != nil {
		if err := preAccept(ctx); err != nil {
			return err
		}
	}

	if err := l.recs.PutChannelID(ctx, store.KeyIncomingChannel, id); err != nil {
		return err
	}
	l.mu.Lock()
	old := l.incoming
	l.incoming = ch
	l.mu.Unlock()

	// Peers may rotate channels; stop watching a replaced one.
	if old != nil && old.ID != id {
		l.watcher.Unwatch(old.ID)
	}
	l.watcher.Watch(id, func() {
		if l.onClose != nil {
			l.onClose(id)
		}
	})
	return nil
}

// RestoreIncoming re-adopts the incoming channel persisted by an
// earlier run, re-validating its current on-ledger terms. preAccept is
// run as in SetIncoming; the peer's terms may have changed across our
// restart, so restoring skips none of the adoption checks.
func (l *Lifecycle) RestoreIncoming(ctx context.Context, preAccept func(context.Context) error) error {
	id, ok, err := l.recs.ChannelID(ctx, store.KeyIncomingChannel)
	if err != nil || !ok {
		return err
	}
	return l.SetIncoming(ctx, id, preAccept)
}

// RefreshIncoming re-fetches the incoming channel's terms, e.g. when
// the peer reports having funded it.
func (l *Lifecycle) RefreshIncoming(ctx context.Context) error {
	l.mu.Lock()
	ch := l.incoming
	l.mu.Unlock()
	if ch == nil {
		return ErrNoIncomingChannel
	}
	return l.refreshIncoming(ctx, ch.ID)
}

func (l *Lifecycle) refreshIncoming(ctx context.Context, id wire.ChannelID) error {
	ch, err := l.ledger.PaymentChannel(ctx, id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.incoming = ch
	l.mu.Unlock()
	return nil
}

// Incoming returns a snapshot of the incoming channel's terms, or nil
// while none is known.
func (l *Lifecycle) Incoming() *wire.PaymentChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incoming.Clone()
}

func randomTag() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
