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
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-xrp-paychan/client"
	"perun.network/perun-xrp-paychan/currency"
	"perun.network/perun-xrp-paychan/event"
	"perun.network/perun-xrp-paychan/store"
)

// DefaultClaimInterval is how often the settler re-evaluates whether
// cashing the best incoming claim is profitable.
const DefaultClaimInterval = time.Duration(5) * time.Minute

// fundTimeout bounds the background funding transaction.
const fundTimeout = time.Duration(2) * time.Minute

// SettlerConfig carries the two policy thresholds and timings of the
// settlement decision engine.
type SettlerConfig struct {
	// MaxFeePercent is the highest acceptable ratio of ledger fee to
	// marginal income when cashing a claim, 0 < t <= 1.
	MaxFeePercent *big.Rat
	// FundThreshold is the fraction of the outgoing channel's capacity
	// at which the channel is topped up, 0 < t <= 1.
	FundThreshold *big.Rat
	ClaimInterval time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Settler decides when to cash the best incoming claim on the ledger
// and when to top up the outgoing channel.
type Settler struct {
	cfg    SettlerConfig
	ledger client.Ledger
	recs   *store.Store
	lc     *Lifecycle
	conv   currency.Converter
	bus    *event.Bus
	clk    clock.Clock
	log    log.Embedding
	closer *pkgsync.Closer

	// cashMu serializes claim cashing; lastCashed is the cumulative
	// amount already realized on ledger, in local units.
	cashMu     sync.Mutex
	lastCashed *big.Int

	// fundMu guards the single-flight funding state.
	fundMu    sync.Mutex
	funding   bool
	afterFund func(context.Context) error
}

// NewSettler creates a settlement decision engine.
func NewSettler(cfg SettlerConfig, ledger client.Ledger, recs *store.Store, lc *Lifecycle,
	conv currency.Converter, bus *event.Bus, clk clock.Clock,
) *Settler {
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = DefaultClaimInterval
	}
	return &Settler{
		cfg:        cfg,
		ledger:     ledger,
		recs:       recs,
		lc:         lc,
		conv:       conv,
		bus:        bus,
		clk:        clk,
		closer:     new(pkgsync.Closer),
		lastCashed: new(big.Int),
		log:        log.MakeEmbedding(log.Default()),
	}
}

// SetAfterFund registers a hook that runs after a successful funding
// transaction, before the local terms are refreshed. The plugin uses
// it to tell the peer to re-read the channel's capacity.
func (s *Settler) SetAfterFund(f func(context.Context) error) {
	s.fundMu.Lock()
	defer s.fundMu.Unlock()
	s.afterFund = f
}

// SetLastCashed records the amount already realized on the ledger, in
// local units. Called when the incoming channel's terms are loaded.
func (s *Settler) SetLastCashed(local *big.Int) {
	s.cashMu.Lock()
	defer s.cashMu.Unlock()
	s.lastCashed = new(big.Int).Set(local)
}

// Start runs the periodic claim evaluation until Close.
func (s *Settler) Start() {
	go s.run()
}

// Close stops the periodic evaluation.
func (s *Settler) Close() error {
	if s.closer.IsClosed() {
		return nil
	}
	return s.closer.Close()
}

func (s *Settler) run() {
	ticker := s.clk.Ticker(s.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer.Closed():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ClaimInterval)
			if err := s.MaybeCash(ctx); err != nil {
				s.log.Log().Warnf("periodic claim evaluation: %v", err)
			}
			cancel()
		}
	}
}

// MaybeCash cashes the best incoming claim iff the marginal income is
// positive and the ledger fee is an acceptable fraction of it.
func (s *Settler) MaybeCash(ctx context.Context) error {
	s.cashMu.Lock()
	defer s.cashMu.Unlock()

	claim, err := s.recs.Claim(ctx, store.KeyIncomingClaim)
	if err != nil {
		return err
	}
	if claim.Signature == "" {
		return nil
	}
	income := new(big.Int).Sub(claim.Amount, s.lastCashed)
	if income.Sign() <= 0 {
		return nil
	}

	feeDrops, err := s.ledger.Fee(ctx)
	if err != nil {
		return errors.Wrap(err, "querying network fee")
	}
	fee := s.conv.DropsToLocal(feeDrops)
	if new(big.Rat).SetFrac(fee, income).Cmp(s.cfg.MaxFeePercent) > 0 {
		s.log.Log().Debugf("not cashing claim, fee %s exceeds %s of income %s",
			fee, s.cfg.MaxFeePercent.FloatString(4), income)
		return nil
	}

	if err := s.cashClaim(ctx, claim); err != nil {
		return err
	}
	s.lastCashed = new(big.Int).Set(claim.Amount)
	return nil
}

// FinalCash realizes the best incoming claim unconditionally. Used on
// disconnect as a best-effort flush; failure must not block shutdown.
func (s *Settler) FinalCash(ctx context.Context) error {
	s.cashMu.Lock()
	defer s.cashMu.Unlock()

	claim, err := s.recs.Claim(ctx, store.KeyIncomingClaim)
	if err != nil {
		return err
	}
	if claim.Signature == "" || claim.Amount.Cmp(s.lastCashed) <= 0 {
		return nil
	}
	if err := s.cashClaim(ctx, claim); err != nil {
		return err
	}
	s.lastCashed = new(big.Int).Set(claim.Amount)
	return nil
}

func (s *Settler) cashClaim(ctx context.Context, claim store.Claim) error {
	terms := s.lc.Incoming()
	if terms == nil {
		return ErrNoIncomingChannel
	}
	balance := s.conv.LocalToDrops(claim.Amount)
	req := client.ClaimRequest{
		Channel:   terms.ID,
		Balance:   balance,
		Signature: claim.Signature,
		PublicKey: terms.PublicKey,
	}
	err := client.Retry(ctx, s.clk, s.cfg.RetryAttempts, s.cfg.RetryDelay, "channel claim", func() error {
		return s.ledger.ClaimChannel(ctx, req)
	})
	if err != nil {
		return err
	}
	s.log.Log().Infof("cashed claim for %s drops on channel %s", balance, terms.ID)
	if err := s.lc.RefreshIncoming(ctx); err != nil {
		s.log.Log().Warnf("refreshing incoming channel after claim: %v", err)
	}
	s.bus.Publish(event.ClaimCashedEvent{Channel: terms.ID, Amount: balance})
	return nil
}

// MaybeFund submits a single funding transaction when the cumulative
// outgoing claim crosses the configured fraction of the channel's
// capacity. Concurrent sends while one funding is in flight do not
// trigger a second one; the transaction runs in the background.
func (s *Settler) MaybeFund(cumulativeLocal *big.Int) {
	terms := s.lc.Outgoing()
	if terms == nil || terms.Amount.Sign() <= 0 {
		return
	}
	drops := s.conv.LocalToDrops(cumulativeLocal)
	if new(big.Rat).SetFrac(drops, terms.Amount).Cmp(s.cfg.FundThreshold) <= 0 {
		return
	}

	s.fundMu.Lock()
	if s.funding {
		s.fundMu.Unlock()
		return
	}
	s.funding = true
	afterFund := s.afterFund
	s.fundMu.Unlock()

	amount := new(big.Int).Set(terms.Amount)
	go func() {
		defer func() {
			s.fundMu.Lock()
			s.funding = false
			s.fundMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), fundTimeout)
		defer cancel()

		err := client.Retry(ctx, s.clk, s.cfg.RetryAttempts, s.cfg.RetryDelay, "channel fund", func() error {
			return s.ledger.FundChannel(ctx, terms.ID, amount)
		})
		if err != nil {
			s.log.Log().Warnf("error issuing fund tx: %v", err)
			return
		}
		s.log.Log().Infof("funded channel %s with %s additional drops", terms.ID, amount)

		if afterFund != nil {
			if err := afterFund(ctx); err != nil {
				s.log.Log().Warnf("notifying peer after funding: %v", err)
			}
		}
		if err := s.lc.RefreshOutgoing(ctx); err != nil {
			s.log.Log().Warnf("refreshing outgoing channel after funding: %v", err)
		}
		s.bus.Publish(event.FundedEvent{Channel: terms.ID, Amount: amount})
	}()
}

// FundingInFlight reports whether a funding transaction is pending.
func (s *Settler) FundingInFlight() bool {
	s.fundMu.Lock()
	defer s.fundMu.Unlock()
	return s.funding
}
