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

package channel_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-xrp-paychan/channel"
	"perun.network/perun-xrp-paychan/currency"
	"perun.network/perun-xrp-paychan/event"
	"perun.network/perun-xrp-paychan/store"
	"perun.network/perun-xrp-paychan/wire"
)

func newSettler(t *testing.T, f *fixture, lc *channel.Lifecycle) *channel.Settler {
	t.Helper()
	conv, err := currency.NewConverter(currency.DropScale)
	require.NoError(t, err)
	s := channel.NewSettler(channel.SettlerConfig{
		MaxFeePercent: big.NewRat(1, 100),
		FundThreshold: big.NewRat(1, 2),
		ClaimInterval: time.Hour,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, f.ledger, f.recs, lc, conv, event.NewBus(), f.clk)
	t.Cleanup(func() { s.Close() })
	return s
}

func putIncomingClaim(t *testing.T, f *fixture, amount int64) {
	t.Helper()
	_, ok, err := f.recs.SetClaimIfGreater(context.Background(), store.KeyIncomingClaim,
		store.Claim{Amount: big.NewInt(amount), Signature: "AB01"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMaybeCashProfitability(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(t)
	lc := f.lifecycle()
	ctx := context.Background()

	ch := f.peerChannel(rng, nil)
	require.NoError(t, lc.SetIncoming(ctx, ch.ID, nil))
	s := newSettler(t, f, lc)

	// Fee is 10 drops; cashing 100 drops of income would lose 10%.
	putIncomingClaim(t, f, 100)
	require.NoError(t, s.MaybeCash(ctx))
	require.Equal(t, 0, f.ledger.Claims())

	// At 10000 drops the fee is 0.1%, below the 1% bound.
	putIncomingClaim(t, f, 10_000)
	require.NoError(t, s.MaybeCash(ctx))
	require.Equal(t, 1, f.ledger.Claims())

	// Without new income, nothing more is cashed.
	require.NoError(t, s.MaybeCash(ctx))
	require.Equal(t, 1, f.ledger.Claims())
}

func TestMaybeCashSkipsZeroClaim(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(t)
	lc := f.lifecycle()
	ctx := context.Background()

	ch := f.peerChannel(rng, nil)
	require.NoError(t, lc.SetIncoming(ctx, ch.ID, nil))
	s := newSettler(t, f, lc)

	require.NoError(t, s.MaybeCash(ctx))
	require.Equal(t, 0, f.ledger.Claims())
}

func TestMaybeCashHonorsLastCashed(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(t)
	lc := f.lifecycle()
	ctx := context.Background()

	ch := f.peerChannel(rng, func(ch *wire.PaymentChannel) {
		ch.Balance = big.NewInt(10_000)
	})
	require.NoError(t, lc.SetIncoming(ctx, ch.ID, nil))
	s := newSettler(t, f, lc)

	// The ledger already paid out 10000 drops in an earlier run; a
	// stored claim over the same amount carries no new income.
	s.SetLastCashed(big.NewInt(10_000))
	putIncomingClaim(t, f, 10_000)
	require.NoError(t, s.MaybeCash(ctx))
	require.Equal(t, 0, f.ledger.Claims())
}

func TestFinalCashIgnoresFee(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(t)
	lc := f.lifecycle()
	ctx := context.Background()

	ch := f.peerChannel(rng, nil)
	require.NoError(t, lc.SetIncoming(ctx, ch.ID, nil))
	s := newSettler(t, f, lc)

	// 100 drops are unprofitable to cash, but on disconnect the claim
	// is flushed regardless.
	putIncomingClaim(t, f, 100)
	require.NoError(t, s.FinalCash(ctx))
	require.Equal(t, 1, f.ledger.Claims())

	// Flushing twice submits nothing new.
	require.NoError(t, s.FinalCash(ctx))
	require.Equal(t, 1, f.ledger.Claims())
}

func TestPeriodicCash(t *testing.T) {
	rng := pkgtest.Prng(t)
	f := newFixture(t)
	lc := f.lifecycle()
	ctx := context.Background()

	ch := f.peerChannel(rng, nil)
	require.NoError(t, lc.SetIncoming(ctx, ch.ID, nil))

	conv, err := currency.NewConverter(currency.DropScale)
	require.NoError(t, err)
	mclk := clock.NewMock()
	s := channel.NewSettler(channel.SettlerConfig{
		MaxFeePercent: big.NewRat(1, 100),
		FundThreshold: big.NewRat(1, 2),
		ClaimInterval: 5 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, f.ledger, f.recs, lc, conv, event.NewBus(), mclk)
	t.Cleanup(func() { s.Close() })

	s.Start()
	putIncomingClaim(t, f, 10_000)

	// Give the evaluation loop a moment to arm its ticker; the claim
	// is only evaluated once the interval elapses.
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, f.ledger.Claims())
	mclk.Add(5 * time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for f.ledger.Claims() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("periodic evaluation did not cash the claim")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitFunds(t *testing.T, f *fixture, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.ledger.Funds() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ledger funds = %d, want %d", f.ledger.Funds(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMaybeFundThreshold(t *testing.T) {
	f := newFixture(t)
	lc := f.lifecycle()
	ctx := context.Background()
	require.NoError(t, lc.OpenOutgoing(ctx))
	s := newSettler(t, f, lc)

	// 40% of the 1000000 drop capacity: no funding. The threshold is
	// strict: exactly 50% does not trigger either.
	s.MaybeFund(big.NewInt(400_000))
	s.MaybeFund(big.NewInt(500_000))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, f.ledger.Funds())

	// 80%: the channel is topped up by its capacity in the background.
	s.MaybeFund(big.NewInt(800_000))
	waitFunds(t, f, 1)
	for s.FundingInFlight() {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, lc.RefreshOutgoing(ctx))
	require.Equal(t, big.NewInt(2_000_000), lc.Outgoing().Amount)

	// Against the doubled capacity, 45% stays below the threshold.
	s.MaybeFund(big.NewInt(900_000))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, f.ledger.Funds())
}

func TestMaybeFundSingleFlight(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.RetryDelay = 50 * time.Millisecond
	lc := channel.NewLifecycle(cfg, f.ledger, f.recs, f.watcher, f.acc, f.clk, nil)
	ctx := context.Background()
	require.NoError(t, lc.OpenOutgoing(ctx))

	conv, err := currency.NewConverter(currency.DropScale)
	require.NoError(t, err)
	s := channel.NewSettler(channel.SettlerConfig{
		MaxFeePercent: big.NewRat(1, 100),
		FundThreshold: big.NewRat(1, 2),
		ClaimInterval: time.Hour,
		RetryAttempts: 3,
		RetryDelay:    50 * time.Millisecond,
	}, f.ledger, f.recs, lc, conv, event.NewBus(), f.clk)
	t.Cleanup(func() { s.Close() })

	// The first fund attempt fails, keeping the transaction in flight
	// through the retry delay. Triggers meanwhile must not stack a
	// second transaction.
	f.ledger.FailNext("fund", 1)
	s.MaybeFund(big.NewInt(800_000))
	require.True(t, s.FundingInFlight())
	s.MaybeFund(big.NewInt(850_000))
	s.MaybeFund(big.NewInt(900_000))

	waitFunds(t, f, 1)
	for s.FundingInFlight() {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, f.ledger.Funds())
}
