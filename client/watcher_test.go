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

package client_test

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-xrp-paychan/client"
	ledgertest "perun.network/perun-xrp-paychan/client/test"
	"perun.network/perun-xrp-paychan/wallet/types"
	"perun.network/perun-xrp-paychan/wire"
)

func randAddress(rng *rand.Rand) types.Address {
	var account [types.AccountIDLen]byte
	rng.Read(account[:])
	return types.EncodeAccountID(account)
}

func TestWatcherReportsDroppedChannel(t *testing.T) {
	rng := pkgtest.Prng(t)
	ledger := ledgertest.NewMockLedger(randAddress(rng))
	clk := clock.NewMock()
	w := client.NewWatcher(ledger, clk, time.Minute)
	defer w.Close()

	ch := &wire.PaymentChannel{
		Account:     randAddress(rng),
		Destination: randAddress(rng),
		Amount:      big.NewInt(1000),
		Balance:     new(big.Int),
	}
	rng.Read(ch.ID[:])
	ledger.SetChannel(ch)

	closed := make(chan struct{})
	w.Watch(ch.ID, func() { close(closed) })

	// While the channel exists, a poll does not fire the callback.
	clk.Add(time.Minute)
	select {
	case <-closed:
		t.Fatal("callback fired for a live channel")
	case <-time.After(50 * time.Millisecond):
	}

	ledger.DropChannel(ch.ID)
	clk.Add(time.Minute)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire for a dropped channel")
	}
}

func TestWatcherReportsExpiringChannel(t *testing.T) {
	rng := pkgtest.Prng(t)
	ledger := ledgertest.NewMockLedger(randAddress(rng))
	clk := clock.NewMock()
	w := client.NewWatcher(ledger, clk, time.Minute)
	defer w.Close()

	exp := time.Now().Add(time.Hour)
	ch := &wire.PaymentChannel{
		Account:     randAddress(rng),
		Destination: randAddress(rng),
		Amount:      big.NewInt(1000),
		Balance:     new(big.Int),
		Expiration:  &exp,
	}
	rng.Read(ch.ID[:])
	ledger.SetChannel(ch)

	closed := make(chan struct{})
	w.Watch(ch.ID, func() { close(closed) })

	// Give the watcher goroutine time to register its ticker on the
	// mock clock before advancing it.
	time.Sleep(50 * time.Millisecond)
	clk.Add(time.Minute)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire for an expiring channel")
	}
}

func TestWatcherUnwatch(t *testing.T) {
	rng := pkgtest.Prng(t)
	ledger := ledgertest.NewMockLedger(randAddress(rng))
	clk := clock.NewMock()
	w := client.NewWatcher(ledger, clk, time.Minute)
	defer w.Close()

	var id wire.ChannelID
	rng.Read(id[:])

	fired := make(chan struct{})
	w.Watch(id, func() { close(fired) })
	w.Unwatch(id)

	// The channel does not even exist, but unwatched means no callback.
	clk.Add(time.Minute)
	select {
	case <-fired:
		t.Fatal("callback fired after Unwatch")
	case <-time.After(50 * time.Millisecond):
	}
}
