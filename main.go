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

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	dsync "github.com/ipfs/go-datastore/sync"

	ledgertest "perun.network/perun-xrp-paychan/client/test"
	"perun.network/perun-xrp-paychan/payment"
	transporttest "perun.network/perun-xrp-paychan/payment/test"
	"perun.network/perun-xrp-paychan/wallet/types"
)

// Demonstrates a full two-party settlement round trip over an
// in-memory ledger: connect, pay in both directions, inspect balances,
// disconnect with a final cash-out.
func main() {
	aliceAddr := randAddress()
	bobAddr := randAddress()

	ledger := ledgertest.NewMockLedger(aliceAddr)
	trAlice, trBob := transporttest.NewTransportPair()
	clk := clock.New()

	alice, err := newParty("alice-secret", aliceAddr, bobAddr, ledger, trAlice, clk)
	if err != nil {
		panic(err)
	}
	bob, err := newParty("bob-secret", bobAddr, aliceAddr, ledger.ForAccount(bobAddr), trBob, clk)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	if err := alice.Connect(ctx); err != nil {
		panic(err)
	}
	if err := bob.Connect(ctx); err != nil {
		panic(err)
	}

	bob.RegisterMoneyHandler(func(amount *big.Int) {
		fmt.Println("Bob received", amount)
	})

	if err := alice.SendMoney(ctx, big.NewInt(100_000)); err != nil {
		panic(err)
	}
	if err := bob.SendMoney(ctx, big.NewInt(40_000)); err != nil {
		panic(err)
	}

	aliceBal, err := alice.GetBalance(ctx)
	if err != nil {
		panic(err)
	}
	bobBal, err := bob.GetBalance(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("Alice balance:", aliceBal)
	fmt.Println("Bob balance:  ", bobBal)

	if err := alice.Disconnect(ctx); err != nil {
		panic(err)
	}
	if err := bob.Disconnect(ctx); err != nil {
		panic(err)
	}
	fmt.Println("Settlement demo done")
}

func newParty(secret string, own, peer types.Address,
	ledger *ledgertest.MockLedger, tr payment.Transport, clk clock.Clock,
) (*payment.Plugin, error) {
	cfg := payment.DefaultConfig()
	cfg.Secret = secret
	cfg.Address = string(own)
	cfg.PeerAddress = string(peer)
	store := dsync.MutexWrap(ds.NewMapDatastore())
	return payment.New(cfg, ledger, tr, store, clk)
}

func randAddress() types.Address {
	var id [20]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return types.EncodeAccountID(id)
}
