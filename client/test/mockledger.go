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

// Package test provides an in-memory ledger for testing the settlement
// engine without a network.
package test

import (
	"context"
	"math/big"
	"sync"

	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/client"
	"perun.network/perun-xrp-paychan/wallet/types"
	"perun.network/perun-xrp-paychan/wire"
)

// ledgerState is the shared state behind all views of one mock ledger.
type ledgerState struct {
	mu       sync.Mutex
	channels map[wire.ChannelID]*wire.PaymentChannel
	sequence uint32
	fee      *big.Int

	creates int
	funds   int
	claims  int

	// failures maps an operation name to the number of times it should
	// still fail.
	failures map[string]int
}

// MockLedger is an in-memory client.Ledger. Channels exist only in
// process memory; transactions confirm immediately. Two peers testing
// against each other use views of the same ledger.
type MockLedger struct {
	account types.Address
	st      *ledgerState
}

// NewMockLedger creates a mock ledger submitting transactions as the
// given account, with a fee of 10 drops.
func NewMockLedger(account types.Address) *MockLedger {
	return &MockLedger{
		account: account,
		st: &ledgerState{
			channels: make(map[wire.ChannelID]*wire.PaymentChannel),
			fee:      big.NewInt(10),
			failures: make(map[string]int),
		},
	}
}

// ForAccount returns a view of the same ledger that submits
// transactions as another account.
func (m *MockLedger) ForAccount(account types.Address) *MockLedger {
	return &MockLedger{account: account, st: m.st}
}

// SetFee sets the fee returned by Fee, in drops.
func (m *MockLedger) SetFee(fee *big.Int) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.fee = new(big.Int).Set(fee)
}

// SetChannel installs a hand-crafted channel, e.g. one with terms the
// engine must reject.
func (m *MockLedger) SetChannel(ch *wire.PaymentChannel) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.channels[ch.ID] = ch.Clone()
}

// DropChannel removes a channel, simulating its close on the ledger.
func (m *MockLedger) DropChannel(id wire.ChannelID) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	delete(m.st.channels, id)
}

// FailNext makes the next n calls of the named operation ("create",
// "fund", "claim", "query") fail with a transient error.
func (m *MockLedger) FailNext(op string, n int) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.failures[op] = n
}

// Creates returns how many create transactions were submitted.
func (m *MockLedger) Creates() int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.creates
}

// Funds returns how many fund transactions were submitted.
func (m *MockLedger) Funds() int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.funds
}

// Claims returns how many claim transactions were submitted.
func (m *MockLedger) Claims() int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.claims
}

func (s *ledgerState) failNow(op string) bool {
	if s.failures[op] > 0 {
		s.failures[op]--
		return true
	}
	return false
}

// Connect implements client.Ledger.
func (m *MockLedger) Connect(context.Context) error { return nil }

// Disconnect implements client.Ledger.
func (m *MockLedger) Disconnect(context.Context) error { return nil }

// PaymentChannel implements client.Ledger.
func (m *MockLedger) PaymentChannel(_ context.Context, id wire.ChannelID) (*wire.PaymentChannel, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.failNow("query") {
		return nil, errors.New("mock ledger: injected query failure")
	}
	ch, ok := m.st.channels[id]
	if !ok {
		return nil, errors.WithStack(client.ErrChannelNotFound)
	}
	return ch.Clone(), nil
}

// CreateChannel implements client.Ledger.
func (m *MockLedger) CreateChannel(_ context.Context, req client.CreateRequest) (client.CreateResult, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.failNow("create") {
		return client.CreateResult{}, errors.New("mock ledger: injected create failure")
	}
	m.st.creates++
	m.st.sequence++

	res := client.CreateResult{
		Account:     m.account,
		Destination: req.Destination,
		Sequence:    m.st.sequence,
	}
	id, err := client.ChannelIDOf(res)
	if err != nil {
		return client.CreateResult{}, err
	}
	m.st.channels[id] = &wire.PaymentChannel{
		ID:          id,
		Account:     m.account,
		Destination: req.Destination,
		Amount:      new(big.Int).Set(req.Amount),
		Balance:     new(big.Int),
		SettleDelay: req.SettleDelay,
		PublicKey:   req.PublicKey,
	}
	return res, nil
}

// FundChannel implements client.Ledger.
func (m *MockLedger) FundChannel(_ context.Context, id wire.ChannelID, amount *big.Int) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.failNow("fund") {
		return errors.New("mock ledger: injected fund failure")
	}
	ch, ok := m.st.channels[id]
	if !ok {
		return errors.WithStack(client.ErrChannelNotFound)
	}
	m.st.funds++
	ch.Amount.Add(ch.Amount, amount)
	return nil
}

// ClaimChannel implements client.Ledger.
func (m *MockLedger) ClaimChannel(_ context.Context, req client.ClaimRequest) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.failNow("claim") {
		return errors.New("mock ledger: injected claim failure")
	}
	ch, ok := m.st.channels[req.Channel]
	if !ok {
		return errors.WithStack(client.ErrChannelNotFound)
	}
	if req.Balance.Cmp(ch.Balance) < 0 {
		return errors.Errorf("mock ledger: claim balance %s below channel balance %s", req.Balance, ch.Balance)
	}
	if req.Balance.Cmp(ch.Amount) > 0 {
		return errors.Errorf("mock ledger: claim balance %s above channel amount %s", req.Balance, ch.Amount)
	}
	m.st.claims++
	ch.Balance.Set(req.Balance)
	return nil
}

// Fee implements client.Ledger.
func (m *MockLedger) Fee(context.Context) (*big.Int, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return new(big.Int).Set(m.st.fee), nil
}
