// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package event

import (
	"math/big"
	"sync"

	"perun.network/go-perun/log"

	"perun.network/perun-xrp-paychan/wire"
)

type EventType int

const (
	EventTypeConnected   EventType = iota
	EventTypeChannelClose           // incoming channel closing, relationship torn down
	EventTypeFunded                 // outgoing channel capacity increased
	EventTypeClaimCashed            // best incoming claim realized on ledger
)

type (
	// PaychanEvent is a cross-cutting notification from the settlement
	// engine to the upward caller.
	PaychanEvent interface {
		GetType() EventType
	}

	ConnectedEvent struct{}

	ChannelCloseEvent struct {
		Channel wire.ChannelID
	}

	FundedEvent struct {
		Channel wire.ChannelID
		Amount  *big.Int // added capacity in drops
	}

	ClaimCashedEvent struct {
		Channel wire.ChannelID
		Amount  *big.Int // cumulative cashed amount in drops
	}
)

func (ConnectedEvent) GetType() EventType    { return EventTypeConnected }
func (ChannelCloseEvent) GetType() EventType { return EventTypeChannelClose }
func (FundedEvent) GetType() EventType       { return EventTypeFunded }
func (ClaimCashedEvent) GetType() EventType  { return EventTypeClaimCashed }

// Subscriber receives engine events.
type Subscriber func(PaychanEvent)

// Bus dispatches engine events to explicitly registered subscribers.
// Dispatch is best-effort and asynchronous so a failing observer can
// never stall settlement.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
	log  log.Embedding
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{log: log.MakeEmbedding(log.Default())}
}

// Subscribe registers a subscriber. Subscribers cannot be removed; the
// bus lives as long as the relationship.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish delivers the event to all subscribers without blocking the
// caller. A panicking subscriber is logged and ignored.
func (b *Bus) Publish(e PaychanEvent) {
	b.mu.RLock()
	subs := append([]Subscriber{}, b.subs...)
	b.mu.RUnlock()

	go func() {
		for _, s := range subs {
			b.deliver(s, e)
		}
	}()
}

func (b *Bus) deliver(s Subscriber, e PaychanEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Log().Warnf("event subscriber panicked: %v", r)
		}
	}()
	s(e)
}
