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

package event_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-xrp-paychan/event"
	"perun.network/perun-xrp-paychan/wire"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	rng := pkgtest.Prng(t)
	bus := event.NewBus()

	got := make(chan event.PaychanEvent, 2)
	bus.Subscribe(func(e event.PaychanEvent) { got <- e })
	bus.Subscribe(func(e event.PaychanEvent) { got <- e })

	var id wire.ChannelID
	rng.Read(id[:])
	bus.Publish(event.FundedEvent{Channel: id, Amount: big.NewInt(5)})

	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			require.Equal(t, event.EventTypeFunded, e.GetType())
			require.Equal(t, id, e.(event.FundedEvent).Channel)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := event.NewBus()

	got := make(chan event.PaychanEvent, 1)
	bus.Subscribe(func(event.PaychanEvent) { panic("observer bug") })
	bus.Subscribe(func(e event.PaychanEvent) { got <- e })

	bus.Publish(event.ConnectedEvent{})
	select {
	case e := <-got:
		require.Equal(t, event.EventTypeConnected, e.GetType())
	case <-time.After(time.Second):
		t.Fatal("event not delivered past panicking subscriber")
	}
}
