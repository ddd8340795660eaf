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

package store_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dsync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-xrp-paychan/store"
	"perun.network/perun-xrp-paychan/wire"
)

func newStore() (*store.Store, ds.Datastore) {
	d := dsync.MutexWrap(ds.NewMapDatastore())
	return store.New(d, "rPeerAddress"), d
}

func TestClaimDefaultsToZero(t *testing.T) {
	s, _ := newStore()
	claim, err := s.Claim(context.Background(), store.KeyIncomingClaim)
	require.NoError(t, err)
	require.Zero(t, claim.Amount.Sign())
	require.Empty(t, claim.Signature)
}

func TestSetClaimIfGreater(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	prev, ok, err := s.SetClaimIfGreater(ctx, store.KeyIncomingClaim,
		store.Claim{Amount: big.NewInt(100), Signature: "AA"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, prev.Amount.Sign())

	// Equal and lower amounts are rejected, the stored claim stays.
	for _, amount := range []int64{100, 50, 0} {
		prev, ok, err = s.SetClaimIfGreater(ctx, store.KeyIncomingClaim,
			store.Claim{Amount: big.NewInt(amount), Signature: "BB"})
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, big.NewInt(100), prev.Amount)
	}

	prev, ok, err = s.SetClaimIfGreater(ctx, store.KeyIncomingClaim,
		store.Claim{Amount: big.NewInt(250), Signature: "CC"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big.NewInt(100), prev.Amount)

	claim, err := s.Claim(ctx, store.KeyIncomingClaim)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(250), claim.Amount)
	require.Equal(t, "CC", claim.Signature)
}

func TestClaimSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, d := newStore()

	_, ok, err := s.SetClaimIfGreater(ctx, store.KeyOutgoingClaim,
		store.Claim{Amount: big.NewInt(77), Signature: "AB"})
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh store over the same datastore sees the claim.
	s2 := store.New(d, "rPeerAddress")
	claim, err := s2.Claim(ctx, store.KeyOutgoingClaim)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(77), claim.Amount)
	require.Equal(t, "AB", claim.Signature)

	// A different relationship on the same datastore does not.
	other := store.New(d, "rOtherPeer")
	claim, err = other.Claim(ctx, store.KeyOutgoingClaim)
	require.NoError(t, err)
	require.Zero(t, claim.Amount.Sign())
}

func TestChannelIDRoundTrip(t *testing.T) {
	rng := pkgtest.Prng(t)
	ctx := context.Background()
	s, _ := newStore()

	_, ok, err := s.ChannelID(ctx, store.KeyIncomingChannel)
	require.NoError(t, err)
	require.False(t, ok)

	var id wire.ChannelID
	rng.Read(id[:])
	require.NoError(t, s.PutChannelID(ctx, store.KeyIncomingChannel, id))

	got, ok, err := s.ChannelID(ctx, store.KeyIncomingChannel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestCreationRaceSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()

	const contenders = 16
	var wg sync.WaitGroup
	winners := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := s.BeginCreation(ctx, owner)
			if err != nil {
				t.Error(err)
				return
			}
			if won {
				winners <- owner
			}
		}()
	}
	wg.Wait()
	close(winners)

	require.Len(t, winners, 1)
	winner := <-winners

	// Only the winner may complete; everyone then reads the same id.
	var id wire.ChannelID
	id[0] = 1
	_, err := s.CompleteCreation(ctx, "owner-impostor", id)
	require.Error(t, err)

	st, err := s.CompleteCreation(ctx, winner, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCreated, st.Status)
	require.Equal(t, id.String(), st.Channel)

	stored, ok, err := s.ChannelID(ctx, store.KeyOutgoingChannel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, stored)
}

func TestAbortCreationReopensRace(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()

	_, won, err := s.BeginCreation(ctx, "first")
	require.NoError(t, err)
	require.True(t, won)

	// Nobody else may abort the owner's attempt.
	require.Error(t, s.AbortCreation(ctx, "second"))
	require.NoError(t, s.AbortCreation(ctx, "first"))

	_, won, err = s.BeginCreation(ctx, "second")
	require.NoError(t, err)
	require.True(t, won)
}

func TestCreationStateVisibleAcrossStores(t *testing.T) {
	ctx := context.Background()
	d := dsync.MutexWrap(ds.NewMapDatastore())
	a := store.New(d, "rPeerAddress")
	b := store.New(d, "rPeerAddress")

	_, won, err := a.BeginCreation(ctx, "proc-a")
	require.NoError(t, err)
	require.True(t, won)

	// The second process observes the in-flight creation and loses.
	_, won, err = b.BeginCreation(ctx, "proc-b")
	require.NoError(t, err)
	require.False(t, won)
	st, err := b.CreationState(ctx)
	require.NoError(t, err)
	require.Equal(t, store.StatusCreating, st.Status)

	// Once the winner completes, the loser's next poll must see the
	// channel id even though it read the CREATING entry before.
	var id wire.ChannelID
	id[0] = 3
	_, err = a.CompleteCreation(ctx, "proc-a", id)
	require.NoError(t, err)

	st, err = b.CreationState(ctx)
	require.NoError(t, err)
	require.Equal(t, store.StatusCreated, st.Status)
	require.Equal(t, id.String(), st.Channel)
}

func TestCompleteCreationIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()

	_, won, err := s.BeginCreation(ctx, "owner")
	require.NoError(t, err)
	require.True(t, won)

	var id wire.ChannelID
	id[0] = 2
	_, err = s.CompleteCreation(ctx, "owner", id)
	require.NoError(t, err)

	// A replay after completion is harmless.
	st, err := s.CompleteCreation(ctx, "owner", id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCreated, st.Status)
}
