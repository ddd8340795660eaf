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

// Package store persists the channel records of one relationship in
// the external key-value collaborator. Every mutation that affects
// money goes through a compare-and-set on a totally ordered value and
// is written to the datastore before it is acknowledged, so a crash
// never loses a claim already confirmed to a caller.
package store

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/wire"
)

// Persisted keys of one relationship.
const (
	KeyIncomingChannel = "incoming_channel"
	KeyOutgoingChannel = "outgoing_channel"
	KeyIncomingClaim   = "incoming_claim"
	KeyOutgoingClaim   = "outgoing_claim"
	keyCreationState   = "channel_creation_state"
)

// CreationStatus is the state of the outgoing channel creation race.
type CreationStatus uint8

const (
	StatusNone CreationStatus = iota
	StatusCreating
	StatusCreated
)

// CreationState resolves which local process creates the one outgoing
// channel of a relationship. Transitions are monotone:
// NONE -> CREATING(owner) -> CREATED(channel).
type CreationState struct {
	Status  CreationStatus `json:"status"`
	Owner   string         `json:"owner,omitempty"`
	Channel string         `json:"channelId,omitempty"`
}

// Claim is the best-known claim of one direction. Amount is in the
// local scale; Signature is upper-case hex, empty for the zero claim.
type Claim struct {
	Amount    *big.Int
	Signature string
}

type claimRecord struct {
	Amount    string `json:"amount"`
	Signature string `json:"signature,omitempty"`
}

// ZeroClaim is the claim of a direction nothing has been sent on yet.
func ZeroClaim() Claim {
	return Claim{Amount: new(big.Int)}
}

// Store is a write-through cached view of one relationship's records.
type Store struct {
	mu    sync.Mutex
	ds    ds.Datastore
	cache map[string][]byte
}

// New creates a store for one relationship, namespaced under the
// peer's address so several relationships can share a datastore.
func New(d ds.Datastore, relationship string) *Store {
	return &Store{
		ds:    namespace.Wrap(d, ds.NewKey("/paychan/"+relationship)),
		cache: make(map[string][]byte),
	}
}

// Get returns the value stored under key, consulting the cache first.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, key)
}

// Put persists the value under key before caching it.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, key, value)
}

// Delete removes the value stored under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ds.Delete(ctx, ds.NewKey(key)); err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	delete(s.cache, key)
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := s.cache[key]; ok {
		return v, true, nil
	}
	v, err := s.ds.Get(ctx, ds.NewKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "loading %s", key)
	}
	s.cache[key] = v
	return v, true, nil
}

// getFresh reads key from the datastore, bypassing the cache. Records
// that other processes of the same party write concurrently must be
// read this way or a stale cache entry would hide their updates.
func (s *Store) getFresh(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.ds.Get(ctx, ds.NewKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "loading %s", key)
	}
	s.cache[key] = v
	return v, true, nil
}

func (s *Store) put(ctx context.Context, key string, value []byte) error {
	if err := s.ds.Put(ctx, ds.NewKey(key), value); err != nil {
		return errors.Wrapf(err, "persisting %s", key)
	}
	s.cache[key] = value
	return nil
}

// ChannelID returns the channel id stored under key, if any.
func (s *Store) ChannelID(ctx context.Context, key string) (wire.ChannelID, bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return wire.ChannelID{}, false, err
	}
	id, err := wire.ChannelIDFromHex(string(v))
	if err != nil {
		return wire.ChannelID{}, false, errors.Wrapf(err, "stored %s", key)
	}
	return id, true, nil
}

// PutChannelID stores a discovered channel id under key.
func (s *Store) PutChannelID(ctx context.Context, key string, id wire.ChannelID) error {
	return s.Put(ctx, key, []byte(id.String()))
}

// Claim returns the best-known claim stored under key, or the zero
// claim if none was stored yet.
func (s *Store) Claim(ctx context.Context, key string) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claim(ctx, key)
}

func (s *Store) claim(ctx context.Context, key string) (Claim, error) {
	v, ok, err := s.get(ctx, key)
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		return ZeroClaim(), nil
	}
	var rec claimRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return Claim{}, errors.Wrapf(err, "decoding stored %s", key)
	}
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return Claim{}, errors.Errorf("stored %s has invalid amount %q", key, rec.Amount)
	}
	return Claim{Amount: amount, Signature: rec.Signature}, nil
}

// SetClaimIfGreater stores the candidate claim iff its amount strictly
// exceeds the stored one. It returns the previously stored claim and
// whether the candidate won. Acceptance is monotone and idempotent,
// which makes concurrent claim processing safe: replays and reordered
// claims converge to the same stored maximum.
func (s *Store) SetClaimIfGreater(ctx context.Context, key string, candidate Claim) (Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.claim(ctx, key)
	if err != nil {
		return Claim{}, false, err
	}
	if candidate.Amount.Cmp(stored.Amount) <= 0 {
		return stored, false, nil
	}
	data, err := json.Marshal(claimRecord{
		Amount:    candidate.Amount.String(),
		Signature: candidate.Signature,
	})
	if err != nil {
		return Claim{}, false, errors.Wrap(err, "encoding claim")
	}
	if err := s.put(ctx, key, data); err != nil {
		return Claim{}, false, err
	}
	return stored, true, nil
}

// CreationState returns the stored creation state of the outgoing
// channel.
func (s *Store) CreationState(ctx context.Context) (CreationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creationState(ctx)
}

func (s *Store) creationState(ctx context.Context) (CreationState, error) {
	// The creation race is decided across processes; a loser polling a
	// cached CREATING entry would never see the winner finish.
	v, ok, err := s.getFresh(ctx, keyCreationState)
	if err != nil {
		return CreationState{}, err
	}
	if !ok {
		return CreationState{Status: StatusNone}, nil
	}
	var st CreationState
	if err := json.Unmarshal(v, &st); err != nil {
		return CreationState{}, errors.Wrap(err, "decoding creation state")
	}
	return st, nil
}

// BeginCreation attempts the NONE -> CREATING transition under the
// given owner token. It returns the state stored after the call and
// whether this caller won the right to create the channel. A caller
// that loses must poll until the state becomes CREATED.
func (s *Store) BeginCreation(ctx context.Context, owner string) (CreationState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.creationState(ctx)
	if err != nil {
		return CreationState{}, false, err
	}
	if st.Status != StatusNone {
		return st, false, nil
	}
	next := CreationState{Status: StatusCreating, Owner: owner}
	if err := s.putCreationState(ctx, next); err != nil {
		return CreationState{}, false, err
	}
	return next, true, nil
}

// CompleteCreation records the CREATING -> CREATED transition. Only
// the owner that won BeginCreation may complete it. The channel id is
// also stored under KeyOutgoingChannel.
func (s *Store) CompleteCreation(ctx context.Context, owner string, id wire.ChannelID) (CreationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.creationState(ctx)
	if err != nil {
		return CreationState{}, err
	}
	switch {
	case st.Status == StatusCreated:
		return st, nil
	case st.Status != StatusCreating || st.Owner != owner:
		return CreationState{}, errors.Errorf("creation not owned by %s", owner)
	}
	next := CreationState{Status: StatusCreated, Channel: id.String()}
	if err := s.putCreationState(ctx, next); err != nil {
		return CreationState{}, err
	}
	if err := s.put(ctx, KeyOutgoingChannel, []byte(id.String())); err != nil {
		return CreationState{}, err
	}
	return next, nil
}

// AbortCreation rolls a failed CREATING transition back to NONE so a
// later attempt can retry. Only the owning creator may abort.
func (s *Store) AbortCreation(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.creationState(ctx)
	if err != nil {
		return err
	}
	if st.Status != StatusCreating || st.Owner != owner {
		return errors.Errorf("creation not owned by %s", owner)
	}
	return s.putCreationState(ctx, CreationState{Status: StatusNone})
}

func (s *Store) putCreationState(ctx context.Context, st CreationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encoding creation state")
	}
	return s.put(ctx, keyCreationState, data)
}
