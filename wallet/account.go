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

package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/wallet/types"
)

// keyNamespace separates the claim-signing keys of this protocol from
// any other use of the long-term secret.
const keyNamespace = "paychan-channel-keys"

// pubKeyPrefix marks an ed25519 public key in its ledger hex form.
const pubKeyPrefix = "ED"

// Account holds the claim-signing keypair of one relationship. It is
// derived deterministically and never persisted.
type Account struct {
	privateKey ed25519.PrivateKey
	peer       types.Address
}

// DeriveAccount derives the relationship keypair from the long-term
// secret and the peer's address. The same inputs always yield the same
// keypair, so the account is reproducible without storage.
func DeriveAccount(secret string, peer types.Address) *Account {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(keyNamespace + peer.String()))
	seed := mac.Sum(nil)
	return &Account{
		privateKey: ed25519.NewKeyFromSeed(seed),
		peer:       peer,
	}
}

// Peer returns the address this account's keypair is bound to.
func (a *Account) Peer() types.Address {
	return a.peer
}

// SignClaim signs an encoded claim message.
func (a *Account) SignClaim(msg []byte) []byte {
	return ed25519.Sign(a.privateKey, msg)
}

// PublicKey returns the raw claim-signing public key.
func (a *Account) PublicKey() ed25519.PublicKey {
	return a.privateKey.Public().(ed25519.PublicKey)
}

// PublicKeyHex returns the public key in its ledger wire form,
// "ED"-prefixed upper-case hex.
func (a *Account) PublicKeyHex() string {
	return pubKeyPrefix + strings.ToUpper(hex.EncodeToString(a.PublicKey()))
}

// VerifyClaim reports whether sig is a valid signature over msg by pub.
// Malformed input is a verification failure, never a panic.
func VerifyClaim(msg, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// PublicKeyFromHex parses a claim-signing public key from its ledger
// wire form.
func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(strings.ToUpper(s), pubKeyPrefix) {
		return nil, errors.Errorf("public key %q lacks %s prefix", s, pubKeyPrefix)
	}
	b, err := hex.DecodeString(s[len(pubKeyPrefix):])
	if err != nil {
		return nil, errors.Wrap(err, "decoding public key")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// SignatureToHex renders a signature in its wire form, upper-case hex.
func SignatureToHex(sig []byte) string {
	return strings.ToUpper(hex.EncodeToString(sig))
}

// SignatureFromHex parses a wire-form signature.
func SignatureFromHex(s string) ([]byte, error) {
	sig, err := hex.DecodeString(s)
	return sig, errors.Wrap(err, "decoding signature")
}
