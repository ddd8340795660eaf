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

package wire

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// ClaimHashPrefix is the 4-byte magic prepended to every signed claim
// message. Both peers must produce the exact same bytes for a given
// channel and amount or signature verification fails.
const ClaimHashPrefix = "CLM\x00"

// channelKeyletPrefix is the ledger's hash prefix for payment channel
// identifiers.
const channelKeyletPrefix = "\x00\x00\x00x"

// ChannelIDLen is the length of a raw channel identifier in bytes.
const ChannelIDLen = 32

// ClaimMessageLen is the length of an encoded claim message:
// 4-byte prefix, 32-byte channel id, 8-byte big-endian amount.
const ClaimMessageLen = 4 + ChannelIDLen + 8

// ChannelID is the ledger-assigned identifier of a payment channel. It
// is carried as upper-case hex on the wire and in the store.
type ChannelID [ChannelIDLen]byte

// String returns the wire form of the channel id.
func (id ChannelID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// IsZero reports whether the channel id is unset.
func (id ChannelID) IsZero() bool {
	return id == ChannelID{}
}

// ChannelIDFromHex parses a channel id from its wire hex form.
func ChannelIDFromHex(s string) (ChannelID, error) {
	var id ChannelID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "decoding channel id")
	}
	if len(b) != ChannelIDLen {
		return id, errors.Errorf("channel id must be %d bytes, got %d", ChannelIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// EncodeClaim encodes the message that is signed to attest a cumulative
// channel balance of drops on the given channel. The layout is
// ClaimHashPrefix || channel id || 8-byte big-endian amount.
func EncodeClaim(id ChannelID, drops uint64) []byte {
	msg := make([]byte, ClaimMessageLen)
	copy(msg, ClaimHashPrefix)
	copy(msg[4:], id[:])
	binary.BigEndian.PutUint64(msg[4+ChannelIDLen:], drops)
	return msg
}

// ComputeChannelID derives the identifier the ledger assigns to a
// payment channel created by src towards dst with the given account
// sequence number: the first half of the SHA-512 over the channel
// keylet prefix, both raw account ids and the big-endian sequence.
func ComputeChannelID(src, dst [20]byte, sequence uint32) ChannelID {
	preimage := make([]byte, 0, 4+20+20+4)
	preimage = append(preimage, channelKeyletPrefix...)
	preimage = append(preimage, src[:]...)
	preimage = append(preimage, dst[:]...)
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], sequence)
	preimage = append(preimage, seq[:]...)

	sum := sha512.Sum512(preimage)
	var id ChannelID
	copy(id[:], sum[:ChannelIDLen])
	return id
}
