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
	"encoding/json"

	"github.com/pkg/errors"
)

// Subprotocol names of the peer negotiation exchange. They are part of
// the protocol and must not change.
const (
	ProtocolInfo      = "info"
	ProtocolChannelID = "ripple_channel_id"
	ProtocolClaim     = "claim"
)

// Message is a typed request or response carried by the transport
// collaborator. Data holds the subprotocol payload; an empty Data in a
// ProtocolChannelID response means "not yet available".
type Message struct {
	Protocol string
	Data     []byte
}

// Info is the payload of the info subprotocol. Peers exchange it to
// ensure both sides interpret amounts at the same decimal scale.
type Info struct {
	CurrencyScale uint8 `json:"currencyScale"`
}

// ClaimPayload carries a signed claim in a transfer. Amount is the
// cumulative amount in the sender's local scale as a decimal string;
// Signature is upper-case hex.
type ClaimPayload struct {
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// InfoRequest builds an info subprotocol request.
func InfoRequest() Message {
	return Message{Protocol: ProtocolInfo}
}

// InfoResponse builds an info subprotocol response for the given scale.
func InfoResponse(scale uint8) (Message, error) {
	data, err := json.Marshal(Info{CurrencyScale: scale})
	if err != nil {
		return Message{}, errors.Wrap(err, "encoding info payload")
	}
	return Message{Protocol: ProtocolInfo, Data: data}, nil
}

// ParseInfo decodes an info payload.
func ParseInfo(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, errors.Wrap(err, "decoding info payload")
	}
	return info, nil
}

// ChannelIDMessage builds a channel id request or response. The id may
// be zero when the sender has not created its outgoing channel yet.
func ChannelIDMessage(id ChannelID) Message {
	if id.IsZero() {
		return Message{Protocol: ProtocolChannelID}
	}
	return Message{Protocol: ProtocolChannelID, Data: []byte(id.String())}
}

// ParseChannelIDMessage extracts the channel id from a channel id
// message. ok is false if the sender reported no channel.
func ParseChannelIDMessage(msg Message) (id ChannelID, ok bool, err error) {
	if msg.Protocol != ProtocolChannelID {
		return ChannelID{}, false, errors.Errorf("expected %s response, got %s", ProtocolChannelID, msg.Protocol)
	}
	if len(msg.Data) == 0 {
		return ChannelID{}, false, nil
	}
	id, err = ChannelIDFromHex(string(msg.Data))
	if err != nil {
		return ChannelID{}, false, err
	}
	return id, true, nil
}

// EncodeClaimPayload encodes a claim payload for a transfer.
func EncodeClaimPayload(c ClaimPayload) ([]byte, error) {
	data, err := json.Marshal(c)
	return data, errors.Wrap(err, "encoding claim payload")
}

// ParseClaimPayload decodes a claim payload from a transfer.
func ParseClaimPayload(data []byte) (ClaimPayload, error) {
	var c ClaimPayload
	if err := json.Unmarshal(data, &c); err != nil {
		return ClaimPayload{}, errors.Wrap(err, "decoding claim payload")
	}
	return c, nil
}
