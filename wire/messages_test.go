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

package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-xrp-paychan/wire"
)

func TestInfoRoundTrip(t *testing.T) {
	msg, err := wire.InfoResponse(9)
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolInfo, msg.Protocol)
	require.JSONEq(t, `{"currencyScale":9}`, string(msg.Data))

	info, err := wire.ParseInfo(msg.Data)
	require.NoError(t, err)
	require.EqualValues(t, 9, info.CurrencyScale)
}

func TestChannelIDMessage(t *testing.T) {
	rng := pkgtest.Prng(t)
	var id wire.ChannelID
	rng.Read(id[:])

	msg := wire.ChannelIDMessage(id)
	got, ok, err := wire.ParseChannelIDMessage(msg)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	// A zero id signals "no channel yet" with an empty payload.
	empty := wire.ChannelIDMessage(wire.ChannelID{})
	require.Empty(t, empty.Data)
	_, ok, err = wire.ParseChannelIDMessage(empty)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = wire.ParseChannelIDMessage(wire.Message{Protocol: wire.ProtocolInfo})
	require.Error(t, err)
}

func TestClaimPayloadRoundTrip(t *testing.T) {
	payload := wire.ClaimPayload{Amount: "12345", Signature: "AB01"}
	data, err := wire.EncodeClaimPayload(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":"12345","signature":"AB01"}`, string(data))

	got, err := wire.ParseClaimPayload(data)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
