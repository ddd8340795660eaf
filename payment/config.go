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

package payment

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"perun.network/perun-xrp-paychan/channel"
	"perun.network/perun-xrp-paychan/client"
	"perun.network/perun-xrp-paychan/currency"
	"perun.network/perun-xrp-paychan/wallet/types"
)

// Duration is a time.Duration that decodes from TOML strings like
// "90s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	*d = Duration(v)
	return err
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the parameters of one payment-channel relationship.
type Config struct {
	// Secret is the long-term ledger secret; the claim-signing keypair
	// is derived from it per peer.
	Secret string `toml:"secret"`
	// Address is this process's own ledger address.
	Address string `toml:"address"`
	// PeerAddress is the counterparty's ledger address.
	PeerAddress string `toml:"peer_address"`

	// CurrencyScale is the number of decimal digits of local amounts.
	CurrencyScale uint8 `toml:"currency_scale"`
	// MaxFeePercent is the highest acceptable fee/income ratio when
	// cashing a claim.
	MaxFeePercent float64 `toml:"max_fee_percent"`
	// FundThreshold is the capacity fraction at which the outgoing
	// channel is topped up.
	FundThreshold float64 `toml:"fund_threshold"`
	// ChannelAmount is the initial outgoing channel capacity in drops.
	ChannelAmount int64 `toml:"channel_amount_drops"`
	// SettleDelay is the settle delay of the outgoing channel in
	// seconds.
	SettleDelay uint32 `toml:"settle_delay_seconds"`
	// MinSettleDelay is the lowest settle delay accepted on the
	// incoming channel, in seconds.
	MinSettleDelay uint32 `toml:"min_settle_delay_seconds"`

	ClaimInterval Duration `toml:"claim_interval"`
	PollInterval  Duration `toml:"poll_interval"`
	WatchInterval Duration `toml:"watch_interval"`
	RetryDelay    Duration `toml:"retry_delay"`
	RetryAttempts int      `toml:"retry_attempts"`
	MaxPollIters  int      `toml:"max_poll_iterations"`
}

// DefaultConfig returns a config with every tunable at its default.
// Secret and addresses must still be filled in.
func DefaultConfig() Config {
	return Config{
		CurrencyScale:  currency.DropScale,
		MaxFeePercent:  0.01,
		FundThreshold:  0.5,
		ChannelAmount:  1_000_000, // one unit of the settled asset
		SettleDelay:    channel.MinSettleDelay,
		MinSettleDelay: channel.MinSettleDelay,
		ClaimInterval:  Duration(channel.DefaultClaimInterval),
		PollInterval:   Duration(channel.DefaultPollInterval),
		WatchInterval:  Duration(client.DefaultWatchInterval),
		RetryDelay:     Duration(2 * time.Second),
		RetryAttempts:  5,
		MaxPollIters:   channel.MaxPollIterationsUntilAbort,
	}
}

// Validate checks the config for use with New.
func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret must be set")
	}
	if !types.Address(c.Address).Valid() {
		return errors.Errorf("invalid own address %q", c.Address)
	}
	if !types.Address(c.PeerAddress).Valid() {
		return errors.Errorf("invalid peer address %q", c.PeerAddress)
	}
	if c.Address == c.PeerAddress {
		return errors.New("own and peer address must differ")
	}
	if c.CurrencyScale > currency.MaxScale {
		return errors.Errorf("currency scale %d exceeds maximum %d", c.CurrencyScale, currency.MaxScale)
	}
	if c.MaxFeePercent <= 0 || c.MaxFeePercent > 1 {
		return errors.Errorf("max fee percent %v must be in (0, 1]", c.MaxFeePercent)
	}
	if c.FundThreshold <= 0 || c.FundThreshold > 1 {
		return errors.Errorf("fund threshold %v must be in (0, 1]", c.FundThreshold)
	}
	if c.ChannelAmount <= 0 {
		return errors.New("channel amount must be positive")
	}
	return nil
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "loading config %s", path)
	}
	return cfg, cfg.Validate()
}
