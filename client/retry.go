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

package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Retry runs op up to attempts times with a fixed delay between tries.
// ErrChannelNotFound and context cancellation are not retried; a query
// for a channel the ledger does not know will not start knowing it
// within the retry window. Exhaustion surfaces the last error wrapped
// as a connection-level failure.
func Retry(ctx context.Context, clk clock.Clock, attempts int, delay time.Duration, name string, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, ErrChannelNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s interrupted", name)
		case <-clk.After(delay):
		}
	}
	return errors.Wrapf(err, "%s failed after %d attempts", name, attempts)
}
