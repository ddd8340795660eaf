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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-xrp-paychan/wire"
)

// DefaultWatchInterval is how often the watcher polls the ledger for
// the state of watched channels.
const DefaultWatchInterval = time.Duration(60) * time.Second

// Watcher polls the ledger for watched channels and notifies when a
// channel is closing or gone. A closing incoming channel can no longer
// be trusted for further unsecured credit, so the notification should
// tear the relationship down.
type Watcher struct {
	ledger   Ledger
	clk      clock.Clock
	interval time.Duration
	closer   *pkgsync.Closer
	log      log.Embedding

	mu      sync.Mutex
	watched map[wire.ChannelID]func()
	started bool
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(ledger Ledger, clk clock.Clock, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watcher{
		ledger:   ledger,
		clk:      clk,
		interval: interval,
		closer:   new(pkgsync.Closer),
		watched:  make(map[wire.ChannelID]func()),
		log:      log.MakeEmbedding(log.Default()),
	}
}

// Watch registers a channel. onClose is called exactly once, when the
// channel has an expiration set or no longer exists on the ledger.
func (w *Watcher) Watch(id wire.ChannelID, onClose func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[id] = onClose
	if !w.started {
		w.started = true
		go w.run()
	}
}

// Unwatch removes a channel from the watch set.
func (w *Watcher) Unwatch(id wire.ChannelID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, id)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.closer.IsClosed() {
		return nil
	}
	return w.closer.Close()
}

func (w *Watcher) run() {
	ticker := w.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closer.Closed():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.mu.Lock()
	ids := make([]wire.ChannelID, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), w.interval)
		chann, err := w.ledger.PaymentChannel(ctx, id)
		cancel()

		closing := false
		switch {
		case errors.Is(err, ErrChannelNotFound):
			w.log.Log().Warnf("watched channel %s no longer exists", id)
			closing = true
		case err != nil:
			w.log.Log().Debugf("polling channel %s: %v", id, err)
			continue
		case chann.Expiration != nil:
			w.log.Log().Warnf("watched channel %s has a pending expiration", id)
			closing = true
		}
		if !closing {
			continue
		}

		w.mu.Lock()
		onClose := w.watched[id]
		delete(w.watched, id)
		w.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	}
}
