// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-upc-backend/channel"
	"perun.network/perun-upc-backend/promise"
	"perun.network/perun-upc-backend/store"
)

// DefaultCheckInterval is the period of the expiry watcher.
const DefaultCheckInterval = 30 * time.Second

// ExpiringSource lists the trigger-close promises of a channel that expire
// soon.
type ExpiringSource interface {
	ExpiringPromises(ctx context.Context, channelID uint64) ([]*promise.StatefulPromise, error)
}

// CloseFunc initiates the on-chain close of a channel because of the
// expiring promises.
type CloseFunc func(ctx context.Context, channelID uint64, expiring []*promise.StatefulPromise) error

// ExpiryWatcher periodically closes deployed channels holding trigger-close
// promises about to expire. Each channel is closed at most once.
type ExpiryWatcher struct {
	log.Embedding

	source     ExpiringSource
	channels   store.ChannelStore
	dispatcher *Dispatcher
	onClose    CloseFunc

	interval  time.Duration
	scheduler *gocron.Scheduler
}

// NewExpiryWatcher returns a watcher checking every interval. onClose may
// be nil.
func NewExpiryWatcher(source ExpiringSource, channels store.ChannelStore, d *Dispatcher, onClose CloseFunc, interval time.Duration) *ExpiryWatcher {
	return &ExpiryWatcher{
		Embedding:  log.MakeEmbedding(log.Default()),
		source:     source,
		channels:   channels,
		dispatcher: d,
		onClose:    onClose,
		interval:   interval,
		scheduler:  gocron.NewScheduler(time.UTC),
	}
}

// Check closes every deployed channel with expiring promises. It returns
// the ids of the channels it closed.
func (w *ExpiryWatcher) Check(ctx context.Context) ([]uint64, error) {
	chs, err := w.channels.GetChannelsByStatus(ctx, channel.StatusDeployed)
	if err != nil {
		return nil, errors.WithMessage(err, "listing deployed channels")
	}
	var closed []uint64
	for _, ch := range chs {
		expiring, err := w.source.ExpiringPromises(ctx, ch.ID)
		if err != nil {
			return closed, err
		}
		if len(expiring) == 0 {
			continue
		}
		fresh, err := w.dispatcher.CloseChannel(ctx, ch.ID)
		if err != nil {
			return closed, err
		}
		if !fresh {
			continue
		}
		w.Log().WithField("channel", ch.ID).Infof("Closing channel with %d expiring promises", len(expiring))
		closed = append(closed, ch.ID)
		if w.onClose != nil {
			if err := w.onClose(ctx, ch.ID, expiring); err != nil {
				return closed, errors.WithMessagef(err, "closing channel %d", ch.ID)
			}
		}
	}
	return closed, nil
}

// Start schedules Check every interval.
func (w *ExpiryWatcher) Start() error {
	_, err := w.scheduler.Every(w.interval).Do(func() {
		if _, err := w.Check(context.Background()); err != nil {
			w.Log().WithError(err).Error("Expiry check failed")
		}
	})
	if err != nil {
		return errors.WithMessage(err, "scheduling expiry check")
	}
	w.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler.
func (w *ExpiryWatcher) Stop() {
	w.scheduler.Stop()
}
