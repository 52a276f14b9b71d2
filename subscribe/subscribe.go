// Package subscribe registers an email for price-drop alerts on a listing.
package subscribe

import (
	"context"
	"log/slog"
	"time"

	"pricedrop-notifier/pkg/tracker"
	"pricedrop-notifier/storage"
)

// Fetcher loads the current title and price of a listing.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*tracker.Listing, error)
}

// Store is the part of the tracked-item store the orchestrator needs.
type Store interface {
	Get(ctx context.Context, url string) (*tracker.TrackedItem, error)
	CreateIfAbsent(ctx context.Context, item *tracker.TrackedItem) (bool, error)
	AppendSubscriber(ctx context.Context, url, email string) (bool, error)
}

// Channels is the part of the notification channel service the orchestrator needs.
type Channels interface {
	Create(ctx context.Context, label string) (string, error)
	AddEndpoint(ctx context.Context, id, email string) (bool, error)
	Confirm(ctx context.Context, id, email string) error
	Subscribe(ctx context.Context, id, email string) error
	Delete(ctx context.Context, id string) error
}

// Orchestrator handles subscribe requests.
type Orchestrator struct {
	fetcher     Fetcher
	store       Store
	channels    Channels
	logger      *slog.Logger
	now         func() time.Time
	callTimeout time.Duration
}

// New creates an orchestrator. Every collaborator call is bounded by callTimeout.
func New(fetcher Fetcher, store Store, channels Channels, logger *slog.Logger, callTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		fetcher:     fetcher,
		store:       store,
		channels:    channels,
		logger:      logger,
		now:         time.Now,
		callTimeout: callTimeout,
	}
}

func (o *Orchestrator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.callTimeout)
}

// Subscribe starts tracking url for email. It reports whether the listing was
// newly tracked, gained a subscriber, or already had this one. Failures are
// *tracker.Error values of kind fetch_failed, store_failed or channel_failed.
func (o *Orchestrator) Subscribe(ctx context.Context, url, email string) (tracker.Status, error) {
	start := time.Now()
	email = tracker.NormalizeEmail(email)

	status, err := o.subscribe(ctx, url, email)

	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(string(tracker.KindOf(err))).Inc()
		o.logger.Warn("Subscribe failed", "url", url, "email", email, "kind", tracker.KindOf(err), "error", err)
		return "", err
	}
	requestsTotal.WithLabelValues(string(status)).Inc()
	o.logger.Info("Subscribe completed",
		"url", url,
		"email", email,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds())
	return status, nil
}

func (o *Orchestrator) subscribe(ctx context.Context, url, email string) (tracker.Status, error) {
	fctx, cancel := o.call(ctx)
	listing, err := o.fetcher.Fetch(fctx, url)
	cancel()
	if err != nil {
		return "", tracker.FetchFailed(url, err)
	}

	item, err := o.get(ctx, url)
	if err != nil {
		if !storage.IsNotFound(err) {
			return "", tracker.StoreFailed("lookup", url, err)
		}
		return o.create(ctx, url, email, listing)
	}
	return o.join(ctx, item, email)
}

func (o *Orchestrator) get(ctx context.Context, url string) (*tracker.TrackedItem, error) {
	sctx, cancel := o.call(ctx)
	defer cancel()
	return o.store.Get(sctx, url)
}

// join adds email to an item that already exists.
func (o *Orchestrator) join(ctx context.Context, item *tracker.TrackedItem, email string) (tracker.Status, error) {
	if item.HasSubscriber(email) {
		if err := o.subscribeChannel(ctx, item.ChannelID, email); err != nil {
			return "", tracker.ChannelFailed("subscribe", item.URL, err)
		}
		return tracker.StatusResubscribed, nil
	}

	sctx, cancel := o.call(ctx)
	_, err := o.store.AppendSubscriber(sctx, item.URL, email)
	cancel()
	if err != nil {
		return "", tracker.StoreFailed("append", item.URL, err)
	}

	if err := o.subscribeChannel(ctx, item.ChannelID, email); err != nil {
		return "", tracker.ChannelFailed("subscribe", item.URL, err)
	}
	return tracker.StatusUpdated, nil
}

// create tracks a listing seen for the first time. The endpoint is registered
// before the item is written and confirmed only after, so a request that loses
// the creation race joins the winner's item with a single confirmation.
func (o *Orchestrator) create(ctx context.Context, url, email string, listing *tracker.Listing) (tracker.Status, error) {
	cctx, cancel := o.call(ctx)
	channelID, err := o.channels.Create(cctx, listing.Title)
	cancel()
	if err != nil {
		return "", tracker.ChannelFailed("create_channel", url, err)
	}

	cctx, cancel = o.call(ctx)
	_, err = o.channels.AddEndpoint(cctx, channelID, email)
	cancel()
	if err != nil {
		o.discardChannel(ctx, url, channelID)
		return "", tracker.ChannelFailed("subscribe", url, err)
	}

	item := tracker.NewTrackedItem(url, listing, email, channelID, o.now().UTC())
	sctx, cancel := o.call(ctx)
	created, err := o.store.CreateIfAbsent(sctx, item)
	cancel()
	if err != nil {
		// The write may have landed; the channel stays so the item can't point at nothing.
		o.logger.Error("Item creation failed after channel creation",
			"url", url, "channel_id", channelID, "error", err)
		return "", tracker.StoreFailed("create", url, err)
	}

	if !created {
		winner, err := o.get(ctx, url)
		if err != nil {
			return "", tracker.StoreFailed("lookup", url, err)
		}
		if winner.ChannelID != channelID {
			orphanedChannels.Inc()
			o.logger.Warn("Lost item creation race, discarding orphaned channel",
				"url", url, "channel_id", channelID, "winner_channel_id", winner.ChannelID)
			o.discardChannel(ctx, url, channelID)
			return o.join(ctx, winner, email)
		}
		// A retried conditional write found our own first attempt.
		o.logger.Info("Item already written by this request", "url", url, "channel_id", channelID)
	}

	cctx, cancel = o.call(ctx)
	err = o.channels.Confirm(cctx, channelID, email)
	cancel()
	if err != nil {
		return "", tracker.ChannelFailed("subscribe", url, err)
	}
	return tracker.StatusCreated, nil
}

func (o *Orchestrator) subscribeChannel(ctx context.Context, channelID, email string) error {
	cctx, cancel := o.call(ctx)
	defer cancel()
	return o.channels.Subscribe(cctx, channelID, email)
}

// discardChannel deletes a channel no item refers to. Failure leaves it for reconcile.
func (o *Orchestrator) discardChannel(ctx context.Context, url, channelID string) {
	cctx, cancel := o.call(ctx)
	defer cancel()
	if err := o.channels.Delete(cctx, channelID); err != nil {
		o.logger.Warn("Failed to delete orphaned channel", "url", url, "channel_id", channelID, "error", err)
	}
}
