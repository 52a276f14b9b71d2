// Package poll handles scanning tracked listings for price drops.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pricedrop-notifier/pkg/tracker"
	"pricedrop-notifier/storage"
)

// AlertSubject is the subject of every price-drop message.
const AlertSubject = "Price Drop alert!"

// Fetcher loads the current title and price of a listing.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*tracker.Listing, error)
}

// Store is the part of the tracked-item store the monitor needs.
type Store interface {
	ListAll(ctx context.Context) ([]*tracker.TrackedItem, error)
	UpdateLowestPrice(ctx context.Context, url string, price decimal.Decimal, at time.Time) (bool, error)
}

// Publisher sends a message to every subscriber of a channel.
type Publisher interface {
	Publish(ctx context.Context, channelID, subject, body string) (string, error)
}

// Monitor handles price scans.
type Monitor struct {
	fetcher     Fetcher
	store       Store
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time
	workers     int
	callTimeout time.Duration
}

// New creates a new price monitor that evaluates up to workers items at once.
func New(fetcher Fetcher, store Store, publisher Publisher, logger *slog.Logger, workers int, callTimeout time.Duration) *Monitor {
	if workers < 1 {
		workers = 1
	}
	return &Monitor{
		fetcher:     fetcher,
		store:       store,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
		workers:     workers,
		callTimeout: callTimeout,
	}
}

// AlertBody renders the price-drop message for an item.
func AlertBody(title string, current, lowest decimal.Decimal, url string) string {
	return fmt.Sprintf("Price drop on %s: Now is US $%s. The last lowest price was US $%s. Check now %s.",
		title, current.StringFixed(2), lowest.StringFixed(2), url)
}

// Scan evaluates every tracked item once. Item failures, including records
// that cannot be decoded, are reported in the summary and never fail the scan.
// Listing the items is the only failure that aborts it. If ctx is cancelled
// mid-scan, items not yet started are left out of the summary and the context
// error is returned with it.
func (m *Monitor) Scan(ctx context.Context) (*tracker.ScanSummary, error) {
	start := m.now()
	summary := &tracker.ScanSummary{StartedAt: start.UTC()}

	items, err := m.store.ListAll(ctx)
	unreadable, partial := storage.UnreadableKeys(err)
	if err != nil && !partial {
		return nil, tracker.StoreFailed("list", "", err)
	}
	trackedItems.Set(float64(len(items) + len(unreadable)))
	m.logger.Info("Scan starting", "items", len(items), "unreadable", len(unreadable), "workers", m.workers)

	results := make([]*tracker.ItemResult, len(items))
	g := new(errgroup.Group)
	g.SetLimit(m.workers)

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r := m.checkItem(ctx, item)
			itemsTotal.WithLabelValues(string(r.Outcome)).Inc()
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	for _, r := range results {
		if r != nil {
			summary.Record(*r)
		}
	}
	// Unreadable records are items too; they must not drop out of the scan silently.
	for _, key := range unreadable {
		itemsTotal.WithLabelValues(string(tracker.OutcomeErrored)).Inc()
		summary.Record(tracker.ItemResult{
			URL:     key,
			Outcome: tracker.OutcomeErrored,
			Error:   tracker.StoreFailed("decode", "", fmt.Errorf("unreadable item record %s", key)).Error(),
		})
	}
	summary.Duration = m.now().Sub(start)
	scanDuration.Observe(summary.Duration.Seconds())

	m.logger.Info("Scan completed",
		"items", len(items),
		"evaluated", len(summary.Items),
		"notified", summary.Notified,
		"unchanged", summary.Unchanged,
		"errored", summary.Errored,
		"duration_ms", summary.Duration.Milliseconds())

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("scan interrupted: %w", err)
	}
	return summary, nil
}

func (m *Monitor) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.callTimeout)
}

// checkItem runs fetch, compare, publish and persist for one item, in that order.
func (m *Monitor) checkItem(ctx context.Context, item *tracker.TrackedItem) tracker.ItemResult {
	result := tracker.ItemResult{URL: item.URL}
	errored := func(err error) tracker.ItemResult {
		m.logger.Warn("Item check failed", "url", item.URL, "kind", tracker.KindOf(err), "error", err)
		result.Outcome = tracker.OutcomeErrored
		result.Error = err.Error()
		return result
	}

	fctx, cancel := m.call(ctx)
	listing, err := m.fetcher.Fetch(fctx, item.URL)
	cancel()
	if err != nil {
		return errored(tracker.FetchFailed(item.URL, err))
	}

	if !listing.Price.LessThan(item.LowestPrice) {
		m.logger.Debug("No price drop",
			"url", item.URL,
			"price", listing.Price.String(),
			"lowest_price", item.LowestPrice.String())
		result.Outcome = tracker.OutcomeUnchanged
		return result
	}

	m.logger.Info("Price drop detected",
		"url", item.URL,
		"channel_id", item.ChannelID,
		"price", listing.Price.String(),
		"lowest_price", item.LowestPrice.String())

	body := AlertBody(item.Title, listing.Price, item.LowestPrice, item.URL)
	pctx, cancel := m.call(ctx)
	messageID, err := m.publisher.Publish(pctx, item.ChannelID, AlertSubject, body)
	cancel()
	if err != nil {
		return errored(tracker.ChannelFailed("publish", item.URL, err))
	}
	result.Notified = true

	sctx, cancel := m.call(ctx)
	applied, err := m.store.UpdateLowestPrice(sctx, item.URL, listing.Price, m.now().UTC())
	cancel()
	if err != nil {
		// The alert is out; the next scan will see the old threshold and alert again.
		return errored(tracker.StoreFailed("update_lowest_price", item.URL, err))
	}
	if !applied {
		m.logger.Info("Lowest price already at or below observed price", "url", item.URL, "price", listing.Price.String())
	}

	m.logger.Info("Price drop notified", "url", item.URL, "message_id", messageID)
	result.Outcome = tracker.OutcomeNotified
	return result
}
