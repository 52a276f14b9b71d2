// Package reconcile removes notification channels that no tracked item refers to.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricedrop-notifier/channel"
	"pricedrop-notifier/pkg/tracker"
	"pricedrop-notifier/storage"
)

// DefaultMinAge protects channels created by subscribe requests that are still in flight.
const DefaultMinAge = time.Hour

// Items lists every tracked item.
type Items interface {
	ListAll(ctx context.Context) ([]*tracker.TrackedItem, error)
}

// Channels is the part of the channel service reconcile needs.
type Channels interface {
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*channel.Info, error)
	Delete(ctx context.Context, id string) error
}

// Report describes one reconcile run.
type Report struct {
	Orphans    []string `json:"orphans"`
	Deleted    []string `json:"deleted"`
	TooYoung   []string `json:"too_young,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Unreadable []string `json:"unreadable,omitempty"`
	Channels   int      `json:"channels"`
	Referenced int      `json:"referenced"`
	DryRun     bool     `json:"dry_run"`
}

// Reconciler finds and deletes orphaned channels.
type Reconciler struct {
	items    Items
	channels Channels
	logger   *slog.Logger
	now      func() time.Time
	minAge   time.Duration
}

// New creates a reconciler. Channels younger than minAge are never deleted.
func New(items Items, channels Channels, logger *slog.Logger, minAge time.Duration) *Reconciler {
	return &Reconciler{
		items:    items,
		channels: channels,
		logger:   logger,
		now:      time.Now,
		minAge:   minAge,
	}
}

// Run deletes every channel not referenced by a tracked item. With dryRun it
// only reports what it would delete. An empty item list deletes nothing, since
// it is more likely a misconfigured store than a real state. Neither does a
// list with unreadable records, whose channels would look unreferenced.
func (r *Reconciler) Run(ctx context.Context, dryRun bool) (*Report, error) {
	items, err := r.items.ListAll(ctx)
	unreadable, partial := storage.UnreadableKeys(err)
	if err != nil && !partial {
		return nil, fmt.Errorf("list items: %w", err)
	}
	ids, err := r.channels.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	referenced := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ChannelID != "" {
			referenced[item.ChannelID] = true
		}
	}

	report := &Report{
		Channels:   len(ids),
		Referenced: len(referenced),
		DryRun:     dryRun,
		Orphans:    []string{},
		Deleted:    []string{},
	}
	r.logger.Info("Reconcile starting", "items", len(items), "channels", len(ids), "dry_run", dryRun)

	if partial {
		r.logger.Warn("Unreadable tracked items found, refusing to delete channels", "unreadable", unreadable)
		report.Unreadable = unreadable
		return report, nil
	}
	if len(items) == 0 {
		r.logger.Warn("No tracked items found, refusing to delete channels", "channels", len(ids))
		return report, nil
	}

	cutoff := r.now().Add(-r.minAge)
	for _, id := range ids {
		if referenced[id] {
			continue
		}

		info, err := r.channels.Get(ctx, id)
		if err != nil {
			r.logger.Warn("Failed to read channel", "channel_id", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		if info.CreatedAt.After(cutoff) {
			r.logger.Info("Skipping recent unreferenced channel", "channel_id", id, "created_at", info.CreatedAt)
			report.TooYoung = append(report.TooYoung, id)
			continue
		}

		report.Orphans = append(report.Orphans, id)
		if dryRun {
			r.logger.Info("Would delete orphaned channel", "channel_id", id, "label", info.Label)
			continue
		}
		if err := r.channels.Delete(ctx, id); err != nil {
			r.logger.Warn("Failed to delete orphaned channel", "channel_id", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Deleted = append(report.Deleted, id)
	}

	r.logger.Info("Reconcile completed",
		"orphans", len(report.Orphans),
		"deleted", len(report.Deleted),
		"too_young", len(report.TooYoung),
		"failed", len(report.Failed))
	return report, nil
}
