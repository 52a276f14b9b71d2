package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"

	"pricedrop-notifier/channel"
	"pricedrop-notifier/email"
	"pricedrop-notifier/pkg/tracker"
	"pricedrop-notifier/storage"
)

type fixture struct {
	backend  storage.Backend
	items    *storage.Items
	channels *channel.Service
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := storage.NewLocal(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		backend:  backend,
		items:    storage.NewItems(backend, logger),
		channels: channel.New(backend, email.New(email.NewMockProvider(logger), logger), logger),
	}
	f.rec = New(f.items, f.channels, logger, time.Hour)
	// Everything created during the test is old enough to collect.
	f.rec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	return f
}

func (f *fixture) track(t *testing.T, url string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.channels.Create(ctx, "Listing")
	if err != nil {
		t.Fatal(err)
	}
	listing := &tracker.Listing{Title: "Listing", Price: decimal.NewFromInt(10)}
	if _, err := f.items.CreateIfAbsent(ctx, tracker.NewTrackedItem(url, listing, "a@x.com", id, time.Now())); err != nil {
		t.Fatal(err)
	}
	return id
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestRunDeletesOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	kept := f.track(t, "https://www.ebay.com/itm/1")
	orphanA, _ := f.channels.Create(ctx, "Orphan A")
	orphanB, _ := f.channels.Create(ctx, "Orphan B")

	report, err := f.rec.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := &Report{
		Orphans:    sorted([]string{orphanA, orphanB}),
		Deleted:    sorted([]string{orphanA, orphanB}),
		Channels:   3,
		Referenced: 1,
	}
	opts := cmpopts.SortSlices(func(a, b string) bool { return a < b })
	if diff := cmp.Diff(want, report, opts, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	ids, err := f.channels.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{kept}, ids); diff != "" {
		t.Errorf("remaining channels mismatch (-want +got):\n%s", diff)
	}
}

func TestRunDryRunDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.track(t, "https://www.ebay.com/itm/1")
	orphan, _ := f.channels.Create(ctx, "Orphan")

	report, err := f.rec.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{orphan}, report.Orphans); diff != "" {
		t.Errorf("orphans mismatch (-want +got):\n%s", diff)
	}
	if len(report.Deleted) != 0 || !report.DryRun {
		t.Errorf("dry run report = %+v", report)
	}
	if _, err := f.channels.Get(ctx, orphan); err != nil {
		t.Errorf("dry run deleted the orphan: %v", err)
	}
}

func TestRunSparesRecentChannels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.track(t, "https://www.ebay.com/itm/1")
	fresh, _ := f.channels.Create(ctx, "In flight")
	f.rec.now = time.Now

	report, err := f.rec.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{fresh}, report.TooYoung); diff != "" {
		t.Errorf("too young mismatch (-want +got):\n%s", diff)
	}
	if len(report.Deleted) != 0 {
		t.Errorf("deleted %v", report.Deleted)
	}
}

func TestRunWithoutItemsDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.channels.Create(ctx, "Lonely"); err != nil {
		t.Fatal(err)
	}

	report, err := f.rec.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Deleted) != 0 || report.Channels != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunWithUnreadableItemDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.track(t, "https://www.ebay.com/itm/1")
	hidden := f.track(t, "https://www.ebay.com/itm/2")

	// Damage the second record so its channel looks unreferenced.
	key := storage.ItemKey("https://www.ebay.com/itm/2")
	_, gen, err := f.backend.Read(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.backend.Write(ctx, key, []byte("{not json"), gen); err != nil {
		t.Fatal(err)
	}

	report, err := f.rec.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{key}, report.Unreadable); diff != "" {
		t.Errorf("unreadable mismatch (-want +got):\n%s", diff)
	}
	if len(report.Deleted) != 0 {
		t.Errorf("deleted %v", report.Deleted)
	}
	if _, err := f.channels.Get(ctx, hidden); err != nil {
		t.Errorf("channel of unreadable item was deleted: %v", err)
	}
}
