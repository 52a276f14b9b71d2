package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"pricedrop-notifier/pkg/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func newItem(url, price string) *tracker.TrackedItem {
	listing := &tracker.Listing{Title: "Test listing", Price: decimal.RequireFromString(price)}
	return tracker.NewTrackedItem(url, listing, "first@example.com", "ch-test", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestLocalConditionalWrites(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	if _, _, err := l.Read(ctx, "a.json"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Read missing = %v, want ErrNotExist", err)
	}

	if err := l.Write(ctx, "a.json", []byte(`{"v":1}`), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Write(ctx, "a.json", []byte(`{"v":2}`), 0); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("second create = %v, want ErrPrecondition", err)
	}

	data, gen, err := l.Read(ctx, "a.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Errorf("data = %s", data)
	}

	if err := l.Write(ctx, "a.json", []byte(`{"v":3}`), gen); err != nil {
		t.Fatalf("update with current generation: %v", err)
	}
	if err := l.Write(ctx, "a.json", []byte(`{"v":4}`), gen); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("update with stale generation = %v, want ErrPrecondition", err)
	}
	if err := l.Write(ctx, "missing.json", []byte(`{}`), 42); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("update of missing object = %v, want ErrPrecondition", err)
	}

	if err := l.Delete(ctx, "a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := l.Delete(ctx, "a.json"); err != nil {
		t.Fatalf("Delete is not idempotent: %v", err)
	}
}

func TestLocalRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	for _, key := range []string{"", "../escape.json", "dir/file.json", `a\b.json`} {
		if err := l.Write(ctx, key, []byte("{}"), 0); err == nil {
			t.Errorf("Write(%q) should fail", key)
		}
	}
}

func TestLocalListPagination(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	var want []string
	for i := range 7 {
		key := fmt.Sprintf("item-%02d.json", i)
		want = append(want, key)
		if err := l.Write(ctx, key, []byte("{}"), 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Write(ctx, "channel-x.json", []byte("{}"), 0); err != nil {
		t.Fatal(err)
	}

	var got []string
	token := ""
	pages := 0
	for {
		keys, next, err := l.List(ctx, "item-", token, 3)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got = append(got, keys...)
		pages++
		if next == "" {
			break
		}
		token = next
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listed keys mismatch (-want +got):\n%s", diff)
	}
}

func TestItemsCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	items := NewItems(newLocal(t), testLogger())
	url := "https://www.ebay.com/itm/1"

	if _, err := items.Get(ctx, url); !IsNotFound(err) {
		t.Fatalf("Get before create = %v, want not found", err)
	}

	created, err := items.CreateIfAbsent(ctx, newItem(url, "100"))
	if err != nil || !created {
		t.Fatalf("CreateIfAbsent = %v, %v; want true, nil", created, err)
	}

	dup := newItem(url, "1")
	dup.ChannelID = "ch-other"
	created, err = items.CreateIfAbsent(ctx, dup)
	if err != nil || created {
		t.Fatalf("duplicate CreateIfAbsent = %v, %v; want false, nil", created, err)
	}

	got, err := items.Get(ctx, url)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ChannelID != "ch-test" {
		t.Errorf("ChannelID = %q, duplicate create must not overwrite", got.ChannelID)
	}
	if diff := cmp.Diff(newItem(url, "100"), got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestItemsAppendSubscriberConcurrent(t *testing.T) {
	ctx := context.Background()
	items := NewItems(newLocal(t), testLogger())
	url := "https://www.ebay.com/itm/2"
	if _, err := items.CreateIfAbsent(ctx, newItem(url, "50")); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := range n {
		email := fmt.Sprintf("user%02d@example.com", i)
		wg.Add(2)
		// Each email is appended twice to exercise idempotency under contention.
		for range 2 {
			go func() {
				defer wg.Done()
				if _, err := items.AppendSubscriber(ctx, url, email); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AppendSubscriber: %v", err)
	}

	got, err := items.Get(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first@example.com"}
	for i := range n {
		want = append(want, fmt.Sprintf("user%02d@example.com", i))
	}
	subs := append([]string(nil), got.Subscribers...)
	sort.Strings(subs)
	sort.Strings(want)
	if diff := cmp.Diff(want, subs); diff != "" {
		t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
	}
}

func TestItemsAppendSubscriberMissingItem(t *testing.T) {
	items := NewItems(newLocal(t), testLogger())
	_, err := items.AppendSubscriber(context.Background(), "https://www.ebay.com/itm/none", "a@example.com")
	if !IsNotFound(err) {
		t.Errorf("AppendSubscriber on missing item = %v, want not found", err)
	}
}

func TestItemsUpdateLowestPriceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	items := NewItems(newLocal(t), testLogger())
	url := "https://www.ebay.com/itm/3"
	if _, err := items.CreateIfAbsent(ctx, newItem(url, "100")); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	steps := []struct {
		price   string
		applied bool
		lowest  string
	}{
		{"95", true, "95"},
		{"95", false, "95"},
		{"120", false, "95"},
		{"94.99", true, "94.99"},
		{"100", false, "94.99"},
	}
	for _, st := range steps {
		applied, err := items.UpdateLowestPrice(ctx, url, decimal.RequireFromString(st.price), at)
		if err != nil {
			t.Fatalf("UpdateLowestPrice(%s): %v", st.price, err)
		}
		if applied != st.applied {
			t.Errorf("UpdateLowestPrice(%s) applied = %v, want %v", st.price, applied, st.applied)
		}
		got, err := items.Get(ctx, url)
		if err != nil {
			t.Fatal(err)
		}
		if !got.LowestPrice.Equal(decimal.RequireFromString(st.lowest)) {
			t.Errorf("after %s lowest = %s, want %s", st.price, got.LowestPrice, st.lowest)
		}
		if !got.MaxPrice.Equal(decimal.RequireFromString("100")) {
			t.Errorf("max price changed to %s", got.MaxPrice)
		}
	}
}

func TestItemsListAllCollectsEveryPage(t *testing.T) {
	ctx := context.Background()
	items := NewItems(newLocal(t), testLogger()).WithPageSize(2)

	want := map[string]bool{}
	for i := range 5 {
		url := fmt.Sprintf("https://www.ebay.com/itm/%d", 100+i)
		want[url] = true
		if _, err := items.CreateIfAbsent(ctx, newItem(url, "10")); err != nil {
			t.Fatal(err)
		}
	}

	all, err := items.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != len(want) {
		t.Fatalf("ListAll returned %d items, want %d", len(all), len(want))
	}
	for _, item := range all {
		if !want[item.URL] {
			t.Errorf("unexpected item %s", item.URL)
		}
	}
}

// failingBackend fails List after the first page.
type failingBackend struct {
	Backend
	calls int
}

func (f *failingBackend) List(ctx context.Context, prefix, token string, size int) ([]string, string, error) {
	f.calls++
	if f.calls > 1 {
		return nil, "", errors.New("backend unavailable")
	}
	return f.Backend.List(ctx, prefix, token, size)
}

func TestItemsListAllFailsOnPartialPages(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	seed := NewItems(local, testLogger())
	for i := range 4 {
		if _, err := seed.CreateIfAbsent(ctx, newItem(fmt.Sprintf("https://www.ebay.com/itm/%d", i), "10")); err != nil {
			t.Fatal(err)
		}
	}

	items := NewItems(&failingBackend{Backend: local}, testLogger()).WithPageSize(2)
	all, err := items.ListAll(ctx)
	if err == nil {
		t.Fatalf("ListAll succeeded with %d items, want error", len(all))
	}
	if all != nil {
		t.Errorf("ListAll returned partial result %d items", len(all))
	}
}

func TestItemsListReportsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	items := NewItems(local, testLogger())
	if _, err := items.CreateIfAbsent(ctx, newItem("https://www.ebay.com/itm/ok", "10")); err != nil {
		t.Fatal(err)
	}
	if err := local.Write(ctx, "item-corrupt.json", []byte("{not json"), 0); err != nil {
		t.Fatal(err)
	}

	all, err := items.ListAll(ctx)
	keys, ok := UnreadableKeys(err)
	if !ok {
		t.Fatalf("ListAll() error = %v, want *IncompleteError", err)
	}
	if diff := cmp.Diff([]string{"item-corrupt.json"}, keys); diff != "" {
		t.Errorf("unreadable keys mismatch (-want +got):\n%s", diff)
	}
	if len(all) != 1 || all[0].URL != "https://www.ebay.com/itm/ok" {
		t.Errorf("ListAll = %+v", all)
	}

	page, _, err := items.ListPage(ctx, "")
	if _, ok := UnreadableKeys(err); !ok || len(page) != 1 {
		t.Errorf("ListPage = %d items, %v; want 1 item and *IncompleteError", len(page), err)
	}
}
