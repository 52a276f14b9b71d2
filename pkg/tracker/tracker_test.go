package tracker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "ebay format", raw: "US $129.99", want: "129.99"},
		{name: "thousands separator", raw: "US $1,299.00", want: "1299"},
		{name: "unit price", raw: "US $4.50/ea", want: "4.5"},
		{name: "already stripped", raw: "42", want: "42"},
		{name: "surrounding whitespace", raw: "  US $ 7.25  ", want: "7.25"},
		{name: "other currency symbol", raw: "£15.00", want: "15"},
		{name: "empty", raw: "", wantErr: true},
		{name: "no digits", raw: "US $", wantErr: true},
		{name: "garbage", raw: "call for price!", wantErr: true},
		{name: "two decimal points", raw: "1.2.3", wantErr: true},
		{name: "negative", raw: "-5.00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrice(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrice(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPrice) {
					t.Errorf("ParsePrice(%q) error = %v, want ErrInvalidPrice", tt.raw, err)
				}
				return
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParsePrice(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

// TestParsePriceIsNumeric guards against lexicographic comparison of price strings.
func TestParsePriceIsNumeric(t *testing.T) {
	nine, err := ParsePrice("9.99")
	if err != nil {
		t.Fatal(err)
	}
	hundred, err := ParsePrice("100.00")
	if err != nil {
		t.Fatal(err)
	}
	if !nine.LessThan(hundred) {
		t.Errorf("expected 9.99 < 100.00")
	}
}

func TestSubscriberSet(t *testing.T) {
	listing := &Listing{Title: "Widget", Price: decimal.RequireFromString("10")}
	item := NewTrackedItem("https://www.ebay.com/itm/1", listing, "A@Example.com ", "ch-1", time.Now())

	if got := item.Subscribers; len(got) != 1 || got[0] != "a@example.com" {
		t.Fatalf("Subscribers = %v, want [a@example.com]", got)
	}
	if !item.HasSubscriber("a@EXAMPLE.com") {
		t.Error("HasSubscriber should be case-insensitive")
	}
	if item.AddSubscriber("a@example.com") {
		t.Error("AddSubscriber should not add a duplicate")
	}
	if !item.AddSubscriber("b@example.com") {
		t.Error("AddSubscriber should add a new email")
	}
	if len(item.Subscribers) != 2 {
		t.Errorf("len(Subscribers) = %d, want 2", len(item.Subscribers))
	}
	if !item.MaxPrice.Equal(item.LowestPrice) {
		t.Errorf("initial max %s != lowest %s", item.MaxPrice, item.LowestPrice)
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		err  error
		want Kind
	}{
		{FetchFailed("u", base), KindFetch},
		{StoreFailed("get", "u", base), KindStore},
		{ChannelFailed("publish", "u", base), KindChannel},
		{fmt.Errorf("wrapped: %w", ChannelFailed("subscribe", "u", base)), KindChannel},
		{base, KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
		if tt.want != KindUnknown && !errors.Is(tt.err, base) {
			t.Errorf("%v should unwrap to the cause", tt.err)
		}
	}
}

func TestScanSummaryRecord(t *testing.T) {
	var s ScanSummary
	s.Record(ItemResult{URL: "a", Outcome: OutcomeNotified, Notified: true})
	s.Record(ItemResult{URL: "b", Outcome: OutcomeUnchanged})
	s.Record(ItemResult{URL: "c", Outcome: OutcomeErrored, Error: "x"})
	if s.Notified != 1 || s.Unchanged != 1 || s.Errored != 1 || len(s.Items) != 3 {
		t.Errorf("summary = %+v", s)
	}
}
