// Package tracker contains the core domain types for the price-drop notification service.
package tracker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TrackedItem is the durable record of one monitored listing URL.
type TrackedItem struct {
	LowestPrice     decimal.Decimal `json:"lowest_price"`      // Notification threshold, never increases
	MaxPrice        decimal.Decimal `json:"max_price"`         // Highest price observed
	LowestPriceDate time.Time       `json:"lowest_price_date"` // When LowestPrice was observed
	MaxPriceDate    time.Time       `json:"max_price_date"`    // When MaxPrice was observed
	CreatedAt       time.Time       `json:"created_at"`        // First subscription timestamp
	URL             string          `json:"url"`               // Primary key, immutable
	Title           string          `json:"title"`             // Listing title captured at first tracking
	ChannelID       string          `json:"channel_id"`        // Set once at creation
	Subscribers     []string        `json:"subscribers"`       // Normalized emails, no duplicates
}

// NewTrackedItem builds the initial record for a listing seen for the first time.
func NewTrackedItem(url string, listing *Listing, email, channelID string, now time.Time) *TrackedItem {
	return &TrackedItem{
		URL:             url,
		Title:           listing.Title,
		Subscribers:     []string{NormalizeEmail(email)},
		MaxPrice:        listing.Price,
		MaxPriceDate:    now,
		LowestPrice:     listing.Price,
		LowestPriceDate: now,
		ChannelID:       channelID,
		CreatedAt:       now,
	}
}

// HasSubscriber reports whether email is already in the subscriber set.
func (t *TrackedItem) HasSubscriber(email string) bool {
	email = NormalizeEmail(email)
	for _, s := range t.Subscribers {
		if s == email {
			return true
		}
	}
	return false
}

// AddSubscriber adds email to the subscriber set. It returns false if it was already present.
func (t *TrackedItem) AddSubscriber(email string) bool {
	if t.HasSubscriber(email) {
		return false
	}
	t.Subscribers = append(t.Subscribers, NormalizeEmail(email))
	return true
}

// NormalizeEmail is the single normalization used for subscriber membership
// and channel endpoint registration. Comparison is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Listing is what the page fetcher extracts from a listing page.
type Listing struct {
	Price decimal.Decimal
	Title string
}

// Status is the outcome of a successful subscribe request.
type Status string

const (
	StatusCreated      Status = "created"
	StatusUpdated      Status = "updated"
	StatusResubscribed Status = "resubscribed"
)

// Outcome is the per-item result of a scan.
type Outcome string

const (
	OutcomeNotified  Outcome = "notified"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeErrored   Outcome = "errored"
)

// ItemResult records what happened to one item during a scan.
type ItemResult struct {
	URL      string  `json:"url"`
	Outcome  Outcome `json:"outcome"`
	Error    string  `json:"error,omitempty"`
	Notified bool    `json:"notified"` // Alert was published, even if persisting failed
}

// ScanSummary is the result of one full pass over all tracked items.
type ScanSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Items     []ItemResult  `json:"items"`
	Duration  time.Duration `json:"duration_ns"`
	Notified  int           `json:"notified"`
	Unchanged int           `json:"unchanged"`
	Errored   int           `json:"errored"`
}

// Record adds an item result and bumps the matching counter.
func (s *ScanSummary) Record(r ItemResult) {
	s.Items = append(s.Items, r)
	switch r.Outcome {
	case OutcomeNotified:
		s.Notified++
	case OutcomeUnchanged:
		s.Unchanged++
	default:
		s.Errored++
	}
}
