// Package scraper handles fetching and parsing eBay listing pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/sony/gobreaker"

	"pricedrop-notifier/pkg/tracker"
)

// ErrIncomplete indicates the page was fetched but the title or price is missing.
var ErrIncomplete = errors.New("listing page is missing title or price")

// HTTPStatusError reports a non-200 response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError checks if an error is a 4xx response other than 429.
func IsClientError(err error) bool {
	var se *HTTPStatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
}

// Scraper fetches and parses eBay listings.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	attempts uint
	delay    time.Duration
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	s := &Scraper{
		client:   client,
		logger:   logger,
		attempts: 4,
		delay:    time.Second,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ebay-fetch",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		// A listing that is gone or malformed says nothing about the site's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrIncomplete) || errors.Is(err, tracker.ErrInvalidPrice) ||
				IsClientError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "circuit", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Fetch loads a listing page and extracts its title and current price.
func (s *Scraper) Fetch(ctx context.Context, listingURL string) (*tracker.Listing, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.fetch(ctx, listingURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Warn("Fetch rejected by circuit breaker", "url", listingURL, "error", err)
		}
		return nil, err
	}
	listing, ok := result.(*tracker.Listing)
	if !ok {
		return nil, fmt.Errorf("unexpected fetch result %T", result)
	}
	return listing, nil
}

func (s *Scraper) fetch(ctx context.Context, listingURL string) (*tracker.Listing, error) {
	var listing *tracker.Listing

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", listingURL,
				"purpose", "fetch_listing")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, listingURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Browser-like headers; eBay serves a bot wall to bare clients.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			req.Header.Set("Sec-Fetch-Dest", "document")
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			req.Header.Set("Upgrade-Insecure-Requests", "1")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", listingURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", listingURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				statusErr := &HTTPStatusError{URL: listingURL, StatusCode: resp.StatusCode}
				if IsClientError(statusErr) {
					return retry.Unrecoverable(statusErr)
				}
				s.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return statusErr
			}

			listing, err = parseListing(resp.Body)
			if err != nil {
				s.logger.Warn("Failed to parse listing", "url", listingURL, "error", err)
				return retry.Unrecoverable(err)
			}

			s.logger.Info("Listing parsed successfully",
				"url", listingURL,
				"title", listing.Title,
				"price", listing.Price.String())
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", listingURL, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", listingURL, err)
	}
	return listing, nil
}

func parseListing(body io.Reader) (*tracker.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("span.ux-textspans.ux-textspans--BOLD").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1.x-item-title__mainTitle").First().Text())
	}
	if title == "" {
		raw := strings.TrimSpace(doc.Find("title").First().Text())
		title = strings.TrimSpace(strings.TrimSuffix(raw, "| eBay"))
	}

	var rawPrice string
	doc.Find("span.ux-textspans").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if strings.HasPrefix(text, "US $") {
			rawPrice = text
			return false
		}
		return true
	})
	if rawPrice == "" {
		rawPrice = strings.TrimSpace(doc.Find("div.x-price-primary").First().Text())
	}

	if title == "" || rawPrice == "" {
		return nil, fmt.Errorf("%w (title=%q, price=%q)", ErrIncomplete, title, rawPrice)
	}

	price, err := tracker.ParsePrice(rawPrice)
	if err != nil {
		return nil, err
	}
	return &tracker.Listing{Title: title, Price: price}, nil
}
