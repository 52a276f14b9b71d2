package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/shopspring/decimal"

	"pricedrop-notifier/pkg/tracker"
)

const (
	itemPrefix      = "item-"
	defaultPageSize = 100
)

var (
	// ErrNotFound indicates that no tracked item exists for a URL.
	ErrNotFound = errors.New("tracked item not found")

	errCorrupt = errors.New("corrupt item")
)

// IsNotFound checks if an error indicates a tracked item was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ItemKey generates a stable object name from a listing URL.
func ItemKey(url string) string {
	h := sha256.Sum256([]byte(url))
	return itemPrefix + hex.EncodeToString(h[:]) + ".json"
}

// Items is the tracked-item store.
type Items struct {
	backend  Backend
	logger   *slog.Logger
	pageSize int
}

// NewItems creates a tracked-item store on top of a backend.
func NewItems(backend Backend, logger *slog.Logger) *Items {
	return &Items{
		backend:  backend,
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

// WithPageSize sets how many items ListPage loads at once.
func (s *Items) WithPageSize(n int) *Items {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

// Get loads the tracked item for url.
func (s *Items) Get(ctx context.Context, url string) (*tracker.TrackedItem, error) {
	item, _, err := s.load(ctx, ItemKey(url))
	return item, err
}

func (s *Items) load(ctx context.Context, key string) (*tracker.TrackedItem, int64, error) {
	data, gen, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	var item tracker.TrackedItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, 0, fmt.Errorf("%w %s: %v", errCorrupt, key, err)
	}
	return &item, gen, nil
}

// CreateIfAbsent stores a new item in a single conditional write.
// It returns false without error when an item for the URL already exists.
func (s *Items) CreateIfAbsent(ctx context.Context, item *tracker.TrackedItem) (bool, error) {
	key := ItemKey(item.URL)
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}

	if err := s.backend.Write(ctx, key, data, 0); err != nil {
		if errors.Is(err, ErrPrecondition) {
			s.logger.Info("Item already exists", "key", key, "url", item.URL)
			return false, nil
		}
		return false, fmt.Errorf("create item: %w", err)
	}

	s.logger.Info("Item created", "key", key, "url", item.URL, "channel_id", item.ChannelID)
	return true, nil
}

// AppendSubscriber adds email to the item's subscriber set. It is a set union:
// appending an existing member is a no-op and reports false.
func (s *Items) AppendSubscriber(ctx context.Context, url, email string) (bool, error) {
	added, err := s.update(ctx, url, func(item *tracker.TrackedItem) bool {
		return item.AddSubscriber(email)
	})
	if err != nil {
		return false, fmt.Errorf("append subscriber: %w", err)
	}
	if added {
		s.logger.Info("Subscriber appended", "url", url, "email", email)
	}
	return added, nil
}

// UpdateLowestPrice lowers the stored threshold to price. The update only
// applies when price is strictly below the stored lowest price.
func (s *Items) UpdateLowestPrice(ctx context.Context, url string, price decimal.Decimal, at time.Time) (bool, error) {
	applied, err := s.update(ctx, url, func(item *tracker.TrackedItem) bool {
		if !price.LessThan(item.LowestPrice) {
			return false
		}
		item.LowestPrice = price
		item.LowestPriceDate = at
		return true
	})
	if err != nil {
		return false, fmt.Errorf("update lowest price: %w", err)
	}
	if applied {
		s.logger.Info("Lowest price updated", "url", url, "price", price.String())
	}
	return applied, nil
}

// update runs a read-modify-write cycle guarded by the object generation and
// retries it when another writer got there first.
func (s *Items) update(ctx context.Context, url string, mutate func(*tracker.TrackedItem) bool) (bool, error) {
	key := ItemKey(url)
	var changed bool

	err := retry.Do(
		func() error {
			item, gen, err := s.load(ctx, key)
			if err != nil {
				return err
			}
			changed = mutate(item)
			if !changed {
				return nil
			}
			data, err := json.MarshalIndent(item, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal item: %w", err)
			}
			return s.backend.Write(ctx, key, data, gen)
		},
		retry.Attempts(50),
		retry.Delay(5*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.MaxJitter(20*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrPrecondition)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("Concurrent item update, retrying", "attempt", n, "key", key, "error", err)
		}),
	)
	if err != nil {
		return false, err
	}
	return changed, nil
}

// IncompleteError reports item records that exist but could not be decoded.
// It is returned together with the items that were read.
type IncompleteError struct {
	Keys []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%d unreadable items: %s", len(e.Keys), strings.Join(e.Keys, ", "))
}

// UnreadableKeys returns the keys an *IncompleteError in err's chain names.
func UnreadableKeys(err error) ([]string, bool) {
	var incomplete *IncompleteError
	if errors.As(err, &incomplete) {
		return incomplete.Keys, true
	}
	return nil, false
}

// ListPage loads one page of items. An empty next token means this was the
// last page. Records that cannot be decoded are returned as an
// *IncompleteError alongside the page.
func (s *Items) ListPage(ctx context.Context, pageToken string) ([]*tracker.TrackedItem, string, error) {
	items, skipped, next, err := s.listPage(ctx, pageToken)
	if err != nil {
		return nil, "", err
	}
	if len(skipped) > 0 {
		return items, next, &IncompleteError{Keys: skipped}
	}
	return items, next, nil
}

func (s *Items) listPage(ctx context.Context, pageToken string) ([]*tracker.TrackedItem, []string, string, error) {
	keys, next, err := s.backend.List(ctx, itemPrefix, pageToken, s.pageSize)
	if err != nil {
		return nil, nil, "", fmt.Errorf("list items: %w", err)
	}

	items := make([]*tracker.TrackedItem, 0, len(keys))
	var skipped []string
	for _, key := range keys {
		item, _, err := s.load(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			if errors.Is(err, errCorrupt) {
				s.logger.Warn("Unreadable item", "key", key, "error", err)
				skipped = append(skipped, key)
				continue
			}
			return nil, nil, "", fmt.Errorf("load item %s: %w", key, err)
		}
		items = append(items, item)
	}
	return items, skipped, next, nil
}

// ListAll collects every page of items. It fails as a whole if any page fails.
// When some records cannot be decoded, the readable items are returned with an
// *IncompleteError naming the rest, so callers never mistake them for the full set.
func (s *Items) ListAll(ctx context.Context) ([]*tracker.TrackedItem, error) {
	var all []*tracker.TrackedItem
	var skipped []string
	token := ""
	pages := 0
	for {
		items, bad, next, err := s.listPage(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pages+1, err)
		}
		all = append(all, items...)
		skipped = append(skipped, bad...)
		pages++
		if next == "" {
			break
		}
		token = next
	}

	s.logger.Info("Items listed", "count", len(all), "unreadable", len(skipped), "pages", pages)
	if len(skipped) > 0 {
		return all, &IncompleteError{Keys: skipped}
	}
	return all, nil
}
