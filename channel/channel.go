// Package channel implements per-listing notification channels: named fan-out
// groups of email endpoints that receive every published message.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"pricedrop-notifier/pkg/tracker"
	"pricedrop-notifier/storage"
)

const (
	keyPrefix      = "channel-"
	maxLabelLength = 64
	listPageSize   = 200
)

// ErrNotFound indicates that a channel id has no record.
var ErrNotFound = errors.New("channel not found")

var unsafeLabelChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Mailer delivers channel traffic to a single endpoint.
type Mailer interface {
	SendConfirmation(ctx context.Context, to, label string) error
	SendAlert(ctx context.Context, to, subject, body string) error
}

// Info is the persisted state of a channel.
type Info struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Endpoints []string  `json:"endpoints"`
}

// Service manages channels persisted on a storage backend.
type Service struct {
	backend storage.Backend
	mailer  Mailer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a channel service.
func New(backend storage.Backend, mailer Mailer, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		mailer:  mailer,
		logger:  logger,
		now:     time.Now,
	}
}

// SanitizeLabel reduces a listing title to a short identifier-safe prefix.
func SanitizeLabel(label string) string {
	s := unsafeLabelChars.ReplaceAllString(strings.TrimSpace(label), "_")
	if len(s) > maxLabelLength {
		s = s[:maxLabelLength]
	}
	if s == "" {
		s = "listing"
	}
	return s
}

func key(id string) string {
	return keyPrefix + id + ".json"
}

// Create makes a new channel and returns its id. Ids are never reused.
func (s *Service) Create(ctx context.Context, label string) (string, error) {
	id := SanitizeLabel(label) + "-" + uuid.NewString()
	rec := Info{
		ID:        id,
		Label:     label,
		Endpoints: []string{},
		CreatedAt: s.now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal channel: %w", err)
	}
	if err := s.backend.Write(ctx, key(id), data, 0); err != nil {
		return "", fmt.Errorf("create channel %s: %w", id, err)
	}

	s.logger.Info("Channel created", "channel_id", id, "label", label)
	return id, nil
}

func (s *Service) load(ctx context.Context, id string) (*Info, int64, error) {
	data, gen, err := s.backend.Read(ctx, key(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("read channel %s: %w", id, err)
	}
	var rec Info
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, fmt.Errorf("decode channel %s: %w", id, err)
	}
	return &rec, gen, nil
}

// Subscribe registers email on the channel and sends it a confirmation.
// Registering an existing endpoint only re-sends the confirmation.
func (s *Service) Subscribe(ctx context.Context, id, email string) error {
	email = tracker.NormalizeEmail(email)
	label, _, err := s.addEndpoint(ctx, id, email)
	if err != nil {
		return err
	}
	return s.confirm(ctx, email, label)
}

// AddEndpoint registers email on the channel without notifying it. It reports
// whether the endpoint was new.
func (s *Service) AddEndpoint(ctx context.Context, id, email string) (bool, error) {
	_, added, err := s.addEndpoint(ctx, id, tracker.NormalizeEmail(email))
	return added, err
}

// Confirm sends the subscription confirmation for a channel to email.
func (s *Service) Confirm(ctx context.Context, id, email string) error {
	rec, _, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return s.confirm(ctx, tracker.NormalizeEmail(email), rec.Label)
}

func (s *Service) confirm(ctx context.Context, email, label string) error {
	if err := s.mailer.SendConfirmation(ctx, email, label); err != nil {
		return fmt.Errorf("confirm subscription of %s: %w", email, err)
	}
	return nil
}

func (s *Service) addEndpoint(ctx context.Context, id, email string) (string, bool, error) {
	var label string
	var added bool

	err := retry.Do(
		func() error {
			rec, gen, err := s.load(ctx, id)
			if err != nil {
				return err
			}
			label = rec.Label
			added = false
			for _, e := range rec.Endpoints {
				if e == email {
					return nil
				}
			}
			rec.Endpoints = append(rec.Endpoints, email)
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal channel: %w", err)
			}
			if err := s.backend.Write(ctx, key(id), data, gen); err != nil {
				return err
			}
			added = true
			return nil
		},
		retry.Attempts(50),
		retry.Delay(5*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.MaxJitter(20*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, storage.ErrPrecondition)
		}),
	)
	if err != nil {
		return "", false, fmt.Errorf("subscribe %s to channel: %w", email, err)
	}

	if added {
		s.logger.Info("Channel endpoint added", "channel_id", id, "email", email)
	}
	return label, added, nil
}

// Publish sends a message to every endpoint of the channel and returns a
// message id. Delivery is attempted for all endpoints; any failure fails the
// publish.
func (s *Service) Publish(ctx context.Context, id, subject, body string) (string, error) {
	rec, _, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	var errs []error
	for _, endpoint := range rec.Endpoints {
		if err := s.mailer.SendAlert(ctx, endpoint, subject, body); err != nil {
			s.logger.Warn("Channel delivery failed", "channel_id", id, "email", endpoint, "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", fmt.Errorf("publish to %d of %d endpoints failed: %w", len(errs), len(rec.Endpoints), err)
	}

	s.logger.Info("Message published", "channel_id", id, "message_id", messageID, "endpoints", len(rec.Endpoints))
	return messageID, nil
}

// Get returns the stored state of a channel.
func (s *Service) Get(ctx context.Context, id string) (*Info, error) {
	rec, _, err := s.load(ctx, id)
	return rec, err
}

// Endpoints returns the registered emails of a channel.
func (s *Service) Endpoints(ctx context.Context, id string) ([]string, error) {
	rec, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Endpoints, nil
}

// List returns the ids of every channel.
func (s *Service) List(ctx context.Context) ([]string, error) {
	var ids []string
	token := ""
	for {
		keys, next, err := s.backend.List(ctx, keyPrefix, token, listPageSize)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(k, keyPrefix), ".json"))
		}
		if next == "" {
			return ids, nil
		}
		token = next
	}
}

// Delete removes a channel. Deleting a missing channel is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, key(id)); err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	s.logger.Info("Channel deleted", "channel_id", id)
	return nil
}
