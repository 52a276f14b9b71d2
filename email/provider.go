// Package email handles sending alert and confirmation emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders emails and hands them to a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendConfirmation tells a new subscriber which listing they are now watching.
func (s *Sender) SendConfirmation(ctx context.Context, to, label string) error {
	subject := "Price alerts confirmed"
	if label != "" {
		subject = fmt.Sprintf("Price alerts confirmed: %s", label)
	}

	s.logger.Info("Sending confirmation email", "to", to, "subject", subject)
	if err := s.provider.Send(ctx, to, subject, formatConfirmationBody(label)); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}

// SendAlert delivers a price-drop message.
func (s *Sender) SendAlert(ctx context.Context, to, subject, body string) error {
	s.logger.Info("Sending alert email", "to", to, "subject", subject)
	if err := s.provider.Send(ctx, to, subject, formatAlertBody(subject, body)); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}
