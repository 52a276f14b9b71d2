package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	delay   time.Duration
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
		delay:   time.Second,
	}
}

// sanitizeEmailHeader removes CR, LF and other control characters so a header
// value can't start a new header.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME assembles the raw RFC 5322 message. The From address is filled in
// by Gmail from the authenticated account.
func buildMIME(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(to, subject, htmlBody)))}

	return deliver(ctx, g.logger, "gmail", to, g.delay, func() error {
		_, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && rejects(gerr.Code) {
			return &RejectedError{Provider: "gmail", StatusCode: gerr.Code, Detail: gerr.Message}
		}
		return err
	})
}
