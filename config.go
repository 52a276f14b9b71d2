package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// config is read from the environment once at startup.
type config struct {
	Bucket          string
	LocalStorage    string
	Port            string
	EmailProvider   string
	CredentialsJSON string
	BrevoAPIKey     string
	MailFrom        string
	MailFromName    string
	ScanSchedule    string
	ScanToken       string
	AllowedOrigin   string
	LogLevel        slog.Level
	ScanWorkers     int
	CallTimeout     time.Duration
	ScanTimeout     time.Duration
}

func loadConfig(getenv func(string) string) (*config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &config{
		Bucket:          env("STORAGE_BUCKET", ""),
		LocalStorage:    env("LOCAL_STORAGE", ""),
		Port:            env("PORT", "8080"),
		EmailProvider:   strings.ToLower(env("EMAIL_PROVIDER", "")),
		CredentialsJSON: getenv("GOOGLE_CREDENTIALS_JSON"),
		BrevoAPIKey:     env("BREVO_API_KEY", ""),
		MailFrom:        env("MAIL_FROM", ""),
		MailFromName:    env("MAIL_FROM_NAME", "Price Drop Alerts"),
		ScanSchedule:    env("SCAN_SCHEDULE", ""),
		ScanToken:       env("SCAN_TOKEN", ""),
		AllowedOrigin:   env("ALLOWED_ORIGIN", "*"),
	}

	// Without a bucket everything stays on local disk with mock email.
	if cfg.Bucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	if cfg.EmailProvider == "" {
		cfg.EmailProvider = "gmail"
		if cfg.LocalStorage != "" {
			cfg.EmailProvider = "mock"
		}
	}
	switch cfg.EmailProvider {
	case "gmail", "mock":
	case "brevo":
		if cfg.BrevoAPIKey == "" || cfg.MailFrom == "" {
			return nil, errors.New("EMAIL_PROVIDER=brevo requires BREVO_API_KEY and MAIL_FROM")
		}
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q (want gmail, brevo or mock)", cfg.EmailProvider)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	workers, err := strconv.Atoi(env("SCAN_WORKERS", "4"))
	if err != nil || workers < 1 {
		return nil, fmt.Errorf("SCAN_WORKERS must be a positive integer, got %q", getenv("SCAN_WORKERS"))
	}
	cfg.ScanWorkers = workers

	if cfg.CallTimeout, err = parseDuration(env("CALL_TIMEOUT", "30s")); err != nil {
		return nil, fmt.Errorf("CALL_TIMEOUT: %w", err)
	}
	if cfg.ScanTimeout, err = parseDuration(env("SCAN_TIMEOUT", "10m")); err != nil {
		return nil, fmt.Errorf("SCAN_TIMEOUT: %w", err)
	}

	if cfg.ScanSchedule != "" {
		if _, err := cron.ParseStandard(cfg.ScanSchedule); err != nil {
			return nil, fmt.Errorf("SCAN_SCHEDULE %q: %w", cfg.ScanSchedule, err)
		}
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func newGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// On Cloud Run the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
