package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envFrom(nil))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := &config{
		LocalStorage:  "./data",
		Port:          "8080",
		EmailProvider: "mock",
		MailFromName:  "Price Drop Alerts",
		AllowedOrigin: "*",
		LogLevel:      slog.LevelInfo,
		ScanWorkers:   4,
		CallTimeout:   30 * time.Second,
		ScanTimeout:   10 * time.Minute,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigProduction(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{
		"STORAGE_BUCKET": "pricedrop-items",
		"PORT":           "9090",
		"SCAN_SCHEDULE":  "*/15 * * * *",
		"SCAN_WORKERS":   "8",
		"CALL_TIMEOUT":   "5s",
		"LOG_LEVEL":      "debug",
		"SCAN_TOKEN":     "s3cret",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LocalStorage != "" || cfg.Bucket != "pricedrop-items" {
		t.Errorf("storage = local %q bucket %q", cfg.LocalStorage, cfg.Bucket)
	}
	if cfg.EmailProvider != "gmail" {
		t.Errorf("EmailProvider = %q, want gmail", cfg.EmailProvider)
	}
	if cfg.Port != "9090" || cfg.ScanWorkers != 8 || cfg.CallTimeout != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ScanToken != "s3cret" {
		t.Errorf("ScanToken = %q", cfg.ScanToken)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown provider", map[string]string{"EMAIL_PROVIDER": "smtp"}, "unknown EMAIL_PROVIDER"},
		{"brevo without key", map[string]string{"EMAIL_PROVIDER": "brevo", "MAIL_FROM": "a@x.com"}, "BREVO_API_KEY"},
		{"zero workers", map[string]string{"SCAN_WORKERS": "0"}, "SCAN_WORKERS"},
		{"workers not a number", map[string]string{"SCAN_WORKERS": "four"}, "SCAN_WORKERS"},
		{"bad call timeout", map[string]string{"CALL_TIMEOUT": "soon"}, "CALL_TIMEOUT"},
		{"negative scan timeout", map[string]string{"SCAN_TIMEOUT": "-1m"}, "SCAN_TIMEOUT"},
		{"bad schedule", map[string]string{"SCAN_SCHEDULE": "every tuesday"}, "SCAN_SCHEDULE"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(envFrom(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("loadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("Scan completed", "items", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "Scan completed" || entry["items"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCommand(&cli{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	want := []string{"reconcile", "scan", "serve"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if root.Commands()[0].Flags().Lookup("dry-run") == nil {
		t.Error("reconcile has no --dry-run flag")
	}
}
