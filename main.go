// Package main implements a Cloud Run service that tracks eBay listing prices
// and emails subscribers when a listing drops below its lowest seen price.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"pricedrop-notifier/channel"
	"pricedrop-notifier/email"
	"pricedrop-notifier/poll"
	"pricedrop-notifier/reconcile"
	"pricedrop-notifier/scraper"
	"pricedrop-notifier/server"
	"pricedrop-notifier/storage"
	"pricedrop-notifier/subscribe"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config
	logger     *slog.Logger
	items      *storage.Items
	channels   *channel.Service
	subscriber *subscribe.Orchestrator
	monitor    *poll.Monitor
	reconciler *reconcile.Reconciler
	closers    []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var backend storage.Backend
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		local, err := storage.NewLocal(cfg.LocalStorage, logger)
		if err != nil {
			return nil, fmt.Errorf("local storage: %w", err)
		}
		backend = local
	} else {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		backend = storage.NewGCS(client, cfg.Bucket, logger)
	}

	var provider email.Provider
	switch cfg.EmailProvider {
	case "gmail":
		svc, err := newGmailService(ctx, cfg.CredentialsJSON)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("gmail service: %w", err)
		}
		provider = email.NewGmailProvider(svc, logger)
	case "brevo":
		provider = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger)
	default:
		logger.Info("Mock email enabled, messages are only logged")
		provider = email.NewMockProvider(logger)
	}

	fetcher := scraper.New(&http.Client{Timeout: cfg.CallTimeout}, logger)
	a.items = storage.NewItems(backend, logger)
	a.channels = channel.New(backend, email.New(provider, logger), logger)
	a.subscriber = subscribe.New(fetcher, a.items, a.channels, logger, cfg.CallTimeout)
	a.monitor = poll.New(fetcher, a.items, a.channels, logger, cfg.ScanWorkers, cfg.CallTimeout)
	a.reconciler = reconcile.New(a.items, a.channels, logger, reconcile.DefaultMinAge)
	return a, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// cli keeps the app built by the root command so main can release it.
type cli struct {
	app *app
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
}

func newRootCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pricedrop",
		Short:         "Track eBay listing prices and email subscribers on drops",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(os.Getenv)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			slog.SetDefault(logger)
			c.app, err = newApp(cmd.Context(), cfg, logger)
			return err
		},
	}

	getApp := func() *app { return c.app }
	cmd.AddCommand(newServeCommand(getApp))
	cmd.AddCommand(newScanCommand(getApp))
	cmd.AddCommand(newReconcileCommand(getApp))
	return cmd
}

func newServeCommand(getApp func() *app) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := getApp()
			if port == "" {
				port = a.cfg.Port
			}

			if a.cfg.ScanSchedule != "" {
				c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
				if _, err := c.AddFunc(a.cfg.ScanSchedule, func() { a.scheduledScan(cmd.Context()) }); err != nil {
					return fmt.Errorf("schedule scans: %w", err)
				}
				c.Start()
				defer func() { <-c.Stop().Done() }()
				a.logger.Info("Scheduled scans enabled", "schedule", a.cfg.ScanSchedule)
			}

			srv := server.New(&server.Config{
				Subscriber:    a.subscriber,
				Scanner:       a.monitor,
				Logger:        a.logger,
				AllowedOrigin: a.cfg.AllowedOrigin,
				ScanTimeout:   a.cfg.ScanTimeout,
				ScanToken:     a.cfg.ScanToken,
			})
			return srv.ListenAndServe(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (default $PORT or 8080)")
	return cmd
}

func (a *app) scheduledScan(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ScanTimeout)
	defer cancel()
	if _, err := a.monitor.Scan(ctx); err != nil {
		a.logger.Error("Scheduled scan failed", "error", err)
	}
}

func newScanCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one price scan and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := getApp()
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ScanTimeout)
			defer cancel()
			summary, err := a.monitor.Scan(ctx)
			if summary != nil {
				if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func newReconcileCommand(getApp func() *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Delete channels no tracked item refers to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := getApp().reconciler.Run(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	start := time.Now()
	err := newRootCommand(c).ExecuteContext(ctx)
	c.close()
	if err != nil {
		slog.Error("Command failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		stop()
		os.Exit(1)
	}
}
