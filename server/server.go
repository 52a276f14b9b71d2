// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricedrop-notifier/pkg/tracker"
)

// Subscriber registers an email for alerts on a listing.
type Subscriber interface {
	Subscribe(ctx context.Context, url, email string) (tracker.Status, error)
}

// Scanner runs one price scan.
type Scanner interface {
	Scan(ctx context.Context) (*tracker.ScanSummary, error)
}

// Server handles HTTP requests.
type Server struct {
	subscriber    Subscriber
	scanner       Scanner
	logger        *slog.Logger
	limiter       *ipLimiter
	allowedOrigin string
	scanToken     string
	scanTimeout   time.Duration
}

// Config holds server configuration.
type Config struct {
	Subscriber    Subscriber
	Scanner       Scanner
	Logger        *slog.Logger
	AllowedOrigin string
	// SubscribesPerHour caps subscribe requests per client IP. Zero means 5.
	SubscribesPerHour int
	ScanTimeout       time.Duration
	// ScanToken, when set, must be sent as "Authorization: Bearer <token>" to /scanz.
	ScanToken string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	perHour := cfg.SubscribesPerHour
	if perHour <= 0 {
		perHour = 5
	}
	origin := cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	return &Server{
		subscriber:    cfg.Subscriber,
		scanner:       cfg.Scanner,
		logger:        cfg.Logger,
		limiter:       newIPLimiter(perHour),
		allowedOrigin: origin,
		scanToken:     cfg.ScanToken,
		scanTimeout:   cfg.ScanTimeout,
	}
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/scanz", s.handleScan)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.scanTimeout + 30*time.Second, // /scanz holds the response for a whole scan
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS,GET,POST")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error   tracker.Kind `json:"error"`
	Message string       `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind tracker.Kind, message string) {
	s.writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) authorizedScan(r *http.Request) bool {
	if s.scanToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.scanToken)) == 1
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizedScan(r) {
		s.logger.Warn("Rejected unauthorized scan request", "ip", clientIP(r))
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid scan token")
		return
	}

	s.logger.Info("Scan endpoint triggered")

	ctx := r.Context()
	if s.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.scanTimeout)
		defer cancel()
	}

	summary, err := s.scanner.Scan(ctx)
	if err != nil {
		s.logger.Error("Scan failed", "error", err)
		if summary == nil {
			s.writeError(w, http.StatusInternalServerError, tracker.KindOf(err), err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, summary)
}
