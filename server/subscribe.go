package server

import (
	"errors"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"pricedrop-notifier/pkg/tracker"
)

const listingHost = "www.ebay.com"

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// normalizeListingURL checks that raw points at an eBay listing page and strips
// the query and fragment, so share links for the same listing map to one item.
func normalizeListingURL(raw string) (string, error) {
	if len(raw) > 2048 {
		return "", errors.New("url is too long")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url must use http or https")
	}
	if !strings.EqualFold(u.Host, listingHost) {
		return "", errors.New("url must be a www.ebay.com listing")
	}
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	if path == "" {
		return "", errors.New("url has no listing path")
	}
	return "https://" + listingHost + path, nil
}

type subscribeResponse struct {
	Status tracker.Status `json:"status"`
}

func statusFor(kind tracker.Kind) int {
	switch kind {
	case tracker.KindValidation, tracker.KindFetch:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, please try again later")
		return
	}

	// Query parameters and form fields are both accepted.
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, tracker.KindValidation, "invalid form data")
		return
	}

	rawURL := strings.TrimSpace(r.FormValue("url"))
	email := tracker.NormalizeEmail(r.FormValue("email"))
	if rawURL == "" || email == "" {
		s.writeError(w, http.StatusBadRequest, tracker.KindValidation, "missing required parameters")
		return
	}

	if !isValidEmail(email) {
		s.writeError(w, http.StatusBadRequest, tracker.KindValidation, "email address is not valid")
		return
	}

	listingURL, err := normalizeListingURL(rawURL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, tracker.KindValidation, err.Error())
		return
	}

	status, err := s.subscriber.Subscribe(r.Context(), listingURL, email)
	if err != nil {
		kind := tracker.KindOf(err)
		s.logger.Error("Subscribe request failed", "url", listingURL, "email", email, "ip", ip, "kind", kind, "error", err)
		message := "could not read the listing, check the url and try again"
		if kind != tracker.KindFetch {
			message = "internal error, please try again later"
		}
		s.writeError(w, statusFor(kind), kind, message)
		return
	}

	s.logger.Info("Subscribe request completed", "url", listingURL, "email", email, "ip", ip, "status", status)
	s.writeJSON(w, http.StatusOK, subscribeResponse{Status: status})
}
