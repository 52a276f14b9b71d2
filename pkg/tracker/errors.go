package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies failures reported by the orchestrator and the monitor.
type Kind string

const (
	KindValidation Kind = "validation_failed"
	KindFetch      Kind = "fetch_failed"
	KindStore      Kind = "store_failed"
	KindChannel    Kind = "channel_failed"
	KindUnknown    Kind = "internal_error"
)

// Error is a typed failure carrying its kind, the operation and the listing URL.
type Error struct {
	Err  error
	Kind Kind
	Op   string
	URL  string
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FetchFailed wraps a page fetcher failure.
func FetchFailed(url string, err error) error {
	return &Error{Kind: KindFetch, Op: "fetch", URL: url, Err: err}
}

// StoreFailed wraps a tracked-item store failure.
func StoreFailed(op, url string, err error) error {
	return &Error{Kind: KindStore, Op: op, URL: url, Err: err}
}

// ChannelFailed wraps a notification channel failure.
func ChannelFailed(op, url string, err error) error {
	return &Error{Kind: KindChannel, Op: op, URL: url, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
