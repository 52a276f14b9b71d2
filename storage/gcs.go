package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS stores objects in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a Cloud Storage backend.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *GCS {
	return &GCS{
		client: client,
		logger: logger,
		bucket: bucket,
	}
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Read loads an object and its generation.
func (g *GCS) Read(ctx context.Context, key string) ([]byte, int64, error) {
	if !validKey(key) {
		return nil, 0, fmt.Errorf("invalid key %q", key)
	}

	var data []byte
	var generation int64
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotExist)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, 0, ErrNotExist
		}
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, generation, nil
}

// Write stores an object, guarded by a generation precondition.
func (g *GCS) Write(ctx context.Context, key string, data []byte, generation int64) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	cond := storage.Conditions{DoesNotExist: true}
	if generation != 0 {
		cond = storage.Conditions{GenerationMatch: generation}
	}

	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).If(cond).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					return retry.Unrecoverable(ErrPrecondition)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrPrecondition) {
			return ErrPrecondition
		}
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Debug("Object saved", "key", key, "bytes", len(data))
	return nil
}

// List returns one page of keys with the given prefix.
func (g *GCS) List(ctx context.Context, prefix, pageToken string, pageSize int) ([]string, string, error) {
	query := &storage.Query{Prefix: prefix}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, "", fmt.Errorf("set attr selection: %w", err)
	}

	it := g.client.Bucket(g.bucket).Objects(ctx, query)
	pager := iterator.NewPager(it, pageSize, pageToken)

	var attrs []*storage.ObjectAttrs
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, "", fmt.Errorf("iterate storage: %w", err)
	}

	keys := make([]string, 0, len(attrs))
	for _, a := range attrs {
		keys = append(keys, a.Name)
	}
	return keys, next, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	err := retry.Do(
		func() error {
			if deleteErr := g.client.Bucket(g.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	g.logger.Info("Object deleted", "key", key)
	return nil
}
