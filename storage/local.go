package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Local stores objects as files in a directory, for development and tests.
// Conditional writes are serialized by a mutex, so a single Local must be
// shared by everything in the process that touches the directory.
type Local struct {
	logger *slog.Logger
	path   string
	mu     sync.Mutex
}

// NewLocal creates a local filesystem backend rooted at path.
func NewLocal(path string, logger *slog.Logger) (*Local, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Local{path: path, logger: logger}, nil
}

// generationOf derives a generation from the content; it is never 0.
func generationOf(data []byte) int64 {
	h := fnv.New64a()
	h.Write(data)
	g := int64(h.Sum64() &^ (1 << 63))
	if g == 0 {
		g = 1
	}
	return g
}

// Read loads an object and its generation.
func (l *Local) Read(_ context.Context, key string) ([]byte, int64, error) {
	if !validKey(key) {
		return nil, 0, fmt.Errorf("invalid key %q", key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(key)
}

func (l *Local) read(key string) ([]byte, int64, error) {
	data, err := os.ReadFile(filepath.Join(l.path, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotExist
		}
		return nil, 0, fmt.Errorf("read from local storage: %w", err)
	}
	return data, generationOf(data), nil
}

// Write stores an object, guarded by a generation precondition.
func (l *Local) Write(_ context.Context, key string, data []byte, generation int64) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	filePath := filepath.Join(l.path, key)

	if generation == 0 {
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return ErrPrecondition
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(filePath)
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close local storage file: %w", err)
		}
		return nil
	}

	current, currentGen, err := l.read(key)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return ErrPrecondition
		}
		return err
	}
	if currentGen != generation {
		return ErrPrecondition
	}
	if bytes.Equal(current, data) {
		return nil
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("rename in local storage: %w", err)
	}

	l.logger.Debug("Object saved to local storage", "path", filePath, "bytes", len(data))
	return nil
}

// List returns one page of keys with the given prefix, in lexical order.
// The page token is the last key of the previous page.
func (l *Local) List(_ context.Context, prefix, pageToken string, pageSize int) ([]string, string, error) {
	l.mu.Lock()
	entries, err := os.ReadDir(l.path)
	l.mu.Unlock()
	if err != nil {
		return nil, "", fmt.Errorf("read local storage directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		if pageToken != "" && name <= pageToken {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if pageSize <= 0 || len(names) <= pageSize {
		return names, "", nil
	}
	page := names[:pageSize]
	return page, page[len(page)-1], nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (l *Local) Delete(_ context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	filePath := filepath.Join(l.path, key)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	l.logger.Info("Object deleted from local storage", "path", filePath)
	return nil
}
