// Package storage handles persistence of tracked items and notification channels.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotExist is returned by a Backend when the object is absent.
	ErrNotExist = errors.New("storage: object doesn't exist")
	// ErrPrecondition is returned by a Backend when a conditional write loses:
	// the object already exists on create, or its generation changed on update.
	ErrPrecondition = errors.New("storage: precondition failed")
)

// Backend is a generation-checked object store.
//
// Write with generation 0 creates the object only if it is absent. Any other
// generation must match the value returned by the Read the caller based its
// update on.
type Backend interface {
	Read(ctx context.Context, key string) (data []byte, generation int64, err error)
	Write(ctx context.Context, key string, data []byte, generation int64) error
	List(ctx context.Context, prefix, pageToken string, pageSize int) (keys []string, nextToken string, err error)
	Delete(ctx context.Context, key string) error
}

// validKey rejects keys that could escape the bucket or directory.
func validKey(key string) bool {
	if key == "" || len(key) > 512 {
		return false
	}
	if strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return false
	}
	return true
}
