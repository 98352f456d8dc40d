// Package store provides the document persistence seam used by the usage
// ledger and the bundle store. Every mutation is a whole-document atomic
// replace; readers never observe a partially written document.
//
// Two write disciplines are offered. Put is unconditional and
// last-writer-wins. CompareAndSwap only replaces a document whose current
// version matches the caller's, which is how Update implements
// read-current, compute-next, replace without losing concurrent updates.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("document version conflict")
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrInvalidKey is returned when a key contains unsafe path components.
	ErrInvalidKey = errors.New("invalid key")
)

// Document is a stored value plus the metadata needed for optimistic
// concurrency and recency ordering.
type Document struct {
	Key     string
	Data    []byte
	Version string
	ModTime time.Time
}

// Info describes a document without its content.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store abstracts document persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the document stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Document, error)

	// Put atomically replaces the document at key.
	Put(ctx context.Context, key string, data []byte) error

	// CompareAndSwap replaces the document only if its current version
	// equals version. An empty version means the key must not exist yet.
	// Returns the new version.
	CompareAndSwap(ctx context.Context, key, version string, data []byte) (string, error)

	// Append adds one line to the append-only log at key.
	Append(ctx context.Context, key string, line []byte) error

	// ReadLines returns every line of the log at key in append order.
	// A missing log yields an empty slice.
	ReadLines(ctx context.Context, key string) ([][]byte, error)

	// List returns documents whose key starts with prefix, most recently
	// modified first.
	List(ctx context.Context, prefix string) ([]Info, error)

	// Move atomically renames a document. The destination is replaced and
	// its modification time is the time of the move.
	Move(ctx context.Context, src, dst string) error

	// Delete removes a document or log. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

var keyComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateKey checks that a key is a relative slash-separated path made of
// safe components. It rejects empty components and traversal sequences.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > 512 {
		return fmt.Errorf("%w: too long", ErrInvalidKey)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || !keyComponentPattern.MatchString(part) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Version returns the content version used by the built-in backends.
func Version(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
