package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/contextguard/pkg/faults"
)

// DefaultUpdateRetries bounds how many times Update re-reads a document after
// losing a compare-and-swap race.
const DefaultUpdateRetries = 5

// UpdateFunc computes the next document from the current one. current is nil
// when the document does not exist yet.
type UpdateFunc func(current []byte) ([]byte, error)

// Update performs read-current, compute-next, compare-and-swap. It retries
// when another writer replaced the document in between. When every retry
// loses the race the update is abandoned with a concurrency conflict.
func Update(ctx context.Context, s Store, key string, retries int, fn UpdateFunc) error {
	if retries <= 0 {
		retries = DefaultUpdateRetries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		var (
			current []byte
			version string
		)

		doc, err := s.Get(ctx, key)
		switch {
		case err == nil:
			current = doc.Data
			version = doc.Version
		case errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("read %s: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if _, err := s.CompareAndSwap(ctx, key, version, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return fmt.Errorf("replace %s: %w", key, err)
		}
		return nil
	}

	return faults.ConcurrencyConflict("store.update", fmt.Errorf("%s after %d attempts: %w", key, retries, lastErr))
}
