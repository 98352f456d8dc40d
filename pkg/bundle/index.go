package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/contextguard/pkg/store"
)

// IndexEntry describes one bundle in the index document.
type IndexEntry struct {
	Partition   Partition   `json:"partition"`
	Type        Type        `json:"type,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Size        int64       `json:"size"`
	Compression Compression `json:"compression,omitempty"`
}

// Index is the bundles/index.json document. It is a convenience view; the
// partitions themselves are authoritative.
type Index struct {
	Entries   map[string]IndexEntry `json:"entries"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// updateIndex applies fn to the index with compare-and-swap. Failures are
// logged; a lost race leaves the index stale until the next rebuild.
func (m *Manager) updateIndex(ctx context.Context, fn func(*Index)) {
	err := store.Update(ctx, m.store, indexKey, m.cfg.IndexRetries, func(current []byte) ([]byte, error) {
		idx := Index{Entries: map[string]IndexEntry{}}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &idx); err != nil {
				m.logger.Warn("bundle index unreadable, starting over", "error", err)
				idx = Index{}
			}
			if idx.Entries == nil {
				idx.Entries = map[string]IndexEntry{}
			}
		}
		fn(&idx)
		idx.UpdatedAt = m.now().UTC()
		return json.MarshalIndent(idx, "", "  ")
	})
	if err != nil {
		m.logger.Warn("bundle index update failed", "error", err)
	}
}

// Index reads the index document.
func (m *Manager) Index(ctx context.Context) (*Index, error) {
	doc, err := m.store.Get(ctx, indexKey)
	if errors.Is(err, store.ErrNotFound) {
		return &Index{Entries: map[string]IndexEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(doc.Data, &idx); err != nil {
		return nil, fmt.Errorf("decode bundle index: %w", err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]IndexEntry{}
	}
	return &idx, nil
}

// RebuildIndex replaces the index with the current partition contents.
func (m *Manager) RebuildIndex(ctx context.Context) (*Index, error) {
	refs, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}
	old, err := m.Index(ctx)
	if err != nil {
		old = &Index{Entries: map[string]IndexEntry{}}
	}

	var rebuilt Index
	m.updateIndex(ctx, func(idx *Index) {
		idx.Entries = make(map[string]IndexEntry, len(refs))
		for _, r := range refs {
			e := old.Entries[r.ID]
			e.Partition = r.Partition
			e.Size = r.Size
			if e.CreatedAt.IsZero() {
				e.CreatedAt = r.ModTime.UTC()
			}
			idx.Entries[r.ID] = e
		}
		rebuilt = *idx
	})
	return &rebuilt, nil
}
