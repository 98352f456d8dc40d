package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "bundles/active/x.json", []byte("{}")))

	data, err := os.ReadFile(filepath.Join(dir, "bundles", "active", "x.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	// No temporary files survive a successful replace.
	entries, err := os.ReadDir(filepath.Join(dir, "bundles", "active"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"old", "mid", "new"} {
		key := "bundles/active/" + name + ".json"
		require.NoError(t, s.Put(ctx, key, []byte(name)))
		ts := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(dir, filepath.FromSlash(key)), ts, ts))
	}

	infos, err := s.List(ctx, "bundles/active/")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "bundles/active/new.json", infos[0].Key)
	assert.Equal(t, "bundles/active/mid.json", infos[1].Key)
	assert.Equal(t, "bundles/active/old.json", infos[2].Key)
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(ctx, "usage/s.jsonl", []byte(`{"tokens":1}`)); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	lines, err := s.ReadLines(ctx, "usage/s.jsonl")
	require.NoError(t, err)
	assert.Len(t, lines, n)
	for _, line := range lines {
		assert.Equal(t, `{"tokens":1}`, string(line))
	}
}

func TestFileStore_StaleLockRecovered(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usage"), 0700))
	lockPath := filepath.Join(dir, "usage", "s.jsonl.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0600))
	old := time.Now().Add(-2 * appendLockStaleAfter)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, s.Append(ctx, "usage/s.jsonl", []byte("line")))

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = s.Put(context.Background(), "../escape", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStore_SetModTimeOrdersList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "p/a", []byte("a")))
	require.NoError(t, s.Put(ctx, "p/b", []byte("b")))
	s.SetModTime("p/a", time.Now().Add(time.Hour))

	infos, err := s.List(ctx, "p/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "p/a", infos[0].Key)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("original")
	require.NoError(t, s.Put(ctx, "k", data))
	data[0] = 'X'

	doc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(doc.Data))

	doc.Data[0] = 'Y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again.Data))
}
