package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	appendLockTimeout    = 10 * time.Second
	appendLockRetry      = 5 * time.Millisecond
	appendLockStaleAfter = time.Minute
)

// FileStore implements Store on a local directory tree. Keys map to
// relative file paths. Documents are replaced by writing a temporary file in
// the same directory, fsyncing it and renaming it over the target, so a
// reader sees either the old or the new document, never a mix.
//
// Compare-and-swap is serialized within the process. Separate processes
// sharing a directory only get the atomic-replace guarantee.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-backed store rooted at baseDir.
// If baseDir is empty, uses ~/.contextguard.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".contextguard")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (f *FileStore) BaseDir() string {
	return f.baseDir
}

func (f *FileStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, filepath.FromSlash(key)), nil
}

// Get returns the document stored at key.
func (f *FileStore) Get(ctx context.Context, key string) (*Document, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}
	return f.getUnlocked(key)
}

func (f *FileStore) getUnlocked(key string) (*Document, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - key validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}

	return &Document{
		Key:     key,
		Data:    data,
		Version: Version(data),
		ModTime: info.ModTime(),
	}, nil
}

// Put atomically replaces the document at key.
func (f *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	path, err := f.path(key)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0600)
}

// CompareAndSwap replaces the document if its version still matches.
func (f *FileStore) CompareAndSwap(ctx context.Context, key, version string, data []byte) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", ErrClosed
	}

	current, err := f.getUnlocked(key)
	switch {
	case err == nil:
		if current.Version != version {
			return "", ErrVersionConflict
		}
	case errors.Is(err, ErrNotFound):
		if version != "" {
			return "", ErrVersionConflict
		}
	default:
		return "", err
	}

	path, err := f.path(key)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, data, 0600); err != nil {
		return "", err
	}
	return Version(data), nil
}

// Append adds one line to the log at key under a cross-process lock file.
func (f *FileStore) Append(ctx context.Context, key string, line []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return errors.New("append line must not contain a newline")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	return withLockFile(path+".lock", func() error {
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - key validated to prevent traversal
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() { _ = file.Close() }()

		if _, err := file.Write(payload); err != nil {
			return fmt.Errorf("append log line: %w", err)
		}
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync log file: %w", err)
		}
		return nil
	})
}

// ReadLines returns the lines of the log at key.
func (f *FileStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}

	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path) // #nosec G304 - key validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return [][]byte{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	lines := [][]byte{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), b...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return lines, nil
}

// List returns documents under prefix, newest first.
func (f *FileStore) List(ctx context.Context, prefix string) ([]Info, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}

	root := f.baseDir
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		dir := prefix[:i]
		if err := ValidateKey(dir); err != nil {
			return nil, err
		}
		root = filepath.Join(f.baseDir, filepath.FromSlash(dir))
	}

	infos := []Info{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".lock") {
			return nil
		}

		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		infos = append(infos, Info{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", prefix, err)
	}

	sortNewestFirst(infos)
	return infos, nil
}

// Move renames a document, creating the destination directory.
func (f *FileStore) Move(ctx context.Context, src, dst string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	srcPath, err := f.path(src)
	if err != nil {
		return err
	}
	dstPath, err := f.path(dst)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0700); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("move document: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(dstPath, now, now); err != nil {
		return fmt.Errorf("touch moved document: %w", err)
	}
	syncDirectory(filepath.Dir(dstPath))
	return nil
}

// Delete removes a document. Missing files are ignored.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}

// Ping checks that the base directory is still accessible.
func (f *FileStore) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	return nil
}

// Close marks the store closed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempFile, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false

	syncDirectory(parent)
	return nil
}

func syncDirectory(dir string) {
	// #nosec G304 -- directory derived from a validated key.
	if handle, err := os.Open(dir); err == nil {
		_ = handle.Sync()
		_ = handle.Close()
	}
}

func withLockFile(lockPath string, fn func() error) error {
	start := time.Now()
	for {
		// #nosec G304 -- lock path derived from a validated key.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_ = lockFile.Close()
			defer func() { _ = os.Remove(lockPath) }()
			return fn()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > appendLockStaleAfter {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= appendLockTimeout {
			return errors.New("append lock timeout")
		}
		time.Sleep(appendLockRetry)
	}
}

func sortNewestFirst(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].ModTime.Equal(infos[j].ModTime) {
			return infos[i].Key > infos[j].Key
		}
		return infos[i].ModTime.After(infos[j].ModTime)
	})
}
