package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// Documents are hashes holding the payload and its modification time,
// compare-and-swap uses WATCH/MULTI, and logs are Redis lists.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all documents (default: "contextguard:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// NewRedisStore creates a Redis store and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "contextguard:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) docKey(key string) string {
	return r.prefix + "doc:" + key
}

func (r *RedisStore) logKey(key string) string {
	return r.prefix + "log:" + key
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "keys"
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	return nil
}

func decodeHash(key string, fields map[string]string) (*Document, error) {
	data, ok := fields["data"]
	if !ok {
		return nil, ErrNotFound
	}
	nanos, err := strconv.ParseInt(fields["mtime"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse mtime of %s: %w", key, err)
	}
	return &Document{
		Key:     key,
		Data:    []byte(data),
		Version: Version([]byte(data)),
		ModTime: time.Unix(0, nanos),
	}, nil
}

// Get returns the document stored at key.
func (r *RedisStore) Get(ctx context.Context, key string) (*Document, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	fields, err := r.client.HGetAll(ctx, r.docKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(key, fields)
}

func (r *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, key string, data []byte) {
	pipe.HSet(ctx, r.docKey(key), "data", data, "mtime", strconv.FormatInt(time.Now().UnixNano(), 10))
	pipe.SAdd(ctx, r.indexKey(), key)
}

// Put atomically replaces the document at key.
func (r *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.write(ctx, pipe, key, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// CompareAndSwap replaces the document inside a WATCH transaction.
func (r *RedisStore) CompareAndSwap(ctx context.Context, key, version string, data []byte) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	docKey := r.docKey(key)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, docKey, "data").Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if version != "" {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			if Version(current) != version {
				return ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.write(ctx, pipe, key, data)
			return nil
		})
		return err
	}, docKey)

	switch {
	case err == nil:
		return Version(data), nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return "", ErrVersionConflict
	default:
		return "", fmt.Errorf("compare and swap: %w", err)
	}
}

// Append pushes one line onto the log list at key.
func (r *RedisStore) Append(ctx context.Context, key string, line []byte) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if strings.ContainsRune(string(line), '\n') {
		return errors.New("append line must not contain a newline")
	}

	if err := r.client.RPush(ctx, r.logKey(key), line).Err(); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

// ReadLines returns the log list at key.
func (r *RedisStore) ReadLines(ctx context.Context, key string) ([][]byte, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	values, err := r.client.LRange(ctx, r.logKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	lines := make([][]byte, 0, len(values))
	for _, v := range values {
		lines = append(lines, []byte(v))
	}
	return lines, nil
}

// List returns documents under prefix, newest first.
func (r *RedisStore) List(ctx context.Context, prefix string) ([]Info, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	infos := []Info{}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		fields, err := r.client.HGetAll(ctx, r.docKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if len(fields) == 0 {
			// Document vanished; drop the stale index entry.
			r.client.SRem(ctx, r.indexKey(), key)
			continue
		}
		doc, err := decodeHash(key, fields)
		if err != nil {
			return nil, err
		}
		infos = append(infos, Info{Key: key, Size: int64(len(doc.Data)), ModTime: doc.ModTime})
	}

	sortNewestFirst(infos)
	return infos, nil
}

// Move renames a document atomically.
func (r *RedisStore) Move(ctx context.Context, src, dst string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := ValidateKey(src); err != nil {
		return err
	}
	if err := ValidateKey(dst); err != nil {
		return err
	}

	n, err := r.client.Exists(ctx, r.docKey(src)).Result()
	if err != nil {
		return fmt.Errorf("check source: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Rename(ctx, r.docKey(src), r.docKey(dst))
		pipe.HSet(ctx, r.docKey(dst), "mtime", strconv.FormatInt(time.Now().UnixNano(), 10))
		pipe.SRem(ctx, r.indexKey(), src)
		pipe.SAdd(ctx, r.indexKey(), dst)
		return nil
	})
	if err != nil {
		return fmt.Errorf("move document: %w", err)
	}
	return nil
}

// Delete removes a document and any log at key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docKey(key), r.logKey(key))
		pipe.SRem(ctx, r.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
