package chatsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-redis/redis"
	"github.com/pelletier/go-toml/v2"
)

// Keys of the saved sign-in credentials.
const (
	KeyUserEmail    = "userEmail"
	KeyUserPassword = "userPassword"
)

// KeyValueStore is a small durable string store on the device.
type KeyValueStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// ============================================================================
// FileKV
// ============================================================================

// FileKV keeps its entries in a TOML file, rewritten on every change.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV stores entries at path. The file is created on first Set.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (kv *FileKV) Get(key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.load()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (kv *FileKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.load()
	if err != nil {
		return err
	}
	m[key] = value
	return kv.save(m)
}

func (kv *FileKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return kv.save(m)
}

func (kv *FileKV) load() (map[string]string, error) {
	m := map[string]string{}
	data, err := os.ReadFile(kv.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kv.path, err)
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", kv.path, err)
	}
	return m, nil
}

func (kv *FileKV) save(m map[string]string) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(kv.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(kv.path, data, 0o600)
}

// ============================================================================
// RedisKV
// ============================================================================

// RedisKV keeps entries in Redis under a key prefix.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV wraps client. prefix namespaces the keys, e.g. "chatsync:device1:".
func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

// DialRedisKV connects to addr and checks the connection.
func DialRedisKV(addr, password string, db int, prefix string) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping().Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisKV(client, prefix), nil
}

func (kv *RedisKV) Get(key string) (string, bool, error) {
	v, err := kv.client.Get(kv.prefix + key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (kv *RedisKV) Set(key, value string) error {
	if err := kv.client.Set(kv.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (kv *RedisKV) Delete(key string) error {
	if err := kv.client.Del(kv.prefix + key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (kv *RedisKV) Close() error {
	return kv.client.Close()
}
