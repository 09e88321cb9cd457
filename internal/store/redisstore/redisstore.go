// Package redisstore is a Redis-backed PolicyStore / MeasurementStore /
// WorkloadRegistry, for multi-instance KBS deployments that need a
// shared view of provisioned workloads rather than a per-process disk
// file. Generalized from pkg/persistence/redis/redis.go's client setup
// (Ping on construction, key-prefix namespacing), re-keyed for this
// domain's two value types.
package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Layr-Labs/kbs-go/internal/store"
)

const (
	keyPrefixMeasurement = "kbs:measurement:"
	keyPrefixPolicy      = "kbs:policy:"
)

// Config holds the connection parameters for the Redis-backed store.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed implementation of store.PolicyStore,
// store.MeasurementStore, and store.WorkloadRegistry.
type Store struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

var (
	_ store.PolicyStore      = (*Store)(nil)
	_ store.MeasurementStore = (*Store)(nil)
	_ store.WorkloadRegistry = (*Store)(nil)
)

// New connects to Redis and pings it before returning, so misconfiguration
// surfaces at startup rather than on the first request.
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	logger.Sugar().Infow("redis store connected", "address", cfg.Address)
	return &Store{client: client, logger: logger, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *Store) key(prefix, workloadID string) string {
	return s.keyPrefix + prefix + workloadID
}

// PolicyFor implements store.PolicyStore.
func (s *Store) PolicyFor(workloadID string) ([]byte, bool, error) {
	return s.get(s.key(keyPrefixPolicy, workloadID))
}

// MeasurementFor implements store.MeasurementStore.
func (s *Store) MeasurementFor(workloadID string) (string, bool, error) {
	data, ok, err := s.get(s.key(keyPrefixMeasurement, workloadID))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

// RegisteredWorkload implements store.WorkloadRegistry.
func (s *Store) RegisteredWorkload(workloadID string) (bool, error) {
	_, ok, err := s.MeasurementFor(workloadID)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	_, ok, err = s.PolicyFor(workloadID)
	return ok, err
}

// SetMeasurement provisions a workload's expected launch digest.
func (s *Store) SetMeasurement(workloadID, digestHex string) error {
	return s.set(s.key(keyPrefixMeasurement, workloadID), []byte(digestHex))
}

// SetPolicy provisions a workload's tee_config policy overlay.
func (s *Store) SetPolicy(workloadID string, overlay []byte) error {
	return s.set(s.key(keyPrefixPolicy, workloadID), overlay)
}

func (s *Store) get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, &store.ErrStoreUnavailable{Op: "get " + key, Cause: fmt.Errorf("store is closed")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &store.ErrStoreUnavailable{Op: "get " + key, Cause: err}
	}
	return val, true, nil
}

func (s *Store) set(key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &store.ErrStoreUnavailable{Op: "set " + key, Cause: fmt.Errorf("store is closed")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return &store.ErrStoreUnavailable{Op: "set " + key, Cause: err}
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
