// Package badgerstore is a disk-backed, durable PolicyStore /
// MeasurementStore / WorkloadRegistry, for operators who provision
// workload policy and measurements out-of-band and want them to survive
// a KBS restart. Generalized from pkg/persistence/badger/badger.go's
// Badger-backed adapter: same DefaultOptions/SyncWrites/background-GC
// shape, re-keyed for this domain's two value types instead of key
// shares and protocol sessions.
package badgerstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Layr-Labs/kbs-go/internal/store"
)

const (
	keyPrefixMeasurement = "measurement:"
	keyPrefixPolicy      = "policy:"
)

// Store is a Badger-backed implementation of store.PolicyStore,
// store.MeasurementStore, and store.WorkloadRegistry.
type Store struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var (
	_ store.PolicyStore      = (*Store)(nil)
	_ store.MeasurementStore = (*Store)(nil)
	_ store.WorkloadRegistry = (*Store)(nil)
)

// Open opens (or creates) a Badger database at dataPath and starts its
// background value-log GC loop.
func Open(dataPath string, logger *zap.Logger) (*Store, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database at %s: %w", absPath, err)
	}

	s := &Store{db: db, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel
	s.gcWg.Add(1)
	go s.runGC(ctx)

	logger.Sugar().Infow("badger store initialized", "path", absPath)
	return s, nil
}

func (s *Store) runGC(ctx context.Context) {
	defer s.gcWg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badgerdb.ErrNoRewrite {
				s.logger.Sugar().Warnw("badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// PolicyFor implements store.PolicyStore.
func (s *Store) PolicyFor(workloadID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, &store.ErrStoreUnavailable{Op: "policy_for", Cause: fmt.Errorf("store is closed")}
	}
	return s.get(keyPrefixPolicy + workloadID)
}

// MeasurementFor implements store.MeasurementStore. The stored value is
// the raw hex digest string.
func (s *Store) MeasurementFor(workloadID string) (string, bool, error) {
	data, ok, err := func() ([]byte, bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return nil, false, &store.ErrStoreUnavailable{Op: "measurement_for", Cause: fmt.Errorf("store is closed")}
		}
		return s.get(keyPrefixMeasurement + workloadID)
	}()
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

// RegisteredWorkload implements store.WorkloadRegistry: a workload is
// registered if it has either a measurement or a policy entry.
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
	return s.set(keyPrefixMeasurement+workloadID, []byte(digestHex))
}

// SetPolicy provisions a workload's tee_config policy overlay.
func (s *Store) SetPolicy(workloadID string, overlay []byte) error {
	return s.set(keyPrefixPolicy+workloadID, overlay)
}

func (s *Store) get(key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, &store.ErrStoreUnavailable{Op: "get " + key, Cause: err}
	}
	if data == nil {
		return nil, false, nil
	}
	return data, true, nil
}

func (s *Store) set(key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &store.ErrStoreUnavailable{Op: "set " + key, Cause: fmt.Errorf("store is closed")}
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &store.ErrStoreUnavailable{Op: "set " + key, Cause: err}
	}
	return nil
}

// Close shuts down the background GC loop and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.gcCancel()
	s.gcWg.Wait()
	return s.db.Close()
}

// badgerLoggerAdapter routes Badger's internal logging through zap,
// mirroring pkg/persistence/badger/logger.go.
type badgerLoggerAdapter struct {
	logger *zap.Logger
}

func (a *badgerLoggerAdapter) Errorf(f string, v ...interface{})   { a.logger.Sugar().Errorf(f, v...) }
func (a *badgerLoggerAdapter) Warningf(f string, v ...interface{}) { a.logger.Sugar().Warnf(f, v...) }
func (a *badgerLoggerAdapter) Infof(f string, v ...interface{})    { a.logger.Sugar().Infof(f, v...) }
func (a *badgerLoggerAdapter) Debugf(f string, v ...interface{})   { a.logger.Sugar().Debugf(f, v...) }
