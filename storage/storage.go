package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/transformer"
)

// StorageBackend is a sink for canonical records
type StorageBackend interface {
	// Store persists one record
	Store(record transformer.Record) error
	// Close releases the backend's connections
	Close() error
}

// Manager fans records out to several backends
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(backends []StorageBackend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// NewManagerFromConfig opens every enabled backend. Backends opened before a
// failure are closed again.
func NewManagerFromConfig(cfg config.StorageConfig) (*Manager, error) {
	manager := NewManager(nil)

	if cfg.File.Enabled {
		fs, err := NewFileStorage(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		manager.AddBackend(fs)
	}

	if cfg.Database.Enabled {
		db, err := NewDatabaseStorage(cfg.Database.Type, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			manager.Close()
			return nil, fmt.Errorf("open %s storage: %w", cfg.Database.Type, err)
		}
		manager.AddBackend(db)
	}

	if cfg.Kafka.Enabled {
		manager.AddBackend(NewKafkaStorage(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}

	if manager.Len() == 0 {
		logger.Warn("no storage backend enabled, canonical records will only be logged")
	}
	return manager, nil
}

// Store writes record to every backend. A failing backend does not stop the
// others; all failures are returned joined.
func (m *Manager) Store(record transformer.Record) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(record); err != nil {
			logger.Error("failed to store record of device %s: %v", record.DeviceID, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close closes all backends
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
		}
	}
}

// AddBackend adds a backend
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Len returns the number of backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}
