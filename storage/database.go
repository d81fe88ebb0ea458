package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eddielth/telemetry-normalizer/transformer"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// DatabaseStorage is a SQL backed StorageBackend
type DatabaseStorage interface {
	StorageBackend
	// InitDatabase creates the telemetry_records table
	InitDatabase() error
}

// NewDatabaseStorage opens the backend for dbType. driver selects the
// PostgreSQL driver and is ignored for MySQL.
func NewDatabaseStorage(dbType, driver, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(strings.ToLower(dbType)) {
	case MySQL:
		ms, err := NewMySQLStorage(dsn)
		if err != nil {
			return nil, err
		}
		return ms, nil
	case PostgreSQL:
		ps, err := NewPostgreSQLStorage(driver, dsn)
		if err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// recordArgs flattens a record into the telemetry_records column order:
// device_id, device_type, timestamp, country, city, area, factory, section, data
func recordArgs(record transformer.Record) ([]interface{}, error) {
	data := record.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serialize data failed: %w", err)
	}

	return []interface{}{
		record.DeviceID,
		record.DeviceType,
		record.Timestamp,
		record.Location.Country,
		record.Location.City,
		record.Location.Area,
		record.Location.Factory,
		record.Location.Section,
		string(dataJSON),
	}, nil
}
